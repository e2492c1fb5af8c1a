package dbrew

import "fmt"

// numGPRegs is the count of architectural 64-bit GP registers (RAX..R15).
const numGPRegs = 16

// numFlags is the count of tracked x86 flags: CF, ZF, SF, OF, PF.
const numFlags = 5

const (
	flagCFIdx = iota
	flagZFIdx
	flagSFIdx
	flagOFIdx
	flagPFIdx
)

// EmulatorState holds every piece of architectural storage DBrew's tracing
// emulator needs to classify static vs. dynamic, plus the byte-granular
// virtual stack and call/return bookkeeping. It is cloned wholesale on
// Save — no substructure sharing; snapshot-equality simplicity outweighs
// copy-on-write savings here.
type EmulatorState struct {
	parent int // index of the saved state this was restored from, or -1

	regValue []uint64       // [numGPRegs]
	regMeta  []CaptureState // [numGPRegs]

	flagValue [numFlags]bool
	flagMeta  [numFlags]CaptureState

	// Virtual stack. stackStart is the lowest address ever legally
	// addressable; stackTop is the initial RSP value. Bytes are indexed by
	// (addr - stackStart); lowestAccessed tracks the watermark below which
	// no access has ever occurred in this state's lineage.
	stackStart     uint64
	stackTop       uint64
	stackBytes     []byte
	stackMeta      []CaptureState
	lowestAccessed uint64

	callDepth  int
	returnAddr []uint64 // return-address stack (inlined CALL bookkeeping)
}

// NewEmulatorState allocates a state with a virtual stack of stackSize
// bytes, topped at stackTop (the value RSP holds before any pushes).
func NewEmulatorState(stackTop uint64, stackSize int) *EmulatorState {
	start := stackTop - uint64(stackSize)
	s := &EmulatorState{
		parent:         -1,
		regValue:       make([]uint64, numGPRegs),
		regMeta:        make([]CaptureState, numGPRegs),
		stackStart:     start,
		stackTop:       stackTop,
		stackBytes:     make([]byte, stackSize),
		stackMeta:      make([]CaptureState, stackSize),
		lowestAccessed: stackTop,
	}
	for i := range s.regMeta {
		s.regMeta[i] = Dead
	}
	for i := range s.stackMeta {
		s.stackMeta[i] = Dead
	}
	s.flagMeta = [numFlags]CaptureState{Dead, Dead, Dead, Dead, Dead}
	return s
}

// Reg reads a GP register's value and meta-state.
func (s *EmulatorState) Reg(enc uint8) (uint64, CaptureState) {
	return s.regValue[enc], s.regMeta[enc]
}

// SetReg writes a GP register's value and meta-state.
func (s *EmulatorState) SetReg(enc uint8, val uint64, meta CaptureState) {
	s.regValue[enc] = val
	s.regMeta[enc] = meta
}

// Flag reads a flag's boolean value and meta-state.
func (s *EmulatorState) Flag(idx int) (bool, CaptureState) {
	return s.flagValue[idx], s.flagMeta[idx]
}

// SetFlag writes a flag's boolean value and meta-state.
func (s *EmulatorState) SetFlag(idx int, val bool, meta CaptureState) {
	s.flagValue[idx] = val
	s.flagMeta[idx] = meta
}

// InStack reports whether addr falls within the virtual stack's tracked
// range [stackStart, stackTop).
func (s *EmulatorState) InStack(addr uint64) bool {
	return addr >= s.stackStart && addr < s.stackTop
}

func (s *EmulatorState) stackIndex(addr uint64) int {
	return int(addr - s.stackStart)
}

// touchWatermark lowers lowestAccessed if addr is below the current
// watermark — accessing a new low extends the tracked-access window.
func (s *EmulatorState) touchWatermark(addr uint64) {
	if addr < s.lowestAccessed {
		s.lowestAccessed = addr
	}
}

// StackByte reads one tracked stack byte and its meta-state. Reading below
// the state's allocated range is a usage error (state-size mismatch).
func (s *EmulatorState) StackByte(addr uint64) (byte, CaptureState, error) {
	if !s.InStack(addr) {
		return 0, Dead, fmt.Errorf("dbrew: stack read at 0x%x outside virtual stack [0x%x,0x%x)", addr, s.stackStart, s.stackTop)
	}
	idx := s.stackIndex(addr)
	s.touchWatermark(addr)
	return s.stackBytes[idx], s.stackMeta[idx], nil
}

// SetStackByte writes one tracked stack byte and meta-state, extending the
// watermark if the write reaches below it.
func (s *EmulatorState) SetStackByte(addr uint64, val byte, meta CaptureState) error {
	if !s.InStack(addr) {
		return fmt.Errorf("dbrew: stack write at 0x%x outside virtual stack [0x%x,0x%x)", addr, s.stackStart, s.stackTop)
	}
	idx := s.stackIndex(addr)
	s.touchWatermark(addr)
	s.stackBytes[idx] = val
	s.stackMeta[idx] = meta
	return nil
}

// PushReturn pushes an inlined CALL's return address and increments call
// depth. CallDepth is bounded by the rewriter (default depth 5).
func (s *EmulatorState) PushReturn(addr uint64) {
	s.returnAddr = append(s.returnAddr, addr)
	s.callDepth++
}

// PopReturn pops the most recent inlined return address. ok is false if the
// return stack underflowed (trace path ends).
func (s *EmulatorState) PopReturn() (addr uint64, ok bool) {
	if len(s.returnAddr) == 0 {
		return 0, false
	}
	n := len(s.returnAddr)
	addr = s.returnAddr[n-1]
	s.returnAddr = s.returnAddr[:n-1]
	s.callDepth--
	return addr, true
}

// CallDepth returns the current inlined-call nesting depth.
func (s *EmulatorState) CallDepth() int { return s.callDepth }

// Clone deep-copies the state, sized to the accessed stack region only
// (from lowestAccessed to stackTop).
func (s *EmulatorState) Clone() *EmulatorState {
	accessedSize := int(s.stackTop - s.lowestAccessed)
	out := &EmulatorState{
		parent:         -1,
		regValue:       append([]uint64(nil), s.regValue...),
		regMeta:        append([]CaptureState(nil), s.regMeta...),
		flagValue:      s.flagValue,
		flagMeta:       s.flagMeta,
		stackStart:     s.stackTop - uint64(accessedSize),
		stackTop:       s.stackTop,
		lowestAccessed: s.lowestAccessed,
		callDepth:      s.callDepth,
		returnAddr:     append([]uint64(nil), s.returnAddr...),
	}
	out.stackBytes = make([]byte, accessedSize)
	out.stackMeta = make([]CaptureState, accessedSize)
	if accessedSize > 0 {
		srcOff := s.stackIndex(out.stackStart)
		copy(out.stackBytes, s.stackBytes[srcOff:])
		copy(out.stackMeta, s.stackMeta[srcOff:])
	}
	return out
}

// RestoreInto copies a saved snapshot back into s. If the saved stack is
// smaller than s's allocated range, s's low bytes below the saved range are
// filled with Dead. If the saved stack is larger, RestoreInto assumes the
// extra low bytes were never accessed in s's lineage; violating that is a
// programming error in the caller, not something RestoreInto can detect
// after the fact.
func (s *EmulatorState) RestoreInto(saved *EmulatorState) {
	copy(s.regValue, saved.regValue)
	copy(s.regMeta, saved.regMeta)
	s.flagValue = saved.flagValue
	s.flagMeta = saved.flagMeta
	s.callDepth = saved.callDepth
	s.returnAddr = append([]uint64(nil), saved.returnAddr...)
	s.lowestAccessed = saved.lowestAccessed

	// Reset the full tracked range, then overlay the saved region.
	for i := range s.stackMeta {
		s.stackMeta[i] = Dead
	}
	dstOff := s.stackIndex(saved.stackStart)
	if dstOff < 0 {
		dstOff = 0
	}
	n := len(saved.stackBytes)
	if dstOff+n > len(s.stackBytes) {
		n = len(s.stackBytes) - dstOff
	}
	if n > 0 {
		copy(s.stackBytes[dstOff:dstOff+n], saved.stackBytes[:n])
		copy(s.stackMeta[dstOff:dstOff+n], saved.stackMeta[:n])
	}
}

// Equal reports value+meta-state equality over all live registers and
// flags, and over all stack bytes in the overlap window of the two
// (possibly differently sized) stacks. The unmatched prefix in either
// state's stack must be non-Static for the states to still compare equal
// despite differing size.
func (s *EmulatorState) Equal(other *EmulatorState) bool {
	for i := range s.regValue {
		if s.regMeta[i] != other.regMeta[i] {
			return false
		}
		if s.regMeta[i].IsKnown() && s.regValue[i] != other.regValue[i] {
			return false
		}
	}
	for i := range s.flagValue {
		if s.flagMeta[i] != other.flagMeta[i] {
			return false
		}
		if s.flagMeta[i].IsKnown() && s.flagValue[i] != other.flagValue[i] {
			return false
		}
	}

	loStart := s.stackStart
	if other.stackStart > loStart {
		loStart = other.stackStart
	}
	hiEnd := s.stackTop // both states share the same logical stackTop

	for addr := loStart; addr < hiEnd; addr++ {
		aMeta, aHas := s.metaAt(addr)
		bMeta, bHas := other.metaAt(addr)
		if !aHas {
			aMeta = Dead
		}
		if !bHas {
			bMeta = Dead
		}
		if aMeta != bMeta {
			return false
		}
		if aMeta.IsKnown() {
			aVal, _ := s.byteAt(addr)
			bVal, _ := other.byteAt(addr)
			if aVal != bVal {
				return false
			}
		}
	}

	// Any prefix below loStart that exists only in the larger state must be
	// non-Static for equality to hold.
	if s.stackStart < loStart {
		if !s.prefixAllNonStatic(s.stackStart, loStart) {
			return false
		}
	}
	if other.stackStart < loStart {
		if !other.prefixAllNonStatic(other.stackStart, loStart) {
			return false
		}
	}
	return true
}

func (s *EmulatorState) metaAt(addr uint64) (CaptureState, bool) {
	if !s.InStack(addr) {
		return Dead, false
	}
	return s.stackMeta[s.stackIndex(addr)], true
}

func (s *EmulatorState) byteAt(addr uint64) (byte, bool) {
	if !s.InStack(addr) {
		return 0, false
	}
	return s.stackBytes[s.stackIndex(addr)], true
}

func (s *EmulatorState) prefixAllNonStatic(lo, hi uint64) bool {
	for addr := lo; addr < hi; addr++ {
		m, has := s.metaAt(addr)
		if has && (m == Static || m == Static2) {
			return false
		}
	}
	return true
}
