package dbrew

import "fmt"

// linkPhase tracks CBB-layout progress with a small state machine guarding
// against calling layout steps out of order.
type linkPhase int

const (
	linkInitial linkPhase = iota
	linkLayoutDone
	linkEncoded
)

// Linker lays out a set of CBBs into a contiguous code buffer, picking
// short (2-byte) or long (6-byte) encodings for each CBB's trailing branch
// and back-patching relative displacements once every CBB's final address
// is known.
type Linker struct {
	phase linkPhase

	cbbs       []*CBB
	baseAddr   uint64
	layout     map[*CBB]SegmentLayout
}

// SegmentLayout records one CBB's placement: offset into the generated
// buffer, final runtime address, and encoded size.
type SegmentLayout struct {
	Offset int
	Addr   uint64
	Size   int
}

// NewLinker prepares a Linker to place cbbs starting at baseAddr, in the
// order given — callers are expected to have already produced a depth-first
// layout order before calling this.
func NewLinker(cbbs []*CBB, baseAddr uint64) *Linker {
	return &Linker{
		cbbs:     cbbs,
		baseAddr: baseAddr,
		layout:   make(map[*CBB]SegmentLayout),
	}
}

// estimatedBodySize sums the size of every non-branch captured instruction
// in a CBB. Computing it requires a throwaway encode pass since DBrew's
// operand widths don't have a fixed per-opcode length table.
func estimatedBodySize(cbb *CBB) (int, error) {
	enc := NewEncoder()
	for _, instr := range cbb.Instrs {
		if _, err := enc.Encode(instr); err != nil {
			return 0, err
		}
	}
	return len(enc.Bytes()), nil
}

// CalculateLayout computes a tentative address for every CBB, reserving the
// maximal trailing-branch size (6-byte long Jcc + 5-byte fallthrough JMP)
// until a short encoding can be proven safe: estimate conservatively first,
// then re-verify as addresses settle.
func (l *Linker) CalculateLayout() error {
	if l.phase != linkInitial {
		return fmt.Errorf("dbrew: CalculateLayout called in wrong phase: %d", l.phase)
	}

	addr := l.baseAddr
	offset := 0
	for _, cbb := range l.cbbs {
		bodySize, err := estimatedBodySize(cbb)
		if err != nil {
			return err
		}
		trailer := trailerSize(cbb, true)
		size := bodySize + trailer
		l.layout[cbb] = SegmentLayout{Offset: offset, Addr: addr, Size: size}
		cbb.LayoutAddr = addr
		cbb.Size = size
		offset += size
		addr += uint64(size)
	}

	// Second pass: now that every CBB has a tentative final address, see
	// which branches fit in a short (rel8) encoding and shrink accordingly.
	// Repeat until stable, since shrinking one CBB can pull a later target
	// within short range of an earlier one (or push it out, vanishingly
	// rarely, which is why this loop re-checks rather than assuming
	// monotonic convergence in one pass).
	for pass := 0; pass < 8; pass++ {
		changed := false
		addr = l.baseAddr
		offset = 0
		for _, cbb := range l.cbbs {
			bodySize, err := estimatedBodySize(cbb)
			if err != nil {
				return err
			}
			short := trailerFits(cbb, addr, bodySize)
			trailer := trailerSize(cbb, !short)
			size := bodySize + trailer
			if seg := l.layout[cbb]; seg.Addr != addr || seg.Size != size {
				changed = true
			}
			l.layout[cbb] = SegmentLayout{Offset: offset, Addr: addr, Size: size}
			cbb.LayoutAddr = addr
			cbb.Size = size
			cbb.ShortJump = short
			offset += size
			addr += uint64(size)
		}
		if !changed {
			break
		}
	}

	l.phase = linkLayoutDone
	return nil
}

// trailerSize returns the byte count reserved for a CBB's terminating
// branch: a conditional jump (2 or 6 bytes) possibly followed by an
// unconditional fallthrough jump (5 bytes) when the fallthrough successor
// isn't laid out immediately afterward.
func trailerSize(cbb *CBB, longJcc bool) int {
	size := 0
	if IsJcc(cbb.EndType) {
		if longJcc {
			size += 6
		} else {
			size += 2
		}
		if cbb.NeedsFTJump {
			size += 5
		}
	} else if cbb.EndType == ITJmp {
		size += 5
	}
	return size
}

// trailerFits reports whether cbb's conditional branch target, at the
// address it would have if encoded with a short rel8, is actually within
// [-128,127] of the instruction following it — the short/long Jcc boundary.
func trailerFits(cbb *CBB, start uint64, bodySize int) bool {
	if !IsJcc(cbb.EndType) || cbb.NextBranch == nil {
		return false
	}
	branchInstrAddr := start + uint64(bodySize)
	nextInstrAddr := branchInstrAddr + 2 // short Jcc is 2 bytes
	target := cbb.NextBranch.LayoutAddr
	rel := int64(target) - int64(nextInstrAddr)
	return rel >= -128 && rel <= 127
}

// Encode emits every CBB's instructions plus its resolved trailing branch
// into a single contiguous buffer sized for the whole layout, back-patching
// every relative displacement once all addresses are final.
func (l *Linker) Encode() ([]byte, error) {
	if l.phase != linkLayoutDone {
		return nil, fmt.Errorf("dbrew: Encode called before CalculateLayout")
	}

	enc := NewEncoder()
	type patch struct {
		offset int // offset of the displacement's first byte
		short  bool
		target *CBB
	}
	var patches []patch

	for _, cbb := range l.cbbs {
		for _, instr := range cbb.Instrs {
			if _, err := enc.Encode(instr); err != nil {
				return nil, err
			}
		}
		switch {
		case IsJcc(cbb.EndType):
			jcc := Instr{Type: cbb.EndType, Form: Form1}
			if cbb.ShortJump {
				patches = append(patches, patch{offset: len(enc.Bytes()) + 1, short: true, target: cbb.NextBranch})
			} else {
				patches = append(patches, patch{offset: len(enc.Bytes()) + 2, short: false, target: cbb.NextBranch})
			}
			if _, err := enc.EncodeJccSized(jcc, cbb.ShortJump); err != nil {
				return nil, err
			}
			if cbb.NeedsFTJump {
				patches = append(patches, patch{offset: len(enc.Bytes()) + 1, short: false, target: cbb.NextFallThrough})
				enc.write(0xE9)
				enc.write32(0)
			}
		case cbb.EndType == ITJmp:
			patches = append(patches, patch{offset: len(enc.Bytes()) + 1, short: false, target: cbb.NextFallThrough})
			enc.write(0xE9)
			enc.write32(0)
		}
		cbb.FinalAddr = l.layout[cbb].Addr
	}

	for _, p := range patches {
		if p.target == nil {
			continue
		}
		if p.short {
			next := int64(l.baseAddr) + int64(p.offset) + 1
			rel := int64(p.target.FinalAddr) - next
			enc.PatchRel8(p.offset, int8(rel))
		} else {
			next := int64(l.baseAddr) + int64(p.offset) + 4
			rel := int64(p.target.FinalAddr) - next
			enc.PatchRel32(p.offset, int32(rel))
		}
	}

	l.phase = linkEncoded
	return enc.Bytes(), nil
}
