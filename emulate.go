package dbrew

// coercion identifies one of the two recognized sentinel functions: a call
// to a recognized address is reinterpreted as a meta-state coercion on the
// first parameter register (RDI) rather than inlined.
type coercion int

const (
	coerceNone coercion = iota
	coerceToDynamic
	coerceToStatic2
)

// Emulator traces a function with a CapturingState, folding known values
// and capturing the dynamic residue of each instruction into the current
// CBB. One Emulator instance belongs to exactly one Rewriter and is not
// reentrant.
type Emulator struct {
	decoder *Decoder
	mem     MemReader

	maxCallDepth int
	forceUnknown map[int]bool // call-depth -> force all results Dynamic

	sentinels map[uint64]coercion

	cbb *CBB
}

// NewEmulator builds an Emulator reading code through dec and raw memory
// through mem (the two are the same address space during a real rewrite;
// tests may supply different readers to isolate decode from execution).
func NewEmulator(dec *Decoder, mem MemReader) *Emulator {
	return &Emulator{
		decoder:      dec,
		mem:          mem,
		maxCallDepth: defaultMaxCallDepth,
		forceUnknown: make(map[int]bool),
		sentinels:    make(map[uint64]coercion),
	}
}

// SetForceUnknown demotes every result computed at the given inlined-call
// depth to Dynamic, materializing the previously-known value as an
// immediate. Used to break loop unrolling.
func (e *Emulator) SetForceUnknown(depth int) { e.forceUnknown[depth] = true }

// SetMakeDynamic registers addr as the "lower to Dynamic" sentinel.
func (e *Emulator) SetMakeDynamic(addr uint64) { e.sentinels[addr] = coerceToDynamic }

// SetMakeStatic registers addr as the "raise to Static2" sentinel.
func (e *Emulator) SetMakeStatic(addr uint64) { e.sentinels[addr] = coerceToStatic2 }

// SetCBB points the emulator at the CBB currently receiving captured
// instructions.
func (e *Emulator) SetCBB(cbb *CBB) { e.cbb = cbb }

// StepResult reports what EmulateInstr learned about control flow.
type StepResult struct {
	NextPC    uint64 // valid when Diverges is true
	Diverges  bool
	TraceEnds bool // RET with empty return stack (exceeding the call-depth bound is an error instead)
	// TakenAddr/NotTakenAddr are set when a Jcc's controlling flags were
	// Dynamic: the caller must fork the trace into two CBBs.
	Fork         bool
	TakenAddr    uint64
	NotTakenAddr uint64
	// ObservedTaken is the direction this trace's concrete flag values
	// actually resolved to, even though the flags are Dynamic (so both
	// successors still need to be captured). forkJcc uses it to mark
	// which successor the layout pass should keep contiguous.
	ObservedTaken bool
	depth         int // call depth at the Jcc, for esID bookkeeping convenience

	// DynamicTarget is set for CALL*/JMP* (indirect control transfer through
	// a register or memory operand): the target can't be known at rewrite
	// time, so the instruction is captured verbatim and the trace for this
	// path ends here. DBBs also terminate on indirect JMP*.
	DynamicTarget bool
}

// EmulateInstr executes one decoded instruction against state, folding
// knowledge where possible and capturing into e.cbb where not.
func (e *Emulator) EmulateInstr(state *EmulatorState, instr Instr) (StepResult, error) {
	force := e.forceUnknown[state.CallDepth()]

	switch instr.Type {
	case ITMov, ITMovsx, ITMovzx:
		e.emulateMov(state, instr, force)
		return StepResult{}, nil
	case ITLea:
		e.emulateLea(state, instr, force)
		return StepResult{}, nil
	case ITAdd, ITSub:
		e.emulateAddSub(state, instr, force)
		return StepResult{}, nil
	case ITAnd, ITOr, ITXor:
		e.emulateBitwise(state, instr, force)
		return StepResult{}, nil
	case ITCmp:
		e.emulateCmp(state, instr)
		return StepResult{}, nil
	case ITTest:
		e.emulateTest(state, instr)
		return StepResult{}, nil
	case ITInc, ITDec:
		e.emulateIncDec(state, instr, force)
		return StepResult{}, nil
	case ITNeg:
		e.emulateNeg(state, instr, force)
		return StepResult{}, nil
	case ITNot:
		e.emulateNot(state, instr, force)
		return StepResult{}, nil
	case ITShl, ITShr, ITSar:
		e.emulateShift(state, instr, force)
		return StepResult{}, nil
	case ITImul:
		e.emulateImul(state, instr, force)
		return StepResult{}, nil
	case ITPush:
		e.emulatePush(state, instr)
		return StepResult{}, nil
	case ITPop:
		e.emulatePop(state, instr)
		return StepResult{}, nil
	case ITCall:
		return e.emulateCall(state, instr)
	case ITRet:
		return e.emulateRet(state)
	case ITJmp:
		target := instr.Dst.ImmValue
		return StepResult{Diverges: true, NextPC: target}, nil
	case ITCallIndirect, ITJmpIndirect:
		e.cbb.Capture(instr)
		return StepResult{DynamicTarget: true}, nil
	case ITLeave:
		e.emulateLeave(state)
		return StepResult{}, nil
	case ITNop:
		return StepResult{}, nil
	default:
		if IsJcc(instr.Type) {
			return e.emulateJcc(state, instr)
		}
		if instr.Passthrough != nil {
			e.capturePassthrough(state, instr)
			return StepResult{}, nil
		}
		return StepResult{}, newEmulateError(KindUnsupportedInstr, e.cbb, 0, instr.Type.String())
	}
}

// readOperand evaluates src under state, returning its value and
// meta-state. For Indirect operands this is where DBrew's memory model
// applies: stack addresses are tracked byte-by-byte; non-stack addresses
// are read through real process memory, yielding Static2 if the base
// pointer was Static2, Dynamic otherwise.
func (e *Emulator) readOperand(state *EmulatorState, op Operand) (uint64, CaptureState) {
	switch op.Kind {
	case OpImm:
		return op.ImmValue, Static
	case OpReg:
		return e.readReg(state, op.Reg)
	case OpIndirect:
		return e.readMemOperand(state, op)
	}
	return 0, Dynamic
}

func (e *Emulator) readReg(state *EmulatorState, r Reg) (uint64, CaptureState) {
	if r.Class == ClassXMM || r.Class == ClassYMM || r.Class == ClassZMM || r.Class == ClassMMX {
		return 0, Dynamic // SIMD storage is not meta-state tracked
	}
	v, m := state.Reg(r.Index)
	return maskWidth(v, r.Width()), m
}

func (e *Emulator) writeReg(state *EmulatorState, r Reg, val uint64, meta CaptureState) {
	if r.Class == ClassXMM || r.Class == ClassYMM || r.Class == ClassZMM || r.Class == ClassMMX {
		return
	}
	// Writing a 32-bit GP register zero-extends into the full 64-bit slot,
	// per the x86-64 ABI rule; 8/16-bit writes preserve the upper bits.
	if r.Width() == 32 {
		state.SetReg(r.Index, maskWidth(val, 32), meta)
		return
	}
	if r.Width() == 64 {
		state.SetReg(r.Index, val, meta)
		return
	}
	cur, _ := state.Reg(r.Index)
	shift := uint(0)
	width := r.Width()
	mask := uint64(1)<<uint(width) - 1
	newVal := (cur &^ (mask << shift)) | ((val & mask) << shift)
	state.SetReg(r.Index, newVal, meta)
}

func maskWidth(v uint64, width int) uint64 {
	if width >= 64 {
		return v
	}
	return v & (uint64(1)<<uint(width) - 1)
}

// effectiveAddr computes the address an Indirect operand refers to. By the
// time an operand reaches the emulator, resolveRIPRelative (decoder.go) has
// already folded any RIP-relative base into an absolute Disp with no base
// register, so this only ever deals with ordinary base/index/scale/disp
// addressing.
func (e *Emulator) effectiveAddr(state *EmulatorState, op Operand) (uint64, CaptureState) {
	var addr uint64
	meta := CaptureState(Static)
	if op.Base != nil {
		bv, bm := state.Reg(op.Base.Index)
		addr = bv
		meta = bm
	}
	if op.Index != nil && op.Scale != 0 {
		iv, im := state.Reg(op.Index.Index)
		addr += iv * uint64(op.Scale)
		meta = Combine(meta, im, true)
	}
	addr = uint64(int64(addr) + op.Disp)
	return addr, meta
}

func (e *Emulator) readMemOperand(state *EmulatorState, op Operand) (uint64, CaptureState) {
	addr, addrMeta := e.effectiveAddr(state, op)
	width := op.Width
	if width == 0 {
		width = 64
	}
	nbytes := width / 8

	if state.InStack(addr) {
		var val uint64
		resultMeta := CaptureState(Static)
		for i := 0; i < nbytes; i++ {
			b, m, err := state.StackByte(addr + uint64(i))
			if err != nil {
				resultMeta = Dynamic
				continue
			}
			val |= uint64(b) << uint(8*i)
			resultMeta = Combine(resultMeta, m, false)
		}
		return val, resultMeta
	}

	// Non-stack memory: read real process memory. Static2 pointers yield
	// Static2 results; everything else is Dynamic.
	var val uint64
	for i := 0; i < nbytes; i++ {
		b, err := e.mem.ReadByte(addr + uint64(i))
		if err != nil {
			return 0, Dynamic
		}
		val |= uint64(b) << uint(8*i)
	}
	if addrMeta == Static2 {
		return val, Static2
	}
	return val, Dynamic
}

func (e *Emulator) writeMemOperand(state *EmulatorState, op Operand, val uint64, meta CaptureState) {
	addr, _ := e.effectiveAddr(state, op)
	width := op.Width
	if width == 0 {
		width = 64
	}
	nbytes := width / 8
	if state.InStack(addr) {
		for i := 0; i < nbytes; i++ {
			b := byte(val >> uint(8*i))
			state.SetStackByte(addr+uint64(i), b, meta)
		}
	}
	// Writes to non-stack memory are not modeled (RIP-relative writes to
	// captured memory are explicitly out of scope); the capture layer is
	// responsible for emitting the real store instruction so the concrete
	// side effect still happens when the generated code runs.
}

// writeDst writes val/meta to instr.Dst, dispatching by operand kind.
func (e *Emulator) writeDst(state *EmulatorState, dst Operand, val uint64, meta CaptureState) {
	switch dst.Kind {
	case OpReg:
		e.writeReg(state, dst.Reg, val, meta)
	case OpIndirect:
		e.writeMemOperand(state, dst, val, meta)
	}
}

// decide is the central capture policy: given the result of a semantic
// operation and where it's headed, decide whether nothing need be emitted
// (fold), an immediate materialization is needed, the original opcode
// should be re-emitted (with static operands folded into immediates), or a
// capture should be skipped as a no-op simplification. Every emulate*
// function in emulate_ops.go that has a generic fold/materialize/emit
// choice routes it through here via applyCaptureDecision; the exceptions
// (CALL/RET/Jcc/indirect transfers, CMP/TEST, PUSH/POP/LEAVE, and
// passthrough opcodes) have their own flag-only, stack-specific,
// control-flow-specific or verbatim-capture handling.
type captureDecision int

const (
	decideFoldOnly captureDecision = iota // no emission, state updated only
	decideMaterializeImm
	decideEmitOriginal
	decideMaterializeThenEmit
	decideOmit // algebraic simplification dropped the instruction entirely
)

func decide(resultMeta CaptureState, dstTracked bool, dstWasStatic bool, anySrcStatic bool) captureDecision {
	if resultMeta.IsKnown() {
		if dstTracked {
			return decideFoldOnly
		}
		return decideMaterializeImm
	}
	// Dynamic result. dstWasStatic only matters for read-modify-write
	// instructions (ADD/SHL/INC/...) where the concrete machine's prior
	// known value must be materialized before the residual instruction
	// runs; callers whose destination is unconditionally overwritten
	// (MOV, 3-operand IMUL) pass false regardless of the destination's
	// prior meta-state.
	if dstWasStatic && dstTracked {
		return decideMaterializeThenEmit
	}
	return decideEmitOriginal // anySrcStatic operands are folded to immediates by the caller
}

// applyCaptureDecision runs decide() and performs the corresponding action
// against state and e.cbb. emit is invoked only for the two dynamic-result
// branches, where a residual instruction must reach the generated code;
// callers that recognized an algebraic identity (ADD x,0, SHL x,0, ...)
// bypass this entirely and return before decide() is ever consulted — that
// is decideOmit's case, and it never reaches this function.
func (e *Emulator) applyCaptureDecision(state *EmulatorState, dst Operand, result uint64, resultMeta CaptureState, dstVal uint64, dstWasStatic bool, anySrcStatic bool, width int, emit func()) {
	dstTracked := e.dstIsTracked(state, dst)
	switch decide(resultMeta, dstTracked, dstWasStatic, anySrcStatic) {
	case decideFoldOnly:
		e.writeDst(state, dst, result, resultMeta)
	case decideMaterializeImm:
		e.writeDst(state, dst, result, resultMeta)
		e.materialize(dst, result, width)
	case decideMaterializeThenEmit:
		e.writeDst(state, dst, result, Dynamic)
		e.materialize(dst, dstVal, width)
		emit()
	default: // decideEmitOriginal
		e.writeDst(state, dst, result, Dynamic)
		emit()
	}
}

// dstIsTracked reports whether dst is a location decide can fold into
// symbolically without emitting anything: a GP register, or a stack slot at
// a known offset.
func (e *Emulator) dstIsTracked(state *EmulatorState, dst Operand) bool {
	switch dst.Kind {
	case OpReg:
		return dst.Reg.Class != ClassXMM && dst.Reg.Class != ClassYMM && dst.Reg.Class != ClassZMM && dst.Reg.Class != ClassMMX
	case OpIndirect:
		addr, _ := e.effectiveAddr(state, dst)
		return state.InStack(addr)
	}
	return false
}
