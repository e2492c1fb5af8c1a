package dbrew

// parityTable is a four-word bit-lookup: PF is set when the low byte of a
// result has an even number of set bits. This matches the x86 PF definition
// for byte-granular results; reimplementers should verify against the SDM.
var parityTable = [4]uint64{
	0x9669699669969669,
	0x6996966996696996,
	0x6996966996696996,
	0x9669699669969669,
}

func parity(low8 byte) bool {
	word := parityTable[low8>>6]
	return (word>>(low8&0x3f))&1 != 0
}

// materialize emits a MOV dst, imm so the concrete machine sees the known
// value before/while a Dynamic result is produced at dst.
func (e *Emulator) materialize(dst Operand, val uint64, width int) {
	if e.cbb == nil {
		return
	}
	e.cbb.Capture(Instr{
		Type:       ITMov,
		Form:       Form2,
		ValueWidth: width,
		Dst:        dst,
		Src:        Operand{Kind: OpImm, ImmWidth: width, ImmValue: val},
	})
}

// emitFolded captures a copy of instr with any known source operand
// rewritten to an immediate, so the emitted instruction still reflects the
// known value without being evaluated away entirely: rewrite the operand to
// an immediate, then emit the original opcode.
func (e *Emulator) emitFolded(instr Instr, srcVal uint64, srcMeta CaptureState, src2Val uint64, src2Meta CaptureState) {
	if e.cbb == nil {
		return
	}
	out := instr
	if srcMeta.IsKnown() && instr.Src.Kind != OpImm {
		out.Src = Operand{Kind: OpImm, ImmWidth: instr.ValueWidth, ImmValue: srcVal}
	}
	if instr.Form == Form3 && src2Meta.IsKnown() && instr.Src2.Kind != OpImm {
		out.Src2 = Operand{Kind: OpImm, ImmWidth: instr.ValueWidth, ImmValue: src2Val}
	}
	e.cbb.Capture(out)
}

func (e *Emulator) capturePassthrough(state *EmulatorState, instr Instr) {
	if e.cbb == nil {
		return
	}
	e.cbb.Capture(instr)
}

// --- MOV / MOVSX / MOVZX -----------------------------------------------

func (e *Emulator) emulateMov(state *EmulatorState, instr Instr, force bool) {
	val, meta := e.readOperand(state, instr.Src)
	if instr.Type == ITMovzx {
		meta = Unary(meta)
	} else if instr.Type == ITMovsx {
		val = signExtend(val, srcWidthOf(instr), instr.ValueWidth)
		meta = Unary(meta)
	}
	srcMeta := meta
	if force {
		meta = Dynamic
	}

	// MOV overwrites dst unconditionally rather than reading it, so
	// dstWasStatic is always false: there is no prior value to materialize.
	// A known source demoted by force-unknown is materialized as an
	// immediate rather than copied from its (possibly folded) location.
	e.applyCaptureDecision(state, instr.Dst, val, meta, 0, false, false, instr.ValueWidth, func() {
		if srcMeta == Static || srcMeta == Static2 {
			e.materialize(instr.Dst, val, instr.ValueWidth)
			return
		}
		e.emitFolded(instr, val, Dynamic, 0, Dead)
	})
}

func srcWidthOf(instr Instr) int {
	switch instr.Src.Kind {
	case OpReg:
		return instr.Src.Reg.Width()
	case OpIndirect:
		return instr.Src.Width
	default:
		return instr.ValueWidth
	}
}

func signExtend(v uint64, fromWidth, toWidth int) uint64 {
	if fromWidth >= 64 {
		return v
	}
	signBit := uint64(1) << uint(fromWidth-1)
	mask := uint64(1)<<uint(fromWidth) - 1
	v &= mask
	if v&signBit != 0 {
		v |= ^mask
	}
	return maskWidth(v, toWidth)
}

// --- LEA -----------------------------------------------------------------

func (e *Emulator) emulateLea(state *EmulatorState, instr Instr, force bool) {
	addr, meta := e.effectiveAddr(state, instr.Src)
	if force {
		meta = Dynamic
	}
	e.applyCaptureDecision(state, instr.Dst, addr, meta, 0, false, false, instr.ValueWidth, func() {
		e.cbb.Capture(instr)
	})
}

// --- ADD / SUB -------------------------------------------------------------

func (e *Emulator) emulateAddSub(state *EmulatorState, instr Instr, force bool) {
	dstVal, dstMeta := e.readOperand(state, instr.Dst)
	srcVal, srcMeta := e.readOperand(state, instr.Src)

	var result uint64
	if instr.Type == ITAdd {
		result = maskWidth(dstVal+srcVal, instr.ValueWidth)
	} else {
		result = maskWidth(dstVal-srcVal, instr.ValueWidth)
	}
	resultMeta := Combine(dstMeta, srcMeta, true)
	if force {
		resultMeta = Dynamic
	}

	e.updateArithFlags(state, instr.Type, dstVal, srcVal, result, instr.ValueWidth, dstMeta, srcMeta, force)

	// Algebraic simplification: ADD x, 0 -> no-op (value unchanged).
	if instr.Type == ITAdd && srcMeta == Static && srcVal == 0 {
		e.writeDst(state, instr.Dst, dstVal, dstMeta)
		return
	}

	e.applyCaptureDecision(state, instr.Dst, result, resultMeta, dstVal, dstMeta.IsKnown(), srcMeta.IsKnown(), instr.ValueWidth, func() {
		e.emitFolded(instr, srcVal, srcMeta, 0, Dead)
	})
}

// --- AND / OR / XOR --------------------------------------------------------

func (e *Emulator) emulateBitwise(state *EmulatorState, instr Instr, force bool) {
	dstVal, dstMeta := e.readOperand(state, instr.Dst)
	srcVal, srcMeta := e.readOperand(state, instr.Src)

	// XOR reg, reg (identical operands) is forced to Static 0 regardless
	// of the operands' own meta-state.
	if instr.Type == ITXor && instr.Dst.Kind == OpReg && instr.Src.Kind == OpReg && instr.Dst.Reg == instr.Src.Reg {
		e.setFlagsZeroResult(state)
		e.writeDst(state, instr.Dst, 0, Static)
		return
	}

	var result uint64
	switch instr.Type {
	case ITAnd:
		result = dstVal & srcVal
	case ITOr:
		result = dstVal | srcVal
	case ITXor:
		result = dstVal ^ srcVal
	}
	result = maskWidth(result, instr.ValueWidth)
	resultMeta := Combine(dstMeta, srcMeta, false)
	if force {
		resultMeta = Dynamic
	}

	// CF=0, OF=0 statically; ZF/SF/PF derive from the result's meta-state.
	state.SetFlag(flagCFIdx, false, Static)
	state.SetFlag(flagOFIdx, false, Static)
	flagMeta := CombineFlag(dstMeta, srcMeta, false)
	if force {
		flagMeta = Dynamic
	}
	state.SetFlag(flagZFIdx, result == 0, flagMeta)
	state.SetFlag(flagSFIdx, signBit(result, instr.ValueWidth), flagMeta)
	state.SetFlag(flagPFIdx, parity(byte(result)), flagMeta)

	e.applyCaptureDecision(state, instr.Dst, result, resultMeta, dstVal, dstMeta.IsKnown(), srcMeta.IsKnown(), instr.ValueWidth, func() {
		e.emitFolded(instr, srcVal, srcMeta, 0, Dead)
	})
}

func (e *Emulator) setFlagsZeroResult(state *EmulatorState) {
	state.SetFlag(flagCFIdx, false, Static)
	state.SetFlag(flagOFIdx, false, Static)
	state.SetFlag(flagZFIdx, true, Static)
	state.SetFlag(flagSFIdx, false, Static)
	state.SetFlag(flagPFIdx, true, Static)
}

// --- CMP / TEST --------------------------------------------------------

func (e *Emulator) emulateCmp(state *EmulatorState, instr Instr) {
	dstVal, dstMeta := e.readOperand(state, instr.Dst)
	srcVal, srcMeta := e.readOperand(state, instr.Src)
	result := maskWidth(dstVal-srcVal, instr.ValueWidth)
	e.updateArithFlags(state, ITSub, dstVal, srcVal, result, instr.ValueWidth, dstMeta, srcMeta, false)

	flagMeta := CombineFlag(dstMeta, srcMeta, false)
	if flagMeta.IsKnown() {
		return // branches reading these flags can resolve statically
	}
	e.emitFolded(instr, srcVal, srcMeta, 0, Dead)
}

func (e *Emulator) emulateTest(state *EmulatorState, instr Instr) {
	dstVal, dstMeta := e.readOperand(state, instr.Dst)
	srcVal, srcMeta := e.readOperand(state, instr.Src)
	result := maskWidth(dstVal&srcVal, instr.ValueWidth)

	state.SetFlag(flagCFIdx, false, Static)
	state.SetFlag(flagOFIdx, false, Static)
	flagMeta := CombineFlag(dstMeta, srcMeta, false)
	state.SetFlag(flagZFIdx, result == 0, flagMeta)
	state.SetFlag(flagSFIdx, signBit(result, instr.ValueWidth), flagMeta)
	state.SetFlag(flagPFIdx, parity(byte(result)), flagMeta)

	if flagMeta.IsKnown() {
		return
	}
	e.emitFolded(instr, srcVal, srcMeta, 0, Dead)
}

// --- INC / DEC / NEG / NOT ----------------------------------------------

func (e *Emulator) emulateIncDec(state *EmulatorState, instr Instr, force bool) {
	val, meta := e.readOperand(state, instr.Dst)
	var result uint64
	if instr.Type == ITInc {
		result = maskWidth(val+1, instr.ValueWidth)
	} else {
		result = maskWidth(val-1, instr.ValueWidth)
	}
	resultMeta := Unary(meta)
	if force {
		resultMeta = Dynamic
	}
	// INC/DEC affect ZF/SF/OF/PF but leave CF unmodified.
	flagMeta := resultMeta
	if flagMeta == StackRelative {
		flagMeta = Dynamic
	}
	if flagMeta == Static2 {
		flagMeta = Static
	}
	state.SetFlag(flagZFIdx, result == 0, flagMeta)
	state.SetFlag(flagSFIdx, signBit(result, instr.ValueWidth), flagMeta)
	state.SetFlag(flagPFIdx, parity(byte(result)), flagMeta)
	overflow := !signBit(val, instr.ValueWidth) && signBit(result, instr.ValueWidth)
	if instr.Type == ITDec {
		overflow = signBit(val, instr.ValueWidth) && !signBit(result, instr.ValueWidth)
	}
	state.SetFlag(flagOFIdx, overflow, flagMeta)

	e.applyCaptureDecision(state, instr.Dst, result, resultMeta, val, meta.IsKnown(), false, instr.ValueWidth, func() {
		e.cbb.Capture(instr)
	})
}

func (e *Emulator) emulateNeg(state *EmulatorState, instr Instr, force bool) {
	val, meta := e.readOperand(state, instr.Dst)
	result := maskWidth(uint64(-int64(val)), instr.ValueWidth)
	resultMeta := Unary(meta)
	if force {
		resultMeta = Dynamic
	}
	state.SetFlag(flagCFIdx, val != 0, resultMeta)
	state.SetFlag(flagZFIdx, result == 0, resultMeta)
	state.SetFlag(flagSFIdx, signBit(result, instr.ValueWidth), resultMeta)
	state.SetFlag(flagPFIdx, parity(byte(result)), resultMeta)

	e.applyCaptureDecision(state, instr.Dst, result, resultMeta, val, meta.IsKnown(), false, instr.ValueWidth, func() {
		e.cbb.Capture(instr)
	})
}

func (e *Emulator) emulateNot(state *EmulatorState, instr Instr, force bool) {
	val, meta := e.readOperand(state, instr.Dst)
	result := maskWidth(^val, instr.ValueWidth)
	resultMeta := Unary(meta)
	if force {
		resultMeta = Dynamic
	}
	e.applyCaptureDecision(state, instr.Dst, result, resultMeta, val, meta.IsKnown(), false, instr.ValueWidth, func() {
		e.cbb.Capture(instr)
	})
}

// --- Shifts --------------------------------------------------------------

func (e *Emulator) emulateShift(state *EmulatorState, instr Instr, force bool) {
	val, valMeta := e.readOperand(state, instr.Dst)
	count, countMeta := e.readOperand(state, instr.Src)
	count &= 0x3f

	var result uint64
	switch instr.Type {
	case ITShl:
		result = maskWidth(val<<count, instr.ValueWidth)
	case ITShr:
		result = maskWidth(val>>count, instr.ValueWidth)
	case ITSar:
		result = maskWidth(uint64(signExtend(val, instr.ValueWidth, 64))>>count, instr.ValueWidth)
	}
	resultMeta := Combine(valMeta, countMeta, false)
	if force {
		resultMeta = Dynamic
	}

	// Algebraic simplification: shift by a known zero count is a no-op.
	if countMeta == Static && count == 0 {
		e.writeDst(state, instr.Dst, val, valMeta)
		return
	}

	e.applyCaptureDecision(state, instr.Dst, result, resultMeta, val, valMeta.IsKnown(), countMeta.IsKnown(), instr.ValueWidth, func() {
		e.emitFolded(instr, count, countMeta, 0, Dead)
	})
}

// --- IMUL ------------------------------------------------------------------

// The 3-operand IMUL overwrites its destination from its source operands
// without reading it, so its decide() call passes dstWasStatic=false. The
// 2-operand form multiplies into its destination, so it passes the
// destination's prior value and whether that value was known.
func (e *Emulator) emulateImul(state *EmulatorState, instr Instr, force bool) {
	if instr.Form == Form3 {
		srcVal, srcMeta := e.readOperand(state, instr.Src)
		immVal, immMeta := e.readOperand(state, instr.Src2)
		result := maskWidth(srcVal*immVal, instr.ValueWidth)
		resultMeta := Combine(srcMeta, immMeta, false)
		if force {
			resultMeta = Dynamic
		}
		// IMUL x, 1 -> MOV (algebraic simplification).
		if immMeta == Static && immVal == 1 {
			e.writeDst(state, instr.Dst, srcVal, srcMeta)
			if !resultMeta.IsKnown() {
				e.cbb.Capture(Instr{Type: ITMov, Form: Form2, ValueWidth: instr.ValueWidth, Dst: instr.Dst, Src: instr.Src})
			}
			return
		}
		if immMeta == Static && immVal == 0 {
			e.writeDst(state, instr.Dst, 0, Static)
			return
		}
		e.applyCaptureDecision(state, instr.Dst, result, resultMeta, 0, false, srcMeta.IsKnown() || immMeta.IsKnown(), instr.ValueWidth, func() {
			e.emitFolded(instr, srcVal, srcMeta, immVal, immMeta)
		})
		return
	}

	dstVal, dstMeta := e.readOperand(state, instr.Dst)
	srcVal, srcMeta := e.readOperand(state, instr.Src)
	result := maskWidth(dstVal*srcVal, instr.ValueWidth)
	resultMeta := Combine(dstMeta, srcMeta, false)
	if force {
		resultMeta = Dynamic
	}
	if srcMeta == Static && srcVal == 0 {
		e.writeDst(state, instr.Dst, 0, Static)
		return
	}
	e.applyCaptureDecision(state, instr.Dst, result, resultMeta, dstVal, dstMeta.IsKnown(), srcMeta.IsKnown(), instr.ValueWidth, func() {
		e.emitFolded(instr, srcVal, srcMeta, 0, Dead)
	})
}

// --- PUSH / POP / LEAVE --------------------------------------------------

func (e *Emulator) emulatePush(state *EmulatorState, instr Instr) {
	val, meta := e.readOperand(state, instr.Dst)
	rsp, rspMeta := state.Reg(RSP)
	newRsp := rsp - 8
	if rspMeta.IsKnown() && state.InStack(newRsp) {
		for i := 0; i < 8; i++ {
			state.SetStackByte(newRsp+uint64(i), byte(val>>uint(8*i)), meta)
		}
		state.SetReg(RSP, newRsp, rspMeta)
		return
	}
	state.SetReg(RSP, newRsp, Dynamic)
	e.cbb.Capture(instr)
}

func (e *Emulator) emulatePop(state *EmulatorState, instr Instr) {
	rsp, rspMeta := state.Reg(RSP)
	if rspMeta.IsKnown() && state.InStack(rsp) {
		var val uint64
		meta := CaptureState(Static)
		for i := 0; i < 8; i++ {
			b, m, err := state.StackByte(rsp + uint64(i))
			if err != nil {
				meta = Dynamic
				continue
			}
			val |= uint64(b) << uint(8*i)
			meta = Combine(meta, m, false)
		}
		state.SetReg(RSP, rsp+8, rspMeta)
		e.writeDst(state, instr.Dst, val, meta)
		if !meta.IsKnown() {
			e.cbb.Capture(instr)
		}
		return
	}
	state.SetReg(RSP, rsp+8, Dynamic)
	e.writeDst(state, instr.Dst, 0, Dynamic)
	e.cbb.Capture(instr)
}

func (e *Emulator) emulateLeave(state *EmulatorState) {
	rbp, rbpMeta := state.Reg(RBP)
	state.SetReg(RSP, rbp, rbpMeta)
	if rbpMeta.IsKnown() && state.InStack(rbp) {
		var val uint64
		meta := CaptureState(Static)
		for i := 0; i < 8; i++ {
			b, m, err := state.StackByte(rbp + uint64(i))
			if err != nil {
				meta = Dynamic
				continue
			}
			val |= uint64(b) << uint(8*i)
			meta = Combine(meta, m, false)
		}
		state.SetReg(RBP, val, meta)
		state.SetReg(RSP, rbp+8, rbpMeta)
		return
	}
	e.cbb.Capture(Instr{Type: ITLeave, Form: Form0})
}

// --- flags -----------------------------------------------------------------

func signBit(v uint64, width int) bool {
	return v&(uint64(1)<<uint(width-1)) != 0
}

// updateArithFlags computes the standard five-flag update for ADD/SUB/CMP
// from the operands and result: the full update is derived from the result
// and the borrow/carry masks.
func (e *Emulator) updateArithFlags(state *EmulatorState, op InstrType, a, b, result uint64, width int, aMeta, bMeta CaptureState, force bool) {
	flagMeta := CombineFlag(aMeta, bMeta, false)
	if force {
		flagMeta = Dynamic
	}
	var carry, overflow bool
	signA := signBit(a, width)
	signB := signBit(b, width)
	signR := signBit(result, width)
	if op == ITAdd {
		carry = result < a // unsigned wraparound
		overflow = signA == signB && signR != signA
	} else { // SUB/CMP share subtraction semantics
		carry = a < b // borrow
		overflow = signA != signB && signR != signA
	}
	state.SetFlag(flagCFIdx, carry, flagMeta)
	state.SetFlag(flagOFIdx, overflow, flagMeta)
	state.SetFlag(flagZFIdx, result == 0, flagMeta)
	state.SetFlag(flagSFIdx, signR, flagMeta)
	state.SetFlag(flagPFIdx, parity(byte(result)), flagMeta)
}

// --- control flow: CALL / RET / Jcc ---------------------------------------

func (e *Emulator) emulateCall(state *EmulatorState, instr Instr) (StepResult, error) {
	target := instr.Dst.ImmValue

	if c, ok := e.sentinels[target]; ok {
		e.applySentinel(state, c)
		return StepResult{}, nil
	}

	if state.CallDepth() >= e.maxCallDepth {
		return StepResult{}, newEmulateError(KindUnsupportedInstr, e.cbb, 0, "call depth exceeded")
	}

	rsp, rspMeta := state.Reg(RSP)
	newRsp := rsp - 8
	retAddr := instr.Address + uint64(instr.Length)
	if rspMeta.IsKnown() && state.InStack(newRsp) {
		for i := 0; i < 8; i++ {
			state.SetStackByte(newRsp+uint64(i), byte(retAddr>>uint(8*i)), Dynamic)
		}
		state.SetReg(RSP, newRsp, rspMeta)
	} else {
		state.SetReg(RSP, newRsp, Dynamic)
	}
	state.PushReturn(retAddr)
	return StepResult{Diverges: true, NextPC: target}, nil
}

// applySentinel reinterprets a call to a registered sentinel address as a
// coercion of RDI's meta-state.
func (e *Emulator) applySentinel(state *EmulatorState, c coercion) {
	val, meta := state.Reg(RDI)
	switch c {
	case coerceToDynamic:
		if meta.IsKnown() {
			e.materialize(RegOperand(GP64(RDI)), val, 64)
		}
		state.SetReg(RDI, val, Dynamic)
	case coerceToStatic2:
		state.SetReg(RDI, val, Static2)
	}
}

func (e *Emulator) emulateRet(state *EmulatorState) (StepResult, error) {
	addr, ok := state.PopReturn()
	if !ok {
		// Reached the outermost (non-inlined) function's own return: the
		// generated code must actually return to the real caller, so the
		// RET is captured rather than folded away.
		e.cbb.Capture(Instr{Type: ITRet, Form: Form0})
		return StepResult{TraceEnds: true}, nil
	}
	rsp, rspMeta := state.Reg(RSP)
	state.SetReg(RSP, rsp+8, rspMeta)
	return StepResult{Diverges: true, NextPC: addr}, nil
}

func (e *Emulator) emulateJcc(state *EmulatorState, instr Instr) (StepResult, error) {
	flagsKnown, resolvedTaken := e.resolveJcc(state, instr.Type)
	target := instr.Dst.ImmValue
	fallthroughAddr := instr.Address + uint64(instr.Length)

	if flagsKnown {
		if resolvedTaken {
			return StepResult{Diverges: true, NextPC: target}, nil
		}
		return StepResult{Diverges: true, NextPC: fallthroughAddr}, nil
	}

	return StepResult{
		Fork:          true,
		TakenAddr:     target,
		NotTakenAddr:  fallthroughAddr,
		ObservedTaken: resolvedTaken,
		depth:         state.CallDepth(),
	}, nil
}

// resolveJcc evaluates the condition for t against state's flags. known is
// false if any controlling flag is Dynamic.
func (e *Emulator) resolveJcc(state *EmulatorState, t InstrType) (known bool, taken bool) {
	cf, cfM := state.Flag(flagCFIdx)
	zf, zfM := state.Flag(flagZFIdx)
	sf, sfM := state.Flag(flagSFIdx)
	of, ofM := state.Flag(flagOFIdx)
	pf, pfM := state.Flag(flagPFIdx)

	need := func(metas ...CaptureState) bool {
		for _, m := range metas {
			if !m.IsKnown() {
				return false
			}
		}
		return true
	}

	switch t {
	case ITJo:
		return need(ofM), of
	case ITJno:
		return need(ofM), !of
	case ITJb:
		return need(cfM), cf
	case ITJae:
		return need(cfM), !cf
	case ITJe:
		return need(zfM), zf
	case ITJne:
		return need(zfM), !zf
	case ITJbe:
		return need(cfM, zfM), cf || zf
	case ITJa:
		return need(cfM, zfM), !cf && !zf
	case ITJs:
		return need(sfM), sf
	case ITJns:
		return need(sfM), !sf
	case ITJp:
		return need(pfM), pf
	case ITJnp:
		return need(pfM), !pf
	case ITJl:
		return need(sfM, ofM), sf != of
	case ITJge:
		return need(sfM, ofM), sf == of
	case ITJle:
		return need(sfM, ofM, zfM), zf || sf != of
	case ITJg:
		return need(sfM, ofM, zfM), !zf && sf == of
	}
	return false, false
}
