package dbrew

import "fmt"

// Encoder turns a captured or decoded Instr back into machine bytes: one
// small byte-buffer writer plus a family of per-opcode emit functions, with
// REX/ModRM/SIB built up by hand rather than through a table-driven
// assembler.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder ready to accept Encode calls.
func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) write(b byte)          { e.buf = append(e.buf, b) }
func (e *Encoder) writeBytes(bs ...byte) { e.buf = append(e.buf, bs...) }

func (e *Encoder) write32(v uint32) {
	e.writeBytes(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (e *Encoder) write64(v uint64) {
	for i := 0; i < 8; i++ {
		e.write(byte(v >> uint(8*i)))
	}
}

// Bytes returns everything written so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// Reset clears the encoder for reuse.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// Encode appends instr's machine encoding to the buffer and returns the
// number of bytes written.
func (e *Encoder) Encode(instr Instr) (int, error) {
	start := len(e.buf)
	var err error
	switch instr.Type {
	case ITMov, ITMovzx, ITMovsx:
		err = e.encodeMov(instr)
	case ITLea:
		err = e.encodeLea(instr)
	case ITAdd, ITOr, ITAdc, ITSbb, ITAnd, ITSub, ITXor, ITCmp:
		err = e.encodeAluRM(instr)
	case ITTest:
		err = e.encodeTest(instr)
	case ITInc, ITDec, ITNeg, ITNot:
		err = e.encodeGroup3Unary(instr)
	case ITShl, ITShr, ITSar:
		err = e.encodeShift(instr)
	case ITImul:
		err = e.encodeImul(instr)
	case ITPush:
		err = e.encodePush(instr)
	case ITPop:
		err = e.encodePop(instr)
	case ITCall:
		err = e.encodeCallRel32(instr)
	case ITRet:
		e.write(0xC3)
	case ITLeave:
		e.write(0xC9)
	case ITNop:
		e.write(0x90)
	case ITJmp:
		err = e.encodeJmpRel32(instr)
	default:
		if IsJcc(instr.Type) {
			err = e.encodeJcc(instr, false)
		} else if instr.Passthrough != nil {
			err = e.encodePassthrough(instr)
		} else {
			err = newGeneratorError(KindUnsupportedInstr, nil, 0, instr.Type.String())
		}
	}
	if err != nil {
		return 0, err
	}
	return len(e.buf) - start, nil
}

// EncodeJccSized encodes a Jcc with an explicit short/long choice, used by
// the linker once it has decided the branch distance.
func (e *Encoder) EncodeJccSized(instr Instr, short bool) (int, error) {
	start := len(e.buf)
	if err := e.encodeJcc(instr, short); err != nil {
		return 0, err
	}
	return len(e.buf) - start, nil
}

// --- REX / ModRM / SIB helpers --------------------------------------------

// rexByte builds a REX prefix byte if w, r, x, or b require one; ok reports
// whether a REX prefix is needed at all (width==64, or any encoding >= 8).
func rexByte(w bool, r, x, b uint8) (byte, bool) {
	rex := byte(0x40)
	need := w
	if w {
		rex |= 0x08
	}
	if r >= 8 {
		rex |= 0x04
		need = true
	}
	if x >= 8 {
		rex |= 0x02
		need = true
	}
	if b >= 8 {
		rex |= 0x01
		need = true
	}
	return rex, need
}

// rmFields extracts the base/index encodings REX and SIB construction need
// from an operand that will be encoded as a ModRM r/m, whether that operand
// is a direct register or a memory reference.
func rmFields(rm Operand) (baseIdx, indexIdx uint8, hasIndex bool) {
	switch rm.Kind {
	case OpReg:
		return rm.Reg.Index, 0, false
	case OpIndirect:
		if rm.Base != nil {
			baseIdx = rm.Base.Index
		}
		hasIndex = rm.Index != nil && rm.Scale != 0
		if hasIndex {
			indexIdx = rm.Index.Index
		}
		return baseIdx, indexIdx, hasIndex
	}
	return 0, 0, false
}

// emitRexForModRM writes the REX prefix (if one is needed) immediately
// before the opcode byte, computed from the same reg/index/base fields
// encodeModRM will use for the ModRM/SIB bytes that follow the opcode. REX
// must directly precede the opcode, so every encode* function calls this
// before writing its opcode byte(s) rather than leaving REX to encodeModRM.
func (e *Encoder) emitRexForModRM(wide bool, regField uint8, rm Operand) {
	baseIdx, indexIdx, hasIndex := rmFields(rm)
	x := uint8(0)
	if hasIndex {
		x = indexIdx
	}
	if rex, need := rexByte(wide, regField, x, baseIdx); need {
		e.write(rex)
	}
}

// encodeModRM emits ModRM + SIB + displacement for a register/memory operand
// `rm` paired with a `reg` field (either a real register or an
// opcode-extension digit), plus any immediate bytes the caller appends
// afterward. The REX prefix, if any, must already have been written by the
// caller via emitRexForModRM before the opcode byte.
func (e *Encoder) encodeModRM(rm Operand, regField uint8, width int, regIsReg bool) error {
	switch rm.Kind {
	case OpReg:
		modrm := byte(0xC0) | (regField&7)<<3 | (rm.Reg.Index & 7)
		e.write(modrm)
		return nil

	case OpIndirect:
		var baseIdx, indexIdx uint8
		hasBase := rm.Base != nil
		hasIndex := rm.Index != nil && rm.Scale != 0
		if hasBase {
			baseIdx = rm.Base.Index
		}
		if hasIndex {
			indexIdx = rm.Index.Index
		}

		needsSIB := hasIndex || (hasBase && baseIdx&7 == 4) // RSP/R12 require SIB
		noBaseRIPStyle := !hasBase

		var mod byte
		dispSize := 0
		if noBaseRIPStyle {
			mod = 0x00
		} else if rm.Disp == 0 && baseIdx&7 != 5 {
			mod = 0x00
		} else if fitsInt8(rm.Disp) {
			mod = 0x01
			dispSize = 1
		} else {
			mod = 0x02
			dispSize = 4
		}

		rmField := baseIdx & 7
		if needsSIB {
			rmField = 0x04
		}
		if noBaseRIPStyle {
			rmField = 0x05
			mod = 0x00
			dispSize = 4
		}

		modrm := (mod << 6) | (regField&7)<<3 | rmField
		e.write(modrm)

		if needsSIB {
			scaleBits := scaleEncoding(rm.Scale)
			idx := byte(0x04) // no-index encoding
			if hasIndex {
				idx = indexIdx & 7
			}
			base := byte(0x05)
			if hasBase {
				base = baseIdx & 7
				if baseIdx&7 == 5 && mod == 0x00 {
					// base==RBP/R13 with mod=00 means "no base, disp32" in
					// the SIB table; force a disp8=0 encoding instead.
					mod = 0x01
					dispSize = 1
					e.buf[len(e.buf)-1] = (mod << 6) | (regField&7)<<3 | 0x04
				}
			}
			sib := (scaleBits << 6) | (idx << 3) | base
			e.write(sib)
		}

		switch dispSize {
		case 1:
			e.write(byte(int8(rm.Disp)))
		case 4:
			e.write32(uint32(int32(rm.Disp)))
		}
		return nil
	}
	return fmt.Errorf("dbrew: cannot encode operand kind %d as ModRM r/m", rm.Kind)
}

func fitsInt8(v int64) bool { return v >= -128 && v <= 127 }

func fitsInt32(v int64) bool { return v >= -2147483648 && v <= 2147483647 }

func scaleEncoding(scale uint8) byte {
	switch scale {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

// --- MOV -------------------------------------------------------------------

func (e *Encoder) encodeMov(instr Instr) error {
	if instr.Type == ITMovzx || instr.Type == ITMovsx {
		return e.encodeMovx(instr)
	}
	if instr.Src.Kind == OpImm {
		return e.encodeMovImm(instr)
	}
	if instr.ValueWidth == 16 {
		e.write(0x66)
	}
	wide := instr.ValueWidth == 64
	// MOV r/m, r (EncMR) when dst is memory or when src is the "reg" field
	// target; DBrew always captures MOV as dst=r/m, src=reg for this case.
	if instr.Dst.Kind == OpIndirect {
		op := movOpcode(instr.ValueWidth, false)
		e.emitRexForModRM(wide, instr.Src.Reg.Index, instr.Dst)
		e.write(op)
		return e.encodeModRM(instr.Dst, instr.Src.Reg.Index, instr.ValueWidth, true)
	}
	op := movOpcode(instr.ValueWidth, true)
	e.emitRexForModRM(wide, instr.Dst.Reg.Index, instr.Src)
	e.write(op)
	return e.encodeModRM(instr.Src, instr.Dst.Reg.Index, instr.ValueWidth, true)
}

func movOpcode(width int, regDst bool) byte {
	if width == 8 {
		if regDst {
			return 0x8A
		}
		return 0x88
	}
	if regDst {
		return 0x8B
	}
	return 0x89
}

func (e *Encoder) encodeMovImm(instr Instr) error {
	if instr.Dst.Kind == OpReg && instr.ValueWidth != 8 {
		// B8+r / REX.W B8+r -- MOV r64, imm64 (or imm32 zero-extended for 32-bit).
		wide := instr.ValueWidth == 64
		if rex, need := rexByte(wide, 0, 0, instr.Dst.Reg.Index); need {
			e.write(rex)
		}
		e.write(0xB8 + instr.Dst.Reg.Index&7)
		if wide {
			e.write64(instr.Src.ImmValue)
		} else {
			e.write32(uint32(instr.Src.ImmValue))
		}
		return nil
	}
	if instr.ValueWidth == 16 {
		e.write(0x66)
	}
	wide := instr.ValueWidth == 64
	op := byte(0xC7)
	if instr.ValueWidth == 8 {
		op = 0xC6
	}
	e.emitRexForModRM(wide, 0, instr.Dst)
	e.write(op)
	if err := e.encodeModRM(instr.Dst, 0, instr.ValueWidth, false); err != nil {
		return err
	}
	if instr.ValueWidth == 8 {
		e.write(byte(instr.Src.ImmValue))
	} else if instr.ValueWidth == 16 {
		e.write(byte(instr.Src.ImmValue))
		e.write(byte(instr.Src.ImmValue >> 8))
	} else {
		e.write32(uint32(instr.Src.ImmValue))
	}
	return nil
}

func (e *Encoder) encodeMovx(instr Instr) error {
	e.write(0x0F)
	var op byte
	srcWidth := srcWidthOf(instr)
	switch {
	case instr.Type == ITMovzx && srcWidth == 8:
		op = 0xB6
	case instr.Type == ITMovzx && srcWidth == 16:
		op = 0xB7
	case instr.Type == ITMovsx && srcWidth == 8:
		op = 0xBE
	default:
		op = 0xBF
	}
	// the 0x0F must follow REX; rewrite by re-emitting with REX first.
	e.buf = e.buf[:len(e.buf)-1]
	wide := instr.ValueWidth == 64
	var rm Operand
	if instr.Src.Kind == OpReg {
		rm = instr.Src
	} else {
		rm = instr.Src
	}
	regIdx := uint8(0)
	if instr.Dst.Kind == OpReg {
		regIdx = instr.Dst.Reg.Index
	}
	if instr.Src.Kind == OpReg {
		if rex, need := rexByte(wide, regIdx, 0, instr.Src.Reg.Index); need {
			e.write(rex)
		}
	} else if instr.Src.Kind == OpIndirect {
		base := uint8(0)
		if instr.Src.Base != nil {
			base = instr.Src.Base.Index
		}
		if rex, need := rexByte(wide, regIdx, 0, base); need {
			e.write(rex)
		}
	}
	e.write(0x0F)
	e.write(op)
	return e.encodeModRM(rm, regIdx, srcWidth, true)
}

// --- LEA ---------------------------------------------------------------

func (e *Encoder) encodeLea(instr Instr) error {
	wide := instr.ValueWidth == 64
	e.emitRexForModRM(wide, instr.Dst.Reg.Index, instr.Src)
	e.write(0x8D)
	return e.encodeModRM(instr.Src, instr.Dst.Reg.Index, instr.ValueWidth, true)
}

// --- ALU group (ADD/OR/ADC/SBB/AND/SUB/XOR/CMP) -------------------------

var aluOpcodeGroup = map[InstrType]byte{
	ITAdd: 0, ITOr: 1, ITAdc: 2, ITSbb: 3, ITAnd: 4, ITSub: 5, ITXor: 6, ITCmp: 7,
}

func (e *Encoder) encodeAluRM(instr Instr) error {
	group := aluOpcodeGroup[instr.Type]

	if instr.Src.Kind == OpImm {
		return e.encodeAluImm(instr, group)
	}

	if instr.ValueWidth == 16 {
		e.write(0x66)
	}
	var base byte = 0x01 // dst=r/m, src=reg, width!=8
	if instr.ValueWidth == 8 {
		base = 0x00
	}
	op := group<<3 | base
	wide := instr.ValueWidth == 64
	regIdx, otherBase, otherIdx := instr.Src.Reg.Index, uint8(0), uint8(0)
	if instr.Dst.Kind == OpIndirect {
		if instr.Dst.Base != nil {
			otherBase = instr.Dst.Base.Index
		}
		if instr.Dst.Index != nil {
			otherIdx = instr.Dst.Index.Index
		}
	} else {
		otherBase = instr.Dst.Reg.Index
	}
	if rex, need := rexByte(wide, regIdx, otherIdx, otherBase); need {
		e.write(rex)
	}
	e.write(op)
	return e.encodeModRM(instr.Dst, regIdx, instr.ValueWidth, true)
}

func (e *Encoder) encodeAluImm(instr Instr, group byte) error {
	if instr.ValueWidth == 16 {
		e.write(0x66)
	}
	imm := instr.Src.ImmValue
	narrow8 := instr.ValueWidth != 8 && fitsInt8(int64(int32(imm)))

	wide := instr.ValueWidth == 64
	base := uint8(0)
	if instr.Dst.Kind == OpIndirect {
		if instr.Dst.Base != nil {
			base = instr.Dst.Base.Index
		}
	} else {
		base = instr.Dst.Reg.Index
	}
	if rex, need := rexByte(wide, 0, 0, base); need {
		e.write(rex)
	}

	switch {
	case instr.ValueWidth == 8:
		e.write(0x80)
	case narrow8:
		e.write(0x83)
	default:
		e.write(0x81)
	}
	if err := e.encodeModRM(instr.Dst, group, instr.ValueWidth, false); err != nil {
		return err
	}
	switch {
	case instr.ValueWidth == 8:
		e.write(byte(imm))
	case narrow8:
		e.write(byte(int8(int32(imm))))
	case instr.ValueWidth == 16:
		e.write(byte(imm))
		e.write(byte(imm >> 8))
	default:
		e.write32(uint32(imm))
	}
	return nil
}

// --- TEST ------------------------------------------------------------------

func (e *Encoder) encodeTest(instr Instr) error {
	if instr.Src.Kind == OpImm {
		wide := instr.ValueWidth == 64
		base := uint8(0)
		if instr.Dst.Kind == OpIndirect && instr.Dst.Base != nil {
			base = instr.Dst.Base.Index
		} else if instr.Dst.Kind == OpReg {
			base = instr.Dst.Reg.Index
		}
		if rex, need := rexByte(wide, 0, 0, base); need {
			e.write(rex)
		}
		op := byte(0xF7)
		if instr.ValueWidth == 8 {
			op = 0xF6
		}
		e.write(op)
		if err := e.encodeModRM(instr.Dst, 0, instr.ValueWidth, false); err != nil {
			return err
		}
		if instr.ValueWidth == 8 {
			e.write(byte(instr.Src.ImmValue))
		} else {
			e.write32(uint32(instr.Src.ImmValue))
		}
		return nil
	}
	wide := instr.ValueWidth == 64
	base := uint8(0)
	if instr.Dst.Kind == OpIndirect && instr.Dst.Base != nil {
		base = instr.Dst.Base.Index
	} else if instr.Dst.Kind == OpReg {
		base = instr.Dst.Reg.Index
	}
	if rex, need := rexByte(wide, instr.Src.Reg.Index, 0, base); need {
		e.write(rex)
	}
	op := byte(0x85)
	if instr.ValueWidth == 8 {
		op = 0x84
	}
	e.write(op)
	return e.encodeModRM(instr.Dst, instr.Src.Reg.Index, instr.ValueWidth, true)
}

// --- unary INC/DEC (0xFE/0xFF /0,/1) and NOT/NEG (0xF6/0xF7 /2,/3) -------

func (e *Encoder) encodeGroup3Unary(instr Instr) error {
	var digit byte
	switch instr.Type {
	case ITInc:
		digit = 0
	case ITDec:
		digit = 1
	case ITNot:
		digit = 2
	case ITNeg:
		digit = 3
	}
	wide := instr.ValueWidth == 64
	base := uint8(0)
	if instr.Dst.Kind == OpIndirect && instr.Dst.Base != nil {
		base = instr.Dst.Base.Index
	} else if instr.Dst.Kind == OpReg {
		base = instr.Dst.Reg.Index
	}
	if rex, need := rexByte(wide, 0, 0, base); need {
		e.write(rex)
	}
	op := byte(0xFF)
	if instr.Type == ITNot || instr.Type == ITNeg {
		op = 0xF7
	}
	if instr.ValueWidth == 8 {
		op-- // 0xFE / 0xF6
	}
	e.write(op)
	return e.encodeModRM(instr.Dst, digit, instr.ValueWidth, false)
}

// --- shifts ------------------------------------------------------------

func (e *Encoder) encodeShift(instr Instr) error {
	var digit byte
	switch instr.Type {
	case ITShl:
		digit = 4
	case ITShr:
		digit = 5
	case ITSar:
		digit = 7
	}
	wide := instr.ValueWidth == 64
	base := uint8(0)
	if instr.Dst.Kind == OpIndirect && instr.Dst.Base != nil {
		base = instr.Dst.Base.Index
	} else if instr.Dst.Kind == OpReg {
		base = instr.Dst.Reg.Index
	}
	if rex, need := rexByte(wide, 0, 0, base); need {
		e.write(rex)
	}

	if instr.Src.Kind == OpImm && instr.Src.ImmValue == 1 {
		op := byte(0xD1)
		if instr.ValueWidth == 8 {
			op = 0xD0
		}
		e.write(op)
		return e.encodeModRM(instr.Dst, digit, instr.ValueWidth, false)
	}
	if instr.Src.Kind == OpImm {
		op := byte(0xC1)
		if instr.ValueWidth == 8 {
			op = 0xC0
		}
		e.write(op)
		if err := e.encodeModRM(instr.Dst, digit, instr.ValueWidth, false); err != nil {
			return err
		}
		e.write(byte(instr.Src.ImmValue))
		return nil
	}
	// CL-counted shift: D2/D3 /digit.
	op := byte(0xD3)
	if instr.ValueWidth == 8 {
		op = 0xD2
	}
	e.write(op)
	return e.encodeModRM(instr.Dst, digit, instr.ValueWidth, false)
}

// --- IMUL ------------------------------------------------------------------

func (e *Encoder) encodeImul(instr Instr) error {
	if instr.Form == Form3 {
		imm := instr.Src2.ImmValue
		narrow8 := fitsInt8(int64(int32(imm)))
		wide := instr.ValueWidth == 64
		srcBase := uint8(0)
		if instr.Src.Kind == OpReg {
			srcBase = instr.Src.Reg.Index
		} else if instr.Src.Base != nil {
			srcBase = instr.Src.Base.Index
		}
		if rex, need := rexByte(wide, instr.Dst.Reg.Index, 0, srcBase); need {
			e.write(rex)
		}
		if narrow8 {
			e.write(0x6B)
		} else {
			e.write(0x69)
		}
		if err := e.encodeModRM(instr.Src, instr.Dst.Reg.Index, instr.ValueWidth, true); err != nil {
			return err
		}
		if narrow8 {
			e.write(byte(int8(int32(imm))))
		} else {
			e.write32(uint32(imm))
		}
		return nil
	}
	wide := instr.ValueWidth == 64
	srcBase := uint8(0)
	if instr.Src.Kind == OpReg {
		srcBase = instr.Src.Reg.Index
	} else if instr.Src.Base != nil {
		srcBase = instr.Src.Base.Index
	}
	if rex, need := rexByte(wide, instr.Dst.Reg.Index, 0, srcBase); need {
		e.write(rex)
	}
	e.write(0x0F)
	e.write(0xAF)
	return e.encodeModRM(instr.Src, instr.Dst.Reg.Index, instr.ValueWidth, true)
}

// --- PUSH/POP ------------------------------------------------------------

func (e *Encoder) encodePush(instr Instr) error {
	if instr.Dst.Kind == OpImm {
		imm := instr.Dst.ImmValue
		if fitsInt8(int64(int32(imm))) {
			e.write(0x6A)
			e.write(byte(int8(int32(imm))))
		} else {
			e.write(0x68)
			e.write32(uint32(imm))
		}
		return nil
	}
	if instr.Dst.Reg.Index >= 8 {
		e.write(0x41)
	}
	e.write(0x50 + instr.Dst.Reg.Index&7)
	return nil
}

func (e *Encoder) encodePop(instr Instr) error {
	if instr.Dst.Reg.Index >= 8 {
		e.write(0x41)
	}
	e.write(0x58 + instr.Dst.Reg.Index&7)
	return nil
}

// --- control flow ----------------------------------------------------------

func (e *Encoder) encodeCallRel32(instr Instr) error {
	e.write(0xE8)
	e.write32(0) // placeholder rel32; the linker patches only Jcc and fallthrough JMP targets, not CALL
	return nil
}

func (e *Encoder) encodeJmpRel32(instr Instr) error {
	e.write(0xE9)
	e.write32(0)
	return nil
}

// encodeJcc emits the short (0x7x rel8) or long (0x0F 0x8x rel32) form. The
// linker picks `short` once it knows both CBBs' final addresses; until then
// 0 is written as a placeholder and patched in place.
func (e *Encoder) encodeJcc(instr Instr, short bool) error {
	idx := byte(instr.Type - ITJccFirst)
	if short {
		e.write(0x70 + idx)
		e.write(0)
		return nil
	}
	e.write(0x0F)
	e.write(0x80 + idx)
	e.write32(0)
	return nil
}

// passthroughRegRM picks out which of instr's operands sits in the ModRM
// reg field and which sits in the r/m field, per the recorded Encoding.
// EncM passthroughs have no reg operand at all — the opcode's reg field is
// really an opcode-extension digit, always 0 for the pairs DBrew recognizes.
func passthroughRegRM(instr Instr) (regField uint8, rm Operand) {
	switch instr.Passthrough.Encoding {
	case EncMR:
		return instr.Src.Reg.Index, instr.Dst
	case EncM:
		return 0, instr.Dst
	default: // EncRM
		return instr.Dst.Reg.Index, instr.Src
	}
}

// encodePassthrough re-emits a captured-verbatim instruction: legacy
// prefixes, REX (recomputed from the operands actually carried on instr,
// the same as every other encode* function, rather than trusting the
// decode-time REX bits verbatim — an operand's addressing may have shifted
// since capture), the recorded opcode bytes, then ModR/M + SIB +
// displacement built from instr.Dst/instr.Src according to Encoding.
func (e *Encoder) encodePassthrough(instr Instr) error {
	p := instr.Passthrough
	if p.Prefixes.OpSize66 {
		e.write(0x66)
	}
	if p.Prefixes.RepF2 {
		e.write(0xF2)
	}
	if p.Prefixes.RepF3 {
		e.write(0xF3)
	}
	regField, rm := passthroughRegRM(instr)
	if p.VEX != nil && p.VEX.Present {
		e.writeBytes(p.VEX.Bytes...)
	} else {
		e.emitRexForModRM(p.Prefixes.RexW, regField, rm)
	}
	e.writeBytes(p.Opcode[:p.OpcodeLen]...)

	switch p.Encoding {
	case EncNone:
		return nil
	default:
		return e.encodeModRM(rm, regField, instr.ValueWidth, true)
	}
}

// PatchRel32 overwrites the 4-byte displacement ending at offset+4 in the
// encoder's buffer — used by the linker once a CBB's successor address is
// known (the back-patch step).
func (e *Encoder) PatchRel32(offset int, rel int32) {
	e.buf[offset] = byte(rel)
	e.buf[offset+1] = byte(rel >> 8)
	e.buf[offset+2] = byte(rel >> 16)
	e.buf[offset+3] = byte(rel >> 24)
}

// PatchRel8 overwrites a single relative-displacement byte.
func (e *Encoder) PatchRel8(offset int, rel int8) {
	e.buf[offset] = byte(rel)
}
