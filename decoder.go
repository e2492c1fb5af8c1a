package dbrew

import "fmt"

// MemReader abstracts reading raw bytes at an address — either the
// process's own memory (the common case; the rewriter is always decoding
// code it can safely execute) or a byte slice for tests.
type MemReader interface {
	ReadByte(addr uint64) (byte, error)
}

// byteSliceReader adapts a []byte anchored at a base address to MemReader,
// used by decoder tests and by callers decoding a captured buffer rather
// than live process memory.
type byteSliceReader struct {
	base uint64
	data []byte
}

// NewByteSliceReader builds a MemReader over data, whose first byte is at
// address base.
func NewByteSliceReader(base uint64, data []byte) MemReader {
	return &byteSliceReader{base: base, data: data}
}

func (r *byteSliceReader) ReadByte(addr uint64) (byte, error) {
	if addr < r.base || addr >= r.base+uint64(len(r.data)) {
		return 0, fmt.Errorf("dbrew: read at 0x%x out of range", addr)
	}
	return r.data[addr-r.base], nil
}

// decodeCursor walks bytes from a MemReader, tracking the instruction's
// start address and accumulated length.
type decodeCursor struct {
	mem   MemReader
	start uint64
	pos   uint64
}

func (c *decodeCursor) u8() (byte, error) {
	b, err := c.mem.ReadByte(c.pos)
	if err != nil {
		return 0, err
	}
	c.pos++
	return b, nil
}

func (c *decodeCursor) i8() (int8, error) {
	b, err := c.u8()
	return int8(b), err
}

func (c *decodeCursor) u32() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := c.u8()
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

func (c *decodeCursor) i32() (int32, error) {
	v, err := c.u32()
	return int32(v), err
}

func (c *decodeCursor) u64() (uint64, error) {
	var v uint64
	for i := 0; i < 8; i++ {
		b, err := c.u8()
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

func (c *decodeCursor) length() int { return int(c.pos - c.start) }

// Decoder lifts x86-64 bytes into DBBs. It caches decoded blocks by start
// address for the lifetime of the owning Rewriter; ownership is
// root-at-rewriter.
type Decoder struct {
	mem   MemReader
	cache map[uint64]*DBB
}

// NewDecoder creates a Decoder reading from mem.
func NewDecoder(mem MemReader) *Decoder {
	return &Decoder{mem: mem, cache: make(map[uint64]*DBB)}
}

// Decode lifts the DBB starting at addr, returning the cached block if addr
// has been decoded before.
func (d *Decoder) Decode(addr uint64) (*DBB, error) {
	if dbb, ok := d.cache[addr]; ok {
		return dbb, nil
	}
	dbb := &DBB{Start: addr}
	cur := &decodeCursor{mem: d.mem, start: addr, pos: addr}

	for {
		instrStart := cur.pos
		cur.start = instrStart
		instr, err := decodeOne(cur)
		if err != nil {
			dbb.Instrs = append(dbb.Instrs, Instr{Address: instrStart, Type: ITInvalid})
			dbb.Length = int(cur.pos - addr)
			d.cache[addr] = dbb
			return dbb, newDecodeError(KindBadOpcode, dbb, int(instrStart-addr), err.Error())
		}
		instr.Address = instrStart
		instr.Length = cur.length()
		resolveRIPRelative(&instr)
		dbb.Instrs = append(dbb.Instrs, instr)
		if terminatesDBB(instr.Type) {
			break
		}
	}
	dbb.Length = int(cur.pos - addr)
	d.cache[addr] = dbb
	return dbb, nil
}

// resolveRIPRelative folds a RIP-relative operand's raw disp32 (relative to
// the byte following the instruction) into an absolute displacement with no
// base register, now that the instruction's final address and length are
// known. Decode-time operand construction can't do this itself: the
// instruction's length isn't known until the whole instruction has been
// consumed.
func resolveRIPRelative(instr *Instr) {
	end := instr.Address + uint64(instr.Length)
	fold := func(op *Operand) {
		if op.Kind == OpIndirect && op.Base != nil && op.Base.Class == ClassIP {
			op.Disp = int64(end) + op.Disp
			op.Base = nil
		}
	}
	fold(&instr.Dst)
	fold(&instr.Src)
	fold(&instr.Src2)
}

// prefixState accumulates the legacy prefixes consumed before the opcode.
type prefixState struct {
	rex      bool
	rexW, rexR, rexX, rexB bool
	opSize66 bool
	repF2, repF3 bool
	seg      Segment
	branchHint bool
}

func decodeOne(c *decodeCursor) (Instr, error) {
	var pfx prefixState

	// Step 1: legacy prefixes, any order, terminated by REX (which must be
	// the byte immediately preceding the opcode) or the opcode itself.
prefixLoop:
	for {
		save := c.pos
		b, err := c.u8()
		if err != nil {
			return Instr{}, err
		}
		switch {
		case b == 0x66:
			pfx.opSize66 = true
		case b == 0xF2:
			pfx.repF2 = true
		case b == 0xF3:
			pfx.repF3 = true
		case b == 0x64:
			pfx.seg = SegFS
		case b == 0x65:
			pfx.seg = SegGS
		case b == 0x2E:
			pfx.branchHint = true
		case b >= 0x40 && b <= 0x4F:
			pfx.rex = true
			pfx.rexW = b&0x08 != 0
			pfx.rexR = b&0x04 != 0
			pfx.rexX = b&0x02 != 0
			pfx.rexB = b&0x01 != 0
			break prefixLoop
		default:
			c.pos = save
			break prefixLoop
		}
	}

	op, err := c.u8()
	if err != nil {
		return Instr{}, err
	}

	if op == 0x0F {
		return decodeTwoByte(c, pfx)
	}
	return decodeOneByte(c, pfx, op)
}

// aluGroupType names the eight classic ALU opcode groups, each laid
// out identically at a fixed offset of 8 within the 0x00-0x3D range.
var aluGroupType = [8]InstrType{ITAdd, ITOr, ITAdc, ITSbb, ITAnd, ITSub, ITXor, ITCmp}

func decodeOneByte(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	switch {
	case op <= 0x3D && (op&0x07) <= 0x05 && (op>>3) <= 7 && isAluForm(op):
		group := op >> 3
		form := op & 0x07
		return decodeAluForm(c, pfx, aluGroupType[group], form)
	case op == 0x83 || op == 0x81 || op == 0x80:
		return decodeGroup1(c, pfx, op)
	case op >= 0x50 && op <= 0x57:
		return decodePushPopReg(c, pfx, ITPush, op-0x50)
	case op >= 0x58 && op <= 0x5F:
		return decodePushPopReg(c, pfx, ITPop, op-0x58)
	case op == 0x6A:
		return decodePushImm8(c, pfx)
	case op == 0x68:
		return decodePushImm32(c, pfx)
	case op == 0x88, op == 0x89, op == 0x8A, op == 0x8B:
		return decodeMovRM(c, pfx, op)
	case op == 0x8D:
		return decodeLea(c, pfx)
	case op >= 0xB8 && op <= 0xBF:
		return decodeMovImmToReg(c, pfx, op-0xB8)
	case op == 0xC6 || op == 0xC7:
		return decodeMovImmToRM(c, pfx, op)
	case op == 0x84 || op == 0x85:
		return decodeTest(c, pfx, op)
	case op == 0xA8 || op == 0xA9:
		return decodeTestAcc(c, pfx, op)
	case op == 0xF6 || op == 0xF7:
		return decodeGroup3(c, pfx, op)
	case op == 0xFE || op == 0xFF:
		return decodeGroup5(c, pfx, op)
	case op == 0xC0 || op == 0xC1 || op == 0xD0 || op == 0xD1 || op == 0xD2 || op == 0xD3:
		return decodeShiftGroup(c, pfx, op)
	case op == 0x69 || op == 0x6B:
		return decodeImul3(c, pfx, op)
	case op == 0xC3:
		return Instr{Type: ITRet, Form: Form0}, nil
	case op == 0xC9:
		return Instr{Type: ITLeave, Form: Form0}, nil
	case op == 0x90:
		return Instr{Type: ITNop, Form: Form0}, nil
	case op == 0xE8:
		return decodeCallRel32(c, pfx)
	case op == 0xE9:
		return decodeJmpRel32(c, pfx)
	case op == 0xEB:
		return decodeJmpRel8(c, pfx)
	case op >= 0x70 && op <= 0x7F:
		return decodeJccRel8(c, pfx, op)
	default:
		return Instr{}, fmt.Errorf("unknown opcode 0x%02x", op)
	}
}

func isAluForm(op byte) bool {
	// Within a group of 8 opcodes (add/or/adc/sbb/and/sub/xor/cmp), forms
	// 0-3 are reg/mem 8/32-bit MR/RM, forms 4-5 are AL/eAX,imm.
	form := op & 0x07
	return form <= 0x05
}

func decodeAluForm(c *decodeCursor, pfx prefixState, t InstrType, form byte) (Instr, error) {
	width := widthOf(pfx, form%2 == 0)
	switch form {
	case 0, 1: // MR: Eb/Ev, Gb/Gv
		src, dst, err := decodeModRMPair(c, pfx, width, true)
		if err != nil {
			return Instr{}, err
		}
		return Instr{Type: t, Form: Form2, ValueWidth: width, Dst: dst, Src: src}, nil
	case 2, 3: // RM: Gb/Gv, Eb/Ev
		dst, src, err := decodeModRMPair(c, pfx, width, false)
		if err != nil {
			return Instr{}, err
		}
		return Instr{Type: t, Form: Form2, ValueWidth: width, Dst: dst, Src: src}, nil
	case 4: // AL, imm8
		imm, err := c.u8()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Type: t, Form: Form2, ValueWidth: 8, Dst: RegOperand(Reg{Class: ClassGP8, Index: RAX}), Src: Imm8(imm)}, nil
	case 5: // eAX, imm32
		imm, err := c.i32()
		if err != nil {
			return Instr{}, err
		}
		w := widthOf(pfx, false)
		return Instr{Type: t, Form: Form2, ValueWidth: w, Dst: RegOperand(regOfWidth(RAX, w)), Src: Imm32(uint32(imm))}, nil
	}
	return Instr{}, fmt.Errorf("unreachable alu form")
}

func widthOf(pfx prefixState, byteOp bool) int {
	if byteOp {
		return 8
	}
	if pfx.rexW {
		return 64
	}
	if pfx.opSize66 {
		return 16
	}
	return 32
}

func regOfWidth(enc uint8, width int) Reg {
	switch width {
	case 8:
		return Reg{Class: ClassGP8, Index: enc}
	case 16:
		return Reg{Class: ClassGP16, Index: enc}
	case 64:
		return Reg{Class: ClassGP64, Index: enc}
	default:
		return Reg{Class: ClassGP32, Index: enc}
	}
}

// decodeModRMPair decodes a ModRM byte (with optional SIB/displacement)
// into a (reg, rm) pair of operands: the reg-field operand first, the r/m
// operand second. regIsDst does not change that order; each caller assigns
// destination and source itself.
func decodeModRMPair(c *decodeCursor, pfx prefixState, width int, regIsDst bool) (reg, rm Operand, err error) {
	modrm, err := c.u8()
	if err != nil {
		return
	}
	mod := modrm >> 6
	regField := (modrm >> 3) & 0x07
	rmField := modrm & 0x07

	regEnc := regField
	if pfx.rexR {
		regEnc |= 0x08
	}
	regOp := RegOperand(regOfWidth(regEnc, width))

	var rmOp Operand
	rmOp, err = decodeRM(c, pfx, mod, rmField, width)
	if err != nil {
		return
	}

	if regIsDst {
		return regOp, rmOp, nil
	}
	return regOp, rmOp, nil
}

// decodeRM decodes the r/m operand of a ModRM byte, handling SIB, disp8,
// disp32, and RIP-relative addressing (mod=00, rm=101).
func decodeRM(c *decodeCursor, pfx prefixState, mod, rm byte, width int) (Operand, error) {
	if mod == 3 {
		enc := rm
		if pfx.rexB {
			enc |= 0x08
		}
		return RegOperand(regOfWidth(enc, width)), nil
	}

	var base, index *Reg
	var scale uint8
	var disp int64

	if rm == 4 {
		// SIB byte follows.
		sib, err := c.u8()
		if err != nil {
			return Operand{}, err
		}
		ss := sib >> 6
		idx := (sib >> 3) & 0x07
		baseField := sib & 0x07

		if idx != 4 || pfx.rexX { // index==4 without REX.X means "no index"
			idxEnc := idx
			if pfx.rexX {
				idxEnc |= 0x08
			}
			if !(idx == 4 && !pfx.rexX) {
				r := GP64(idxEnc)
				index = &r
				scale = uint8(1) << ss
			}
		}

		if baseField == 5 && mod == 0 {
			d, err := c.i32()
			if err != nil {
				return Operand{}, err
			}
			disp = int64(d)
		} else {
			baseEnc := baseField
			if pfx.rexB {
				baseEnc |= 0x08
			}
			r := GP64(baseEnc)
			base = &r
		}
	} else if rm == 5 && mod == 0 {
		// RIP-relative: the displacement stays relative to RIP here;
		// resolveRIPRelative folds it into an absolute address once the
		// instruction's length is known.
		d, err := c.i32()
		if err != nil {
			return Operand{}, err
		}
		rip := RegRIP
		base = &rip
		disp = int64(d)
		return IndirectOperand(base, nil, 0, disp, pfx.seg, width), nil
	} else {
		enc := rm
		if pfx.rexB {
			enc |= 0x08
		}
		r := GP64(enc)
		base = &r
	}

	switch mod {
	case 1:
		d, err := c.i8()
		if err != nil {
			return Operand{}, err
		}
		disp = int64(d)
	case 2:
		d, err := c.i32()
		if err != nil {
			return Operand{}, err
		}
		disp = int64(d)
	}

	return IndirectOperand(base, index, scale, disp, pfx.seg, width), nil
}

func decodeGroup1(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	modrm, err := peekModRM(c)
	if err != nil {
		return Instr{}, err
	}
	groupOp := aluGroupType[(modrm>>3)&0x07]
	byteOp := op == 0x80
	width := widthOf(pfx, byteOp)

	m, err := c.u8()
	if err != nil {
		return Instr{}, err
	}
	mod := m >> 6
	rm := m & 0x07
	dst, err := decodeRM(c, pfx, mod, rm, width)
	if err != nil {
		return Instr{}, err
	}

	var imm Operand
	switch op {
	case 0x83: // sign-extended imm8
		v, err := c.i8()
		if err != nil {
			return Instr{}, err
		}
		imm = Operand{Kind: OpImm, ImmWidth: width, ImmValue: uint64(int64(v))}
	case 0x80:
		v, err := c.u8()
		if err != nil {
			return Instr{}, err
		}
		imm = Imm8(v)
	default: // 0x81
		v, err := c.i32()
		if err != nil {
			return Instr{}, err
		}
		imm = Operand{Kind: OpImm, ImmWidth: width, ImmValue: uint64(uint32(v))}
	}

	return Instr{Type: groupOp, Form: Form2, ValueWidth: width, Dst: dst, Src: imm}, nil
}

// peekModRM reads the ModRM byte without consuming the cursor, so the
// group-opcode dispatch (bits 3-5) can be inspected before the full
// operand decode consumes it for real.
func peekModRM(c *decodeCursor) (byte, error) {
	b, err := c.mem.ReadByte(c.pos)
	return b, err
}

func decodePushPopReg(c *decodeCursor, pfx prefixState, t InstrType, regField byte) (Instr, error) {
	enc := regField
	if pfx.rexB {
		enc |= 0x08
	}
	return Instr{Type: t, Form: Form1, ValueWidth: 64, Dst: RegOperand(GP64(enc))}, nil
}

func decodePushImm8(c *decodeCursor, pfx prefixState) (Instr, error) {
	v, err := c.i8()
	if err != nil {
		return Instr{}, err
	}
	return Instr{Type: ITPush, Form: Form1, ValueWidth: 64, Dst: Operand{Kind: OpImm, ImmWidth: 64, ImmValue: uint64(int64(v))}}, nil
}

func decodePushImm32(c *decodeCursor, pfx prefixState) (Instr, error) {
	v, err := c.i32()
	if err != nil {
		return Instr{}, err
	}
	return Instr{Type: ITPush, Form: Form1, ValueWidth: 64, Dst: Operand{Kind: OpImm, ImmWidth: 64, ImmValue: uint64(int64(v))}}, nil
}

func decodeMovRM(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	byteOp := op == 0x88 || op == 0x8A
	width := widthOf(pfx, byteOp)
	regIsDst := op == 0x8A || op == 0x8B // opcodes ending in A: RM form
	reg, rm, err := decodeModRMPair(c, pfx, width, !regIsDst)
	if err != nil {
		return Instr{}, err
	}
	if regIsDst {
		return Instr{Type: ITMov, Form: Form2, ValueWidth: width, Dst: reg, Src: rm}, nil
	}
	return Instr{Type: ITMov, Form: Form2, ValueWidth: width, Dst: rm, Src: reg}, nil
}

func decodeLea(c *decodeCursor, pfx prefixState) (Instr, error) {
	width := widthOf(pfx, false)
	reg, rm, err := decodeModRMPair(c, pfx, width, true)
	if err != nil {
		return Instr{}, err
	}
	if rm.Kind != OpIndirect {
		return Instr{}, fmt.Errorf("lea with non-memory operand")
	}
	return Instr{Type: ITLea, Form: Form2, ValueWidth: width, Dst: reg, Src: rm}, nil
}

func decodeMovImmToReg(c *decodeCursor, pfx prefixState, regField byte) (Instr, error) {
	enc := regField
	if pfx.rexB {
		enc |= 0x08
	}
	if pfx.rexW {
		v, err := c.u64()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Type: ITMov, Form: Form2, ValueWidth: 64, Dst: RegOperand(GP64(enc)), Src: Imm64(v)}, nil
	}
	v, err := c.u32()
	if err != nil {
		return Instr{}, err
	}
	width := widthOf(pfx, false)
	return Instr{Type: ITMov, Form: Form2, ValueWidth: width, Dst: RegOperand(regOfWidth(enc, width)), Src: Imm32(v)}, nil
}

func decodeMovImmToRM(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	byteOp := op == 0xC6
	width := widthOf(pfx, byteOp)
	m, err := c.u8()
	if err != nil {
		return Instr{}, err
	}
	mod := m >> 6
	rm := m & 0x07
	dst, err := decodeRM(c, pfx, mod, rm, width)
	if err != nil {
		return Instr{}, err
	}
	var imm Operand
	if byteOp {
		v, err := c.u8()
		if err != nil {
			return Instr{}, err
		}
		imm = Imm8(v)
	} else {
		v, err := c.i32()
		if err != nil {
			return Instr{}, err
		}
		imm = Operand{Kind: OpImm, ImmWidth: width, ImmValue: uint64(uint32(v))}
	}
	return Instr{Type: ITMov, Form: Form2, ValueWidth: width, Dst: dst, Src: imm}, nil
}

func decodeTest(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	width := widthOf(pfx, op == 0x84)
	reg, rm, err := decodeModRMPair(c, pfx, width, true)
	if err != nil {
		return Instr{}, err
	}
	return Instr{Type: ITTest, Form: Form2, ValueWidth: width, Dst: rm, Src: reg}, nil
}

func decodeTestAcc(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	if op == 0xA8 {
		v, err := c.u8()
		if err != nil {
			return Instr{}, err
		}
		return Instr{Type: ITTest, Form: Form2, ValueWidth: 8, Dst: RegOperand(Reg{Class: ClassGP8, Index: RAX}), Src: Imm8(v)}, nil
	}
	width := widthOf(pfx, false)
	v, err := c.i32()
	if err != nil {
		return Instr{}, err
	}
	return Instr{Type: ITTest, Form: Form2, ValueWidth: width, Dst: RegOperand(regOfWidth(RAX, width)), Src: Imm32(uint32(v))}, nil
}

// decodeGroup3 covers TEST/NOT/NEG/MUL/IMUL/DIV/IDIV under 0xF6/0xF7; DBrew
// models NOT, NEG, and TEST-with-immediate from this group and rejects the
// rest (/4-/7) as unmodeled.
func decodeGroup3(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	modrmByte, err := peekModRM(c)
	if err != nil {
		return Instr{}, err
	}
	reg := (modrmByte >> 3) & 0x07
	byteOp := op == 0xF6
	width := widthOf(pfx, byteOp)

	m, err := c.u8()
	if err != nil {
		return Instr{}, err
	}
	mod := m >> 6
	rm := m & 0x07
	dst, err := decodeRM(c, pfx, mod, rm, width)
	if err != nil {
		return Instr{}, err
	}

	switch reg {
	case 0, 1: // TEST r/m, imm
		var imm Operand
		if byteOp {
			v, err := c.u8()
			if err != nil {
				return Instr{}, err
			}
			imm = Imm8(v)
		} else {
			v, err := c.i32()
			if err != nil {
				return Instr{}, err
			}
			imm = Operand{Kind: OpImm, ImmWidth: width, ImmValue: uint64(uint32(v))}
		}
		return Instr{Type: ITTest, Form: Form2, ValueWidth: width, Dst: dst, Src: imm}, nil
	case 2: // NOT
		return Instr{Type: ITNot, Form: Form1, ValueWidth: width, Dst: dst}, nil
	case 3: // NEG
		return Instr{Type: ITNeg, Form: Form1, ValueWidth: width, Dst: dst}, nil
	default:
		return Instr{}, fmt.Errorf("unmodeled group3 /%d", reg)
	}
}

// decodeGroup5 covers INC/DEC/CALL/JMP/PUSH under 0xFE/0xFF.
func decodeGroup5(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	modrmByte, err := peekModRM(c)
	if err != nil {
		return Instr{}, err
	}
	reg := (modrmByte >> 3) & 0x07
	byteOp := op == 0xFE
	width := widthOf(pfx, byteOp)

	m, err := c.u8()
	if err != nil {
		return Instr{}, err
	}
	mod := m >> 6
	rm := m & 0x07
	opnd, err := decodeRM(c, pfx, mod, rm, width)
	if err != nil {
		return Instr{}, err
	}

	switch reg {
	case 0:
		return Instr{Type: ITInc, Form: Form1, ValueWidth: width, Dst: opnd}, nil
	case 1:
		return Instr{Type: ITDec, Form: Form1, ValueWidth: width, Dst: opnd}, nil
	case 2:
		return Instr{Type: ITCallIndirect, Form: Form1, ValueWidth: 64, Dst: opnd}, nil
	case 4:
		return Instr{Type: ITJmpIndirect, Form: Form1, ValueWidth: 64, Dst: opnd}, nil
	case 6:
		return Instr{Type: ITPush, Form: Form1, ValueWidth: 64, Dst: opnd}, nil
	default:
		return Instr{}, fmt.Errorf("unmodeled group5 /%d", reg)
	}
}

func decodeShiftGroup(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	modrmByte, err := peekModRM(c)
	if err != nil {
		return Instr{}, err
	}
	reg := (modrmByte >> 3) & 0x07
	byteOp := op == 0xC0 || op == 0xD0 || op == 0xD2
	width := widthOf(pfx, byteOp)

	m, err := c.u8()
	if err != nil {
		return Instr{}, err
	}
	mod := m >> 6
	rm := m & 0x07
	dst, err := decodeRM(c, pfx, mod, rm, width)
	if err != nil {
		return Instr{}, err
	}

	var t InstrType
	switch reg {
	case 4:
		t = ITShl
	case 5:
		t = ITShr
	case 7:
		t = ITSar
	default:
		return Instr{}, fmt.Errorf("unmodeled shift group /%d", reg)
	}

	var src Operand
	switch op {
	case 0xC0, 0xC1: // imm8 count
		v, err := c.u8()
		if err != nil {
			return Instr{}, err
		}
		src = Imm8(v)
	case 0xD0, 0xD1: // shift by 1
		src = Imm8(1)
	case 0xD2, 0xD3: // shift by CL
		src = RegOperand(Reg{Class: ClassGP8, Index: RCX})
	}
	return Instr{Type: t, Form: Form2, ValueWidth: width, Dst: dst, Src: src}, nil
}

func decodeImul3(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	width := widthOf(pfx, false)
	reg, rm, err := decodeModRMPair(c, pfx, width, true)
	if err != nil {
		return Instr{}, err
	}
	var imm Operand
	if op == 0x6B {
		v, err := c.i8()
		if err != nil {
			return Instr{}, err
		}
		imm = Operand{Kind: OpImm, ImmWidth: width, ImmValue: uint64(int64(v))}
	} else {
		v, err := c.i32()
		if err != nil {
			return Instr{}, err
		}
		imm = Operand{Kind: OpImm, ImmWidth: width, ImmValue: uint64(uint32(v))}
	}
	return Instr{Type: ITImul, Form: Form3, ValueWidth: width, Dst: reg, Src: rm, Src2: imm}, nil
}

func decodeCallRel32(c *decodeCursor, pfx prefixState) (Instr, error) {
	rel, err := c.i32()
	if err != nil {
		return Instr{}, err
	}
	target := uint64(int64(c.pos) + int64(rel))
	return Instr{Type: ITCall, Form: Form1, ValueWidth: 64, Dst: Imm64(target)}, nil
}

func decodeJmpRel32(c *decodeCursor, pfx prefixState) (Instr, error) {
	rel, err := c.i32()
	if err != nil {
		return Instr{}, err
	}
	target := uint64(int64(c.pos) + int64(rel))
	return Instr{Type: ITJmp, Form: Form1, ValueWidth: 64, Dst: Imm64(target)}, nil
}

func decodeJmpRel8(c *decodeCursor, pfx prefixState) (Instr, error) {
	rel, err := c.i8()
	if err != nil {
		return Instr{}, err
	}
	target := uint64(int64(c.pos) + int64(rel))
	return Instr{Type: ITJmp, Form: Form1, ValueWidth: 64, Dst: Imm64(target)}, nil
}

func decodeJccRel8(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	rel, err := c.i8()
	if err != nil {
		return Instr{}, err
	}
	target := uint64(int64(c.pos) + int64(rel))
	t := ITJccFirst + InstrType(op-0x70)
	return Instr{Type: t, Form: Form1, ValueWidth: 64, Dst: Imm64(target)}, nil
}

func decodeJccRel32(c *decodeCursor, pfx prefixState, op byte) (Instr, error) {
	rel, err := c.i32()
	if err != nil {
		return Instr{}, err
	}
	target := uint64(int64(c.pos) + int64(rel))
	t := ITJccFirst + InstrType(op-0x80)
	return Instr{Type: t, Form: Form1, ValueWidth: 64, Dst: Imm64(target)}, nil
}

func decodeTwoByte(c *decodeCursor, pfx prefixState) (Instr, error) {
	op, err := c.u8()
	if err != nil {
		return Instr{}, err
	}

	switch {
	case op >= 0x80 && op <= 0x8F:
		return decodeJccRel32(c, pfx, op)
	case op == 0x1F:
		// NOP /0 — consume ModRM (and SIB/disp if any) then report as NOP.
		if _, err := decodeGroupConsumeOnly(c, pfx, widthOf(pfx, false)); err != nil {
			return Instr{}, err
		}
		return Instr{Type: ITNop, Form: Form0}, nil
	case op == 0xAF: // IMUL Gv, Ev (2-operand form)
		width := widthOf(pfx, false)
		reg, rm, err := decodeModRMPair(c, pfx, width, true)
		if err != nil {
			return Instr{}, err
		}
		return Instr{Type: ITImul, Form: Form2, ValueWidth: width, Dst: reg, Src: rm}, nil
	case op == 0xB6 || op == 0xB7: // MOVZX
		return decodeMovx(c, pfx, op, ITMovzx)
	case op == 0xBE || op == 0xBF: // MOVSX
		return decodeMovx(c, pfx, op, ITMovsx)
	case op == 0x10 || op == 0x11:
		return decodeSSE(c, pfx, op, ITMovsd)
	case op == 0x58:
		return decodeSSE(c, pfx, op, ITAddsd)
	case op == 0x59:
		return decodeSSE(c, pfx, op, ITMulsd)
	case op == 0x5C:
		return decodeSSE(c, pfx, op, ITSubsd)
	case op == 0x2E || op == 0x2F:
		return decodeSSE(c, pfx, op, ITUcomisd)
	case op == 0xEF:
		return decodeSSE(c, pfx, op, ITPxor)
	case op == 0x74:
		return decodeSSE(c, pfx, op, ITPcmpeqb)
	case op == 0xDA:
		return decodeSSE(c, pfx, op, ITPminub)
	case op == 0xD7:
		return decodeSSE(c, pfx, op, ITPmovmskb)
	case op == 0x6F || op == 0x7F:
		return decodeSSE(c, pfx, op, ITMovdqu)
	case op == 0x6E || op == 0x7E:
		return decodeSSE(c, pfx, op, ITMovdQ)
	default:
		return Instr{}, fmt.Errorf("unknown two-byte opcode 0x0F 0x%02x", op)
	}
}

func decodeGroupConsumeOnly(c *decodeCursor, pfx prefixState, width int) (Operand, error) {
	m, err := c.u8()
	if err != nil {
		return Operand{}, err
	}
	return decodeRM(c, pfx, m>>6, m&0x07, width)
}

func decodeMovx(c *decodeCursor, pfx prefixState, op byte, t InstrType) (Instr, error) {
	srcWidth := 8
	if op == 0xB7 || op == 0xBF {
		srcWidth = 16
	}
	dstWidth := widthOf(pfx, false)
	modrm, err := c.u8()
	if err != nil {
		return Instr{}, err
	}
	mod := modrm >> 6
	regField := (modrm >> 3) & 0x07
	rmField := modrm & 0x07
	regEnc := regField
	if pfx.rexR {
		regEnc |= 0x08
	}
	dst := RegOperand(regOfWidth(regEnc, dstWidth))
	src, err := decodeRM(c, pfx, mod, rmField, srcWidth)
	if err != nil {
		return Instr{}, err
	}
	return Instr{Type: t, Form: Form2, ValueWidth: dstWidth, Dst: dst, Src: src}, nil
}

// decodeSSE handles the recognized SSE pairs: MOVSD, ADDSD, MULSD, SUBSD,
// UCOMISD, PXOR, PCMPEQB, PMINUB, PMOVMSKB, MOVDQU, MOVD/Q. These carry a
// Passthrough record: DBrew's emulator re-emits them unchanged rather than
// modeling their semantics. op is the second opcode byte (after the 0x0F
// lead byte already consumed by the caller) and is recorded into the
// Passthrough so the encoder can re-emit the exact two-byte opcode.
func decodeSSE(c *decodeCursor, pfx prefixState, op byte, t InstrType) (Instr, error) {
	modrm, err := c.u8()
	if err != nil {
		return Instr{}, err
	}
	mod := modrm >> 6
	regField := (modrm >> 3) & 0x07
	rmField := modrm & 0x07
	regEnc := regField
	if pfx.rexR {
		regEnc |= 0x08
	}
	reg := RegOperand(XMM(regEnc))
	var rm Operand
	if mod == 3 {
		enc := rmField
		if pfx.rexB {
			enc |= 0x08
		}
		rm = RegOperand(XMM(enc))
	} else {
		rm, err = decodeRM(c, pfx, mod, rmField, 128)
		if err != nil {
			return Instr{}, err
		}
	}

	pt := &Passthrough{
		Opcode:    [3]byte{0x0F, op, 0},
		OpcodeLen: 2,
		Prefixes:  pfx.toPrefixSet(),
		Encoding:  EncRM,
	}
	return Instr{Type: t, Form: Form2, ValueWidth: 128, Dst: reg, Src: rm, Passthrough: pt}, nil
}

func (p prefixState) toPrefixSet() PrefixSet {
	return PrefixSet{
		REX: p.rex, RexW: p.rexW, RexR: p.rexR, RexX: p.rexX, RexB: p.rexB,
		OpSize66: p.opSize66, RepF2: p.repF2, RepF3: p.repF3,
		Seg: p.seg, BranchHint: p.branchHint,
	}
}
