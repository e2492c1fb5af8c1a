package dbrew

import "testing"

func TestOperandEqualIndirectScaleZeroCollapsesIndex(t *testing.T) {
	idx := GP64(RCX)
	a := IndirectOperand(ptrReg(RAX), &idx, 0, 8, SegNone, 64)
	b := IndirectOperand(ptrReg(RAX), nil, 0, 8, SegNone, 64)
	if !a.Equal(b) {
		t.Errorf("expected scale=0 operands to compare equal regardless of Index presence")
	}
}

func TestOperandEqualDiffersOnDisp(t *testing.T) {
	a := IndirectOperand(ptrReg(RAX), nil, 0, 8, SegNone, 64)
	b := IndirectOperand(ptrReg(RAX), nil, 0, 16, SegNone, 64)
	if a.Equal(b) {
		t.Errorf("expected operands with different displacements to compare unequal")
	}
}

func TestOperandCloneIsIndependent(t *testing.T) {
	base := ptrReg(RAX)
	orig := IndirectOperand(base, nil, 0, 0, SegNone, 64)
	clone := orig.Clone()
	clone.Base.Index = R15
	if orig.Base.Index == R15 {
		t.Errorf("mutating clone's Base affected the original operand")
	}
}

func TestOperandWithWidthChangesRegisterClass(t *testing.T) {
	op := RegOperand(GP64(RAX))
	narrowed := op.WithWidth(32)
	if narrowed.Reg.Class != ClassGP32 {
		t.Errorf("WithWidth(32) on a GP64 operand produced class %v, want ClassGP32", narrowed.Reg.Class)
	}
	if narrowed.Reg.Index != RAX {
		t.Errorf("WithWidth changed register index: got %d, want %d", narrowed.Reg.Index, RAX)
	}
}

func TestRegWidthByClass(t *testing.T) {
	cases := []struct {
		r    Reg
		want int
	}{
		{GP64(RAX), 64},
		{GP32(RAX), 32},
		{Reg{Class: ClassGP16, Index: RAX}, 16},
		{Reg{Class: ClassGP8, Index: RAX}, 8},
		{XMM(0), 128},
	}
	for _, c := range cases {
		if got := c.r.Width(); got != c.want {
			t.Errorf("%v.Width() = %d, want %d", c.r, got, c.want)
		}
	}
}

func ptrReg(enc uint8) *Reg {
	r := GP64(enc)
	return &r
}
