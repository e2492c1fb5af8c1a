package dbrew

import "testing"

const testStackTop = uint64(0x7fff0000)
const testStackSize = 4096

func newTestEmulator() (*Emulator, *EmulatorState, *CBB) {
	e := NewEmulator(nil, nil)
	state := NewEmulatorState(testStackTop, testStackSize)
	cbb := &CBB{Key: CBBKey{Addr: 0x1000}}
	e.SetCBB(cbb)
	return e, state, cbb
}

func TestEmulateMovImmToRegFolds(t *testing.T) {
	e, state, cbb := newTestEmulator()
	instr := Instr{Type: ITMov, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: Imm64(5)}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	val, meta := state.Reg(RAX)
	if val != 5 || meta != Static {
		t.Errorf("RAX = (%d,%v), want (5,Static)", val, meta)
	}
	if len(cbb.Instrs) != 0 {
		t.Errorf("expected a fold to capture nothing, got %+v", cbb.Instrs)
	}
}

func TestEmulateMovDynamicSrcEmitsFolded(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetReg(RBX, 42, Dynamic)
	instr := Instr{Type: ITMov, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: RegOperand(GP64(RBX))}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	val, meta := state.Reg(RAX)
	if val != 42 || meta != Dynamic {
		t.Errorf("RAX = (%d,%v), want (42,Dynamic)", val, meta)
	}
	if len(cbb.Instrs) != 1 || cbb.Instrs[0].Type != ITMov {
		t.Fatalf("expected a captured mov, got %+v", cbb.Instrs)
	}
}

func TestEmulateAddZeroIsNoOp(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetReg(RAX, 7, Static)
	instr := Instr{Type: ITAdd, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: Imm8(0)}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	val, meta := state.Reg(RAX)
	if val != 7 || meta != Static {
		t.Errorf("RAX = (%d,%v), want unchanged (7,Static)", val, meta)
	}
	if len(cbb.Instrs) != 0 {
		t.Errorf("expected add-zero simplification to capture nothing, got %+v", cbb.Instrs)
	}
	cf, _ := state.Flag(flagCFIdx)
	if cf {
		t.Errorf("CF = true, want false (7+0 doesn't carry)")
	}
}

func TestEmulateXorSameRegIsStaticZero(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetReg(RAX, 123, Dynamic)
	instr := Instr{Type: ITXor, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: RegOperand(GP64(RAX))}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	val, meta := state.Reg(RAX)
	if val != 0 || meta != Static {
		t.Errorf("RAX = (%d,%v), want (0,Static)", val, meta)
	}
	zf, zfMeta := state.Flag(flagZFIdx)
	if !zf || zfMeta != Static {
		t.Errorf("ZF = (%v,%v), want (true,Static)", zf, zfMeta)
	}
	if len(cbb.Instrs) != 0 {
		t.Errorf("expected no capture for xor reg,reg, got %+v", cbb.Instrs)
	}
}

func TestEmulateCmpEqualValuesSetsZFWithoutCapture(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetReg(RAX, 5, Static)
	instr := Instr{Type: ITCmp, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: Imm8(5)}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	zf, zfMeta := state.Flag(flagZFIdx)
	if !zf || zfMeta != Static {
		t.Errorf("ZF = (%v,%v), want (true,Static)", zf, zfMeta)
	}
	if len(cbb.Instrs) != 0 {
		t.Errorf("expected a fully-resolved cmp to capture nothing, got %+v", cbb.Instrs)
	}
}

func TestEmulateCmpDynamicCaptures(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetReg(RAX, 5, Dynamic)
	instr := Instr{Type: ITCmp, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: Imm8(5)}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	if len(cbb.Instrs) != 1 || cbb.Instrs[0].Type != ITCmp {
		t.Fatalf("expected a captured cmp, got %+v", cbb.Instrs)
	}
}

func TestEmulateIncLeavesCFUnmodified(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetFlag(flagCFIdx, true, Dynamic)
	state.SetReg(RAX, 0xFFFFFFFFFFFFFFFF, Static)
	instr := Instr{Type: ITInc, ValueWidth: 64, Dst: RegOperand(GP64(RAX))}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	val, meta := state.Reg(RAX)
	if val != 0 || meta != Static {
		t.Errorf("RAX = (%d,%v), want (0,Static)", val, meta)
	}
	zf, zfMeta := state.Flag(flagZFIdx)
	if !zf || zfMeta != Static {
		t.Errorf("ZF = (%v,%v), want (true,Static)", zf, zfMeta)
	}
	cf, cfMeta := state.Flag(flagCFIdx)
	if !cf || cfMeta != Dynamic {
		t.Errorf("CF = (%v,%v), want left untouched at (true,Dynamic)", cf, cfMeta)
	}
	if len(cbb.Instrs) != 0 {
		t.Errorf("expected inc of a known value to fold, got %+v", cbb.Instrs)
	}
}

func TestEmulateShiftByZeroIsNoOp(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetReg(RAX, 9, Dynamic)
	instr := Instr{Type: ITShl, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: Imm8(0)}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	val, meta := state.Reg(RAX)
	if val != 9 || meta != Dynamic {
		t.Errorf("RAX = (%d,%v), want unchanged (9,Dynamic)", val, meta)
	}
	if len(cbb.Instrs) != 0 {
		t.Errorf("expected shift-by-zero to capture nothing, got %+v", cbb.Instrs)
	}
}

func TestEmulateImulForm3TimesOneEmitsMovWhenDynamic(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetReg(RBX, 77, Dynamic)
	instr := Instr{Type: ITImul, Form: Form3, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: RegOperand(GP64(RBX)), Src2: Imm8(1)}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	val, meta := state.Reg(RAX)
	if val != 77 || meta != Dynamic {
		t.Errorf("RAX = (%d,%v), want (77,Dynamic)", val, meta)
	}
	if len(cbb.Instrs) != 1 || cbb.Instrs[0].Type != ITMov {
		t.Fatalf("expected imul x,1 to simplify to a captured mov, got %+v", cbb.Instrs)
	}
}

func TestEmulateImulForm3TimesZeroIsStaticZero(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetReg(RBX, 77, Dynamic)
	instr := Instr{Type: ITImul, Form: Form3, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: RegOperand(GP64(RBX)), Src2: Imm8(0)}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	val, meta := state.Reg(RAX)
	if val != 0 || meta != Static {
		t.Errorf("RAX = (%d,%v), want (0,Static)", val, meta)
	}
	if len(cbb.Instrs) != 0 {
		t.Errorf("expected imul x,0 to capture nothing, got %+v", cbb.Instrs)
	}
}

func TestEmulatePushPopTrackedStackRoundTrip(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetReg(RSP, testStackTop-16, Static)
	state.SetReg(RAX, 0xdead, Static)

	if _, err := e.EmulateInstr(state, Instr{Type: ITPush, ValueWidth: 64, Dst: RegOperand(GP64(RAX))}); err != nil {
		t.Fatalf("push: %v", err)
	}
	rsp, rspMeta := state.Reg(RSP)
	if rsp != testStackTop-24 || rspMeta != Static {
		t.Fatalf("RSP after push = (0x%x,%v), want (0x%x,Static)", rsp, rspMeta, testStackTop-24)
	}

	if _, err := e.EmulateInstr(state, Instr{Type: ITPop, ValueWidth: 64, Dst: RegOperand(GP64(RBX))}); err != nil {
		t.Fatalf("pop: %v", err)
	}
	val, meta := state.Reg(RBX)
	if val != 0xdead || meta != Static {
		t.Errorf("RBX after pop = (0x%x,%v), want (0xdead,Static)", val, meta)
	}
	rsp2, _ := state.Reg(RSP)
	if rsp2 != testStackTop-16 {
		t.Errorf("RSP after pop = 0x%x, want 0x%x", rsp2, testStackTop-16)
	}
	if len(cbb.Instrs) != 0 {
		t.Errorf("expected tracked push/pop to capture nothing, got %+v", cbb.Instrs)
	}
}

func TestEmulateCallSentinelCoercesToDynamic(t *testing.T) {
	e, state, cbb := newTestEmulator()
	e.SetMakeDynamic(0x9999)
	state.SetReg(RDI, 42, Static)
	instr := Instr{Type: ITCall, Dst: Imm64(0x9999), Address: 0x1000, Length: 5}

	res, err := e.EmulateInstr(state, instr)
	if err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	if res.Diverges {
		t.Errorf("a sentinel call should not redirect control flow")
	}
	val, meta := state.Reg(RDI)
	if val != 42 || meta != Dynamic {
		t.Errorf("RDI = (%d,%v), want (42,Dynamic)", val, meta)
	}
	if len(cbb.Instrs) != 1 || cbb.Instrs[0].Type != ITMov {
		t.Fatalf("expected the Static->Dynamic coercion to materialize a mov, got %+v", cbb.Instrs)
	}
}

func TestEmulateCallDepthExceededErrors(t *testing.T) {
	e, state, _ := newTestEmulator()
	for i := 0; i < defaultMaxCallDepth; i++ {
		state.PushReturn(0x1000)
	}
	instr := Instr{Type: ITCall, Dst: Imm64(0x5000), Address: 0x2000, Length: 5}
	if _, err := e.EmulateInstr(state, instr); err == nil {
		t.Fatalf("expected a call-depth-exceeded error")
	}
}

func TestEmulateRetOnEmptyStackCapturesRealRet(t *testing.T) {
	e, state, cbb := newTestEmulator()
	res, err := e.EmulateInstr(state, Instr{Type: ITRet})
	if err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	if !res.TraceEnds {
		t.Errorf("expected TraceEnds=true on return-stack underflow")
	}
	if len(cbb.Instrs) != 1 || cbb.Instrs[0].Type != ITRet {
		t.Fatalf("expected a captured ret, got %+v", cbb.Instrs)
	}
}

func TestEmulateRetWithReturnAddressDiverges(t *testing.T) {
	e, state, cbb := newTestEmulator()
	state.SetReg(RSP, testStackTop-8, Static)
	state.PushReturn(0x4242)

	res, err := e.EmulateInstr(state, Instr{Type: ITRet})
	if err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	if !res.Diverges || res.NextPC != 0x4242 {
		t.Errorf("result = %+v, want a divergence to 0x4242", res)
	}
	if len(cbb.Instrs) != 0 {
		t.Errorf("expected an inlined ret to capture nothing, got %+v", cbb.Instrs)
	}
}

func TestEmulateJeResolvesStaticallyWhenFlagsKnown(t *testing.T) {
	e, state, _ := newTestEmulator()
	state.SetFlag(flagZFIdx, true, Static)
	instr := Instr{Type: ITJe, Dst: Imm64(0x3000), Address: 0x1000, Length: 2}

	res, err := e.EmulateInstr(state, instr)
	if err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	if !res.Diverges || res.Fork {
		t.Errorf("result = %+v, want a resolved, non-forking divergence", res)
	}
	if res.NextPC != 0x3000 {
		t.Errorf("NextPC = 0x%x, want 0x3000 (ZF=true takes the branch)", res.NextPC)
	}
}

func TestEmulateJeForksWhenFlagsDynamic(t *testing.T) {
	e, state, _ := newTestEmulator()
	state.SetFlag(flagZFIdx, true, Dynamic)
	instr := Instr{Type: ITJe, Dst: Imm64(0x3000), Address: 0x1000, Length: 2}

	res, err := e.EmulateInstr(state, instr)
	if err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	if !res.Fork {
		t.Fatalf("expected a fork when the controlling flag is Dynamic")
	}
	if res.TakenAddr != 0x3000 || res.NotTakenAddr != 0x1002 {
		t.Errorf("result = %+v, want taken=0x3000 not-taken=0x1002", res)
	}
	if !res.ObservedTaken {
		t.Errorf("ObservedTaken = false, want true (ZF's concrete value is true)")
	}
}

func TestEmulateJeForksObservedNotTakenWhenConcreteFlagFalse(t *testing.T) {
	e, state, _ := newTestEmulator()
	state.SetFlag(flagZFIdx, false, Dynamic)
	instr := Instr{Type: ITJe, Dst: Imm64(0x3000), Address: 0x1000, Length: 2}

	res, err := e.EmulateInstr(state, instr)
	if err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	if !res.Fork {
		t.Fatalf("expected a fork when the controlling flag is Dynamic")
	}
	if res.ObservedTaken {
		t.Errorf("ObservedTaken = true, want false (ZF's concrete value is false)")
	}
}

func TestResolveJlSignedLessThan(t *testing.T) {
	e, state, _ := newTestEmulator()
	state.SetFlag(flagSFIdx, true, Static)
	state.SetFlag(flagOFIdx, false, Static)
	known, taken := e.resolveJcc(state, ITJl)
	if !known || !taken {
		t.Errorf("resolveJcc(ITJl) = (%v,%v), want (true,true) when SF != OF", known, taken)
	}
}

func TestParityEvenOddBitCounts(t *testing.T) {
	if !parity(0x03) {
		t.Errorf("parity(0x03) = false, want true (two set bits)")
	}
	if parity(0x07) {
		t.Errorf("parity(0x07) = true, want false (three set bits)")
	}
}

func TestEmulateForceUnknownDemotesFold(t *testing.T) {
	e, state, cbb := newTestEmulator()
	e.SetForceUnknown(0)
	instr := Instr{Type: ITMov, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: Imm64(5)}
	if _, err := e.EmulateInstr(state, instr); err != nil {
		t.Fatalf("EmulateInstr: %v", err)
	}
	val, meta := state.Reg(RAX)
	if val != 5 || meta != Dynamic {
		t.Errorf("RAX = (%d,%v), want (5,Dynamic) under force-unknown", val, meta)
	}
	if len(cbb.Instrs) != 1 {
		t.Fatalf("expected force-unknown to materialize a captured instruction, got %+v", cbb.Instrs)
	}
}
