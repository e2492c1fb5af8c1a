package dbrew

import (
	"bytes"
	"testing"
)

func encodeOne(t *testing.T, instr Instr) []byte {
	t.Helper()
	enc := NewEncoder()
	if _, err := enc.Encode(instr); err != nil {
		t.Fatalf("Encode(%v): %v", instr, err)
	}
	return enc.Bytes()
}

func TestEncodeMovRegReg(t *testing.T) {
	instr := Instr{Type: ITMov, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: RegOperand(GP64(RBX))}
	got := encodeOne(t, instr)
	want := []byte{0x48, 0x8B, 0xC3}
	if !bytes.Equal(got, want) {
		t.Errorf("mov rax, rbx = % x, want % x", got, want)
	}
}

func TestEncodeMovRegImm64(t *testing.T) {
	instr := Instr{Type: ITMov, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: Imm64(0x1122334455667788)}
	got := encodeOne(t, instr)
	want := []byte{0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(got, want) {
		t.Errorf("mov rax, imm64 = % x, want % x", got, want)
	}
}

func TestEncodeAddRegImmNarrowsToImm8(t *testing.T) {
	instr := Instr{Type: ITAdd, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: Operand{Kind: OpImm, ImmWidth: 64, ImmValue: 1}}
	got := encodeOne(t, instr)
	want := []byte{0x48, 0x83, 0xC0, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("add rax, 1 = % x, want % x", got, want)
	}
}

func TestEncodeCmpRegImmZero(t *testing.T) {
	instr := Instr{Type: ITCmp, ValueWidth: 64, Dst: RegOperand(GP64(RBX)), Src: Operand{Kind: OpImm, ImmWidth: 64, ImmValue: 0}}
	got := encodeOne(t, instr)
	want := []byte{0x48, 0x83, 0xFB, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("cmp rbx, 0 = % x, want % x", got, want)
	}
}

func TestEncodeLeaScaledIndex(t *testing.T) {
	src := IndirectOperand(ptrReg(RBX), ptrReg(RCX), 4, 0x10, SegNone, 64)
	instr := Instr{Type: ITLea, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: src}
	got := encodeOne(t, instr)
	want := []byte{0x48, 0x8D, 0x44, 0x8B, 0x10}
	if !bytes.Equal(got, want) {
		t.Errorf("lea rax, [rbx+rcx*4+0x10] = % x, want % x", got, want)
	}
}

func TestEncodePushPopREXExtended(t *testing.T) {
	push := encodeOne(t, Instr{Type: ITPush, ValueWidth: 64, Dst: RegOperand(GP64(RBP))})
	if !bytes.Equal(push, []byte{0x55}) {
		t.Errorf("push rbp = % x, want 55", push)
	}
	pop := encodeOne(t, Instr{Type: ITPop, ValueWidth: 64, Dst: RegOperand(GP64(R12))})
	if !bytes.Equal(pop, []byte{0x41, 0x5C}) {
		t.Errorf("pop r12 = % x, want 41 5c", pop)
	}
}

func TestEncodeJccShortVsLong(t *testing.T) {
	instr := Instr{Type: ITJe, Form: Form1, Dst: Imm64(0)}
	enc := NewEncoder()
	if _, err := enc.EncodeJccSized(instr, true); err != nil {
		t.Fatalf("short: %v", err)
	}
	if got := enc.Bytes(); !bytes.Equal(got, []byte{0x74, 0x00}) {
		t.Errorf("short je = % x, want 74 00", got)
	}

	enc.Reset()
	if _, err := enc.EncodeJccSized(instr, false); err != nil {
		t.Fatalf("long: %v", err)
	}
	if got := enc.Bytes(); !bytes.Equal(got, []byte{0x0F, 0x84, 0x00, 0x00, 0x00, 0x00}) {
		t.Errorf("long je = % x, want 0F 84 00 00 00 00", got)
	}
}

func TestEncodeRetLeaveNop(t *testing.T) {
	cases := []struct {
		t    InstrType
		want byte
	}{
		{ITRet, 0xC3},
		{ITLeave, 0xC9},
		{ITNop, 0x90},
	}
	for _, c := range cases {
		got := encodeOne(t, Instr{Type: c.t, Form: Form0})
		if len(got) != 1 || got[0] != c.want {
			t.Errorf("%v = % x, want %02x", c.t, got, c.want)
		}
	}
}

func TestEncodeShiftByOneVsImm(t *testing.T) {
	byOne := encodeOne(t, Instr{Type: ITShl, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: Imm8(1)})
	if !bytes.Equal(byOne, []byte{0x48, 0xD1, 0xE0}) {
		t.Errorf("shl rax, 1 = % x, want 48 D1 E0", byOne)
	}
	byImm := encodeOne(t, Instr{Type: ITShl, ValueWidth: 64, Dst: RegOperand(GP64(RAX)), Src: Imm8(3)})
	if !bytes.Equal(byImm, []byte{0x48, 0xC1, 0xE0, 0x03}) {
		t.Errorf("shl rax, 3 = % x, want 48 C1 E0 03", byImm)
	}
}

func TestEncodePassthroughRoundTripsSSEInstructions(t *testing.T) {
	cases := []struct {
		name string
		code []byte
	}{
		{"movsd xmm0, xmm1", []byte{0xF2, 0x0F, 0x10, 0xC1}},
		{"pxor xmm2, xmm3", []byte{0x66, 0x0F, 0xEF, 0xD3}},
		{"addsd xmm5, xmm6", []byte{0xF2, 0x0F, 0x58, 0xEE}},
	}
	for _, c := range cases {
		// A trailing RET terminates the DBB so Decode stops after the SSE
		// instruction instead of running off the end of the buffer.
		mem := NewByteSliceReader(0x1000, append(append([]byte{}, c.code...), 0xC3))
		dec := NewDecoder(mem)
		dbb, err := dec.Decode(0x1000)
		if err != nil {
			t.Fatalf("%s: Decode: %v", c.name, err)
		}
		instr := dbb.Instrs[0]
		if instr.Passthrough == nil {
			t.Fatalf("%s: expected a Passthrough-tagged instruction, got %+v", c.name, instr)
		}
		got := encodeOne(t, instr)
		if !bytes.Equal(got, c.code) {
			t.Errorf("%s: round-tripped = % x, want % x", c.name, got, c.code)
		}
	}
}

func TestPatchRel32OverwritesPlaceholder(t *testing.T) {
	enc := NewEncoder()
	enc.Encode(Instr{Type: ITJmp, Form: Form1, Dst: Imm64(0)})
	enc.PatchRel32(1, 0x7F)
	got := enc.Bytes()
	want := []byte{0xE9, 0x7F, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("after patch = % x, want % x", got, want)
	}
}
