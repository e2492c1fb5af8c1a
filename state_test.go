package dbrew

import "testing"

func TestEmulatorStateRegDefaultsDead(t *testing.T) {
	s := NewEmulatorState(1<<20, 256)
	_, meta := s.Reg(RAX)
	if meta != Dead {
		t.Errorf("fresh register meta-state = %v, want Dead", meta)
	}
}

func TestEmulatorStateStackByteRoundTrip(t *testing.T) {
	top := uint64(1 << 20)
	s := NewEmulatorState(top, 256)
	addr := top - 8
	if err := s.SetStackByte(addr, 0x42, Static); err != nil {
		t.Fatalf("SetStackByte: %v", err)
	}
	b, meta, err := s.StackByte(addr)
	if err != nil {
		t.Fatalf("StackByte: %v", err)
	}
	if b != 0x42 || meta != Static {
		t.Errorf("StackByte = (0x%x, %v), want (0x42, Static)", b, meta)
	}
}

func TestEmulatorStateOutOfRangeStackAccessErrors(t *testing.T) {
	top := uint64(1 << 20)
	s := NewEmulatorState(top, 256)
	if _, _, err := s.StackByte(top + 8); err == nil {
		t.Errorf("expected error reading above stackTop")
	}
	if _, _, err := s.StackByte(top - 1000); err == nil {
		t.Errorf("expected error reading below the allocated range")
	}
}

func TestEmulatorStateCloneIsAccessedRegionOnly(t *testing.T) {
	top := uint64(1 << 20)
	s := NewEmulatorState(top, 4096)
	s.SetStackByte(top-8, 1, Static)

	clone := s.Clone()
	if clone.stackTop != s.stackTop {
		t.Errorf("clone stackTop = 0x%x, want 0x%x", clone.stackTop, s.stackTop)
	}
	if len(clone.stackBytes) > len(s.stackBytes) {
		t.Errorf("clone stack region larger than source: %d > %d", len(clone.stackBytes), len(s.stackBytes))
	}
	b, meta, err := clone.StackByte(top - 8)
	if err != nil || b != 1 || meta != Static {
		t.Errorf("clone lost accessed byte: got (%d,%v,%v)", b, meta, err)
	}
}

func TestEmulatorStatePushPopReturn(t *testing.T) {
	s := NewEmulatorState(1<<20, 256)
	s.PushReturn(0x1000)
	s.PushReturn(0x2000)
	if s.CallDepth() != 2 {
		t.Fatalf("CallDepth = %d, want 2", s.CallDepth())
	}
	addr, ok := s.PopReturn()
	if !ok || addr != 0x2000 {
		t.Errorf("PopReturn = (0x%x, %v), want (0x2000, true)", addr, ok)
	}
	addr, ok = s.PopReturn()
	if !ok || addr != 0x1000 {
		t.Errorf("PopReturn = (0x%x, %v), want (0x1000, true)", addr, ok)
	}
	if _, ok := s.PopReturn(); ok {
		t.Errorf("PopReturn on empty stack returned ok=true")
	}
}

func TestEmulatorStateEqualIgnoresDeadValues(t *testing.T) {
	a := NewEmulatorState(1<<20, 256)
	b := NewEmulatorState(1<<20, 256)
	a.SetReg(RAX, 0xDEAD, Dead) // Dead: value must not matter
	b.SetReg(RAX, 0xBEEF, Dead)
	if !a.Equal(b) {
		t.Errorf("states with only Dead-meta differences should compare equal")
	}
}

func TestEmulatorStateEqualDetectsKnownValueDifference(t *testing.T) {
	a := NewEmulatorState(1<<20, 256)
	b := NewEmulatorState(1<<20, 256)
	a.SetReg(RAX, 1, Static)
	b.SetReg(RAX, 2, Static)
	if a.Equal(b) {
		t.Errorf("states with differing known register values should not compare equal")
	}
}

func TestEmulatorStateRestoreIntoRoundTrip(t *testing.T) {
	s := NewEmulatorState(1<<20, 256)
	s.SetReg(RAX, 7, Static)
	saved := s.Clone()

	s.SetReg(RAX, 999, Dynamic)
	s.RestoreInto(saved)

	v, meta := s.Reg(RAX)
	if v != 7 || meta != Static {
		t.Errorf("after RestoreInto, RAX = (%d,%v), want (7,Static)", v, meta)
	}
}
