package dbrew

import "testing"

func TestCaptureStoreReusesCBBForSameKey(t *testing.T) {
	s := newCaptureStore()
	cfg := newFunctionConfig()
	key := CBBKey{Addr: 0x1000, ESID: 3}

	a, created := s.getOrCreate(key, cfg)
	if !created {
		t.Fatalf("expected first getOrCreate to report created=true")
	}
	b, created := s.getOrCreate(key, cfg)
	if created {
		t.Errorf("expected second getOrCreate for the same key to report created=false")
	}
	if a != b {
		t.Errorf("expected the same CBB to be returned for an identical CBBKey")
	}
}

func TestCaptureStoreDistinctESIDsGetDistinctCBBs(t *testing.T) {
	s := newCaptureStore()
	cfg := newFunctionConfig()
	a, _ := s.getOrCreate(CBBKey{Addr: 0x1000, ESID: 1}, cfg)
	b, _ := s.getOrCreate(CBBKey{Addr: 0x1000, ESID: 2}, cfg)
	if a == b {
		t.Errorf("expected distinct ESIDs at the same address to produce distinct CBBs")
	}
}

func TestCBBCaptureAppendsInOrder(t *testing.T) {
	cbb := &CBB{Key: CBBKey{Addr: 0x1000}}
	cbb.Capture(Instr{Type: ITMov})
	cbb.Capture(Instr{Type: ITAdd})
	if len(cbb.Instrs) != 2 || cbb.Instrs[0].Type != ITMov || cbb.Instrs[1].Type != ITAdd {
		t.Errorf("Instrs = %+v, want [mov, add] in order", cbb.Instrs)
	}
}
