package dbrew

// CBBKey identifies a Captured Basic Block by a pair: the decoded basic
// block's address and the identity of the emulator state the trace carried
// when it reached that address. Two traces reaching the same code with
// equivalent meta-states share a CBB; divergent meta-states produce
// distinct CBBs.
type CBBKey struct {
	Addr uint64
	ESID int
}

// CBB is a Captured Basic Block: the unit of generated code.
type CBB struct {
	Key    CBBKey
	Config *FunctionConfig

	Instrs  []Instr
	EndType InstrType

	// PreferBranch records which successor the trace actually observed
	// taken, so layout can keep the common path contiguous.
	PreferBranch    bool
	NextBranch      *CBB
	NextFallThrough *CBB

	// Populated by the encoder/linker after capture is complete.
	Size         int
	LayoutAddr   uint64
	FinalAddr    uint64
	ShortJump    bool
	NeedsFTJump  bool
}

// Capture appends a captured instruction to cbb's instruction stream. Not
// every semantic operation reaches this call — only the ones the capture
// decision (see decide in emulate.go) determines must be materialized into
// the generated function.
func (cbb *CBB) Capture(instr Instr) {
	cbb.Instrs = append(cbb.Instrs, instr)
}

// captureStore is the pool of CBBs a Rewriter owns, keyed by CBBKey so
// repeated arrivals at the same (address, esID) pair reuse one CBB.
type captureStore struct {
	byKey map[CBBKey]*CBB
	order []*CBB // all CBBs in creation order, for pool ownership/teardown
}

func newCaptureStore() *captureStore {
	return &captureStore{byKey: make(map[CBBKey]*CBB)}
}

// getOrCreate returns the existing CBB for key, or allocates and registers
// a new one owned by cfg.
func (s *captureStore) getOrCreate(key CBBKey, cfg *FunctionConfig) (*CBB, bool) {
	if cbb, ok := s.byKey[key]; ok {
		return cbb, false
	}
	cbb := &CBB{Key: key, Config: cfg}
	s.byKey[key] = cbb
	s.order = append(s.order, cbb)
	return cbb, true
}
