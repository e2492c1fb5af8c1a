package dbrew

import (
	"fmt"
	"os"
)

// rewritePhase records a Rewriter's progress through one Rewrite call
// across DBrew's five stages. Rewrite assigns each phase directly; no
// transition between phases is validated.
type rewritePhase int

const (
	phaseIdle rewritePhase = iota
	phaseTracing
	phaseLayout
	phaseEncoding
	phaseDone
)

func (p rewritePhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseTracing:
		return "tracing"
	case phaseLayout:
		return "layout"
	case phaseEncoding:
		return "encoding"
	case phaseDone:
		return "done"
	default:
		return "?"
	}
}

// Bounded limits on per-Rewriter working storage: a Rewriter is the sole
// allocator for its saved states, work stack, and generation order, and
// refuses to grow past these ceilings rather than reallocating unbounded
// slices mid-trace.
const (
	maxSavedStates  = 20
	maxWorkStack    = 20
	maxGenOrder     = 20
	maxFuncParams   = 5
	maxFuncNameLen  = 64
)

// FunctionConfig describes one function's rewrite configuration: its
// address, parameter count and per-parameter meta-states, and the tracing
// controls (force-unknown, branches-known, return-FP).
type FunctionConfig struct {
	Name    string
	Addr    uintptr
	Size    int

	ParCount     int
	ParMeta      [maxFuncParams]CaptureState
	HasReturnFP  bool
	BranchesKnown bool
	ForceUnknown map[int]bool

	StackSize int
}

// newFunctionConfig returns a FunctionConfig with every parameter defaulted
// to Dynamic, the conservative starting point.
func newFunctionConfig() *FunctionConfig {
	cfg := &FunctionConfig{
		StackSize:    1024,
		ForceUnknown: make(map[int]bool),
	}
	for i := range cfg.ParMeta {
		cfg.ParMeta[i] = Dynamic
	}
	return cfg
}

// savedState is one entry in a Rewriter's bounded save table: a snapshot
// plus the id other CBBKeys reference it by.
type savedState struct {
	id    int
	state *EmulatorState
}

// workItem is one pending trace continuation: resume decoding at Addr under
// the emulator state identified by ESID.
type workItem struct {
	Addr uint64
	ESID int
}

// Rewriter is DBrew's single public entry point: one owner struct holding
// every piece of bounded working storage a rewrite needs, under a
// root-at-rewriter ownership rule (nothing it allocates outlives the
// Rewriter itself, and nothing else allocates on its behalf).
type Rewriter struct {
	phase rewritePhase

	decoder  *Decoder
	mem      MemReader
	emulator *Emulator
	capture  *captureStore
	storage  *CodeStorage

	cfg *FunctionConfig

	savedStates []savedState
	nextStateID int

	workStack []workItem
	genOrder  []*CBB

	lastErr error
}

// New allocates a Rewriter with fresh, empty working storage. Close must be
// called to release its executable memory mapping.
func New() *Rewriter {
	return &Rewriter{
		cfg: newFunctionConfig(),
	}
}

// Close releases the Rewriter's generated-code mapping. A Rewriter must not
// be used after Close.
func (r *Rewriter) Close() error {
	if r.storage == nil {
		return nil
	}
	err := r.storage.Close()
	r.storage = nil
	return err
}

// LastError returns the error from the most recent failed Rewrite call, or
// nil if the last call (if any) succeeded.
func (r *Rewriter) LastError() error { return r.lastErr }

// SetFunction points the Rewriter at the function to specialize. It resets
// any configuration accumulated from a previous target.
func (r *Rewriter) SetFunction(addr uintptr) {
	r.cfg = newFunctionConfig()
	r.cfg.Addr = addr
}

// SetStackSize overrides the virtual stack size (bytes) the emulator
// allocates for tracing. Default is 1024.
func (r *Rewriter) SetStackSize(n int) {
	if n > 0 {
		r.cfg.StackSize = n
	}
}

// ConfigParCount declares how many of the function's parameters
// participate in specialization (at most maxFuncParams, the number of
// integer/pointer argument registers DBrew tracks: RDI, RSI, RDX, RCX, R8).
func (r *Rewriter) ConfigParCount(n int) error {
	if n < 0 || n > maxFuncParams {
		return fmt.Errorf("dbrew: parameter count %d out of range [0,%d]", n, maxFuncParams)
	}
	r.cfg.ParCount = n
	return nil
}

// ConfigStaticPar marks parameter index as known-at-rewrite-time (Static).
// Indices outside [0, maxFuncParams) are ignored; a marked index at or
// beyond ParCount has no effect on the trace, since only the first
// ParCount parameters are placed into the initial state.
func (r *Rewriter) ConfigStaticPar(index int) {
	if index < 0 || index >= maxFuncParams {
		return
	}
	r.cfg.ParMeta[index] = Static
}

// ConfigReturnFP declares that RBP is used as a conventional frame pointer
// across the whole function, letting the emulator treat it as
// StackRelative from entry rather than Dynamic.
func (r *Rewriter) ConfigReturnFP() { r.cfg.HasReturnFP = true }

// ConfigForceUnknown demotes every value computed while execution is nested
// depth calls deep to Dynamic — the mechanism for breaking runaway loop
// unrolling.
func (r *Rewriter) ConfigForceUnknown(depth int) {
	r.cfg.ForceUnknown[depth] = true
}

// ConfigBranchesKnown tells the Rewriter to trust that every branch in the
// function resolves statically; if one doesn't, Rewrite returns an error
// instead of silently forking.
func (r *Rewriter) ConfigBranchesKnown(b bool) { r.cfg.BranchesKnown = b }

// GeneratedCode returns the address and size of the most recently generated
// function, or (0, 0) if Rewrite hasn't succeeded yet.
func (r *Rewriter) GeneratedCode() (uintptr, int) {
	if r.storage == nil || r.phase != phaseDone {
		return 0, 0
	}
	return r.storage.BaseAddr(), r.storage.used
}

// saveState stores a snapshot of state, deduplicating against every
// previously saved state (state-save idempotence): an equal snapshot
// reuses its existing id rather than growing the table.
func (r *Rewriter) saveState(state *EmulatorState) (int, error) {
	for _, saved := range r.savedStates {
		if saved.state.Equal(state) {
			return saved.id, nil
		}
	}
	if len(r.savedStates) >= maxSavedStates {
		return 0, fmt.Errorf("dbrew: saved-state table exhausted (max %d)", maxSavedStates)
	}
	id := r.nextStateID
	r.nextStateID++
	r.savedStates = append(r.savedStates, savedState{id: id, state: state.Clone()})
	return id, nil
}

func (r *Rewriter) stateByID(id int) *EmulatorState {
	for _, saved := range r.savedStates {
		if saved.id == id {
			return saved.state
		}
	}
	return nil
}

// pushWork adds a trace continuation to the LIFO work stack, enforcing the
// bounded-depth invariant rather than growing unboundedly (a function whose
// branch structure needs more than maxWorkStack outstanding continuations
// is rejected, not silently truncated).
func (r *Rewriter) pushWork(item workItem) error {
	if len(r.workStack) >= maxWorkStack {
		return fmt.Errorf("dbrew: work stack exhausted (max %d); function control flow too complex to trace", maxWorkStack)
	}
	r.workStack = append(r.workStack, item)
	return nil
}

func (r *Rewriter) popWork() (workItem, bool) {
	n := len(r.workStack)
	if n == 0 {
		return workItem{}, false
	}
	item := r.workStack[n-1]
	r.workStack = r.workStack[:n-1]
	return item, true
}

// recordGenOrder appends cbb to the generation-order list the layout pass
// consumes, bounded the same as the work stack.
func (r *Rewriter) recordGenOrder(cbb *CBB) error {
	if len(r.genOrder) >= maxGenOrder {
		return fmt.Errorf("dbrew: generation-order table exhausted (max %d); function produced too many basic blocks to lay out", maxGenOrder)
	}
	r.genOrder = append(r.genOrder, cbb)
	return nil
}

func (r *Rewriter) trace(format string, args ...any) {
	if Verbose {
		fmt.Fprintf(os.Stderr, "rewriter: "+format+"\n", args...)
	}
}
