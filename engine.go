package dbrew

import (
	"fmt"
	"unsafe"
)

// processMemReader reads raw bytes from this process's own address space —
// the only MemReader a real (non-test) Rewriter uses, since the function
// being rewritten is already loaded and executable in the calling process.
type processMemReader struct{}

func (processMemReader) ReadByte(addr uint64) (byte, error) {
	return *(*byte)(unsafe.Pointer(uintptr(addr))), nil
}

// paramRegs is the System V AMD64 integer/pointer argument register order
// DBrew places ConfigStaticPar/ConfigParCount values into, covering up to
// five integer parameters.
var paramRegs = [maxFuncParams]uint8{RDI, RSI, RDX, RCX, R8}

// Rewrite traces the configured function with args bound as its (partially
// known) parameters, emits a specialized version, and returns the entry
// address of the generated code. This is the single operation the whole
// rewrite engine exists to perform: Save/Restore state management, CBB
// capture, and CBB layout/linking are all internal machinery in service of
// this one call.
func (r *Rewriter) Rewrite(args ...uint64) (uintptr, error) {
	r.lastErr = nil
	addr, err := r.rewrite(args)
	if err != nil {
		r.lastErr = err
		r.phase = phaseIdle
		return 0, err
	}
	return addr, nil
}

func (r *Rewriter) rewrite(args []uint64) (uintptr, error) {
	if r.cfg.Addr == 0 {
		return 0, fmt.Errorf("dbrew: no function configured; call SetFunction first")
	}
	if len(args) < r.cfg.ParCount {
		return 0, fmt.Errorf("dbrew: %d arguments given, %d parameters configured", len(args), r.cfg.ParCount)
	}

	r.phase = phaseTracing
	r.mem = processMemReader{}
	r.decoder = NewDecoder(r.mem)
	r.emulator = NewEmulator(r.decoder, r.mem)
	r.emulator.maxCallDepth = defaultMaxCallDepth
	r.capture = newCaptureStore()
	r.savedStates = nil
	r.nextStateID = 0
	r.workStack = nil
	r.genOrder = nil

	for depth := range r.cfg.ForceUnknown {
		r.emulator.SetForceUnknown(depth)
	}

	initial := r.buildInitialState(args)
	esID, err := r.saveState(initial)
	if err != nil {
		return 0, err
	}

	entryKey := CBBKey{Addr: uint64(r.cfg.Addr), ESID: esID}
	entryCBB, _ := r.capture.getOrCreate(entryKey, r.cfg)
	if err := r.pushWork(workItem{Addr: entryKey.Addr, ESID: esID}); err != nil {
		return 0, err
	}
	if err := r.recordGenOrder(entryCBB); err != nil {
		return 0, err
	}

	built := map[CBBKey]bool{entryKey: true}

	for {
		item, ok := r.popWork()
		if !ok {
			break
		}
		key := CBBKey{Addr: item.Addr, ESID: item.ESID}
		cbb, _ := r.capture.getOrCreate(key, r.cfg)
		state := r.stateByID(item.ESID).Clone()

		if err := r.traceCBB(cbb, state, built); err != nil {
			return 0, err
		}
	}

	r.phase = phaseLayout
	layoutOrder := r.depthFirstLayout(entryCBB)

	storage, err := NewCodeStorage(defaultCodeStorageSize)
	if err != nil {
		return 0, err
	}
	r.storage = storage

	linker := NewLinker(layoutOrder, uint64(storage.BaseAddr()))
	if err := linker.CalculateLayout(); err != nil {
		return 0, err
	}

	r.phase = phaseEncoding
	code, err := linker.Encode()
	if err != nil {
		return 0, err
	}
	entryAddr, err := storage.Append(code)
	if err != nil {
		return 0, err
	}
	if err := storage.Finalize(); err != nil {
		return 0, err
	}

	r.phase = phaseDone
	return entryAddr, nil
}

// buildInitialState constructs the EmulatorState a trace begins from: RSP
// at the top of a fresh virtual stack (StackRelative), RBP following suit
// when ConfigReturnFP was called, and each configured parameter register
// set from args with its configured meta-state.
func (r *Rewriter) buildInitialState(args []uint64) *EmulatorState {
	stackTop := uint64(1) << 47 // an address far from any real mapping; only ever used symbolically
	state := NewEmulatorState(stackTop, r.cfg.StackSize)
	state.SetReg(RSP, stackTop, StackRelative)
	if r.cfg.HasReturnFP {
		state.SetReg(RBP, stackTop, StackRelative)
	}

	for i := 0; i < r.cfg.ParCount && i < len(paramRegs); i++ {
		meta := r.cfg.ParMeta[i]
		var val uint64
		if i < len(args) {
			val = args[i]
		}
		state.SetReg(paramRegs[i], val, meta)
	}
	return state
}

// traceCBB decodes and emulates straight-line instructions starting at
// cbb.Key.Addr under state, capturing residue into cbb, until a
// control-transfer instruction either resolves to a known successor (pushed
// back onto the work stack as a new CBB, or reused if already built) or
// forks into two CBBs when its controlling flags are Dynamic.
func (r *Rewriter) traceCBB(cbb *CBB, state *EmulatorState, built map[CBBKey]bool) error {
	r.emulator.SetCBB(cbb)
	addr := cbb.Key.Addr

	for {
		dbb, err := r.decoder.Decode(addr)
		if err != nil {
			return err
		}

		for _, instr := range dbb.Instrs {
			if instr.Type == ITInvalid {
				return newDecodeError(KindBadOpcode, dbb, 0, "invalid opcode reached during trace")
			}

			result, err := r.emulator.EmulateInstr(state, instr)
			if err != nil {
				return err
			}

			switch {
			case result.TraceEnds:
				cbb.EndType = ITRet
				return nil

			case result.DynamicTarget:
				cbb.EndType = instr.Type
				return nil

			case result.Fork:
				if r.cfg.BranchesKnown {
					return fmt.Errorf("dbrew: branch at 0x%x did not resolve statically though branches-known was set", instr.Address)
				}
				cbb.EndType = instr.Type
				return r.forkJcc(cbb, state, instr, result, built)

			case result.Diverges:
				cbb.EndType = terminalTypeFor(instr.Type)
				return r.continueAt(cbb, state, result.NextPC, built, false)
			}
		}

		addr = dbb.Start + uint64(dbb.Length)
	}
}

// terminalTypeFor maps a diverging instruction (a JMP, an inlined CALL or
// RET, or a statically resolved Jcc) to the EndType the linker should treat
// the CBB as ending with: each is an unconditional transfer, which the
// linker re-expresses as a JMP to the successor CBB.
func terminalTypeFor(t InstrType) InstrType {
	if t == ITJmp {
		return ITJmp
	}
	return ITJmp
}

// continueAt links cbb's (single, unconditional) successor: if a CBB for
// (nextAddr, same ESID) already exists, it's reused and no new trace is
// queued; otherwise a new CBB is created and the continuation pushed onto
// the work stack for the main loop to pick up.
func (r *Rewriter) continueAt(cbb *CBB, state *EmulatorState, nextAddr uint64, built map[CBBKey]bool, preferred bool) error {
	esID, err := r.saveState(state)
	if err != nil {
		return err
	}
	key := CBBKey{Addr: nextAddr, ESID: esID}
	next, created := r.capture.getOrCreate(key, r.cfg)
	cbb.NextFallThrough = next
	cbb.PreferBranch = preferred

	if created && !built[key] {
		built[key] = true
		if err := r.pushWork(workItem{Addr: key.Addr, ESID: key.ESID}); err != nil {
			return err
		}
		if err := r.recordGenOrder(next); err != nil {
			return err
		}
	}
	return nil
}

// forkJcc handles a Jcc whose controlling flags were Dynamic: both
// successors are captured as distinct CBBs under the same (cloned) state,
// and the work stack is ordered so the not-taken (fallthrough) path is
// pushed first, so the taken branch is explored next off the LIFO stack.
// cbb.PreferBranch records which direction this particular trace actually
// observed, so depthFirstLayout can keep that path contiguous later.
func (r *Rewriter) forkJcc(cbb *CBB, state *EmulatorState, instr Instr, result StepResult, built map[CBBKey]bool) error {
	takenState := state.Clone()
	notTakenState := state

	takenID, err := r.saveState(takenState)
	if err != nil {
		return err
	}
	notTakenID, err := r.saveState(notTakenState)
	if err != nil {
		return err
	}

	takenKey := CBBKey{Addr: result.TakenAddr, ESID: takenID}
	notTakenKey := CBBKey{Addr: result.NotTakenAddr, ESID: notTakenID}

	takenCBB, takenNew := r.capture.getOrCreate(takenKey, r.cfg)
	notTakenCBB, notTakenNew := r.capture.getOrCreate(notTakenKey, r.cfg)

	cbb.NextBranch = takenCBB
	cbb.NextFallThrough = notTakenCBB
	cbb.PreferBranch = result.ObservedTaken

	if notTakenNew && !built[notTakenKey] {
		built[notTakenKey] = true
		if err := r.pushWork(workItem{Addr: notTakenKey.Addr, ESID: notTakenKey.ESID}); err != nil {
			return err
		}
		if err := r.recordGenOrder(notTakenCBB); err != nil {
			return err
		}
	}
	if takenNew && !built[takenKey] {
		built[takenKey] = true
		if err := r.pushWork(workItem{Addr: takenKey.Addr, ESID: takenKey.ESID}); err != nil {
			return err
		}
		if err := r.recordGenOrder(takenCBB); err != nil {
			return err
		}
	}
	return nil
}

// depthFirstLayout walks the CBB graph from entry, preferring the branch a
// CBB's trace actually observed taken (PreferBranch / NextBranch) over its
// fallthrough, so the statistically common path stays contiguous in the
// final buffer. This produces the linker's linear placement order, distinct
// from genOrder (creation order) and from the LIFO work-stack order used
// during tracing.
func (r *Rewriter) depthFirstLayout(entry *CBB) []*CBB {
	var order []*CBB
	visited := make(map[*CBB]bool)

	var visit func(cbb *CBB)
	visit = func(cbb *CBB) {
		if cbb == nil || visited[cbb] {
			return
		}
		visited[cbb] = true
		order = append(order, cbb)

		first, second := cbb.NextFallThrough, cbb.NextBranch
		if cbb.PreferBranch {
			first, second = cbb.NextBranch, cbb.NextFallThrough
		}
		visit(first)
		visit(second)
	}
	visit(entry)

	for _, cbb := range order {
		if cbb.EndType == ITJmp && cbb.NextFallThrough != nil {
			idx := indexOf(order, cbb)
			nextIdx := indexOf(order, cbb.NextFallThrough)
			cbb.NeedsFTJump = nextIdx != idx+1
		}
		if IsJcc(cbb.EndType) && cbb.NextFallThrough != nil {
			idx := indexOf(order, cbb)
			nextIdx := indexOf(order, cbb.NextFallThrough)
			cbb.NeedsFTJump = nextIdx != idx+1
		}
	}
	return order
}

func indexOf(order []*CBB, target *CBB) int {
	for i, cbb := range order {
		if cbb == target {
			return i
		}
	}
	return -1
}
