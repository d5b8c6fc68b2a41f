package monty

// MontyRun is the compile-once entry point: source text through the
// parser, prepare phase and compiler into an immutable program that
// can be run many times.
type MontyRun struct {
	prog *program
}

// NewRun compiles source.  inputNames become pre-assigned globals the
// host fills on each run; extNames register external functions that
// suspend the VM when called.
func NewRun(source, filename string, inputNames, extNames []string) (*MontyRun, *Exception) {
	prog, exc := compileSource(source, filename, inputNames, extNames, nil, nil, nil)
	if exc != nil {
		return nil, exc
	}
	return &MontyRun{prog: prog}, nil
}

// compileSource runs parse → prepare → compile.  The REPL passes its
// live builder, global table and prior program to keep IDs, slots and
// table indices stable across snippets.
func compileSource(source, filename string, inputNames, extNames []string, builder *InternsBuilder, globals *globalTable, prior *program) (*program, *Exception) {
	if builder == nil {
		builder = NewInternsBuilder(source)
	}
	if globals == nil {
		globals = newGlobalTable()
	}
	funcOffset, dcOffset := 0, 0
	if prior != nil {
		funcOffset = len(prior.functions)
		dcOffset = len(prior.dataclasses)
	}

	// the hidden result slot comes first, then input and external
	// names claim their global slots before the module body
	resultSlot := globals.slot("<result>", builder.Intern("<result>"))

	inputSlots := make([]uint16, len(inputNames))
	for i, name := range inputNames {
		inputSlots[i] = globals.slot(name, builder.Intern(name))
	}
	extSlots := make([]uint16, len(extNames))
	for i, name := range extNames {
		extSlots[i] = globals.slot(name, builder.Intern(name))
	}

	body, perr := parseSource(source, builder)
	if perr != nil {
		return nil, syntaxException(perr.msg, perr.rng, filename, source)
	}
	prep, perr := prepareModule(body, builder, globals, funcOffset)
	if perr != nil {
		return nil, syntaxException(perr.msg, perr.rng, filename, source)
	}
	moduleCode, functions, dataclasses, cerr := compileProgram(prep, builder.Intern(filename), dcOffset, resultSlot)
	if cerr != nil {
		return nil, syntaxException(cerr.msg, cerr.rng, filename, source)
	}
	if prior != nil {
		functions = append(append([]*functionInfo(nil), prior.functions...), functions...)
		dataclasses = append(append([]*dataclassDescriptor(nil), prior.dataclasses...), dataclasses...)
	}
	return &program{
		moduleCode:  moduleCode,
		functions:   functions,
		dataclasses: dataclasses,
		interns:     builder.Build(),
		globals:     globals,
		filename:    filename,
		source:      source,
		inputSlots:  inputSlots,
		extSlots:    extSlots,
		extNames:    extNames,
	}, nil
}

func syntaxException(msg string, rng CodeRange, filename, source string) *Exception {
	exc := newException(SyntaxError, msg)
	li := NewLineIndex([]byte(source))
	start := li.LocationAt(int(rng.Start))
	end := li.LocationAt(int(rng.End))
	endCol := end.Column
	if end.Line != start.Line {
		endCol = start.Column + 1
	}
	exc.AddFrame(StackFrame{
		Filename:   filename,
		Line:       start.Line,
		Column:     start.Column,
		EndColumn:  endCol,
		FunctionName: staticStringNames[ssModule],
		SourceLine: li.LineText(start.Line),
	})
	return exc
}

// ProgressKind discriminates the Progress union.
type ProgressKind uint8

const (
	ProgressComplete ProgressKind = iota
	ProgressExternalCall
	ProgressOsCall
	ProgressResolveFutures
)

// PendingCall describes the suspended call the host must perform.
type PendingCall struct {
	Name   string
	OsFn   OsFunction
	CallId CallId
	Args   []Object
	Kwargs []KwArg
}

type KwArg struct {
	Name  string
	Value Object
}

// Progress is the result of driving the VM to its next boundary:
// completion, an external call, an OS call, or a set of unresolved
// futures.
type Progress struct {
	Kind  ProgressKind
	Value Object
	Call  *PendingCall

	// State resumes an ExternalCall or OsCall progress.
	State *Snapshot

	// Futures resumes a ResolveFutures progress.
	Futures *FutureSnapshot
}

// ExternalResult is the host's answer to a suspended call.
type ExternalResult struct {
	kind   uint8 // 0 return, 1 error, 2 future
	value  Object
	errExc *Exception
}

// The three ExternalResult constructors.
func ExternalReturn(v Object) ExternalResult {
	return ExternalResult{kind: 0, value: v}
}

func ExternalError(exc *Exception) ExternalResult {
	return ExternalResult{kind: 1, errExc: exc}
}

func ExternalFuture() ExternalResult {
	return ExternalResult{kind: 2}
}

// Run is the non-suspendable fast path: external calls and OS calls
// become RuntimeError.
func (r *MontyRun) Run(inputs []Object, tracker ResourceTracker, print PrintWriter) (Object, *Exception) {
	progress, exc := r.Start(inputs, tracker, print)
	if exc != nil {
		return Object{}, exc
	}
	if progress.Kind != ProgressComplete {
		return Object{}, newException(RuntimeError, "code suspended on an external call; use Start")
	}
	return progress.Value, nil
}

// Start drives the VM until completion or the first suspension.
func (r *MontyRun) Start(inputs []Object, tracker ResourceTracker, print PrintWriter) (Progress, *Exception) {
	m := newMachine(r.prog, tracker, print)
	if len(inputs) != len(r.prog.inputSlots) {
		return Progress{}, typeErrorf("expected %d inputs, got %d", len(r.prog.inputSlots), len(inputs))
	}
	m.pushModuleFrame()
	for i, in := range inputs {
		v, exc := toValue(in, m)
		if exc != nil {
			return Progress{}, exc
		}
		m.ns.global().set(r.prog.inputSlots[i], v, m.heap)
	}
	for i, slot := range r.prog.extSlots {
		m.ns.global().set(slot, extFunctionValue(ExtFunctionId(i)), m.heap)
	}
	return driveMachine(m)
}

// driveMachine runs the dispatch loop and packages the outcome.
func driveMachine(m *machine) (Progress, *Exception) {
	v, pause, exc := m.run()
	if exc != nil {
		m.finish()
		return Progress{}, exc
	}
	if pause == nil {
		out := fromValue(v, m)
		v.dropWithHeap(m.heap)
		m.finish()
		return Progress{Kind: ProgressComplete, Value: out}, nil
	}
	return packagePause(m, pause), nil
}

func packagePause(m *machine, pause *vmPause) Progress {
	switch pause.kind {
	case exitResolveFutures:
		fs := &FutureSnapshot{snap: &Snapshot{m: m}}
		for id, e := range m.futures {
			if !e.resolved {
				fs.pending = append(fs.pending, id)
			}
		}
		return Progress{Kind: ProgressResolveFutures, Futures: fs}
	case exitOsCall:
		call := &PendingCall{
			Name:   pause.osFn.String(),
			OsFn:   pause.osFn,
			CallId: pause.callId,
		}
		for _, a := range pause.args {
			call.Args = append(call.Args, fromValue(a, m))
			a.dropWithHeap(m.heap)
		}
		return Progress{Kind: ProgressOsCall, Call: call, State: &Snapshot{m: m, callId: pause.callId}}
	default:
		call := &PendingCall{
			Name:   pause.extName,
			CallId: pause.callId,
		}
		for _, a := range pause.args {
			call.Args = append(call.Args, fromValue(a, m))
			a.dropWithHeap(m.heap)
		}
		for i, kw := range pause.kwNames {
			call.Kwargs = append(call.Kwargs, KwArg{
				Name:  m.interns.GetString(kw),
				Value: fromValue(pause.kwArgs[i], m),
			})
			pause.kwArgs[i].dropWithHeap(m.heap)
		}
		return Progress{Kind: ProgressExternalCall, Call: call, State: &Snapshot{m: m, callId: pause.callId}}
	}
}

// finish sweeps the machine on termination: the module frame's global
// namespace is dropped along with every other machine-held share, then
// the cycle pass reclaims whatever refcounts alone could not.
func (m *machine) finish() {
	if m.persistent {
		return
	}
	for _, r := range m.excStack {
		r.val.dropWithHeap(m.heap)
	}
	m.excStack = nil
	for id, e := range m.futures {
		if e.resolved {
			e.value.dropWithHeap(m.heap)
		}
		delete(m.futures, id)
	}
	for id, v := range m.modules {
		v.dropWithHeap(m.heap)
		delete(m.modules, id)
	}
	m.ns.global().dropAll(m.heap)
	m.heap.CollectCycles(m.rootIDs())
}

// Snapshot is the serializable pause state at an external boundary.
// Resuming consumes it; resuming twice is a defined error.
type Snapshot struct {
	m        *machine
	callId   CallId
	consumed bool
}

// Run feeds the awaited result back into the paused VM and continues.
func (s *Snapshot) Run(result ExternalResult, print PrintWriter) (Progress, *Exception) {
	if s.consumed || s.m == nil {
		return Progress{}, newException(RuntimeError, "snapshot already resumed")
	}
	s.consumed = true
	m := s.m
	if print != nil {
		m.print = print
	}
	f := m.frames[len(m.frames)-1]
	switch result.kind {
	case 0:
		v, exc := toValue(result.value, m)
		if exc != nil {
			return Progress{}, exc
		}
		f.push(v)
	case 1:
		exc := result.errExc
		if exc == nil {
			exc = newException(RuntimeError, "external call failed")
		}
		r := raised{val: m.exceptionValue(exc), exc: exc}
		if uncaught := m.raiseValue(r); uncaught != nil {
			m.finish()
			return Progress{}, uncaught
		}
	case 2:
		m.futures[s.callId] = futureEntry{}
		f.push(futureValue(s.callId))
	}
	return driveMachine(m)
}

// FutureSnapshot is the pause state when every guest task is blocked
// on unresolved external futures.
type FutureSnapshot struct {
	snap     *Snapshot
	pending  []CallId
	consumed bool
}

// PendingCallIds lists the futures the host must resolve.
func (fs *FutureSnapshot) PendingCallIds() []CallId {
	return append([]CallId(nil), fs.pending...)
}

// FutureResult pairs a call id with its resolution.
type FutureResult struct {
	CallId CallId
	Result ExternalResult
}

// Resume supplies resolved futures and continues execution.
func (fs *FutureSnapshot) Resume(results []FutureResult, print PrintWriter) (Progress, *Exception) {
	if fs.consumed || fs.snap == nil || fs.snap.m == nil {
		return Progress{}, newException(RuntimeError, "snapshot already resumed")
	}
	fs.consumed = true
	m := fs.snap.m
	if print != nil {
		m.print = print
	}
	for _, r := range results {
		switch r.Result.kind {
		case 0:
			v, exc := toValue(r.Result.value, m)
			if exc != nil {
				return Progress{}, exc
			}
			m.futures[r.CallId] = futureEntry{resolved: true, value: v}
		case 1:
			m.futures[r.CallId] = futureEntry{resolved: true, failed: r.Result.errExc}
		}
	}
	return driveMachine(m)
}
