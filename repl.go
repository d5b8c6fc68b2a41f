package monty

import (
	"fmt"
	"strings"
)

// MontyRepl preserves the heap, the global namespace, the string
// interner, and the compiled function table across incremental
// snippets.  Each feed compiles only the new snippet against the
// current global-name map — no replay of prior snippets.
type MontyRepl struct {
	m         *machine
	builder   *InternsBuilder
	globals   *globalTable
	prog      *program
	inputName []string
	extNames  []string
	snippets  []string
	inputId   int
	filename  string
}

// NewRepl compiles and runs the initial source, returning the session
// and the initial value.  inputNames/extNames behave as in NewRun.
func NewRepl(initSource, filename string, inputNames, extNames []string, inputs []Object, tracker ResourceTracker, writer PrintWriter) (*MontyRepl, Object, *Exception) {
	prog, exc := compileSource(initSource, filename, inputNames, extNames, nil, nil, nil)
	if exc != nil {
		return nil, Object{}, exc
	}
	m := newMachine(prog, tracker, writer)
	m.persistent = true
	if len(inputs) != len(prog.inputSlots) {
		return nil, Object{}, typeErrorf("expected %d inputs, got %d", len(prog.inputSlots), len(inputs))
	}
	m.pushModuleFrame()
	for i, in := range inputs {
		v, vexc := toValue(in, m)
		if vexc != nil {
			return nil, Object{}, vexc
		}
		m.ns.global().set(prog.inputSlots[i], v, m.heap)
	}
	for i, slot := range prog.extSlots {
		m.ns.global().set(slot, extFunctionValue(ExtFunctionId(i)), m.heap)
	}
	v, pause, rexc := m.run()
	if rexc != nil {
		return nil, Object{}, rexc
	}
	if pause != nil {
		return nil, Object{}, newException(RuntimeError, "initial REPL source suspended; suspension requires Start")
	}
	out := fromValue(v, m)
	v.dropWithHeap(m.heap)

	repl := &MontyRepl{
		m:         m,
		builder:   buildersFromInterns(prog.interns, initSource),
		globals:   prog.globals,
		prog:      prog,
		inputName: inputNames,
		extNames:  extNames,
		snippets:  []string{initSource},
		filename:  filename,
	}
	return repl, out, nil
}

// snippetFilename labels interactive snippets the conventional way.
func (r *MontyRepl) snippetFilename() string {
	name := fmt.Sprintf("<python-input-%d>", r.inputId)
	r.inputId++
	return name
}

// Feed compiles and executes one snippet, returning its value.
// Runtime failures leave any successful mutations visible to
// subsequent feeds.
func (r *MontyRepl) Feed(source string, writer PrintWriter) (Object, *Exception) {
	progress, exc := r.startSnippet(source, writer)
	if exc != nil {
		return Object{}, exc
	}
	if progress.Kind != ProgressComplete {
		return Object{}, newException(RuntimeError, "snippet suspended on an external call; use Start")
	}
	return progress.Value, nil
}

// Start executes one snippet with the full suspend protocol.
func (r *MontyRepl) Start(source string, writer PrintWriter) (Progress, *Exception) {
	return r.startSnippet(source, writer)
}

func (r *MontyRepl) startSnippet(source string, writer PrintWriter) (Progress, *Exception) {
	filename := r.snippetFilename()
	prog, exc := compileSource(source, filename, nil, nil, r.builder, r.globals, r.prog)
	if exc != nil {
		return Progress{}, exc
	}
	r.snippets = append(r.snippets, source)
	r.prog = prog
	// the machine keeps its heap and global namespace; only the
	// program and interns advance
	r.m.prog = prog
	r.m.interns = prog.interns
	r.builder = buildersFromInterns(prog.interns, source)
	if writer != nil {
		r.m.print = writer
	}
	r.m.ns.global().grow(prog.globals.numSlots())
	r.m.frames = append(r.m.frames, &frame{
		code:     prog.moduleCode,
		stack:    make([]Value, 0, prog.moduleCode.StackSize),
		nsIdx:    0,
		funcName: ssModule.stringId(),
	})
	v, pause, rexc := r.m.run()
	if rexc != nil {
		return Progress{}, rexc
	}
	if pause != nil {
		return packagePause(r.m, pause), nil
	}
	out := fromValue(v, r.m)
	v.dropWithHeap(r.m.heap)
	return Progress{Kind: ProgressComplete, Value: out}, nil
}

// ReplContinuationMode is the parse-derived continuation state for
// interactive input collection.
type ReplContinuationMode uint8

const (
	// ReplComplete: the buffer can execute immediately.
	ReplComplete ReplContinuationMode = iota
	// ReplIncompleteImplicit: open bracket or quote continues the
	// line implicitly.
	ReplIncompleteImplicit
	// ReplIncompleteBlock: a compound statement is collecting an
	// indented block; a blank line terminates it.
	ReplIncompleteBlock
)

// DetectContinuation decides whether a typed buffer is syntactically
// complete, implicitly continued, or pending an indented block.  The
// interactive driver switches the prompt on it.
func DetectContinuation(source string) ReplContinuationMode {
	depth := 0
	var quote byte
	triple := false
	for i := 0; i < len(source); i++ {
		c := source[i]
		if quote != 0 {
			if c == '\\' && !triple {
				i++
				continue
			}
			if c == quote {
				if triple {
					if i+2 < len(source) && source[i+1] == quote && source[i+2] == quote {
						quote = 0
						triple = false
						i += 2
					}
				} else {
					quote = 0
				}
			}
			continue
		}
		switch c {
		case '#':
			for i < len(source) && source[i] != '\n' {
				i++
			}
		case '\'', '"':
			quote = c
			if i+2 < len(source) && source[i+1] == c && source[i+2] == c {
				triple = true
				i += 2
			}
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
	}
	if quote != 0 || depth > 0 {
		return ReplIncompleteImplicit
	}
	lines := strings.Split(strings.TrimRight(source, "\n"), "\n")
	if len(lines) == 0 {
		return ReplComplete
	}
	last := strings.TrimRight(lines[len(lines)-1], " \t")
	if strings.HasSuffix(last, ":") || strings.HasSuffix(last, "\\") {
		return ReplIncompleteBlock
	}
	// inside an indented block: keep collecting until a blank line
	if len(lines) > 1 && strings.HasSuffix(source, "\n") == false {
		first := lines[0]
		trimmedFirst := strings.TrimRight(first, " \t")
		if strings.HasSuffix(trimmedFirst, ":") {
			return ReplIncompleteBlock
		}
	}
	if len(last) > 0 && (last[0] == ' ' || last[0] == '\t') {
		return ReplIncompleteBlock
	}
	return ReplComplete
}
