package monty

import (
	"fmt"
	"strings"
)

// ExcType is the closed enum of guest exception kinds.
//
// NOTE: changing the order of these variants will break snapshot ABI.
type ExcType uint8

const (
	ExceptionKind ExcType = iota // catch-all base "Exception"
	SyntaxError
	TypeError
	ValueError
	NameError
	UnboundLocalError
	AttributeError
	FrozenInstanceError
	KeyError
	IndexError
	LookupError
	ArithmeticError
	ZeroDivisionError
	OverflowError
	RecursionError
	MemoryError
	TimeoutError
	AssertionError
	NotImplementedError
	RuntimeError
	ImportError
	StopIteration
	excTypeCount_
)

var excTypeNames = [excTypeCount_]string{
	ExceptionKind:       "Exception",
	SyntaxError:         "SyntaxError",
	TypeError:           "TypeError",
	ValueError:          "ValueError",
	NameError:           "NameError",
	UnboundLocalError:   "UnboundLocalError",
	AttributeError:      "AttributeError",
	FrozenInstanceError: "FrozenInstanceError",
	KeyError:            "KeyError",
	IndexError:          "IndexError",
	LookupError:         "LookupError",
	ArithmeticError:     "ArithmeticError",
	ZeroDivisionError:   "ZeroDivisionError",
	OverflowError:       "OverflowError",
	RecursionError:      "RecursionError",
	MemoryError:         "MemoryError",
	TimeoutError:        "TimeoutError",
	AssertionError:      "AssertionError",
	NotImplementedError: "NotImplementedError",
	RuntimeError:        "RuntimeError",
	ImportError:         "ImportError",
	StopIteration:       "StopIteration",
}

func (t ExcType) String() string {
	if t < excTypeCount_ {
		return excTypeNames[t]
	}
	return fmt.Sprintf("ExcType(%d)", uint8(t))
}

// excTypeByName resolves guest exception-type names to their enum
// variant; used by the prepare phase when it sees a builtin name.
var excTypeByName = func() map[string]ExcType {
	m := make(map[string]ExcType, excTypeCount_)
	for i := ExcType(0); i < excTypeCount_; i++ {
		m[excTypeNames[i]] = i
	}
	return m
}()

// Matches reports whether an exception of type t is caught by a handler
// naming the type `handler`.  The hierarchy is flat except for the
// documented subclass edges and the Exception catch-all.
func (t ExcType) Matches(handler ExcType) bool {
	if t == handler || handler == ExceptionKind {
		return true
	}
	switch handler {
	case LookupError:
		return t == KeyError || t == IndexError
	case ArithmeticError:
		return t == ZeroDivisionError || t == OverflowError
	case AttributeError:
		return t == FrozenInstanceError
	case NameError:
		return t == UnboundLocalError
	case RuntimeError:
		return t == RecursionError || t == NotImplementedError
	}
	return false
}

// StackFrame is one traceback entry.  Frames are stored innermost-first
// (appended while unwinding) and rendered outermost-first, matching the conventional traceback
// order.
type StackFrame struct {
	Filename     string
	Line         int32
	Column       int32
	EndColumn    int32
	FunctionName string
	SourceLine   string
}

// Exception is the single inhabitable structured exception type.  It
// doubles as the Go error for the host API.
type Exception struct {
	Type    ExcType
	Message string
	Frames  []StackFrame
}

func newException(t ExcType, msg string) *Exception {
	return &Exception{Type: t, Message: msg}
}

func newExceptionf(t ExcType, format string, args ...any) *Exception {
	return &Exception{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Error renders the header line only: "Type: message" or "Type".
func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Type.String()
	}
	return e.Type.String() + ": " + e.Message
}

// AddFrame appends a traceback frame.  Called while unwinding, so
// frames accumulate innermost-first; the renderer reverses them.
func (e *Exception) AddFrame(f StackFrame) {
	e.Frames = append(e.Frames, f)
}

// Traceback renders the conventional multi-line form: header, one
// `File "…", line N, in <function>` per frame outermost-first, with a
// source preview and a caret underline indicating the expression range.
func (e *Exception) Traceback() string {
	var s strings.Builder
	s.WriteString("Traceback (most recent call last):\n")
	for i := len(e.Frames) - 1; i >= 0; i-- {
		f := e.Frames[i]
		fmt.Fprintf(&s, "  File \"%s\", line %d, in %s\n", f.Filename, f.Line, f.FunctionName)
		if f.SourceLine != "" {
			trimmed := strings.TrimLeft(f.SourceLine, " \t")
			indent := len(f.SourceLine) - len(trimmed)
			s.WriteString("    ")
			s.WriteString(trimmed)
			s.WriteString("\n")
			if f.Column > 0 {
				start := int(f.Column) - 1 - indent
				if start < 0 {
					start = 0
				}
				width := int(f.EndColumn - f.Column)
				if width < 1 {
					width = 1
				}
				s.WriteString("    ")
				s.WriteString(strings.Repeat(" ", start))
				s.WriteString(strings.Repeat("^", width))
				s.WriteString("\n")
			}
		}
	}
	s.WriteString(e.Error())
	s.WriteString("\n")
	return s.String()
}

// typeErrorf and friends keep call sites compact in the VM handlers.

func typeErrorf(format string, args ...any) *Exception {
	return newExceptionf(TypeError, format, args...)
}

func valueErrorf(format string, args ...any) *Exception {
	return newExceptionf(ValueError, format, args...)
}

func nameErrorf(format string, args ...any) *Exception {
	return newExceptionf(NameError, format, args...)
}

func attributeErrorf(format string, args ...any) *Exception {
	return newExceptionf(AttributeError, format, args...)
}

func indexErrorf(format string, args ...any) *Exception {
	return newExceptionf(IndexError, format, args...)
}

func zeroDivisionError() *Exception {
	return newException(ZeroDivisionError, "division by zero")
}
