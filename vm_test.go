package monty

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRun(t *testing.T, src string) Object {
	t.Helper()
	runner, exc := NewRun(src, "test.py", nil, nil)
	require.Nil(t, exc, "compile: %v", excMsg(exc))
	out, exc := runner.Run(nil, nil, nil)
	require.Nil(t, exc, "run: %v", excMsg(exc))
	return out
}

func runErr(t *testing.T, src string) *Exception {
	t.Helper()
	runner, exc := NewRun(src, "test.py", nil, nil)
	if exc != nil {
		return exc
	}
	_, exc = runner.Run(nil, nil, nil)
	require.NotNil(t, exc, "expected an exception")
	return exc
}

func excMsg(exc *Exception) string {
	if exc == nil {
		return ""
	}
	return exc.Error()
}

func TestEndToEndScenarios(t *testing.T) {
	t.Run("loop with modulus accumulates", func(t *testing.T) {
		out := mustRun(t, "v = ''\nfor i in range(100):\n    if i % 13 == 0:\n        v += 'x'\nlen(v)")
		assert.Equal(t, ObjInt(8), out)
	})

	t.Run("caught division by zero", func(t *testing.T) {
		out := mustRun(t, "try:\n  1/0\nexcept ZeroDivisionError as e:\n  str(e)")
		assert.Equal(t, ObjStr("division by zero"), out)
	})

	t.Run("keyword-only default", func(t *testing.T) {
		out := mustRun(t, "def f(x, *, y=2):\n  return x + y\nf(40)")
		assert.Equal(t, ObjInt(42), out)
	})

	t.Run("setdefault keeps existing entries", func(t *testing.T) {
		out := mustRun(t, "d = {'a': 1}; d.setdefault('a', 99); d.setdefault('b', 2); d")
		assert.Equal(t, "{'a': 1, 'b': 2}", out.Repr())
	})
}

func TestArithmetic(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"1 + 2", "3"},
		{"7 // 2", "3"},
		{"-7 // 2", "-4"},
		{"7 % -2", "-1"},
		{"-7 % 2", "1"},
		{"2 ** 10", "1024"},
		{"2 ** -1", "0.5"},
		{"10 / 4", "2.5"},
		{"1.5 + 1", "2.5"},
		{"2 ** 100", "1267650600228229401496703205376"},
		{"-(-9223372036854775807 - 1)", "9223372036854775808"},
		{"9223372036854775807 + 1", "9223372036854775808"},
		{"True + True", "2"},
		{"'ab' + 'cd'", "'abcd'"},
		{"'ab' * 3", "'ababab'"},
		{"[1, 2] + [3]", "[1, 2, 3]"},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			assert.Equal(t, tc.want, mustRun(t, tc.src).Repr())
		})
	}
}

func TestComparisons(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"1 < 2", "True"},
		{"1 < 2 <= 2", "True"},
		{"1 < 2 < 2", "False"},
		{"3 == 3.0", "True"},
		{"True == 1", "True"},
		{"'a' < 'b'", "True"},
		{"[1, 2] < [1, 3]", "True"},
		{"(1, 2) == (1, 2)", "True"},
		{"1 is 1", "True"},
		{"None is None", "True"},
		{"2 in [1, 2, 3]", "True"},
		{"'x' in 'axb'", "True"},
		{"4 not in {1: 'a'}", "True"},
		{"'a' in {'a': 1}", "True"},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			assert.Equal(t, tc.want, mustRun(t, tc.src).Repr())
		})
	}
}

func TestControlFlow(t *testing.T) {
	t.Run("while with else", func(t *testing.T) {
		out := mustRun(t, "n = 0\nwhile n < 5:\n    n += 1\nelse:\n    n = n * 10\nn")
		assert.Equal(t, ObjInt(50), out)
	})

	t.Run("break skips else", func(t *testing.T) {
		out := mustRun(t, "r = 0\nfor i in range(10):\n    if i == 3:\n        break\n    r += i\nelse:\n    r = -1\nr")
		assert.Equal(t, ObjInt(3), out)
	})

	t.Run("continue", func(t *testing.T) {
		out := mustRun(t, "r = 0\nfor i in range(6):\n    if i % 2 == 0:\n        continue\n    r += i\nr")
		assert.Equal(t, ObjInt(9), out)
	})

	t.Run("ternary", func(t *testing.T) {
		assert.Equal(t, ObjStr("yes"), mustRun(t, "'yes' if 1 < 2 else 'no'"))
	})

	t.Run("short circuit and", func(t *testing.T) {
		out := mustRun(t, "x = 0\nFalse and 1 / x\nTrue or 1 / x\n'ok'")
		assert.Equal(t, ObjStr("ok"), out)
	})

	t.Run("tuple unpacking in for", func(t *testing.T) {
		out := mustRun(t, "total = 0\nfor k, v in {'a': 1, 'b': 2}.items():\n    total += v\ntotal")
		assert.Equal(t, ObjInt(3), out)
	})
}

func TestFunctions(t *testing.T) {
	t.Run("defaults and overrides", func(t *testing.T) {
		out := mustRun(t, "def f(a, b=10, c=100):\n    return a + b + c\nf(1) + f(1, 2) + f(1, 2, 3)")
		assert.Equal(t, ObjInt(111+103+6), out)
	})

	t.Run("star args", func(t *testing.T) {
		out := mustRun(t, "def f(*args):\n    return len(args)\nf(1, 2, 3)")
		assert.Equal(t, ObjInt(3), out)
	})

	t.Run("kwargs collection", func(t *testing.T) {
		out := mustRun(t, "def f(**kw):\n    return kw['a'] + kw['b']\nf(a=1, b=2)")
		assert.Equal(t, ObjInt(3), out)
	})

	t.Run("argument unpacking at the call site", func(t *testing.T) {
		out := mustRun(t, "def f(a, b, c):\n    return a * 100 + b * 10 + c\nargs = [1, 2]\nf(*args, 3)")
		assert.Equal(t, ObjInt(123), out)
	})

	t.Run("recursion", func(t *testing.T) {
		out := mustRun(t, "def fib(n):\n    if n < 2:\n        return n\n    return fib(n - 1) + fib(n - 2)\nfib(10)")
		assert.Equal(t, ObjInt(55), out)
	})

	t.Run("closure captures by cell", func(t *testing.T) {
		out := mustRun(t, "def counter():\n    n = 0\n    def bump():\n        return n\n    n = 41\n    return bump() + 1\ncounter()")
		assert.Equal(t, ObjInt(42), out)
	})

	t.Run("closure over parameter", func(t *testing.T) {
		out := mustRun(t, "def adder(n):\n    def add(x):\n        return x + n\n    return add\nadd5 = adder(5)\nadd5(37)")
		assert.Equal(t, ObjInt(42), out)
	})

	t.Run("positional only marker", func(t *testing.T) {
		exc := runErr(t, "def f(a, /, b):\n    return a + b\nf(a=1, b=2)")
		assert.Equal(t, TypeError, exc.Type)
	})
}

func TestExceptions(t *testing.T) {
	t.Run("uncaught carries type and message", func(t *testing.T) {
		exc := runErr(t, "1 / 0")
		assert.Equal(t, ZeroDivisionError, exc.Type)
		assert.Equal(t, "division by zero", exc.Message)
	})

	t.Run("no matching handler propagates", func(t *testing.T) {
		exc := runErr(t, "try:\n    1 / 0\nexcept KeyError:\n    pass")
		assert.Equal(t, ZeroDivisionError, exc.Type)
	})

	t.Run("handler chain picks first match", func(t *testing.T) {
		out := mustRun(t, "try:\n    [][5]\nexcept KeyError:\n    r = 'key'\nexcept IndexError:\n    r = 'index'\nr")
		assert.Equal(t, ObjStr("index"), out)
	})

	t.Run("LookupError catches subclasses", func(t *testing.T) {
		out := mustRun(t, "try:\n    {}['nope']\nexcept LookupError:\n    r = 'caught'\nr")
		assert.Equal(t, ObjStr("caught"), out)
	})

	t.Run("finally runs on the exception path", func(t *testing.T) {
		out := mustRun(t, "log = []\ntry:\n    try:\n        1 / 0\n    finally:\n        log.append('fin')\nexcept ZeroDivisionError:\n    log.append('caught')\nlog")
		assert.Equal(t, "['fin', 'caught']", out.Repr())
	})

	t.Run("return through finally preserves the value", func(t *testing.T) {
		out := mustRun(t, "log = []\ndef f():\n    try:\n        return 42\n    finally:\n        log.append('fin')\nr = f()\nlog.append(r)\nlog")
		assert.Equal(t, "['fin', 42]", out.Repr())
	})

	t.Run("else runs only without exception", func(t *testing.T) {
		out := mustRun(t, "r = []\ntry:\n    r.append(1)\nexcept Exception:\n    r.append(2)\nelse:\n    r.append(3)\nfinally:\n    r.append(4)\nr")
		assert.Equal(t, "[1, 3, 4]", out.Repr())
	})

	t.Run("raise with explicit instance", func(t *testing.T) {
		exc := runErr(t, "raise ValueError('bad input')")
		assert.Equal(t, ValueError, exc.Type)
		assert.Equal(t, "bad input", exc.Message)
	})

	t.Run("bare raise reraises inside a handler", func(t *testing.T) {
		exc := runErr(t, "try:\n    raise ValueError('x')\nexcept ValueError:\n    raise")
		assert.Equal(t, ValueError, exc.Type)
	})

	t.Run("assert failures", func(t *testing.T) {
		exc := runErr(t, "assert 1 == 2, 'numbers diverge'")
		assert.Equal(t, AssertionError, exc.Type)
		assert.Equal(t, "numbers diverge", exc.Message)
	})

	t.Run("exception args attribute", func(t *testing.T) {
		out := mustRun(t, "try:\n    raise ValueError('boom')\nexcept ValueError as e:\n    r = e.args\nr")
		assert.Equal(t, "('boom',)", out.Repr())
	})
}

func TestTracebacks(t *testing.T) {
	exc := runErr(t, "def inner():\n    return 1 / 0\ndef outer():\n    return inner()\nouter()")
	require.Equal(t, ZeroDivisionError, exc.Type)
	tb := exc.Traceback()
	assert.True(t, strings.HasPrefix(tb, "Traceback (most recent call last):\n"))
	// outermost first
	outerIdx := strings.Index(tb, "in outer")
	innerIdx := strings.Index(tb, "in inner")
	moduleIdx := strings.Index(tb, "in <module>")
	require.True(t, moduleIdx >= 0 && outerIdx >= 0 && innerIdx >= 0, "traceback:\n%s", tb)
	assert.Less(t, moduleIdx, outerIdx)
	assert.Less(t, outerIdx, innerIdx)
	assert.Contains(t, tb, `File "test.py", line 2, in inner`)
	assert.True(t, strings.HasSuffix(tb, "ZeroDivisionError: division by zero\n"))
}

func TestContainers(t *testing.T) {
	t.Run("empty braces make a dict", func(t *testing.T) {
		assert.Equal(t, "{}", mustRun(t, "x = {}\nx").Repr())
		assert.Equal(t, "set()", mustRun(t, "set()").Repr())
	})

	t.Run("set literal", func(t *testing.T) {
		out := mustRun(t, "s = {1, 2, 2, 3}\nlen(s)")
		assert.Equal(t, ObjInt(3), out)
	})

	t.Run("dict preserves insertion order", func(t *testing.T) {
		out := mustRun(t, "d = {}\nd['z'] = 1\nd['a'] = 2\nd['m'] = 3\nlist(d.keys())")
		assert.Equal(t, "['z', 'a', 'm']", out.Repr())
	})

	t.Run("popitem returns the last entry", func(t *testing.T) {
		out := mustRun(t, "d = {'a': 1, 'b': 2}\nd.popitem()")
		assert.Equal(t, "('b', 2)", out.Repr())
	})

	t.Run("fromkeys as class and instance method", func(t *testing.T) {
		out := mustRun(t, "a = dict.fromkeys(['x', 'y'], 0)\nb = {}.fromkeys(['x', 'y'], 0)\na == b")
		assert.Equal(t, "True", out.Repr())
	})

	t.Run("unhashable key rejected", func(t *testing.T) {
		exc := runErr(t, "{[1]: 2}")
		assert.Equal(t, TypeError, exc.Type)
	})

	t.Run("list methods", func(t *testing.T) {
		out := mustRun(t, "l = [3, 1]\nl.append(2)\nl.sort()\nl.reverse()\nl")
		assert.Equal(t, "[3, 2, 1]", out.Repr())
	})

	t.Run("slicing", func(t *testing.T) {
		assert.Equal(t, "'ell'", mustRun(t, "'hello'[1:4]").Repr())
		assert.Equal(t, "[2, 3]", mustRun(t, "[1, 2, 3, 4][1:3]").Repr())
		assert.Equal(t, "'olleh'", mustRun(t, "'hello'[::-1]").Repr())
		assert.Equal(t, "[4, 3, 2, 1]", mustRun(t, "[1, 2, 3, 4][::-1]").Repr())
	})

	t.Run("negative indexing", func(t *testing.T) {
		assert.Equal(t, "4", mustRun(t, "[1, 2, 3, 4][-1]").Repr())
	})

	t.Run("idempotent conversions", func(t *testing.T) {
		assert.Equal(t, "True", mustRun(t, "x = [1, 2]\nlist(list(x)) == list(x)").Repr())
		assert.Equal(t, "True", mustRun(t, "x = {'a': 1}\ndict(dict(x)) == dict(x)").Repr())
		assert.Equal(t, "True", mustRun(t, "x = (1, 2)\ntuple(tuple(x)) == tuple(x)").Repr())
	})

	t.Run("set operations", func(t *testing.T) {
		assert.Equal(t, "3", mustRun(t, "len({1, 2}.union({2, 3}))").Repr())
		assert.Equal(t, "True", mustRun(t, "{1}.issubset({1, 2})").Repr())
	})
}

func TestReprRules(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"repr('plain')", "\"'plain'\""},
		{"repr(\"it's\")", "'\"it\\'s\"'"},
		{"repr(1.0)", "'1.0'"},
		{"repr(0.5)", "'0.5'"},
		{"repr(True)", "'True'"},
		{"repr(None)", "'None'"},
		{"repr(b'ab\\x00')", "\"b'ab\\\\x00'\""},
		{"repr((1,))", "'(1,)'"},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			assert.Equal(t, tc.want, mustRun(t, tc.src).Repr())
		})
	}

	t.Run("self-referential list", func(t *testing.T) {
		out := mustRun(t, "l = [1]\nl.append(l)\nrepr(l)")
		assert.Equal(t, ObjStr("[1, [...]]"), out)
	})

	t.Run("self-referential dict", func(t *testing.T) {
		out := mustRun(t, "d = {}\nd['me'] = d\nrepr(d)")
		assert.Equal(t, ObjStr("{'me': {...}}"), out)
	})

	t.Run("int repr equals str", func(t *testing.T) {
		out := mustRun(t, "repr(123) == str(123)")
		assert.Equal(t, "True", out.Repr())
	})
}

func TestStringMethods(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"'Hello'.upper()", "'HELLO'"},
		{"'Hello'.lower()", "'hello'"},
		{"' x '.strip()", "'x'"},
		{"'a,b,c'.split(',')", "['a', 'b', 'c']"},
		{"'-'.join(['a', 'b'])", "'a-b'"},
		{"'hello'.startswith('he')", "True"},
		{"'hello'.endswith('lo')", "True"},
		{"'hello'.replace('l', 'L')", "'heLLo'"},
		{"'hello'.find('ll')", "2"},
		{"'hello'.count('l')", "2"},
		{"'42'.zfill(5)", "'00042'"},
		{"'abc'.isalpha()", "True"},
		{"'123'.isdigit()", "True"},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			assert.Equal(t, tc.want, mustRun(t, tc.src).Repr())
		})
	}
}

func TestFStrings(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"x = 41\nf'answer {x + 1}'", "'answer 42'"},
		{"f'{3.14159:.2f}'", "'3.14'"},
		{"f'{42:6}'", "'    42'"},
		{"f'{\"hi\"!r}'", "\"'hi'\""},
		{"f'{{literal}}'", "'{literal}'"},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			assert.Equal(t, tc.want, mustRun(t, tc.src).Repr())
		})
	}
}

func TestDataclasses(t *testing.T) {
	src := `from dataclasses import dataclass

@dataclass
class Point:
    x: int
    y: int = 0
`
	t.Run("construction and field access", func(t *testing.T) {
		out := mustRun(t, src+"p = Point(3)\np.x + p.y")
		assert.Equal(t, ObjInt(3), out)
	})

	t.Run("repr", func(t *testing.T) {
		out := mustRun(t, src+"repr(Point(1, 2))")
		assert.Equal(t, ObjStr("Point(x=1, y=2)"), out)
	})

	t.Run("mutable instances accept writes and refuse hashing", func(t *testing.T) {
		out := mustRun(t, src+"p = Point(1)\np.x = 9\np.x")
		assert.Equal(t, ObjInt(9), out)
		exc := runErr(t, src+"{Point(1): 'v'}")
		assert.Equal(t, TypeError, exc.Type)
	})

	t.Run("frozen instances reject writes and hash", func(t *testing.T) {
		frozen := `from dataclasses import dataclass

@dataclass(frozen=True)
class P:
    x: int
`
		exc := runErr(t, frozen+"p = P(1)\np.x = 2")
		assert.Equal(t, FrozenInstanceError, exc.Type)
		out := mustRun(t, frozen+"d = {P(1): 'v'}\nd[P(1)]")
		assert.Equal(t, ObjStr("v"), out)
	})

	t.Run("structural equality", func(t *testing.T) {
		out := mustRun(t, src+"Point(1, 2) == Point(1, 2)")
		assert.Equal(t, "True", out.Repr())
	})

	t.Run("dataclass truthiness is always true", func(t *testing.T) {
		out := mustRun(t, src+"bool(Point(0, 0))")
		assert.Equal(t, "True", out.Repr())
	})
}

func TestSysModule(t *testing.T) {
	t.Run("version_info equals a plain tuple", func(t *testing.T) {
		out := mustRun(t, "import sys\nsys.version_info == (3, 14, 0, 'final', 0)")
		assert.Equal(t, "True", out.Repr())
	})

	t.Run("field access by name", func(t *testing.T) {
		out := mustRun(t, "import sys\nsys.version_info.major")
		assert.Equal(t, ObjInt(3), out)
	})

	t.Run("from import", func(t *testing.T) {
		out := mustRun(t, "from sys import version_info\nversion_info.minor")
		assert.Equal(t, ObjInt(14), out)
	})

	t.Run("missing attribute from import raises ImportError", func(t *testing.T) {
		exc := runErr(t, "from sys import nonsense")
		assert.Equal(t, ImportError, exc.Type)
	})
}

func TestBuiltins(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"min(3, 1, 2)", "1"},
		{"max([3, 1, 2])", "3"},
		{"sum([1, 2, 3])", "6"},
		{"sorted([3, 1, 2])", "[1, 2, 3]"},
		{"abs(-5)", "5"},
		{"len('héllo')", "5"},
		{"int('42')", "42"},
		{"float('2.5')", "2.5"},
		{"bool([])", "False"},
		{"ord('A')", "65"},
		{"chr(66)", "'B'"},
		{"list(range(4))", "[0, 1, 2, 3]"},
		{"list(range(2, 8, 2))", "[2, 4, 6]"},
		{"isinstance(1, int)", "True"},
		{"isinstance(True, int)", "True"},
		{"isinstance('x', (int, str))", "True"},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			assert.Equal(t, tc.want, mustRun(t, tc.src).Repr())
		})
	}
}

func TestPrintWriter(t *testing.T) {
	var sb strings.Builder
	runner, exc := NewRun("print('a', 1)\nprint('b')", "test.py", nil, nil)
	require.Nil(t, exc)
	_, exc = runner.Run(nil, nil, writerFunc(func(stream StreamKind, text string) {
		require.Equal(t, StreamStdout, stream)
		sb.WriteString(text)
	}))
	require.Nil(t, exc)
	assert.Equal(t, "a 1\nb\n", sb.String())
}

type writerFunc func(StreamKind, string)

func (f writerFunc) Write(s StreamKind, text string) { f(s, text) }

func TestInputs(t *testing.T) {
	runner, exc := NewRun("a + b", "test.py", []string{"a", "b"}, nil)
	require.Nil(t, exc)
	out, exc := runner.Run([]Object{ObjInt(40), ObjInt(2)}, nil, nil)
	require.Nil(t, exc)
	assert.Equal(t, ObjInt(42), out)
}
