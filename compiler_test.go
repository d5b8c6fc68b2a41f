package monty

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileTest(t *testing.T, src string) *program {
	t.Helper()
	prog, exc := compileSource(src, "test.py", nil, nil, nil, nil, nil)
	require.Nil(t, exc, "compile: %v", excMsg(exc))
	return prog
}

func TestCompileDeterminism(t *testing.T) {
	src := "def f(a, b=1):\n    return a + b\nx = {'k': [1, 2.5, 'three']}\nf(1) if x else f(2)\n"
	first := compileTest(t, src)
	second := compileTest(t, src)
	assert.Equal(t, first.moduleCode.Bytecode, second.moduleCode.Bytecode)
	assert.Equal(t, len(first.moduleCode.Consts), len(second.moduleCode.Consts))
	require.Equal(t, len(first.functions), len(second.functions))
	for i := range first.functions {
		assert.Equal(t, first.functions[i].code.Bytecode, second.functions[i].code.Bytecode)
	}
}

func TestCompareModEqPeephole(t *testing.T) {
	prog := compileTest(t, "x = 7\nx % 13 == 0\n")
	dis := Disassemble(prog.moduleCode, prog.interns)
	assert.Contains(t, dis, "compare_mod_eq")
	assert.NotContains(t, dis, "binary_mod")

	// the general comparison path survives for non-literal moduli
	prog = compileTest(t, "x = 7\nk = 13\nx % k == 0\n")
	dis = Disassemble(prog.moduleCode, prog.interns)
	assert.Contains(t, dis, "binary_mod")
}

func TestLocalSlotForms(t *testing.T) {
	// 300 locals force the wide store form past slot 255
	var b strings.Builder
	b.WriteString("def f():\n")
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&b, "    v%d = %d\n", i, i)
	}
	b.WriteString("    return v0 + v299\n")
	prog := compileTest(t, b.String())
	require.Len(t, prog.functions, 1)
	dis := Disassemble(prog.functions[0].code, prog.interns)
	assert.Contains(t, dis, "store_local_w")
	assert.Contains(t, dis, "load_local_0")
	assert.Equal(t, uint16(300), prog.functions[0].code.NumLocals)
}

func TestArgumentCountLimits(t *testing.T) {
	call := func(n int) string {
		args := make([]string, n)
		for i := range args {
			args[i] = "1"
		}
		return "print(" + strings.Join(args, ", ") + ")\n"
	}

	t.Run("255 args compile", func(t *testing.T) {
		compileTest(t, call(255))
	})

	t.Run("256 args are a SyntaxError", func(t *testing.T) {
		_, exc := compileSource(call(256), "test.py", nil, nil, nil, nil, nil)
		require.NotNil(t, exc)
		assert.Equal(t, SyntaxError, exc.Type)
	})
}

func TestJumpDistanceLimit(t *testing.T) {
	// an if body much larger than the i16 jump range
	var b strings.Builder
	b.WriteString("if x:\n")
	for i := 0; i < 9000; i++ {
		b.WriteString("    y = 123456\n")
	}
	b.WriteString("x = 1\n")
	_, exc := compileSource("x = 0\n"+b.String(), "test.py", nil, nil, nil, nil, nil)
	require.NotNil(t, exc)
	assert.Equal(t, SyntaxError, exc.Type)
}

func TestLocationCoverage(t *testing.T) {
	// every offset that can raise has a covering location entry
	prog := compileTest(t, "a = 1\nb = a + 2\nc = b / a\nprint(c)\n")
	code := prog.moduleCode
	pc := 0
	for pc < len(code.Bytecode) {
		_, ok := code.LocationFor(uint32(pc))
		assert.True(t, ok, "no location for offset %d", pc)
		pc += instructionSize(code.Bytecode, pc)
	}
}

func TestExceptionTableConstruction(t *testing.T) {
	prog := compileTest(t, "try:\n    x = 1\nexcept ValueError:\n    x = 2\nfinally:\n    x = 3\n")
	code := prog.moduleCode
	require.GreaterOrEqual(t, len(code.ExcTable), 2)
	// entry one covers the try body, entry two the handler dispatch
	tryEntry := code.ExcTable[0]
	dispatchEntry := code.ExcTable[1]
	assert.Less(t, tryEntry.Start, tryEntry.End)
	assert.Equal(t, tryEntry.Handler, dispatchEntry.Start)
	assert.Less(t, dispatchEntry.Start, dispatchEntry.End)
}

func TestSyntaxErrors(t *testing.T) {
	cases := []string{
		"def f(:\n    pass",
		"x = = 1",
		"if x\n    pass",
		"lambda x: x",
		"for in range(3):\n    pass",
		"x = 'unterminated",
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			_, exc := compileSource(src, "test.py", nil, nil, nil, nil, nil)
			require.NotNil(t, exc)
			assert.Equal(t, SyntaxError, exc.Type)
		})
	}
}

func TestDisassemblerRoundTrip(t *testing.T) {
	listing, exc := DisassembleSource("def f(x):\n    return x + 1\nf(1)\n", "test.py")
	require.Nil(t, exc)
	assert.Contains(t, listing, "make_function")
	assert.Contains(t, listing, "call_function")
	assert.Contains(t, listing, "return_value")
	assert.Contains(t, listing, ";; f0 f")
}
