package monty

import (
	"fmt"
	"strings"
)

// Disassemble renders a human-readable listing of a Code object:
// offsets, opcode names, operands, and resolved jump targets.
func Disassemble(code *Code, interns *Interns) string {
	var s strings.Builder
	bc := code.Bytecode
	pc := 0
	for pc < len(bc) {
		op := bc[pc]
		fmt.Fprintf(&s, "%06d  %-22s", pc, opcodeNames[op])
		size := 1
		switch op {
		case opLoadConst, opCompareModEq:
			idx := decodeU16(bc[pc+1:])
			fmt.Fprintf(&s, " %d", idx)
			if int(idx) < len(code.Consts) {
				fmt.Fprintf(&s, " ; const")
			}
			size = 3
		case opLoadSmallInt:
			fmt.Fprintf(&s, " %d", int8(bc[pc+1]))
			size = 2
		case opLoadLocal, opStoreLocal, opDeleteLocal, opCallFunction,
			opCallFunctionEx, opFormatValue, opBuildSlice:
			fmt.Fprintf(&s, " %d", bc[pc+1])
			size = 2
		case opLoadLocalW, opStoreLocalW, opLoadGlobal, opStoreGlobal,
			opLoadCell, opStoreCell, opBuildList, opBuildTuple,
			opBuildDict, opBuildSet, opBuildFString:
			fmt.Fprintf(&s, " %d", decodeU16(bc[pc+1:]))
			size = 3
		case opLoadAttr, opStoreAttr, opLoadAttrImport, opImportName, opDictMerge:
			id := StringId(decodeU16(bc[pc+1:]))
			fmt.Fprintf(&s, " %s", interns.GetString(id))
			size = 3
		case opJump, opJumpIfFalse, opJumpIfTrue, opJumpIfFalseOrPop,
			opJumpIfTrueOrPop, opForIter:
			off := decodeI16(bc[pc+1:])
			fmt.Fprintf(&s, " -> %d", pc+3+int(off))
			size = 3
		case opCallMethod:
			id := StringId(decodeU16(bc[pc+1:]))
			fmt.Fprintf(&s, " %s %d", interns.GetString(id), bc[pc+3])
			size = 4
		case opCallFunctionKw:
			posc, kwc := bc[pc+1], bc[pc+2]
			fmt.Fprintf(&s, " %d %d", posc, kwc)
			size = 3
			for i := 0; i < int(kwc); i++ {
				id := StringId(decodeU16(bc[pc+size:]))
				fmt.Fprintf(&s, " %s", interns.GetString(id))
				size += 2
			}
		case opMakeFunction:
			fmt.Fprintf(&s, " f%d defaults=%d", decodeU16(bc[pc+1:]), bc[pc+3])
			size = 4
		case opMakeDataclass:
			fmt.Fprintf(&s, " d%d defaults=%d", decodeU16(bc[pc+1:]), bc[pc+3])
			size = 4
		case opMakeClosure:
			fmt.Fprintf(&s, " f%d defaults=%d cells=%d", decodeU16(bc[pc+1:]), bc[pc+3], bc[pc+4])
			size = 5
		}
		s.WriteString("\n")
		pc += size
	}
	return s.String()
}

// DisassembleSource compiles and lists a whole module: the module body
// first, then every function in table order.
func DisassembleSource(source, filename string) (string, *Exception) {
	prog, exc := compileSource(source, filename, nil, nil, nil, nil, nil)
	if exc != nil {
		return "", exc
	}
	var s strings.Builder
	fmt.Fprintf(&s, ";; %s\n", filename)
	s.WriteString(Disassemble(prog.moduleCode, prog.interns))
	for i, fn := range prog.functions {
		fmt.Fprintf(&s, "\n;; f%d %s\n", i, prog.interns.GetString(fn.name))
		s.WriteString(Disassemble(fn.code, prog.interns))
	}
	return s.String(), nil
}

// instructionSize returns the byte width of the instruction at pc;
// the compiler and code-builder tests use it to walk instruction
// boundaries.
func instructionSize(bc []byte, pc int) int {
	switch bc[pc] {
	case opLoadConst, opCompareModEq, opLoadLocalW, opStoreLocalW,
		opLoadGlobal, opStoreGlobal, opLoadCell, opStoreCell,
		opLoadAttr, opStoreAttr, opLoadAttrImport, opImportName,
		opDictMerge, opBuildList, opBuildTuple, opBuildDict,
		opBuildSet, opBuildFString, opJump, opJumpIfFalse,
		opJumpIfTrue, opJumpIfFalseOrPop, opJumpIfTrueOrPop, opForIter:
		return 3
	case opLoadSmallInt, opLoadLocal, opStoreLocal, opDeleteLocal,
		opCallFunction, opCallFunctionEx, opFormatValue, opBuildSlice:
		return 2
	case opCallMethod, opMakeFunction, opMakeDataclass:
		return 4
	case opMakeClosure:
		return 5
	case opCallFunctionKw:
		return 3 + 2*int(bc[pc+2])
	default:
		return 1
	}
}
