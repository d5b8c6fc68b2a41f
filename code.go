package monty

import "encoding/binary"

// Opcodes are one byte, followed by 0-4 bytes of operand; the keyword
// call form adds one u16 name id per keyword on top.  Many have a
// narrow (u8) and a wide (u16) form; local slots 0-3 get zero-operand
// specializations.  Jump operands are 16-bit signed offsets relative to
// the byte after the operand.
//
// NOTE: changing the order of these variants will break snapshot ABI.
const (
	opInvalid byte = iota

	// stack
	opLoadConst    // u16 constant index
	opLoadSmallInt // i8 immediate
	opLoadNone
	opLoadTrue
	opLoadFalse
	opPop
	opDup
	opDup2
	opRot2
	opRot3

	// locals
	opLoadLocal0
	opLoadLocal1
	opLoadLocal2
	opLoadLocal3
	opLoadLocal   // u8 slot
	opLoadLocalW  // u16 slot
	opStoreLocal  // u8 slot
	opStoreLocalW // u16 slot
	opDeleteLocal // u8 slot

	// globals and cells
	opLoadGlobal  // u16 slot
	opStoreGlobal // u16 slot
	opLoadCell    // u16 slot
	opStoreCell   // u16 slot

	// attributes
	opLoadAttr       // u16 name id
	opStoreAttr      // u16 name id
	opLoadAttrImport // u16 name id; raises ImportError, not AttributeError
	opImportName     // u16 name id

	// subscripts
	opBinarySubscr
	opStoreSubscr
	opBuildSlice // u8 arg count (2 or 3)

	// arithmetic and comparison
	opBinaryAdd
	opBinarySub
	opBinaryMul
	opBinaryDiv
	opBinaryFloorDiv
	opBinaryMod
	opBinaryPow
	opInplaceAdd
	opCompareEq
	opCompareNe
	opCompareLt
	opCompareLe
	opCompareGt
	opCompareGe
	opCompareIs
	opCompareIsNot
	opCompareIn
	opCompareNotIn
	opCompareModEq // u16 constant index; peephole for x % k == c

	// unary
	opUnaryNot
	opUnaryNeg

	// containers
	opBuildList  // u16 count
	opBuildTuple // u16 count
	opBuildDict  // u16 pair count
	opBuildSet   // u16 count
	opListExtend
	opListToTuple
	opDictMerge // u16 function name id for error messages

	// calls
	opCallFunction   // u8 positional count
	opCallFunctionKw // u8 pos count, u8 kw count, kw*u16 name ids
	opCallFunctionEx // u8 flags (bit 0: kwargs dict present)
	opCallMethod     // u16 name id, u8 arg count

	// control flow
	opJump            // i16 offset
	opJumpIfFalse     // i16 offset
	opJumpIfTrue      // i16 offset
	opJumpIfFalseOrPop
	opJumpIfTrueOrPop
	opGetIter
	opForIter // i16 offset to loop end
	opReturnValue

	// exceptions
	opRaise
	opReraise
	opCheckExcMatch
	opClearException

	// functions
	opMakeFunction // u16 func id, u8 defaults count
	opMakeClosure  // u16 func id, u8 defaults count, u8 cell count

	// f-strings
	opFormatValue  // u8 flags (bit 0: has format spec, bits 4-5 conversion)
	opBuildFString // u16 part count

	// await an external future
	opAwait

	// dataclass type construction: u16 descriptor index, u8 defaults
	// count (defaults popped from the stack, last field first)
	opMakeDataclass

	opCount_
)

var opcodeNames = [opCount_]string{
	opInvalid:          "invalid",
	opLoadConst:        "load_const",
	opLoadSmallInt:     "load_small_int",
	opLoadNone:         "load_none",
	opLoadTrue:         "load_true",
	opLoadFalse:        "load_false",
	opPop:              "pop",
	opDup:              "dup",
	opDup2:             "dup2",
	opRot2:             "rot2",
	opRot3:             "rot3",
	opLoadLocal0:       "load_local_0",
	opLoadLocal1:       "load_local_1",
	opLoadLocal2:       "load_local_2",
	opLoadLocal3:       "load_local_3",
	opLoadLocal:        "load_local",
	opLoadLocalW:       "load_local_w",
	opStoreLocal:       "store_local",
	opStoreLocalW:      "store_local_w",
	opDeleteLocal:      "delete_local",
	opLoadGlobal:       "load_global",
	opStoreGlobal:      "store_global",
	opLoadCell:         "load_cell",
	opStoreCell:        "store_cell",
	opLoadAttr:         "load_attr",
	opStoreAttr:        "store_attr",
	opLoadAttrImport:   "load_attr_import",
	opImportName:       "import_name",
	opBinarySubscr:     "binary_subscr",
	opStoreSubscr:      "store_subscr",
	opBuildSlice:       "build_slice",
	opBinaryAdd:        "binary_add",
	opBinarySub:        "binary_sub",
	opBinaryMul:        "binary_mul",
	opBinaryDiv:        "binary_div",
	opBinaryFloorDiv:   "binary_floordiv",
	opBinaryMod:        "binary_mod",
	opBinaryPow:        "binary_pow",
	opInplaceAdd:       "inplace_add",
	opCompareEq:        "compare_eq",
	opCompareNe:        "compare_ne",
	opCompareLt:        "compare_lt",
	opCompareLe:        "compare_le",
	opCompareGt:        "compare_gt",
	opCompareGe:        "compare_ge",
	opCompareIs:        "compare_is",
	opCompareIsNot:     "compare_is_not",
	opCompareIn:        "compare_in",
	opCompareNotIn:     "compare_not_in",
	opCompareModEq:     "compare_mod_eq",
	opUnaryNot:         "unary_not",
	opUnaryNeg:         "unary_neg",
	opBuildList:        "build_list",
	opBuildTuple:       "build_tuple",
	opBuildDict:        "build_dict",
	opBuildSet:         "build_set",
	opListExtend:       "list_extend",
	opListToTuple:      "list_to_tuple",
	opDictMerge:        "dict_merge",
	opCallFunction:     "call_function",
	opCallFunctionKw:   "call_function_kw",
	opCallFunctionEx:   "call_function_ex",
	opCallMethod:       "call_method",
	opJump:             "jump",
	opJumpIfFalse:      "jump_if_false",
	opJumpIfTrue:       "jump_if_true",
	opJumpIfFalseOrPop: "jump_if_false_or_pop",
	opJumpIfTrueOrPop:  "jump_if_true_or_pop",
	opGetIter:          "get_iter",
	opForIter:          "for_iter",
	opReturnValue:      "return_value",
	opRaise:            "raise",
	opReraise:          "reraise",
	opCheckExcMatch:    "check_exc_match",
	opClearException:   "clear_exception",
	opMakeFunction:     "make_function",
	opMakeClosure:      "make_closure",
	opFormatValue:      "format_value",
	opBuildFString:     "build_fstring",
	opAwait:            "await",
	opMakeDataclass:    "make_dataclass",
}

// dataclassDescriptor is the compile-time shape of a dataclass type;
// MakeDataclass instantiates the runtime type object from it.
type dataclassDescriptor struct {
	name    string
	fields  []StringId
	frozen  bool
}

// LocationEntry maps a bytecode offset to the source range (and the
// narrower focus range used for caret underlines) of the instruction
// emitted there.
type LocationEntry struct {
	Offset uint32
	Range  CodeRange
	Focus  CodeRange
}

// ExceptionEntry is one row of the per-Code exception table: a
// protected [Start,End) pc range, the handler pc, and the operand stack
// depth to unwind to before the exception value is pushed.  Entries are
// ordered innermost-first.
type ExceptionEntry struct {
	Start   uint32
	End     uint32
	Handler uint32
	Depth   uint16
}

func (e ExceptionEntry) contains(pc uint32) bool {
	return pc >= e.Start && pc < e.End
}

// Code is a compiled function or module: bytecode, constant pool,
// location table, exception table and slot metadata.
type Code struct {
	Name       StringId
	Bytecode   []byte
	Consts     []Value
	Locations  []LocationEntry
	ExcTable   []ExceptionEntry
	NumLocals  uint16
	StackSize  uint16
	LocalNames []StringId
}

// LocationFor finds the last location entry at or before offset.
func (c *Code) LocationFor(offset uint32) (LocationEntry, bool) {
	for i := len(c.Locations) - 1; i >= 0; i-- {
		if c.Locations[i].Offset <= offset {
			return c.Locations[i], true
		}
	}
	return LocationEntry{}, false
}

// FindHandler returns the first (innermost) exception-table entry
// covering pc.
func (c *Code) FindHandler(pc uint32) (ExceptionEntry, bool) {
	for _, e := range c.ExcTable {
		if e.contains(pc) {
			return e, true
		}
	}
	return ExceptionEntry{}, false
}

// LocalName returns the variable name for a slot, for NameError
// messages.
func (c *Code) LocalName(slot uint16) (StringId, bool) {
	if int(slot) < len(c.LocalNames) && c.LocalNames[slot] != 0 {
		return c.LocalNames[slot], true
	}
	return 0, false
}

// paramKind classifies one parameter of a function signature.
type paramKind uint8

const (
	paramPosOrKw paramKind = iota
	paramPosOnly
	paramKwOnly
	paramVarArgs // *args
	paramKwArgs  // **kwargs
)

type param struct {
	name       StringId
	slot       uint16
	kind       paramKind
	hasDefault bool
}

// functionInfo describes one compiled guest function: its signature,
// its Code, and the cell layout the VM applies at call entry.
type functionInfo struct {
	name   StringId
	params []param
	code   *Code

	// ownCells are local slots that receive a freshly allocated
	// cell at call entry (variables captured by inner functions).
	ownCells []uint16

	// freeCells are local slots filled from the closure's captured
	// cells, in capture order.
	freeCells []uint16
}

// numDefaults counts parameters carrying a default value.
func (f *functionInfo) numDefaults() int {
	n := 0
	for _, p := range f.params {
		if p.hasDefault {
			n++
		}
	}
	return n
}

var (
	decodeU16 = binary.LittleEndian.Uint16
	writeU16  = binary.LittleEndian.PutUint16
	encodeU16 = binary.LittleEndian.AppendUint16
)

func decodeI16(b []byte) int16 {
	return int16(decodeU16(b))
}
