package monty

import (
	"fmt"
	"math/big"
)

// StringId is an index into the string interner's storage.
//
// Uses u32 to save space. IDs are laid out in three disjoint ranges:
//   - 0..128            single character strings for all 128 ASCII characters
//   - 1000..1000+count  the closed staticString enum below
//   - 10000+            strings interned per session
type StringId uint32

const (
	staticStringIdOffset = 1000
	internStringIdOffset = 10000
)

// StringIdFromAscii returns the StringId for a single ASCII byte.
func StringIdFromAscii(b byte) StringId {
	return StringId(b)
}

func (id StringId) index() int { return int(id) }

// BytesId is an index into the bytes interner's storage.  Separate from
// StringId to distinguish string vs bytes literals at the type level.
type BytesId uint32

func (id BytesId) index() int { return int(id) }

// LongIntId is an index into the long integer interner's storage, used
// for integer literals that exceed the i64 range.
type LongIntId uint32

func (id LongIntId) index() int { return int(id) }

// FunctionId identifies a compiled guest function in the function table.
type FunctionId uint32

func (id FunctionId) index() int { return int(id) }

// ExtFunctionId identifies a host-registered external function.
type ExtFunctionId uint32

func (id ExtFunctionId) index() int { return int(id) }

// CallId identifies one suspension point (external call or OS call)
// within a run, so future results can be routed back to the right site.
type CallId uint32

// staticString is the closed enum of identifiers known at compile time.
// They get stable StringIds without going through the dynamic table, so
// bytecode can reference them directly.
//
// NOTE: changing the order of these variants will break snapshot ABI.
type staticString uint16

const (
	ssEmptyString staticString = iota
	ssModule

	// list methods (shares ssPop, ssClear, ssCopy, ssRemove)
	ssAppend
	ssInsert
	ssExtend
	ssReverse
	ssSort

	// dict methods (shares ssPop, ssClear, ssCopy, ssUpdate)
	ssGet
	ssKeys
	ssValues
	ssItems
	ssSetdefault
	ssPopitem
	ssFromkeys

	// shared container methods
	ssPop
	ssClear
	ssCopy
	ssRemove

	// set methods
	ssAdd
	ssDiscard
	ssUpdate
	ssUnion
	ssIntersection
	ssDifference
	ssSymmetricDifference
	ssIssubset
	ssIssuperset
	ssIsdisjoint

	// string methods (some shared with bytes/list/tuple)
	ssJoin
	ssLower
	ssUpper
	ssCapitalize
	ssTitle
	ssSwapcase
	ssCasefold
	ssIsalpha
	ssIsdigit
	ssIsalnum
	ssIsnumeric
	ssIsspace
	ssIslower
	ssIsupper
	ssIsascii
	ssFind
	ssRfind
	ssIndex
	ssRindex
	ssCount
	ssStartswith
	ssEndswith
	ssStrip
	ssLstrip
	ssRstrip
	ssRemoveprefix
	ssRemovesuffix
	ssSplit
	ssRsplit
	ssSplitlines
	ssPartition
	ssRpartition
	ssReplace
	ssZfill
	ssEncode
	ssIsidentifier

	// bytes methods
	ssDecode
	ssHex
	ssFromhex

	// sys module
	ssSys
	ssVersion
	ssVersionInfo
	ssPlatform
	ssMajor
	ssMinor
	ssMicro
	ssReleaselevel
	ssSerial
	ssFinal
	ssMontyVersionString
	ssMonty

	// os module
	ssOs
	ssGetenv
	ssEnviron
	ssDefault

	// typing module
	ssTyping
	ssTypeChecking
	ssAny

	// asyncio module
	ssAsyncio
	ssGather

	// dataclasses module
	ssDataclasses
	ssDataclass
	ssField

	// exception attributes
	ssArgs
	ssDunderName

	// path-flavored os operations
	ssExists
	ssIsFile
	ssIsDir
	ssReadText
	ssReadBytes
	ssWriteText
	ssWriteBytes
	ssMkdir
	ssRmdir
	ssUnlink
	ssRename
	ssIterdir
	ssStat
	ssResolve
	ssAbsolute

	ssCount_ // must be last
)

// staticStringNames is indexed by staticString.  The identifiers below
// are guest-visible names, so they follow guest spelling, not Go's.
var staticStringNames = [ssCount_]string{
	ssEmptyString:         "",
	ssModule:              "<module>",
	ssAppend:              "append",
	ssInsert:              "insert",
	ssExtend:              "extend",
	ssReverse:             "reverse",
	ssSort:                "sort",
	ssGet:                 "get",
	ssKeys:                "keys",
	ssValues:              "values",
	ssItems:               "items",
	ssSetdefault:          "setdefault",
	ssPopitem:             "popitem",
	ssFromkeys:            "fromkeys",
	ssPop:                 "pop",
	ssClear:               "clear",
	ssCopy:                "copy",
	ssRemove:              "remove",
	ssAdd:                 "add",
	ssDiscard:             "discard",
	ssUpdate:              "update",
	ssUnion:               "union",
	ssIntersection:        "intersection",
	ssDifference:          "difference",
	ssSymmetricDifference: "symmetric_difference",
	ssIssubset:            "issubset",
	ssIssuperset:          "issuperset",
	ssIsdisjoint:          "isdisjoint",
	ssJoin:                "join",
	ssLower:               "lower",
	ssUpper:               "upper",
	ssCapitalize:          "capitalize",
	ssTitle:               "title",
	ssSwapcase:            "swapcase",
	ssCasefold:            "casefold",
	ssIsalpha:             "isalpha",
	ssIsdigit:             "isdigit",
	ssIsalnum:             "isalnum",
	ssIsnumeric:           "isnumeric",
	ssIsspace:             "isspace",
	ssIslower:             "islower",
	ssIsupper:             "isupper",
	ssIsascii:             "isascii",
	ssFind:                "find",
	ssRfind:               "rfind",
	ssIndex:               "index",
	ssRindex:              "rindex",
	ssCount:               "count",
	ssStartswith:          "startswith",
	ssEndswith:            "endswith",
	ssStrip:               "strip",
	ssLstrip:              "lstrip",
	ssRstrip:              "rstrip",
	ssRemoveprefix:        "removeprefix",
	ssRemovesuffix:        "removesuffix",
	ssSplit:               "split",
	ssRsplit:              "rsplit",
	ssSplitlines:          "splitlines",
	ssPartition:           "partition",
	ssRpartition:          "rpartition",
	ssReplace:             "replace",
	ssZfill:               "zfill",
	ssEncode:              "encode",
	ssIsidentifier:        "isidentifier",
	ssDecode:              "decode",
	ssHex:                 "hex",
	ssFromhex:             "fromhex",
	ssSys:                 "sys",
	ssVersion:             "version",
	ssVersionInfo:         "version_info",
	ssPlatform:            "platform",
	ssMajor:               "major",
	ssMinor:               "minor",
	ssMicro:               "micro",
	ssReleaselevel:        "releaselevel",
	ssSerial:              "serial",
	ssFinal:               "final",
	ssMontyVersionString:  "3.14.0 (Monty)",
	ssMonty:               "monty",
	ssOs:                  "os",
	ssGetenv:              "getenv",
	ssEnviron:             "environ",
	ssDefault:             "default",
	ssTyping:              "typing",
	ssTypeChecking:        "TYPE_CHECKING",
	ssAny:                 "Any",
	ssAsyncio:             "asyncio",
	ssGather:              "gather",
	ssDataclasses:         "dataclasses",
	ssDataclass:           "dataclass",
	ssField:               "field",
	ssArgs:                "args",
	ssDunderName:          "__name__",
	ssExists:              "exists",
	ssIsFile:              "is_file",
	ssIsDir:               "is_dir",
	ssReadText:            "read_text",
	ssReadBytes:           "read_bytes",
	ssWriteText:           "write_text",
	ssWriteBytes:          "write_bytes",
	ssMkdir:               "mkdir",
	ssRmdir:               "rmdir",
	ssUnlink:              "unlink",
	ssRename:              "rename",
	ssIterdir:             "iterdir",
	ssStat:                "stat",
	ssResolve:             "resolve",
	ssAbsolute:            "absolute",
}

// staticStringIds maps a guest identifier back to its enum variant.
var staticStringIds = func() map[string]staticString {
	m := make(map[string]staticString, ssCount_)
	for i, name := range staticStringNames {
		m[name] = staticString(i)
	}
	return m
}()

func (ss staticString) stringId() StringId {
	return StringId(uint32(ss) + staticStringIdOffset)
}

// staticStringFromId converts a StringId back to its staticString
// variant, reporting false for ASCII and dynamically interned IDs.
func staticStringFromId(id StringId) (staticString, bool) {
	if id < staticStringIdOffset {
		return 0, false
	}
	idx := uint32(id) - staticStringIdOffset
	if idx >= uint32(ssCount_) {
		return 0, false
	}
	return staticString(idx), true
}

// InternsBuilder accumulates strings, bytes and long integers during
// compilation.  Strings are deduplicated on insertion; bytes and long
// integers are not (they are rare literals and deduplication is not
// worth the cost).
//
// The builder is single threaded: it is used during parse/compile, then
// frozen into an Interns handed to the VM.
type InternsBuilder struct {
	stringMap map[string]StringId
	strings   []string
	bytes     [][]byte
	longInts  []*big.Int
}

func NewInternsBuilder(code string) *InternsBuilder {
	// Rough guess at capacity: count quotes and divide by two.
	capacity := 0
	for i := 0; i < len(code); i++ {
		if code[i] == '"' || code[i] == '\'' {
			capacity++
		}
	}
	capacity >>= 1
	return &InternsBuilder{
		stringMap: make(map[string]StringId, capacity),
		strings:   make([]string, 0, capacity),
	}
}

// buildersFromInterns seeds a new builder from a frozen table.  REPL
// incremental compilation uses this: previously interned values keep
// stable IDs and newly interned values are appended.
func buildersFromInterns(interns *Interns, code string) *InternsBuilder {
	b := NewInternsBuilder(code)
	b.strings = append(b.strings, interns.strings...)
	b.bytes = append(b.bytes, interns.bytes...)
	b.longInts = append(b.longInts, interns.longInts...)
	for i, s := range b.strings {
		b.stringMap[s] = StringId(internStringIdOffset + i)
	}
	return b
}

// Intern interns a string, returning its StringId.
//
//   - single ASCII characters resolve by value, no lookup
//   - known static strings resolve through the closed enum
//   - previously interned strings return their existing id
//   - otherwise the string is stored and a new id assigned
func (b *InternsBuilder) Intern(s string) StringId {
	if len(s) == 1 && s[0] < 128 {
		return StringIdFromAscii(s[0])
	}
	if ss, ok := staticStringIds[s]; ok {
		return ss.stringId()
	}
	if id, ok := b.stringMap[s]; ok {
		return id
	}
	id := StringId(internStringIdOffset + len(b.strings))
	b.strings = append(b.strings, s)
	b.stringMap[s] = id
	return id
}

// InternBytes stores a bytes literal, returning its BytesId.  Bytes are
// not deduplicated.
func (b *InternsBuilder) InternBytes(data []byte) BytesId {
	id := BytesId(len(b.bytes))
	b.bytes = append(b.bytes, append([]byte(nil), data...))
	return id
}

// InternLongInt stores an arbitrary-precision integer literal.
func (b *InternsBuilder) InternLongInt(v *big.Int) LongIntId {
	id := LongIntId(len(b.longInts))
	b.longInts = append(b.longInts, new(big.Int).Set(v))
	return id
}

// Build freezes the builder into a read-only Interns table.
func (b *InternsBuilder) Build() *Interns {
	return &Interns{
		strings:  b.strings,
		bytes:    b.bytes,
		longInts: b.longInts,
	}
}

// Interns is the frozen interner table owned by the VM.  It is
// immutable during execution; a REPL session extends it between
// snippets only, by seeding a fresh builder from its contents.
type Interns struct {
	strings  []string
	bytes    [][]byte
	longInts []*big.Int
}

// GetString resolves a StringId across the three ID ranges.
func (in *Interns) GetString(id StringId) string {
	switch {
	case uint32(id) < 128:
		return asciiStrings[id]
	case uint32(id) < internStringIdOffset:
		ss, ok := staticStringFromId(id)
		if !ok {
			panic(fmt.Sprintf("monty: invalid static StringId %d", id))
		}
		return staticStringNames[ss]
	default:
		idx := int(id) - internStringIdOffset
		if idx >= len(in.strings) {
			panic(fmt.Sprintf("monty: StringId %d out of range", id))
		}
		return in.strings[idx]
	}
}

func (in *Interns) GetBytes(id BytesId) []byte {
	return in.bytes[id.index()]
}

func (in *Interns) GetLongInt(id LongIntId) *big.Int {
	return in.longInts[id.index()]
}

// asciiStrings holds the 128 single-byte string singletons, resolved by
// value without a table lookup.
var asciiStrings = func() [128]string {
	var arr [128]string
	for i := range arr {
		arr[i] = string(rune(i))
	}
	return arr
}()
