package monty

import "fmt"

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokNewline
	tokIndent
	tokDedent
	tokName
	tokKeyword
	tokInt
	tokBigInt
	tokFloat
	tokStr
	tokBytes
	tokFStringStart // opening quote of an f-string; parts follow
	tokOp
)

// token carries the lexeme and its source range.  Numeric and string
// payloads are decoded by the lexer so the parser never re-parses text.
type token struct {
	kind tokenKind
	text string // name, keyword, operator spelling
	rng  CodeRange

	intVal   int64
	bigVal   string // decimal digits for out-of-range ints
	floatVal float64
	strVal   string
	byteVal  []byte

	// fstring: decoded literal/expression parts
	fparts []fstringPart
}

// fstringPart is one segment of an f-string: either literal text or an
// embedded expression with optional conversion and format spec.
type fstringPart struct {
	literal string
	expr    string // raw expression source, parsed separately
	exprOff uint32 // byte offset of expr within the original source
	conv    byte   // 0, 'r', 's'
	spec    string
	isExpr  bool
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "EOF"
	case tokNewline:
		return "NEWLINE"
	case tokIndent:
		return "INDENT"
	case tokDedent:
		return "DEDENT"
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

var pythonKeywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true,
	"as": true, "assert": true, "async": true, "await": true,
	"break": true, "class": true, "continue": true, "def": true,
	"del": true, "elif": true, "else": true, "except": true,
	"finally": true, "for": true, "from": true, "global": true,
	"if": true, "import": true, "in": true, "is": true,
	"lambda": true, "nonlocal": true, "not": true, "or": true,
	"pass": true, "raise": true, "return": true, "try": true,
	"while": true, "with": true, "yield": true,
}
