package monty

import (
	"fmt"
	"sort"
	"unicode/utf8"
)

// CodeRange is a half-open byte range within a source buffer.  It takes
// as little as possible (8 bytes on 64bit systems with u32 offsets) to
// represent a position within the input.
type CodeRange struct {
	Start uint32
	End   uint32
}

func NewCodeRange(start, end int) CodeRange {
	return CodeRange{Start: uint32(start), End: uint32(end)}
}

func (r CodeRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d..%d", r.Start, r.End)
}

func (r CodeRange) Str(v []byte) string {
	return string(v[r.Start:r.End])
}

func (r CodeRange) Contains(other CodeRange) bool {
	return other.Start >= r.Start && other.End <= r.End
}

// Location is a resolved position: 1-based line, 1-based rune column,
// and the raw byte cursor.
type Location struct {
	Line   int32
	Column int32
	Cursor int
}

// LineIndex allows fast conversion from byte cursor offsets to
// line/column.
//
// It stores the start byte offset of each line (0-based).  Given a
// cursor, it finds the line by binary searching line starts (O(log
// lines)) and computes the column as (runes since lineStart + 1).
//
// Construction is O(n) over the input and is cached per source buffer
// by the traceback renderer.
type LineIndex struct {
	input     []byte
	lineStart []int
}

func NewLineIndex(input []byte) *LineIndex {
	// Always include line 1 starting at offset 0.
	lineStart := make([]int, 1, 64)
	lineStart[0] = 0
	for i, b := range input {
		if b == '\n' {
			lineStart = append(lineStart, i+1)
		}
	}
	return &LineIndex{input: input, lineStart: lineStart}
}

func (li *LineIndex) LocationAt(cursor int) Location {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(li.input) {
		cursor = len(li.input)
	}

	// Find first lineStart > cursor, then step back one.
	lineIdx := sort.Search(len(li.lineStart), func(i int) bool {
		return li.lineStart[i] > cursor
	}) - 1
	if lineIdx < 0 {
		lineIdx = 0
	}

	lineStart := li.lineStart[lineIdx]
	// Column is rune-based and 1-indexed.
	col := int32(utf8.RuneCount(li.input[lineStart:cursor])) + 1

	return Location{
		Line:   int32(lineIdx + 1),
		Column: col,
		Cursor: cursor,
	}
}

// LineText returns the full text of the 1-based line, without the
// trailing newline.  Used for traceback source previews.
func (li *LineIndex) LineText(line int32) string {
	idx := int(line) - 1
	if idx < 0 || idx >= len(li.lineStart) {
		return ""
	}
	start := li.lineStart[idx]
	end := len(li.input)
	if idx+1 < len(li.lineStart) {
		end = li.lineStart[idx+1] - 1
	}
	if end < start {
		end = start
	}
	return string(li.input[start:end])
}
