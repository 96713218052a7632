package document

import "github.com/fakeyudi/rewind/internal/session"

type position struct {
	line, col int
}

// offsetAt converts a 1-based line/column into a rune offset, clamping
// out-of-range coordinates into the text.
func offsetAt(text []rune, line, col int) int {
	if line < 1 {
		return 0
	}
	lineStart := 0
	for l := 1; l < line; l++ {
		next := indexNewline(text, lineStart)
		if next < 0 {
			return len(text)
		}
		lineStart = next + 1
	}
	lineEnd := indexNewline(text, lineStart)
	if lineEnd < 0 {
		lineEnd = len(text)
	}
	if col < 1 {
		col = 1
	}
	off := lineStart + col - 1
	if off > lineEnd {
		off = lineEnd
	}
	return off
}

// positionAt converts a rune offset into a 1-based line/column.
func positionAt(text []rune, offset int) position {
	if offset > len(text) {
		offset = len(text)
	}
	p := position{line: 1, col: 1}
	for _, r := range text[:offset] {
		if r == '\n' {
			p.line++
			p.col = 1
			continue
		}
		p.col++
	}
	return p
}

func indexNewline(text []rune, from int) int {
	for i := from; i < len(text); i++ {
		if text[i] == '\n' {
			return i
		}
	}
	return -1
}

// Diff returns a single delta that turns before into after, covering the
// span between their common prefix and suffix. ok is false when the two
// are equal.
func Diff(before, after string) (delta session.EditDelta, ok bool) {
	a, b := []rune(before), []rune(after)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	if prefix == len(a) && prefix == len(b) {
		return session.EditDelta{}, false
	}
	start := positionAt(a, prefix)
	end := positionAt(a, len(a)-suffix)
	return session.EditDelta{
		Range: session.Range{
			StartLineNumber: start.line,
			StartColumn:     start.col,
			EndLineNumber:   end.line,
			EndColumn:       end.col,
		},
		RangeOffset: prefix,
		RangeLength: len(a) - suffix - prefix,
		Text:        string(b[prefix : len(b)-suffix]),
	}, true
}
