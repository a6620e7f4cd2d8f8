// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package refs tokenizes formula source and rewrites the cell and range
// references appearing in it. One tokenizer serves both questions the
// sheet model asks: "does this source cross the transformation
// frontier" and "what does this source look like after the shift".
package refs

import (
	"strconv"
	"strings"

	"github.com/xuri/efp"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
)

// Kind classifies a textual reference.
type Kind int

const (
	// Cell is a single cell reference: "A1", "$B$2".
	Cell Kind = iota
	// Rect is a bounded rectangle: "A1:B3".
	Rect
	// FullColumns is a full-column range: "A:B".
	FullColumns
	// FullRows is a full-row range: "1:3".
	FullRows
	// OpenRect is bounded at the start, open on the row axis: "A2:B".
	OpenRect
)

// Ref is a reference as written in source, including absolute markers
// and an optional sheet qualifier.
type Ref struct {
	Sheet string // "" when unqualified
	Kind  Kind

	StartCol, StartRow int // zero based; Unbounded where the form has none
	EndCol, EndRow     int

	StartColAbs, StartRowAbs bool
	EndColAbs, EndRowAbs     bool
}

// Range returns the semantic range of the reference, resolved against
// the given sheet id.
func (r Ref) Range(sheet address.SheetID) address.Range {
	switch r.Kind {
	case Cell:
		return address.Range{MinCol: r.StartCol, MinRow: r.StartRow, MaxCol: r.StartCol, MaxRow: r.StartRow, Sheet: sheet}
	case FullColumns:
		return address.Range{MinCol: r.StartCol, MinRow: 0, MaxCol: r.EndCol, MaxRow: address.Unbounded, Sheet: sheet}
	case FullRows:
		return address.Range{MinCol: 0, MinRow: r.StartRow, MaxCol: address.Unbounded, MaxRow: r.EndRow, Sheet: sheet}
	case OpenRect:
		return address.Range{MinCol: r.StartCol, MinRow: r.StartRow, MaxCol: r.EndCol, MaxRow: address.Unbounded, Sheet: sheet}
	default:
		return address.Range{MinCol: r.StartCol, MinRow: r.StartRow, MaxCol: r.EndCol, MaxRow: r.EndRow, Sheet: sheet}
	}
}

// Infinite reports whether the reference has an open side.
func (r Ref) Infinite() bool {
	return r.Kind == FullColumns || r.Kind == FullRows || r.Kind == OpenRect
}

// String renders the reference back to source text.
func (r Ref) String() string {
	var b strings.Builder
	if r.Sheet != "" {
		if strings.ContainsAny(r.Sheet, " '") {
			b.WriteByte('\'')
			b.WriteString(strings.ReplaceAll(r.Sheet, "'", "''"))
			b.WriteByte('\'')
		} else {
			b.WriteString(r.Sheet)
		}
		b.WriteByte('!')
	}
	abs := func(flag bool) string {
		if flag {
			return "$"
		}
		return ""
	}
	switch r.Kind {
	case Cell:
		b.WriteString(address.FormatA1(r.StartCol, r.StartRow, r.StartColAbs, r.StartRowAbs))
	case Rect:
		b.WriteString(address.FormatA1(r.StartCol, r.StartRow, r.StartColAbs, r.StartRowAbs))
		b.WriteByte(':')
		b.WriteString(address.FormatA1(r.EndCol, r.EndRow, r.EndColAbs, r.EndRowAbs))
	case FullColumns:
		b.WriteString(abs(r.StartColAbs) + address.ColumnName(r.StartCol))
		b.WriteByte(':')
		b.WriteString(abs(r.EndColAbs) + address.ColumnName(r.EndCol))
	case FullRows:
		b.WriteString(abs(r.StartRowAbs) + strconv.Itoa(r.StartRow+1))
		b.WriteByte(':')
		b.WriteString(abs(r.EndRowAbs) + strconv.Itoa(r.EndRow+1))
	case OpenRect:
		b.WriteString(address.FormatA1(r.StartCol, r.StartRow, r.StartColAbs, r.StartRowAbs))
		b.WriteByte(':')
		b.WriteString(abs(r.EndColAbs) + address.ColumnName(r.EndCol))
	}
	return b.String()
}

// ParseRef decodes a range operand as emitted by the tokenizer. The
// second return is false when the operand is not a grid reference
// (defined names tokenize as ranges too).
func ParseRef(text string) (Ref, bool) {
	var ref Ref
	rest := text
	if i := splitSheetQualifier(rest); i >= 0 {
		name := rest[:i]
		if len(name) >= 2 && name[0] == '\'' && name[len(name)-1] == '\'' {
			name = strings.ReplaceAll(name[1:len(name)-1], "''", "'")
		}
		ref.Sheet = name
		rest = rest[i+1:]
	}

	parts := strings.SplitN(rest, ":", 2)
	start := parts[0]
	if len(parts) == 1 {
		col, row, colAbs, rowAbs, ok := parseCellPart(start)
		if !ok {
			return Ref{}, false
		}
		ref.Kind = Cell
		ref.StartCol, ref.StartRow = col, row
		ref.EndCol, ref.EndRow = col, row
		ref.StartColAbs, ref.StartRowAbs = colAbs, rowAbs
		return ref, true
	}
	end := parts[1]

	switch {
	case isRowPart(start) && isRowPart(end):
		ref.Kind = FullRows
		ref.StartRow, ref.StartRowAbs = parseRowPart(start)
		ref.EndRow, ref.EndRowAbs = parseRowPart(end)
		ref.StartCol, ref.EndCol = 0, address.Unbounded
		return ref, true
	case isColPart(start) && isColPart(end):
		ref.Kind = FullColumns
		var ok bool
		if ref.StartCol, ref.StartColAbs, ok = parseColPart(start); !ok {
			return Ref{}, false
		}
		if ref.EndCol, ref.EndColAbs, ok = parseColPart(end); !ok {
			return Ref{}, false
		}
		ref.StartRow, ref.EndRow = 0, address.Unbounded
		return ref, true
	case isColPart(end):
		col, row, colAbs, rowAbs, ok := parseCellPart(start)
		if !ok {
			return Ref{}, false
		}
		endCol, endColAbs, ok := parseColPart(end)
		if !ok {
			return Ref{}, false
		}
		ref.Kind = OpenRect
		ref.StartCol, ref.StartRow = col, row
		ref.StartColAbs, ref.StartRowAbs = colAbs, rowAbs
		ref.EndCol, ref.EndColAbs = endCol, endColAbs
		ref.EndRow = address.Unbounded
		return ref, true
	default:
		scol, srow, scolAbs, srowAbs, ok := parseCellPart(start)
		if !ok {
			return Ref{}, false
		}
		ecol, erow, ecolAbs, erowAbs, ok := parseCellPart(end)
		if !ok {
			return Ref{}, false
		}
		ref.Kind = Rect
		ref.StartCol, ref.StartRow = scol, srow
		ref.EndCol, ref.EndRow = ecol, erow
		ref.StartColAbs, ref.StartRowAbs = scolAbs, srowAbs
		ref.EndColAbs, ref.EndRowAbs = ecolAbs, erowAbs
		return ref, true
	}
}

// splitSheetQualifier returns the index of the '!' separating a sheet
// qualifier, honouring quoted sheet names, or -1.
func splitSheetQualifier(s string) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inQuote = !inQuote
		case '!':
			if !inQuote {
				return i
			}
		}
	}
	return -1
}

func parseCellPart(s string) (col, row int, colAbs, rowAbs bool, ok bool) {
	rest := s
	if strings.HasPrefix(rest, "$") {
		colAbs = true
		rest = rest[1:]
	}
	i := 0
	for i < len(rest) && isLetter(rest[i]) {
		i++
	}
	if i == 0 {
		return 0, 0, false, false, false
	}
	colName := rest[:i]
	rest = rest[i:]
	if strings.HasPrefix(rest, "$") {
		rowAbs = true
		rest = rest[1:]
	}
	if rest == "" {
		return 0, 0, false, false, false
	}
	rowNum, err := strconv.Atoi(rest)
	if err != nil || rowNum < 1 {
		return 0, 0, false, false, false
	}
	colIdx, err := address.ColumnIndex(colName)
	if err != nil {
		return 0, 0, false, false, false
	}
	return colIdx, rowNum - 1, colAbs, rowAbs, true
}

func isColPart(s string) bool {
	s = strings.TrimPrefix(s, "$")
	if s == "" || len(s) > 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isLetter(s[i]) {
			return false
		}
	}
	return true
}

func isRowPart(s string) bool {
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func parseColPart(s string) (int, bool, bool) {
	abs := strings.HasPrefix(s, "$")
	idx, err := address.ColumnIndex(strings.TrimPrefix(s, "$"))
	if err != nil {
		return 0, false, false
	}
	return idx, abs, true
}

func parseRowPart(s string) (int, bool) {
	abs := strings.HasPrefix(s, "$")
	n, _ := strconv.Atoi(strings.TrimPrefix(s, "$"))
	return n - 1, abs
}

func isLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// RewriteFunc maps a reference to its replacement text. Returning
// ok=false keeps the original text.
type RewriteFunc func(Ref) (string, bool)

// RewriteSource tokenizes formula source (without its leading "=") and
// applies rewrite to every range operand. The second return reports
// whether anything changed.
func RewriteSource(src string, rewrite RewriteFunc) (string, bool) {
	ps := efp.ExcelParser()
	tokens := ps.Parse(src)
	changed := false
	for i, tok := range tokens {
		if tok.TType != efp.TokenTypeOperand || tok.TSubType != efp.TokenSubTypeRange {
			continue
		}
		ref, ok := ParseRef(tok.TValue)
		if !ok {
			continue
		}
		if text, ok := rewrite(ref); ok && text != tok.TValue {
			tokens[i].TValue = text
			changed = true
		}
	}
	if !changed {
		return src, false
	}
	return ps.Render(), true
}

// References extracts every grid reference from formula source.
func References(src string) []Ref {
	ps := efp.ExcelParser()
	var out []Ref
	for _, tok := range ps.Parse(src) {
		if tok.TType != efp.TokenTypeOperand || tok.TSubType != efp.TokenSubTypeRange {
			continue
		}
		if ref, ok := ParseRef(tok.TValue); ok {
			out = append(out, ref)
		}
	}
	return out
}

// RenameSheet rewrites every qualified reference to oldName so it
// refers to newName. The old name must not survive in the output.
func RenameSheet(src, oldName, newName string) (string, bool) {
	return RewriteSource(src, func(r Ref) (string, bool) {
		if r.Sheet != oldName {
			return "", false
		}
		r.Sheet = newName
		return r.String(), true
	})
}
