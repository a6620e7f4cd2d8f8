// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package address

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Unbounded marks the open side of an infinite range ("A2:B", "A:A",
// "1:3"). Infinite ranges bind to the populated extent of the sheet at
// evaluation time; they never force the grid to grow.
const Unbounded = -1

// Range is a rectangular region on one sheet. MaxRow (or both MaxRow
// and coordinates of a full-row range) may be Unbounded.
type Range struct {
	MinCol int
	MinRow int
	MaxCol int
	MaxRow int
	Sheet  SheetID
}

// NewRange returns the range spanning the two addresses, normalised so
// that Min <= Max on both axes.
func NewRange(a, b Address) Range {
	r := Range{
		MinCol: min(a.Col, b.Col),
		MinRow: min(a.Row, b.Row),
		MaxCol: max(a.Col, b.Col),
		MaxRow: max(a.Row, b.Row),
		Sheet:  a.Sheet,
	}
	return r
}

// Contains reports whether the address lies inside the range. Unbounded
// sides match any coordinate at or beyond the bounded one.
func (r Range) Contains(a Address) bool {
	if a.Sheet != r.Sheet {
		return false
	}
	if a.Col < r.MinCol || (r.MaxCol != Unbounded && a.Col > r.MaxCol) {
		return false
	}
	if a.Row < r.MinRow || (r.MaxRow != Unbounded && a.Row > r.MaxRow) {
		return false
	}
	return true
}

// Bounded reports whether both sides of the range are finite.
func (r Range) Bounded() bool {
	return r.MaxCol != Unbounded && r.MaxRow != Unbounded
}

// Clamp returns the range with unbounded sides replaced by the given
// grid extent (exclusive counts of populated columns and rows).
func (r Range) Clamp(cols, rows int) Range {
	out := r
	if out.MaxCol == Unbounded {
		out.MaxCol = cols - 1
	}
	if out.MaxRow == Unbounded {
		out.MaxRow = rows - 1
	}
	return out
}

// Addresses enumerates the cells of a bounded range in row-major order.
func (r Range) Addresses() []Address {
	if !r.Bounded() {
		return nil
	}
	var out []Address
	for row := r.MinRow; row <= r.MaxRow; row++ {
		for col := r.MinCol; col <= r.MaxCol; col++ {
			out = append(out, Address{Col: col, Row: row, Sheet: r.Sheet})
		}
	}
	return out
}

// String renders the range in A1 form, eliding unbounded sides.
func (r Range) String() string {
	var b strings.Builder
	switch {
	case r.MinCol == 0 && r.MaxCol == Unbounded:
		// Full rows: "1:3".
		b.WriteString(strconv.Itoa(r.MinRow + 1))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.MaxRow + 1))
	case r.MinRow == 0 && r.MaxRow == Unbounded:
		// Full columns: "A:B".
		b.WriteString(ColumnName(r.MinCol))
		b.WriteByte(':')
		b.WriteString(ColumnName(r.MaxCol))
	case r.MaxRow == Unbounded:
		// Bounded start, open end: "A2:B".
		b.WriteString(FormatA1(r.MinCol, r.MinRow, false, false))
		b.WriteByte(':')
		b.WriteString(ColumnName(r.MaxCol))
	default:
		b.WriteString(FormatA1(r.MinCol, r.MinRow, false, false))
		if r.MinCol != r.MaxCol || r.MinRow != r.MaxRow {
			b.WriteByte(':')
			b.WriteString(FormatA1(r.MaxCol, r.MaxRow, false, false))
		}
	}
	return b.String()
}

// ParseRange decodes an A1 range, including the infinite forms "A:B",
// "1:3" and "A2:B". A single cell name parses as a 1x1 range.
func ParseRange(s string, sheet SheetID) (Range, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		col, row, err := ParseA1(s)
		if err != nil {
			return Range{}, errors.Trace(err)
		}
		return Range{MinCol: col, MinRow: row, MaxCol: col, MaxRow: row, Sheet: sheet}, nil
	}
	left, right := s[:i], s[i+1:]

	if isRowOnly(left) && isRowOnly(right) {
		lo, _ := strconv.Atoi(strings.TrimPrefix(left, "$"))
		hi, _ := strconv.Atoi(strings.TrimPrefix(right, "$"))
		if hi < lo {
			lo, hi = hi, lo
		}
		return Range{MinCol: 0, MinRow: lo - 1, MaxCol: Unbounded, MaxRow: hi - 1, Sheet: sheet}, nil
	}
	if isColOnly(left) && isColOnly(right) {
		lo, err := ColumnIndex(left)
		if err != nil {
			return Range{}, errors.Trace(err)
		}
		hi, err := ColumnIndex(right)
		if err != nil {
			return Range{}, errors.Trace(err)
		}
		if hi < lo {
			lo, hi = hi, lo
		}
		return Range{MinCol: lo, MinRow: 0, MaxCol: hi, MaxRow: Unbounded, Sheet: sheet}, nil
	}
	if isColOnly(right) {
		// "A2:B" — open on the row axis.
		col, row, err := ParseA1(left)
		if err != nil {
			return Range{}, errors.Trace(err)
		}
		hi, err := ColumnIndex(right)
		if err != nil {
			return Range{}, errors.Trace(err)
		}
		return Range{MinCol: col, MinRow: row, MaxCol: hi, MaxRow: Unbounded, Sheet: sheet}, nil
	}

	acol, arow, err := ParseA1(left)
	if err != nil {
		return Range{}, errors.Trace(err)
	}
	bcol, brow, err := ParseA1(right)
	if err != nil {
		return Range{}, errors.Trace(err)
	}
	return NewRange(Address{acol, arow, sheet}, Address{bcol, brow, sheet}), nil
}

func isRowOnly(s string) bool {
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isColOnly(s string) bool {
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}
