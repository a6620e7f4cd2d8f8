// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package refs

import (
	"github.com/juju/errors"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
)

// Dimension selects the axis of an insert/delete transformation.
type Dimension string

const (
	Rows Dimension = "row"
	Cols Dimension = "col"
)

// Operation selects the kind of transformation.
type Operation string

const (
	InsertBefore Operation = "insert_before"
	Delete       Operation = "delete"
)

// InvalidRef replaces references whose entire span was deleted.
const InvalidRef = "#REF!"

// Transform is one insert or delete of Amount rows or columns at
// Index on one sheet.
type Transform struct {
	Dim       Dimension       `json:"dimension"`
	Op        Operation       `json:"operation"`
	Index     int             `json:"index"`
	Amount    int             `json:"amount"`
	Sheet     address.SheetID `json:"sheet_id"`
	SheetName string          `json:"sheet_name,omitempty"`
}

// Validate returns an error for a malformed transformation.
func (t Transform) Validate() error {
	if t.Dim != Rows && t.Dim != Cols {
		return errors.NotValidf("dimension %q", t.Dim)
	}
	if t.Op != InsertBefore && t.Op != Delete {
		return errors.NotValidf("operation %q", t.Op)
	}
	if t.Index < 0 || t.Amount < 1 {
		return errors.NotValidf("index %d amount %d", t.Index, t.Amount)
	}
	return nil
}

// Inverse returns the transformation that undoes the receiver.
func (t Transform) Inverse() Transform {
	out := t
	if t.Op == InsertBefore {
		out.Op = Delete
	} else {
		out.Op = InsertBefore
	}
	return out
}

// ShiftIndex maps a single coordinate through the transformation.
// The second return is false when the coordinate is deleted.
func (t Transform) ShiftIndex(i int) (int, bool) {
	if t.Op == InsertBefore {
		if i >= t.Index {
			return i + t.Amount, true
		}
		return i, true
	}
	// Delete.
	if i < t.Index {
		return i, true
	}
	if i < t.Index+t.Amount {
		return 0, false
	}
	return i - t.Amount, true
}

// shiftSpan maps an inclusive coordinate span. Deleted spans collapse;
// partially deleted spans clamp to the frontier.
func (t Transform) shiftSpan(lo, hi int) (int, int, bool) {
	if t.Op == InsertBefore {
		nlo, nhi := lo, hi
		if lo >= t.Index {
			nlo = lo + t.Amount
		}
		if hi >= t.Index {
			nhi = hi + t.Amount
		}
		return nlo, nhi, true
	}
	end := t.Index + t.Amount
	nlo, nhi := lo, hi
	if lo >= t.Index {
		if lo < end {
			nlo = t.Index
		} else {
			nlo = lo - t.Amount
		}
	}
	if hi >= t.Index {
		if hi < end {
			nhi = t.Index - 1
		} else {
			nhi = hi - t.Amount
		}
	}
	if nhi < nlo {
		return 0, 0, false
	}
	return nlo, nhi, true
}

// ApplyToAddress maps an address through the transformation. The
// second return is false when the address is deleted.
func (t Transform) ApplyToAddress(a address.Address) (address.Address, bool) {
	if a.Sheet != t.Sheet {
		return a, true
	}
	if t.Dim == Rows {
		row, ok := t.ShiftIndex(a.Row)
		if !ok {
			return address.Address{}, false
		}
		a.Row = row
		return a, true
	}
	col, ok := t.ShiftIndex(a.Col)
	if !ok {
		return address.Address{}, false
	}
	a.Col = col
	return a, true
}

// ApplyToRef maps a textual reference through the transformation,
// returning replacement text. The second return is false when the
// reference is untouched. References whose full span is deleted
// become InvalidRef.
//
// Infinite sides never move: an open row axis has no coordinate in the
// text, so only the bounded side is rewritten, and only when the
// transformation lies within it.
func (t Transform) ApplyToRef(r Ref, sameSheet bool) (string, bool) {
	if !sameSheet {
		return "", false
	}
	along := t.Dim == Rows
	switch r.Kind {
	case Cell:
		if along {
			row, ok := t.ShiftIndex(r.StartRow)
			if !ok {
				return InvalidRef, true
			}
			if row == r.StartRow {
				return "", false
			}
			r.StartRow, r.EndRow = row, row
		} else {
			col, ok := t.ShiftIndex(r.StartCol)
			if !ok {
				return InvalidRef, true
			}
			if col == r.StartCol {
				return "", false
			}
			r.StartCol, r.EndCol = col, col
		}
		return r.String(), true
	case Rect:
		var lo, hi int
		if along {
			lo, hi = r.StartRow, r.EndRow
		} else {
			lo, hi = r.StartCol, r.EndCol
		}
		nlo, nhi, ok := t.shiftSpan(lo, hi)
		if !ok {
			return InvalidRef, true
		}
		if nlo == lo && nhi == hi {
			return "", false
		}
		if along {
			r.StartRow, r.EndRow = nlo, nhi
		} else {
			r.StartCol, r.EndCol = nlo, nhi
		}
		return r.String(), true
	case FullColumns:
		if along {
			return "", false
		}
		nlo, nhi, ok := t.shiftSpan(r.StartCol, r.EndCol)
		if !ok {
			return InvalidRef, true
		}
		if nlo == r.StartCol && nhi == r.EndCol {
			return "", false
		}
		r.StartCol, r.EndCol = nlo, nhi
		return r.String(), true
	case FullRows:
		if !along {
			return "", false
		}
		nlo, nhi, ok := t.shiftSpan(r.StartRow, r.EndRow)
		if !ok {
			return InvalidRef, true
		}
		if nlo == r.StartRow && nhi == r.EndRow {
			return "", false
		}
		r.StartRow, r.EndRow = nlo, nhi
		return r.String(), true
	case OpenRect:
		if along {
			// Open on the row axis: only the start row is written.
			row, ok := t.ShiftIndex(r.StartRow)
			if !ok {
				row = t.Index
			}
			if row == r.StartRow {
				return "", false
			}
			r.StartRow = row
			return r.String(), true
		}
		nlo, nhi, ok := t.shiftSpan(r.StartCol, r.EndCol)
		if !ok {
			return InvalidRef, true
		}
		if nlo == r.StartCol && nhi == r.EndCol {
			return "", false
		}
		r.StartCol, r.EndCol = nlo, nhi
		return r.String(), true
	}
	return "", false
}

// RewriteForTransform rewrites every reference in src through the
// transformation. defaultSheet names the sheet the source lives on, so
// unqualified references resolve against it.
func (t Transform) RewriteForTransform(src, defaultSheet string) (string, bool) {
	return RewriteSource(src, func(r Ref) (string, bool) {
		sheetName := r.Sheet
		if sheetName == "" {
			sheetName = defaultSheet
		}
		return t.ApplyToRef(r, sheetName == t.SheetName)
	})
}

// TouchesInfinite reports whether any reference in src is an infinite
// range on the transformed sheet whose bounded side the transformation
// crosses. The code panel is rewritten only for such sources, or when
// a bounded reference moves.
func (t Transform) TouchesInfinite(src, defaultSheet string) bool {
	for _, r := range References(src) {
		sheetName := r.Sheet
		if sheetName == "" {
			sheetName = defaultSheet
		}
		if sheetName != t.SheetName || !r.Infinite() {
			continue
		}
		return true
	}
	return false
}
