// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package refs

// TranslateSource shifts every relative reference in src by the given
// column and row deltas. Absolute components ($A, $1) do not move.
// References pushed off the grid become InvalidRef. Copy/paste and
// drag fill use this to relocate formulas.
func TranslateSource(src string, dCols, dRows int) (string, bool) {
	return RewriteSource(src, func(r Ref) (string, bool) {
		moved := false
		shift := func(v int, abs bool, delta int) (int, bool) {
			if abs || delta == 0 {
				return v, true
			}
			moved = true
			nv := v + delta
			return nv, nv >= 0
		}
		var ok bool
		switch r.Kind {
		case Cell, Rect, OpenRect:
			if r.StartCol, ok = shift(r.StartCol, r.StartColAbs, dCols); !ok {
				return InvalidRef, true
			}
			if r.StartRow, ok = shift(r.StartRow, r.StartRowAbs, dRows); !ok {
				return InvalidRef, true
			}
			if r.Kind != Cell {
				if r.EndCol, ok = shift(r.EndCol, r.EndColAbs, dCols); !ok {
					return InvalidRef, true
				}
			}
			if r.Kind == Rect {
				if r.EndRow, ok = shift(r.EndRow, r.EndRowAbs, dRows); !ok {
					return InvalidRef, true
				}
			}
			if r.Kind == Cell {
				r.EndCol, r.EndRow = r.StartCol, r.StartRow
			}
		case FullColumns:
			if r.StartCol, ok = shift(r.StartCol, r.StartColAbs, dCols); !ok {
				return InvalidRef, true
			}
			if r.EndCol, ok = shift(r.EndCol, r.EndColAbs, dCols); !ok {
				return InvalidRef, true
			}
		case FullRows:
			if r.StartRow, ok = shift(r.StartRow, r.StartRowAbs, dRows); !ok {
				return InvalidRef, true
			}
			if r.EndRow, ok = shift(r.EndRow, r.EndRowAbs, dRows); !ok {
				return InvalidRef, true
			}
		}
		if !moved {
			return "", false
		}
		return r.String(), true
	})
}
