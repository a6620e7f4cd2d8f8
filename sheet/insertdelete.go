// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sheet

import (
	"strings"

	"github.com/juju/errors"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet/refs"
)

// CellSnapshot captures one cell for undo payloads.
type CellSnapshot struct {
	Addr       address.Address   `json:"cell_id"`
	Raw        string            `json:"raw_code"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// InsertDeleteResult reports the outcome of an insert/delete.
type InsertDeleteResult struct {
	// Dirty is the set of addresses whose formulas must recompute.
	Dirty address.Set

	// Inverse is the transformation that undoes this one; for a
	// delete it is the insert that restores the lines, and Deleted
	// holds the cells to repopulate.
	Inverse refs.Transform
	Deleted []CellSnapshot

	// RewrittenCode holds post-rewrite raw source per address, for
	// broadcasting to clients.
	RewrittenCode map[address.Address]string
}

// InsertDelete inserts or deletes rows/columns on one sheet and keeps
// every reference in the tyne consistent. Populate provides cell
// content for freshly inserted lines (used by undo of a delete).
func (m *Model) InsertDelete(t refs.Transform, populate []CellSnapshot) (*InsertDeleteResult, error) {
	if err := t.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s, err := m.Sheet(t.Sheet)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t.SheetName = s.Name

	res := &InsertDeleteResult{
		Dirty:         address.NewSet(),
		Inverse:       t.Inverse(),
		RewrittenCode: map[address.Address]string{},
	}

	// 1. Grid dimensions.
	if t.Dim == refs.Rows {
		if t.Op == refs.InsertBefore {
			s.Rows += t.Amount
		} else if s.Rows > DefaultRows {
			s.Rows = max(DefaultRows, s.Rows-t.Amount)
		}
	} else {
		if t.Op == refs.InsertBefore {
			s.Cols += t.Amount
		} else if s.Cols > DefaultCols {
			s.Cols = max(DefaultCols, s.Cols-t.Amount)
		}
	}

	// 2. Shift stored cells across the frontier; collapsed cells are
	// deleted and captured for the inverse operation.
	moved := map[address.Address]*Cell{}
	var removed []address.Address
	for a, cell := range s.Cells {
		na, ok := t.ApplyToAddress(a)
		if !ok {
			res.Deleted = append(res.Deleted, snapshotCell(a, cell))
			removed = append(removed, a)
			continue
		}
		if na != a {
			moved[na] = cell
			removed = append(removed, a)
		}
	}
	for _, a := range removed {
		cell := s.Cells[a]
		for _, dep := range cell.FeedsInto.Values() {
			// Dependents recompute at their post-shift addresses.
			if nd, ok := t.ApplyToAddress(dep); ok {
				res.Dirty.Add(nd)
			}
		}
		m.dropEdges(a)
		delete(s.Cells, a)
	}
	for na, cell := range moved {
		s.Cells[na] = cell
		s.grow(na)
	}

	// Spill origins moved with their cells; fix the back pointers.
	// Spilled cells whose origin collapsed off-grid go with it.
	var orphans []address.Address
	for a, cell := range s.Cells {
		if cell.CalculatedBy == nil {
			continue
		}
		origin, ok := t.ApplyToAddress(*cell.CalculatedBy)
		if !ok {
			orphans = append(orphans, a)
			continue
		}
		cell.CalculatedBy = &origin
		cell.DependsOn = address.NewSet(origin)
	}
	for _, a := range orphans {
		m.dropEdges(a)
		delete(s.Cells, a)
	}

	// 3. Rewrite every formula's raw and compiled source, on every
	// sheet, since qualified references cross sheets.
	for _, sh := range m.sheets {
		for a, cell := range sh.Cells {
			if !cell.IsFormula() {
				continue
			}
			if out, ok := t.RewriteForTransform(strings.TrimPrefix(cell.Raw, "="), sh.Name); ok {
				cell.Raw = "=" + out
				res.RewrittenCode[a] = cell.Raw
				res.Dirty.Add(a)
			}
			if out, ok := t.RewriteForTransform(cell.Compiled, sh.Name); ok {
				cell.Compiled = out
				res.Dirty.Add(a)
			}
		}
	}

	// 4. Code panel rewriting happens in the notebook layer; callers
	// pass the same transformation there.

	// 5. Index-keyed sheet attributes shift with the lines.
	shiftIndex := func(i int) (int, bool) { return t.ShiftIndex(i) }
	if t.Dim == refs.Rows {
		s.RowAttrs.shift(shiftIndex)
		if s.RowAttrs.Frozen > t.Index {
			s.RowAttrs.Frozen, _ = adjustFrozen(s.RowAttrs.Frozen, t)
		}
	} else {
		s.ColAttrs.shift(shiftIndex)
		if s.ColAttrs.Frozen > t.Index {
			s.ColAttrs.Frozen, _ = adjustFrozen(s.ColAttrs.Frozen, t)
		}
	}

	// 6. Inserted lines inherit attributes where both neighbours agree.
	if t.Op == refs.InsertBefore {
		m.inheritAttributes(s, t)
	}

	// Populate inserted lines (undo of a delete restores content).
	for _, snap := range populate {
		dirty, err := m.SetCell(snap.Addr, snap.Raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(snap.Attributes) > 0 {
			cell := m.CellAt(snap.Addr)
			if cell != nil {
				cell.Attributes = map[string]string{}
				for k, v := range snap.Attributes {
					cell.Attributes[k] = v
				}
			}
		}
		res.Dirty = res.Dirty.Union(dirty)
	}

	// 7. Recompute: refresh every surviving formula's depends_on from
	// its rewritten source, then rebuild the feeds_into side wholesale.
	// Moved cells carried edge sets keyed on pre-shift addresses; a
	// stale entry would make the cascade re-dirty the wrong cell, so no
	// inverse edge survives except by derivation. The caller runs the
	// dirty sub-DAG through RunCells.
	for _, sh := range m.sheets {
		for _, cell := range sh.Cells {
			if cell.IsFormula() && !cell.IsSpilled() {
				cell.DependsOn = m.extractDeps(sh, cell.Compiled)
			}
		}
	}
	m.rebuildInverseEdges()

	// 8. The inverse operation is in res.Inverse/res.Deleted.
	return res, nil
}

func snapshotCell(a address.Address, cell *Cell) CellSnapshot {
	snap := CellSnapshot{Addr: a, Raw: cell.Raw}
	if len(cell.Attributes) > 0 {
		snap.Attributes = map[string]string{}
		for k, v := range cell.Attributes {
			snap.Attributes[k] = v
		}
	}
	return snap
}

func adjustFrozen(frozen int, t refs.Transform) (int, bool) {
	if t.Op == refs.InsertBefore {
		return frozen + t.Amount, true
	}
	overlap := min(frozen, t.Index+t.Amount) - t.Index
	if overlap < 0 {
		overlap = 0
	}
	return frozen - overlap, true
}

// inheritAttributes copies a cell attribute onto inserted lines when
// the bordering lines on both sides carry an equal value.
func (m *Model) inheritAttributes(s *Sheet, t refs.Transform) {
	if t.Index == 0 {
		return
	}
	before := t.Index - 1
	after := t.Index + t.Amount

	limit := s.Cols
	if t.Dim == refs.Cols {
		limit = s.Rows
	}
	for i := 0; i < limit; i++ {
		var prevAddr, nextAddr address.Address
		if t.Dim == refs.Rows {
			prevAddr = address.New(i, before, s.ID)
			nextAddr = address.New(i, after, s.ID)
		} else {
			prevAddr = address.New(before, i, s.ID)
			nextAddr = address.New(after, i, s.ID)
		}
		prev, next := s.Cells[prevAddr], s.Cells[nextAddr]
		if prev == nil || next == nil {
			continue
		}
		for name, v := range prev.Attributes {
			if next.Attributes[name] != v {
				continue
			}
			for line := t.Index; line < t.Index+t.Amount; line++ {
				var target address.Address
				if t.Dim == refs.Rows {
					target = address.New(i, line, s.ID)
				} else {
					target = address.New(line, i, s.ID)
				}
				cell := s.Cells[target]
				if cell == nil {
					cell = newCell()
					s.Cells[target] = cell
				}
				if cell.Attributes == nil {
					cell.Attributes = map[string]string{}
				}
				cell.Attributes[name] = v
			}
		}
	}

	// Axis sizes inherit the same way.
	attrs := &s.RowAttrs
	if t.Dim == refs.Cols {
		attrs = &s.ColAttrs
	}
	if prevSize, ok := attrs.Sizes[before]; ok {
		if nextSize, ok := attrs.Sizes[after]; ok && nextSize == prevSize {
			for line := t.Index; line < t.Index+t.Amount; line++ {
				attrs.Sizes[line] = prevSize
			}
		}
	}
}
