// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sheet

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/tiendc/go-deepcopy"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/value"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet/refs"
)

// FillPlan computes the writes for a drag fill from the sample cells
// into the target range. Formulas translate by offset; short numeric
// samples extend their arithmetic progression; anything else repeats
// cyclically. The plan is applied as a run-cells message so its undo
// is the natural inverse.
func (m *Model) FillPlan(from []address.Address, toStart, toEnd address.Address) ([]Write, error) {
	if len(from) == 0 {
		return nil, errors.NotValidf("empty drag source")
	}
	sortAddresses(from)
	target := address.NewRange(toStart, toEnd)
	if !target.Bounded() {
		return nil, errors.NotValidf("unbounded drag target")
	}

	samples := make([]*Cell, len(from))
	for i, a := range from {
		samples[i] = m.CellAt(a)
	}

	// A numeric progression fills with its closed form.
	if diff, ok := numericProgression(samples); ok {
		base := samples[0].Value.Number
		var writes []Write
		for i, a := range target.Addresses() {
			step := len(from) + i
			writes = append(writes, Write{
				Addr: a,
				Raw:  strconv.FormatFloat(base+diff*float64(step), 'g', -1, 64),
			})
		}
		return writes, nil
	}

	// Generic extend: repeat the sample pattern, translating formulas
	// by their distance from the matching sample.
	var writes []Write
	for i, a := range target.Addresses() {
		src := from[i%len(from)]
		cell := m.CellAt(src)
		raw := ""
		if cell != nil {
			raw = cell.Raw
		}
		if strings.HasPrefix(raw, "=") {
			translated, _ := refs.TranslateSource(strings.TrimPrefix(raw, "="), a.Col-src.Col, a.Row-src.Row)
			raw = "=" + translated
		}
		writes = append(writes, Write{Addr: a, Raw: raw})
	}
	return writes, nil
}

// numericProgression reports the common difference of the sample
// values when they form a short arithmetic progression.
func numericProgression(samples []*Cell) (float64, bool) {
	if len(samples) == 0 || len(samples) > 3 {
		return 0, false
	}
	for _, c := range samples {
		if c == nil || c.IsFormula() || c.Value.Kind != value.Number {
			return 0, false
		}
	}
	if len(samples) == 1 {
		return 1, true
	}
	diff := samples[1].Value.Number - samples[0].Value.Number
	for i := 2; i < len(samples); i++ {
		if samples[i].Value.Number-samples[i-1].Value.Number != diff {
			return 0, false
		}
	}
	return diff, true
}

// CopyPlan computes the writes for a copy/paste of the source range
// anchored at to. Relative references translate by the destination
// offset; absolute components stay put. Attributes travel with the
// cells.
func (m *Model) CopyPlan(src address.Range, to address.Address) ([]Write, []CellSnapshot, error) {
	if !src.Bounded() {
		return nil, nil, errors.NotValidf("unbounded copy source")
	}
	dCols := to.Col - src.MinCol
	dRows := to.Row - src.MinRow

	var writes []Write
	var attrs []CellSnapshot
	for _, a := range src.Addresses() {
		target := address.New(a.Col+dCols, a.Row+dRows, to.Sheet)
		cell := m.CellAt(a)
		raw := ""
		var copied map[string]string
		if cell != nil {
			raw = cell.Raw
			if strings.HasPrefix(raw, "=") {
				translated, _ := refs.TranslateSource(strings.TrimPrefix(raw, "="), dCols, dRows)
				raw = "=" + translated
			}
			if len(cell.Attributes) > 0 {
				if err := deepcopy.Copy(&copied, cell.Attributes); err != nil {
					return nil, nil, errors.Trace(err)
				}
			}
		}
		writes = append(writes, Write{Addr: target, Raw: raw})
		if copied != nil {
			attrs = append(attrs, CellSnapshot{Addr: target, Raw: raw, Attributes: copied})
		}
	}
	return writes, attrs, nil
}

// MoveRange moves amount rows or columns from index to before target
// index, preserving attributes and rewriting references: a remove at
// the source followed by an insert at the shifted destination.
func (m *Model) MoveRange(dim refs.Dimension, sheetID address.SheetID, index, amount, target int) (*InsertDeleteResult, *InsertDeleteResult, error) {
	s, err := m.Sheet(sheetID)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if target >= index && target < index+amount {
		return nil, nil, errors.NotValidf("moving a range into itself")
	}
	del, err := m.InsertDelete(refs.Transform{
		Dim: dim, Op: refs.Delete, Index: index, Amount: amount,
		Sheet: sheetID, SheetName: s.Name,
	}, nil)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	insertAt := target
	if target > index {
		insertAt = target - amount
	}
	// Restore the captured cells at their destination.
	restored := make([]CellSnapshot, 0, len(del.Deleted))
	for _, snap := range del.Deleted {
		na := snap.Addr
		if dim == refs.Rows {
			na.Row = insertAt + (na.Row - index)
		} else {
			na.Col = insertAt + (na.Col - index)
		}
		restored = append(restored, CellSnapshot{Addr: na, Raw: snap.Raw, Attributes: snap.Attributes})
	}
	ins, err := m.InsertDelete(refs.Transform{
		Dim: dim, Op: refs.InsertBefore, Index: insertAt, Amount: amount,
		Sheet: sheetID, SheetName: s.Name,
	}, restored)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return del, ins, nil
}
