// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sheet

import (
	"encoding/json"

	"github.com/juju/errors"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/value"
)

// snapshotVersion is bumped when the persisted shape changes.
const snapshotVersion = 1

type cellDoc struct {
	Raw          string            `json:"raw_code"`
	Compiled     string            `json:"compiled_code,omitempty"`
	Value        *value.Value      `json:"value,omitempty"`
	Output       *value.Output     `json:"output,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	CalculatedBy string            `json:"calculated_by,omitempty"`
}

type sheetDoc struct {
	ID       address.SheetID    `json:"id"`
	Name     string             `json:"name"`
	Cols     int                `json:"n_cols"`
	Rows     int                `json:"n_rows"`
	Cells    map[string]cellDoc `json:"cells"`
	RowAttrs AxisAttributes     `json:"row_attributes"`
	ColAttrs AxisAttributes     `json:"col_attributes"`
	Extra    map[string]any     `json:"attributes,omitempty"`
}

type modelDoc struct {
	Version int             `json:"version"`
	Sheets  []sheetDoc      `json:"sheets"`
	NextID  address.SheetID `json:"next_sheet_id"`
}

// MarshalJSON serializes the model deterministically: sheets in display
// order, cells keyed by their serialized address (map keys sort on
// encode). Feeds-into edges are not stored; they are the inverse of
// depends-on and are rebuilt on load.
func (m *Model) MarshalJSON() ([]byte, error) {
	doc := modelDoc{Version: snapshotVersion, NextID: m.nextID}
	for _, id := range m.order {
		s := m.sheets[id]
		sd := sheetDoc{
			ID:       s.ID,
			Name:     s.Name,
			Cols:     s.Cols,
			Rows:     s.Rows,
			Cells:    map[string]cellDoc{},
			RowAttrs: s.RowAttrs,
			ColAttrs: s.ColAttrs,
		}
		if len(s.Extra) > 0 {
			sd.Extra = s.Extra
		}
		for a, cell := range s.Cells {
			cd := cellDoc{
				Raw:        cell.Raw,
				Compiled:   cell.Compiled,
				Attributes: cell.Attributes,
			}
			if !cell.Value.IsEmpty() {
				v := cell.Value
				cd.Value = &v
			}
			cd.Output = cell.Output
			if !cell.DependsOn.IsEmpty() {
				deps := cell.DependsOn.Values()
				sortAddresses(deps)
				for _, dep := range deps {
					cd.DependsOn = append(cd.DependsOn, dep.String())
				}
			}
			if cell.CalculatedBy != nil {
				cd.CalculatedBy = cell.CalculatedBy.String()
			}
			sd.Cells[a.String()] = cd
		}
		doc.Sheets = append(doc.Sheets, sd)
	}
	return json.Marshal(doc)
}

// UnmarshalJSON restores a model from its snapshot, rebuilding the
// feeds-into side of the graph from the stored depends-on edges.
func (m *Model) UnmarshalJSON(data []byte) error {
	var doc modelDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Trace(err)
	}
	if doc.Version != snapshotVersion {
		return errors.NotSupportedf("snapshot version %d", doc.Version)
	}
	if m.compiler == nil {
		m.compiler = identityCompiler{}
	}
	if m.events == nil {
		m.events = nopEvents{}
	}
	m.sheets = map[address.SheetID]*Sheet{}
	m.order = nil
	m.nextID = doc.NextID

	for _, sd := range doc.Sheets {
		s := newSheet(sd.ID, sd.Name)
		if sd.Cols > s.Cols {
			s.Cols = sd.Cols
		}
		if sd.Rows > s.Rows {
			s.Rows = sd.Rows
		}
		if sd.RowAttrs.Sizes != nil {
			s.RowAttrs = sd.RowAttrs
		}
		if sd.ColAttrs.Sizes != nil {
			s.ColAttrs = sd.ColAttrs
		}
		if sd.Extra != nil {
			s.Extra = sd.Extra
		}
		for key, cd := range sd.Cells {
			a, err := address.Parse(key)
			if err != nil {
				return errors.Annotatef(err, "cell key %q", key)
			}
			cell := newCell()
			cell.Raw = cd.Raw
			cell.Compiled = cd.Compiled
			cell.Attributes = cd.Attributes
			if cd.Value != nil {
				cell.Value = *cd.Value
			}
			cell.Output = cd.Output
			for _, dep := range cd.DependsOn {
				da, err := address.Parse(dep)
				if err != nil {
					return errors.Annotatef(err, "dependency %q of %q", dep, key)
				}
				cell.DependsOn.Add(da)
			}
			if cd.CalculatedBy != "" {
				origin, err := address.Parse(cd.CalculatedBy)
				if err != nil {
					return errors.Annotatef(err, "spill origin of %q", key)
				}
				cell.CalculatedBy = &origin
			}
			s.Cells[a] = cell
			if s.ID >= m.nextID {
				m.nextID = s.ID + 1
			}
		}
		m.sheets[s.ID] = s
		m.order = append(m.order, s.ID)
	}

	m.rebuildInverseEdges()
	return nil
}

// GridValues returns the sheet's values as a dense grid covering the
// populated extent, for client snapshots and exports.
func (s *Sheet) GridValues() value.Grid {
	cols, rows := s.PopulatedExtent()
	grid := make(value.Grid, rows)
	for r := 0; r < rows; r++ {
		grid[r] = make([]value.Value, cols)
	}
	for a, cell := range s.Cells {
		if a.Row < rows && a.Col < cols {
			grid[a.Row][a.Col] = cell.Value
		}
	}
	return grid
}

// FormulaAddresses returns every non-spilled formula address, in
// address order.
func (m *Model) FormulaAddresses() []address.Address {
	out := address.NewSet()
	for _, s := range m.sheets {
		for a, cell := range s.Cells {
			if cell.IsFormula() && !cell.IsSpilled() {
				out.Add(a)
			}
		}
	}
	addrs := out.Values()
	sortAddresses(addrs)
	return addrs
}
