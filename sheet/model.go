// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sheet

import (
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet/refs"
)

// Compiler rewrites raw formula source for the interpreter's
// reference-resolution layer. The production compiler lives behind the
// kernel protocol; the default strips the leading "=".
type Compiler interface {
	Compile(sheetName, raw string) (string, error)
}

type identityCompiler struct{}

func (identityCompiler) Compile(_, raw string) (string, error) {
	return strings.TrimPrefix(raw, "="), nil
}

// EventLogger records tyne events raised by model operations, such as
// a cascade hitting its re-dirty bound.
type EventLogger interface {
	LogEvent(severity tyne.Severity, message string, extra map[string]any)
}

type nopEvents struct{}

func (nopEvents) LogEvent(tyne.Severity, string, map[string]any) {}

// Model is the full sheet state of one tyne: every sheet, the
// dependency graph across them, and the sheet name/id mapping.
type Model struct {
	sheets map[address.SheetID]*Sheet
	order  []address.SheetID
	nextID address.SheetID

	compiler Compiler
	events   EventLogger
}

// Option configures a Model.
type Option func(*Model)

// WithCompiler replaces the default identity compiler.
func WithCompiler(c Compiler) Option {
	return func(m *Model) { m.compiler = c }
}

// WithEventLogger routes model events to the given sink.
func WithEventLogger(e EventLogger) Option {
	return func(m *Model) { m.events = e }
}

// NewModel returns a model holding a single empty "Sheet0".
func NewModel(opts ...Option) *Model {
	m := &Model{
		sheets:   map[address.SheetID]*Sheet{},
		compiler: identityCompiler{},
		events:   nopEvents{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sheets[0] = newSheet(0, "Sheet0")
	m.order = []address.SheetID{0}
	m.nextID = 1
	return m
}

// Sheet returns the sheet with the given id.
func (m *Model) Sheet(id address.SheetID) (*Sheet, error) {
	s, ok := m.sheets[id]
	if !ok {
		return nil, errors.NotFoundf("sheet %d", id)
	}
	return s, nil
}

// SheetByName returns the sheet with the given display name.
func (m *Model) SheetByName(name string) (*Sheet, error) {
	for _, s := range m.sheets {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, errors.NotFoundf("sheet %q", name)
}

// SheetIDs returns the sheet ids in display order.
func (m *Model) SheetIDs() []address.SheetID {
	out := make([]address.SheetID, len(m.order))
	copy(out, m.order)
	return out
}

// AddSheet creates a new sheet. An empty name allocates "SheetN".
func (m *Model) AddSheet(name string) (*Sheet, error) {
	if name == "" {
		name = "Sheet" + strconv.Itoa(int(m.nextID))
	}
	if err := validateSheetName(name); err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := m.SheetByName(name); err == nil {
		return nil, errors.AlreadyExistsf("sheet %q", name)
	}
	s := newSheet(m.nextID, name)
	m.sheets[s.ID] = s
	m.order = append(m.order, s.ID)
	m.nextID++
	return s, nil
}

// DeleteSheet removes a sheet and every graph edge into it. The last
// sheet cannot be deleted.
func (m *Model) DeleteSheet(id address.SheetID) error {
	s, err := m.Sheet(id)
	if err != nil {
		return errors.Trace(err)
	}
	if len(m.sheets) == 1 {
		return errors.NotValidf("deleting the only sheet")
	}
	for a := range s.Cells {
		m.dropEdges(a)
	}
	delete(m.sheets, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// RenameSheet renames a sheet and rewrites every qualified reference
// in every cell's raw and compiled source. It returns the addresses of
// rewritten cells. The old name survives nowhere.
func (m *Model) RenameSheet(id address.SheetID, newName string) ([]address.Address, error) {
	s, err := m.Sheet(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := validateSheetName(newName); err != nil {
		return nil, errors.Trace(err)
	}
	if other, err := m.SheetByName(newName); err == nil && other.ID != id {
		return nil, errors.AlreadyExistsf("sheet %q", newName)
	}
	oldName := s.Name
	s.Name = newName

	var rewritten []address.Address
	for _, sh := range m.sheets {
		for a, cell := range sh.Cells {
			if !cell.IsFormula() {
				continue
			}
			changed := false
			if out, ok := refs.RenameSheet(strings.TrimPrefix(cell.Raw, "="), oldName, newName); ok {
				cell.Raw = "=" + out
				changed = true
			}
			if out, ok := refs.RenameSheet(cell.Compiled, oldName, newName); ok {
				cell.Compiled = out
				changed = true
			}
			if changed {
				rewritten = append(rewritten, a)
			}
		}
	}
	sortAddresses(rewritten)
	return rewritten, nil
}

// CellAt returns the cell at the address, or nil when empty.
func (m *Model) CellAt(a address.Address) *Cell {
	s, ok := m.sheets[a.Sheet]
	if !ok {
		return nil
	}
	return s.Cells[a]
}

// SetCell writes raw source at the address and returns the directly
// dirty addresses (the address itself plus its dependents). Writing
// empty source deletes the cell. Spill rules:
//   - overwriting a spill origin clears its whole region first;
//   - writing inside a spill region clears the origin (and region);
//
// last writer wins in both directions.
func (m *Model) SetCell(a address.Address, raw string) (address.Set, error) {
	s, err := m.Sheet(a.Sheet)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dirty := address.NewSet()

	if existing := s.Cells[a]; existing != nil {
		if existing.IsSpilled() {
			// Writing into a spill region clears the origin.
			origin := *existing.CalculatedBy
			m.clearSpill(origin)
			if oc := m.CellAt(origin); oc != nil {
				m.deleteCell(origin, dirty)
			}
			dirty.Add(origin)
		} else {
			// Overwriting an origin clears its spill region.
			m.clearSpill(a)
		}
	}

	if strings.TrimSpace(raw) == "" {
		m.deleteCell(a, dirty)
		return dirty, nil
	}

	cell := s.Cells[a]
	if cell == nil {
		cell = newCell()
		s.Cells[a] = cell
		s.grow(a)
	}
	cell.CalculatedBy = nil
	cell.Raw = raw
	cell.Output = nil

	if strings.HasPrefix(raw, "=") {
		compiled, err := m.compiler.Compile(s.Name, raw)
		if err != nil {
			return nil, errors.Annotatef(err, "compiling %s", a)
		}
		cell.Compiled = compiled
		m.setDependencies(a, cell, m.extractDeps(s, compiled))
	} else {
		cell.Compiled = ""
		cell.Value = ParseLiteral(raw)
		m.setDependencies(a, cell, address.NewSet())
	}
	m.reattachDependents(a)

	dirty.Add(a)
	for _, dep := range cell.FeedsInto.Values() {
		dirty.Add(dep)
	}
	return dirty, nil
}

// SetCellAttribute sets (or clears, for empty value) one display
// attribute and returns the previous value for undo.
func (m *Model) SetCellAttribute(a address.Address, name, val string) (string, error) {
	s, err := m.Sheet(a.Sheet)
	if err != nil {
		return "", errors.Trace(err)
	}
	cell := s.Cells[a]
	if cell == nil {
		cell = newCell()
		s.Cells[a] = cell
		s.grow(a)
	}
	if cell.Attributes == nil {
		cell.Attributes = map[string]string{}
	}
	prev := cell.Attributes[name]
	if val == "" {
		delete(cell.Attributes, name)
	} else {
		cell.Attributes[name] = val
	}
	return prev, nil
}

// TickCells returns the addresses of cells with an execution policy
// above zero, in address order.
func (m *Model) TickCells() []address.Address {
	var out []address.Address
	for _, s := range m.sheets {
		for a, cell := range s.Cells {
			if cell.ExecutionPolicy() > 0 {
				out = append(out, a)
			}
		}
	}
	sortAddresses(out)
	return out
}

// deleteCell removes the cell and its outgoing edges; dependents are
// added to dirty. A spill origin takes its synthesized region along.
func (m *Model) deleteCell(a address.Address, dirty address.Set) {
	s, ok := m.sheets[a.Sheet]
	if !ok {
		return
	}
	cell := s.Cells[a]
	if cell == nil {
		return
	}
	m.clearSpill(a)
	for _, dep := range cell.FeedsInto.Values() {
		dirty.Add(dep)
	}
	m.dropEdges(a)
	delete(s.Cells, a)
}

// clearSpill removes every cell calculated by the origin and detaches
// the implicit dependency edges.
func (m *Model) clearSpill(origin address.Address) {
	s, ok := m.sheets[origin.Sheet]
	if !ok {
		return
	}
	for a, cell := range s.Cells {
		if cell.CalculatedBy == nil || *cell.CalculatedBy != origin {
			continue
		}
		if oc := s.Cells[origin]; oc != nil {
			oc.FeedsInto.Remove(a)
		}
		m.dropEdges(a)
		delete(s.Cells, a)
	}
}

// dropEdges disconnects the address from the graph in both directions.
func (m *Model) dropEdges(a address.Address) {
	cell := m.CellAt(a)
	if cell == nil {
		return
	}
	for _, dep := range cell.DependsOn.Values() {
		if dc := m.CellAt(dep); dc != nil {
			dc.FeedsInto.Remove(a)
		}
	}
	cell.DependsOn = address.NewSet()
}

// setDependencies replaces the cell's depends_on set, keeping the
// feeds_into inverse in sync. Reading an empty address creates no cell;
// the edge is registered when that address is later written, via
// reattachDependents.
func (m *Model) setDependencies(a address.Address, cell *Cell, deps address.Set) {
	m.dropEdges(a)
	cell.DependsOn = deps
	for _, dep := range deps.Values() {
		if dc := m.CellAt(dep); dc != nil {
			dc.FeedsInto.Add(a)
		}
	}
}

// extractDeps resolves every reference in compiled source to concrete
// addresses. Infinite ranges bind to the current populated extent.
func (m *Model) extractDeps(s *Sheet, compiled string) address.Set {
	deps := address.NewSet()
	for _, ref := range refs.References(compiled) {
		target := s
		if ref.Sheet != "" {
			other, err := m.SheetByName(ref.Sheet)
			if err != nil {
				continue
			}
			target = other
		}
		rng := ref.Range(target.ID)
		if !rng.Bounded() {
			cols, rows := target.PopulatedExtent()
			rng = rng.Clamp(cols, rows)
			if rng.MaxCol < rng.MinCol || rng.MaxRow < rng.MinRow {
				continue
			}
		}
		for _, a := range rng.Addresses() {
			deps.Add(a)
		}
	}
	return deps
}

// rebuildInverseEdges recomputes every feeds_into set from the
// depends_on edges, dropping anything keyed on an address that no
// longer exists. Address-moving operations use this to guarantee the
// two directions agree.
func (m *Model) rebuildInverseEdges() {
	for _, s := range m.sheets {
		for _, cell := range s.Cells {
			cell.FeedsInto = address.NewSet()
		}
	}
	for _, s := range m.sheets {
		for a, cell := range s.Cells {
			for _, dep := range cell.DependsOn.Values() {
				if dc := m.CellAt(dep); dc != nil {
					dc.FeedsInto.Add(a)
				}
			}
		}
	}
}

// reattachDependents rebuilds feeds_into edges pointing at the given
// address from cells that reference it. Called when a previously
// empty address becomes populated.
func (m *Model) reattachDependents(a address.Address) {
	cell := m.CellAt(a)
	if cell == nil {
		return
	}
	for _, s := range m.sheets {
		for other, oc := range s.Cells {
			if oc.DependsOn.Contains(a) {
				cell.FeedsInto.Add(other)
			}
		}
	}
}

func validateSheetName(name string) error {
	if name == "" || strings.TrimSpace(name) != name || strings.ContainsAny(name, "!'") {
		return errors.NotValidf("sheet name %q", name)
	}
	return nil
}

func sortAddresses(addrs []address.Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
}
