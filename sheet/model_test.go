// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sheet_test

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/value"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet/refs"
)

type ModelSuite struct{}

var _ = gc.Suite(&ModelSuite{})

func addr(col, row int) address.Address {
	return address.New(col, row, 0)
}

// sumEvaluator resolves SUM-style formulas by adding up the numeric
// values of every referenced cell.
type sumEvaluator struct {
	m *sheet.Model
}

func (e sumEvaluator) Evaluate(_ context.Context, a address.Address, compiled string) (sheet.Result, error) {
	total := 0.0
	for _, r := range refs.References(compiled) {
		for _, ra := range r.Range(a.Sheet).Addresses() {
			if c := e.m.CellAt(ra); c != nil {
				total += c.Value.Number
			}
		}
	}
	return sheet.Result{Value: value.NewNumber(total)}, nil
}

// gridEvaluator answers every formula with a fixed grid, spilling it.
type gridEvaluator struct {
	grid value.Grid
}

func (e gridEvaluator) Evaluate(context.Context, address.Address, string) (sheet.Result, error) {
	return sheet.Result{Grid: e.grid}, nil
}

type eventRecorder struct {
	messages []string
}

func (r *eventRecorder) LogEvent(_ tyne.Severity, message string, _ map[string]any) {
	r.messages = append(r.messages, message)
}

func (s *ModelSuite) TestSetCellLiteralAndDirty(c *gc.C) {
	m := sheet.NewModel()
	dirty, err := m.SetCell(addr(0, 0), "42")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(dirty.Contains(addr(0, 0)), jc.IsTrue)
	c.Assert(m.CellAt(addr(0, 0)).Value, gc.DeepEquals, value.NewNumber(42))
}

func (s *ModelSuite) TestFormulaDependencyEdges(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 0), "1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCell(addr(1, 0), "=A1")
	c.Assert(err, jc.ErrorIsNil)

	b1 := m.CellAt(addr(1, 0))
	c.Assert(b1.DependsOn.Contains(addr(0, 0)), jc.IsTrue)
	c.Assert(m.CellAt(addr(0, 0)).FeedsInto.Contains(addr(1, 0)), jc.IsTrue)

	// Rewriting A1 dirties its dependent.
	dirty, err := m.SetCell(addr(0, 0), "2")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(dirty.Contains(addr(1, 0)), jc.IsTrue)
}

func (s *ModelSuite) TestDependentOnLaterWrite(c *gc.C) {
	// A formula referencing an empty address picks up the edge when
	// that address is eventually written.
	m := sheet.NewModel()
	_, err := m.SetCell(addr(1, 0), "=A1")
	c.Assert(err, jc.ErrorIsNil)
	dirty, err := m.SetCell(addr(0, 0), "7")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(dirty.Contains(addr(1, 0)), jc.IsTrue)
}

func (s *ModelSuite) TestSpillThenOverwriteRegion(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 0), "=range(2)")
	c.Assert(err, jc.ErrorIsNil)

	ev := gridEvaluator{grid: value.Grid{{value.NewNumber(0)}, {value.NewNumber(1)}}}
	changed, err := m.RunCells(context.Background(), ev, dirtySet(addr(0, 0)))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(changed, gc.DeepEquals, []address.Address{addr(0, 0), addr(0, 1)})

	a2 := m.CellAt(addr(0, 1))
	c.Assert(a2.IsSpilled(), jc.IsTrue)
	c.Assert(*a2.CalculatedBy, gc.Equals, addr(0, 0))
	c.Assert(a2.Value, gc.DeepEquals, value.NewNumber(1))

	// Writing into the spill region clears the origin and its region;
	// only the new literal survives.
	_, err = m.SetCell(addr(0, 1), "test")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.CellAt(addr(0, 0)), gc.IsNil)
	got := m.CellAt(addr(0, 1))
	c.Assert(got.Raw, gc.Equals, "test")
	c.Assert(got.IsSpilled(), jc.IsFalse)
}

func (s *ModelSuite) TestOverwriteSpillOriginClearsRegion(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 0), "=range(2)")
	c.Assert(err, jc.ErrorIsNil)
	ev := gridEvaluator{grid: value.Grid{{value.NewNumber(0)}, {value.NewNumber(1)}}}
	_, err = m.RunCells(context.Background(), ev, dirtySet(addr(0, 0)))
	c.Assert(err, jc.ErrorIsNil)

	_, err = m.SetCell(addr(0, 0), "5")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.CellAt(addr(0, 1)), gc.IsNil)
	c.Assert(m.CellAt(addr(0, 0)).Value, gc.DeepEquals, value.NewNumber(5))
}

func (s *ModelSuite) TestDeleteRowRewritesRangeReference(c *gc.C) {
	m := sheet.NewModel()
	for i, raw := range []string{"1", "2", "3", "4"} {
		_, err := m.SetCell(addr(0, i), raw)
		c.Assert(err, jc.ErrorIsNil)
	}
	_, err := m.SetCell(addr(1, 0), "=SUM(A1:A4)")
	c.Assert(err, jc.ErrorIsNil)

	res, err := m.InsertDelete(refs.Transform{
		Dim: refs.Rows, Op: refs.Delete, Index: 1, Amount: 1, Sheet: 0,
	}, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.CellAt(addr(1, 0)).Raw, gc.Equals, "=SUM(A1:A3)")
	c.Assert(res.Dirty.Contains(addr(1, 0)), jc.IsTrue)

	changed, err := m.RunCells(context.Background(), sumEvaluator{m}, res.Dirty)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(changed, gc.Not(gc.HasLen), 0)
	c.Assert(m.CellAt(addr(1, 0)).Value, gc.DeepEquals, value.NewNumber(8))
}

func (s *ModelSuite) TestDeleteRowCapturesInverse(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 1), "hello")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCellAttribute(addr(0, 1), sheet.AttrColor, "#ff0000")
	c.Assert(err, jc.ErrorIsNil)

	res, err := m.InsertDelete(refs.Transform{
		Dim: refs.Rows, Op: refs.Delete, Index: 1, Amount: 1, Sheet: 0,
	}, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.CellAt(addr(0, 1)), gc.IsNil)
	c.Assert(res.Deleted, gc.HasLen, 1)
	c.Assert(res.Deleted[0].Raw, gc.Equals, "hello")
	c.Assert(res.Inverse.Op, gc.Equals, refs.InsertBefore)

	// Applying the inverse with the captured cells restores the row.
	_, err = m.InsertDelete(res.Inverse, res.Deleted)
	c.Assert(err, jc.ErrorIsNil)
	restored := m.CellAt(addr(0, 1))
	c.Assert(restored, gc.NotNil)
	c.Assert(restored.Raw, gc.Equals, "hello")
	c.Assert(restored.Attributes[sheet.AttrColor], gc.Equals, "#ff0000")
}

func (s *ModelSuite) TestInsertRowShiftsCellsAndFormulas(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 1), "9")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCell(addr(1, 0), "=A2")
	c.Assert(err, jc.ErrorIsNil)

	_, err = m.InsertDelete(refs.Transform{
		Dim: refs.Rows, Op: refs.InsertBefore, Index: 1, Amount: 2, Sheet: 0,
	}, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.CellAt(addr(0, 1)), gc.IsNil)
	c.Assert(m.CellAt(addr(0, 3)).Raw, gc.Equals, "9")
	c.Assert(m.CellAt(addr(1, 0)).Raw, gc.Equals, "=A4")
}

func (s *ModelSuite) TestRenameSheetRewritesReferences(c *gc.C) {
	m := sheet.NewModel()
	other, err := m.AddSheet("Sheet1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCell(address.New(0, 0, other.ID), "=Sheet0!A1")
	c.Assert(err, jc.ErrorIsNil)

	rewritten, err := m.RenameSheet(0, "newSheet")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rewritten, gc.DeepEquals, []address.Address{address.New(0, 0, other.ID)})
	c.Assert(m.CellAt(address.New(0, 0, other.ID)).Raw, gc.Equals, "=newSheet!A1")
}

func (s *ModelSuite) TestRenameSheetRejectsDuplicate(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.AddSheet("Sheet1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.RenameSheet(0, "Sheet1")
	c.Assert(err, jc.ErrorIs, errors.AlreadyExists)
}

func (s *ModelSuite) TestDeleteLastSheetRejected(c *gc.C) {
	m := sheet.NewModel()
	err := m.DeleteSheet(0)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *ModelSuite) TestInfiniteRangeBindsToPopulatedExtent(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 0), "1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCell(addr(0, 1), "2")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCell(addr(1, 0), "=SUM(A:A)")
	c.Assert(err, jc.ErrorIsNil)

	b1 := m.CellAt(addr(1, 0))
	c.Assert(b1.DependsOn.Contains(addr(0, 0)), jc.IsTrue)
	c.Assert(b1.DependsOn.Contains(addr(0, 1)), jc.IsTrue)
	c.Assert(b1.DependsOn.Contains(addr(0, 2)), jc.IsFalse)
}

func (s *ModelSuite) TestCycleMarksAllMembers(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 0), "=B1")
	c.Assert(err, jc.ErrorIsNil)
	dirty, err := m.SetCell(addr(1, 0), "=A1")
	c.Assert(err, jc.ErrorIsNil)

	_, err = m.RunCells(context.Background(), sumEvaluator{m}, dirty)
	c.Assert(err, jc.ErrorIsNil)
	for _, a := range []address.Address{addr(0, 0), addr(1, 0)} {
		cell := m.CellAt(a)
		c.Assert(cell.Output, gc.NotNil)
		c.Assert(cell.Output.IsError(), jc.IsTrue)
		c.Assert(cell.Output.Error.Ename, gc.Equals, "CycleError")
	}
}

// writeLoopEvaluator rewrites its own dependency on every evaluation,
// so the cascade would never settle without the re-dirty bound.
type writeLoopEvaluator struct {
	m     *sheet.Model
	count int
}

func (e *writeLoopEvaluator) Evaluate(_ context.Context, _ address.Address, _ string) (sheet.Result, error) {
	e.count++
	return sheet.Result{
		Value:  value.NewNumber(float64(e.count)),
		Writes: []sheet.Write{{Addr: addr(1, 0), Raw: strconv.Itoa(e.count)}},
	}, nil
}

func (s *ModelSuite) TestCascadeBoundStopsSideEffectLoop(c *gc.C) {
	rec := &eventRecorder{}
	m := sheet.NewModel(sheet.WithEventLogger(rec))
	_, err := m.SetCell(addr(1, 0), "0")
	c.Assert(err, jc.ErrorIsNil)
	dirty, err := m.SetCell(addr(0, 0), "=B1+1")
	c.Assert(err, jc.ErrorIsNil)

	ev := &writeLoopEvaluator{m: m}
	_, err = m.RunCells(context.Background(), ev, dirty)
	c.Assert(err, jc.ErrorIsNil)
	// The loop runs until the re-dirty bound trips, then drains.
	c.Assert(ev.count > 1, jc.IsTrue)
	c.Assert(ev.count <= sheet.MaxCascadeCount, jc.IsTrue)
	c.Assert(rec.messages, gc.Not(gc.HasLen), 0)
	c.Assert(rec.messages[0], gc.Equals, "cell re-dirtied too often in one cascade")
}

func (s *ModelSuite) TestFillPlanArithmeticProgression(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 0), "1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCell(addr(0, 1), "3")
	c.Assert(err, jc.ErrorIsNil)

	writes, err := m.FillPlan([]address.Address{addr(0, 0), addr(0, 1)}, addr(0, 2), addr(0, 4))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(writes, gc.DeepEquals, []sheet.Write{
		{Addr: addr(0, 2), Raw: "5"},
		{Addr: addr(0, 3), Raw: "7"},
		{Addr: addr(0, 4), Raw: "9"},
	})
}

func (s *ModelSuite) TestFillPlanTranslatesFormulas(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(1, 0), "=A1*2")
	c.Assert(err, jc.ErrorIsNil)

	writes, err := m.FillPlan([]address.Address{addr(1, 0)}, addr(1, 1), addr(1, 2))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(writes, gc.DeepEquals, []sheet.Write{
		{Addr: addr(1, 1), Raw: "=A2*2"},
		{Addr: addr(1, 2), Raw: "=A3*2"},
	})
}

func (s *ModelSuite) TestCopyPlanKeepsAbsoluteComponents(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(1, 0), "=$A$1+A1")
	c.Assert(err, jc.ErrorIsNil)

	writes, _, err := m.CopyPlan(
		address.NewRange(addr(1, 0), addr(1, 0)), addr(1, 2))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(writes, gc.HasLen, 1)
	c.Assert(writes[0].Raw, gc.Equals, "=$A$1+A3")
}

func (s *ModelSuite) TestSnapshotRoundTrip(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 0), "1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCell(addr(1, 0), "=A1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCellAttribute(addr(0, 0), sheet.AttrColor, "#00ff00")
	c.Assert(err, jc.ErrorIsNil)

	data, err := json.Marshal(m)
	c.Assert(err, jc.ErrorIsNil)

	restored := sheet.NewModel()
	err = json.Unmarshal(data, restored)
	c.Assert(err, jc.ErrorIsNil)

	a1 := restored.CellAt(addr(0, 0))
	c.Assert(a1.Raw, gc.Equals, "1")
	c.Assert(a1.Value, gc.DeepEquals, value.NewNumber(1))
	c.Assert(a1.Attributes[sheet.AttrColor], gc.Equals, "#00ff00")
	// Inverse edges are rebuilt on load.
	c.Assert(a1.FeedsInto.Contains(addr(1, 0)), jc.IsTrue)
	c.Assert(restored.CellAt(addr(1, 0)).DependsOn.Contains(addr(0, 0)), jc.IsTrue)
}

func (s *ModelSuite) TestTickCells(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 0), "=now()")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCellAttribute(addr(0, 0), sheet.AttrExecutionPolicy, "60")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.TickCells(), gc.DeepEquals, []address.Address{addr(0, 0)})
}

// countingSpillEvaluator spills range(2) formulas and answers anything
// else with 1, counting every evaluation.
type countingSpillEvaluator struct {
	count int
}

func (e *countingSpillEvaluator) Evaluate(_ context.Context, _ address.Address, compiled string) (sheet.Result, error) {
	e.count++
	if compiled == "range(2)" {
		return sheet.Result{Grid: value.Grid{
			{value.NewNumber(0)},
			{value.NewNumber(1)},
		}}, nil
	}
	return sheet.Result{Value: value.NewNumber(1)}, nil
}

// assertSymmetricEdges checks the dependency graph both ways: every
// depends_on entry has its feeds_into inverse, every feeds_into entry
// names a live cell that depends on its source, and nothing feeds into
// itself.
func assertSymmetricEdges(c *gc.C, m *sheet.Model) {
	for _, id := range m.SheetIDs() {
		sh, err := m.Sheet(id)
		c.Assert(err, jc.ErrorIsNil)
		for a, cell := range sh.Cells {
			c.Assert(cell.FeedsInto.Contains(a), jc.IsFalse,
				gc.Commentf("cell %s feeds into itself", a))
			for _, dep := range cell.DependsOn.Values() {
				if dc := m.CellAt(dep); dc != nil {
					c.Assert(dc.FeedsInto.Contains(a), jc.IsTrue,
						gc.Commentf("missing inverse edge %s -> %s", dep, a))
				}
			}
			for _, dependent := range cell.FeedsInto.Values() {
				dc := m.CellAt(dependent)
				c.Assert(dc, gc.NotNil,
					gc.Commentf("feeds_into of %s names deleted cell %s", a, dependent))
				c.Assert(dc.DependsOn.Contains(a), jc.IsTrue,
					gc.Commentf("stale edge %s -> %s", a, dependent))
			}
		}
	}
}

func (s *ModelSuite) TestInsertRowOverSpillKeepsGraphConsistent(c *gc.C) {
	// The insert shifts the spill origin onto the address its own
	// spilled cell occupied before the shift, which is exactly where a
	// stale pre-shift edge would become a self edge.
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 0), "=range(2)")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCell(addr(1, 0), "=A1")
	c.Assert(err, jc.ErrorIsNil)
	ev := &countingSpillEvaluator{}
	_, err = m.RunCells(context.Background(), ev, dirtySet(addr(0, 0), addr(1, 0)))
	c.Assert(err, jc.ErrorIsNil)

	res, err := m.InsertDelete(refs.Transform{
		Dim: refs.Rows, Op: refs.InsertBefore, Index: 0, Amount: 1, Sheet: 0,
	}, nil)
	c.Assert(err, jc.ErrorIsNil)
	assertSymmetricEdges(c, m)

	// The recompute settles without tripping the re-dirty bound.
	ev.count = 0
	_, err = m.RunCells(context.Background(), ev, res.Dirty)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ev.count < sheet.MaxCascadeCount/2, jc.IsTrue,
		gc.Commentf("%d evaluations for a two-formula recompute", ev.count))
	assertSymmetricEdges(c, m)

	// The moved formula still reads the moved origin.
	c.Assert(m.CellAt(addr(1, 1)).Raw, gc.Equals, "=A2")
	c.Assert(m.CellAt(addr(0, 1)).FeedsInto.Contains(addr(1, 1)), jc.IsTrue)
}

func (s *ModelSuite) TestDeleteRowDropsEdgesOfRemovedCells(c *gc.C) {
	m := sheet.NewModel()
	_, err := m.SetCell(addr(0, 0), "1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.SetCell(addr(0, 1), "=A1")
	c.Assert(err, jc.ErrorIsNil)

	// Deleting the dependent's row must remove it from A1's feeds_into.
	_, err = m.InsertDelete(refs.Transform{
		Dim: refs.Rows, Op: refs.Delete, Index: 1, Amount: 1, Sheet: 0,
	}, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.CellAt(addr(0, 0)).FeedsInto.IsEmpty(), jc.IsTrue)
	assertSymmetricEdges(c, m)
}

func dirtySet(addrs ...address.Address) address.Set {
	s := address.NewSet()
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}
