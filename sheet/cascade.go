// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sheet

import (
	"context"

	"github.com/juju/errors"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/value"
)

// Write is an imperative cell write performed by a formula as a side
// effect. The written address is re-dirtied within the same cascade.
type Write struct {
	Addr address.Address
	Raw  string
}

// Result is the outcome of evaluating one compiled expression.
type Result struct {
	// Value is the scalar result; ignored when Grid or Err is set.
	Value value.Value

	// Grid is set for shape-producing expressions and triggers a spill.
	Grid value.Grid

	// Err is a user-code error to attach to the cell.
	Err *value.ErrorOutput

	// Writes are imperative writes to other cells.
	Writes []Write
}

// Evaluator executes compiled expressions. The production evaluator
// round-trips through the kernel; tests substitute a fake. The sheet
// model owns ordering, spill discipline and the dependency graph; the
// evaluator is a black box.
type Evaluator interface {
	Evaluate(ctx context.Context, a address.Address, compiled string) (Result, error)
}

// cycleError is attached to every member of a dependency cycle.
func cycleError() *value.ErrorOutput {
	return &value.ErrorOutput{Ename: "CycleError", Evalue: "cell is part of a dependency cycle"}
}

type cascade struct {
	model   *Model
	ev      Evaluator
	counts  map[address.Address]int
	pending address.Set
	changed address.Set
}

// RunCells recomputes the sub-DAG reachable from the dirty set in
// topological order over feeds_into, ties broken by address order. It
// returns every address whose value changed, in address order.
func (m *Model) RunCells(ctx context.Context, ev Evaluator, dirty address.Set) ([]address.Address, error) {
	c := &cascade{
		model:   m,
		ev:      ev,
		counts:  map[address.Address]int{},
		pending: address.NewSet(),
		changed: address.NewSet(),
	}
	for _, a := range dirty.Values() {
		c.enqueue(a)
	}
	if err := c.run(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	out := c.changed.Values()
	sortAddresses(out)
	return out, nil
}

// enqueue marks an address dirty, dropping the re-dirty once the
// address has been enqueued MaxCascadeCount times in this cascade.
func (c *cascade) enqueue(a address.Address) {
	if c.counts[a] >= MaxCascadeCount {
		logger.Warningf("cascade bound hit at %s; dropping re-dirty", a)
		c.model.events.LogEvent(tyne.SeverityError,
			"cell re-dirtied too often in one cascade",
			map[string]any{"cell": a.String(), "limit": MaxCascadeCount})
		return
	}
	c.counts[a]++
	c.pending.Add(a)
}

func (c *cascade) run(ctx context.Context) error {
	for !c.pending.IsEmpty() {
		a, ok := c.nextReady()
		if !ok {
			// Every pending cell waits on another pending cell: a
			// cycle. Mark all members rather than picking a victim.
			for _, member := range c.pending.Values() {
				if cell := c.model.CellAt(member); cell != nil {
					out := value.Output{Kind: value.OutputError, Error: cycleError()}
					cell.Output = &out
					cell.Value = value.Value{}
					c.changed.Add(member)
				}
			}
			return nil
		}
		c.pending.Remove(a)
		if err := c.evaluate(ctx, a); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// nextReady picks the smallest pending address none of whose
// dependencies is still pending.
func (c *cascade) nextReady() (address.Address, bool) {
	var best address.Address
	found := false
	for _, a := range c.pending.Values() {
		cell := c.model.CellAt(a)
		if cell != nil {
			blocked := false
			for _, dep := range cell.DependsOn.Values() {
				if dep != a && c.pending.Contains(dep) {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
		}
		if !found || a.Cmp(best) < 0 {
			best = a
			found = true
		}
	}
	return best, found
}

func (c *cascade) evaluate(ctx context.Context, a address.Address) error {
	cell := c.model.CellAt(a)
	if cell == nil {
		// Deleted while dirty; dependents were enqueued at delete time.
		c.changed.Add(a)
		return nil
	}
	if cell.IsSpilled() {
		// Value is owned by the origin, which replaced the region
		// before this address came up in the order.
		c.fanOut(cell)
		return nil
	}
	if !cell.IsFormula() {
		// Literal write: the value is already in place.
		c.changed.Add(a)
		c.fanOut(cell)
		return nil
	}

	res, err := c.ev.Evaluate(ctx, a, cell.Compiled)
	if err != nil {
		return errors.Annotatef(err, "evaluating %s", a)
	}

	switch {
	case res.Err != nil:
		out := value.Output{Kind: value.OutputError, Error: res.Err}
		cell.Output = &out
		cell.Value = value.Value{}
		c.changed.Add(a)
		c.fanOut(cell)
	case res.Grid != nil:
		c.spill(a, cell, res.Grid)
	default:
		if !cell.Value.Equal(res.Value) {
			c.changed.Add(a)
		}
		cell.Value = res.Value
		out := value.NewResult(res.Value)
		cell.Output = &out
		c.changed.Add(a)
		c.fanOut(cell)
	}

	for _, w := range res.Writes {
		dirty, err := c.model.SetCell(w.Addr, w.Raw)
		if err != nil {
			return errors.Trace(err)
		}
		for _, d := range dirty.Values() {
			c.enqueue(d)
		}
	}
	return nil
}

// spill replaces the origin's spill region atomically: the previous
// region is cleared, the new values written, and dependents recompute
// against the new region only.
func (c *cascade) spill(origin address.Address, cell *Cell, grid value.Grid) {
	s, err := c.model.Sheet(origin.Sheet)
	if err != nil {
		return
	}
	c.model.clearSpill(origin)

	rows, cols := grid.Dims()
	cell.Value = grid.At(0, 0)
	out := value.NewResult(cell.Value)
	cell.Output = &out
	c.changed.Add(origin)

	for r := 0; r < rows; r++ {
		for col := 0; col < cols; col++ {
			if r == 0 && col == 0 {
				continue
			}
			target := address.New(origin.Col+col, origin.Row+r, origin.Sheet)
			spilled := s.Cells[target]
			if spilled != nil && !spilled.IsSpilled() {
				// Last writer wins: the spill replaces whatever was
				// there; its dependents recompute against the new
				// value.
				c.model.dropEdges(target)
			}
			if spilled == nil {
				spilled = newCell()
				s.Cells[target] = spilled
				s.grow(target)
			}
			originCopy := origin
			spilled.Raw = ""
			spilled.Compiled = ""
			spilled.Value = grid.At(r, col)
			spilled.Output = nil
			spilled.CalculatedBy = &originCopy
			spilled.DependsOn = address.NewSet(origin)
			cell.FeedsInto.Add(target)
			c.model.reattachDependents(target)
			c.changed.Add(target)
			c.enqueue(target)
		}
	}
	c.fanOut(cell)
}

// fanOut enqueues every dependent of the cell.
func (c *cascade) fanOut(cell *Cell) {
	for _, dep := range cell.FeedsInto.Values() {
		c.enqueue(dep)
	}
}
