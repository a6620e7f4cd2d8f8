// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sheet is the in-memory representation of a tyne's grids: the
// per-sheet cell maps, spill relationships, the dependency graph and
// sheet-level attributes, together with the transformations that keep
// references consistent under insert, delete, drag and rename.
package sheet

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/loggo/v2"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/value"
)

var logger = loggo.GetLogger("neptyne.sheet")

const (
	// DefaultCols and DefaultRows are the minimum grid dimensions. The
	// grid grows on writes and never shrinks below a populated address.
	DefaultCols = 26
	DefaultRows = 1000

	// MaxCascadeCount bounds how often a single address may be
	// re-dirtied within one cascade. The re-dirty beyond the limit is
	// dropped and an event logged, so runaway side-effect loops stop
	// while controlled convergence is allowed.
	MaxCascadeCount = 100
)

// Cell is one addressable slot: source, computed value, display
// attributes and dependency metadata.
type Cell struct {
	// Raw is the source as authored; formulas start with "=".
	Raw string

	// Compiled is the source rewritten for the interpreter's
	// reference-resolution layer. Empty for literals.
	Compiled string

	// Value is the current computed (or literal) value.
	Value value.Value

	// Output carries the rich kernel output, when there is one.
	Output *value.Output

	// Attributes is display metadata: color, font, alignment,
	// number-format, link, border, wrap, spans, execution policy,
	// render size, note.
	Attributes map[string]string

	// DependsOn holds the addresses the compiled expression reads.
	DependsOn address.Set

	// FeedsInto is the inverse of DependsOn across the model.
	FeedsInto address.Set

	// CalculatedBy is the spill origin for synthesized cells; nil for
	// cells authored directly.
	CalculatedBy *address.Address
}

// IsFormula reports whether the cell's source is a formula.
func (c *Cell) IsFormula() bool { return strings.HasPrefix(c.Raw, "=") }

// IsSpilled reports whether the cell was synthesized by a spill.
func (c *Cell) IsSpilled() bool { return c.CalculatedBy != nil }

// ExecutionPolicy returns the cell's tick policy in seconds; values
// above zero schedule autonomous re-execution.
func (c *Cell) ExecutionPolicy() int {
	raw, ok := c.Attributes[AttrExecutionPolicy]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func newCell() *Cell {
	return &Cell{
		DependsOn: address.NewSet(),
		FeedsInto: address.NewSet(),
	}
}

// Well-known cell attribute names.
const (
	AttrColor           = "color"
	AttrBackgroundColor = "backgroundColor"
	AttrFont            = "font"
	AttrFontSize        = "fontSize"
	AttrTextAlign       = "textAlign"
	AttrNumberFormat    = "numberFormat"
	AttrLink            = "link"
	AttrBorder          = "border"
	AttrLineWrap        = "lineWrap"
	AttrRowSpan         = "rowSpan"
	AttrColSpan         = "colSpan"
	AttrExecutionPolicy = "executionPolicy"
	AttrRenderWidth     = "renderWidth"
	AttrRenderHeight    = "renderHeight"
	AttrNote            = "note"
)

// AxisAttributes carries per-row or per-column sheet attributes, keyed
// by zero based line index.
type AxisAttributes struct {
	Sizes  map[int]int  `json:"sizes,omitempty"`
	Hidden map[int]bool `json:"hidden,omitempty"`
	Frozen int          `json:"frozen,omitempty"`
}

func newAxisAttributes() AxisAttributes {
	return AxisAttributes{Sizes: map[int]int{}, Hidden: map[int]bool{}}
}

// shift remaps the line-indexed maps through the given index mapping.
func (a *AxisAttributes) shift(mapIndex func(int) (int, bool)) {
	sizes := make(map[int]int, len(a.Sizes))
	for i, v := range a.Sizes {
		if ni, ok := mapIndex(i); ok {
			sizes[ni] = v
		}
	}
	a.Sizes = sizes
	hidden := make(map[int]bool, len(a.Hidden))
	for i, v := range a.Hidden {
		if ni, ok := mapIndex(i); ok {
			hidden[ni] = v
		}
	}
	a.Hidden = hidden
}

// Sheet is one 2D grid of cells within a tyne.
type Sheet struct {
	ID   address.SheetID
	Name string

	// Cols and Rows are the grid dimensions. They never shrink below
	// a populated address.
	Cols int
	Rows int

	// Cells maps address to cell. Addresses carry this sheet's id.
	Cells map[address.Address]*Cell

	RowAttrs AxisAttributes
	ColAttrs AxisAttributes

	// Extra is the free-form attribute bag (hidden headers flags,
	// color scheme and similar).
	Extra map[string]any
}

func newSheet(id address.SheetID, name string) *Sheet {
	return &Sheet{
		ID:       id,
		Name:     name,
		Cols:     DefaultCols,
		Rows:     DefaultRows,
		Cells:    map[address.Address]*Cell{},
		RowAttrs: newAxisAttributes(),
		ColAttrs: newAxisAttributes(),
		Extra:    map[string]any{},
	}
}

// Cell returns the cell at the address, or nil.
func (s *Sheet) Cell(a address.Address) *Cell { return s.Cells[a] }

// grow widens the grid to cover the address.
func (s *Sheet) grow(a address.Address) {
	if a.Col >= s.Cols {
		s.Cols = a.Col + 1
	}
	if a.Row >= s.Rows {
		s.Rows = a.Row + 1
	}
}

// PopulatedExtent returns the exclusive col/row bounds of stored cells.
func (s *Sheet) PopulatedExtent() (cols, rows int) {
	for a := range s.Cells {
		if a.Col >= cols {
			cols = a.Col + 1
		}
		if a.Row >= rows {
			rows = a.Row + 1
		}
	}
	return cols, rows
}

// ParseLiteral interprets non-formula raw source the way the grid
// does: numbers, booleans, ISO dates, else plain text.
func ParseLiteral(raw string) value.Value {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return value.Value{}
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return value.NewNumber(n)
	}
	switch strings.ToUpper(trimmed) {
	case "TRUE":
		return value.NewBool(true)
	case "FALSE":
		return value.NewBool(false)
	}
	if t, err := time.Parse("2006-01-02", trimmed); err == nil {
		return value.Value{Kind: value.Date, Time: t}
	}
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return value.NewDateTime(t)
	}
	return value.NewString(raw)
}
