// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package notebook holds a tyne's code panel and REPL history: the
// durable source that defines functions and imports for the kernel,
// plus a bounded log of interactive executions and their outputs.
package notebook

import (
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/value"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet/refs"
)

var logger = loggo.GetLogger("neptyne.notebook")

const (
	// CodePanelID is the fixed id of the code panel cell.
	CodePanelID = "00"

	// MaxREPLHistory bounds the retained interactive cells; the oldest
	// fall off first. The code panel never falls off.
	MaxREPLHistory = 100

	// clearMarker in a stream resets the accumulated stream text, the
	// way a terminal erase-in-line does.
	clearMarker = "\x1b[2K"
)

// Cell is one notebook cell: the code panel at index 0, REPL entries
// after it.
type Cell struct {
	ID             string         `json:"cell_id"`
	Source         string         `json:"raw_code"`
	Outputs        []value.Output `json:"outputs,omitempty"`
	ExecutionCount int            `json:"execution_count,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Notebook is the ordered cell list. Index 0 is always the code panel.
type Notebook struct {
	Cells []Cell `json:"notebook_cells"`
}

// New returns a notebook with an empty code panel.
func New() *Notebook {
	return &Notebook{Cells: []Cell{{ID: CodePanelID}}}
}

// CodePanel returns the code panel cell.
func (n *Notebook) CodePanel() *Cell {
	return &n.Cells[0]
}

// Cell returns the cell with the given id.
func (n *Notebook) Cell(id string) (*Cell, error) {
	for i := range n.Cells {
		if n.Cells[i].ID == id {
			return &n.Cells[i], nil
		}
	}
	return nil, errors.NotFoundf("notebook cell %q", id)
}

// UpdateCodePanel replaces the code panel source. It reports whether
// the source changed, so callers know to mark the tyne for recompile.
func (n *Notebook) UpdateCodePanel(source string) bool {
	panel := n.CodePanel()
	if panel.Source == source {
		return false
	}
	panel.Source = source
	panel.Outputs = nil
	return true
}

// AddREPLCell records an interactive execution, evicting the oldest
// REPL entries beyond the history bound.
func (n *Notebook) AddREPLCell(id, source string) *Cell {
	if cell, err := n.Cell(id); err == nil {
		cell.Source = source
		cell.Outputs = nil
		return cell
	}
	n.Cells = append(n.Cells, Cell{ID: id, Source: source})
	if excess := len(n.Cells) - 1 - MaxREPLHistory; excess > 0 {
		logger.Debugf("evicting %d REPL cells", excess)
		n.Cells = append(n.Cells[:1], n.Cells[1+excess:]...)
	}
	cell, _ := n.Cell(id)
	return cell
}

// AddOutput appends kernel output to the cell. Stream outputs with the
// same stream name coalesce into one entry; a clear marker in the text
// resets the accumulated stream.
func (n *Notebook) AddOutput(id string, out value.Output) error {
	cell, err := n.Cell(id)
	if err != nil {
		return errors.Trace(err)
	}
	if out.Kind == value.OutputStream {
		for i := len(cell.Outputs) - 1; i >= 0; i-- {
			prev := &cell.Outputs[i]
			if prev.Kind == value.OutputStream && prev.StreamName == out.StreamName {
				prev.Text = applyClearMarker(prev.Text + out.Text)
				return nil
			}
		}
		out.Text = applyClearMarker(out.Text)
	}
	cell.Outputs = append(cell.Outputs, out)
	return nil
}

// SetExecutionCount records the kernel's execution counter for a cell.
func (n *Notebook) SetExecutionCount(id string, count int) error {
	cell, err := n.Cell(id)
	if err != nil {
		return errors.Trace(err)
	}
	cell.ExecutionCount = count
	return nil
}

// ClearOutputs discards a cell's outputs ahead of re-execution.
func (n *Notebook) ClearOutputs(id string) error {
	cell, err := n.Cell(id)
	if err != nil {
		return errors.Trace(err)
	}
	cell.Outputs = nil
	return nil
}

func applyClearMarker(text string) string {
	if i := strings.LastIndex(text, clearMarker); i >= 0 {
		return text[i+len(clearMarker):]
	}
	return text
}

// refPattern matches A1-style references embedded in code panel
// source: an optional sheet qualifier, then a cell or a rect.
var refPattern = regexp.MustCompile(
	`\b(?:[A-Za-z_][A-Za-z0-9_]*!)?\$?[A-Z]{1,3}\$?[0-9]+(?::\$?[A-Z]{1,3}\$?[0-9]+)?\b`)

// AdjustForTransform rewrites cell references inside the code panel
// source for a row/column insert or delete. The panel is interpreter
// source rather than formula text, so references are located by
// pattern rather than by the formula tokenizer. It reports whether the
// source changed and whether an infinite range was touched, which
// forces a kernel recompile because the binding extent moved.
func (n *Notebook) AdjustForTransform(t refs.Transform, defaultSheet string) (changed, touchedInfinite bool) {
	panel := n.CodePanel()
	if panel.Source == "" {
		return false, false
	}
	touchedInfinite = t.TouchesInfinite(panel.Source, defaultSheet)
	out := refPattern.ReplaceAllStringFunc(panel.Source, func(match string) string {
		ref, ok := refs.ParseRef(match)
		if !ok {
			return match
		}
		sameSheet := ref.Sheet == "" || ref.Sheet == t.SheetName
		if ref.Sheet == "" && defaultSheet != t.SheetName {
			sameSheet = false
		}
		rewritten, ok := t.ApplyToRef(ref, sameSheet)
		if !ok {
			return match
		}
		changed = changed || rewritten != match
		return rewritten
	})
	panel.Source = out
	return changed, touchedInfinite
}

// RenameSheet rewrites qualified references in the code panel when a
// sheet is renamed.
func (n *Notebook) RenameSheet(oldName, newName string) bool {
	panel := n.CodePanel()
	changed := false
	out := refPattern.ReplaceAllStringFunc(panel.Source, func(match string) string {
		ref, ok := refs.ParseRef(match)
		if !ok || ref.Sheet != oldName {
			return match
		}
		ref.Sheet = newName
		changed = true
		return ref.String()
	})
	panel.Source = out
	return changed
}
