// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package messages

import (
	"encoding/json"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet/refs"
)

// ExecuteRequest runs notebook code: REPL input, or cell formulas
// routed through the kernel.
type ExecuteRequest struct {
	Code      string `json:"code"`
	CellID    string `json:"cell_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	StoreHist bool   `json:"store_history,omitempty"`
}

// RunCells writes raw source into grid cells and triggers a cascade.
type RunCells struct {
	Cells   []sheet.CellSnapshot `json:"to_run"`
	ForUndo bool                 `json:"for_undo,omitempty"`
}

// ChangeCellAttribute updates one display attribute on a range.
type ChangeCellAttribute struct {
	Range     string `json:"cell_range"`
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// ChangeSheetAttribute updates a sheet-level attribute: axis sizes,
// hidden lines, frozen counts or free-form entries.
type ChangeSheetAttribute struct {
	SheetID   address.SheetID `json:"sheet_id"`
	Attribute string          `json:"attribute"`
	Value     json.RawMessage `json:"value"`
}

// InsertDeleteCells inserts or deletes rows/columns.
type InsertDeleteCells struct {
	Transform refs.Transform       `json:"transformation"`
	Populate  []sheet.CellSnapshot `json:"cells_to_populate,omitempty"`
}

// DragRowColumn moves rows or columns to a new position.
type DragRowColumn struct {
	Dim     refs.Dimension  `json:"dimension"`
	SheetID address.SheetID `json:"sheet_id"`
	Index   int             `json:"from_index"`
	Amount  int             `json:"amount"`
	Target  int             `json:"to_index"`
}

// RenameSheet renames a sheet.
type RenameSheet struct {
	SheetID address.SheetID `json:"sheet_id"`
	Name    string          `json:"name"`
}

// CreateSheet adds a sheet; an empty name auto-allocates.
type CreateSheet struct {
	Name string `json:"name,omitempty"`
}

// DeleteSheet removes a sheet.
type DeleteSheet struct {
	SheetID address.SheetID `json:"sheet_id"`
}

// CopyCells pastes a copied range at a new anchor.
type CopyCells struct {
	Source string `json:"source_range"`
	Anchor string `json:"anchor"`
}

// SheetAutofill extends a dragged selection.
type SheetAutofill struct {
	From    []string `json:"populated_from"`
	ToStart string   `json:"to_start"`
	ToEnd   string   `json:"to_end"`
}

// SaveKernelState asks the kernel for its state snapshot. ForClient
// snapshots go to the requesting client instead of blob storage.
type SaveKernelState struct {
	ForClient bool `json:"for_client,omitempty"`
}

// KernelState is the kernel's reply: a base64 encoded snapshot of the
// interpreter globals.
type KernelState struct {
	State string `json:"state"`
}

// SetSecret stores one user secret; SetSecrets replaces the tyne set.
type SetSecret struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SetSecrets replaces the tyne-level secrets wholesale.
type SetSecrets struct {
	Secrets map[string]string `json:"secrets"`
}

// InstallRequirements installs interpreter packages.
type InstallRequirements struct {
	Requirements string `json:"requirements"`
}

// RPCRequest invokes a named function in the kernel, for API calls.
type RPCRequest struct {
	Function string         `json:"function"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

// TickReply is the kernel's answer to a scheduled tick: which cells
// ran and when the next run is due (epoch seconds, 0 for none).
type TickReply struct {
	Addresses []string `json:"addresses,omitempty"`
	NextTick  int64    `json:"next_tick"`
}

// RerunCells asks the server to recompute the addressed cells, used by
// kernel-side code that invalidates grid state.
type RerunCells struct {
	Addresses []string `json:"addresses"`
	Changed   []string `json:"changed,omitempty"`
}

// Stream is incremental stdout/stderr text.
type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ExecuteReply closes out an execute request.
type ExecuteReply struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count,omitempty"`
}

// KernelError is a user-code error surfaced by the kernel.
type KernelError struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

// CellUpdate broadcasts recomputed cell state to clients.
type CellUpdate struct {
	Updates []CellChange `json:"updates"`
}

// CellChange is one cell's new state on the wire.
type CellChange struct {
	CellID     string            `json:"cell_id"`
	Code       string            `json:"code,omitempty"`
	Value      json.RawMessage   `json:"outputs,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SaveReply reports the outcome of a requested save.
type SaveReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
