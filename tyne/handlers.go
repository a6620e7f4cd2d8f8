// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tyne

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/messages"
	"github.com/ursgro/neptyne-spreadsheet-sub000/notebook"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet"
	"github.com/ursgro/neptyne-spreadsheet-sub000/state"
)

// clientDispatch builds the message-type to handler table. Every entry
// runs on the loop goroutine, so handlers touch the model freely.
func clientDispatch() map[string]handlerFunc {
	return map[string]handlerFunc{
		messages.MsgRunCells:             (*Process).handleRunCells,
		messages.MsgExecuteRequest:       (*Process).handleExecuteRequest,
		messages.MsgChangeCellAttribute:  (*Process).handleChangeCellAttribute,
		messages.MsgChangeSheetAttribute: (*Process).handleChangeSheetAttribute,
		messages.MsgInsertDeleteCells:    (*Process).handleInsertDelete,
		messages.MsgDragRowColumn:        (*Process).handleDragRowColumn,
		messages.MsgRenameSheet:          (*Process).handleRenameSheet,
		messages.MsgCreateSheet:          (*Process).handleCreateSheet,
		messages.MsgDeleteSheet:          (*Process).handleDeleteSheet,
		messages.MsgCopyCells:            (*Process).handleCopyCells,
		messages.MsgSheetAutofill:        (*Process).handleAutofill,
		messages.MsgSaveKernelState:      (*Process).handleSaveKernelState,
		messages.MsgSetSecret:            (*Process).handleSetSecret,
		messages.MsgSetSecrets:           (*Process).handleSetSecrets,
		messages.MsgInstallRequirements:  (*Process).handleInstallRequirements,
		messages.MsgRPCRequest:           (*Process).handleForwardToKernel,
		messages.MsgWidgetValueUpdate:    (*Process).handleForwardToKernel,
		messages.MsgWidgetGetState:       (*Process).handleForwardToKernel,
		messages.MsgWidgetValidate:       (*Process).handleForwardToKernel,
		messages.MsgReloadEnv:            (*Process).handleForwardToKernel,
		messages.MsgInterrupt:            (*Process).handleForwardToKernel,
		messages.MsgUndo:                 (*Process).handleUndo,
	}
}

func (p *Process) handleRunCells(req request) (*reply, error) {
	var content messages.RunCells
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	var addrs []address.Address
	for _, snap := range content.Cells {
		addrs = append(addrs, snap.Addr)
	}
	prev := p.prevSnapshots(addrs)

	dirty := address.NewSet()
	for _, snap := range content.Cells {
		d, err := p.model.SetCell(snap.Addr, snap.Raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(snap.Attributes) > 0 {
			for name, v := range snap.Attributes {
				if _, err := p.model.SetCellAttribute(snap.Addr, name, v); err != nil {
					return nil, errors.Trace(err)
				}
			}
		}
		dirty = dirty.Union(d)
	}
	update, err := p.runCascade(dirty)
	if err != nil {
		return nil, errors.Trace(err)
	}

	rep := &reply{broadcast: []messages.Message{update}}
	if !content.ForUndo {
		undo, err := messages.New(messages.MsgRunCells,
			messages.RunCells{Cells: prev, ForUndo: true})
		if err != nil {
			return nil, errors.Trace(err)
		}
		rep.undo = &undo
	}
	return rep, nil
}

func (p *Process) handleExecuteRequest(req request) (*reply, error) {
	var content messages.ExecuteRequest
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	if content.CellID == "" {
		content.CellID = uuid.NewString()
	}
	if content.CellID == notebook.CodePanelID {
		if changed := p.nb.UpdateCodePanel(content.Code); changed {
			p.markDirty()
		}
	} else {
		p.nb.AddREPLCell(content.CellID, content.Code)
		p.markDirty()
	}

	// The kernel runs the code; its outputs come back on the broadcast
	// channel and are attached to the cell as they arrive.
	out := req.msg
	out.Content = mustJSON(content)
	if err := p.sendToKernel(req, out); err != nil {
		return nil, errors.Trace(err)
	}
	p.cellByRequest[out.Header.MsgID] = content.CellID
	return &reply{broadcast: []messages.Message{out}}, nil
}

func (p *Process) handleChangeCellAttribute(req request) (*reply, error) {
	var content messages.ChangeCellAttribute
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	sheetID := metaSheetID(req.msg)
	rng, err := address.ParseRange(content.Range, sheetID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !rng.Bounded() {
		return nil, errors.NotValidf("unbounded attribute range %q", content.Range)
	}

	var undos []messages.Message
	for _, a := range rng.Addresses() {
		prev, err := p.model.SetCellAttribute(a, content.Attribute, content.Value)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if prev == content.Value {
			continue
		}
		undoMsg, err := messages.New(messages.MsgChangeCellAttribute,
			messages.ChangeCellAttribute{
				Range:     a.A1(),
				Attribute: content.Attribute,
				Value:     prev,
			})
		if err != nil {
			return nil, errors.Trace(err)
		}
		undoMsg.SetMeta(messages.MetaSheetID, int(sheetID))
		undos = append(undos, undoMsg)
	}
	p.markDirty()

	rep := &reply{broadcast: []messages.Message{req.msg}}
	if len(undos) > 0 {
		undo, err := messages.NewBatch(undos)
		if err != nil {
			return nil, errors.Trace(err)
		}
		rep.undo = &undo
	}
	return rep, nil
}

func (p *Process) handleChangeSheetAttribute(req request) (*reply, error) {
	var content messages.ChangeSheetAttribute
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	s, err := p.model.Sheet(content.SheetID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	prev, err := applySheetAttribute(s, content.Attribute, content.Value)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p.markDirty()

	undoMsg, err := messages.New(messages.MsgChangeSheetAttribute,
		messages.ChangeSheetAttribute{
			SheetID:   content.SheetID,
			Attribute: content.Attribute,
			Value:     prev,
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &reply{
		broadcast: []messages.Message{req.msg},
		undo:      &undoMsg,
	}, nil
}

// lineAttr addresses one row or column attribute on the wire.
type lineAttr struct {
	Index int  `json:"index"`
	Size  int  `json:"size,omitempty"`
	Hide  bool `json:"hide,omitempty"`
}

// applySheetAttribute sets one sheet-level attribute and returns the
// previous value encoded the same way, for undo.
func applySheetAttribute(s *sheet.Sheet, name string, value json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "rowSize", "colSize":
		var in lineAttr
		if err := json.Unmarshal(value, &in); err != nil {
			return nil, errors.Annotatef(err, "decoding %s", name)
		}
		attrs := &s.RowAttrs
		if name == "colSize" {
			attrs = &s.ColAttrs
		}
		prev := lineAttr{Index: in.Index, Size: attrs.Sizes[in.Index]}
		if in.Size == 0 {
			delete(attrs.Sizes, in.Index)
		} else {
			attrs.Sizes[in.Index] = in.Size
		}
		return json.Marshal(prev)
	case "rowHidden", "colHidden":
		var in lineAttr
		if err := json.Unmarshal(value, &in); err != nil {
			return nil, errors.Annotatef(err, "decoding %s", name)
		}
		attrs := &s.RowAttrs
		if name == "colHidden" {
			attrs = &s.ColAttrs
		}
		prev := lineAttr{Index: in.Index, Hide: attrs.Hidden[in.Index]}
		if in.Hide {
			attrs.Hidden[in.Index] = true
		} else {
			delete(attrs.Hidden, in.Index)
		}
		return json.Marshal(prev)
	case "rowsFrozen", "colsFrozen":
		var n int
		if err := json.Unmarshal(value, &n); err != nil {
			return nil, errors.Annotatef(err, "decoding %s", name)
		}
		attrs := &s.RowAttrs
		if name == "colsFrozen" {
			attrs = &s.ColAttrs
		}
		prev := attrs.Frozen
		attrs.Frozen = n
		return json.Marshal(prev)
	default:
		var prev json.RawMessage
		if old, ok := s.Extra[name]; ok {
			data, err := json.Marshal(old)
			if err != nil {
				return nil, errors.Trace(err)
			}
			prev = data
		} else {
			prev = json.RawMessage("null")
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, errors.Annotatef(err, "decoding %s", name)
		}
		if v == nil {
			delete(s.Extra, name)
		} else {
			s.Extra[name] = v
		}
		return prev, nil
	}
}

func (p *Process) handleInsertDelete(req request) (*reply, error) {
	var content messages.InsertDeleteCells
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	res, err := p.model.InsertDelete(content.Transform, content.Populate)
	if err != nil {
		return nil, errors.Trace(err)
	}

	s, err := p.model.Sheet(content.Transform.Sheet)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t := content.Transform
	t.SheetName = s.Name
	changed, touchedInfinite := p.nb.AdjustForTransform(t, p.defaultSheetName())
	if touchedInfinite {
		// The panel binds infinite ranges at compile time; moving the
		// extent invalidates the compiled form.
		p.md.RequiresRecompile = true
	}
	if changed {
		p.broadcastCodePanel()
	}

	update, err := p.runCascade(res.Dirty)
	if err != nil {
		return nil, errors.Trace(err)
	}
	echo := req.msg
	rep := &reply{broadcast: []messages.Message{echo, update}}

	undo, err := messages.New(messages.MsgInsertDeleteCells,
		messages.InsertDeleteCells{Transform: res.Inverse, Populate: res.Deleted})
	if err != nil {
		return nil, errors.Trace(err)
	}
	rep.undo = &undo
	return rep, nil
}

func (p *Process) handleDragRowColumn(req request) (*reply, error) {
	var content messages.DragRowColumn
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	del, ins, err := p.model.MoveRange(
		content.Dim, content.SheetID, content.Index, content.Amount, content.Target)
	if err != nil {
		return nil, errors.Trace(err)
	}

	changed, touchedInfinite := p.nb.AdjustForTransform(del.Inverse.Inverse(), p.defaultSheetName())
	if touchedInfinite {
		p.md.RequiresRecompile = true
	}
	if changed {
		p.broadcastCodePanel()
	}

	update, err := p.runCascade(del.Dirty.Union(ins.Dirty))
	if err != nil {
		return nil, errors.Trace(err)
	}
	rep := &reply{broadcast: []messages.Message{req.msg, update}}

	// Undo moves the block back from where it landed.
	insertAt := content.Target
	if content.Target > content.Index {
		insertAt = content.Target - content.Amount
	}
	backTarget := content.Index
	if insertAt < content.Index {
		backTarget = content.Index + content.Amount
	}
	undo, err := messages.New(messages.MsgDragRowColumn, messages.DragRowColumn{
		Dim:     content.Dim,
		SheetID: content.SheetID,
		Index:   insertAt,
		Amount:  content.Amount,
		Target:  backTarget,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	rep.undo = &undo
	return rep, nil
}

func (p *Process) handleRenameSheet(req request) (*reply, error) {
	var content messages.RenameSheet
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	s, err := p.model.Sheet(content.SheetID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	oldName := s.Name
	rewritten, err := p.model.RenameSheet(content.SheetID, content.Name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if p.nb.RenameSheet(oldName, content.Name) {
		p.broadcastCodePanel()
	}
	p.markDirty()

	broadcast := []messages.Message{req.msg}
	if len(rewritten) > 0 {
		update, err := p.cellUpdateFor(rewritten)
		if err != nil {
			return nil, errors.Trace(err)
		}
		broadcast = append(broadcast, update)
	}
	undo, err := messages.New(messages.MsgRenameSheet,
		messages.RenameSheet{SheetID: content.SheetID, Name: oldName})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &reply{broadcast: broadcast, undo: &undo}, nil
}

func (p *Process) handleCreateSheet(req request) (*reply, error) {
	var content messages.CreateSheet
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	s, err := p.model.AddSheet(content.Name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p.markDirty()

	// Echo with the allocated id and name filled in.
	echo, err := messages.Reply(req.msg, messages.MsgSheetUpdate, struct {
		SheetID address.SheetID `json:"sheet_id"`
		Name    string          `json:"name"`
	}{s.ID, s.Name})
	if err != nil {
		return nil, errors.Trace(err)
	}
	undo, err := messages.New(messages.MsgDeleteSheet,
		messages.DeleteSheet{SheetID: s.ID})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &reply{broadcast: []messages.Message{echo}, undo: &undo}, nil
}

func (p *Process) handleDeleteSheet(req request) (*reply, error) {
	var content messages.DeleteSheet
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	if err := p.model.DeleteSheet(content.SheetID); err != nil {
		return nil, errors.Trace(err)
	}
	p.markDirty()
	// Sheet ids are never reused, so deletion does not round trip
	// through undo; clients confirm before sending.
	return &reply{broadcast: []messages.Message{req.msg}}, nil
}

func (p *Process) handleCopyCells(req request) (*reply, error) {
	var content messages.CopyCells
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	sheetID := metaSheetID(req.msg)
	src, err := address.ParseRange(content.Source, sheetID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	anchor, err := address.Parse(content.Anchor)
	if err != nil {
		anchorCol, anchorRow, aerr := address.ParseA1(content.Anchor)
		if aerr != nil {
			return nil, errors.Trace(err)
		}
		anchor = address.New(anchorCol, anchorRow, sheetID)
	}

	writes, attrs, err := p.model.CopyPlan(src, anchor)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p.applyWrites(writes, attrs)
}

func (p *Process) handleAutofill(req request) (*reply, error) {
	var content messages.SheetAutofill
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	sheetID := metaSheetID(req.msg)
	from := make([]address.Address, 0, len(content.From))
	for _, s := range content.From {
		col, row, err := address.ParseA1(s)
		if err != nil {
			return nil, errors.Trace(err)
		}
		from = append(from, address.New(col, row, sheetID))
	}
	startCol, startRow, err := address.ParseA1(content.ToStart)
	if err != nil {
		return nil, errors.Trace(err)
	}
	endCol, endRow, err := address.ParseA1(content.ToEnd)
	if err != nil {
		return nil, errors.Trace(err)
	}

	writes, err := p.model.FillPlan(from,
		address.New(startCol, startRow, sheetID),
		address.New(endCol, endRow, sheetID))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p.applyWrites(writes, nil)
}

// applyWrites runs a computed write plan through the model, cascades,
// and synthesizes the run-cells undo from the pre-write snapshots.
func (p *Process) applyWrites(writes []sheet.Write, attrs []sheet.CellSnapshot) (*reply, error) {
	var addrs []address.Address
	for _, w := range writes {
		addrs = append(addrs, w.Addr)
	}
	prev := p.prevSnapshots(addrs)

	dirty := address.NewSet()
	for _, w := range writes {
		d, err := p.model.SetCell(w.Addr, w.Raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		dirty = dirty.Union(d)
	}
	for _, snap := range attrs {
		for name, v := range snap.Attributes {
			if _, err := p.model.SetCellAttribute(snap.Addr, name, v); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}
	update, err := p.runCascade(dirty)
	if err != nil {
		return nil, errors.Trace(err)
	}
	undo, err := messages.New(messages.MsgRunCells,
		messages.RunCells{Cells: prev, ForUndo: true})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &reply{broadcast: []messages.Message{update}, undo: &undo}, nil
}

func (p *Process) handleSaveKernelState(req request) (*reply, error) {
	var content messages.SaveKernelState
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	if content.ForClient {
		// The kernel replies with its state; the relay happens when the
		// reply arrives on the broadcast channel.
		out := req.msg
		out.SetMeta(messages.MetaForAPI, false)
		if err := p.sendToKernel(req, out); err != nil {
			return nil, errors.Trace(err)
		}
		return &reply{}, nil
	}
	if err := p.save(); err != nil {
		return nil, errors.Trace(err)
	}
	saved, err := messages.Reply(req.msg, messages.MsgSaveReply,
		messages.SaveReply{Success: true})
	if err != nil {
		return nil, errors.Trace(err)
	}
	saved.SetMeta(messages.MetaSaveCompleted, true)
	return &reply{broadcast: []messages.Message{saved}}, nil
}

func (p *Process) handleSetSecret(req request) (*reply, error) {
	var content messages.SetSecret
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	if req.email == "" {
		return nil, errors.Unauthorizedf("user secrets need an authenticated user")
	}
	ctx, cancel := p.opContext()
	defer cancel()
	if err := p.config.State.PutSecret(ctx, p.config.ID, req.email, content.Key, content.Value); err != nil {
		return nil, errors.Trace(err)
	}
	p.pushSecrets(req)
	return &reply{}, nil
}

func (p *Process) handleSetSecrets(req request) (*reply, error) {
	var content messages.SetSecrets
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	ctx, cancel := p.opContext()
	defer cancel()
	err := p.config.State.ReplaceSecrets(ctx, p.config.ID, state.TyneScope, content.Secrets)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p.pushSecrets(req)
	return &reply{}, nil
}

// pushSecrets sends the merged secret set to a running kernel; a kernel
// started later gets them during its handshake.
func (p *Process) pushSecrets(req request) {
	if p.kernelRef == nil {
		return
	}
	ctx, cancel := p.opContext()
	defer cancel()
	secrets, err := p.config.State.SecretsFor(ctx, p.config.ID, req.email)
	if err != nil {
		logger.Warningf("loading secrets for %s: %v", p.config.ID, err)
		return
	}
	msg, err := messages.New(messages.MsgSetSecrets, messages.SetSecrets{Secrets: secrets})
	if err != nil {
		logger.Warningf("encoding secrets push: %v", err)
		return
	}
	if err := p.kernelRef.Send(ctx, msg); err != nil {
		logger.Warningf("pushing secrets to kernel %s: %v", p.config.ID, err)
	}
}

func (p *Process) handleInstallRequirements(req request) (*reply, error) {
	var content messages.InstallRequirements
	if err := req.msg.DecodeContent(&content); err != nil {
		return nil, errors.Trace(err)
	}
	if p.md.Environment == nil {
		p.md.Environment = map[string]string{}
	}
	p.md.Environment["requirements"] = content.Requirements
	p.markDirty()
	if err := p.sendToKernel(req, req.msg); err != nil {
		return nil, errors.Trace(err)
	}
	return &reply{}, nil
}

// handleForwardToKernel relays messages whose semantics live entirely
// in the kernel: RPC invocations and widget traffic.
func (p *Process) handleForwardToKernel(req request) (*reply, error) {
	if err := p.sendToKernel(req, req.msg); err != nil {
		return nil, errors.Trace(err)
	}
	return &reply{}, nil
}

func (p *Process) handleUndo(req request) (*reply, error) {
	var payload messages.Message
	if err := req.msg.DecodeContent(&payload); err != nil {
		return nil, errors.Trace(err)
	}
	rep, err := p.handleClient(request{
		session: req.session,
		email:   req.email,
		msg:     payload,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if rep != nil {
		// Undoing an undo is redo; keep the chain alive.
		return rep, nil
	}
	return &reply{}, nil
}

// runCascade recomputes the dirty set and renders the changes as a
// cell_update broadcast.
func (p *Process) runCascade(dirty address.Set) (messages.Message, error) {
	ctx, cancel := context.WithTimeout(p.catacomb.Context(context.Background()), evalTimeout)
	defer cancel()
	changed, err := p.model.RunCells(ctx, p.evaluator(), dirty)
	if err != nil {
		return messages.Message{}, errors.Trace(err)
	}
	p.markDirty()
	return p.cellUpdateFor(changed)
}

// cellUpdateFor renders the addressed cells' current state.
func (p *Process) cellUpdateFor(addrs []address.Address) (messages.Message, error) {
	update := messages.CellUpdate{}
	for _, a := range addrs {
		change := messages.CellChange{CellID: a.String()}
		if cell := p.model.CellAt(a); cell != nil {
			change.Code = cell.Raw
			change.Attributes = cell.Attributes
			var encoded any = cell.Value
			if cell.Output != nil {
				encoded = cell.Output
			}
			data, err := json.Marshal(encoded)
			if err != nil {
				return messages.Message{}, errors.Trace(err)
			}
			change.Value = data
		}
		update.Updates = append(update.Updates, change)
	}
	return messages.New(messages.MsgCellUpdate, update)
}

// prevSnapshots captures the current content of the addresses so a
// run-cells undo can restore them.
func (p *Process) prevSnapshots(addrs []address.Address) []sheet.CellSnapshot {
	seen := address.NewSet()
	var out []sheet.CellSnapshot
	for _, a := range addrs {
		if seen.Contains(a) {
			continue
		}
		seen.Add(a)
		snap := sheet.CellSnapshot{Addr: a}
		if cell := p.model.CellAt(a); cell != nil {
			snap.Raw = cell.Raw
			if len(cell.Attributes) > 0 {
				snap.Attributes = map[string]string{}
				for k, v := range cell.Attributes {
					snap.Attributes[k] = v
				}
			}
		}
		out = append(out, snap)
	}
	return out
}

func (p *Process) defaultSheetName() string {
	ids := p.model.SheetIDs()
	if len(ids) == 0 {
		return ""
	}
	s, err := p.model.Sheet(ids[0])
	if err != nil {
		return ""
	}
	return s.Name
}

// broadcastCodePanel pushes the rewritten panel source to every client.
func (p *Process) broadcastCodePanel() {
	msg, err := messages.New(messages.MsgExecuteRequest, messages.ExecuteRequest{
		Code:   p.nb.CodePanel().Source,
		CellID: notebook.CodePanelID,
		Reason: "reference_rewrite",
	})
	if err != nil {
		logger.Errorf("encoding code panel broadcast: %v", err)
		return
	}
	for _, sub := range p.subscribers {
		sub.Send(msg)
	}
	p.markDirty()
}

func (p *Process) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(p.catacomb.Context(context.Background()), 10*time.Second)
}

// metaSheetID reads the sheet id metadata key; JSON numbers arrive as
// float64.
func metaSheetID(msg messages.Message) address.SheetID {
	switch v := msg.Metadata[messages.MetaSheetID].(type) {
	case float64:
		return address.SheetID(int(v))
	case int:
		return address.SheetID(v)
	}
	return 0
}
