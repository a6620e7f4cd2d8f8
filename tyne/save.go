// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tyne

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"

	coretyne "github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/messages"
	"github.com/ursgro/neptyne-spreadsheet-sub000/notebook"
)

// snapshotDoc is the persisted shape of a tyne's content: metadata,
// sheets and notebook in one blob.
type snapshotDoc struct {
	Metadata coretyne.Metadata `json:"metadata"`
	Sheets   json.RawMessage   `json:"sheets"`
	Notebook []notebook.Cell   `json:"notebook_cells"`
}

// kernelStatePath is the object path of the interpreter state snapshot.
func kernelStatePath(id coretyne.ID) string {
	return string(id) + ".state"
}

// load restores the tyne's content from blob storage. A missing blob
// means a new tyne; anything else is fatal.
func (p *Process) load() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	data, err := p.config.Store.Get(ctx, p.config.ID.BlobPath())
	if errors.Is(err, errors.NotFound) {
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "loading tyne %s", p.config.ID)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Annotatef(err, "decoding tyne %s", p.config.ID)
	}
	if doc.Metadata.ID != "" {
		p.md = doc.Metadata
	}
	if len(doc.Sheets) > 0 {
		if err := p.model.UnmarshalJSON(doc.Sheets); err != nil {
			return errors.Annotatef(err, "decoding sheets of %s", p.config.ID)
		}
	}
	if len(doc.Notebook) > 0 {
		p.nb.Cells = doc.Notebook
	}
	return nil
}

// snapshotLocked renders the current document. Loop goroutine only.
func (p *Process) snapshotLocked() ([]byte, error) {
	sheets, err := p.model.MarshalJSON()
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc := snapshotDoc{
		Metadata: p.md,
		Sheets:   sheets,
		Notebook: p.nb.Cells,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// save writes the snapshot, bumps the version and asks the kernel for
// its state. Loop goroutine only. The context is independent of the
// catacomb so the shutdown flush still goes through.
func (p *Process) save() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.md.Version++
	p.md.LastModified = p.config.Clock.Now()

	data, err := p.snapshotLocked()
	if err != nil {
		return errors.Trace(err)
	}
	if err := p.config.Store.Put(ctx, p.config.ID.BlobPath(), data); err != nil {
		return errors.Annotatef(err, "writing snapshot of %s", p.config.ID)
	}
	if err := p.config.State.UpdateTyne(ctx, p.md); err != nil {
		return errors.Annotatef(err, "recording save of %s", p.config.ID)
	}

	// The interpreter state travels separately; its reply lands on the
	// broadcast channel and is stored as it arrives.
	if p.kernelRef != nil {
		msg, err := messages.New(messages.MsgSaveKernelState, messages.SaveKernelState{})
		if err == nil {
			err = p.kernelRef.Send(ctx, msg)
		}
		if err != nil {
			logger.Warningf("requesting kernel state for %s: %v", p.config.ID, err)
		}
	}

	p.dirty = false
	p.saveErr = nil
	p.saveTimer.Stop()
	p.config.Hub.Publish(TopicSaved(p.config.ID), p.md.Version)
	logger.Debugf("saved tyne %s at version %d", p.config.ID, p.md.Version)
	return nil
}

// SaveNow saves immediately, surfacing any earlier deferred-save
// failure first.
func (p *Process) SaveNow() error {
	return p.runControl(func() error {
		if p.saveErr != nil {
			err := p.saveErr
			p.saveErr = nil
			return errors.Annotate(err, "previous save failed")
		}
		return errors.Trace(p.save())
	})
}

// finalSave flushes a dirty document during shutdown. Loop goroutine
// only; errors are logged since nobody is left to retry.
func (p *Process) finalSave() {
	if !p.dirty {
		return
	}
	if err := p.save(); err != nil {
		logger.Errorf("final save of %s: %v", p.config.ID, err)
	}
}

// Metadata reports the current metadata record.
func (p *Process) Metadata() (coretyne.Metadata, error) {
	var md coretyne.Metadata
	err := p.runControl(func() error {
		md = p.md
		return nil
	})
	return md, err
}
