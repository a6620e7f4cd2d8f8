// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tyne runs one worker per open tyne: the single writer for
// its sheet model and notebook, the hub between browser subscribers
// and the kernel, and the owner of its save cycle. All mutations flow
// through the worker's loop, so subscribers always observe a
// consistent document.
package tyne

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/ratelimit"
	"github.com/juju/worker/v4/catacomb"

	"github.com/ursgro/neptyne-spreadsheet-sub000/blobstore"
	coretyne "github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/messages"
	"github.com/ursgro/neptyne-spreadsheet-sub000/notebook"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet"
	"github.com/ursgro/neptyne-spreadsheet-sub000/state"
)

var logger = loggo.GetLogger("neptyne.tyne")

const (
	// DefaultSaveDelay is the idle debounce before a dirty tyne saves.
	// Every new mutation pushes the deadline out again.
	DefaultSaveDelay = 9 * time.Second

	// apiRatePerSecond and apiBurst bound API invocations per tyne.
	apiRatePerSecond = 5
	apiBurst         = 10
)

// Subscriber is one connected client session.
type Subscriber interface {
	SessionID() string
	UserEmail() string
	Send(msg messages.Message)
}

// Config holds the dependencies of a Process.
type Config struct {
	ID       coretyne.ID
	Metadata coretyne.Metadata
	Clock    clock.Clock
	Kernels  *kernel.Manager
	Store    blobstore.Store
	State    *state.State
	Hub      *pubsub.SimpleHub

	// Evaluator overrides the kernel round-trip evaluator, for tests.
	Evaluator sheet.Evaluator

	// SaveDelay defaults to DefaultSaveDelay.
	SaveDelay time.Duration
}

// Validate returns an error for a misconfigured process.
func (config Config) Validate() error {
	if err := config.ID.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Kernels == nil {
		return errors.NotValidf("nil Kernels")
	}
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	return nil
}

// request is one unit of work entering the loop.
type request struct {
	session string
	email   string
	msg     messages.Message
	done    chan error
}

// control asks the loop to run fn in the single-writer context.
type control struct {
	fn   func() error
	done chan error
}

// Process is the worker for one open tyne.
type Process struct {
	catacomb catacomb.Catacomb
	config   Config

	model *sheet.Model
	nb    *notebook.Notebook
	md    coretyne.Metadata

	requests chan request
	controls chan control
	fromK    chan messages.Message

	subscribers map[string]Subscriber

	dirty     bool
	saveTimer clock.Timer
	saveErr   error

	// kernelRef is the loop-owned handle on the running kernel, nil
	// until the first operation needing one.
	kernelRef *kernel.Kernel

	// cellByRequest maps an execute request's msg id to the notebook
	// cell its outputs belong to.
	cellByRequest map[string]string

	pendingMu      sync.Mutex
	pendingReplies map[string]chan messages.Message

	apiBucket *ratelimit.Bucket

	dispatch map[string]handlerFunc
}

type handlerFunc func(p *Process, req request) (*reply, error)

// reply is what a handler produced: a broadcast for every subscriber
// and an undo payload stapled onto the originator's copy only.
type reply struct {
	broadcast []messages.Message
	undo      *messages.Message
}

// NewProcess loads the tyne's snapshot and starts its worker.
func NewProcess(config Config) (*Process, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.SaveDelay <= 0 {
		config.SaveDelay = DefaultSaveDelay
	}
	p := &Process{
		config:         config,
		md:             config.Metadata,
		requests:       make(chan request),
		controls:       make(chan control),
		fromK:          make(chan messages.Message, 64),
		subscribers:    map[string]Subscriber{},
		cellByRequest:  map[string]string{},
		pendingReplies: map[string]chan messages.Message{},
		apiBucket:      ratelimit.NewBucketWithRate(apiRatePerSecond, apiBurst),
		dispatch:       clientDispatch(),
	}
	p.model = sheet.NewModel(sheet.WithEventLogger(p))
	p.nb = notebook.New()
	if p.md.ID == "" {
		// Callers that already hold the metadata row pass it in; anyone
		// else gets it fetched, since saves update it by id.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		md, err := config.State.GetTyne(ctx, config.ID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		p.md = md
	}
	if err := p.load(); err != nil {
		return nil, errors.Trace(err)
	}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "tyne-" + string(config.ID),
		Site: &p.catacomb,
		Work: p.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *Process) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Process) Wait() error {
	return p.catacomb.Wait()
}

// ID returns the tyne id.
func (p *Process) ID() coretyne.ID {
	return p.config.ID
}

// LogEvent implements sheet.EventLogger; model events land in the
// durable event log, best effort.
func (p *Process) LogEvent(severity coretyne.Severity, message string, extra map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.config.State.AddEvent(ctx, p.config.ID, coretyne.Event{
		Message:   message,
		Severity:  severity,
		Extra:     extra,
		CreatedAt: p.config.Clock.Now(),
	})
	if err != nil {
		logger.Warningf("recording event for %s: %v", p.config.ID, err)
	}
}

// Subscribe attaches a client session. The current document state is
// the caller's responsibility to fetch via SnapshotJSON.
func (p *Process) Subscribe(sub Subscriber) error {
	return p.runControl(func() error {
		p.subscribers[sub.SessionID()] = sub
		logger.Debugf("session %s subscribed to %s", sub.SessionID(), p.config.ID)
		return nil
	})
}

// Unsubscribe detaches a client session.
func (p *Process) Unsubscribe(sessionID string) error {
	return p.runControl(func() error {
		delete(p.subscribers, sessionID)
		return nil
	})
}

// NumSubscribers reports the attached session count.
func (p *Process) NumSubscribers() (int, error) {
	var n int
	err := p.runControl(func() error {
		n = len(p.subscribers)
		return nil
	})
	return n, err
}

// Handle processes one client message in the single-writer loop,
// blocking until it has been applied.
func (p *Process) Handle(sessionID, email string, msg messages.Message) error {
	req := request{session: sessionID, email: email, msg: msg, done: make(chan error, 1)}
	select {
	case p.requests <- req:
	case <-p.catacomb.Dying():
		return errors.New("tyne process stopping")
	}
	select {
	case err := <-req.done:
		return errors.Trace(err)
	case <-p.catacomb.Dying():
		return errors.New("tyne process stopping")
	}
}

// SnapshotJSON renders the current document for a freshly connected
// client.
func (p *Process) SnapshotJSON() ([]byte, error) {
	var out []byte
	err := p.runControl(func() error {
		var err error
		out, err = p.snapshotLocked()
		return err
	})
	return out, err
}

func (p *Process) runControl(fn func() error) error {
	ctl := control{fn: fn, done: make(chan error, 1)}
	select {
	case p.controls <- ctl:
	case <-p.catacomb.Dying():
		return errors.New("tyne process stopping")
	}
	select {
	case err := <-ctl.done:
		return errors.Trace(err)
	case <-p.catacomb.Dying():
		return errors.New("tyne process stopping")
	}
}

func (p *Process) loop() error {
	p.saveTimer = p.config.Clock.NewTimer(time.Hour)
	p.saveTimer.Stop()
	defer p.saveTimer.Stop()

	for {
		select {
		case <-p.catacomb.Dying():
			p.finalSave()
			return p.catacomb.ErrDying()

		case req := <-p.requests:
			rep, err := p.handleClient(req)
			if err == nil && rep != nil {
				p.deliver(req.session, rep)
			}
			req.done <- err

		case ctl := <-p.controls:
			ctl.done <- ctl.fn()

		case msg := <-p.fromK:
			p.handleKernel(msg)

		case <-p.saveTimer.Chan():
			if err := p.save(); err != nil {
				// Stored and re-raised on the next explicit save.
				logger.Errorf("deferred save of %s: %v", p.config.ID, err)
				p.saveErr = err
			}
		}
	}
}

// handleClient routes one client message through the dispatch table.
func (p *Process) handleClient(req request) (*reply, error) {
	split, err := req.msg.Split()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(split) > 1 {
		// A batch applies as one gesture; its undos stack in reverse.
		var batched reply
		var undos []messages.Message
		for _, m := range split {
			sub, err := p.handleClient(request{session: req.session, email: req.email, msg: m})
			if err != nil {
				return nil, errors.Trace(err)
			}
			if sub == nil {
				continue
			}
			batched.broadcast = append(batched.broadcast, sub.broadcast...)
			if sub.undo != nil {
				undos = append([]messages.Message{*sub.undo}, undos...)
			}
		}
		if len(undos) > 0 {
			undo, err := messages.NewBatch(undos)
			if err != nil {
				return nil, errors.Trace(err)
			}
			batched.undo = &undo
		}
		return &batched, nil
	}

	handler, ok := p.dispatch[req.msg.Header.MsgType]
	if !ok {
		return nil, errors.NotSupportedf("message type %q", req.msg.Header.MsgType)
	}
	rep, err := handler(p, req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return rep, nil
}

// deliver fans a reply out: everyone gets the broadcasts, and only the
// originator gets the undo stapled onto theirs.
func (p *Process) deliver(originSession string, rep *reply) {
	for _, msg := range rep.broadcast {
		for id, sub := range p.subscribers {
			out := msg
			if rep.undo != nil && id == originSession {
				// Copy the metadata map so the staple stays private to
				// the originator's copy.
				meta := make(map[string]any, len(msg.Metadata)+1)
				for k, v := range msg.Metadata {
					meta[k] = v
				}
				out.Metadata = meta
				out.SetMeta(messages.MetaUndo, json.RawMessage(mustJSON(rep.undo)))
			}
			sub.Send(out)
		}
		p.config.Hub.Publish(TopicUpdates(p.config.ID), msg)
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable for unmarshalable handler output.
		logger.Errorf("encoding undo payload: %v", err)
		return []byte("{}")
	}
	return data
}

// markDirty schedules the deferred save: the timer resets on every
// mutation so a busy tyne saves once it quiets down.
func (p *Process) markDirty() {
	p.dirty = true
	p.saveTimer.Reset(p.config.SaveDelay)
}

// TopicUpdates is the hub topic carrying a tyne's broadcasts.
func TopicUpdates(id coretyne.ID) string {
	return "tyne." + string(id) + ".updates"
}

// TopicSaved is the hub topic announcing completed saves.
func TopicSaved(id coretyne.ID) string {
	return "tyne." + string(id) + ".saved"
}
