// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tyne

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/address"
	"github.com/ursgro/neptyne-spreadsheet-sub000/core/value"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/messages"
	"github.com/ursgro/neptyne-spreadsheet-sub000/notebook"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet"
)

const (
	// evalTimeout bounds one kernel round trip for a cell evaluation.
	evalTimeout = 30 * time.Second

	// apiCacheTTL is how long a cached function-call result serves
	// repeat API invocations.
	apiCacheTTL = 5 * time.Minute
)

// evaluator returns the configured evaluator, falling back to the
// kernel round trip.
func (p *Process) evaluator() sheet.Evaluator {
	if p.config.Evaluator != nil {
		return p.config.Evaluator
	}
	return kernelEvaluator{p: p}
}

// ensureKernel starts (or returns) the tyne's kernel and performs the
// handshake on a fresh one: secrets, requirements, then the code panel.
func (p *Process) ensureKernel(ctx context.Context, fresh bool) error {
	if p.kernelRef != nil && !fresh {
		return nil
	}
	k, err := p.config.Kernels.StartKernel(ctx, p.config.ID, p.md.Name, fresh)
	if err != nil {
		return errors.Trace(err)
	}
	if k == p.kernelRef {
		return nil
	}
	p.kernelRef = k
	k.OnBroadcast(p.onKernelBroadcast)

	if err := p.handshake(ctx, k); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (p *Process) handshake(ctx context.Context, k *kernel.Kernel) error {
	secrets, err := p.config.State.SecretsFor(ctx, p.config.ID, "")
	if err != nil {
		return errors.Trace(err)
	}
	if len(secrets) > 0 {
		msg, err := messages.New(messages.MsgSetSecrets, messages.SetSecrets{Secrets: secrets})
		if err != nil {
			return errors.Trace(err)
		}
		if err := k.Send(ctx, msg); err != nil {
			return errors.Trace(err)
		}
	}
	if reqs := p.md.Environment["requirements"]; reqs != "" {
		msg, err := messages.New(messages.MsgInstallRequirements,
			messages.InstallRequirements{Requirements: reqs})
		if err != nil {
			return errors.Trace(err)
		}
		if err := k.Send(ctx, msg); err != nil {
			return errors.Trace(err)
		}
	}
	if source := p.nb.CodePanel().Source; source != "" {
		msg, err := messages.New(messages.MsgExecuteRequest, messages.ExecuteRequest{
			Code:   source,
			CellID: notebook.CodePanelID,
			Reason: "init",
		})
		if err != nil {
			return errors.Trace(err)
		}
		if err := k.Send(ctx, msg); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// onKernelBroadcast runs on the kernel dispatch goroutine. Replies a
// waiter registered for are routed straight to it; everything else
// enters the loop.
func (p *Process) onKernelBroadcast(msg messages.Message) {
	if msg.ParentHeader != nil {
		p.pendingMu.Lock()
		ch, ok := p.pendingReplies[msg.ParentHeader.MsgID]
		p.pendingMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
			return
		}
	}
	select {
	case p.fromK <- msg:
	case <-p.catacomb.Dying():
	}
}

// awaitReply registers interest in replies to the given request id.
func (p *Process) awaitReply(msgID string) (<-chan messages.Message, func()) {
	ch := make(chan messages.Message, 1)
	p.pendingMu.Lock()
	p.pendingReplies[msgID] = ch
	p.pendingMu.Unlock()
	return ch, func() {
		p.pendingMu.Lock()
		delete(p.pendingReplies, msgID)
		p.pendingMu.Unlock()
	}
}

// sendToKernel forwards a message on behalf of a client, tagging the
// originating user so activity tracking sees it.
func (p *Process) sendToKernel(req request, msg messages.Message) error {
	ctx, cancel := p.opContext()
	defer cancel()
	if err := p.ensureKernel(ctx, false); err != nil {
		return errors.Trace(err)
	}
	if req.email != "" {
		if msg.Header.Tags == nil {
			msg.Header.Tags = map[string]string{}
		}
		msg.Header.Tags["user_email"] = req.email
	}
	return errors.Trace(p.kernelRef.Send(ctx, msg))
}

// kernelEvaluator round-trips one compiled expression through the
// kernel and decodes the typed result.
type kernelEvaluator struct {
	p *Process
}

// cellResult is the kernel's evaluation payload for one cell.
type cellResult struct {
	Value  *value.Value `json:"value,omitempty"`
	Grid   value.Grid   `json:"grid,omitempty"`
	Ename  string       `json:"ename,omitempty"`
	Evalue string       `json:"evalue,omitempty"`
	Writes []cellWrite  `json:"writes,omitempty"`
}

type cellWrite struct {
	Cell string `json:"cell_id"`
	Code string `json:"raw_code"`
}

// Evaluate implements sheet.Evaluator.
func (e kernelEvaluator) Evaluate(ctx context.Context, a address.Address, compiled string) (sheet.Result, error) {
	p := e.p
	if err := p.ensureKernel(ctx, false); err != nil {
		return sheet.Result{}, errors.Trace(err)
	}
	req, err := messages.New(messages.MsgExecuteRequest, messages.ExecuteRequest{
		Code:   compiled,
		CellID: a.String(),
		Reason: "cell",
	})
	if err != nil {
		return sheet.Result{}, errors.Trace(err)
	}
	replies, cancelWait := p.awaitReply(req.Header.MsgID)
	defer cancelWait()

	if err := p.kernelRef.Send(ctx, req); err != nil {
		return sheet.Result{}, errors.Trace(err)
	}

	for {
		select {
		case <-ctx.Done():
			return sheet.Result{}, errors.Timeoutf("evaluating %s", a)
		case msg := <-replies:
			switch msg.Header.MsgType {
			case messages.MsgExecuteResult:
				var res cellResult
				if err := msg.DecodeContent(&res); err != nil {
					return sheet.Result{}, errors.Trace(err)
				}
				return decodeCellResult(res)
			case messages.MsgKernelError:
				var ke messages.KernelError
				if err := msg.DecodeContent(&ke); err != nil {
					return sheet.Result{}, errors.Trace(err)
				}
				return sheet.Result{Err: &value.ErrorOutput{
					Ename:     ke.Ename,
					Evalue:    ke.Evalue,
					Traceback: ke.Traceback,
				}}, nil
			default:
				// Streams and status updates arrive on the same parent;
				// keep waiting for the result.
			}
		}
	}
}

func decodeCellResult(res cellResult) (sheet.Result, error) {
	out := sheet.Result{}
	switch {
	case res.Ename != "":
		out.Err = &value.ErrorOutput{Ename: res.Ename, Evalue: res.Evalue}
	case res.Grid != nil:
		out.Grid = res.Grid
	case res.Value != nil:
		out.Value = *res.Value
	}
	for _, w := range res.Writes {
		a, err := address.Parse(w.Cell)
		if err != nil {
			return sheet.Result{}, errors.Annotatef(err, "kernel write target %q", w.Cell)
		}
		out.Writes = append(out.Writes, sheet.Write{Addr: a, Raw: w.Code})
	}
	return out, nil
}

// handleKernel processes one unsolicited kernel broadcast on the loop.
func (p *Process) handleKernel(msg messages.Message) {
	switch msg.Header.MsgType {
	case messages.MsgRerunCells:
		var content messages.RerunCells
		if err := msg.DecodeContent(&content); err != nil {
			logger.Warningf("bad rerun_cells from kernel %s: %v", p.config.ID, err)
			return
		}
		dirty := address.NewSet()
		for _, s := range content.Addresses {
			a, err := address.Parse(s)
			if err != nil {
				logger.Warningf("bad rerun address %q: %v", s, err)
				continue
			}
			dirty.Add(a)
		}
		update, err := p.runCascade(dirty)
		if err != nil {
			logger.Errorf("rerun cascade for %s: %v", p.config.ID, err)
			return
		}
		p.relay(update)

	case messages.MsgTickReply:
		var content messages.TickReply
		if err := msg.DecodeContent(&content); err != nil {
			logger.Warningf("bad tick_reply from kernel %s: %v", p.config.ID, err)
			return
		}
		p.recordNextTick(content.NextTick)

	case messages.MsgKernelState:
		p.storeKernelState(msg)

	case messages.MsgStream, messages.MsgExecuteResult, messages.MsgDisplayData, messages.MsgKernelError:
		p.attachOutput(msg)
		p.relay(msg)

	case messages.MsgExecuteReply:
		if msg.ParentHeader != nil {
			if cellID, ok := p.cellByRequest[msg.ParentHeader.MsgID]; ok {
				var content messages.ExecuteReply
				if err := msg.DecodeContent(&content); err == nil && content.ExecutionCount > 0 {
					if err := p.nb.SetExecutionCount(cellID, content.ExecutionCount); err != nil {
						logger.Debugf("execution count for %q: %v", cellID, err)
					}
				}
				delete(p.cellByRequest, msg.ParentHeader.MsgID)
			}
		}
		p.relay(msg)

	default:
		p.relay(msg)
	}
}

// attachOutput records kernel output against the notebook cell the
// parent request targeted.
func (p *Process) attachOutput(msg messages.Message) {
	if msg.ParentHeader == nil {
		return
	}
	cellID, ok := p.cellByRequest[msg.ParentHeader.MsgID]
	if !ok {
		return
	}
	var out value.Output
	switch msg.Header.MsgType {
	case messages.MsgStream:
		var content messages.Stream
		if err := msg.DecodeContent(&content); err != nil {
			return
		}
		out = value.NewStream(content.Name, content.Text)
	case messages.MsgKernelError:
		var content messages.KernelError
		if err := msg.DecodeContent(&content); err != nil {
			return
		}
		out = value.NewError(content.Ename, content.Evalue, content.Traceback)
	default:
		var content struct {
			Data map[string]json.RawMessage `json:"data"`
		}
		if err := msg.DecodeContent(&content); err != nil {
			return
		}
		kind := value.OutputExecuteResult
		if msg.Header.MsgType == messages.MsgDisplayData {
			kind = value.OutputDisplayData
		}
		out = value.Output{Kind: kind, Data: content.Data}
	}
	if err := p.nb.AddOutput(cellID, out); err != nil {
		logger.Debugf("attaching output to %q: %v", cellID, err)
	} else {
		p.markDirty()
	}
}

// storeKernelState persists (or relays) a kernel state snapshot.
func (p *Process) storeKernelState(msg messages.Message) {
	var content messages.KernelState
	if err := msg.DecodeContent(&content); err != nil {
		logger.Warningf("bad kernel state from %s: %v", p.config.ID, err)
		return
	}
	if msg.MetaBool(messages.MetaForAPI) {
		p.relay(msg)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(content.State)
	if err != nil {
		logger.Warningf("kernel state for %s is not base64: %v", p.config.ID, err)
		return
	}
	ctx, cancel := p.opContext()
	defer cancel()
	if err := p.config.Store.Put(ctx, kernelStatePath(p.config.ID), raw); err != nil {
		logger.Errorf("storing kernel state for %s: %v", p.config.ID, err)
	}
}

// relay fans a kernel message out to every subscriber.
func (p *Process) relay(msg messages.Message) {
	for _, sub := range p.subscribers {
		sub.Send(msg)
	}
	p.config.Hub.Publish(TopicUpdates(p.config.ID), msg)
}

// recordNextTick persists the kernel's next scheduled tick.
func (p *Process) recordNextTick(next int64) {
	p.md.NextTick = next
	p.md.HasTick = next > 0
	ctx, cancel := p.opContext()
	defer cancel()
	if err := p.config.State.SetNextTick(ctx, p.config.ID, next, p.md.HasTick); err != nil {
		logger.Errorf("recording next tick for %s: %v", p.config.ID, err)
	}
}

// RunTick executes the tyne's scheduled cells on a fresh kernel and
// records the next due time. Called by the tick scanner.
func (p *Process) RunTick(ctx context.Context) error {
	return p.runControl(func() error {
		if err := p.ensureKernel(ctx, true); err != nil {
			return errors.Trace(err)
		}
		var cells []string
		for _, a := range p.model.TickCells() {
			cells = append(cells, a.String())
		}
		req, err := messages.New(messages.MsgExecuteRequest, messages.ExecuteRequest{
			Reason: "tick",
		})
		if err != nil {
			return errors.Trace(err)
		}
		req.SetMeta(messages.MetaForTick, true)
		req.SetMeta("tick_cells", cells)

		replies, cancelWait := p.awaitReply(req.Header.MsgID)
		defer cancelWait()
		if err := p.kernelRef.Send(ctx, req); err != nil {
			return errors.Trace(err)
		}
		for {
			select {
			case <-ctx.Done():
				return errors.Timeoutf("tick of %s", p.config.ID)
			case msg := <-replies:
				switch msg.Header.MsgType {
				case messages.MsgTickReply:
					var content messages.TickReply
					if err := msg.DecodeContent(&content); err != nil {
						return errors.Trace(err)
					}
					if len(content.Addresses) > 0 {
						dirty := address.NewSet()
						for _, s := range content.Addresses {
							if a, err := address.Parse(s); err == nil {
								dirty.Add(a)
							}
						}
						update, err := p.runCascade(dirty)
						if err != nil {
							return errors.Trace(err)
						}
						p.relay(update)
					}
					p.recordNextTick(content.NextTick)
					return nil
				case messages.MsgKernelError:
					var ke messages.KernelError
					if err := msg.DecodeContent(&ke); err != nil {
						return errors.Trace(err)
					}
					return errors.Errorf("tick failed: %s: %s", ke.Ename, ke.Evalue)
				}
			}
		}
	})
}

// InvokeAPI calls a named kernel function on behalf of an API key
// holder, with per-tyne rate limiting and a short result cache.
func (p *Process) InvokeAPI(ctx context.Context, function string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if p.apiBucket.TakeAvailable(1) == 0 {
		return nil, errors.QuotaLimitExceededf("rate limit exceeded for %s", p.config.ID)
	}
	key, err := apiCacheKey(function, args, kwargs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if cached, err := p.config.State.CacheGet(ctx, p.config.ID, key, p.config.Clock.Now()); err == nil {
		return cached, nil
	} else if !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	}

	var result json.RawMessage
	err = p.runControl(func() error {
		if err := p.ensureKernel(ctx, false); err != nil {
			return errors.Trace(err)
		}
		req, err := messages.New(messages.MsgRPCRequest, messages.RPCRequest{
			Function: function,
			Args:     args,
			Kwargs:   kwargs,
		})
		if err != nil {
			return errors.Trace(err)
		}
		req.SetMeta(messages.MetaForAPI, true)
		replies, cancelWait := p.awaitReply(req.Header.MsgID)
		defer cancelWait()
		if err := p.kernelRef.Send(ctx, req); err != nil {
			return errors.Trace(err)
		}
		for {
			select {
			case <-ctx.Done():
				return errors.Timeoutf("invoking %q on %s", function, p.config.ID)
			case msg := <-replies:
				switch msg.Header.MsgType {
				case messages.MsgExecuteResult:
					result = append(json.RawMessage(nil), msg.Content...)
					return nil
				case messages.MsgKernelError:
					var ke messages.KernelError
					if err := msg.DecodeContent(&ke); err != nil {
						return errors.Trace(err)
					}
					return errors.Errorf("%s: %s", ke.Ename, ke.Evalue)
				}
			}
		}
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	expires := p.config.Clock.Now().Add(apiCacheTTL)
	if err := p.config.State.CachePut(ctx, p.config.ID, key, result, expires); err != nil {
		logger.Warningf("caching API result for %s: %v", p.config.ID, err)
	}
	return result, nil
}

func apiCacheKey(function string, args []any, kwargs map[string]any) (string, error) {
	payload, err := json.Marshal(struct {
		Function string         `json:"function"`
		Args     []any          `json:"args"`
		Kwargs   map[string]any `json:"kwargs"`
	}{function, args, kwargs})
	if err != nil {
		return "", errors.Trace(err)
	}
	sum := sha256.Sum256(payload)
	return function + ":" + hex.EncodeToString(sum[:8]), nil
}
