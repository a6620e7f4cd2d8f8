// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transport carries kernel protocol messages over a single
// websocket, demultiplexing them onto the named channels. Writes are
// serialized through one writer goroutine; reads fan out to per-channel
// queues consumed either by a blocking Recv (handshakes) or by an
// asynchronous handler.
package transport

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/messages"
)

var logger = loggo.GetLogger("neptyne.kernel.transport")

// Wire is the underlying message pipe. *websocket.Conn satisfies it;
// tests use an in-memory pipe.
type Wire interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// channelBuffer bounds each per-channel receive queue. Broadcast
// traffic bursts on big cascades.
const channelBuffer = 256

// Connection multiplexes the kernel channels over one wire.
type Connection struct {
	tomb tomb.Tomb
	wire Wire

	sendCh chan sendReq
	queues map[string]chan messages.Message
}

type sendReq struct {
	msg  messages.Message
	done chan error
}

// NewConnection starts the read and write pumps over the wire.
func NewConnection(w Wire) *Connection {
	c := &Connection{
		wire:   w,
		sendCh: make(chan sendReq),
		queues: map[string]chan messages.Message{},
	}
	for _, ch := range []string{
		messages.ChannelCommand,
		messages.ChannelBroadcast,
		messages.ChannelStdin,
		messages.ChannelControl,
		messages.ChannelHeartbeat,
	} {
		c.queues[ch] = make(chan messages.Message, channelBuffer)
	}
	c.tomb.Go(c.readLoop)
	c.tomb.Go(c.writeLoop)
	return c
}

// Kill asks the connection to stop.
func (c *Connection) Kill() {
	c.tomb.Kill(nil)
}

// Wait blocks until the connection has stopped.
func (c *Connection) Wait() error {
	return c.tomb.Wait()
}

// Close tears the connection down and waits for the pumps.
func (c *Connection) Close() error {
	c.Kill()
	_ = c.wire.Close()
	err := c.Wait()
	if errors.Cause(err) == tomb.ErrDying {
		return nil
	}
	return errors.Trace(err)
}

// Dead reports connection death, for select loops.
func (c *Connection) Dead() <-chan struct{} {
	return c.tomb.Dead()
}

// Send writes one message on its channel. An unset channel defaults to
// the command channel.
func (c *Connection) Send(ctx context.Context, msg messages.Message) error {
	if msg.Channel == "" {
		msg.Channel = messages.ChannelCommand
	}
	req := sendReq{msg: msg, done: make(chan error, 1)}
	select {
	case c.sendCh <- req:
	case <-c.tomb.Dying():
		return errors.New("connection closed")
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	select {
	case err := <-req.done:
		return errors.Trace(err)
	case <-c.tomb.Dying():
		return errors.New("connection closed")
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Recv blocks for the next message on the channel. Used during the
// handshake before handlers are attached.
func (c *Connection) Recv(ctx context.Context, channel string) (messages.Message, error) {
	q, ok := c.queues[channel]
	if !ok {
		return messages.Message{}, errors.NotFoundf("channel %q", channel)
	}
	select {
	case msg := <-q:
		return msg, nil
	case <-c.tomb.Dying():
		return messages.Message{}, errors.New("connection closed")
	case <-ctx.Done():
		return messages.Message{}, errors.Trace(ctx.Err())
	}
}

// OnMessage attaches an asynchronous handler draining the channel.
// Handlers run on a dedicated goroutine per channel, so one slow
// handler cannot stall the read pump or the other channels.
func (c *Connection) OnMessage(channel string, handler func(messages.Message)) error {
	q, ok := c.queues[channel]
	if !ok {
		return errors.NotFoundf("channel %q", channel)
	}
	c.tomb.Go(func() error {
		for {
			select {
			case msg := <-q:
				handler(msg)
			case <-c.tomb.Dying():
				return tomb.ErrDying
			}
		}
	})
	return nil
}

func (c *Connection) readLoop() error {
	for {
		var msg messages.Message
		if err := c.wire.ReadJSON(&msg); err != nil {
			select {
			case <-c.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			return errors.Annotate(err, "reading message")
		}
		// Batches unwrap on receive; members route individually.
		split, err := msg.Split()
		if err != nil {
			logger.Warningf("dropping undecodable batch: %v", err)
			continue
		}
		for _, m := range split {
			if m.Channel == "" {
				m.Channel = msg.Channel
			}
			q, ok := c.queues[m.Channel]
			if !ok {
				logger.Warningf("dropping %s on unknown channel %q", m.Header.MsgType, m.Channel)
				continue
			}
			select {
			case q <- m:
			case <-c.tomb.Dying():
				return tomb.ErrDying
			}
		}
	}
}

func (c *Connection) writeLoop() error {
	for {
		select {
		case req := <-c.sendCh:
			req.done <- c.wire.WriteJSON(req.msg)
		case <-c.tomb.Dying():
			return tomb.ErrDying
		}
	}
}
