// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package kernel manages the per-tyne interpreter processes: starting
// them through a provisioner, tracking liveness with heartbeats and
// activity timestamps, and culling the idle ones.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/messages"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/transport"
)

var logger = loggo.GetLogger("neptyne.kernel")

const (
	// HeartbeatInterval is how often a ping goes out on the heartbeat
	// channel.
	HeartbeatInterval = time.Second

	// MaxMissedHeartbeats is how many unanswered pings mark a kernel
	// lost. A lost kernel is disconnected and forgotten; the next
	// request provisions a fresh one.
	MaxMissedHeartbeats = 5
)

// Model is the externally visible state of one running kernel.
type Model struct {
	ID               tyne.ID   `json:"tyne_id"`
	Name             string    `json:"name"`
	LastActivity     time.Time `json:"last_activity"`
	LastUserActivity time.Time `json:"last_user_activity"`
}

// Kernel is the server-side handle on one running interpreter.
type Kernel struct {
	id           tyne.ID
	name         string
	conn         *transport.Connection
	clock        clock.Clock
	beatInterval time.Duration
	tomb         tomb.Tomb

	mu               sync.Mutex
	lastActivity     time.Time
	lastUserActivity time.Time
	missed           int
	handlers         []func(messages.Message)

	onLost func(*Kernel)
}

func newKernel(id tyne.ID, name string, conn *transport.Connection, clk clock.Clock, beatInterval time.Duration, onLost func(*Kernel)) (*Kernel, error) {
	if beatInterval <= 0 {
		beatInterval = HeartbeatInterval
	}
	k := &Kernel{
		id:           id,
		name:         name,
		conn:         conn,
		clock:        clk,
		beatInterval: beatInterval,
		onLost:       onLost,
	}
	now := clk.Now()
	k.lastActivity = now
	k.lastUserActivity = now

	// Broadcast traffic counts as activity; traffic tagged with a user
	// counts as user activity.
	if err := conn.OnMessage(messages.ChannelBroadcast, k.dispatchBroadcast); err != nil {
		return nil, errors.Trace(err)
	}
	if err := conn.OnMessage(messages.ChannelHeartbeat, k.notePong); err != nil {
		return nil, errors.Trace(err)
	}
	k.tomb.Go(k.heartbeatLoop)
	return k, nil
}

// ID returns the tyne id the kernel serves.
func (k *Kernel) ID() tyne.ID { return k.id }

// Conn exposes the underlying connection for handshakes.
func (k *Kernel) Conn() *transport.Connection { return k.conn }

// Model reports the kernel's registry entry.
func (k *Kernel) Model() Model {
	k.mu.Lock()
	defer k.mu.Unlock()
	return Model{
		ID:               k.id,
		Name:             k.name,
		LastActivity:     k.lastActivity,
		LastUserActivity: k.lastUserActivity,
	}
}

// Send forwards a message to the kernel, recording activity.
func (k *Kernel) Send(ctx context.Context, msg messages.Message) error {
	k.noteActivity(msg.UserEmail() != "")
	return errors.Trace(k.conn.Send(ctx, msg))
}

// OnBroadcast registers a handler for kernel broadcast traffic.
// Handlers run on the broadcast dispatch goroutine.
func (k *Kernel) OnBroadcast(fn func(messages.Message)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handlers = append(k.handlers, fn)
}

// SetActivity overwrites the activity clocks, used when adopting
// state from another replica.
func (k *Kernel) SetActivity(last, lastUser time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if last.After(k.lastActivity) {
		k.lastActivity = last
	}
	if lastUser.After(k.lastUserActivity) {
		k.lastUserActivity = lastUser
	}
}

// Kill shuts the kernel handle down.
func (k *Kernel) Kill() {
	k.tomb.Kill(nil)
	k.conn.Kill()
}

// Wait blocks until the handle has stopped.
func (k *Kernel) Wait() error {
	err := k.tomb.Wait()
	if connErr := k.conn.Wait(); err == nil {
		err = connErr
	}
	return err
}

func (k *Kernel) dispatchBroadcast(msg messages.Message) {
	k.noteActivity(msg.UserEmail() != "")
	k.mu.Lock()
	handlers := make([]func(messages.Message), len(k.handlers))
	copy(handlers, k.handlers)
	k.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (k *Kernel) noteActivity(user bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.clock.Now()
	k.lastActivity = now
	if user {
		k.lastUserActivity = now
	}
}

func (k *Kernel) notePong(msg messages.Message) {
	if msg.Header.MsgType != messages.MsgPong {
		return
	}
	k.mu.Lock()
	k.missed = 0
	k.mu.Unlock()
}

func (k *Kernel) heartbeatLoop() error {
	for {
		select {
		case <-k.tomb.Dying():
			return tomb.ErrDying
		case <-k.clock.After(k.beatInterval):
		}
		ping, err := messages.New(messages.MsgPing, struct{}{})
		if err != nil {
			return errors.Trace(err)
		}
		ping.Channel = messages.ChannelHeartbeat

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := k.conn.Send(ctx, ping); err != nil {
			logger.Debugf("kernel %s heartbeat send: %v", k.id, err)
		}
		cancel()

		// Every ping opens a debt the pong repays; notePong resets
		// the count.
		k.mu.Lock()
		k.missed++
		missed := k.missed
		k.mu.Unlock()

		if missed > MaxMissedHeartbeats {
			logger.Warningf("kernel %s missed %d heartbeats, marking lost", k.id, missed)
			if k.onLost != nil {
				k.onLost(k)
			}
			return errors.Errorf("kernel %s lost", k.id)
		}
	}
}
