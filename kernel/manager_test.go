// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kernel_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	coretesting "github.com/ursgro/neptyne-spreadsheet-sub000/internal/testing"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/messages"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/transport"
)

type ManagerSuite struct {
	clock       *testclock.Clock
	provisioner *fakeProvisioner
	manager     *kernel.Manager
}

var _ = gc.Suite(&ManagerSuite{})

const tyneID = tyne.ID("abcdef1234")

// fakeProvisioner hands out in-memory wires and runs a kernel-side
// responder for each, answering heartbeat pings when pong is set.
type fakeProvisioner struct {
	mu         sync.Mutex
	pong       bool
	provisions int
	fresh      []bool
	remotes    []*transport.Connection
}

func (p *fakeProvisioner) Provision(_ context.Context, _ tyne.ID, fresh bool) (transport.Wire, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisions++
	p.fresh = append(p.fresh, fresh)

	local, remote := transport.Pipe()
	conn := transport.NewConnection(remote)
	p.remotes = append(p.remotes, conn)
	pong := p.pong
	_ = conn.OnMessage(messages.ChannelHeartbeat, func(m messages.Message) {
		if !pong || m.Header.MsgType != messages.MsgPing {
			return
		}
		reply, err := messages.Reply(m, messages.MsgPong, struct{}{})
		if err != nil {
			return
		}
		reply.Channel = messages.ChannelHeartbeat
		_ = conn.Send(context.Background(), reply)
	})
	return local, nil
}

func (p *fakeProvisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provisions
}

func (s *ManagerSuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	s.provisioner = &fakeProvisioner{pong: true}
}

func (s *ManagerSuite) TearDownTest(c *gc.C) {
	if s.manager != nil {
		s.manager.Kill()
		_ = s.manager.Wait()
		s.manager = nil
	}
	for _, conn := range s.provisioner.remotes {
		_ = conn.Close()
	}
}

func (s *ManagerSuite) newManager(c *gc.C, config kernel.ManagerConfig) *kernel.Manager {
	config.Clock = s.clock
	config.Provisioner = s.provisioner
	m, err := kernel.NewManager(config)
	c.Assert(err, jc.ErrorIsNil)
	s.manager = m
	return m
}

func (s *ManagerSuite) TestValidateConfig(c *gc.C) {
	_, err := kernel.NewManager(kernel.ManagerConfig{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *ManagerSuite) TestStartKernelIsIdempotent(c *gc.C) {
	m := s.newManager(c, kernel.ManagerConfig{HeartbeatInterval: time.Hour})

	first, err := m.StartKernel(context.Background(), tyneID, "my tyne", false)
	c.Assert(err, jc.ErrorIsNil)
	second, err := m.StartKernel(context.Background(), tyneID, "my tyne", false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(second, gc.Equals, first)
	c.Assert(s.provisioner.count(), gc.Equals, 1)

	got, err := m.GetKernel(tyneID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.Equals, first)
}

func (s *ManagerSuite) TestStartKernelFreshReplaces(c *gc.C) {
	m := s.newManager(c, kernel.ManagerConfig{HeartbeatInterval: time.Hour})

	first, err := m.StartKernel(context.Background(), tyneID, "my tyne", false)
	c.Assert(err, jc.ErrorIsNil)
	second, err := m.StartKernel(context.Background(), tyneID, "my tyne", true)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(second, gc.Not(gc.Equals), first)
	c.Assert(s.provisioner.count(), gc.Equals, 2)
	c.Assert(s.provisioner.fresh, gc.DeepEquals, []bool{false, true})
}

func (s *ManagerSuite) TestStartKernelRejectsBadID(c *gc.C) {
	m := s.newManager(c, kernel.ManagerConfig{HeartbeatInterval: time.Hour})
	_, err := m.StartKernel(context.Background(), "NOT VALID", "x", false)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *ManagerSuite) TestGetKernelNotFound(c *gc.C) {
	m := s.newManager(c, kernel.ManagerConfig{HeartbeatInterval: time.Hour})
	_, err := m.GetKernel(tyneID)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *ManagerSuite) TestShutdown(c *gc.C) {
	m := s.newManager(c, kernel.ManagerConfig{HeartbeatInterval: time.Hour})
	_, err := m.StartKernel(context.Background(), tyneID, "my tyne", false)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(m.Shutdown(tyneID), jc.ErrorIsNil)
	_, err = m.GetKernel(tyneID)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
	c.Assert(m.Shutdown(tyneID), jc.ErrorIs, errors.NotFound)
}

func (s *ManagerSuite) TestList(c *gc.C) {
	m := s.newManager(c, kernel.ManagerConfig{HeartbeatInterval: time.Hour})
	_, err := m.StartKernel(context.Background(), tyneID, "my tyne", false)
	c.Assert(err, jc.ErrorIsNil)

	models := m.List()
	c.Assert(models, gc.HasLen, 1)
	c.Assert(models[0].ID, gc.Equals, tyneID)
	c.Assert(models[0].Name, gc.Equals, "my tyne")
	c.Assert(models[0].LastActivity, gc.Equals, s.clock.Now())
}

func (s *ManagerSuite) TestMissedHeartbeatsMarkKernelLost(c *gc.C) {
	s.provisioner.pong = false
	m := s.newManager(c, kernel.ManagerConfig{
		HeartbeatInterval: time.Second,
		CullInterval:      time.Hour,
	})
	_, err := m.StartKernel(context.Background(), tyneID, "my tyne", false)
	c.Assert(err, jc.ErrorIsNil)

	// Manager cull timer plus the kernel heartbeat timer.
	for i := 0; i <= kernel.MaxMissedHeartbeats; i++ {
		err := s.clock.WaitAdvance(time.Second, coretesting.LongWait, 2)
		c.Assert(err, jc.ErrorIsNil)
	}
	// The loss is handled on the heartbeat goroutine.
	for deadline := time.Now().Add(coretesting.LongWait); ; {
		if _, err := m.GetKernel(tyneID); errors.Is(err, errors.NotFound) {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("kernel never marked lost")
		}
		time.Sleep(coretesting.ShortWait)
	}
}

func (s *ManagerSuite) TestCullerRemovesIdleKernels(c *gc.C) {
	m := s.newManager(c, kernel.ManagerConfig{
		HeartbeatInterval: time.Hour,
		CullInterval:      30 * time.Second,
		UserIdleCutoff:    60 * time.Second,
		KernelIdleCutoff:  30 * time.Second,
	})
	_, err := m.StartKernel(context.Background(), tyneID, "my tyne", false)
	c.Assert(err, jc.ErrorIsNil)

	// First scan: everything too recent.
	c.Assert(s.clock.WaitAdvance(30*time.Second, coretesting.LongWait, 2), jc.ErrorIsNil)
	_, err = m.GetKernel(tyneID)
	c.Assert(err, jc.ErrorIsNil)

	// Second scan: past both cutoffs.
	c.Assert(s.clock.WaitAdvance(30*time.Second, coretesting.LongWait, 2), jc.ErrorIsNil)
	for deadline := time.Now().Add(coretesting.LongWait); ; {
		if _, err := m.GetKernel(tyneID); errors.Is(err, errors.NotFound) {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("kernel never culled")
		}
		time.Sleep(coretesting.ShortWait)
	}
}

func (s *ManagerSuite) TestSyncActivityRescuesKernel(c *gc.C) {
	m := s.newManager(c, kernel.ManagerConfig{
		HeartbeatInterval: time.Hour,
		CullInterval:      30 * time.Second,
		UserIdleCutoff:    60 * time.Second,
		KernelIdleCutoff:  30 * time.Second,
		SyncActivity: []kernel.ActivitySyncFunc{
			func(_ context.Context, k *kernel.Kernel) error {
				// Another replica saw user traffic just now.
				k.SetActivity(s.clock.Now(), s.clock.Now())
				return nil
			},
		},
	})
	_, err := m.StartKernel(context.Background(), tyneID, "my tyne", false)
	c.Assert(err, jc.ErrorIsNil)

	for i := 0; i < 4; i++ {
		c.Assert(s.clock.WaitAdvance(30*time.Second, coretesting.LongWait, 2), jc.ErrorIsNil)
	}
	_, err = m.GetKernel(tyneID)
	c.Assert(err, jc.ErrorIsNil)
}
