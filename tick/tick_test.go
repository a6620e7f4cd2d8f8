// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tick_test

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	_ "github.com/mattn/go-sqlite3"
	gc "gopkg.in/check.v1"

	coretyne "github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	coretesting "github.com/ursgro/neptyne-spreadsheet-sub000/internal/testing"
	"github.com/ursgro/neptyne-spreadsheet-sub000/state"
	"github.com/ursgro/neptyne-spreadsheet-sub000/tick"
)

type ScannerSuite struct {
	clock   *testclock.Clock
	st      *state.State
	runner  *fakeRunner
	scanner *tick.Scanner
}

var _ = gc.Suite(&ScannerSuite{})

type fakeRunner struct {
	mu   sync.Mutex
	runs []coretyne.ID
	fail map[coretyne.ID]error
}

func (r *fakeRunner) RunTick(_ context.Context, id coretyne.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, id)
	return r.fail[id]
}

func (r *fakeRunner) ran() []coretyne.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]coretyne.ID, len(r.runs))
	copy(out, r.runs)
	return out
}

func (s *ScannerSuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	c.Assert(err, jc.ErrorIsNil)
	// The in-memory database evaporates with its last connection.
	db.SetMaxOpenConns(1)
	s.st, err = state.NewState(db)
	c.Assert(err, jc.ErrorIsNil)
	s.runner = &fakeRunner{fail: map[coretyne.ID]error{}}
}

func (s *ScannerSuite) TearDownTest(c *gc.C) {
	if s.scanner != nil {
		s.scanner.Kill()
		c.Assert(s.scanner.Wait(), jc.ErrorIsNil)
		s.scanner = nil
	}
}

func (s *ScannerSuite) start(c *gc.C) {
	scanner, err := tick.NewScanner(tick.Config{
		Clock:  s.clock,
		State:  s.st,
		Runner: s.runner,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.scanner = scanner
}

func (s *ScannerSuite) addTyne(c *gc.C, id coretyne.ID, next int64) {
	err := s.st.CreateTyne(context.Background(), coretyne.Metadata{
		ID:      id,
		Name:    string(id),
		OwnerID: "owner@example.com",
		Created: s.clock.Now(),
	})
	c.Assert(err, jc.ErrorIsNil)
	if next != 0 {
		err = s.st.SetNextTick(context.Background(), id, next, true)
		c.Assert(err, jc.ErrorIsNil)
	}
}

func (s *ScannerSuite) waitRuns(c *gc.C, want int) []coretyne.ID {
	for deadline := time.Now().Add(coretesting.LongWait); ; {
		runs := s.runner.ran()
		if len(runs) >= want {
			return runs
		}
		if time.Now().After(deadline) {
			c.Fatalf("only %d of %d tick runs happened", len(runs), want)
		}
		time.Sleep(coretesting.ShortWait)
	}
}

func (s *ScannerSuite) TestConfigValidate(c *gc.C) {
	_, err := tick.NewScanner(tick.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	_, err = tick.NewScanner(tick.Config{Clock: s.clock})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	_, err = tick.NewScanner(tick.Config{Clock: s.clock, State: s.st})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *ScannerSuite) TestRunsDueTynesOnly(c *gc.C) {
	now := s.clock.Now().Unix()
	s.addTyne(c, "aaaaaaaaaa", now+30)
	s.addTyne(c, "bbbbbbbbbb", now+7200) // far future; not due
	s.addTyne(c, "cccccccccc", 0)        // no tick at all
	s.start(c)

	err := s.clock.WaitAdvance(tick.DefaultScanInterval, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	runs := s.waitRuns(c, 1)
	c.Assert(runs, gc.DeepEquals, []coretyne.ID{"aaaaaaaaaa"})
}

func (s *ScannerSuite) TestFailedTickUnschedulesAndLogs(c *gc.C) {
	now := s.clock.Now().Unix()
	s.addTyne(c, "aaaaaaaaaa", now+30)
	s.addTyne(c, "bbbbbbbbbb", now+30)
	s.runner.fail["aaaaaaaaaa"] = errors.New("kernel exploded")
	s.start(c)

	err := s.clock.WaitAdvance(tick.DefaultScanInterval, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.waitRuns(c, 2)

	// The failing tyne is unscheduled; the healthy one keeps its slot.
	for deadline := time.Now().Add(coretesting.LongWait); ; {
		md, err := s.st.GetTyne(context.Background(), "aaaaaaaaaa")
		c.Assert(err, jc.ErrorIsNil)
		if !md.HasTick && md.NextTick == 0 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("failing tyne never unscheduled")
		}
		time.Sleep(coretesting.ShortWait)
	}
	md, err := s.st.GetTyne(context.Background(), "bbbbbbbbbb")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(md.HasTick, jc.IsTrue)

	events, err := s.st.Events(context.Background(), "aaaaaaaaaa", 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.HasLen, 1)
	c.Assert(events[0].Severity, gc.Equals, coretyne.SeverityError)
	c.Assert(events[0].Extra["error"], gc.Equals, "kernel exploded")
}

func (s *ScannerSuite) TestRepeatedScans(c *gc.C) {
	now := s.clock.Now().Unix()
	s.addTyne(c, "aaaaaaaaaa", now+30)
	s.start(c)

	err := s.clock.WaitAdvance(tick.DefaultScanInterval, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.waitRuns(c, 1)

	// Still scheduled (the runner records the next slot), so the next
	// scan picks it up again.
	err = s.clock.WaitAdvance(tick.DefaultScanInterval, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.waitRuns(c, 2)
}
