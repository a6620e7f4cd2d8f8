// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tick schedules autonomous cell re-execution. A scanner polls
// for tynes whose next tick falls due and runs each through its tyne
// process; one failing tyne never blocks the others.
package tick

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	coretyne "github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/state"
)

var logger = loggo.GetLogger("neptyne.tick")

const (
	// DefaultScanInterval is how often the scanner looks for due tynes.
	DefaultScanInterval = time.Minute

	// runTimeout bounds one tyne's tick execution.
	runTimeout = 2 * time.Minute
)

// Runner executes one tyne's scheduled cells. The production runner
// opens the tyne process and round-trips through its kernel.
type Runner interface {
	RunTick(ctx context.Context, id coretyne.ID) error
}

// Config holds the scanner's dependencies.
type Config struct {
	Clock  clock.Clock
	State  *state.State
	Runner Runner

	// ScanInterval defaults to DefaultScanInterval.
	ScanInterval time.Duration
}

// Validate returns an error for a misconfigured scanner.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	return nil
}

// Scanner is the tick scheduling worker.
type Scanner struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewScanner starts the scanner.
func NewScanner(config Config) (*Scanner, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultScanInterval
	}
	s := &Scanner{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "tick-scanner",
		Site: &s.catacomb,
		Work: s.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Scanner) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Scanner) Wait() error {
	return s.catacomb.Wait()
}

func (s *Scanner) loop() error {
	for {
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case <-s.config.Clock.After(s.config.ScanInterval):
			s.scan()
		}
	}
}

// scan runs every due tyne, each in its own goroutine so a stuck
// kernel only stalls its own tyne.
func (s *Scanner) scan() {
	ctx, cancel := context.WithTimeout(
		s.catacomb.Context(context.Background()), runTimeout)
	defer cancel()

	due, err := s.config.State.TynesDueTick(ctx, s.config.Clock.Now())
	if err != nil {
		logger.Errorf("scanning for due tynes: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	logger.Debugf("%d tynes due for tick", len(due))

	var wg sync.WaitGroup
	for _, id := range due {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runOne(id)
		}()
	}
	wg.Wait()
}

// runOne executes one tyne's tick. Failure unschedules the tyne and
// records an event, so a broken tick does not retry forever.
func (s *Scanner) runOne(id coretyne.ID) {
	ctx, cancel := context.WithTimeout(
		s.catacomb.Context(context.Background()), runTimeout)
	defer cancel()

	err := s.config.Runner.RunTick(ctx, id)
	if err == nil {
		return
	}
	logger.Errorf("tick of %s: %v", id, err)

	if serr := s.config.State.SetNextTick(ctx, id, 0, false); serr != nil {
		logger.Errorf("unscheduling %s after failed tick: %v", id, serr)
	}
	event := coretyne.Event{
		Message:   "scheduled tick failed; further ticks disabled",
		Severity:  coretyne.SeverityError,
		Extra:     map[string]any{"error": err.Error()},
		CreatedAt: s.config.Clock.Now(),
	}
	if serr := s.config.State.AddEvent(ctx, id, event); serr != nil {
		logger.Errorf("recording tick failure for %s: %v", id, serr)
	}
}
