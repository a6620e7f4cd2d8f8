// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tyne

import (
	"context"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/ursgro/neptyne-spreadsheet-sub000/blobstore"
	coretyne "github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel"
	"github.com/ursgro/neptyne-spreadsheet-sub000/sheet"
	"github.com/ursgro/neptyne-spreadsheet-sub000/state"
)

// RegistryConfig holds the shared dependencies handed to every tyne
// process.
type RegistryConfig struct {
	Clock   clock.Clock
	Kernels *kernel.Manager
	Store   blobstore.Store
	State   *state.State
	Hub     *pubsub.SimpleHub

	// Evaluator, when set, replaces the kernel evaluator everywhere.
	Evaluator sheet.Evaluator

	// SaveDelay applies to every process; zero means the default.
	SaveDelay time.Duration
}

// Validate returns an error for a misconfigured registry.
func (config RegistryConfig) Validate() error {
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

// Registry owns the tyne processes on this replica: at most one per
// tyne, started on first use, torn down with the registry.
type Registry struct {
	catacomb catacomb.Catacomb
	config   RegistryConfig
	runner   *worker.Runner

	// openMutex serializes opens per tyne so concurrent connects
	// coalesce onto one process.
	openMutex *kmutex.Kmutex
}

// NewRegistry starts an empty registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	runner, err := worker.NewRunner(worker.RunnerParams{
		Name: "tyne-registry",
		// A dead process is forgotten, not restarted; the next open
		// reloads from storage.
		IsFatal: func(error) bool { return false },
		Clock:   config.Clock,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	r := &Registry{
		config:    config,
		runner:    runner,
		openMutex: kmutex.New(),
	}
	err = catacomb.Invoke(catacomb.Plan{
		Name: "tyne-registry",
		Site: &r.catacomb,
		Work: r.loop,
		Init: []worker.Worker{r.runner},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *Registry) Kill() {
	r.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Registry) Wait() error {
	return r.catacomb.Wait()
}

func (r *Registry) loop() error {
	<-r.catacomb.Dying()
	return r.catacomb.ErrDying()
}

// Open returns the process for the tyne, starting one if needed. The
// tyne must exist in state.
func (r *Registry) Open(ctx context.Context, id coretyne.ID) (*Process, error) {
	if err := id.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r.openMutex.Lock(string(id))
	defer r.openMutex.Unlock(string(id))

	if p, err := r.get(id); err == nil {
		return p, nil
	}

	md, err := r.config.State.GetTyne(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	err = r.runner.StartWorker(ctx, string(id), func(ctx context.Context) (worker.Worker, error) {
		return NewProcess(Config{
			ID:        id,
			Metadata:  md,
			Clock:     r.config.Clock,
			Kernels:   r.config.Kernels,
			Store:     r.config.Store,
			State:     r.config.State,
			Hub:       r.config.Hub,
			Evaluator: r.config.Evaluator,
			SaveDelay: r.config.SaveDelay,
		})
	})
	if err != nil && !errors.Is(err, errors.AlreadyExists) {
		return nil, errors.Trace(err)
	}
	return r.get(id)
}

// Get returns the running process for the tyne, if any.
func (r *Registry) Get(id coretyne.ID) (*Process, error) {
	return r.get(id)
}

func (r *Registry) get(id coretyne.ID) (*Process, error) {
	w, err := r.runner.Worker(string(id), r.catacomb.Dying())
	if err != nil {
		return nil, errors.NotFoundf("tyne process %s", id)
	}
	p, ok := w.(*Process)
	if !ok {
		return nil, errors.Errorf("worker %s is not a tyne process", id)
	}
	return p, nil
}

// Close stops the tyne's process, flushing any unsaved changes.
func (r *Registry) Close(id coretyne.ID) error {
	err := r.runner.StopAndRemoveWorker(string(id), r.catacomb.Dying())
	if err != nil && !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	return nil
}
