// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the HTTP surface of a server replica: the
// websocket endpoint clients collaborate over, API-key function
// invocation and metrics. Requests for tynes owned by another replica
// are forwarded to it.
package apiserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ursgro/neptyne-spreadsheet-sub000/shard"
	"github.com/ursgro/neptyne-spreadsheet-sub000/state"
	"github.com/ursgro/neptyne-spreadsheet-sub000/tyne"
)

var logger = loggo.GetLogger("neptyne.apiserver")

const (
	// shutdownTimeout bounds the graceful drain on stop.
	shutdownTimeout = 30 * time.Second

	// APIQuotaWindow and APIQuotaLimit bound API-key invocations per
	// key: a rolling hourly window on top of the per-tyne rate bucket.
	APIQuotaWindow = time.Hour
	APIQuotaLimit  = 1000
)

// Config holds the server's dependencies.
type Config struct {
	Listener net.Listener
	Clock    clock.Clock
	State    *state.State
	Registry *tyne.Registry
	Router   *shard.Router
	Auth     Authenticator

	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Forward proxies a request to another replica. Nil uses the
	// default HTTP round trip; tests substitute their own.
	Forward func(w http.ResponseWriter, r *http.Request, target string)
}

// Validate returns an error for a misconfigured server.
func (config Config) Validate() error {
	if config.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Router == nil {
		return errors.NotValidf("nil Router")
	}
	if config.Auth == nil {
		return errors.NotValidf("nil Auth")
	}
	return nil
}

// Server is the HTTP serving worker.
type Server struct {
	catacomb catacomb.Catacomb
	config   Config
	srv      *http.Server
}

// NewServer starts serving on the configured listener.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Forward == nil {
		config.Forward = forwardHTTP
	}
	s := &Server{config: config}
	s.srv = &http.Server{Handler: s.routes()}

	err := catacomb.Invoke(catacomb.Plan{
		Name: "apiserver",
		Site: &s.catacomb,
		Work: s.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.catacomb.Wait()
}

// Addr reports the listener address, useful when the configured
// listener bound port zero.
func (s *Server) Addr() string {
	return s.config.Listener.Addr().String()
}

func (s *Server) loop() error {
	serveErr := make(chan error, 1)
	go func() {
		err := s.srv.Serve(s.config.Listener)
		if err == http.ErrServerClosed {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case <-s.catacomb.Dying():
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			logger.Warningf("shutting down http server: %v", err)
		}
		<-serveErr
		return s.catacomb.ErrDying()
	case err := <-serveErr:
		if err != nil {
			return errors.Trace(err)
		}
		return errors.New("http server stopped unexpectedly")
	}
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	// CRUD on worksheets lives in the external frontend service; this
	// server exposes only the collaboration and invocation surface.
	r.HandleFunc("/api/v1/invoke/{function}", s.handleInvoke).Methods("POST")

	// The websocket path carries the owning shard index so load
	// balancers can route sticky; the handler re-checks ownership.
	r.HandleFunc("/ws/{shard}/api/tyne/{id}", s.handleWebsocket)

	if s.config.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// forwardHTTP relays a REST request to the owning replica and copies
// the response back.
func forwardHTTP(w http.ResponseWriter, r *http.Request, target string) {
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	out.Header = r.Header.Clone()
	resp, err := http.DefaultClient.Do(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = copyBody(w, resp)
}
