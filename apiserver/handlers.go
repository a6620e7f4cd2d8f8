// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	coretyne "github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
)

// canSubscribe enforces the sharing model on a websocket connect: the
// owner and shared users collaborate; anyone authenticated may watch a
// published tyne.
func (s *Server) canSubscribe(ctx context.Context, md coretyne.Metadata, email string) error {
	if md.OwnerID == email || md.Published {
		return nil
	}
	shares, err := s.config.State.Shares(ctx, md.ID)
	if err != nil {
		return errors.Trace(err)
	}
	if _, ok := shares[email]; ok {
		return nil
	}
	return errors.Unauthorizedf("%s has no access to tyne %s", email, md.ID)
}

// handleInvoke runs a named kernel function on behalf of an API key
// holder. The key carries its own per-window quota; the tyne process
// applies a finer-grained rate bucket underneath.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("apiKey")
	}
	if token == "" {
		sendError(w, errors.Unauthorizedf("missing API key"))
		return
	}
	id, err := s.config.State.ResolveAPIKey(r.Context(), token)
	if errors.Is(err, errors.NotFound) {
		sendError(w, errors.Unauthorizedf("unknown API key"))
		return
	} else if err != nil {
		sendError(w, errors.Trace(err))
		return
	}
	if !s.config.Router.IsLocal(id) {
		s.config.Forward(w, r, s.config.Router.ForwardURL(id, r.URL).String())
		return
	}
	ok, err := s.config.State.ConsumeQuota(
		r.Context(), token, s.config.Clock.Now(), APIQuotaWindow, APIQuotaLimit)
	if err != nil {
		sendError(w, errors.Trace(err))
		return
	}
	if !ok {
		sendError(w, errors.QuotaLimitExceededf("API key quota exhausted"))
		return
	}

	var req struct {
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		sendError(w, errors.NewNotValid(err, "decoding request"))
		return
	}
	proc, err := s.config.Registry.Open(r.Context(), id)
	if err != nil {
		sendError(w, errors.Trace(err))
		return
	}
	function := mux.Vars(r)["function"]
	result, err := proc.InvokeAPI(r.Context(), function, req.Args, req.Kwargs)
	if err != nil {
		sendError(w, errors.Trace(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warningf("writing response: %v", err)
	}
}

func sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.Unauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errors.NotValid):
		status = http.StatusBadRequest
	case errors.Is(err, errors.QuotaLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, errors.Timeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("request failed: %v", err)
	}
	sendJSON(w, status, map[string]string{"error": err.Error()})
}

func copyBody(w http.ResponseWriter, resp *http.Response) (int64, error) {
	return io.Copy(w, resp.Body)
}
