// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tyne holds the core identity types of a worksheet: its file
// name, metadata record, events and secrets. A tyne is the unit of
// persistence and collaboration: one notebook plus one or more sheets.
package tyne

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"github.com/rs/xid"
)

const (
	// FileNameLength is the length of a tyne's opaque file name.
	FileNameLength = 10

	fileNameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ID is a tyne's opaque file name: 10 characters from [a-z0-9].
type ID string

// NewID generates a fresh random tyne id.
func NewID() ID {
	return ID(utils.RandomString(FileNameLength, []rune(fileNameAlphabet)))
}

// Validate returns an error if the id is not a well-formed file name.
func (id ID) Validate() error {
	if len(id) != FileNameLength {
		return errors.NotValidf("tyne id %q", string(id))
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return errors.NotValidf("tyne id %q", string(id))
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// BlobPath is the object path of the tyne's content snapshot.
func (id ID) BlobPath() string { return string(id) + ".json" }

// Metadata is the durable record of a tyne, minus its content snapshot.
type Metadata struct {
	ID                ID                `json:"id"`
	Name              string            `json:"name"`
	OwnerID           string            `json:"owner_id"`
	Version           int               `json:"version"`
	Published         bool              `json:"published"`
	Properties        map[string]any    `json:"properties,omitempty"`
	NextTick          int64             `json:"next_tick,omitempty"` // epoch seconds; 0 when idle
	HasTick           bool              `json:"has_tick"`
	RequiresRecompile bool              `json:"requires_recompile"`
	Environment       map[string]string `json:"environment,omitempty"`
	Created           time.Time         `json:"created"`
	LastModified      time.Time         `json:"last_modified"`
}

// Severity classifies an event.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Event is a structured log line attached to a tyne.
type Event struct {
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Extra     map[string]any `json:"extra,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Secrets is a key to secret-string map. Tyne-scoped and user-scoped
// secret maps are merged with the user scope winning on collision.
type Secrets map[string]string

// Merge returns the union of the receiver with overrides, overrides
// winning.
func (s Secrets) Merge(overrides Secrets) Secrets {
	out := make(Secrets, len(s)+len(overrides))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// APIKey permits anonymous read/invoke of named server-side functions
// on one tyne.
type APIKey struct {
	Token   string    `json:"token"`
	TyneID  ID        `json:"tyne_id"`
	Created time.Time `json:"created"`
}

// NewAPIKey mints a key bound to the given tyne.
func NewAPIKey(id ID, now time.Time) APIKey {
	return APIKey{Token: xid.New().String(), TyneID: id, Created: now}
}
