// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package shard maps tynes onto server replicas. Every replica knows
// the cluster size and its own index; a tyne's file name hashes to
// exactly one owner, and requests landing elsewhere are forwarded to
// it. The mapping is pure so all replicas agree without coordination.
package shard

import (
	"fmt"
	"hash/fnv"
	"net/url"

	"github.com/juju/errors"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
)

// Router resolves tyne ownership across the replica set.
type Router struct {
	numShards int
	selfIndex int

	// hostPattern expands to a replica's service host; %d is the
	// shard index.
	hostPattern string
}

// NewRouter builds a router for a replica set of numShards, running as
// replica selfIndex.
func NewRouter(numShards, selfIndex int, hostPattern string) (*Router, error) {
	if numShards < 1 {
		return nil, errors.NotValidf("shard count %d", numShards)
	}
	if selfIndex < 0 || selfIndex >= numShards {
		return nil, errors.NotValidf("shard index %d of %d", selfIndex, numShards)
	}
	if hostPattern == "" {
		hostPattern = "neptyne-server-%d"
	}
	return &Router{
		numShards:   numShards,
		selfIndex:   selfIndex,
		hostPattern: hostPattern,
	}, nil
}

// Owner returns the shard index owning the tyne.
func (r *Router) Owner(id tyne.ID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(r.numShards))
}

// IsLocal reports whether this replica owns the tyne.
func (r *Router) IsLocal(id tyne.ID) bool {
	return r.Owner(id) == r.selfIndex
}

// SelfIndex returns this replica's shard index.
func (r *Router) SelfIndex() int {
	return r.selfIndex
}

// NumShards returns the replica set size.
func (r *Router) NumShards() int {
	return r.numShards
}

// OwnerHost returns the service host of the tyne's owner.
func (r *Router) OwnerHost(id tyne.ID) string {
	return fmt.Sprintf(r.hostPattern, r.Owner(id))
}

// ForwardURL rewrites a request URL so it targets the tyne's owner,
// keeping path and query intact.
func (r *Router) ForwardURL(id tyne.ID, u *url.URL) *url.URL {
	out := *u
	out.Host = r.OwnerHost(id)
	if out.Scheme == "" {
		out.Scheme = "http"
	}
	return &out
}
