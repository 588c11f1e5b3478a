// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package control is a minimal readiness probe, grounded on the
// original nidx's control.rs Ready command. It deliberately carries no
// transport of its own (no Unix socket server, no RPC framing) since
// the process supervisor that would dial it is out of scope; only the
// computation behind "is this process ready" lives here.
package control

import (
	"context"
	"time"

	"storj.io/nidx/internal/catalog"
)

// DefaultMaxSyncDelay is how stale the searcher's last successful sync
// may be before readiness reports unhealthy, mirroring the 60s bound the
// original control_client enforces on searcher_sync_delay.
const DefaultMaxSyncDelay = 60 * time.Second

// Syncer is the subset of searcher.Syncer that readiness needs, kept
// narrow so this package doesn't import internal/searcher (and pull in
// its catalog/object-store/registry dependencies) just to read a clock.
type Syncer interface {
	LastSyncedAt() time.Time
}

// Detail is the readiness computation's result, one field per signal the
// original Ready command reports.
type Detail struct {
	Database          bool
	SearcherSyncDelay time.Duration
	HasSynced         bool
}

// Server computes process readiness on demand. It holds no connections
// of its own; Catalog and Syncer are whatever the process already
// constructed for indexing/searching.
type Server struct {
	Catalog      catalog.Catalog
	Syncer       Syncer
	MaxSyncDelay time.Duration
}

// NewServer returns a Server with DefaultMaxSyncDelay.
func NewServer(cat catalog.Catalog, syncer Syncer) *Server {
	return &Server{Catalog: cat, Syncer: syncer, MaxSyncDelay: DefaultMaxSyncDelay}
}

// Ready reports whether the process should be considered healthy: the
// catalog must be reachable, and (if a Syncer is configured) its last
// successful sync must be recent enough.
func (s *Server) Ready(ctx context.Context) (bool, Detail) {
	var detail Detail

	_, err := s.Catalog.ListShardIDs(ctx)
	detail.Database = err == nil

	ok := detail.Database
	if s.Syncer != nil {
		last := s.Syncer.LastSyncedAt()
		detail.HasSynced = !last.IsZero()
		if detail.HasSynced {
			detail.SearcherSyncDelay = time.Since(last)
		}
		maxDelay := s.MaxSyncDelay
		if maxDelay <= 0 {
			maxDelay = DefaultMaxSyncDelay
		}
		ok = ok && detail.HasSynced && detail.SearcherSyncDelay < maxDelay
	}
	return ok, detail
}
