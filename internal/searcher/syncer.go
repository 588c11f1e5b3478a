// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package searcher implements spec.md §4.7: a background sync loop that
// keeps a local, mmap'able mirror of every shard's live segments, and a
// query path that resolves (shard, kind[, vectorset]) to the in-memory
// view the sync loop maintains and dispatches the kind-specific search.
package searcher

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/nidxerr"
	"storj.io/nidx/internal/objectstore"
	"storj.io/nidx/internal/registry"
	"storj.io/nidx/internal/segment"
)

// DefaultPollInterval is spec.md §4.7's default sync poll period.
const DefaultPollInterval = 5 * time.Second

// IndexView is the immutable snapshot the query path reads: one opened
// Searcher over an index's current live segment set. Replaced by
// pointer swap whenever the sync loop observes a change, never mutated
// in place (spec.md §5's "each IndexView is an immutable value").
type IndexView struct {
	Index       catalog.Index
	Searcher    segment.Searcher
	SegmentDirs map[int64]string // segment id -> local directory
}

// Syncer is the searcher process's single writer of the shard→index
// view map. One Syncer instance is shared by every query goroutine;
// Run should execute in its own goroutine for the process lifetime.
type Syncer struct {
	Catalog      catalog.Catalog
	Store        objectstore.Store
	WorkDir      string
	Log          *zap.Logger
	PollInterval time.Duration

	mu       sync.RWMutex
	views    map[int64]*IndexView
	lastSeen time.Time
}

// NewSyncer returns a Syncer with no views loaded; call Run to start
// polling, or SyncOnce directly in tests.
func NewSyncer(cat catalog.Catalog, store objectstore.Store, workDir string, log *zap.Logger) *Syncer {
	return &Syncer{
		Catalog:      cat,
		Store:        store,
		WorkDir:      workDir,
		Log:          log,
		PollInterval: DefaultPollInterval,
		views:        map[int64]*IndexView{},
	}
}

// View returns the current snapshot for indexID, or (nil, false) if the
// sync loop hasn't installed one yet.
func (s *Syncer) View(indexID int64) (*IndexView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[indexID]
	return v, ok
}

// LastSyncedAt returns the wall-clock time of the last completed
// SyncOnce iteration, or the zero Time if none has completed yet.
// internal/control reports the age of this as the readiness probe's
// sync-staleness figure.
func (s *Syncer) LastSyncedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Run polls the catalog every PollInterval until ctx is canceled. Errors
// are logged and do not stop the loop (spec.md §5: "Sync-loop errors log
// and back off; they do not crash the searcher").
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.SyncOnce(ctx); err != nil && s.Log != nil {
			s.Log.Warn("sync loop iteration failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce runs one polling iteration: find indexes updated since the
// last run, and for each, bring its local mirror up to date.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	s.mu.RLock()
	since := s.lastSeen
	s.mu.RUnlock()
	now := time.Now()

	indexes, err := s.Catalog.RecentlyUpdatedIndexes(ctx, since)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := s.syncIndex(ctx, idx); err != nil {
			if s.Log != nil {
				s.Log.Warn("failed to sync index", zap.Int64("index_id", idx.ID), zap.Error(err))
			}
			continue
		}
	}
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
	return nil
}

// syncIndex implements spec.md §4.7 steps 1-4 for one index: diff the
// catalog's live segment set against the locally mirrored one,
// download/unpack new segments, drop stale ones, and install a freshly
// opened IndexView.
func (s *Syncer) syncIndex(ctx context.Context, idx catalog.Index) error {
	all, err := s.Catalog.SegmentsForIndex(ctx, idx.ID)
	if err != nil {
		return err
	}
	var live []catalog.Segment
	for _, seg := range all {
		if seg.Live() {
			live = append(live, seg)
		}
	}

	diffs, err := s.Catalog.LiveSegmentsAndDeletions(ctx, idx.ID)
	if err != nil {
		return err
	}
	var deletions []segment.DeletionEntry
	for _, d := range diffs {
		if len(d.DeletedKeys) > 0 {
			deletions = append(deletions, segment.DeletionEntry{Seq: int64(d.Seq), Keys: d.DeletedKeys})
		}
	}

	s.mu.RLock()
	prev := s.views[idx.ID]
	s.mu.RUnlock()

	prevDirs := map[int64]string{}
	if prev != nil {
		prevDirs = prev.SegmentDirs
	}

	indexDir := filepath.Join(s.WorkDir, strconv.FormatInt(idx.ID, 10))
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nidxerr.Internal.Wrap(err)
	}

	liveIDs := map[int64]bool{}
	newDirs := map[int64]string{}
	inputs := make([]segment.Input, 0, len(live))
	for _, seg := range live {
		liveIDs[seg.ID] = true
		dir, ok := prevDirs[seg.ID]
		if !ok {
			dir = filepath.Join(indexDir, strconv.FormatInt(seg.ID, 10))
			if err := objectstore.DownloadAndUnpack(ctx, s.Store, seg.StorageKey(), dir); err != nil {
				return err
			}
		}
		newDirs[seg.ID] = dir
		inputs = append(inputs, segment.Input{
			Seq:           int64(seg.Seq),
			Dir:           dir,
			Records:       seg.Records,
			IndexMetadata: seg.IndexMetadata,
		})
	}

	opener, err := registry.OpenerFor(idx)
	if err != nil {
		return err
	}
	view := &IndexView{Index: idx, SegmentDirs: newDirs}
	view.Searcher, err = opener.Open(inputs, deletions)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.views[idx.ID] = view
	s.mu.Unlock()

	if prev != nil {
		_ = prev.Searcher.Close()
	}
	for id, dir := range prevDirs {
		if !liveIDs[id] {
			_ = os.RemoveAll(dir)
		}
	}
	return nil
}
