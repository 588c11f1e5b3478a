// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package catalogtest provides an in-memory catalog.Catalog for tests that
// exercise the indexer, searcher sync loop, merge planner/executor and
// purge tasks without a live PostgreSQL instance. It implements the exact
// same interface catalog.DB does, so production code never branches on
// which backend it's talking to — mirroring how
// storj.io/storj/satellite/metabase/metabasetest.Run parameterizes tests
// over backends while the code under test stays backend-agnostic.
package catalogtest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/nidxerr"
)

// Fake is an in-memory catalog.Catalog.
type Fake struct {
	mu sync.Mutex

	shards    map[uuid.UUID]catalog.Shard
	indexes   map[int64]catalog.Index
	segments  map[int64]catalog.Segment
	deletions map[indexSeq]catalog.Deletion
	jobs      map[int64]catalog.MergeJob

	nextIndexID   int64
	nextSegmentID int64
	nextJobID     int64
}

type indexSeq struct {
	indexID int64
	seq     catalog.Seq
}

// New returns an empty in-memory catalog.
func New() *Fake {
	return &Fake{
		shards:    map[uuid.UUID]catalog.Shard{},
		indexes:   map[int64]catalog.Index{},
		segments:  map[int64]catalog.Segment{},
		deletions: map[indexSeq]catalog.Deletion{},
		jobs:      map[int64]catalog.MergeJob{},
	}
}

var _ catalog.Catalog = (*Fake)(nil)

// Close is a no-op for the in-memory fake.
func (f *Fake) Close() error { return nil }

func (f *Fake) CreateShard(ctx context.Context, kbid uuid.UUID) (catalog.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := catalog.Shard{ID: uuid.New(), KnowledgeBaseID: kbid}
	f.shards[s.ID] = s
	return s, nil
}

func (f *Fake) GetShard(ctx context.Context, id uuid.UUID) (catalog.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shards[id]
	if !ok || s.DeletedAt != nil {
		return catalog.Shard{}, nidxerr.NotFound.New("shard %s", id)
	}
	return s, nil
}

func (f *Fake) MarkShardDeleted(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shards[id]
	if !ok {
		return nidxerr.NotFound.New("shard %s", id)
	}
	now := time.Now()
	s.DeletedAt = &now
	f.shards[id] = s
	return nil
}

func (f *Fake) ListShardIDs(ctx context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, s := range f.shards {
		if s.DeletedAt == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *Fake) CreateIndex(ctx context.Context, shardID uuid.UUID, kind catalog.IndexKind, name *string, configuration []byte) (catalog.Index, error) {
	if !kind.Valid() {
		return catalog.Index{}, nidxerr.InvalidQuery.New("unknown index kind %q", kind)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, idx := range f.indexes {
		if idx.ShardID == shardID && idx.Kind == kind && sameName(idx.Name, name) && idx.DeletedAt == nil {
			return catalog.Index{}, nidxerr.Conflict.New("index already exists")
		}
	}

	f.nextIndexID++
	idx := catalog.Index{
		ID:            f.nextIndexID,
		ShardID:       shardID,
		Kind:          kind,
		Name:          name,
		Configuration: append([]byte(nil), configuration...),
		UpdatedAt:     time.Now(),
	}
	if idx.Configuration == nil {
		idx.Configuration = []byte(`{}`)
	}
	f.indexes[idx.ID] = idx
	return idx, nil
}

func sameName(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (f *Fake) FindIndex(ctx context.Context, shardID uuid.UUID, kind catalog.IndexKind, name *string) (catalog.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, idx := range f.indexes {
		if idx.ShardID == shardID && idx.Kind == kind && sameName(idx.Name, name) && idx.DeletedAt == nil {
			return idx, nil
		}
	}
	return catalog.Index{}, nidxerr.NotFound.New("index not found")
}

func (f *Fake) IndexesForShard(ctx context.Context, shardID uuid.UUID) ([]catalog.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.Index
	for _, idx := range f.indexes {
		if idx.ShardID == shardID && idx.DeletedAt == nil {
			out = append(out, idx)
		}
	}
	return out, nil
}

func (f *Fake) GetIndex(ctx context.Context, id int64) (catalog.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indexes[id]
	if !ok {
		return catalog.Index{}, nidxerr.NotFound.New("index %d", id)
	}
	return idx, nil
}

func (f *Fake) MarkIndexDeleted(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indexes[id]
	if !ok {
		return nidxerr.NotFound.New("index %d", id)
	}
	now := time.Now()
	idx.DeletedAt = &now
	f.indexes[id] = idx
	return nil
}

func (f *Fake) RecentlyUpdatedIndexes(ctx context.Context, since time.Time) ([]catalog.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.Index
	for _, idx := range f.indexes {
		if idx.UpdatedAt.After(since) {
			out = append(out, idx)
		}
	}
	return out, nil
}

func (f *Fake) BumpIndexUpdatedAt(ctx context.Context, indexID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indexes[indexID]
	if !ok {
		return nidxerr.NotFound.New("index %d", indexID)
	}
	idx.UpdatedAt = time.Now()
	f.indexes[indexID] = idx
	return nil
}

func (f *Fake) CreateSegment(ctx context.Context, indexID int64, seq catalog.Seq, records int64, indexMetadata []byte) (catalog.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSegmentID++
	deleteAt := time.Now().Add(time.Hour)
	s := catalog.Segment{
		ID:            f.nextSegmentID,
		IndexID:       indexID,
		Seq:           seq,
		Records:       records,
		IndexMetadata: append([]byte(nil), indexMetadata...),
		DeleteAt:      &deleteAt,
	}
	if s.IndexMetadata == nil {
		s.IndexMetadata = []byte(`{}`)
	}
	f.segments[s.ID] = s
	return s, nil
}

func (f *Fake) MarkSegmentsReady(ctx context.Context, sizes map[int64]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, size := range sizes {
		s, ok := f.segments[id]
		if !ok {
			continue
		}
		s.DeleteAt = nil
		sz := size
		s.SizeBytes = &sz
		f.segments[id] = s
	}
	return nil
}

// CommitIndexResource applies the same three writes MarkSegmentsReady,
// CreateDeletion and BumpIndexUpdatedAt make individually, under one lock
// acquisition, mirroring DB.CommitIndexResource's single transaction.
func (f *Fake) CommitIndexResource(ctx context.Context, sizes map[int64]int64, deletions []catalog.Deletion, touchedIndexIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, size := range sizes {
		s, ok := f.segments[id]
		if !ok {
			continue
		}
		s.DeleteAt = nil
		sz := size
		s.SizeBytes = &sz
		f.segments[id] = s
	}

	for _, del := range deletions {
		if len(del.Keys) == 0 {
			continue
		}
		k := indexSeq{del.IndexID, del.Seq}
		d := f.deletions[k]
		d.IndexID = del.IndexID
		d.Seq = del.Seq
		d.Keys = append(d.Keys, del.Keys...)
		f.deletions[k] = d
	}

	for _, indexID := range touchedIndexIDs {
		idx, ok := f.indexes[indexID]
		if !ok {
			continue
		}
		idx.UpdatedAt = time.Now()
		f.indexes[indexID] = idx
	}
	return nil
}

func (f *Fake) AbandonSegments(ctx context.Context, segmentIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, id := range segmentIDs {
		s, ok := f.segments[id]
		if !ok {
			continue
		}
		s.DeleteAt = &now
		f.segments[id] = s
	}
	return nil
}

func (f *Fake) SegmentsForIndex(ctx context.Context, indexID int64) ([]catalog.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.Segment
	for _, s := range f.segments {
		if s.IndexID == indexID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) LiveSegmentsAndDeletions(ctx context.Context, indexID int64) ([]catalog.SeqMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bySeq := map[catalog.Seq]*catalog.SeqMetadata{}
	get := func(seq catalog.Seq) *catalog.SeqMetadata {
		m, ok := bySeq[seq]
		if !ok {
			m = &catalog.SeqMetadata{Seq: seq}
			bySeq[seq] = m
		}
		return m
	}

	for _, s := range f.segments {
		if s.IndexID == indexID && s.Live() {
			m := get(s.Seq)
			m.SegmentIDs = append(m.SegmentIDs, s.ID)
		}
	}
	for k, d := range f.deletions {
		if k.indexID == indexID {
			m := get(d.Seq)
			m.DeletedKeys = append(m.DeletedKeys, d.Keys...)
		}
	}

	out := make([]catalog.SeqMetadata, 0, len(bySeq))
	for _, m := range bySeq {
		out = append(out, *m)
	}
	sortSeqMetadata(out)
	return out, nil
}

func sortSeqMetadata(s []catalog.SeqMetadata) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Seq > s[j].Seq; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (f *Fake) SegmentsMarkedDeleted(ctx context.Context) ([]catalog.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-time.Hour)
	var out []catalog.Segment
	for _, s := range f.segments {
		if s.DeleteAt != nil && s.DeleteAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) DeleteSegments(ctx context.Context, segmentIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range segmentIDs {
		delete(f.segments, id)
	}
	return nil
}

func (f *Fake) CreateDeletion(ctx context.Context, indexID int64, seq catalog.Seq, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := indexSeq{indexID, seq}
	d := f.deletions[k]
	d.IndexID = indexID
	d.Seq = seq
	d.Keys = append(d.Keys, keys...)
	f.deletions[k] = d
	return nil
}

func (f *Fake) PurgeDeletions(ctx context.Context, oldestPendingSeq catalog.Seq) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	minSeqByIndex := map[int64]catalog.Seq{}
	for _, s := range f.segments {
		if !s.Live() {
			continue
		}
		if cur, ok := minSeqByIndex[s.IndexID]; !ok || s.Seq < cur {
			minSeqByIndex[s.IndexID] = s.Seq
		}
	}

	for k, d := range f.deletions {
		if idx, ok := f.indexes[d.IndexID]; ok && idx.DeletedAt != nil {
			delete(f.deletions, k)
			continue
		}
		min, ok := minSeqByIndex[d.IndexID]
		if ok && d.Seq <= min && d.Seq <= oldestPendingSeq {
			delete(f.deletions, k)
		}
	}
	return nil
}

func (f *Fake) ClaimMergeJob(ctx context.Context, indexID int64, maxRecords int64) (catalog.MergeJob, []catalog.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []catalog.Segment
	for _, s := range f.segments {
		if s.IndexID == indexID && s.Live() && s.MergeJobID == nil {
			candidates = append(candidates, s)
		}
	}
	// size-tiered: smallest first, matching the DB implementation's ORDER BY.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && segSize(candidates[j-1]) > segSize(candidates[j]); j-- {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
		}
	}

	var selected []catalog.Segment
	var total int64
	for _, s := range candidates {
		if len(selected) >= 2 && total+s.Records > maxRecords {
			break
		}
		selected = append(selected, s)
		total += s.Records
	}
	if len(selected) < 2 {
		return catalog.MergeJob{}, nil, catalog.ErrNoSegmentsEligible
	}

	f.nextJobID++
	job := catalog.MergeJob{ID: f.nextJobID, IndexID: indexID, StartedAt: time.Now()}
	f.jobs[job.ID] = job

	for i, s := range selected {
		s.MergeJobID = &job.ID
		f.segments[s.ID] = s
		selected[i] = s
	}
	return job, selected, nil
}

func segSize(s catalog.Segment) int64 {
	if s.SizeBytes == nil {
		return 0
	}
	return *s.SizeBytes
}

// AllocateSegmentID reserves a segment id ahead of its row, mirroring
// DB.AllocateSegmentID's nextval(segments_id_seq).
func (f *Fake) AllocateSegmentID(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSegmentID++
	return f.nextSegmentID, nil
}

func (f *Fake) CommitMerge(ctx context.Context, job catalog.MergeJob, inputIDs []int64, outputSegmentID, outputIndexID int64, outputSeq catalog.Seq, outputRecords int64, outputIndexMetadata []byte, outputSizeBytes int64) (catalog.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := outputSizeBytes
	out := catalog.Segment{
		ID:            outputSegmentID,
		IndexID:       outputIndexID,
		Seq:           outputSeq,
		Records:       outputRecords,
		SizeBytes:     &size,
		IndexMetadata: append([]byte(nil), outputIndexMetadata...),
	}
	f.segments[out.ID] = out

	for _, id := range inputIDs {
		delete(f.segments, id)
	}
	delete(f.jobs, job.ID)

	if idx, ok := f.indexes[outputIndexID]; ok {
		idx.UpdatedAt = time.Now()
		f.indexes[outputIndexID] = idx
	}
	return out, nil
}

func (f *Fake) AbandonExpiredMergeJobs(ctx context.Context, lease time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-lease)
	for id, job := range f.jobs {
		if job.StartedAt.Before(cutoff) {
			delete(f.jobs, id)
			for sid, s := range f.segments {
				if s.MergeJobID != nil && *s.MergeJobID == id {
					s.MergeJobID = nil
					f.segments[sid] = s
				}
			}
		}
	}
	return nil
}

func (f *Fake) PurgeDeletedShardsAndIndexes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, idx := range f.indexes {
		if idx.DeletedAt == nil {
			continue
		}
		hasSegments := false
		for _, s := range f.segments {
			if s.IndexID == id {
				hasSegments = true
				break
			}
		}
		hasDeletions := false
		for k := range f.deletions {
			if k.indexID == id {
				hasDeletions = true
				break
			}
		}
		if !hasSegments && !hasDeletions {
			delete(f.indexes, id)
		}
	}

	for id, s := range f.shards {
		if s.DeletedAt == nil {
			continue
		}
		hasIndexes := false
		for _, idx := range f.indexes {
			if idx.ShardID == id {
				hasIndexes = true
				break
			}
		}
		if !hasIndexes {
			delete(f.shards, id)
		}
	}
	return nil
}
