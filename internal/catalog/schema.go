// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package catalog

// schema is the catalog's relational schema, as described in spec.md §6.
// It is applied once by Open, mirroring the teacher's
// internal/migrate.Create single-shot-schema style used for small,
// append-only metadata stores rather than storj's full versioned
// migration chain (the catalog here has no prior versions to migrate
// from).
const schema = `
CREATE TABLE IF NOT EXISTS shards (
	id         uuid PRIMARY KEY,
	kbid       uuid NOT NULL,
	deleted_at timestamptz
);

CREATE TABLE IF NOT EXISTS indexes (
	id            bigserial PRIMARY KEY,
	shard_id      uuid NOT NULL REFERENCES shards(id),
	kind          text NOT NULL,
	name          text,
	configuration jsonb NOT NULL DEFAULT '{}',
	updated_at    timestamptz NOT NULL DEFAULT now(),
	deleted_at    timestamptz
);
CREATE UNIQUE INDEX IF NOT EXISTS indexes_shard_kind_name_key ON indexes (shard_id, kind, COALESCE(name, ''));
CREATE INDEX IF NOT EXISTS indexes_updated_at_idx ON indexes (updated_at);

CREATE TABLE IF NOT EXISTS segments (
	id             bigserial PRIMARY KEY,
	index_id       bigint NOT NULL REFERENCES indexes(id),
	seq            bigint NOT NULL,
	records        bigint NOT NULL DEFAULT 0,
	size_bytes     bigint,
	index_metadata jsonb NOT NULL DEFAULT '{}',
	merge_job_id   bigint,
	delete_at      timestamptz
);
CREATE INDEX IF NOT EXISTS segments_index_id_idx ON segments (index_id);
CREATE INDEX IF NOT EXISTS segments_merge_job_id_idx ON segments (merge_job_id);
CREATE INDEX IF NOT EXISTS segments_delete_at_idx ON segments (delete_at);

CREATE TABLE IF NOT EXISTS deletions (
	index_id bigint NOT NULL REFERENCES indexes(id),
	seq      bigint NOT NULL,
	keys     text[] NOT NULL,
	PRIMARY KEY (index_id, seq)
);

CREATE TABLE IF NOT EXISTS merge_jobs (
	id         bigserial PRIMARY KEY,
	index_id   bigint NOT NULL REFERENCES indexes(id),
	started_at timestamptz NOT NULL DEFAULT now()
);
`
