// Package nidxerr defines the error-kind taxonomy shared by every nidx
// component: the catalog, the index kinds, the indexer, the searcher and
// the merge/purge tasks all classify their errors into one of these
// classes so that callers can make a uniform retry/propagate decision.
package nidxerr

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zeebo/errs"
)

// Classes, one per error kind from the design's error handling section.
var (
	// InvalidQuery is a caller-visible, non-retryable rejection: bad
	// dimension, malformed filter, unknown shard.
	InvalidQuery = errs.Class("invalid query")

	// NotFound means the shard/index/segment referenced does not exist.
	NotFound = errs.Class("not found")

	// Conflict is a catalog constraint violation, e.g. a duplicate
	// vectorset name. Not retryable by the caller.
	Conflict = errs.Class("conflict")

	// StorageTransient is a network/object-store error that may succeed
	// on retry.
	StorageTransient = errs.Class("storage transient")

	// StorageFatal means corruption, a checksum mismatch or a
	// schema-version mismatch. The affected segment should be
	// quarantined by the caller (removed locally, re-downloaded).
	StorageFatal = errs.Class("storage fatal")

	// Internal is a bug-class error, propagated with context.
	Internal = errs.Class("internal")
)

// IsTransient reports whether err should be retried automatically. It
// recognizes context deadline/cancellation as non-transient (the caller
// asked to stop) and classifies common pgx connection errors as
// transient even when they weren't wrapped explicitly.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if StorageTransient.Has(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "08000", "08003", "08006", "08001", "08004", "40001", "40P01":
			// connection_exception family and serialization/deadlock retries.
			return true
		}
	}
	return false
}

// Wrap classifies err into cls unless it is already classified as one of
// the known kinds, in which case the original classification is kept.
// This lets low-level code (object store clients, codecs) raise a
// specific class while generic call sites can wrap with a default
// without double-tagging.
func Wrap(cls *errs.Class, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []*errs.Class{&InvalidQuery, &NotFound, &Conflict, &StorageTransient, &StorageFatal, &Internal} {
		if known.Has(err) {
			return err
		}
	}
	return cls.Wrap(err)
}
