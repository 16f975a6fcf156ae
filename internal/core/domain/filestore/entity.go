// Package filestore models the content-addressed, ref-counted blob store
// (§4.C): files are identified by the SHA-256 of their bytes, shared
// across traces within a project, and unlinked only when their last
// reference is gone.
package filestore

import (
	"context"
	"time"
)

// FileMeta is one row of the `files` table described in §3: unique on
// (ProjectID, Hash), ref-counted, sized for quota enforcement. Adapted
// from the teacher's BlobStorageFileLog, which records S3 archival
// references rather than content-addressed, ref-counted local blobs —
// the shape here instead follows spec §4.C directly.
type FileMeta struct {
	ProjectID string    `json:"project_id" db:"project_id"`
	Hash      string    `json:"hash" db:"file_hash"` // hex sha256, lowercase
	MediaType string    `json:"media_type" db:"media_type"`
	SizeBytes int64     `json:"size_bytes" db:"size_bytes"`
	RefCount  int64     `json:"ref_count" db:"ref_count"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ShardedPath returns the two-level shard path for a hash, e.g.
// "ab/cdef0123...". Callers must validate Hash is a 64-char hex string
// before calling this (see ValidateHash).
func ShardedPath(hash string) string {
	if len(hash) < 4 {
		return hash
	}
	return hash[:2] + "/" + hash[2:]
}

// ValidateHash reports whether s looks like a lowercase hex SHA-256 digest.
func ValidateHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// PutResult is returned by Repository.Put: the resulting ref count after
// the upsert, and whether this call created the row (ref_count was 1
// before any increment) or merely incremented an existing one.
type PutResult struct {
	RefCount int64
	Created  bool
}

// Repository is the trait the transactional backend implements for file
// metadata (§3, §4.C). The actual byte storage (disk or S3) is a
// separate concern implemented by infrastructure/filestore/{disk,s3}.
type Repository interface {
	// Upsert increments ref_count for an existing (project,hash) row or
	// inserts one with ref_count=1, per §4.C's ON CONFLICT upsert.
	Upsert(ctx context.Context, projectID, hash, mediaType string, sizeBytes int64) (PutResult, error)

	Get(ctx context.Context, projectID, hash string) (*FileMeta, error)

	// TotalSize sums size_bytes for all rows under a project, the quota
	// check's input.
	TotalSize(ctx context.Context, projectID string) (int64, error)

	// BindToTrace records the `trace_files` junction row linking a trace
	// to a file it references.
	BindToTrace(ctx context.Context, projectID, traceID, hash string) error

	// HashesForTraces returns the distinct file hashes bound to the given
	// traces, the retention cascade's first step (§4.G).
	HashesForTraces(ctx context.Context, projectID string, traceIDs []string) ([]string, error)

	// DecrementRefs deletes the trace_files junction rows for traceIDs and
	// atomically decrements ref_count for every hash they referenced,
	// returning the hashes whose new count is zero (eligible for unlink).
	DecrementRefs(ctx context.Context, projectID string, traceIDs []string) (zeroed []string, err error)

	// Delete removes a zeroed FileMeta row once its blob has been unlinked.
	Delete(ctx context.Context, projectID, hash string) error

	// HashesForProject lists every hash ever stored under a project, the
	// input to the project-deletion bulk cascade (§4.C delete_project).
	HashesForProject(ctx context.Context, projectID string) ([]string, error)

	// DeleteAllForProject removes every files/trace_files row scoped to a
	// project in one cascade, the transactional half of project deletion.
	DeleteAllForProject(ctx context.Context, projectID string) error
}

// BlobStore is the trait the byte-storage backend (disk or S3)
// implements. Put is content-addressed and idempotent: writing the same
// hash twice is a no-op after the first successful write.
type BlobStore interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Unlink(ctx context.Context, hash string) error
	Exists(ctx context.Context, hash string) (bool, error)
}
