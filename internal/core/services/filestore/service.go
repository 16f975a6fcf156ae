// Package filestore implements the content-addressed blob store's
// operational surface (§4.C): quota-enforced put, validated get/head,
// idempotent trace registration, and the cascading cleanup retention and
// project deletion both drive. The domain/filestore package only states
// the Repository/BlobStore traits; this package is the component that
// composes them into the five named operations.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"sideseat/internal/core/domain/dataerr"
	"sideseat/internal/core/domain/filestore"
)

// Service implements §4.C's put/get/head/register_trace/cleanup_traces/
// delete_project operations over a Repository (metadata) and BlobStore
// (bytes) pair. Grounded on original_source/server/src/utils/file.rs's
// hash-then-upsert-then-quota-check ordering and file_uri.rs's shard
// path convention, re-expressed over the trait pair instead of a single
// Rust struct mixing both concerns.
type Service struct {
	Meta  filestore.Repository
	Blobs filestore.BlobStore
}

// PutResult reports the outcome of a successful Put.
type PutResult struct {
	Hash     string
	RefCount int64
	Created  bool
}

// Put computes the content hash, enforces the project's quota before any
// write commits, writes the blob (idempotent — a no-op if the hash
// already exists), and upserts ref-counted metadata. quotaBytes <= 0
// means unlimited. Per §8's quota invariant, a put that would push the
// project over quota is rejected with ErrQuotaExceeded and nothing is
// written — the quota check runs before Meta.Upsert, and only for hashes
// this project hasn't already stored (re-uploading existing content only
// increments a ref count, adding no new bytes).
func (s *Service) Put(ctx context.Context, projectID string, data []byte, mediaType string, quotaBytes int64) (*PutResult, error) {
	hash := sha256Hex(data)

	if quotaBytes > 0 {
		if _, err := s.Meta.Get(ctx, projectID, hash); err != nil {
			var derr *dataerr.Error
			if !errors.As(err, &derr) || derr.Kind != dataerr.KindNotFound {
				return nil, err
			}
			total, err := s.Meta.TotalSize(ctx, projectID)
			if err != nil {
				return nil, err
			}
			if total+int64(len(data)) > quotaBytes {
				return nil, dataerr.ErrQuotaExceeded
			}
		}
	}

	if err := s.Blobs.Put(ctx, hash, data); err != nil {
		return nil, dataerr.Wrap(dataerr.KindIO, "write blob", err)
	}

	result, err := s.Meta.Upsert(ctx, projectID, hash, mediaType, int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &PutResult{Hash: hash, RefCount: result.RefCount, Created: result.Created}, nil
}

// Get validates the hash, loads its metadata (erroring NotFound if the
// project never stored it), and streams its bytes.
func (s *Service) Get(ctx context.Context, projectID, hash string) ([]byte, *filestore.FileMeta, error) {
	meta, err := s.Head(ctx, projectID, hash)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.Blobs.Get(ctx, hash)
	if err != nil {
		return nil, nil, dataerr.Wrap(dataerr.KindIO, "read blob", err)
	}
	return data, meta, nil
}

// Head validates the hash format and returns metadata without reading
// bytes, the HEAD request's backing call.
func (s *Service) Head(ctx context.Context, projectID, hash string) (*filestore.FileMeta, error) {
	if !filestore.ValidateHash(hash) {
		return nil, dataerr.New(dataerr.KindInvalidArgument, "malformed file hash")
	}
	return s.Meta.Get(ctx, projectID, hash)
}

// RegisterTrace idempotently binds a hash to a trace (§4.C register_trace).
func (s *Service) RegisterTrace(ctx context.Context, projectID, traceID, hash string) error {
	return s.Meta.BindToTrace(ctx, projectID, traceID, hash)
}

// CleanupTraces implements §4.C cleanup_traces: unlink the junction rows
// for the given traces, decrement every referenced hash's ref count, and
// for any hash whose count reached zero remove its metadata row first,
// then its on-disk file — a crash between the two leaves an
// unreferenced file for a later sweep, never a metadata row pointing at
// bytes that are already gone. File-cleanup failures never fail the
// caller's deletion per §7 — this returns the count of hashes actually
// unlinked plus the first error encountered, and callers (retention,
// project deletion) are expected to warn-log rather than abort.
func (s *Service) CleanupTraces(ctx context.Context, projectID string, traceIDs []string) (unlinked int, err error) {
	if len(traceIDs) == 0 {
		return 0, nil
	}
	zeroed, err := s.Meta.DecrementRefs(ctx, projectID, traceIDs)
	if err != nil {
		return 0, err
	}
	var firstErr error
	for _, hash := range zeroed {
		if derr := s.Meta.Delete(ctx, projectID, hash); derr != nil {
			if firstErr == nil {
				firstErr = derr
			}
			continue
		}
		if uerr := s.Blobs.Unlink(ctx, hash); uerr != nil {
			if firstErr == nil {
				firstErr = uerr
			}
			continue
		}
		unlinked++
	}
	return unlinked, firstErr
}

// DeleteProject implements §4.C delete_project: the bulk-cascade path for
// project deletion. Unlike CleanupTraces this unconditionally unlinks
// every hash the project ever stored, since no other project can hold a
// reference to it once the project itself is gone.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	hashes, err := s.Meta.HashesForProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.Meta.DeleteAllForProject(ctx, projectID); err != nil {
		return err
	}
	var firstErr error
	for _, hash := range hashes {
		if err := s.Blobs.Unlink(ctx, hash); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
