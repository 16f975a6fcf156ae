package filestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sideseat/internal/core/domain/dataerr"
	"sideseat/internal/core/domain/filestore"
)

type mockMeta struct {
	mock.Mock
	filestore.Repository
}

func (m *mockMeta) Upsert(ctx context.Context, projectID, hash, mediaType string, sizeBytes int64) (filestore.PutResult, error) {
	args := m.Called(ctx, projectID, hash, mediaType, sizeBytes)
	return args.Get(0).(filestore.PutResult), args.Error(1)
}

func (m *mockMeta) Get(ctx context.Context, projectID, hash string) (*filestore.FileMeta, error) {
	args := m.Called(ctx, projectID, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*filestore.FileMeta), args.Error(1)
}

func (m *mockMeta) TotalSize(ctx context.Context, projectID string) (int64, error) {
	args := m.Called(ctx, projectID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockMeta) BindToTrace(ctx context.Context, projectID, traceID, hash string) error {
	args := m.Called(ctx, projectID, traceID, hash)
	return args.Error(0)
}

func (m *mockMeta) HashesForProject(ctx context.Context, projectID string) ([]string, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockMeta) DeleteAllForProject(ctx context.Context, projectID string) error {
	args := m.Called(ctx, projectID)
	return args.Error(0)
}

func (m *mockMeta) DecrementRefs(ctx context.Context, projectID string, traceIDs []string) ([]string, error) {
	args := m.Called(ctx, projectID, traceIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockMeta) Delete(ctx context.Context, projectID, hash string) error {
	args := m.Called(ctx, projectID, hash)
	return args.Error(0)
}

type mockBlobs struct {
	mock.Mock
	filestore.BlobStore
}

func (m *mockBlobs) Put(ctx context.Context, hash string, data []byte) error {
	args := m.Called(ctx, hash, data)
	return args.Error(0)
}

func (m *mockBlobs) Unlink(ctx context.Context, hash string) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

func TestPut_RejectsOverQuota(t *testing.T) {
	meta := &mockMeta{}
	blobs := &mockBlobs{}
	svc := &Service{Meta: meta, Blobs: blobs}

	data := []byte("hello world")
	hash := sha256Hex(data)

	meta.On("Get", mock.Anything, "proj1", hash).
		Return(nil, dataerr.Wrap(dataerr.KindNotFound, "file", dataerr.ErrNotFound))
	meta.On("TotalSize", mock.Anything, "proj1").Return(int64(100), nil)

	_, err := svc.Put(context.Background(), "proj1", data, "text/plain", int64(len(data)+50))
	require.ErrorIs(t, err, dataerr.ErrQuotaExceeded)
	blobs.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything)
}

func TestPut_AllowsWithinQuota(t *testing.T) {
	meta := &mockMeta{}
	blobs := &mockBlobs{}
	svc := &Service{Meta: meta, Blobs: blobs}

	data := []byte("hello world")
	hash := sha256Hex(data)

	meta.On("Get", mock.Anything, "proj1", hash).
		Return(nil, dataerr.Wrap(dataerr.KindNotFound, "file", dataerr.ErrNotFound))
	meta.On("TotalSize", mock.Anything, "proj1").Return(int64(0), nil)
	blobs.On("Put", mock.Anything, hash, data).Return(nil)
	meta.On("Upsert", mock.Anything, "proj1", hash, "text/plain", int64(len(data))).
		Return(filestore.PutResult{RefCount: 1, Created: true}, nil)

	result, err := svc.Put(context.Background(), "proj1", data, "text/plain", 1_000_000)
	require.NoError(t, err)
	require.Equal(t, hash, result.Hash)
	require.True(t, result.Created)
}

func TestPut_UnlimitedQuotaSkipsCheck(t *testing.T) {
	meta := &mockMeta{}
	blobs := &mockBlobs{}
	svc := &Service{Meta: meta, Blobs: blobs}

	data := []byte("unlimited")
	hash := sha256Hex(data)

	blobs.On("Put", mock.Anything, hash, data).Return(nil)
	meta.On("Upsert", mock.Anything, "proj1", hash, "", int64(len(data))).
		Return(filestore.PutResult{RefCount: 2, Created: false}, nil)

	result, err := svc.Put(context.Background(), "proj1", data, "", 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), result.RefCount)
	meta.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
}

func TestPut_ReuploadOfExistingHashSkipsQuotaCheck(t *testing.T) {
	meta := &mockMeta{}
	blobs := &mockBlobs{}
	svc := &Service{Meta: meta, Blobs: blobs}

	data := []byte("already stored")
	hash := sha256Hex(data)

	meta.On("Get", mock.Anything, "proj1", hash).
		Return(&filestore.FileMeta{ProjectID: "proj1", Hash: hash, SizeBytes: int64(len(data)), RefCount: 1}, nil)
	blobs.On("Put", mock.Anything, hash, data).Return(nil)
	meta.On("Upsert", mock.Anything, "proj1", hash, "", int64(len(data))).
		Return(filestore.PutResult{RefCount: 2, Created: false}, nil)

	_, err := svc.Put(context.Background(), "proj1", data, "", 1)
	require.NoError(t, err)
	meta.AssertNotCalled(t, "TotalSize", mock.Anything, mock.Anything)
}

func TestHead_RejectsMalformedHash(t *testing.T) {
	svc := &Service{Meta: &mockMeta{}, Blobs: &mockBlobs{}}

	_, err := svc.Head(context.Background(), "proj1", "not-a-hash")
	var derr *dataerr.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, dataerr.KindInvalidArgument, derr.Kind)
}

func TestCleanupTraces_UnlinksZeroedHashes(t *testing.T) {
	meta := &mockMeta{}
	blobs := &mockBlobs{}
	svc := &Service{Meta: meta, Blobs: blobs}

	meta.On("DecrementRefs", mock.Anything, "proj1", []string{"trace-a"}).
		Return([]string{"deadbeef"}, nil)
	blobs.On("Unlink", mock.Anything, "deadbeef").Return(nil)
	meta.On("Delete", mock.Anything, "proj1", "deadbeef").Return(nil)

	n, err := svc.CleanupTraces(context.Background(), "proj1", []string{"trace-a"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCleanupTraces_EmptyTraceListIsNoop(t *testing.T) {
	meta := &mockMeta{}
	blobs := &mockBlobs{}
	svc := &Service{Meta: meta, Blobs: blobs}

	n, err := svc.CleanupTraces(context.Background(), "proj1", nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	meta.AssertNotCalled(t, "DecrementRefs", mock.Anything, mock.Anything, mock.Anything)
}

func TestDeleteProject_UnlinksEveryHash(t *testing.T) {
	meta := &mockMeta{}
	blobs := &mockBlobs{}
	svc := &Service{Meta: meta, Blobs: blobs}

	meta.On("HashesForProject", mock.Anything, "proj1").Return([]string{"h1", "h2"}, nil)
	meta.On("DeleteAllForProject", mock.Anything, "proj1").Return(nil)
	blobs.On("Unlink", mock.Anything, "h1").Return(nil)
	blobs.On("Unlink", mock.Anything, "h2").Return(nil)

	err := svc.DeleteProject(context.Background(), "proj1")
	require.NoError(t, err)
}
