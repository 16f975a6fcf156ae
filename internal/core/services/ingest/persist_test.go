package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sideseat/internal/core/domain/filestore"
	"sideseat/internal/core/domain/span"
	fsservice "sideseat/internal/core/services/filestore"
)

type mockAnalytics struct {
	mock.Mock
	span.AnalyticsRepository
}

func (m *mockAnalytics) InsertSpanBatch(ctx context.Context, spans []*span.NormalizedSpan) error {
	args := m.Called(ctx, spans)
	return args.Error(0)
}

type mockMeta struct {
	mock.Mock
	filestore.Repository
}

func (m *mockMeta) Upsert(ctx context.Context, projectID, hash, mediaType string, sizeBytes int64) (filestore.PutResult, error) {
	args := m.Called(ctx, projectID, hash, mediaType, sizeBytes)
	return args.Get(0).(filestore.PutResult), args.Error(1)
}

func (m *mockMeta) BindToTrace(ctx context.Context, projectID, traceID, hash string) error {
	args := m.Called(ctx, projectID, traceID, hash)
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

func rawBase64(size int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, size))
}

// TestPersist_ExtractsBlobsBeforeInsert verifies the span handed to
// Analytics.InsertSpanBatch already carries the sentinel-substituted
// Messages — the scanner must run, and storage must happen, before the
// batch insert, not after.
func TestPersist_ExtractsBlobsBeforeInsert(t *testing.T) {
	messages, err := json.Marshal([]map[string]any{
		{"role": "user", "blocks": []map[string]any{
			{"type": "image", "source": map[string]any{"bytes": rawBase64(2048)}},
		}},
	})
	require.NoError(t, err)

	s := &span.NormalizedSpan{
		ProjectID:      "proj1",
		TraceID:        "trace1",
		SpanID:         "span1",
		TimestampStart: time.Now(),
		Messages:       messages,
	}

	analytics := &mockAnalytics{}
	meta := &mockMeta{}
	blobs := &mockBlobs{}

	var insertedMessages json.RawMessage
	analytics.On("InsertSpanBatch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			spans := args.Get(1).([]*span.NormalizedSpan)
			require.Len(t, spans, 1)
			insertedMessages = spans[0].Messages
		}).
		Return(nil)

	meta.On("Upsert", mock.Anything, "proj1", mock.Anything, "", int64(2048)).
		Return(filestore.PutResult{RefCount: 1, Created: true}, nil)
	meta.On("BindToTrace", mock.Anything, "proj1", "trace1", mock.Anything).Return(nil)
	blobs.On("Put", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	p := &Persister{
		Analytics: analytics,
		Store:     &fsservice.Service{Meta: meta, Blobs: blobs},
		Scanner:   &fsservice.Scanner{MinBytes: 1024},
	}

	err = p.Persist(context.Background(), []*span.NormalizedSpan{s})
	require.NoError(t, err)

	require.NotNil(t, insertedMessages)
	require.NotContains(t, string(insertedMessages), rawBase64(2048))
	require.Contains(t, string(insertedMessages), "#!B64!#")

	meta.AssertExpectations(t)
	blobs.AssertExpectations(t)
	analytics.AssertExpectations(t)
}

func TestPersist_DropsInvalidSpans(t *testing.T) {
	analytics := &mockAnalytics{}
	p := &Persister{Analytics: analytics}

	invalid := &span.NormalizedSpan{} // missing project/trace/span IDs

	err := p.Persist(context.Background(), []*span.NormalizedSpan{invalid})
	require.NoError(t, err)
	analytics.AssertNotCalled(t, "InsertSpanBatch", mock.Anything, mock.Anything)
}

func TestPersist_SkipsScanningWhenNoStoreConfigured(t *testing.T) {
	messages, err := json.Marshal([]map[string]any{
		{"role": "user", "blocks": []map[string]any{
			{"type": "image", "source": map[string]any{"bytes": rawBase64(2048)}},
		}},
	})
	require.NoError(t, err)

	s := &span.NormalizedSpan{
		ProjectID:      "proj1",
		TraceID:        "trace1",
		SpanID:         "span1",
		TimestampStart: time.Now(),
		Messages:       messages,
	}

	analytics := &mockAnalytics{}
	analytics.On("InsertSpanBatch", mock.Anything, mock.Anything).Return(nil)

	p := &Persister{Analytics: analytics}

	err = p.Persist(context.Background(), []*span.NormalizedSpan{s})
	require.NoError(t, err)
	require.Contains(t, string(s.Messages), rawBase64(2048))
}
