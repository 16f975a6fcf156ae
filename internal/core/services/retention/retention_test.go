package retention

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sideseat/internal/core/domain/filestore"
	domainretention "sideseat/internal/core/domain/retention"
	"sideseat/internal/core/domain/span"
)

// mockAnalytics implements only the AnalyticsRepository methods this
// package calls; the rest panic if exercised, the way the teacher's
// narrow test mocks do.
type mockAnalytics struct {
	mock.Mock
	span.AnalyticsRepository
}

func (m *mockAnalytics) ListTraces(ctx context.Context, f span.Filter) ([]span.TraceRow, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]span.TraceRow), args.Error(1)
}

func (m *mockAnalytics) DeleteOlderThan(ctx context.Context, projectID string, cutoff time.Time, batchSize int) (int64, error) {
	args := m.Called(ctx, projectID, cutoff, batchSize)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockAnalytics) CountSpans(ctx context.Context, f span.Filter) (int64, error) {
	args := m.Called(ctx, f)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockAnalytics) QuerySpans(ctx context.Context, f span.Filter) ([]span.SpanRow, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]span.SpanRow), args.Error(1)
}

func (m *mockAnalytics) DeleteMetricsOlderThan(ctx context.Context, projectID string, cutoff time.Time, batchSize int) (int64, error) {
	args := m.Called(ctx, projectID, cutoff, batchSize)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockAnalytics) Checkpoint(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockFiles struct {
	mock.Mock
	filestore.Repository
}

func (m *mockFiles) DecrementRefs(ctx context.Context, projectID string, traceIDs []string) ([]string, error) {
	args := m.Called(ctx, projectID, traceIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockFiles) Delete(ctx context.Context, projectID, hash string) error {
	args := m.Called(ctx, projectID, hash)
	return args.Error(0)
}

type mockBlobs struct {
	mock.Mock
	filestore.BlobStore
}

func (m *mockBlobs) Unlink(ctx context.Context, hash string) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

func TestRunTimeBasedCleanupDeletesAndCascades(t *testing.T) {
	analytics := &mockAnalytics{}
	files := &mockFiles{}
	blobs := &mockBlobs{}

	maxAge := int64(60)
	cfg := domainretention.Config{ProjectID: "proj1", MaxAgeMinutes: &maxAge}

	analytics.On("ListTraces", mock.Anything, mock.MatchedBy(func(f span.Filter) bool {
		return f.ProjectID == "proj1" && f.Until != nil
	})).Return([]span.TraceRow{{ProjectID: "proj1", TraceID: "trace-a"}}, nil)

	analytics.On("DeleteOlderThan", mock.Anything, "proj1", mock.Anything, domainretention.SpansPerBatch).
		Return(int64(3), nil).Once()
	analytics.On("DeleteOlderThan", mock.Anything, "proj1", mock.Anything, domainretention.SpansPerBatch).
		Return(int64(0), nil).Once()

	analytics.On("DeleteMetricsOlderThan", mock.Anything, "proj1", mock.Anything, domainretention.SpansPerBatch).
		Return(int64(2), nil).Once()
	analytics.On("DeleteMetricsOlderThan", mock.Anything, "proj1", mock.Anything, domainretention.SpansPerBatch).
		Return(int64(0), nil).Once()
	analytics.On("Checkpoint", mock.Anything).Return(nil).Once()

	files.On("DecrementRefs", mock.Anything, "proj1", []string{"trace-a"}).Return([]string{"deadbeef"}, nil)
	blobs.On("Unlink", mock.Anything, "deadbeef").Return(nil)
	files.On("Delete", mock.Anything, "proj1", "deadbeef").Return(nil)

	svc := &Service{Analytics: analytics, Files: files, Blobs: blobs, Log: slog.Default()}
	result := svc.Run(context.Background(), cfg)

	require.Equal(t, int64(3), result.SpansDeleted)
	require.Equal(t, int64(2), result.MetricsDeleted)
	require.Len(t, result.TracesTouched, 1)
	require.Equal(t, "trace-a", result.TracesTouched[0].TraceID)
	require.Equal(t, 1, result.FilesUnlinked)
	require.Empty(t, result.Errors)
	analytics.AssertExpectations(t)
	files.AssertExpectations(t)
	blobs.AssertExpectations(t)
}

func TestRunCountBasedCleanupFindsBoundary(t *testing.T) {
	analytics := &mockAnalytics{}
	maxSpans := int64(100)
	cfg := domainretention.Config{ProjectID: "proj1", MaxSpans: &maxSpans}

	boundaryTime := time.Now().Add(-time.Hour)
	analytics.On("CountSpans", mock.Anything, mock.Anything).Return(int64(150), nil)
	analytics.On("QuerySpans", mock.Anything, mock.MatchedBy(func(f span.Filter) bool {
		return f.Offset == 49 && f.Limit == 1
	})).Return([]span.SpanRow{{NormalizedSpan: span.NormalizedSpan{TimestampStart: boundaryTime}}}, nil)
	analytics.On("ListTraces", mock.Anything, mock.Anything).Return([]span.TraceRow{}, nil)
	analytics.On("DeleteOlderThan", mock.Anything, "proj1", mock.Anything, domainretention.SpansPerBatch).
		Return(int64(50), nil).Once()
	analytics.On("DeleteOlderThan", mock.Anything, "proj1", mock.Anything, domainretention.SpansPerBatch).
		Return(int64(0), nil).Once()
	analytics.On("Checkpoint", mock.Anything).Return(nil).Once()

	svc := &Service{Analytics: analytics, Log: slog.Default()}
	result := svc.Run(context.Background(), cfg)

	require.Equal(t, int64(50), result.SpansDeleted)
	require.Empty(t, result.Errors)
	analytics.AssertExpectations(t)
}

func TestRunCountBasedCleanupSkippedWhenUnderLimit(t *testing.T) {
	analytics := &mockAnalytics{}
	maxSpans := int64(1000)
	cfg := domainretention.Config{ProjectID: "proj1", MaxSpans: &maxSpans}

	analytics.On("CountSpans", mock.Anything, mock.Anything).Return(int64(10), nil)

	svc := &Service{Analytics: analytics, Log: slog.Default()}
	result := svc.Run(context.Background(), cfg)

	require.Zero(t, result.SpansDeleted)
	require.Empty(t, result.TracesTouched)
	analytics.AssertNotCalled(t, "QuerySpans", mock.Anything, mock.Anything)
}

func TestRunCollectsErrorsWithoutStoppingCascade(t *testing.T) {
	analytics := &mockAnalytics{}
	files := &mockFiles{}

	maxAge := int64(30)
	cfg := domainretention.Config{ProjectID: "proj1", MaxAgeMinutes: &maxAge}

	analytics.On("ListTraces", mock.Anything, mock.Anything).
		Return([]span.TraceRow{{ProjectID: "proj1", TraceID: "trace-a"}}, nil)
	analytics.On("DeleteOlderThan", mock.Anything, "proj1", mock.Anything, domainretention.SpansPerBatch).
		Return(int64(1), nil).Once()
	analytics.On("DeleteOlderThan", mock.Anything, "proj1", mock.Anything, domainretention.SpansPerBatch).
		Return(int64(0), nil).Once()

	analytics.On("DeleteMetricsOlderThan", mock.Anything, "proj1", mock.Anything, domainretention.SpansPerBatch).
		Return(int64(0), nil).Once()
	analytics.On("Checkpoint", mock.Anything).Return(nil).Once()

	files.On("DecrementRefs", mock.Anything, "proj1", []string{"trace-a"}).
		Return(nil, errors.New("backend unavailable"))

	svc := &Service{Analytics: analytics, Files: files, Log: slog.Default()}
	result := svc.Run(context.Background(), cfg)

	require.Len(t, result.Errors, 1)
	require.Equal(t, int64(1), result.SpansDeleted)
}

func TestCascadeFilesNoopWithoutFileBackend(t *testing.T) {
	svc := &Service{}
	unlinked, err := svc.cascadeFiles(context.Background(), "proj1", []string{"trace-a"})
	require.NoError(t, err)
	require.Zero(t, unlinked)
}
