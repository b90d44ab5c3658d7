package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"modelopt/internal/progress"
	"modelopt/internal/service"
	"modelopt/internal/storage"
)

type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) Prepare(ctx context.Context, req service.JobRequest) (*service.Job, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Job), args.Error(1)
}

// Run invokes a func(*progress.Channel) registered as the first return
// value, if any, to script the stream.
func (m *MockJobService) Run(ctx context.Context, job *service.Job, ch *progress.Channel) {
	args := m.Called(ctx, job, ch)
	if fn, ok := args.Get(0).(func(*progress.Channel)); ok {
		fn(ch)
	}
}

func (m *MockJobService) Download(ctx context.Context, jobID string) (string, error) {
	args := m.Called(ctx, jobID)
	return args.String(0), args.Error(1)
}

func (m *MockJobService) Share(ctx context.Context, userID, jobID string) (*service.ShareResult, error) {
	args := m.Called(ctx, userID, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ShareResult), args.Error(1)
}

func (m *MockJobService) Delete(ctx context.Context, userID, jobID string) error {
	args := m.Called(ctx, userID, jobID)
	return args.Error(0)
}

func (m *MockJobService) History(ctx context.Context, userID string, limit, offset int) (*service.HistoryListResult, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.HistoryListResult), args.Error(1)
}

func (m *MockJobService) DeleteHistory(ctx context.Context, userID, jobID string) error {
	args := m.Called(ctx, userID, jobID)
	return args.Error(0)
}

func (m *MockJobService) PresignUpload(ctx context.Context, userID, filename string) (*service.UploadTicket, error) {
	args := m.Called(ctx, userID, filename)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.UploadTicket), args.Error(1)
}

func (m *MockJobService) OpenFile(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, storage.ObjectInfo{}, args.Error(2)
	}
	return args.Get(0).(io.ReadCloser), args.Get(1).(storage.ObjectInfo), args.Error(2)
}

func (m *MockJobService) PutFile(ctx context.Context, key string, r io.Reader, size int64) error {
	args := m.Called(ctx, key, r, size)
	return args.Error(0)
}

var _ service.JobService = (*MockJobService)(nil)
