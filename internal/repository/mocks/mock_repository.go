package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"modelopt/internal/model"
	"modelopt/internal/repository"
)

type MockAccountRepository struct {
	mock.Mock
}

func (m *MockAccountRepository) Get(ctx context.Context, userID string) (model.Account, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(model.Account), args.Error(1)
}

func (m *MockAccountRepository) AddUsage(ctx context.Context, userID string, delta int64) error {
	args := m.Called(ctx, userID, delta)
	return args.Error(0)
}

type MockHistoryRepository struct {
	mock.Mock
}

func (m *MockHistoryRepository) Create(ctx context.Context, rec *model.HistoryRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockHistoryRepository) ListByUser(ctx context.Context, userID string, pq repository.PageQuery) (*repository.PageResult[model.HistoryRecord], error) {
	args := m.Called(ctx, userID, pq)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.PageResult[model.HistoryRecord]), args.Error(1)
}

func (m *MockHistoryRepository) Delete(ctx context.Context, userID, jobID string) error {
	args := m.Called(ctx, userID, jobID)
	return args.Error(0)
}

var (
	_ repository.AccountRepository = (*MockAccountRepository)(nil)
	_ repository.HistoryRepository = (*MockHistoryRepository)(nil)
)
