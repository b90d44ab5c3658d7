// Package repository contains data access layer abstractions for the
// account ledger and job history. Implementations live in subpackages.
package repository

import (
	"context"
	"errors"

	"modelopt/internal/model"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("record not found")

// AccountRepository holds entitlement flags and the cumulative stored-bytes
// ledger per user.
type AccountRepository interface {
	// Get returns the account of userID. Unknown users get a zero account
	// (not entitled, nothing stored) rather than an error.
	Get(ctx context.Context, userID string) (model.Account, error)

	// AddUsage adjusts stored bytes by delta, creating the row if needed.
	// The stored value never drops below zero.
	AddUsage(ctx context.Context, userID string, delta int64) error
}

// HistoryRepository stores completed jobs of entitled callers.
type HistoryRepository interface {
	Create(ctx context.Context, rec *model.HistoryRecord) error

	// ListByUser returns the user's records newest first with a total count.
	ListByUser(ctx context.Context, userID string, pq PageQuery) (*PageResult[model.HistoryRecord], error)

	// Delete removes one record owned by userID. Missing rows yield ErrNotFound.
	Delete(ctx context.Context, userID, jobID string) error
}

// PageQuery holds limit/offset pagination parameters.
type PageQuery struct {
	Limit  int
	Offset int
}

// PageResult is a generic pagination result wrapper.
// T is typically a model type.
type PageResult[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
