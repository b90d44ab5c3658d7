package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"modelopt/internal/model"
	"modelopt/internal/repository"
)

const (
	defaultAccessCacheSize = 1024
	defaultAccessCacheTTL  = time.Minute
	reserveStripes         = 64
)

// AccessResolver looks up caller accounts with a short-lived cache and
// doubles as the usage ledger so local ledger writes invalidate the cache.
// A nil repository makes every caller an unentitled account.
type AccessResolver struct {
	accounts repository.AccountRepository
	cache    *expirable.LRU[string, model.Account]
	locks    [reserveStripes]sync.Mutex
}

// NewAccessResolver builds a resolver. ttl <= 0 uses one minute.
func NewAccessResolver(accounts repository.AccountRepository, ttl time.Duration) *AccessResolver {
	if ttl <= 0 {
		ttl = defaultAccessCacheTTL
	}
	return &AccessResolver{
		accounts: accounts,
		cache:    expirable.NewLRU[string, model.Account](defaultAccessCacheSize, nil, ttl),
	}
}

// Resolve returns the account of userID. Anonymous callers get a zero account.
func (r *AccessResolver) Resolve(ctx context.Context, userID string) (model.Account, error) {
	if userID == "" || r.accounts == nil {
		return model.Account{UserID: userID}, nil
	}
	if acc, ok := r.cache.Get(userID); ok {
		return acc, nil
	}
	acc, err := r.accounts.Get(ctx, userID)
	if err != nil {
		return model.Account{}, err
	}
	r.cache.Add(userID, acc)
	return acc, nil
}

// AddUsage records a stored-bytes change and drops the cached account.
func (r *AccessResolver) AddUsage(ctx context.Context, userID string, delta int64) error {
	if userID == "" || r.accounts == nil || delta == 0 {
		return nil
	}
	err := r.accounts.AddUsage(ctx, userID, delta)
	r.cache.Remove(userID)
	return err
}

// Reserve admits size bytes for userID and books them on the ledger in one
// step, so concurrent admissions of the same user see each other. check
// runs against the freshest account under the user's lock. The returned
// count is what was booked and must be settled by the caller.
func (r *AccessResolver) Reserve(ctx context.Context, userID string, size int64, check func(model.Account) error) (model.Account, int64, error) {
	if userID == "" || r.accounts == nil {
		acc, err := r.Resolve(ctx, userID)
		if err != nil {
			return model.Account{}, 0, err
		}
		return acc, 0, check(acc)
	}

	mu := r.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	acc, err := r.Resolve(ctx, userID)
	if err != nil {
		return model.Account{}, 0, fmt.Errorf("resolve account: %w", err)
	}
	if err := check(acc); err != nil {
		return acc, 0, err
	}
	if size <= 0 {
		return acc, 0, nil
	}
	if err := r.AddUsage(ctx, userID, size); err != nil {
		return acc, 0, fmt.Errorf("reserve usage: %w", err)
	}
	return acc, size, nil
}

func (r *AccessResolver) lockFor(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.locks[h.Sum32()%reserveStripes]
}
