package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	errs "github.com/coinpeak/ledgerex/pkg/errors"
)

// LockManager serializes mutation per wallet key. Acquisition is bounded by
// a timeout so no ledger operation can block indefinitely; a timeout surfaces
// as a retryable settlement-class error.
type LockManager struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	timeout time.Duration
}

// NewLockManager creates a manager with the given acquisition timeout.
func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		locks:   make(map[string]chan struct{}),
		timeout: timeout,
	}
}

func (lm *LockManager) sem(key string) chan struct{} {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	ch, ok := lm.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		lm.locks[key] = ch
	}
	return ch
}

// Acquire takes the locks for every key, deduplicated and in lexicographic
// order so that two settlements touching the same wallets in opposite
// directions cannot deadlock. The returned release function must be called
// exactly once.
func (lm *LockManager) Acquire(ctx context.Context, keys ...string) (func(), error) {
	uniq := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := uniq[k]; ok {
			continue
		}
		uniq[k] = struct{}{}
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	held := make([]chan struct{}, 0, len(ordered))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	timer := time.NewTimer(lm.timeout)
	defer timer.Stop()

	for _, key := range ordered {
		ch := lm.sem(key)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-timer.C:
			releaseHeld()
			return nil, errs.New(errs.KindSettlementFailed, "timed out acquiring wallet lock %s", key)
		case <-ctx.Done():
			releaseHeld()
			return nil, errs.Wrap(errs.KindSettlementFailed, ctx.Err(), "cancelled acquiring wallet lock %s", key)
		}
	}

	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}
