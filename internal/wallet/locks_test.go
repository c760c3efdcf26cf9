package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/coinpeak/ledgerex/pkg/errors"
)

func TestAcquireTimesOutOnHeldLock(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)

	release, err := lm.Acquire(context.Background(), "user:USD")
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = lm.Acquire(context.Background(), "user:USD")
	require.Error(t, err)
	assert.Equal(t, errs.KindSettlementFailed, errs.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireAfterRelease(t *testing.T) {
	lm := NewLockManager(time.Second)

	release, err := lm.Acquire(context.Background(), "user:USD")
	require.NoError(t, err)
	release()
	// A second release must be a no-op, not a double unlock.
	release()

	release2, err := lm.Acquire(context.Background(), "user:USD")
	require.NoError(t, err)
	release2()
}

func TestAcquireDeduplicatesKeys(t *testing.T) {
	lm := NewLockManager(time.Second)

	release, err := lm.Acquire(context.Background(), "user:USD", "user:USD")
	require.NoError(t, err)
	release()

	release, err = lm.Acquire(context.Background(), "user:USD")
	require.NoError(t, err)
	release()
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	lm := NewLockManager(10 * time.Second)

	release, err := lm.Acquire(context.Background(), "user:USD")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = lm.Acquire(ctx, "user:USD")
	require.Error(t, err)
	assert.Equal(t, errs.KindSettlementFailed, errs.KindOf(err))
}

func TestOpposingMultiKeyAcquiresDoNotDeadlock(t *testing.T) {
	lm := NewLockManager(5 * time.Second)

	const rounds = 200
	var wg sync.WaitGroup
	errors := make(chan error, 2*rounds)

	// Two goroutines repeatedly take the same pair in opposite argument
	// order; ordered acquisition must keep them from deadlocking.
	for i := 0; i < 2; i++ {
		wg.Add(1)
		keys := []string{"alice:USD", "alice:BTC"}
		if i == 1 {
			keys = []string{"alice:BTC", "alice:USD"}
		}
		go func(keys []string) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				release, err := lm.Acquire(context.Background(), keys...)
				if err != nil {
					errors <- err
					return
				}
				release()
			}
		}(keys)
	}
	wg.Wait()
	close(errors)

	for err := range errors {
		t.Fatalf("acquire failed: %v", err)
	}
}

func TestReleasePartialHoldsOnTimeout(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)

	// Hold the second key in order so a multi-key acquire gets one lock and
	// then times out on the other.
	release, err := lm.Acquire(context.Background(), "alice:USD")
	require.NoError(t, err)
	defer release()

	_, err = lm.Acquire(context.Background(), "alice:BTC", "alice:USD")
	require.Error(t, err)

	// The first key must have been released on the failure path.
	release2, err := lm.Acquire(context.Background(), "alice:BTC")
	require.NoError(t, err)
	release2()
}
