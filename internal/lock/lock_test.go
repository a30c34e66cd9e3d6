package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_Serialises(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(ctx, SubscriptionKey("sub_1"), func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.size())
}

func TestMemoryLocker_PropagatesError(t *testing.T) {
	l := NewMemoryLocker()
	boom := errors.New("boom")

	err := l.WithLock(context.Background(), WalletKey("w"), func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, l.size())
}

func TestMemoryLocker_CanceledContext(t *testing.T) {
	l := NewMemoryLocker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := l.WithLock(ctx, WalletKey("w"), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestKeys(t *testing.T) {
	assert.NotEqual(t, SubscriptionKey("x"), WalletKey("x"))
}

func TestMemoryLocker_Reentrant(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	calls := 0
	err := l.WithLock(ctx, WalletKey("w_1"), func(ctx context.Context) error {
		assert.True(t, Held(ctx, WalletKey("w_1")))
		return l.WithLock(ctx, WalletKey("w_1"), func(ctx context.Context) error {
			calls++
			return l.WithLock(ctx, SubscriptionKey("s_1"), func(ctx context.Context) error {
				calls++
				return nil
			})
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.False(t, Held(ctx, WalletKey("w_1")))
	assert.Equal(t, 0, l.size())
}
