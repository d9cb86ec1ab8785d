package nonceManager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubNonceSource struct {
	mu      sync.Mutex
	pending uint64
	calls   int
	err     error
}

func (s *stubNonceSource) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.pending, nil
}

func (s *stubNonceSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var owner = common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")

func Test_NonceManager(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("ConcurrentSubmitsAreContiguous", func(t *testing.T) {
		source := &stubNonceSource{pending: 5}
		nm := NewNonceManager(owner, source, logger)

		const n = 50
		var wg sync.WaitGroup
		nonces := make([]uint64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				nonce, err := nm.Submit(context.Background(), func(nonce uint64) error { return nil })
				require.NoError(t, err)
				nonces[i] = nonce
			}(i)
		}
		wg.Wait()

		sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
		for i, nonce := range nonces {
			assert.Equal(t, uint64(5+i), nonce)
		}
		// ledger is consulted once; the rest is local
		assert.Equal(t, 1, source.callCount())
	})

	t.Run("SubmitOrderMatchesNonceOrder", func(t *testing.T) {
		nm := NewNonceManager(owner, &stubNonceSource{}, logger)

		var mu sync.Mutex
		var submitted []uint64
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := nm.Submit(context.Background(), func(nonce uint64) error {
					mu.Lock()
					submitted = append(submitted, nonce)
					mu.Unlock()
					return nil
				})
				require.NoError(t, err)
			}()
		}
		wg.Wait()

		require.Len(t, submitted, 20)
		for i, nonce := range submitted {
			assert.Equal(t, uint64(i), nonce)
		}
	})

	t.Run("FailedSubmitDoesNotConsumeNonce", func(t *testing.T) {
		source := &stubNonceSource{pending: 3}
		nm := NewNonceManager(owner, source, logger)

		nonce, err := nm.Submit(context.Background(), func(nonce uint64) error {
			return fmt.Errorf("connection refused")
		})
		var submitErr *SubmitError
		require.True(t, errors.As(err, &submitErr))
		assert.Equal(t, uint64(3), nonce)
		assert.True(t, submitErr.Verified)
		assert.False(t, submitErr.Consumed)
		assert.Contains(t, err.Error(), "connection refused")

		nonce, err = nm.Submit(context.Background(), func(nonce uint64) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, uint64(3), nonce)
		// the failure forced a fresh nonce check
		assert.Equal(t, 2, source.callCount())
	})

	t.Run("FailedSubmitThatLandedIsNotReused", func(t *testing.T) {
		source := &stubNonceSource{pending: 3}
		nm := NewNonceManager(owner, source, logger)

		_, err := nm.Submit(context.Background(), func(nonce uint64) error {
			// the node accepted the tx but the response was lost
			source.mu.Lock()
			source.pending = nonce + 1
			source.mu.Unlock()
			return fmt.Errorf("i/o timeout")
		})
		var submitErr *SubmitError
		require.True(t, errors.As(err, &submitErr))
		assert.True(t, submitErr.Consumed)
		assert.True(t, submitErr.Verified)
		assert.Equal(t, uint64(3), submitErr.Nonce)

		nonce, err := nm.Submit(context.Background(), func(nonce uint64) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, uint64(4), nonce)
	})

	t.Run("FailedSubmitOnCancelledContextIsRechecked", func(t *testing.T) {
		source := &stubNonceSource{pending: 7}
		nm := NewNonceManager(owner, source, logger)

		ctx, cancel := context.WithCancel(context.Background())
		_, err := nm.Submit(ctx, func(nonce uint64) error {
			source.mu.Lock()
			source.pending = nonce + 1
			source.mu.Unlock()
			cancel()
			return ctx.Err()
		})
		var submitErr *SubmitError
		require.True(t, errors.As(err, &submitErr))
		assert.True(t, submitErr.Consumed)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("UnverifiedFailureResyncsLater", func(t *testing.T) {
		source := &stubNonceSource{pending: 2}
		nm := NewNonceManager(owner, source, logger)

		_, err := nm.Submit(context.Background(), func(nonce uint64) error {
			source.mu.Lock()
			source.pending = nonce + 1
			source.err = fmt.Errorf("rpc down")
			source.mu.Unlock()
			return fmt.Errorf("i/o timeout")
		})
		var submitErr *SubmitError
		require.True(t, errors.As(err, &submitErr))
		assert.False(t, submitErr.Verified)
		assert.False(t, submitErr.Consumed)

		source.mu.Lock()
		source.err = nil
		source.mu.Unlock()

		nonce, err := nm.Submit(context.Background(), func(nonce uint64) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, uint64(3), nonce)
	})

	t.Run("SourceErrorIsReturned", func(t *testing.T) {
		source := &stubNonceSource{err: fmt.Errorf("rpc down")}
		nm := NewNonceManager(owner, source, logger)

		var called atomic.Bool
		_, err := nm.Submit(context.Background(), func(nonce uint64) error {
			called.Store(true)
			return nil
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rpc down")
		assert.False(t, called.Load())
	})

	t.Run("AcquireHonorsContext", func(t *testing.T) {
		nm := NewNonceManager(owner, &stubNonceSource{}, logger)

		started := make(chan struct{})
		unblock := make(chan struct{})
		go func() {
			_, _ = nm.Submit(context.Background(), func(nonce uint64) error {
				close(started)
				<-unblock
				return nil
			})
		}()
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := nm.Submit(ctx, func(nonce uint64) error { return nil })
		require.ErrorIs(t, err, context.DeadlineExceeded)
		close(unblock)
	})

	t.Run("ResyncAndPeek", func(t *testing.T) {
		source := &stubNonceSource{pending: 10}
		nm := NewNonceManager(owner, source, logger)

		_, synced, err := nm.Peek(context.Background())
		require.NoError(t, err)
		assert.False(t, synced)

		require.NoError(t, nm.Resync(context.Background()))
		next, synced, err := nm.Peek(context.Background())
		require.NoError(t, err)
		assert.True(t, synced)
		assert.Equal(t, uint64(10), next)
		assert.Equal(t, owner, nm.Address())
	})
}
