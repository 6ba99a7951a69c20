package infra

import (
	"context"
	"sync"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestLocalStore_IncrCountsWithinTTLAndResetsAfter(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	now := time.Unix(600, 0)

	for i := 1; i <= 3; i++ {
		n, resetAt, err := s.Incr(ctx, "k", time.Minute, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Equal(t, now.Add(time.Second+time.Minute), resetAt)
	}

	// janela expirou: recomeça em 1
	n, _, err := s.Incr(ctx, "k", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func sliding(window time.Duration, limit int) domain.SlidingLimit {
	return domain.SlidingLimit{Window: window, Cap: limit}
}

func TestLocalStore_SlidingHitDeniesAtCapWithoutRecording(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	start := time.Unix(0, 0)

	for i := 0; i < 5; i++ {
		res, err := s.SlidingHit(ctx, "k", sliding(time.Minute, 5), start.Add(time.Duration(i)*2*time.Second))
		require.NoError(t, err)
		require.True(t, res.Allowed, "hit %d should be allowed", i+1)
		assert.Equal(t, i+1, res.Count)
	}

	res, err := s.SlidingHit(ctx, "k", sliding(time.Minute, 5), start.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.False(t, res.Blocked)
	assert.Equal(t, 5, res.Count, "denied hit must not be recorded")
	assert.Equal(t, start.Add(time.Minute), res.ResetAt, "reset follows the oldest entry")

	// a entrada mais antiga (t=0) sai da janela em t=60s
	res, err = s.SlidingHit(ctx, "k", sliding(time.Minute, 5), start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Count)
}

func TestLocalStore_SlidingHitAdmitsExactlyAtResetAt(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	start := time.Unix(0, 0)

	_, _ = s.SlidingHit(ctx, "k", sliding(time.Minute, 1), start)
	denied, err := s.SlidingHit(ctx, "k", sliding(time.Minute, 1), start.Add(30*time.Second))
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	// uma entrada com idade exatamente igual à janela já não conta
	res, err := s.SlidingHit(ctx, "k", sliding(time.Minute, 1), denied.ResetAt)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Count)
}

func TestLocalStore_SlidingHitReplenishesAfterWindow(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	start := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		_, _ = s.SlidingHit(ctx, "k", sliding(time.Second, 3), start)
	}
	res, _ := s.SlidingHit(ctx, "k", sliding(time.Second, 3), start)
	require.False(t, res.Allowed)

	res, _ = s.SlidingHit(ctx, "k", sliding(time.Second, 3), start.Add(time.Second))
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Count)
}

func TestLocalStore_SlidingHitAdmitsAgainAsOlderHitsLeaveTheWindow(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)
	limit := sliding(time.Minute, 3)

	for _, at := range []time.Time{t0, t0.Add(30 * time.Second), t0.Add(30 * time.Second)} {
		res, err := s.SlidingHit(ctx, "k", limit, at)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	// em t0+61s só o hit de t0 saiu: cabe exatamente mais um
	res, err := s.SlidingHit(ctx, "k", limit, t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.Count)

	res, err = s.SlidingHit(ctx, "k", limit, t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestLocalStore_SlidingHitBlocksKeyAfterDenial(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	start := time.Unix(0, 0)
	limit := domain.SlidingLimit{Window: time.Minute, Cap: 2, BlockFor: 5 * time.Minute}

	for i := 0; i < 2; i++ {
		res, err := s.SlidingHit(ctx, "k", limit, start)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := s.SlidingHit(ctx, "k", limit, start.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Blocked)
	assert.Equal(t, start.Add(time.Second+5*time.Minute), res.ResetAt)

	// o log esvaziou mas o bloqueio segura a chave
	res, err = s.SlidingHit(ctx, "k", limit, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Blocked)
	assert.Equal(t, 0, res.Count, "blocked hits are not recorded")

	res, err = s.SlidingHit(ctx, "k", limit, start.Add(time.Second+5*time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.Blocked)
}

func TestLocalStore_ConcurrentSlidingHitsNeverOvershootCap(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	now := time.Unix(0, 0)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.SlidingHit(ctx, "hot", sliding(time.Minute, 10), now)
			if err == nil && res.Allowed {
				allowed.Inc()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestLocalStore_ConcurrentIncrCountsEveryHitOnce(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	now := time.Unix(0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.Incr(ctx, "hot", time.Minute, now)
		}()
	}
	wg.Wait()

	n, _, err := s.Incr(ctx, "hot", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 101, n)
}

func TestLocalStore_CleanupRemovesExpiredRecords(t *testing.T) {
	mock := clock.NewMock()
	s := NewLocalStore(WithClock(mock), WithCleanupEvery(0))
	ctx := context.Background()

	_, _, _ = s.Incr(ctx, "fixed", time.Second, mock.Now())
	_, _ = s.SlidingHit(ctx, "sliding", sliding(time.Second, 5), mock.Now())
	require.Equal(t, 2, s.Len())

	mock.Add(2 * time.Second)
	s.Cleanup()

	assert.Equal(t, 0, s.Len())
}

func TestLocalStore_CleanupKeepsBlockedKeys(t *testing.T) {
	mock := clock.NewMock()
	s := NewLocalStore(WithClock(mock), WithCleanupEvery(0))
	ctx := context.Background()
	limit := domain.SlidingLimit{Window: time.Second, Cap: 1, BlockFor: time.Minute}

	_, _ = s.SlidingHit(ctx, "k", limit, mock.Now())
	res, _ := s.SlidingHit(ctx, "k", limit, mock.Now())
	require.True(t, res.Blocked)

	mock.Add(2 * time.Second)
	s.Cleanup()
	require.Equal(t, 1, s.Len())

	res, _ = s.SlidingHit(ctx, "k", limit, mock.Now())
	assert.True(t, res.Blocked)

	mock.Add(time.Minute)
	s.Cleanup()
	assert.Equal(t, 0, s.Len())
}

func TestLocalStore_JanitorStopsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	mock := clock.NewMock()
	s := NewLocalStore(WithClock(mock), WithCleanupEvery(time.Minute))
	require.NoError(t, s.Open(context.Background()))

	_, _, _ = s.Incr(context.Background(), "k", time.Second, mock.Now())
	mock.Add(time.Minute)

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	// Close é idempotente
	require.NoError(t, s.Close())
}

func TestLocalStore_PingNeverFails(t *testing.T) {
	assert.NoError(t, NewLocalStore().Ping(context.Background()))
}
