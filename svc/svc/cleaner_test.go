package svc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"slugbin/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	released []string
}

func (f *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	if f.held {
		return "", false, nil
	}
	return "tok", true, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, key+"/"+token)
	return nil
}

func expiredFixture(t *testing.T) (*Paste, func() int) {
	t.Helper()
	t0 := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	store := newStore(t)
	store.SetClock(func() time.Time { return t0 })
	p := NewPaste(store, domain.DefaultOptions(), nil, 100, WithClock(func() time.Time { return t0 }))
	_, err := p.Create(context.Background(), domain.CreateParams{Content: "x", Expiration: "10m", CreatorAddr: "1.1.1.1"})
	require.NoError(t, err)
	store.SetClock(func() time.Time { return t0.Add(time.Hour) })
	return p, func() int { return countPastes(t, store) }
}

func TestPurgeTick_SkipsWhenLockHeldElsewhere(t *testing.T) {
	p, count := expiredFixture(t)
	p.purgeTick(context.Background(), time.Minute, &fakeLocker{held: true})
	assert.Equal(t, 1, count())
}

func TestPurgeTick_PurgesAndReleases(t *testing.T) {
	p, count := expiredFixture(t)
	l := &fakeLocker{}
	p.purgeTick(context.Background(), time.Minute, l)
	assert.Zero(t, count())
	assert.Equal(t, []string{purgeLockKey + "/tok"}, l.released)
}

func TestPurgeTick_LockErrorStillPurges(t *testing.T) {
	p, count := expiredFixture(t)
	l := &fakeLocker{err: errors.New("redis down")}
	p.purgeTick(context.Background(), time.Minute, l)
	assert.Zero(t, count())
	assert.Empty(t, l.released)
}

func TestRunCleaner_StopsOnCancel(t *testing.T) {
	p, count := expiredFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.RunCleaner(ctx, 10*time.Millisecond, nil) }()

	require.Eventually(t, func() bool { return count() == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cleaner did not stop")
	}
}
