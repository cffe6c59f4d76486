package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crash-course/backend/pkg/store"

	_ "github.com/mattn/go-sqlite3"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	parts, err := store.NewPartitions(t.TempDir(), 8, time.Hour)
	require.NoError(t, err)
	t.Cleanup(parts.Close)

	now := time.Unix(1700000000, 0)
	tr := New(parts, 30*time.Minute)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestResolveWithoutTokenStartsSession(t *testing.T) {
	tr, _ := newTestTracker(t)

	res, err := tr.Resolve(context.Background(), 1, "", "Mozilla/5.0", "https://ref.example")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.NotEmpty(t, res.Token)
	assert.NotZero(t, res.SessionID)
}

func TestResolveContinuesWithinWindow(t *testing.T) {
	tr, now := newTestTracker(t)
	ctx := context.Background()

	first, err := tr.Resolve(ctx, 1, "", "ua", "")
	require.NoError(t, err)

	*now = now.Add(29 * time.Minute)
	second, err := tr.Resolve(ctx, 1, first.Token, "ua", "")
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.Token, second.Token)
}

func TestResolveExpiresAfterWindow(t *testing.T) {
	tr, now := newTestTracker(t)
	ctx := context.Background()

	first, err := tr.Resolve(ctx, 1, "", "ua", "")
	require.NoError(t, err)

	*now = now.Add(31 * time.Minute)
	second, err := tr.Resolve(ctx, 1, first.Token, "ua", "")
	require.NoError(t, err)
	assert.True(t, second.IsNew)
	assert.NotEqual(t, first.Token, second.Token)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestActivityExtendsTheWindow(t *testing.T) {
	tr, now := newTestTracker(t)
	ctx := context.Background()

	first, err := tr.Resolve(ctx, 1, "", "ua", "")
	require.NoError(t, err)

	// Keep hitting every 20 minutes: the session never expires even
	// though total elapsed time far exceeds the window.
	for i := 0; i < 6; i++ {
		*now = now.Add(20 * time.Minute)
		res, err := tr.Resolve(ctx, 1, first.Token, "ua", "")
		require.NoError(t, err)
		assert.False(t, res.IsNew, "hit %d should continue the session", i)
	}
}

func TestUnknownTokenStartsFresh(t *testing.T) {
	tr, _ := newTestTracker(t)

	res, err := tr.Resolve(context.Background(), 1, "not-a-real-token", "ua", "")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.NotEqual(t, "not-a-real-token", res.Token)
}

func TestSessionsAreScopedToApp(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	first, err := tr.Resolve(ctx, 1, "", "ua", "")
	require.NoError(t, err)

	// The same token presented to a different app is a new visitor.
	other, err := tr.Resolve(ctx, 2, first.Token, "ua", "")
	require.NoError(t, err)
	assert.True(t, other.IsNew)
}

func TestOnStartFiresOncePerSession(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	var started int
	tr.OnStart = func() { started++ }

	res, err := tr.Resolve(ctx, 1, "", "ua", "")
	require.NoError(t, err)
	_, err = tr.Resolve(ctx, 1, res.Token, "ua", "")
	require.NoError(t, err)

	assert.Equal(t, 1, started)
}

func TestConcurrentResolvesShareNothing(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	// Distinct visitors resolving at once each get their own session.
	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := tr.Resolve(ctx, 1, "", "ua", "")
			if err == nil {
				tokens[i] = res.Token
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, token := range tokens {
		require.NotEmpty(t, token)
		assert.False(t, seen[token], "token %s duplicated", token)
		seen[token] = true
	}
}
