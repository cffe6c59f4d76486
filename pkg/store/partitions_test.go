package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func newTestPartitions(t *testing.T) *Partitions {
	t.Helper()
	p, err := NewPartitions(t.TempDir(), 8, time.Hour)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPartitionOpensLazily(t *testing.T) {
	p := newTestPartitions(t)
	assert.Zero(t, p.OpenCount())

	_, err := p.DB(1)
	require.NoError(t, err)
	assert.Equal(t, 1, p.OpenCount())
	assert.FileExists(t, p.path(1))

	// Reuse does not open a second handle.
	_, err = p.DB(1)
	require.NoError(t, err)
	assert.Equal(t, 1, p.OpenCount())

	opened := 0
	p.OnOpen = func() { opened++ }
	_, err = p.DB(2)
	require.NoError(t, err)
	assert.Equal(t, 1, opened)
	assert.Equal(t, 2, p.OpenCount())
}

func TestPartitionLRUDisplacement(t *testing.T) {
	p, err := NewPartitions(t.TempDir(), 2, time.Hour)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	for appID := int64(1); appID <= 3; appID++ {
		_, err := p.DB(appID)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.OpenCount())

	// The displaced partition reopens transparently.
	db, err := p.DB(1)
	require.NoError(t, err)
	assert.NoError(t, db.Ping())
}

func TestPartitionsAreIsolated(t *testing.T) {
	p := newTestPartitions(t)
	ctx := context.Background()

	_, err := p.CreateSession(ctx, 1, "tok-1", "ua", "", 1000)
	require.NoError(t, err)

	// App 2 cannot see app 1's session.
	_, err = p.GetSessionByToken(ctx, 2, "tok-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := p.GetSessionByToken(ctx, 1, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.Token)
}

func TestDropDeletesOnlyThatPartition(t *testing.T) {
	p := newTestPartitions(t)
	ctx := context.Background()

	_, err := p.CreateSession(ctx, 1, "tok-1", "", "", 1000)
	require.NoError(t, err)
	_, err = p.CreateSession(ctx, 2, "tok-2", "", "", 1000)
	require.NoError(t, err)

	require.NoError(t, p.Drop(1))
	_, statErr := os.Stat(p.path(1))
	assert.True(t, os.IsNotExist(statErr))

	// Dropping again is fine.
	require.NoError(t, p.Drop(1))

	// App 2 is untouched.
	got, err := p.GetSessionByToken(ctx, 2, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got.Token)

	// A new app 1 partition starts empty.
	_, err = p.GetSessionByToken(ctx, 1, "tok-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTouchSession(t *testing.T) {
	p := newTestPartitions(t)
	ctx := context.Background()

	s, err := p.CreateSession(ctx, 1, "tok", "", "", 1000)
	require.NoError(t, err)

	require.NoError(t, p.TouchSession(ctx, 1, s.ID, 5000))
	got, err := p.GetSessionByToken(ctx, 1, "tok")
	require.NoError(t, err)
	assert.EqualValues(t, 5000, got.LastActive)
	assert.EqualValues(t, 1000, got.Created)
}

func TestAppendHitValidation(t *testing.T) {
	p := newTestPartitions(t)
	ctx := context.Background()

	s, err := p.CreateSession(ctx, 1, "tok", "", "", 1000)
	require.NoError(t, err)

	_, err = p.AppendHit(ctx, 1, s.ID, "   ", "", 1000)
	assert.True(t, IsValidation(err))

	hit, err := p.AppendHit(ctx, 1, s.ID, "/home", "https://example.com", 1000)
	require.NoError(t, err)
	assert.NotZero(t, hit.ID)
	assert.Equal(t, "/home", hit.URL)
}

func TestAppendLogValidation(t *testing.T) {
	p := newTestPartitions(t)
	ctx := context.Background()

	_, err := p.AppendLog(ctx, 1, OriginClient, "", LevelInfo, "", 1000)
	assert.True(t, IsValidation(err))

	_, err = p.AppendLog(ctx, 1, OriginClient, "boom", 9, "", 1000)
	assert.True(t, IsValidation(err))

	l, err := p.AppendLog(ctx, 1, OriginServer, "boom", LevelError, "db", 1000)
	require.NoError(t, err)
	assert.Equal(t, LevelError, l.Level)
}

func TestLogsFilterByOriginAndLevel(t *testing.T) {
	p := newTestPartitions(t)
	ctx := context.Background()

	_, err := p.AppendLog(ctx, 1, OriginClient, "c-info", LevelInfo, "", 1000)
	require.NoError(t, err)
	_, err = p.AppendLog(ctx, 1, OriginClient, "c-error", LevelError, "", 2000)
	require.NoError(t, err)
	_, err = p.AppendLog(ctx, 1, OriginServer, "s-error", LevelError, "", 3000)
	require.NoError(t, err)

	tr := TimeRange{Start: 0, End: 10000}

	client, err := p.Logs(ctx, 1, OriginClient, nil, tr)
	require.NoError(t, err)
	require.Len(t, client, 2)
	assert.Equal(t, "c-info", client[0].Message, "oldest first")

	level := LevelError
	errors, err := p.Logs(ctx, 1, OriginClient, &level, tr)
	require.NoError(t, err)
	require.Len(t, errors, 1)
	assert.Equal(t, "c-error", errors[0].Message)

	server, err := p.Logs(ctx, 1, OriginServer, nil, tr)
	require.NoError(t, err)
	require.Len(t, server, 1)

	// Window boundaries are inclusive.
	edge, err := p.Logs(ctx, 1, OriginClient, nil, TimeRange{Start: 1000, End: 2000})
	require.NoError(t, err)
	assert.Len(t, edge, 2)
}

func TestFeedbackRoundTrip(t *testing.T) {
	p := newTestPartitions(t)
	ctx := context.Background()

	_, err := p.AppendFeedback(ctx, 1, "  ", 1000)
	assert.True(t, IsValidation(err))

	_, err = p.AppendFeedback(ctx, 1, "love it", 1000)
	require.NoError(t, err)

	list, err := p.Feedbacks(ctx, 1, TimeRange{Start: 0, End: 10000})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "love it", list[0].Message)
}

func TestMetricsRoundTrip(t *testing.T) {
	p := newTestPartitions(t)
	ctx := context.Background()

	_, err := p.AppendMetric(ctx, 1, MetricSample{Time: 1000})
	assert.True(t, IsValidation(err), "device is required")

	_, err = p.AppendMetric(ctx, 1, MetricSample{
		Device: "web-1", CPU: 0.5, MemUsed: 1024, MemTotal: 4096, Time: 2000,
	})
	require.NoError(t, err)
	_, err = p.AppendMetric(ctx, 1, MetricSample{Device: "web-1", CPU: 0.7, Time: 1000})
	require.NoError(t, err)

	samples, err := p.Metrics(ctx, 1, TimeRange{Start: 0, End: 10000})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.EqualValues(t, 1000, samples[0].Time, "ordered by time")
	assert.InDelta(t, 0.5, samples[1].CPU, 1e-9)
}

func TestPartitionPathLayout(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPartitions(dir, 8, time.Hour)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	assert.Equal(t, filepath.Join(dir, "apps", "42.sqlite"), p.path(42))
}

func TestPartitionStaysOpenUnderConstantUse(t *testing.T) {
	p, err := NewPartitions(t.TempDir(), 8, 250*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	db, err := p.DB(1)
	require.NoError(t, err)

	// Keep the partition hot well past the idle TTL; every use renews it.
	for i := 0; i < 8; i++ {
		time.Sleep(100 * time.Millisecond)
		again, err := p.DB(1)
		require.NoError(t, err)
		assert.Same(t, db, again)
	}

	// The handle obtained up front must still be live.
	var n int
	err = db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM sessions`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}
