package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestInsertAndRecent(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, q := range []string{"first", "second", "third"} {
		_, err := j.Insert(ctx, Entry{
			RequestID:     q,
			CredentialRef: "acme",
			Question:      q,
			Answer:        "answer " + q,
			Fallback:      i == 1,
			Reason:        map[bool]string{true: "model_call"}[i == 1],
			FallbackRule:  map[bool]string{true: "top_flows"}[i == 1],
			InputTokens:   10 * (i + 1),
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	entries, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "third", entries[0].Question)
	assert.Equal(t, "second", entries[1].Question)
	assert.True(t, entries[1].Fallback)
	assert.Equal(t, "model_call", entries[1].Reason)
	assert.Equal(t, "top_flows", entries[1].FallbackRule)
	assert.Empty(t, entries[0].FallbackRule)
	assert.Equal(t, 30, entries[0].InputTokens)
	assert.WithinDuration(t, base.Add(2*time.Minute), entries[0].CreatedAt, time.Millisecond)

	stats, err := j.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Entries: 3, Fallbacks: 1}, stats)
}

func TestRecordIsFlushedOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)

	for range 10 {
		j.Record(Entry{RequestID: "r", CredentialRef: "acme", Question: "q", Answer: "a"})
	}
	require.NoError(t, j.Close())
	j.Record(Entry{RequestID: "after-close"})
	require.NoError(t, j.Close())

	// reopening re-runs the migration against the existing table
	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	stats, err := reopened.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Entries)
}

func TestRetainerPrunesOldEntries(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := j.Insert(ctx, Entry{RequestID: "old", Question: "q", Answer: "a", CreatedAt: now.Add(-48 * time.Hour)})
	require.NoError(t, err)
	_, err = j.Insert(ctx, Entry{RequestID: "new", Question: "q", Answer: "a", CreatedAt: now.Add(-time.Hour)})
	require.NoError(t, err)

	var events []string
	r := NewRetainer(j, func(typ, msg string) { events = append(events, typ+": "+msg) },
		RetentionConfig{Retention: 24 * time.Hour})
	r.now = func() time.Time { return now }

	report := r.PruneOnce(ctx)
	assert.Equal(t, int64(1), report.Pruned)
	assert.Equal(t, 1, report.Remaining)
	assert.Empty(t, report.Error)
	assert.Same(t, report, r.LastReport())
	require.Len(t, events, 1)
	assert.Contains(t, events[0], "pruned 1 entries")

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].RequestID)

	second := r.PruneOnce(ctx)
	assert.Equal(t, 2, second.CycleNumber)
	assert.Zero(t, second.Pruned)
	assert.Len(t, events, 1, "quiet cycles do not emit")
}

func TestRetainerRunStopsOnCancel(t *testing.T) {
	j := openTest(t)
	r := NewRetainer(j, nil, RetentionConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, r.LastReport().CycleNumber, 2)
}
