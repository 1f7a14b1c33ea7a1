package reconcile

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileQueuePushListResolve(t *testing.T) {
	var depth int
	q := NewFileQueue(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	q.OnDepth = func(d int) { depth = d }

	base := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, q.Push(Entry{Timestamp: base, SettlementID: "a", State: "FAILED", Class: "solvency", Error: "treasury short"}))
	require.NoError(t, q.Push(Entry{Timestamp: base.Add(time.Second), SettlementID: "b", State: "FAILED", Class: "verification_ambiguous"}))

	require.Equal(t, 2, q.Depth())
	require.Equal(t, 2, depth)

	entries, err := q.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].SettlementID)
	require.Equal(t, "treasury short", entries[0].Error)

	n, err := q.Resolve("a")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, q.Depth())
	require.Equal(t, 1, depth)
}

func TestFileQueueDisabled(t *testing.T) {
	q := NewFileQueue("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, q.Push(Entry{SettlementID: "x"}))
	require.Equal(t, 0, q.Depth())
}
