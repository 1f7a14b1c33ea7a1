package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"settlerails/internal/reconcile"
)

func runReconcile(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := reconcileCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestReconcileListAndResolve(t *testing.T) {
	dir := t.TempDir()
	q := reconcile.NewFileQueue(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, q.Push(reconcile.Entry{Timestamp: base, SettlementID: "s-1", State: "FAILED", Class: "payout_provider", Error: "payout outcome unknown"}))
	require.NoError(t, q.Push(reconcile.Entry{Timestamp: base.Add(time.Second), SettlementID: "s-2", State: "FAILED", Class: "reconciliation_failure"}))

	out, err := runReconcile(t, "list", "--dir", dir)
	require.NoError(t, err)
	var entries []reconcile.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	require.Equal(t, "s-1", entries[0].SettlementID)
	require.Equal(t, "payout outcome unknown", entries[0].Error)

	out, err = runReconcile(t, "resolve", "s-1", "--dir", dir)
	require.NoError(t, err)
	require.Contains(t, out, "resolved 1 entries for s-1")
	require.Equal(t, 1, q.Depth())

	_, err = runReconcile(t, "resolve", "s-1", "--dir", dir)
	require.ErrorContains(t, err, "no queued entries")

	out, err = runReconcile(t, "list", "--dir", t.TempDir())
	require.NoError(t, err)
	require.JSONEq(t, `[]`, out)
}
