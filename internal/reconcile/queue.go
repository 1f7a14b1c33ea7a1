// Package reconcile keeps settlements that need an operator, one JSON file
// per entry, in a dead-letter directory.
package reconcile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Entry struct {
	Timestamp    time.Time       `json:"timestamp"`
	SettlementID string          `json:"settlementId"`
	State        string          `json:"state"`
	Class        string          `json:"class"`
	Error        string          `json:"error"`
	Record       json.RawMessage `json:"record,omitempty"`
}

// FileQueue writes entries under dir. An empty dir disables the queue.
// OnDepth, when set, receives the depth after every change.
type FileQueue struct {
	dir     string
	logger  *slog.Logger
	mu      sync.Mutex
	OnDepth func(int)
}

func NewFileQueue(dir string, logger *slog.Logger) *FileQueue {
	return &FileQueue{
		dir:    dir,
		logger: logger.With(slog.String("component", "reconcile")),
	}
}

func (q *FileQueue) Push(e Entry) error {
	if q.dir == "" {
		q.logger.Error("reconciliation required, queue disabled",
			slog.String("settlement_id", e.SettlementID),
			slog.String("class", e.Class),
			slog.String("error", e.Error))
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reconcile entry: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return fmt.Errorf("create reconcile dir: %w", err)
	}
	filename := fmt.Sprintf("%d-%s.json", e.Timestamp.UnixNano(), e.SettlementID)
	if err := os.WriteFile(filepath.Join(q.dir, filename), data, 0o600); err != nil {
		return fmt.Errorf("write reconcile entry: %w", err)
	}
	q.logger.Error("settlement queued for reconciliation",
		slog.String("settlement_id", e.SettlementID),
		slog.String("state", e.State),
		slog.String("class", e.Class),
		slog.String("error", e.Error))
	q.notify()
	return nil
}

// List returns queued entries oldest first.
func (q *FileQueue) List() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.files()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(q.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Resolve drops every entry for settlementID and reports how many went.
func (q *FileQueue) Resolve(settlementID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.files()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		if !strings.HasSuffix(name, "-"+settlementID+".json") {
			continue
		}
		if err := os.Remove(filepath.Join(q.dir, name)); err != nil {
			return removed, fmt.Errorf("remove %s: %w", name, err)
		}
		removed++
	}
	q.notify()
	return removed, nil
}

func (q *FileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	names, err := q.files()
	if err != nil {
		q.logger.Warn("reconcile dir unreadable", slog.Any("err", err))
		return 0
	}
	return len(names)
}

func (q *FileQueue) files() ([]string, error) {
	if q.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (q *FileQueue) notify() {
	if q.OnDepth == nil {
		return
	}
	names, err := q.files()
	if err != nil {
		return
	}
	q.OnDepth(len(names))
}
