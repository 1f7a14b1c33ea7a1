package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlerails/internal/refund"
	"settlerails/internal/settlement"
)

// MemoryStore keeps everything in maps. With a path it also snapshots to a
// JSON file after every write, which is enough for local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	path string
	data snapshot
}

type snapshot struct {
	Settlements map[string]*settlement.Record `json:"settlements"`
	Refunds     map[string]string             `json:"refunds"`
	Responses   map[string]Response           `json:"responses"`
}

func newSnapshot() snapshot {
	return snapshot{
		Settlements: make(map[string]*settlement.Record),
		Refunds:     make(map[string]string),
		Responses:   make(map[string]Response),
	}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newSnapshot()}
}

// NewFileStore loads path if it exists and persists to it afterwards.
func NewFileStore(path string) (*MemoryStore, error) {
	m := &MemoryStore{path: path, data: newSnapshot()}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MemoryStore) load() error {
	blob, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &m.data); err != nil {
		return fmt.Errorf("decode %s: %w", m.path, err)
	}
	if m.data.Settlements == nil {
		m.data.Settlements = make(map[string]*settlement.Record)
	}
	if m.data.Refunds == nil {
		m.data.Refunds = make(map[string]string)
	}
	if m.data.Responses == nil {
		m.data.Responses = make(map[string]Response)
	}
	return nil
}

func (m *MemoryStore) persist() error {
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, blob, 0o600)
}

func (m *MemoryStore) Create(_ context.Context, rec *settlement.Record) error {
	cp, err := clone(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Settlements[rec.ID]; ok {
		return settlement.ErrExists
	}
	m.data.Settlements[rec.ID] = cp
	return m.persist()
}

func (m *MemoryStore) Update(_ context.Context, rec *settlement.Record) error {
	cp, err := clone(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Settlements[rec.ID]; !ok {
		return settlement.ErrNotFound
	}
	m.data.Settlements[rec.ID] = cp
	return m.persist()
}

func (m *MemoryStore) Get(_ context.Context, id string) (*settlement.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data.Settlements[id]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return clone(rec)
}

func (m *MemoryStore) ReserveRefund(_ context.Context, inboundTx common.Hash, settlementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inboundTx.Hex()
	if owner, ok := m.data.Refunds[key]; ok {
		return fmt.Errorf("%w: %s held by %s", refund.ErrDuplicateRefund, key, owner)
	}
	m.data.Refunds[key] = settlementID
	return m.persist()
}

func (m *MemoryStore) ReleaseRefund(_ context.Context, inboundTx common.Hash, settlementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inboundTx.Hex()
	if m.data.Refunds[key] != settlementID {
		return nil
	}
	delete(m.data.Refunds, key)
	return m.persist()
}

func (m *MemoryStore) GetResponse(_ context.Context, key string) (*Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp, ok := m.data.Responses[key]
	if !ok || time.Now().After(resp.ExpiresAt) {
		return nil, nil
	}
	return &resp, nil
}

func (m *MemoryStore) SaveResponse(_ context.Context, key string, resp Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Responses[key] = resp
	return m.persist()
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}
