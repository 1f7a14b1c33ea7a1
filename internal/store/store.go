// Package store persists settlements, refund reservations and cached HTTP
// responses.
package store

import (
	"context"
	"encoding/json"
	"time"

	"settlerails/internal/refund"
	"settlerails/internal/settlement"
)

// Response is a cached reply to an idempotent HTTP request.
type Response struct {
	StatusCode int       `json:"statusCode"`
	Body       []byte    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ResponseCache returns nil, nil for unknown or expired keys.
type ResponseCache interface {
	GetResponse(ctx context.Context, key string) (*Response, error)
	SaveResponse(ctx context.Context, key string, resp Response) error
}

// Store is everything the service persists.
type Store interface {
	settlement.Repository
	refund.Ledger
	ResponseCache
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func clone(rec *settlement.Record) (*settlement.Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var out settlement.Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
