package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"settlerails/internal/refund"
	"settlerails/internal/settlement"
)

// PostgresStore keeps settlements as JSONB documents next to the columns
// operators query on.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    payer TEXT NOT NULL,
    needs_reconciliation BOOLEAN NOT NULL DEFAULT FALSE,
    record JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlements_reconcile_idx ON settlements (needs_reconciliation) WHERE needs_reconciliation;
CREATE TABLE IF NOT EXISTS refund_reservations (
    inbound_tx TEXT PRIMARY KEY,
    settlement_id TEXT NOT NULL,
    reserved_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS idempotency_records (
    key TEXT PRIMARY KEY,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using dsn and makes sure the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Create(ctx context.Context, rec *settlement.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
INSERT INTO settlements (id, state, payer, needs_reconciliation, record, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING
`, rec.ID, string(rec.State), rec.Payer.Hex(), rec.NeedsReconciliation, raw, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return settlement.ErrExists
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, rec *settlement.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
UPDATE settlements
SET state = $2,
    needs_reconciliation = $3,
    record = $4,
    updated_at = $5
WHERE id = $1
`, rec.ID, string(rec.State), rec.NeedsReconciliation, raw, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return settlement.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*settlement.Record, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT record FROM settlements WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrNotFound
		}
		return nil, err
	}
	var rec settlement.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode settlement %s: %w", id, err)
	}
	return &rec, nil
}

func (p *PostgresStore) ReserveRefund(ctx context.Context, inboundTx common.Hash, settlementID string) error {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO refund_reservations (inbound_tx, settlement_id, reserved_at)
VALUES ($1, $2, $3)
ON CONFLICT (inbound_tx) DO NOTHING
`, inboundTx.Hex(), settlementID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", refund.ErrDuplicateRefund, inboundTx.Hex())
	}
	return nil
}

func (p *PostgresStore) ReleaseRefund(ctx context.Context, inboundTx common.Hash, settlementID string) error {
	_, err := p.pool.Exec(ctx, `
DELETE FROM refund_reservations
WHERE inbound_tx = $1 AND settlement_id = $2
`, inboundTx.Hex(), settlementID)
	return err
}

func (p *PostgresStore) GetResponse(ctx context.Context, key string) (*Response, error) {
	row := p.pool.QueryRow(ctx, `
SELECT status_code, response, created_at, expires_at
FROM idempotency_records
WHERE key = $1
`, key)

	var resp Response
	if err := row.Scan(&resp.StatusCode, &resp.Body, &resp.CreatedAt, &resp.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if time.Now().After(resp.ExpiresAt) {
		go p.deleteResponse(context.Background(), key)
		return nil, nil
	}
	return &resp, nil
}

func (p *PostgresStore) SaveResponse(ctx context.Context, key string, resp Response) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records (key, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE
SET status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, resp.StatusCode, resp.Body, resp.CreatedAt, resp.ExpiresAt)
	return err
}

func (p *PostgresStore) deleteResponse(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1`, key)
}
