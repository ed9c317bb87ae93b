package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/market-history/internal/itemstring"
	"github.com/atmx/market-history/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS market_values (
	shard        TEXT   NOT NULL,
	item         TEXT   NOT NULL,
	ts           BIGINT NOT NULL,
	market_value BIGINT NOT NULL,
	PRIMARY KEY (shard, item, ts)
)`

// PostgresMirror implements Mirror on a market_values table. The primary
// key makes repeated appends of the same cycle no-ops.
type PostgresMirror struct {
	pool *pgxpool.Pool
}

// NewPostgresMirror creates a mirror on an open pool.
func NewPostgresMirror(pool *pgxpool.Pool) *PostgresMirror {
	return &PostgresMirror{pool: pool}
}

// EnsureSchema creates the mirror table if it does not exist.
func (m *PostgresMirror) EnsureSchema(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create market_values: %w", err)
	}
	return nil
}

func (m *PostgresMirror) Append(ctx context.Context, shard string, records map[itemstring.ItemString]model.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for item, r := range records {
		batch.Queue(
			`INSERT INTO market_values (shard, item, ts, market_value)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (shard, item, ts) DO NOTHING`,
			shard, item.String(), r.Timestamp, r.MarketValue,
		)
	}
	br := m.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("mirror %s: %w", shard, err)
		}
	}
	return nil
}

func (m *PostgresMirror) Series(ctx context.Context, shard string, item itemstring.ItemString) ([]model.Record, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT ts, market_value
		 FROM market_values WHERE shard = $1 AND item = $2 ORDER BY ts`, shard, item.String())
	if err != nil {
		return nil, fmt.Errorf("query series %s %s: %w", shard, item, err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var r model.Record
		if err := rows.Scan(&r.Timestamp, &r.MarketValue); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
