package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vinted/vstream-cdc/pkg/connector"
)

const postgresInitTable = `CREATE TABLE IF NOT EXISTS vgtid_offsets (
  flow_id TEXT PRIMARY KEY,
  vgtid TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore persists vgtid offsets in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresInitTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init offsets table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, flowID string) (connector.Checkpoint, error) {
	row := p.pool.QueryRow(ctx, "SELECT vgtid, metadata, updated_at FROM vgtid_offsets WHERE flow_id = $1", flowID)
	return scanCheckpoint(row)
}

func (p *PostgresStore) Put(ctx context.Context, flowID string, checkpoint connector.Checkpoint) error {
	if err := validateVgtid(checkpoint.Vgtid); err != nil {
		return err
	}
	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = time.Now().UTC()
	}
	if checkpoint.Metadata == nil {
		checkpoint.Metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(checkpoint.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO vgtid_offsets (flow_id, vgtid, metadata, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (flow_id)
		 DO UPDATE SET vgtid = EXCLUDED.vgtid, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at`,
		flowID, checkpoint.Vgtid, metadataJSON, checkpoint.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert offset: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]connector.FlowCheckpoint, error) {
	rows, err := p.pool.Query(ctx, "SELECT flow_id, vgtid, metadata, updated_at FROM vgtid_offsets ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	defer rows.Close()

	items := make([]connector.FlowCheckpoint, 0)
	for rows.Next() {
		cp, err := scanFlowCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offsets: %w", err)
	}
	return items, nil
}

func scanCheckpoint(row pgx.Row) (connector.Checkpoint, error) {
	var cp connector.Checkpoint
	var metadataJSON []byte
	var updated time.Time

	if err := row.Scan(&cp.Vgtid, &metadataJSON, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connector.Checkpoint{}, ErrNotFound
		}
		return connector.Checkpoint{}, fmt.Errorf("scan offset: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &cp.Metadata); err != nil {
			return connector.Checkpoint{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	cp.Timestamp = updated

	return cp, nil
}

func scanFlowCheckpoint(row pgx.Row) (connector.FlowCheckpoint, error) {
	var flowID string
	var metadataJSON []byte
	var updated time.Time
	var rawVgtid string

	if err := row.Scan(&flowID, &rawVgtid, &metadataJSON, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connector.FlowCheckpoint{}, ErrNotFound
		}
		return connector.FlowCheckpoint{}, fmt.Errorf("scan flow offset: %w", err)
	}

	cp := connector.Checkpoint{
		Vgtid:     rawVgtid,
		Timestamp: updated,
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &cp.Metadata); err != nil {
			return connector.FlowCheckpoint{}, fmt.Errorf("decode metadata: %w", err)
		}
	}

	return connector.FlowCheckpoint{FlowID: flowID, Checkpoint: cp}, nil
}
