package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vinted/vstream-cdc/pkg/connector"
)

const (
	sqliteInitTable = `CREATE TABLE IF NOT EXISTS vgtid_offsets (
  flow_id TEXT PRIMARY KEY,
  vgtid TEXT NOT NULL,
  metadata TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`
	sqliteInitIndex = `CREATE INDEX IF NOT EXISTS vgtid_offsets_updated_at_idx ON vgtid_offsets (updated_at);`
)

// SQLiteStore persists vgtid offsets in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	if err := ensureSQLitePath(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", sqliteInitTable, sqliteInitIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init offsets table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, flowID string) (connector.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT vgtid, metadata, updated_at FROM vgtid_offsets WHERE flow_id = ?", flowID)

	var rawVgtid, metadataJSON, updatedAt string
	if err := row.Scan(&rawVgtid, &metadataJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return connector.Checkpoint{}, ErrNotFound
		}
		return connector.Checkpoint{}, fmt.Errorf("get offset: %w", err)
	}
	if err := validateVgtid(rawVgtid); err != nil {
		return connector.Checkpoint{}, fmt.Errorf("stored offset for flow %q: %w", flowID, err)
	}

	checkpoint := connector.Checkpoint{Vgtid: rawVgtid, Metadata: map[string]string{}}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &checkpoint.Metadata); err != nil {
			return connector.Checkpoint{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if parsed, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		checkpoint.Timestamp = parsed
	}
	return checkpoint, nil
}

func (s *SQLiteStore) Put(ctx context.Context, flowID string, checkpoint connector.Checkpoint) error {
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
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vgtid_offsets (flow_id, vgtid, metadata, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(flow_id) DO UPDATE SET
		 vgtid = excluded.vgtid,
		 metadata = excluded.metadata,
		 updated_at = excluded.updated_at`,
		flowID, checkpoint.Vgtid, string(metadataJSON), checkpoint.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert offset: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]connector.FlowCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT flow_id, vgtid, metadata, updated_at FROM vgtid_offsets ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	defer rows.Close()

	out := []connector.FlowCheckpoint{}
	for rows.Next() {
		var flowID, rawVgtid, metadataJSON, updatedAt string
		if err := rows.Scan(&flowID, &rawVgtid, &metadataJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan offset: %w", err)
		}
		checkpoint := connector.Checkpoint{Vgtid: rawVgtid, Metadata: map[string]string{}}
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &checkpoint.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		if parsed, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			checkpoint.Timestamp = parsed
		}
		out = append(out, connector.FlowCheckpoint{FlowID: flowID, Checkpoint: checkpoint})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offsets: %w", err)
	}
	return out, nil
}

func ensureSQLitePath(dsn string) error {
	path := strings.TrimSpace(dsn)
	if strings.HasPrefix(path, "file:") {
		path = strings.TrimPrefix(path, "file:")
		path = strings.TrimPrefix(path, "//")
	}
	if idx := strings.IndexAny(path, "?;"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}
