// Package connector defines the logical replication message model shared
// between the VStream client and its consumers.
package connector

import (
	"context"
	"time"

	"vitess.io/vitess/go/sqltypes"
)

// Operation indicates the change type for a message.
type Operation string

const (
	OpBegin  Operation = "begin"
	OpCommit Operation = "commit"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpDDL    Operation = "ddl"
	OpOther  Operation = "other"
)

// ColumnValue pairs a column with its decoded value.
type ColumnValue struct {
	Name  string
	Value sqltypes.Value
}

// Tuple is an ordered row image. Its length and column identities always
// match the table schema active at decode time.
type Tuple []ColumnValue

// Message is a single decoded replication event.
//
// Begin/Commit messages carry TransactionID, the canonical form of the
// position active at the transaction's BEGIN. Insert messages carry only
// After, deletes only Before, updates both. DDL messages carry the raw
// statement text. Other covers heartbeats and version markers; it has no
// payload but still reaches the consumer so offset tracking can progress.
type Message struct {
	Operation     Operation
	TransactionID string
	Keyspace      string
	Shard         string
	Table         string
	Before        Tuple
	After         Tuple
	DDL           string
	Timestamp     time.Time
}

// Checkpoint is a durable offset: the canonical vgtid the stream can resume
// from.
type Checkpoint struct {
	Vgtid     string
	Timestamp time.Time
	Metadata  map[string]string
}

// FlowCheckpoint ties a checkpoint to a flow ID.
type FlowCheckpoint struct {
	FlowID     string
	Checkpoint Checkpoint
}

// CheckpointStore persists checkpoints for recovery.
type CheckpointStore interface {
	Get(ctx context.Context, flowID string) (Checkpoint, error)
	Put(ctx context.Context, flowID string, checkpoint Checkpoint) error
	List(ctx context.Context) ([]FlowCheckpoint, error)
}
