package connector

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSchemaViolation signals a protocol-ordering or data-integrity violation
// between the event stream and the cached schema. These are never retried:
// decoding a row against the wrong schema is worse than stopping.
var ErrSchemaViolation = errors.New("schema violation")

// UnknownTableError reports a row event that arrived before any field event
// described its table on that shard.
type UnknownTableError struct {
	Keyspace string
	Shard    string
	Table    string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("no schema cached for table %q on keyspace %q shard %q: row event arrived before its field event",
		e.Table, e.Keyspace, e.Shard)
}

func (e *UnknownTableError) Unwrap() error {
	return ErrSchemaViolation
}

// ColumnCountError reports a row whose value count does not match the schema
// currently cached for its table and shard. It names every known column so
// the diagnostic stands on its own.
type ColumnCountError struct {
	Keyspace string
	Shard    string
	Table    string
	Want     int
	Got      int
	Columns  []string
}

func (e *ColumnCountError) Error() string {
	return fmt.Sprintf("table %q on keyspace %q shard %q: row has %d values but schema has %d columns [%s]",
		e.Table, e.Keyspace, e.Shard, e.Got, e.Want, strings.Join(e.Columns, ", "))
}

func (e *ColumnCountError) Unwrap() error {
	return ErrSchemaViolation
}
