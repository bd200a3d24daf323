// Package schema caches table schemas per (shard, keyspace, table). Vitess
// performs migrations shard by shard, so the same logical table can carry two
// different schemas on two shards at the same time; a global cache would fail
// whole-cluster decoding mid-migration.
package schema

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"vitess.io/vitess/go/sqltypes"
	binlogdatapb "vitess.io/vitess/go/vt/proto/binlogdata"
	querypb "vitess.io/vitess/go/vt/proto/query"

	"github.com/vinted/vstream-cdc/pkg/connector"
)

// TableID identifies a table on one shard.
type TableID struct {
	Shard    string
	Keyspace string
	Table    string
}

// Column defines a schema field.
type Column struct {
	Name    string
	Type    string
	Ordinal int
}

// Table is an immutable schema snapshot for one TableID. Snapshots are
// replaced wholesale on every field event, never mutated in place.
type Table struct {
	ID      TableID
	Columns []Column

	fields []*querypb.Field
}

// Registry maps TableIDs to their current schema snapshot.
type Registry struct {
	log *zap.Logger

	mu     sync.RWMutex
	tables map[TableID]*Table
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:    log,
		tables: make(map[TableID]*Table),
	}
}

// ApplyFieldEvent installs or replaces the schema snapshot for the event's
// exact (shard, keyspace, table) key. Re-applying an identical field event is
// a no-op in effect. Entries are never deleted during a session.
func (r *Registry) ApplyFieldEvent(ev *binlogdatapb.FieldEvent) {
	id := TableIDFor(ev.Shard, ev.Keyspace, ev.TableName)

	columns := make([]Column, 0, len(ev.Fields))
	for i, field := range ev.Fields {
		columns = append(columns, Column{
			Name:    field.Name,
			Type:    field.Type.String(),
			Ordinal: i,
		})
	}
	table := &Table{ID: id, Columns: columns, fields: ev.Fields}

	r.mu.Lock()
	prev := r.tables[id]
	r.tables[id] = table
	r.mu.Unlock()

	if prev == nil {
		r.log.Info("cached table schema",
			zap.String("keyspace", id.Keyspace),
			zap.String("shard", id.Shard),
			zap.String("table", id.Table),
			zap.Int("columns", len(columns)))
		return
	}
	if plan := Diff(prev, table); plan.HasChanges() {
		r.log.Info("replaced table schema",
			zap.String("keyspace", id.Keyspace),
			zap.String("shard", id.Shard),
			zap.String("table", id.Table),
			zap.Strings("changes", plan.Describe()))
	}
}

// Lookup returns the current snapshot for id.
func (r *Registry) Lookup(id TableID) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.tables[id]
	return table, ok
}

// DecodeRow zips a raw row positionally with the schema cached for id.
//
// A missing schema means the upstream gateway delivered a row event before
// any field event for that shard and table; that protocol violation is
// surfaced, never skipped. A value-count mismatch reports every column
// currently known for the table.
func (r *Registry) DecodeRow(id TableID, row *querypb.Row) (connector.Tuple, error) {
	table, ok := r.Lookup(id)
	if !ok {
		return nil, &connector.UnknownTableError{Keyspace: id.Keyspace, Shard: id.Shard, Table: id.Table}
	}

	if len(row.Lengths) != len(table.fields) {
		names := make([]string, len(table.Columns))
		for i, col := range table.Columns {
			names[i] = col.Name
		}
		return nil, &connector.ColumnCountError{
			Keyspace: id.Keyspace,
			Shard:    id.Shard,
			Table:    id.Table,
			Want:     len(table.fields),
			Got:      len(row.Lengths),
			Columns:  names,
		}
	}

	values := sqltypes.MakeRowTrusted(table.fields, row)
	tuple := make(connector.Tuple, len(values))
	for i, value := range values {
		tuple[i] = connector.ColumnValue{Name: table.Columns[i].Name, Value: value}
	}
	return tuple, nil
}

// TableIDFor builds a TableID from vstream event fields, stripping any
// leading "keyspace." qualifier from the table name.
func TableIDFor(shard, keyspace, table string) TableID {
	if idx := strings.LastIndex(table, "."); idx >= 0 {
		table = table[idx+1:]
	}
	return TableID{Shard: shard, Keyspace: keyspace, Table: table}
}
