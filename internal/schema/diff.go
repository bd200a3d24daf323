package schema

import (
	"fmt"
	"strings"
)

// ChangeType describes the type of schema evolution observed between two
// snapshots of the same table.
type ChangeType string

const (
	ChangeAddColumn   ChangeType = "add_column"
	ChangeDropColumn  ChangeType = "drop_column"
	ChangeAlterColumn ChangeType = "alter_column"
)

// Change captures one observed schema change.
type Change struct {
	Type     ChangeType
	Column   string
	FromType string
	ToType   string
}

// Plan groups the changes between two snapshots.
type Plan struct {
	Changes []Change
}

// Diff compares two snapshots of the same table and returns the observed
// changes. Used to log what a field event actually replaced.
func Diff(oldTable, newTable *Table) Plan {
	changes := make([]Change, 0)

	oldColumns := make(map[string]Column)
	for _, col := range oldTable.Columns {
		name := strings.ToLower(strings.TrimSpace(col.Name))
		if name == "" {
			continue
		}
		oldColumns[name] = col
	}
	newColumns := make(map[string]Column)
	for _, col := range newTable.Columns {
		name := strings.ToLower(strings.TrimSpace(col.Name))
		if name == "" {
			continue
		}
		newColumns[name] = col
	}

	for _, newCol := range newTable.Columns {
		name := strings.ToLower(strings.TrimSpace(newCol.Name))
		if name == "" {
			continue
		}
		oldCol, ok := oldColumns[name]
		if !ok {
			changes = append(changes, Change{
				Type:   ChangeAddColumn,
				Column: newCol.Name,
				ToType: newCol.Type,
			})
			continue
		}
		if oldCol.Type != newCol.Type {
			changes = append(changes, Change{
				Type:     ChangeAlterColumn,
				Column:   newCol.Name,
				FromType: oldCol.Type,
				ToType:   newCol.Type,
			})
		}
	}

	for _, oldCol := range oldTable.Columns {
		name := strings.ToLower(strings.TrimSpace(oldCol.Name))
		if name == "" {
			continue
		}
		if _, ok := newColumns[name]; !ok {
			changes = append(changes, Change{
				Type:   ChangeDropColumn,
				Column: oldCol.Name,
			})
		}
	}

	return Plan{Changes: changes}
}

// HasChanges returns true when the plan includes at least one change.
func (p Plan) HasChanges() bool {
	return len(p.Changes) > 0
}

// Describe renders the plan as one string per change, for logging.
func (p Plan) Describe() []string {
	out := make([]string, 0, len(p.Changes))
	for _, change := range p.Changes {
		switch change.Type {
		case ChangeAlterColumn:
			out = append(out, fmt.Sprintf("%s %s %s->%s", change.Type, change.Column, change.FromType, change.ToType))
		default:
			out = append(out, fmt.Sprintf("%s %s", change.Type, change.Column))
		}
	}
	return out
}
