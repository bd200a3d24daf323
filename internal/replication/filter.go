package replication

import (
	"strings"

	binlogdatapb "vitess.io/vitess/go/vt/proto/binlogdata"
)

// BuildFilter renders the effective table filter, include minus exclude, as
// vstream rules. A nil result requests an unfiltered stream. Filtering
// server-side keeps tables with no field-event decoration (gh-ost shadow
// tables and the like) out of the stream entirely.
func BuildFilter(include, exclude []string) *binlogdatapb.Filter {
	excluded := make(map[string]struct{}, len(exclude))
	for _, table := range exclude {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		excluded[table] = struct{}{}
	}

	var rules []*binlogdatapb.Rule
	seen := make(map[string]struct{})
	for _, table := range include {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		if _, ok := excluded[table]; ok {
			continue
		}
		// Include entries may be qualified as "keyspace.table"; vstream rules
		// match bare table names.
		if idx := strings.LastIndex(table, "."); idx >= 0 {
			table = table[idx+1:]
		}
		if _, ok := seen[table]; ok {
			continue
		}
		seen[table] = struct{}{}
		rules = append(rules, &binlogdatapb.Rule{
			Match:  table,
			Filter: "select * from " + table,
		})
	}

	if len(rules) == 0 {
		return nil
	}
	return &binlogdatapb.Filter{Rules: rules}
}
