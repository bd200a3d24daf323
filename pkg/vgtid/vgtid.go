// Package vgtid models the multi-shard replication position of a Vitess
// keyspace. A Vgtid is a set of per-shard GTID coordinates; vtgate emits a
// complete snapshot of all shard positions per VGTID event, so positions are
// replaced wholesale rather than merged.
package vgtid

import (
	"encoding/json"
	"fmt"
	"sort"

	binlogdatapb "vitess.io/vitess/go/vt/proto/binlogdata"
)

// CurrentGtid is the sentinel position meaning "the current tail of the shard,
// not yet resolved to a concrete GTID set".
const CurrentGtid = "current"

// ShardGtid is the replication coordinate of a single shard.
type ShardGtid struct {
	Keyspace string `json:"keyspace"`
	Shard    string `json:"shard"`
	Gtid     string `json:"gtid"`
}

// Vgtid is an immutable multi-shard replication position. At most one entry
// exists per (keyspace, shard) pair.
type Vgtid struct {
	shardGtids []ShardGtid
}

// MalformedPositionError reports a position that cannot be constructed.
type MalformedPositionError struct {
	Reason   string
	Keyspace string
	Shard    string
}

func (e *MalformedPositionError) Error() string {
	if e.Keyspace != "" || e.Shard != "" {
		return fmt.Sprintf("malformed vgtid: %s (keyspace %q shard %q)", e.Reason, e.Keyspace, e.Shard)
	}
	return fmt.Sprintf("malformed vgtid: %s", e.Reason)
}

// FromProto builds a Vgtid from a raw vtgate VGTID snapshot.
func FromProto(raw *binlogdatapb.VGtid) (*Vgtid, error) {
	if raw == nil {
		return nil, &MalformedPositionError{Reason: "nil vgtid"}
	}
	entries := make([]ShardGtid, 0, len(raw.ShardGtids))
	for _, sg := range raw.ShardGtids {
		entries = append(entries, ShardGtid{Keyspace: sg.Keyspace, Shard: sg.Shard, Gtid: sg.Gtid})
	}
	return FromShardGtids(entries...)
}

// FromShardGtids builds a Vgtid from per-shard entries, rejecting duplicate
// (keyspace, shard) pairs.
func FromShardGtids(entries ...ShardGtid) (*Vgtid, error) {
	type pair struct{ keyspace, shard string }
	seen := make(map[pair]struct{}, len(entries))
	sorted := make([]ShardGtid, len(entries))
	copy(sorted, entries)
	for _, sg := range sorted {
		key := pair{sg.Keyspace, sg.Shard}
		if _, ok := seen[key]; ok {
			return nil, &MalformedPositionError{
				Reason:   "duplicate shard gtid",
				Keyspace: sg.Keyspace,
				Shard:    sg.Shard,
			}
		}
		seen[key] = struct{}{}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Keyspace != sorted[j].Keyspace {
			return sorted[i].Keyspace < sorted[j].Keyspace
		}
		return sorted[i].Shard < sorted[j].Shard
	})
	return &Vgtid{shardGtids: sorted}, nil
}

// Parse decodes the canonical form produced by String.
func Parse(s string) (*Vgtid, error) {
	var entries []ShardGtid
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return nil, &MalformedPositionError{Reason: fmt.Sprintf("parse %q: %v", s, err)}
	}
	if len(entries) == 0 {
		return nil, &MalformedPositionError{Reason: "no shard gtids"}
	}
	return FromShardGtids(entries...)
}

// Default returns the position to stream from when no prior offset exists.
// With an empty shard it requests the current tail of every shard in the
// keyspace; with a named shard it requests the given gtid (or the current
// tail when gtid is empty) of that shard only.
func Default(keyspace, shard, gtid string) *Vgtid {
	if shard == "" {
		return &Vgtid{shardGtids: []ShardGtid{{Keyspace: keyspace, Gtid: CurrentGtid}}}
	}
	if gtid == "" {
		gtid = CurrentGtid
	}
	return &Vgtid{shardGtids: []ShardGtid{{Keyspace: keyspace, Shard: shard, Gtid: gtid}}}
}

// ShardGtids returns a copy of the per-shard entries in canonical order.
func (v *Vgtid) ShardGtids() []ShardGtid {
	out := make([]ShardGtid, len(v.shardGtids))
	copy(out, v.shardGtids)
	return out
}

// IsResolved reports whether every shard holds a concrete gtid rather than
// the "current" sentinel.
func (v *Vgtid) IsResolved() bool {
	for _, sg := range v.shardGtids {
		if sg.Gtid == CurrentGtid {
			return false
		}
	}
	return true
}

// Equal reports structural equality.
func (v *Vgtid) Equal(other *Vgtid) bool {
	if v == nil || other == nil {
		return v == other
	}
	if len(v.shardGtids) != len(other.shardGtids) {
		return false
	}
	for i, sg := range v.shardGtids {
		if sg != other.shardGtids[i] {
			return false
		}
	}
	return true
}

// String returns the canonical serialization: a JSON array of shard gtids in
// (keyspace, shard) order. It is stable across processes and doubles as the
// transaction id on BEGIN/COMMIT messages and as the persisted offset.
func (v *Vgtid) String() string {
	buf, err := json.Marshal(v.shardGtids)
	if err != nil {
		// shardGtids is a slice of plain strings; Marshal cannot fail.
		panic(fmt.Sprintf("marshal vgtid: %v", err))
	}
	return string(buf)
}

// Proto converts the position back to its wire form for a VStream request.
func (v *Vgtid) Proto() *binlogdatapb.VGtid {
	raw := &binlogdatapb.VGtid{ShardGtids: make([]*binlogdatapb.ShardGtid, 0, len(v.shardGtids))}
	for _, sg := range v.shardGtids {
		raw.ShardGtids = append(raw.ShardGtids, &binlogdatapb.ShardGtid{
			Keyspace: sg.Keyspace,
			Shard:    sg.Shard,
			Gtid:     sg.Gtid,
		})
	}
	return raw
}
