package vgtid

import (
	"errors"
	"testing"

	binlogdatapb "vitess.io/vitess/go/vt/proto/binlogdata"
)

func TestFromProto_RejectsDuplicateShard(t *testing.T) {
	raw := &binlogdatapb.VGtid{ShardGtids: []*binlogdatapb.ShardGtid{
		{Keyspace: "commerce", Shard: "-80", Gtid: "MySQL56/abc:1-10"},
		{Keyspace: "commerce", Shard: "-80", Gtid: "MySQL56/abc:1-12"},
	}}

	_, err := FromProto(raw)
	if err == nil {
		t.Fatal("expected error for duplicate (keyspace, shard)")
	}
	var malformed *MalformedPositionError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedPositionError, got %T: %v", err, err)
	}
	if malformed.Keyspace != "commerce" || malformed.Shard != "-80" {
		t.Fatalf("error should name the duplicate pair, got %+v", malformed)
	}
}

func TestString_IsCanonical(t *testing.T) {
	a, err := FromShardGtids(
		ShardGtid{Keyspace: "commerce", Shard: "80-", Gtid: "MySQL56/abc:1-5"},
		ShardGtid{Keyspace: "commerce", Shard: "-80", Gtid: "MySQL56/def:1-9"},
	)
	if err != nil {
		t.Fatalf("build vgtid: %v", err)
	}
	b, err := FromShardGtids(
		ShardGtid{Keyspace: "commerce", Shard: "-80", Gtid: "MySQL56/def:1-9"},
		ShardGtid{Keyspace: "commerce", Shard: "80-", Gtid: "MySQL56/abc:1-5"},
	)
	if err != nil {
		t.Fatalf("build vgtid: %v", err)
	}

	if a.String() != b.String() {
		t.Fatalf("canonical strings differ for equal positions:\n%s\n%s", a, b)
	}
	want := `[{"keyspace":"commerce","shard":"-80","gtid":"MySQL56/def:1-9"},{"keyspace":"commerce","shard":"80-","gtid":"MySQL56/abc:1-5"}]`
	if a.String() != want {
		t.Fatalf("canonical string = %s, want %s", a, want)
	}
	if !a.Equal(b) {
		t.Fatal("entry order must not affect equality")
	}
}

func TestParse_RoundTrips(t *testing.T) {
	orig, err := FromShardGtids(
		ShardGtid{Keyspace: "commerce", Shard: "-80", Gtid: "MySQL56/def:1-9"},
		ShardGtid{Keyspace: "commerce", Shard: "80-", Gtid: "MySQL56/abc:1-5"},
	)
	if err != nil {
		t.Fatalf("build vgtid: %v", err)
	}

	parsed, err := Parse(orig.String())
	if err != nil {
		t.Fatalf("parse canonical form: %v", err)
	}
	if !parsed.Equal(orig) {
		t.Fatalf("round trip mismatch: %s vs %s", parsed, orig)
	}

	if _, err := Parse("not json"); err == nil {
		t.Fatal("expected parse error for junk input")
	}
}

func TestIsResolved(t *testing.T) {
	unresolved := Default("commerce", "", "")
	if unresolved.IsResolved() {
		t.Fatal("keyspace-wide default must be unresolved")
	}

	resolved, err := FromShardGtids(ShardGtid{Keyspace: "commerce", Shard: "0", Gtid: "MySQL56/abc:1-5"})
	if err != nil {
		t.Fatalf("build vgtid: %v", err)
	}
	if !resolved.IsResolved() {
		t.Fatal("concrete gtid must be resolved")
	}
}

func TestDefault(t *testing.T) {
	all := Default("commerce", "", "")
	entries := all.ShardGtids()
	if len(entries) != 1 || entries[0].Shard != "" || entries[0].Gtid != CurrentGtid {
		t.Fatalf("keyspace-wide default wrong: %+v", entries)
	}

	one := Default("commerce", "-80", "MySQL56/abc:1-5")
	entries = one.ShardGtids()
	if len(entries) != 1 || entries[0].Shard != "-80" || entries[0].Gtid != "MySQL56/abc:1-5" {
		t.Fatalf("single-shard default wrong: %+v", entries)
	}

	current := Default("commerce", "-80", "")
	if current.ShardGtids()[0].Gtid != CurrentGtid {
		t.Fatalf("empty gtid should default to %q", CurrentGtid)
	}
}

func TestProto_RoundTrips(t *testing.T) {
	orig, err := FromShardGtids(ShardGtid{Keyspace: "commerce", Shard: "-80", Gtid: "MySQL56/abc:1-5"})
	if err != nil {
		t.Fatalf("build vgtid: %v", err)
	}
	back, err := FromProto(orig.Proto())
	if err != nil {
		t.Fatalf("from proto: %v", err)
	}
	if !back.Equal(orig) {
		t.Fatalf("proto round trip mismatch: %s vs %s", back, orig)
	}
}
