package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinted/vstream-cdc/pkg/connector"
)

const testVgtid = `[{"keyspace":"commerce","shard":"-80","gtid":"MySQL56/abc:1-20"}]`

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "offsets.db")
	store, err := NewSQLiteStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	put := connector.Checkpoint{
		Vgtid:     testVgtid,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Metadata:  map[string]string{"tables": "customer"},
	}
	if err := store.Put(ctx, "orders-flow", put); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "orders-flow")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Vgtid != put.Vgtid {
		t.Fatalf("vgtid = %q, want %q", got.Vgtid, put.Vgtid)
	}
	if !got.Timestamp.Equal(put.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, put.Timestamp)
	}
	if got.Metadata["tables"] != "customer" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
}

func TestSQLiteStoreUpsertReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := connector.Checkpoint{Vgtid: testVgtid}
	if err := store.Put(ctx, "orders-flow", first); err != nil {
		t.Fatalf("Put first: %v", err)
	}

	advanced := `[{"keyspace":"commerce","shard":"-80","gtid":"MySQL56/abc:1-40"}]`
	if err := store.Put(ctx, "orders-flow", connector.Checkpoint{Vgtid: advanced}); err != nil {
		t.Fatalf("Put second: %v", err)
	}

	got, err := store.Get(ctx, "orders-flow")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Vgtid != advanced {
		t.Fatalf("vgtid = %q, want %q", got.Vgtid, advanced)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List returned %d rows, want 1", len(list))
	}
}

func TestSQLiteStoreMissingFlow(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "no-such-flow")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreRejectsMalformedVgtid(t *testing.T) {
	store := newTestStore(t)

	err := store.Put(context.Background(), "orders-flow", connector.Checkpoint{Vgtid: "not-json"})
	if err == nil {
		t.Fatal("Put accepted a malformed vgtid")
	}
}
