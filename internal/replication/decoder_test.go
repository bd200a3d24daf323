package replication

import (
	"errors"
	"testing"

	binlogdatapb "vitess.io/vitess/go/vt/proto/binlogdata"
	querypb "vitess.io/vitess/go/vt/proto/query"

	"github.com/vinted/vstream-cdc/internal/schema"
	"github.com/vinted/vstream-cdc/pkg/connector"
	"github.com/vinted/vstream-cdc/pkg/vgtid"
)

const testKeyspace = "commerce"

func mustVgtid(t *testing.T, entries ...vgtid.ShardGtid) *vgtid.Vgtid {
	t.Helper()
	position, err := vgtid.FromShardGtids(entries...)
	if err != nil {
		t.Fatalf("build vgtid: %v", err)
	}
	return position
}

func resolvedPosition(t *testing.T) *vgtid.Vgtid {
	return mustVgtid(t, vgtid.ShardGtid{Keyspace: testKeyspace, Shard: "-80", Gtid: "MySQL56/abc:1-10"})
}

func varcharField(name string) *querypb.Field {
	return &querypb.Field{Name: name, Type: querypb.Type_VARCHAR}
}

func fieldEv(shard, table string, columns ...string) *binlogdatapb.VEvent {
	fields := make([]*querypb.Field, 0, len(columns))
	for _, name := range columns {
		fields = append(fields, varcharField(name))
	}
	return &binlogdatapb.VEvent{
		Type: binlogdatapb.VEventType_FIELD,
		FieldEvent: &binlogdatapb.FieldEvent{
			TableName: testKeyspace + "." + table,
			Keyspace:  testKeyspace,
			Shard:     shard,
			Fields:    fields,
		},
	}
}

func rawRow(values ...string) *querypb.Row {
	row := &querypb.Row{}
	var data []byte
	for _, value := range values {
		row.Lengths = append(row.Lengths, int64(len(value)))
		data = append(data, value...)
	}
	row.Values = data
	return row
}

func rowEv(shard, table string, changes ...*binlogdatapb.RowChange) *binlogdatapb.VEvent {
	return &binlogdatapb.VEvent{
		Type: binlogdatapb.VEventType_ROW,
		RowEvent: &binlogdatapb.RowEvent{
			TableName:  testKeyspace + "." + table,
			Keyspace:   testKeyspace,
			Shard:      shard,
			RowChanges: changes,
		},
	}
}

func typedEv(eventType binlogdatapb.VEventType) *binlogdatapb.VEvent {
	return &binlogdatapb.VEvent{Type: eventType}
}

type collected struct {
	msg     connector.Message
	lastRow bool
}

func collector(sink *[]collected) MessageProcessor {
	return func(msg connector.Message, _ *vgtid.Vgtid, lastRow bool) error {
		*sink = append(*sink, collected{msg: msg, lastRow: lastRow})
		return nil
	}
}

func newTestDecoder() *Decoder {
	return NewDecoder(schema.NewRegistry(nil), nil)
}

func TestProcessEvent_InsertDecodesAgainstShardSchema(t *testing.T) {
	decoder := newTestDecoder()
	position := resolvedPosition(t)
	var got []collected

	if err := decoder.ProcessEvent(fieldEv("-80", "customer", "a", "b"), collector(&got), position, false); err != nil {
		t.Fatalf("field event: %v", err)
	}
	event := rowEv("-80", "customer", &binlogdatapb.RowChange{After: rawRow("1", "2")})
	if err := decoder.ProcessEvent(event, collector(&got), position, true); err != nil {
		t.Fatalf("row event: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	msg := got[0].msg
	if msg.Operation != connector.OpInsert {
		t.Fatalf("operation = %s, want insert", msg.Operation)
	}
	if msg.Before != nil {
		t.Fatalf("insert must not carry a before image: %+v", msg.Before)
	}
	if len(msg.After) != 2 || msg.After[0].Name != "a" || msg.After[0].Value.ToString() != "1" ||
		msg.After[1].Name != "b" || msg.After[1].Value.ToString() != "2" {
		t.Fatalf("unexpected after tuple: %+v", msg.After)
	}
	if !got[0].lastRow {
		t.Fatal("lastRowOfTransaction flag must pass through unchanged")
	}
}

func TestProcessEvent_SchemaChangeOnOtherShardIsInvisible(t *testing.T) {
	decoder := newTestDecoder()
	position := resolvedPosition(t)
	var got []collected

	if err := decoder.ProcessEvent(fieldEv("-80", "customer", "a", "b"), collector(&got), position, false); err != nil {
		t.Fatalf("field event shard -80: %v", err)
	}
	// Shard 80- grows a third column mid-migration.
	if err := decoder.ProcessEvent(fieldEv("80-", "customer", "a", "b", "c"), collector(&got), position, false); err != nil {
		t.Fatalf("field event shard 80-: %v", err)
	}

	// Shard -80 still decodes two-column rows against its own schema.
	event := rowEv("-80", "customer", &binlogdatapb.RowChange{After: rawRow("3", "4")})
	if err := decoder.ProcessEvent(event, collector(&got), position, false); err != nil {
		t.Fatalf("row event on shard -80: %v", err)
	}
	if len(got) != 1 || len(got[0].msg.After) != 2 {
		t.Fatalf("expected one 2-column insert, got %+v", got)
	}
}

func TestProcessEvent_UpdateAndDeleteImages(t *testing.T) {
	decoder := newTestDecoder()
	position := resolvedPosition(t)
	var got []collected

	if err := decoder.ProcessEvent(fieldEv("-80", "customer", "a"), collector(&got), position, false); err != nil {
		t.Fatalf("field event: %v", err)
	}

	update := rowEv("-80", "customer", &binlogdatapb.RowChange{Before: rawRow("1"), After: rawRow("2")})
	if err := decoder.ProcessEvent(update, collector(&got), position, false); err != nil {
		t.Fatalf("update event: %v", err)
	}
	del := rowEv("-80", "customer", &binlogdatapb.RowChange{Before: rawRow("2")})
	if err := decoder.ProcessEvent(del, collector(&got), position, false); err != nil {
		t.Fatalf("delete event: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].msg.Operation != connector.OpUpdate || got[0].msg.Before == nil || got[0].msg.After == nil {
		t.Fatalf("unexpected update message: %+v", got[0].msg)
	}
	if got[1].msg.Operation != connector.OpDelete || got[1].msg.Before == nil || got[1].msg.After != nil {
		t.Fatalf("unexpected delete message: %+v", got[1].msg)
	}
}

func TestProcessEvent_RowBeforeFieldEventFails(t *testing.T) {
	decoder := newTestDecoder()
	var got []collected

	event := rowEv("-80", "customer", &binlogdatapb.RowChange{After: rawRow("1")})
	err := decoder.ProcessEvent(event, collector(&got), resolvedPosition(t), false)
	var unknown *connector.UnknownTableError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTableError, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("no message may be emitted for an undecodable row: %+v", got)
	}
}

func TestProcessEvent_BeginCommitGuardedByPosition(t *testing.T) {
	decoder := newTestDecoder()
	var got []collected

	// Nil and unresolved positions suppress the callback entirely.
	if err := decoder.ProcessEvent(typedEv(binlogdatapb.VEventType_BEGIN), collector(&got), nil, false); err != nil {
		t.Fatalf("begin without position: %v", err)
	}
	unresolved := vgtid.Default(testKeyspace, "", "")
	if err := decoder.ProcessEvent(typedEv(binlogdatapb.VEventType_COMMIT), collector(&got), unresolved, false); err != nil {
		t.Fatalf("commit with unresolved position: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected suppressed begin/commit, got %+v", got)
	}

	position := resolvedPosition(t)
	if err := decoder.ProcessEvent(typedEv(binlogdatapb.VEventType_BEGIN), collector(&got), position, false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := decoder.ProcessEvent(typedEv(binlogdatapb.VEventType_COMMIT), collector(&got), position, true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected begin and commit, got %+v", got)
	}
	if got[0].msg.Operation != connector.OpBegin || got[1].msg.Operation != connector.OpCommit {
		t.Fatalf("unexpected operations: %s, %s", got[0].msg.Operation, got[1].msg.Operation)
	}
	if got[0].msg.TransactionID != position.String() {
		t.Fatalf("begin txid = %q, want canonical position %q", got[0].msg.TransactionID, position)
	}
	if got[1].msg.TransactionID != got[0].msg.TransactionID {
		t.Fatal("commit must carry the txid recorded at begin")
	}
}

func TestProcessEvent_DDLAndOther(t *testing.T) {
	decoder := newTestDecoder()
	position := resolvedPosition(t)
	var got []collected

	ddl := &binlogdatapb.VEvent{Type: binlogdatapb.VEventType_DDL, Statement: "ALTER TABLE customer ADD phone varchar(32)"}
	if err := decoder.ProcessEvent(ddl, collector(&got), position, false); err != nil {
		t.Fatalf("ddl event: %v", err)
	}
	if err := decoder.ProcessEvent(typedEv(binlogdatapb.VEventType_HEARTBEAT), collector(&got), position, false); err != nil {
		t.Fatalf("heartbeat event: %v", err)
	}
	if err := decoder.ProcessEvent(typedEv(binlogdatapb.VEventType_VERSION), collector(&got), position, false); err != nil {
		t.Fatalf("version event: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].msg.Operation != connector.OpDDL || got[0].msg.DDL == "" {
		t.Fatalf("unexpected ddl message: %+v", got[0].msg)
	}
	if got[1].msg.Operation != connector.OpOther || got[2].msg.Operation != connector.OpOther {
		t.Fatalf("heartbeat/version must surface as other: %+v", got[1:])
	}
}

func TestProcessEvent_VgtidAndFieldEmitNothing(t *testing.T) {
	decoder := newTestDecoder()
	position := resolvedPosition(t)
	var got []collected

	vgtidEvent := &binlogdatapb.VEvent{Type: binlogdatapb.VEventType_VGTID, Vgtid: position.Proto()}
	if err := decoder.ProcessEvent(vgtidEvent, collector(&got), position, false); err != nil {
		t.Fatalf("vgtid event: %v", err)
	}
	if err := decoder.ProcessEvent(fieldEv("-80", "customer", "a"), collector(&got), position, false); err != nil {
		t.Fatalf("field event: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("vgtid/field events are not observable messages: %+v", got)
	}
}

func TestProcessEvent_ProcessorErrorPropagates(t *testing.T) {
	decoder := newTestDecoder()
	position := resolvedPosition(t)
	boom := errors.New("consumer queue full")

	failing := func(connector.Message, *vgtid.Vgtid, bool) error { return boom }
	err := decoder.ProcessEvent(typedEv(binlogdatapb.VEventType_BEGIN), failing, position, false)
	if !errors.Is(err, boom) {
		t.Fatalf("processor error must propagate unchanged, got %v", err)
	}
}
