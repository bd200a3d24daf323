package replication

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	binlogdatapb "vitess.io/vitess/go/vt/proto/binlogdata"

	"github.com/vinted/vstream-cdc/internal/schema"
	"github.com/vinted/vstream-cdc/pkg/connector"
	"github.com/vinted/vstream-cdc/pkg/vgtid"
)

// Decoder turns raw vstream events into logical replication messages. One
// decoder serves one stream; it is not safe for concurrent use.
type Decoder struct {
	registry *schema.Registry
	log      *zap.Logger

	// Transaction id recorded at BEGIN and surfaced again at COMMIT.
	lastTransactionID string
}

// NewDecoder returns a decoder backed by the given schema registry.
func NewDecoder(registry *schema.Registry, log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{registry: registry, log: log}
}

// ProcessEvent decodes one event and feeds the resulting messages to process.
// position is the vgtid snapshot of the enclosing response (nil when the
// response carried none); lastRowOfTransaction is computed by the caller from
// the response's row-event count and passed through unchanged.
func (d *Decoder) ProcessEvent(ev *binlogdatapb.VEvent, process MessageProcessor, position *vgtid.Vgtid, lastRowOfTransaction bool) error {
	switch ev.Type {
	case binlogdatapb.VEventType_VGTID:
		// Position snapshots are tracked by the stream loop, not surfaced
		// as messages.
		return nil

	case binlogdatapb.VEventType_FIELD:
		d.registry.ApplyFieldEvent(ev.FieldEvent)
		return nil

	case binlogdatapb.VEventType_BEGIN:
		if !positionConfirmed(position) {
			// A BEGIN without a confirmed position would carry a transaction
			// id that no durable offset can ever be correlated with.
			d.log.Debug("suppressing BEGIN without confirmed position")
			return nil
		}
		d.lastTransactionID = position.String()
		return process(connector.Message{
			Operation:     connector.OpBegin,
			TransactionID: d.lastTransactionID,
			Timestamp:     eventTime(ev),
		}, position, lastRowOfTransaction)

	case binlogdatapb.VEventType_COMMIT:
		if !positionConfirmed(position) {
			d.log.Debug("suppressing COMMIT without confirmed position")
			return nil
		}
		return process(connector.Message{
			Operation:     connector.OpCommit,
			TransactionID: d.lastTransactionID,
			Timestamp:     eventTime(ev),
		}, position, lastRowOfTransaction)

	case binlogdatapb.VEventType_ROW:
		return d.processRowEvent(ev, process, position, lastRowOfTransaction)

	case binlogdatapb.VEventType_DDL:
		// DDL text is opaque here; schema changes only take effect through
		// subsequent field events.
		return process(connector.Message{
			Operation: connector.OpDDL,
			DDL:       ev.Statement,
			Timestamp: eventTime(ev),
		}, position, lastRowOfTransaction)

	default:
		// Heartbeats, version markers and the like still reach the consumer
		// so its offset tracking can progress.
		return process(connector.Message{
			Operation: connector.OpOther,
			Timestamp: eventTime(ev),
		}, position, lastRowOfTransaction)
	}
}

func (d *Decoder) processRowEvent(ev *binlogdatapb.VEvent, process MessageProcessor, position *vgtid.Vgtid, lastRowOfTransaction bool) error {
	rowEvent := ev.RowEvent
	if rowEvent == nil {
		return fmt.Errorf("ROW event without row payload")
	}
	id := schema.TableIDFor(rowEvent.Shard, rowEvent.Keyspace, rowEvent.TableName)

	for _, change := range rowEvent.RowChanges {
		msg := connector.Message{
			Keyspace:  id.Keyspace,
			Shard:     id.Shard,
			Table:     id.Table,
			Timestamp: eventTime(ev),
		}

		if change.Before != nil {
			tuple, err := d.registry.DecodeRow(id, change.Before)
			if err != nil {
				return err
			}
			msg.Before = tuple
		}
		if change.After != nil {
			tuple, err := d.registry.DecodeRow(id, change.After)
			if err != nil {
				return err
			}
			msg.After = tuple
		}

		switch {
		case change.Before == nil && change.After != nil:
			msg.Operation = connector.OpInsert
		case change.Before != nil && change.After == nil:
			msg.Operation = connector.OpDelete
		case change.Before != nil && change.After != nil:
			msg.Operation = connector.OpUpdate
		default:
			return fmt.Errorf("row change for table %q has neither before nor after image", id.Table)
		}

		if err := process(msg, position, lastRowOfTransaction); err != nil {
			return err
		}
	}
	return nil
}

func positionConfirmed(position *vgtid.Vgtid) bool {
	return position != nil && position.IsResolved()
}

func eventTime(ev *binlogdatapb.VEvent) time.Time {
	if ev.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(ev.Timestamp, 0).UTC()
}
