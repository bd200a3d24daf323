// Package replication streams change events from vtgate over the VStream
// gRPC API, decodes them into logical replication messages, and keeps the
// stream resumable across benign disconnects.
package replication

import (
	"sync/atomic"

	"github.com/vinted/vstream-cdc/pkg/connector"
	"github.com/vinted/vstream-cdc/pkg/vgtid"
)

// MessageProcessor consumes decoded replication messages. It is invoked once
// per row for row events and at most once otherwise, always on the stream's
// own goroutine and in event order. A processor error tears the session down;
// it is propagated unchanged rather than swallowed.
type MessageProcessor func(msg connector.Message, position *vgtid.Vgtid, lastRowOfTransaction bool) error

// ResetMetric counts position resets. Incremented exactly when the EOF reset
// fallback abandons an expired position for a fresh one.
type ResetMetric interface {
	IncVgtidReset()
}

// ErrorSink holds the first fatal error of a streaming session. Later
// publications are dropped.
type ErrorSink struct {
	err atomic.Pointer[error]
}

// Publish stores err if the sink is still empty and reports whether it won.
func (s *ErrorSink) Publish(err error) bool {
	if err == nil {
		return false
	}
	return s.err.CompareAndSwap(nil, &err)
}

// Err returns the published error, or nil.
func (s *ErrorSink) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}
