package replication

import (
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultRetryCeiling bounds how many times a single classifier instance
// will report a transport failure as retriable.
const DefaultRetryCeiling = 100

// Classifier decides whether a transport failure is worth retrying. It is a
// hard circuit breaker independent of wall-clock time: once an instance has
// classified the retriable error class DefaultRetryCeiling times, the same
// class is reported non-retriable. State is process-local and resets only
// with a new instance.
type Classifier struct {
	log        *zap.Logger
	ceiling    int
	classified int
}

// NewClassifier returns a classifier with the default ceiling.
func NewClassifier(log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{log: log, ceiling: DefaultRetryCeiling}
}

// Retriable reports whether err is a transient transport failure that the
// session should retry.
func (c *Classifier) Retriable(err error) bool {
	if !isConnectionRefused(err) {
		return false
	}
	if c.classified >= c.ceiling {
		c.log.Warn("retry ceiling reached, reporting transport failure as non-retriable",
			zap.Int("ceiling", c.ceiling),
			zap.Error(err))
		return false
	}
	c.classified++
	return true
}

// isConnectionRefused matches the UNAVAILABLE status gRPC produces while the
// endpoint actively refuses connections.
func isConnectionRefused(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	return s.Code() == codes.Unavailable &&
		strings.Contains(strings.ToLower(s.Message()), "connection refused")
}

// isBenignEOF matches the stream termination vtgate produces when it closes
// an exhausted initial snapshot: an UNKNOWN status whose description carries
// the server EOF marker.
func isBenignEOF(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	return s.Code() == codes.Unknown && strings.Contains(s.Message(), "unexpected server EOF")
}
