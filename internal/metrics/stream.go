// Package metrics defines Prometheus metrics for the replication stream.
// They live in a standalone package to avoid import cycles between the
// replication and app packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	VgtidResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vstream_vgtid_resets_total",
		Help: "Times the stream fell back to the current vgtid after failing to make progress",
	}, []string{"keyspace"})

	MessagesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vstream_messages_delivered_total",
		Help: "Decoded messages delivered to the consumer by operation",
	}, []string{"keyspace", "operation"})

	CheckpointWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vstream_checkpoint_writes_total",
		Help: "Checkpoints persisted to the offset store",
	}, []string{"flow"})
)

// Register registers the stream metrics on the given registry (or the default
// if nil). Re-registration is tolerated so tests can share a registry.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		VgtidResets,
		MessagesDelivered,
		CheckpointWrites,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// KeyspaceMetrics binds the stream counters to one keyspace. It satisfies
// the replication package's ResetMetric.
type KeyspaceMetrics struct {
	keyspace string
}

func ForKeyspace(keyspace string) *KeyspaceMetrics {
	return &KeyspaceMetrics{keyspace: keyspace}
}

func (m *KeyspaceMetrics) IncVgtidReset() {
	VgtidResets.WithLabelValues(m.keyspace).Inc()
}

func (m *KeyspaceMetrics) IncMessage(operation string) {
	MessagesDelivered.WithLabelValues(m.keyspace, operation).Inc()
}
