// Package app wires the replication stream, checkpoint store, and
// observability together for the service binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	topodatapb "vitess.io/vitess/go/vt/proto/topodata"

	"github.com/vinted/vstream-cdc/internal/checkpoint"
	"github.com/vinted/vstream-cdc/internal/config"
	"github.com/vinted/vstream-cdc/internal/metrics"
	"github.com/vinted/vstream-cdc/internal/replication"
	"github.com/vinted/vstream-cdc/internal/telemetry"
	"github.com/vinted/vstream-cdc/pkg/connector"
	"github.com/vinted/vstream-cdc/pkg/vgtid"
)

const sinkPollInterval = 250 * time.Millisecond

// Run starts the stream and blocks until the context is cancelled or the
// stream fails fatally.
func Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	tracer := telemetry.Tracer(cfg.Telemetry.ServiceName)

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if cfg.Metrics.Listen != "" {
		go serveMetrics(cfg.Metrics.Listen, registry, log)
	}

	flowID := cfg.FlowID
	if flowID == "" {
		flowID = cfg.Stream.Keyspace
	}
	sessionID := uuid.NewString()
	log = log.With(zap.String("flow", flowID), zap.String("session", sessionID))

	checkpoints, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCheckpointStore(checkpoints)

	stream, err := buildStream(cfg, log)
	if err != nil {
		return err
	}

	start, err := resumePosition(ctx, checkpoints, flowID, stream)
	if err != nil {
		return err
	}
	log.Info("starting vstream", zap.String("position", start.String()))

	keyspaceMetrics := metrics.ForKeyspace(cfg.Stream.Keyspace)
	processor := buildProcessor(ctx, processorDeps{
		tracer:      tracer,
		log:         log,
		metrics:     keyspaceMetrics,
		checkpoints: checkpoints,
		flowID:      flowID,
		sessionID:   sessionID,
	})

	sink := &replication.ErrorSink{}
	if err := stream.Start(ctx, start, processor, sink); err != nil {
		return err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn("stream close", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(sinkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				log.Info("shutting down")
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := sink.Err(); err != nil {
				return err
			}
		}
	}
}

type processorDeps struct {
	tracer      trace.Tracer
	log         *zap.Logger
	metrics     *metrics.KeyspaceMetrics
	checkpoints connector.CheckpointStore
	flowID      string
	sessionID   string
}

func buildProcessor(ctx context.Context, deps processorDeps) replication.MessageProcessor {
	return func(msg connector.Message, position *vgtid.Vgtid, lastRowOfTransaction bool) error {
		deps.metrics.IncMessage(string(msg.Operation))

		persist := msg.Operation == connector.OpCommit || lastRowOfTransaction
		if !persist || deps.checkpoints == nil || position == nil {
			return nil
		}

		spanCtx, span := deps.tracer.Start(ctx, "checkpoint.persist")
		defer span.End()
		span.SetAttributes(
			attribute.String("flow", deps.flowID),
			attribute.String("operation", string(msg.Operation)),
		)

		err := deps.checkpoints.Put(spanCtx, deps.flowID, connector.Checkpoint{
			Vgtid:     position.String(),
			Timestamp: msg.Timestamp,
			Metadata:  map[string]string{"session": deps.sessionID},
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("persist checkpoint: %w", err)
		}
		metrics.CheckpointWrites.WithLabelValues(deps.flowID).Inc()
		deps.log.Debug("checkpoint persisted", zap.String("position", position.String()))
		return nil
	}
}

func buildStream(cfg *config.Config, log *zap.Logger) (*replication.VStream, error) {
	tabletType, err := parseTabletType(cfg.Vtgate.TabletType)
	if err != nil {
		return nil, err
	}

	opts := []replication.Option{
		replication.WithShard(cfg.Stream.Shard, cfg.Stream.Gtid),
		replication.WithTabletType(tabletType),
		replication.WithTableFilter(cfg.Stream.IncludeTables, cfg.Stream.ExcludeTables),
		replication.WithStopOnReshard(cfg.Stream.StopOnReshard),
		replication.WithRestartBudget(cfg.Stream.RestartBudget),
		replication.WithEOFReset(cfg.Stream.EOFReset),
		replication.WithLogger(log),
		replication.WithResetMetric(metrics.ForKeyspace(cfg.Stream.Keyspace)),
	}
	if cfg.Vtgate.MaxRecvMessageSize > 0 {
		opts = append(opts, replication.WithMaxRecvMessageSize(cfg.Vtgate.MaxRecvMessageSize))
	}
	if cfg.Vtgate.KeepaliveInterval > 0 {
		opts = append(opts, replication.WithKeepaliveInterval(cfg.Vtgate.KeepaliveInterval))
	}
	if cfg.Vtgate.Username != "" {
		opts = append(opts, replication.WithStaticAuth(cfg.Vtgate.Username, cfg.Vtgate.Password))
	}
	if len(cfg.Vtgate.Headers) > 0 {
		opts = append(opts, replication.WithGRPCHeaders(cfg.Vtgate.Headers))
	}

	return replication.NewVStream(cfg.Vtgate.Addr, cfg.Stream.Keyspace, opts...), nil
}

func openCheckpointStore(ctx context.Context, cfg *config.Config) (connector.CheckpointStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Checkpoints.Backend)) {
	case "none":
		return nil, nil
	case "postgres":
		return checkpoint.NewPostgresStore(ctx, cfg.Checkpoints.DSN)
	case "sqlite", "":
		dsn := cfg.Checkpoints.DSN
		if dsn == "" {
			dsn = cfg.Checkpoints.Path
		}
		return checkpoint.NewSQLiteStore(ctx, dsn)
	default:
		return nil, errors.New("unsupported checkpoint backend: " + cfg.Checkpoints.Backend)
	}
}

func closeCheckpointStore(store connector.CheckpointStore) {
	if closer, ok := store.(interface{ Close() error }); ok {
		_ = closer.Close()
		return
	}
	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	}
}

// resumePosition prefers a stored checkpoint over the configured shard and
// gtid. A missing checkpoint is the cold-start case, not an error.
func resumePosition(ctx context.Context, store connector.CheckpointStore, flowID string, stream *replication.VStream) (*vgtid.Vgtid, error) {
	if store == nil {
		return stream.DefaultPosition(), nil
	}
	cp, err := store.Get(ctx, flowID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return stream.DefaultPosition(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	pos, err := vgtid.Parse(cp.Vgtid)
	if err != nil {
		return nil, fmt.Errorf("stored checkpoint for flow %q: %w", flowID, err)
	}
	return pos, nil
}

func parseTabletType(name string) (topodatapb.TabletType, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return topodatapb.TabletType_PRIMARY, nil
	}
	if key == "MASTER" {
		key = "PRIMARY"
	}
	value, ok := topodatapb.TabletType_value[key]
	if !ok {
		return topodatapb.TabletType_UNKNOWN, fmt.Errorf("unknown tablet type %q", name)
	}
	return topodatapb.TabletType(value), nil
}

func newLogger(env string) (*zap.Logger, error) {
	if strings.ToLower(env) == "prod" {
		return zap.NewProduction()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func serveMetrics(listen string, registry *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Warn("metrics listener stopped", zap.Error(err))
	}
}
