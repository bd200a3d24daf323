package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	binlogdatapb "vitess.io/vitess/go/vt/proto/binlogdata"
	topodatapb "vitess.io/vitess/go/vt/proto/topodata"
	vtgatepb "vitess.io/vitess/go/vt/proto/vtgate"
	vtgateservicepb "vitess.io/vitess/go/vt/proto/vtgateservice"

	"github.com/vinted/vstream-cdc/internal/schema"
	"github.com/vinted/vstream-cdc/pkg/vgtid"
)

const (
	defaultRestartBudget      = 5
	defaultMaxRecvMessageSize = 64 * 1024 * 1024
	defaultKeepaliveInterval  = time.Minute
	defaultCloseTimeout       = 5 * time.Second
)

// VStream consumes the vtgate VStream gRPC API for one keyspace. One
// instance owns one logical stream; events are processed synchronously and in
// arrival order on a single goroutine, so a field event is always fully
// applied before any row event that depends on it is decoded.
type VStream struct {
	addr     string
	keyspace string
	shard    string
	gtid     string

	tabletType        topodatapb.TabletType
	includeTables     []string
	excludeTables     []string
	stopOnReshard     bool
	maxRecvMsgSize    int
	keepaliveInterval time.Duration
	closeTimeout      time.Duration
	username          string
	password          string
	grpcHeaders       map[string]string
	restartBudget     int
	eofResetEnabled   bool

	log         *zap.Logger
	resetMetric ResetMetric
	classifier  *Classifier
	registry    *schema.Registry
	decoder     *Decoder

	conn    atomic.Pointer[grpc.ClientConn]
	started atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// Option configures the stream.
type Option func(*VStream)

// WithShard restricts streaming to one named shard, optionally starting at a
// concrete gtid. The default streams every shard of the keyspace.
func WithShard(shard, gtid string) Option {
	return func(s *VStream) {
		s.shard = shard
		s.gtid = gtid
	}
}

func WithTabletType(tabletType topodatapb.TabletType) Option {
	return func(s *VStream) {
		s.tabletType = tabletType
	}
}

// WithTableFilter sets the include and exclude table lists. The effective
// server-side filter is include minus exclude; an empty difference requests
// an unfiltered stream.
func WithTableFilter(include, exclude []string) Option {
	return func(s *VStream) {
		s.includeTables = include
		s.excludeTables = exclude
	}
}

func WithStopOnReshard(enabled bool) Option {
	return func(s *VStream) {
		s.stopOnReshard = enabled
	}
}

func WithMaxRecvMessageSize(size int) Option {
	return func(s *VStream) {
		s.maxRecvMsgSize = size
	}
}

func WithKeepaliveInterval(interval time.Duration) Option {
	return func(s *VStream) {
		s.keepaliveInterval = interval
	}
}

// WithStaticAuth attaches vtgate static auth credentials to every call.
func WithStaticAuth(username, password string) Option {
	return func(s *VStream) {
		s.username = username
		s.password = password
	}
}

// WithGRPCHeaders attaches extra metadata to the streaming call.
func WithGRPCHeaders(headers map[string]string) Option {
	return func(s *VStream) {
		s.grpcHeaders = headers
	}
}

// WithRestartBudget overrides the per-session benign-EOF restart budget.
func WithRestartBudget(budget int) Option {
	return func(s *VStream) {
		s.restartBudget = budget
	}
}

// WithEOFReset enables the last-resort position reset once the restart
// budget is spent without progress.
func WithEOFReset(enabled bool) Option {
	return func(s *VStream) {
		s.eofResetEnabled = enabled
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *VStream) {
		s.log = log
	}
}

func WithResetMetric(metric ResetMetric) Option {
	return func(s *VStream) {
		s.resetMetric = metric
	}
}

// NewVStream returns a stream for the given vtgate address and keyspace.
func NewVStream(addr, keyspace string, opts ...Option) *VStream {
	s := &VStream{
		addr:              addr,
		keyspace:          keyspace,
		tabletType:        topodatapb.TabletType_PRIMARY,
		maxRecvMsgSize:    defaultMaxRecvMessageSize,
		keepaliveInterval: defaultKeepaliveInterval,
		closeTimeout:      defaultCloseTimeout,
		restartBudget:     defaultRestartBudget,
		log:               zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resetMetric == nil {
		s.resetMetric = nopResetMetric{}
	}
	s.classifier = NewClassifier(s.log)
	s.registry = schema.NewRegistry(s.log)
	s.decoder = NewDecoder(s.registry, s.log)
	return s
}

// DefaultPosition returns the position to stream from when no prior offset
// exists: the configured gtid of the named shard, or the current tail of
// every shard in the keyspace. It is also the reset target when resuming
// fails irrecoverably.
func (s *VStream) DefaultPosition() *vgtid.Vgtid {
	return vgtid.Default(s.keyspace, s.shard, s.gtid)
}

// Start opens the stream from the given position and consumes it on a
// background goroutine, feeding every decoded message to process. The first
// fatal error of the session is published to sink; Start itself fails only
// on invalid arguments or when called twice.
func (s *VStream) Start(ctx context.Context, start *vgtid.Vgtid, process MessageProcessor, sink *ErrorSink) error {
	if start == nil || len(start.ShardGtids()) == 0 {
		return &vgtid.MalformedPositionError{Reason: "start position is required"}
	}
	if process == nil {
		return fmt.Errorf("message processor is required")
	}
	if sink == nil {
		return fmt.Errorf("error sink is required")
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("vstream already started")
	}

	s.log.Info("starting vstream",
		zap.String("vtgate", s.addr),
		zap.String("keyspace", s.keyspace),
		zap.String("shard", s.shard),
		zap.String("position", start.String()),
		zap.Bool("eof_reset_enabled", s.eofResetEnabled))

	s.wg.Add(1)
	go s.run(ctx, start, process, sink)
	return nil
}

// Close tears the stream down. It is safe to call from a goroutine other
// than the one delivering events, and safe to call more than once. Closing
// the transport makes the in-flight receive fail, which the consume loop
// observes and exits on; Close waits briefly for that, then gives up with a
// warning.
func (s *VStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info("closing vstream connection")
	if conn := s.conn.Swap(nil); conn != nil {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("vstream shut down in time")
	case <-time.After(s.closeTimeout):
		s.log.Warn("vstream did not shut down in time, giving up waiting")
	}
	return nil
}

func (s *VStream) run(ctx context.Context, start *vgtid.Vgtid, process MessageProcessor, sink *ErrorSink) {
	defer s.wg.Done()

	policy := &restartPolicy{remaining: s.restartBudget, resetEnabled: s.eofResetEnabled}
	filter := BuildFilter(s.includeTables, s.excludeTables)
	current := start

	for {
		last, err := s.streamOnce(ctx, current, filter, process)
		if s.closed.Load() || ctx.Err() != nil {
			return
		}

		resume := last
		if resume == nil {
			resume = current
		}
		progressed := !resume.Equal(start)

		switch policy.next(isBenignEOF(err), progressed) {
		case actionResume:
			s.log.Warn("vstream closed with server EOF, reconnecting",
				zap.String("keyspace", s.keyspace),
				zap.Strings("tables", s.includeTables),
				zap.Int("restarts_left", policy.remaining),
				zap.String("position", resume.String()),
				zap.Error(err))
			current = resume

		case actionReset:
			fresh := s.DefaultPosition()
			s.log.Warn("vstream did not recover and made no progress; start position is probably expired, skipping to latest",
				zap.String("keyspace", s.keyspace),
				zap.Strings("tables", s.includeTables),
				zap.String("expired_position", start.String()),
				zap.String("reset_position", fresh.String()),
				zap.Error(err))
			s.resetMetric.IncVgtidReset()
			current = fresh

		case actionFail:
			if s.classifier.Retriable(err) {
				s.log.Warn("transient transport failure, reconnecting",
					zap.String("keyspace", s.keyspace),
					zap.String("position", resume.String()),
					zap.Error(err))
				current = resume
				continue
			}
			fatal := fmt.Errorf("vstream for keyspace %q tables %v failed, last position %s: %w",
				s.keyspace, s.includeTables, resume, err)
			s.log.Error("vstream failed", zap.Error(fatal))
			sink.Publish(fatal)
			return
		}
	}
}

// streamOnce opens one streaming call and consumes it until termination. It
// returns the last position snapshot observed, or nil if none arrived.
func (s *VStream) streamOnce(ctx context.Context, from *vgtid.Vgtid, filter *binlogdatapb.Filter, process MessageProcessor) (*vgtid.Vgtid, error) {
	conn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("dial vtgate %s: %w", s.addr, err)
	}
	if !s.trackConn(conn) {
		return nil, context.Canceled
	}

	callCtx := ctx
	if len(s.grpcHeaders) > 0 {
		callCtx = metadata.NewOutgoingContext(ctx, metadata.New(s.grpcHeaders))
	}

	req := &vtgatepb.VStreamRequest{
		TabletType: s.tabletType,
		Vgtid:      from.Proto(),
		Filter:     filter,
		Flags:      &vtgatepb.VStreamFlags{StopOnReshard: s.stopOnReshard},
	}
	stream, err := vtgateservicepb.NewVitessClient(conn).VStream(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("open vstream: %w", err)
	}

	var last *vgtid.Vgtid
	for {
		resp, err := stream.Recv()
		if err != nil {
			return last, err
		}
		newPos, err := s.handleResponse(resp, process)
		if err != nil {
			return last, err
		}
		if newPos != nil {
			last = newPos
		}
	}
}

// handleResponse delegates every event of one response, in order, to the
// decoder, computing the per-row end-of-transaction flag from the response's
// total row-event count.
func (s *VStream) handleResponse(resp *vtgatepb.VStreamResponse, process MessageProcessor) (*vgtid.Vgtid, error) {
	newPos, err := s.extractVgtid(resp)
	if err != nil {
		return nil, err
	}

	numRowEvents := 0
	for _, ev := range resp.Events {
		if ev.Type == binlogdatapb.VEventType_ROW {
			numRowEvents++
		}
	}

	rowEventsSeen := 0
	for _, ev := range resp.Events {
		if ev.Type == binlogdatapb.VEventType_ROW {
			rowEventsSeen++
		}
		lastRowOfTransaction := newPos != nil && numRowEvents != 0 && rowEventsSeen == numRowEvents
		if err := s.decoder.ProcessEvent(ev, process, newPos, lastRowOfTransaction); err != nil {
			return nil, err
		}
	}
	return newPos, nil
}

// extractVgtid returns the position snapshot carried by the response, or nil
// when it has none (heartbeat-only and version responses). vtgate emits at
// most one VGTID event per response even during resharding; if more arrive
// anyway, the last one wins.
func (s *VStream) extractVgtid(resp *vtgatepb.VStreamResponse) (*vgtid.Vgtid, error) {
	var snapshots []*binlogdatapb.VGtid
	for _, ev := range resp.Events {
		if ev.Type == binlogdatapb.VEventType_VGTID {
			snapshots = append(snapshots, ev.Vgtid)
		}
	}
	if len(snapshots) == 0 {
		return nil, nil
	}
	if len(snapshots) > 1 {
		s.log.Error("expected at most one vgtid event per response, using the last",
			zap.Int("count", len(snapshots)))
	}
	return vgtid.FromProto(snapshots[len(snapshots)-1])
}

func (s *VStream) dial() (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(s.maxRecvMsgSize)),
	}
	if s.keepaliveInterval > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time: s.keepaliveInterval,
		}))
	}
	if s.username != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(staticAuthCreds{
			username: s.username,
			password: s.password,
		}))
	}
	return grpc.NewClient(s.addr, opts...)
}

// trackConn publishes the connection handle for Close. It reports false when
// the stream was closed concurrently, in which case the connection is
// already torn down.
func (s *VStream) trackConn(conn *grpc.ClientConn) bool {
	if s.closed.Load() {
		_ = conn.Close()
		return false
	}
	if old := s.conn.Swap(conn); old != nil {
		_ = old.Close()
	}
	if s.closed.Load() {
		// Close ran between the check and the swap; finish its job.
		if c := s.conn.Swap(nil); c != nil {
			_ = c.Close()
		}
		return false
	}
	return true
}

// staticAuthCreds carries vtgate static auth username/password metadata on
// every RPC.
type staticAuthCreds struct {
	username string
	password string
}

func (c staticAuthCreds) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{
		"username": c.username,
		"password": c.password,
	}, nil
}

func (c staticAuthCreds) RequireTransportSecurity() bool {
	return false
}

type nopResetMetric struct{}

func (nopResetMetric) IncVgtidReset() {}
