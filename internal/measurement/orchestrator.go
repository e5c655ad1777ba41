package measurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nuralogix/dfx-api-client-go/internal/metrics"
	"github.com/nuralogix/dfx-api-client-go/internal/session"
	"github.com/nuralogix/dfx-api-client-go/internal/transport"
)

// Orchestrator defaults
const (
	DefaultSignalInterval = 500 * time.Millisecond
	DefaultQueueSize      = 30
)

// Lifecycle creates measurements and retrieves their results
type Lifecycle interface {
	CreateSession(ctx context.Context, studyID string, mode session.Mode) (string, error)
	RetrieveResults(ctx context.Context, sessionID string) (json.RawMessage, error)
}

// Config contains orchestrator configuration
type Config struct {
	StudyID string
	Plan    Plan

	// PollInterval bounds the latency of every rendezvous between uploader
	// and subscriber
	PollInterval time.Duration

	// SignalInterval is how long a new segment or a shutdown is given to settle
	SignalInterval time.Duration

	// QueueSize is the capacity of the result queue
	QueueSize int

	// PreemptiveRollover opens the next measurement as soon as the current
	// budget is used up instead of waiting for the server to close it
	PreemptiveRollover bool

	// PaceUploads scales the wait after each acknowledged chunk; 1 uploads in
	// real time, 0 as fast as the server acknowledges
	PaceUploads float64
}

// Status is a snapshot of the orchestrator for monitoring
type Status struct {
	Plan            Plan              `json:"plan"`
	Flags           session.Flags     `json:"flags"`
	Current         *session.Session  `json:"current,omitempty"`
	History         []session.Session `json:"history"`
	UploadState     string            `json:"upload_state"`
	SubscribeState  string            `json:"subscribe_state"`
	ChunksSent      int               `json:"chunks_sent"`
	ChunksAccepted  int               `json:"chunks_accepted"`
	ResultsReceived int               `json:"results_received"`
	Rollovers       int               `json:"rollovers"`
	QueueDepth      int               `json:"queue_depth"`
	ShutDown        bool              `json:"shut_down"`
}

// Orchestrator owns the measurement lifecycle of one logical upload. It runs
// the uploader and the subscriber against the same current measurement and
// opens continuation measurements when the server closes one.
type Orchestrator struct {
	cfg       Config
	transport transport.Transport
	lifecycle Lifecycle
	registry  *session.Registry
	signals   *session.Signals
	metrics   *metrics.Metrics
	logger    *slog.Logger

	uploader   *Uploader
	subscriber *Subscriber
	results    chan []byte

	// stopCtx is the early-exit signal shared by every running loop
	stopCtx context.Context
	stop    context.CancelFunc

	started    bool
	subscribed bool
	shutdown   bool
	rollovers  int
	closeOnce  sync.Once
	closeErr   error
	mu         sync.Mutex
}

// New creates an orchestrator for the upload described by cfg.Plan
func New(cfg Config, tr transport.Transport, lc Lifecycle, m *metrics.Metrics, logger *slog.Logger) (*Orchestrator, error) {
	if cfg.Plan.NumChunks <= 0 {
		return nil, fmt.Errorf("plan has no chunks")
	}
	if cfg.Plan.MaxChunksPerSession <= 0 {
		return nil, fmt.Errorf("plan allows no chunks per measurement")
	}
	if tr == nil || lc == nil {
		return nil, fmt.Errorf("transport and lifecycle are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = session.DefaultPollInterval
	}
	if cfg.SignalInterval <= 0 {
		cfg.SignalInterval = DefaultSignalInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}

	method := "unknown"
	if mt, ok := tr.(interface{ Method() transport.Method }); ok {
		method = string(mt.Method())
	}

	registry := session.NewRegistry()
	signals := session.NewSignals(cfg.PollInterval)
	results := make(chan []byte, cfg.QueueSize)
	stopCtx, stop := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:        cfg,
		transport:  tr,
		lifecycle:  lc,
		registry:   registry,
		signals:    signals,
		metrics:    m,
		logger:     logger,
		uploader:   NewUploader(tr, method, registry, signals, m, cfg.PaceUploads, logger),
		subscriber: NewSubscriber(tr, registry, signals, cfg.Plan, results, cfg.PollInterval, m, logger),
		results:    results,
		stopCtx:    stopCtx,
		stop:       stop,
	}, nil
}

// Start creates the first measurement and opens its result segment
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	if o.shutdown {
		o.mu.Unlock()
		return transport.ErrClosed
	}
	o.started = true
	o.mu.Unlock()

	if _, err := o.createSession(ctx, 0); err != nil {
		return err
	}
	o.signals.Begin()
	o.signals.OpenSegment()

	o.logger.Info("Measurement orchestration started",
		slog.String("mode", string(o.cfg.Plan.Mode)),
		slog.Int("chunks", o.cfg.Plan.NumChunks),
		slog.Int("max_chunks_per_session", o.cfg.Plan.MaxChunksPerSession),
		slog.Int("expected_rollovers", o.cfg.Plan.ExpectedRollovers),
	)
	return nil
}

func (o *Orchestrator) createSession(ctx context.Context, firstChunkOrder int) (session.Session, error) {
	id, err := o.lifecycle.CreateSession(ctx, o.cfg.StudyID, o.cfg.Plan.Mode)
	if err != nil {
		return session.Session{}, fmt.Errorf("failed to create measurement: %w", err)
	}

	s := session.New(id, o.cfg.Plan.Mode, o.cfg.Plan.ChunkDuration, firstChunkOrder)
	o.registry.Publish(s)
	o.metrics.RecordSessionCreated(s.ChunksRemainingBudget)

	o.logger.Info("Measurement created",
		slog.String("measurement_id", id),
		slog.String("mode", string(s.Mode)),
		slog.Int("first_chunk_order", firstChunkOrder),
		slog.Int("chunk_budget", s.ChunksRemainingBudget),
	)
	return *s, nil
}

// bind derives a context that is also cancelled by Shutdown
func (o *Orchestrator) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.stopCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Upload validates the whole chunk sequence and then sends it in order.
// Recoverable measurement closures are handled internally; a rollover waits
// for the subscriber, so Subscribe must be running. Shutdown makes Upload
// return nil with whatever was sent so far.
func (o *Orchestrator) Upload(ctx context.Context, chunks []Chunk) error {
	if err := ValidateChunks(chunks); err != nil {
		return err
	}
	if len(chunks) != o.cfg.Plan.NumChunks {
		return fmt.Errorf("%w: got %d chunks, plan has %d", ErrChunkOrder, len(chunks), o.cfg.Plan.NumChunks)
	}
	if err := o.checkStarted(); err != nil {
		return err
	}

	ctx, cancel := o.bind(ctx)
	defer cancel()

	for _, c := range chunks {
		if err := o.addChunk(ctx, c); err != nil {
			if isStop(err) {
				return nil
			}
			o.abort(err)
			return err
		}
	}

	o.finishIfDone()
	return nil
}

// AddChunk validates and sends a single chunk. Chunks must be added in order.
func (o *Orchestrator) AddChunk(ctx context.Context, c Chunk) error {
	if err := ValidateChunkDuration(c.DurationS); err != nil {
		return err
	}
	if c.Order < 0 || c.Order >= o.cfg.Plan.NumChunks {
		return fmt.Errorf("%w: order %d outside plan of %d chunks", ErrChunkOrder, c.Order, o.cfg.Plan.NumChunks)
	}
	if c.Order < o.cfg.Plan.NumChunks-1 && c.DurationS != o.cfg.Plan.ChunkDuration {
		return fmt.Errorf("%w: chunk %d is %gs, plan uses %gs", ErrChunkDurationMismatch, c.Order, c.DurationS, o.cfg.Plan.ChunkDuration)
	}
	if err := o.checkStarted(); err != nil {
		return err
	}

	ctx, cancel := o.bind(ctx)
	defer cancel()

	if err := o.addChunk(ctx, c); err != nil {
		if isStop(err) {
			return nil
		}
		o.abort(err)
		return err
	}
	o.finishIfDone()
	return nil
}

func (o *Orchestrator) addChunk(ctx context.Context, c Chunk) error {
	total := o.cfg.Plan.NumChunks

	if o.cfg.PreemptiveRollover {
		if cur, err := o.registry.Current(); err == nil && cur.Exhausted() {
			o.logger.Info("Measurement budget used up, rolling over",
				slog.String("measurement_id", cur.ID),
				slog.Int("chunk_order", c.Order),
			)
			if err := o.rollover(ctx, c.Order); err != nil {
				return err
			}
		}
	}

	state, err := o.uploader.Send(ctx, c, total)
	if err != nil || state != StateRejectedRollover {
		return err
	}

	if err := o.rollover(ctx, c.Order); err != nil {
		return err
	}

	state, err = o.uploader.Send(ctx, c, total)
	if err != nil {
		return err
	}
	if state == StateRejectedRollover {
		return fmt.Errorf("%w: chunk %d rejected by a fresh measurement", ErrEarlyTermination, c.Order)
	}
	return nil
}

// rollover retires the current measurement and opens a continuation for
// the chunk with the given order
func (o *Orchestrator) rollover(ctx context.Context, order int) error {
	old := o.registry.CurrentID()
	start := time.Now()

	o.logger.Info("Rollover started",
		slog.String("measurement_id", old),
		slog.Int("chunk_order", order),
	)

	// results are keyed by measurement; the old segment must drain first
	o.signals.CloseSegment()
	if err := o.signals.WaitSegmentComplete(ctx); err != nil {
		return err
	}

	results, err := o.lifecycle.RetrieveResults(ctx, old)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("Failed to retrieve results of closed measurement",
			slog.String("measurement_id", old),
			slog.String("error", err.Error()),
		)
	} else {
		o.logger.Info("Retrieved results of closed measurement",
			slog.String("measurement_id", old),
			slog.Int("bytes", len(results)),
		)
	}

	next, err := o.createSession(ctx, order)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.rollovers++
	o.mu.Unlock()
	o.metrics.RecordRollover()

	o.signals.OpenSegment()
	if err := sleep(ctx, o.cfg.SignalInterval); err != nil {
		return err
	}

	o.logger.Info("Rollover complete",
		slog.String("previous_measurement_id", old),
		slog.String("measurement_id", next.ID),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Subscribe runs the result subscriber until every expected result has
// arrived or the orchestrator is shut down. The result queue is closed when
// it returns. It may be called once.
func (o *Orchestrator) Subscribe(ctx context.Context) (int, error) {
	o.mu.Lock()
	if o.subscribed {
		o.mu.Unlock()
		return 0, fmt.Errorf("subscription already running")
	}
	o.subscribed = true
	o.mu.Unlock()

	defer close(o.results)

	ctx, cancel := o.bind(ctx)
	defer cancel()

	n, err := o.subscriber.Run(ctx)
	if err != nil {
		o.abort(err)
		return n, err
	}

	o.finishIfDone()
	return n, nil
}

// Results returns the bounded result queue
func (o *Orchestrator) Results() <-chan []byte {
	return o.results
}

// abort stops both loops after a fatal error
func (o *Orchestrator) abort(err error) {
	o.logger.Error("Measurement aborted", slog.String("error", err.Error()))
	o.signals.Stop()
	o.stop()
}

// finishIfDone closes the shared connection once both sides completed
func (o *Orchestrator) finishIfDone() {
	flags := o.signals.Snapshot()
	if !flags.AddDataDone || !flags.SubscribeDone {
		return
	}
	o.registry.Retire()
	if err := o.closeTransport(); err != nil {
		o.logger.Warn("Failed to close transport", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) closeTransport() error {
	o.closeOnce.Do(func() {
		o.closeErr = o.transport.Close()
		o.logger.Info("Transport closed")
	})
	return o.closeErr
}

func (o *Orchestrator) checkStarted() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shutdown {
		return transport.ErrClosed
	}
	if !o.started {
		return fmt.Errorf("orchestrator not started")
	}
	return nil
}

// Shutdown stops both loops, lets them settle for one signal interval and
// closes the shared connection. Calling it again has no further effect.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return nil
	}
	o.shutdown = true
	o.mu.Unlock()

	o.logger.Info("Shutting down measurement orchestration")

	o.signals.Stop()
	o.stop()

	// in-flight loops observe the flags on their next poll
	_ = sleep(ctx, o.cfg.SignalInterval)

	return o.closeTransport()
}

// Rollovers returns the number of continuation measurements opened
func (o *Orchestrator) Rollovers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rollovers
}

// Registry returns the session registry. Callers must not publish to it.
func (o *Orchestrator) Registry() *session.Registry {
	return o.registry
}

// Signals returns the coordination signals
func (o *Orchestrator) Signals() *session.Signals {
	return o.signals
}

// Status returns a snapshot of the orchestrator
func (o *Orchestrator) Status() Status {
	sent, accepted := o.uploader.Counts()

	o.mu.Lock()
	rollovers, shutdown := o.rollovers, o.shutdown
	o.mu.Unlock()

	st := Status{
		Plan:            o.cfg.Plan,
		Flags:           o.signals.Snapshot(),
		History:         o.registry.History(),
		UploadState:     o.uploader.State().String(),
		SubscribeState:  o.subscriber.State().String(),
		ChunksSent:      sent,
		ChunksAccepted:  accepted,
		ResultsReceived: o.subscriber.Received(),
		Rollovers:       rollovers,
		QueueDepth:      len(o.results),
		ShutDown:        shutdown,
	}
	if cur, err := o.registry.Current(); err == nil {
		st.Current = &cur
	}
	return st
}

func isStop(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed)
}
