package measurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nuralogix/dfx-api-client-go/internal/metrics"
	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
	"github.com/nuralogix/dfx-api-client-go/internal/session"
	"github.com/nuralogix/dfx-api-client-go/internal/transport"
)

var (
	// ErrEarlyTermination is returned when a measurement is closed before its
	// duration budget was used, typically because another measurement is
	// running under the same license
	ErrEarlyTermination = errors.New("measurement closed before its duration budget was used")

	// ErrUnexpectedStatus is returned for add-data rejections outside the
	// recoverable set
	ErrUnexpectedStatus = errors.New("unexpected add-data status")
)

// UploadState is the state of the chunk uploader
type UploadState int

const (
	StateIdle UploadState = iota
	StateSending
	StateAcknowledged
	StateRejectedEarly
	StateRejectedRollover
)

// String returns the state name
func (s UploadState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAcknowledged:
		return "acknowledged"
	case StateRejectedEarly:
		return "rejected_early"
	case StateRejectedRollover:
		return "rejected_rollover"
	default:
		return "unknown"
	}
}

// Uploader sends one chunk at a time to the current measurement
type Uploader struct {
	sender   transport.ChunkSender
	method   string
	registry *session.Registry
	signals  *session.Signals
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// pace scales the wait after each acknowledgement; 1 is real time, 0 disables it
	pace float64

	state        UploadState
	sent         int
	acknowledged int
	mu           sync.Mutex
}

// NewUploader creates a chunk uploader
func NewUploader(sender transport.ChunkSender, method string, registry *session.Registry,
	signals *session.Signals, m *metrics.Metrics, pace float64, logger *slog.Logger) *Uploader {
	return &Uploader{
		sender:   sender,
		method:   method,
		registry: registry,
		signals:  signals,
		metrics:  m,
		pace:     pace,
		logger:   logger,
	}
}

// Send sends the chunk once against the current measurement and reports the
// outcome. StateRejectedRollover is returned without an error; the caller is
// expected to roll over and send the same chunk again.
func (u *Uploader) Send(ctx context.Context, c Chunk, total int) (UploadState, error) {
	sess, err := u.registry.Current()
	if err != nil {
		return StateIdle, err
	}
	req, err := c.Request(total)
	if err != nil {
		return StateIdle, err
	}

	u.setState(StateSending)
	defer u.setState(StateIdle)

	u.mu.Lock()
	u.sent++
	u.mu.Unlock()
	u.metrics.RecordChunkSent(u.method)

	start := time.Now()
	res, err := u.sender.SendChunk(ctx, sess.ID, req)
	if err != nil {
		if ctx.Err() != nil {
			return StateIdle, ctx.Err()
		}
		return StateIdle, fmt.Errorf("failed to send chunk %d: %w", c.Order, err)
	}

	switch {
	case res.OK():
		return StateAcknowledged, u.acknowledge(ctx, sess, c, total, time.Since(start))

	case isClosedStatus(res):
		if sess.ClosedEarly() {
			u.metrics.RecordChunkRejected("early")
			u.logger.Error("Measurement closed early",
				slog.String("measurement_id", sess.ID),
				slog.Int("chunk_order", c.Order),
				slog.Float64("consumed_seconds", sess.ConsumedSeconds()),
				slog.Int("max_duration_seconds", sess.MaxDurationSeconds),
			)
			return StateRejectedEarly, fmt.Errorf("%w: measurement %s closed after %gs of %ds",
				ErrEarlyTermination, sess.ID, sess.ConsumedSeconds(), sess.MaxDurationSeconds)
		}

		u.metrics.RecordChunkRejected("rollover")
		u.logger.Info("Measurement closed, chunk needs a new measurement",
			slog.String("measurement_id", sess.ID),
			slog.Int("chunk_order", c.Order),
			slog.Int("chunks_accepted", sess.ChunksAccepted),
		)
		return StateRejectedRollover, nil

	default:
		u.metrics.RecordChunkRejected("early")
		return StateRejectedEarly, fmt.Errorf("%w: chunk %d got %d %s: %s",
			ErrUnexpectedStatus, c.Order, res.Status, res.Code, string(res.Body))
	}
}

func (u *Uploader) acknowledge(ctx context.Context, sess session.Session, c Chunk, total int, rtt time.Duration) error {
	u.registry.Consume(sess.ID)
	u.setState(StateAcknowledged)

	u.mu.Lock()
	u.acknowledged++
	u.mu.Unlock()

	u.metrics.RecordChunkAcknowledged(rtt.Seconds())
	if cur, err := u.registry.Current(); err == nil {
		u.metrics.SetSessionBudget(cur.ChunksRemainingBudget)
	}

	u.logger.Debug("Chunk acknowledged",
		slog.String("measurement_id", sess.ID),
		slog.Int("chunk_order", c.Order),
		slog.Duration("round_trip", rtt),
	)

	if err := u.wait(ctx, c.DurationS); err != nil {
		return err
	}
	if c.Order == total-1 {
		u.signals.SetAddDataDone()
		u.logger.Info("All chunks uploaded", slog.Int("chunks", total))
	}
	return nil
}

// wait paces uploads to the capture rate
func (u *Uploader) wait(ctx context.Context, seconds float64) error {
	d := time.Duration(seconds * u.pace * float64(time.Second))
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosedStatus(res *transport.Result) bool {
	if res.Status != http.StatusBadRequest && res.Status != http.StatusMethodNotAllowed {
		return false
	}
	return res.Code == protocol.CodeMeasurementClosed
}

func (u *Uploader) setState(s UploadState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = s
}

// State returns the current uploader state
func (u *Uploader) State() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Counts returns the number of send attempts and acknowledged chunks
func (u *Uploader) Counts() (sent, acknowledged int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sent, u.acknowledged
}
