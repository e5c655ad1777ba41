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

// ErrInvalidMeasurement is returned when the server refuses a result subscription
var ErrInvalidMeasurement = errors.New("invalid measurement")

// SubscribeState is the state of the result subscriber
type SubscribeState int

const (
	StateNotSubscribed SubscribeState = iota
	StateSubscribed
	StateDraining
	StateSegmentDone
)

// String returns the state name
func (s SubscribeState) String() string {
	switch s {
	case StateNotSubscribed:
		return "not_subscribed"
	case StateSubscribed:
		return "subscribed"
	case StateDraining:
		return "draining"
	case StateSegmentDone:
		return "segment_done"
	default:
		return "unknown"
	}
}

// Subscriber receives result payloads for the current measurement and
// appends them to the output queue. It drains one segment per measurement.
type Subscriber struct {
	transport    transport.Transport
	registry     *session.Registry
	signals      *session.Signals
	plan         Plan
	queue        chan<- []byte
	queueLen     func() int
	pollInterval time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger

	state    SubscribeState
	received int
	segments int
	mu       sync.Mutex
}

// NewSubscriber creates a result subscriber writing to queue
func NewSubscriber(tr transport.Transport, registry *session.Registry, signals *session.Signals,
	plan Plan, queue chan []byte, pollInterval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	if pollInterval <= 0 {
		pollInterval = session.DefaultPollInterval
	}
	return &Subscriber{
		transport:    tr,
		registry:     registry,
		signals:      signals,
		plan:         plan,
		queue:        queue,
		queueLen:     func() int { return len(queue) },
		pollInterval: pollInterval,
		metrics:      m,
		logger:       logger,
	}
}

// Run drains segments until every expected result has arrived. Each segment
// starts only after the orchestrator has opened it for a measurement. When
// the subscription is stopped or ctx is cancelled Run returns the results
// received so far and no error.
func (s *Subscriber) Run(ctx context.Context) (int, error) {
	after := 0
	for {
		segment, ok, err := s.signals.WaitSegmentOpen(ctx, after)
		if err != nil || !ok {
			return s.Received(), nil
		}
		after = segment

		id := s.registry.CurrentID()
		done, count, err := s.Segment(ctx, id)
		s.signals.CompleteSegment()

		s.logger.Info("Result segment complete",
			slog.String("measurement_id", id),
			slog.Int("segment", segment),
			slog.Int("results", count),
			slog.Bool("done", done),
		)

		if err != nil {
			s.signals.SetSubscribeDone()
			return s.Received(), err
		}
		if done {
			s.signals.SetSubscribeDone()
			return s.Received(), nil
		}
	}
}

// Segment subscribes to one measurement and drains the results it owes.
// The measurement owes one result per accepted chunk; the count is only
// final once the orchestrator has closed the segment or the upload is done,
// so until then the segment keeps draining. done reports whether every
// result of the whole upload has now arrived.
func (s *Subscriber) Segment(ctx context.Context, sessionID string) (done bool, count int, err error) {
	expected := s.plan.SegmentExpected(s.plan.NumChunks - s.Received())

	s.setState(StateSubscribed)
	defer s.setState(StateSegmentDone)

	if err := s.transport.SendSubscribe(ctx, sessionID); err != nil {
		if stopped(ctx, err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("failed to subscribe to measurement %s: %w", sessionID, err)
	}

	s.mu.Lock()
	s.segments++
	s.mu.Unlock()
	s.setState(StateDraining)

	s.logger.Debug("Draining results",
		slog.String("measurement_id", sessionID),
		slog.Int("expected", expected),
	)

	// a pending receive is interrupted as soon as the segment is sealed
	sealed, stopWatch := s.watchSealed(ctx)
	defer stopWatch()

	for s.Received() < s.plan.NumChunks {
		flags := s.signals.Snapshot()
		if flags.SubscribeDone {
			return false, count, nil
		}
		if (flags.SegmentClosing || flags.AddDataDone) && count >= s.registry.Accepted(sessionID) {
			break
		}

		recvCtx := sealed
		if sealed.Err() != nil {
			recvCtx = ctx
		}

		frame, err := s.transport.ReceiveNext(recvCtx)
		if err != nil {
			if stopped(ctx, err) {
				return false, count, nil
			}
			if recvCtx.Err() != nil {
				continue
			}
			if errors.Is(err, protocol.ErrMalformedFrame) || errors.Is(err, transport.ErrConnectionLost) {
				s.metrics.RecordSubscribeFailure()
				return false, count, fmt.Errorf("results of measurement %s: %w", sessionID, err)
			}
			s.logger.Warn("Result receive failed", slog.String("error", err.Error()))
			if sleep(ctx, s.pollInterval) != nil {
				return false, count, nil
			}
			continue
		}
		if frame == nil {
			continue
		}

		switch frame.Kind {
		case protocol.KindSubscribeStatus:
			if frame.Status != http.StatusOK {
				s.metrics.RecordSubscribeFailure()
				return false, count, fmt.Errorf("%w: measurement %s subscription status %d: %s",
					ErrInvalidMeasurement, sessionID, frame.Status, string(frame.Body))
			}
			s.logger.Debug("Subscription confirmed", slog.String("measurement_id", sessionID))

		case protocol.KindPayload:
			if frame.Status != http.StatusOK {
				s.metrics.RecordSubscribeFailure()
				return false, count, fmt.Errorf("%w: measurement %s result status %d",
					ErrInvalidMeasurement, sessionID, frame.Status)
			}
			select {
			case s.queue <- frame.Body:
			case <-ctx.Done():
				return false, count, nil
			}
			count++
			s.mu.Lock()
			s.received++
			s.mu.Unlock()

			s.metrics.RecordResultReceived()
			s.metrics.SetResultQueueDepth(s.queueLen())
			s.logger.Debug("Result received",
				slog.String("measurement_id", sessionID),
				slog.Int("count", count),
				slog.Int("bytes", len(frame.Body)),
			)

		default:
			s.logger.Warn("Ignoring unexpected frame", slog.String("frame", frame.String()))
		}
	}

	return s.Received() >= s.plan.NumChunks, count, nil
}

// watchSealed returns a context that is cancelled once the current segment
// can no longer grow: the orchestrator closed it, the upload finished or
// the subscription was stopped
func (s *Subscriber) watchSealed(ctx context.Context) (context.Context, context.CancelFunc) {
	sealed, cancel := context.WithCancel(ctx)
	go func() {
		_, _ = s.signals.Wait(sealed, func(f session.Flags) bool {
			return f.SegmentClosing || f.AddDataDone || f.SubscribeDone
		})
		cancel()
	}()
	return sealed, cancel
}

func (s *Subscriber) setState(st SubscribeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// State returns the current subscriber state
func (s *Subscriber) State() SubscribeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Received returns the number of results delivered to the queue
func (s *Subscriber) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Segments returns the number of subscriptions made
func (s *Subscriber) Segments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments
}

// stopped reports whether err means the caller asked us to stop
func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, transport.ErrClosed)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
