package session

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval bounds how long a waiter may sleep between checks
const DefaultPollInterval = 200 * time.Millisecond

// Flags is a snapshot of the rendezvous state shared by uploader and subscriber
type Flags struct {
	AddDataDone     bool `json:"add_data_done"`
	SubscribeDone   bool `json:"subscribe_done"`
	SegmentComplete bool `json:"segment_complete"`
	SegmentClosing  bool `json:"segment_closing"`
	Segment         int  `json:"segment"`
}

// Signals coordinates the uploader, the subscriber and the orchestrator.
// Every change wakes all waiters; waiters also re-check at least once per
// poll interval so a missed wakeup costs at most one interval.
type Signals struct {
	flags        Flags
	changed      chan struct{}
	pollInterval time.Duration
	mu           sync.Mutex
}

// NewSignals creates signals with no open segment and nothing in flight
func NewSignals(pollInterval time.Duration) *Signals {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Signals{
		flags: Flags{
			AddDataDone:     true,
			SubscribeDone:   true,
			SegmentComplete: true,
		},
		changed:      make(chan struct{}),
		pollInterval: pollInterval,
	}
}

// Snapshot returns the current flags
func (s *Signals) Snapshot() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *Signals) update(fn func(*Flags)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.flags)
	close(s.changed)
	s.changed = make(chan struct{})
}

// Begin marks both activities as running
func (s *Signals) Begin() {
	s.update(func(f *Flags) {
		f.AddDataDone = false
		f.SubscribeDone = false
	})
}

// SetAddDataDone marks the upload side finished
func (s *Signals) SetAddDataDone() {
	s.update(func(f *Flags) { f.AddDataDone = true })
}

// SetSubscribeDone marks the result side finished
func (s *Signals) SetSubscribeDone() {
	s.update(func(f *Flags) { f.SubscribeDone = true })
}

// Stop marks both activities finished
func (s *Signals) Stop() {
	s.update(func(f *Flags) {
		f.AddDataDone = true
		f.SubscribeDone = true
	})
}

// OpenSegment releases the subscriber onto a new segment and returns its number
func (s *Signals) OpenSegment() int {
	var segment int
	s.update(func(f *Flags) {
		f.Segment++
		f.SegmentComplete = false
		f.SegmentClosing = false
		segment = f.Segment
	})
	return segment
}

// CloseSegment tells the subscriber that the current measurement will not
// accept further chunks, so its segment ends once every accepted chunk has
// a result
func (s *Signals) CloseSegment() {
	s.update(func(f *Flags) { f.SegmentClosing = true })
}

// CompleteSegment reports that the current segment has been drained
func (s *Signals) CompleteSegment() {
	s.update(func(f *Flags) { f.SegmentComplete = true })
}

// Wait blocks until cond holds or ctx is done
func (s *Signals) Wait(ctx context.Context, cond func(Flags) bool) (Flags, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		flags := s.flags
		changed := s.changed
		s.mu.Unlock()

		if cond(flags) {
			return flags, nil
		}

		select {
		case <-ctx.Done():
			return flags, ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}

// WaitSegmentComplete blocks until no segment is being drained
func (s *Signals) WaitSegmentComplete(ctx context.Context) error {
	_, err := s.Wait(ctx, func(f Flags) bool { return f.SegmentComplete || f.SubscribeDone })
	return err
}

// WaitSegmentOpen blocks until a segment newer than after has been opened.
// It returns early, with ok false, once the subscribe side has been stopped.
func (s *Signals) WaitSegmentOpen(ctx context.Context, after int) (segment int, ok bool, err error) {
	flags, err := s.Wait(ctx, func(f Flags) bool {
		return f.SubscribeDone || (f.Segment > after && !f.SegmentComplete)
	})
	if err != nil {
		return 0, false, err
	}
	if flags.Segment > after && !flags.SegmentComplete {
		return flags.Segment, true, nil
	}
	return 0, false, nil
}
