package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalsInitialState(t *testing.T) {
	s := NewSignals(0)
	f := s.Snapshot()
	assert.True(t, f.AddDataDone)
	assert.True(t, f.SubscribeDone)
	assert.True(t, f.SegmentComplete)
	assert.Equal(t, 0, f.Segment)

	s.Begin()
	f = s.Snapshot()
	assert.False(t, f.AddDataDone)
	assert.False(t, f.SubscribeDone)
}

func TestSignalsSegmentHandoff(t *testing.T) {
	s := NewSignals(time.Hour) // only wakeups can release the waiters
	s.Begin()

	opened := make(chan int, 1)
	go func() {
		segment, ok, err := s.WaitSegmentOpen(context.Background(), 0)
		if err == nil && ok {
			opened <- segment
		}
	}()

	seg := s.OpenSegment()
	select {
	case got := <-opened:
		assert.Equal(t, seg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not released onto the new segment")
	}

	completed := make(chan error, 1)
	go func() { completed <- s.WaitSegmentComplete(context.Background()) }()

	select {
	case <-completed:
		t.Fatal("rollover must wait for the segment to drain")
	case <-time.After(50 * time.Millisecond):
	}

	s.CompleteSegment()
	select {
	case err := <-completed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("segment completion was not observed")
	}
}

func TestSignalsWaitSegmentOpenStopped(t *testing.T) {
	s := NewSignals(10 * time.Millisecond)
	s.Begin()

	done := make(chan bool, 1)
	go func() {
		_, ok, err := s.WaitSegmentOpen(context.Background(), 0)
		done <- ok || err != nil
	}()

	s.Stop()
	select {
	case failed := <-done:
		assert.False(t, failed, "stopping releases the waiter without a segment or error")
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe stop")
	}
}

func TestSignalsWaitContextCancel(t *testing.T) {
	s := NewSignals(10 * time.Millisecond)
	s.Begin()
	s.OpenSegment()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.WaitSegmentComplete(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSignalsStopIdempotent(t *testing.T) {
	s := NewSignals(0)
	s.Begin()
	s.Stop()
	first := s.Snapshot()
	s.Stop()
	assert.Equal(t, first, s.Snapshot())
	assert.True(t, first.AddDataDone && first.SubscribeDone)
}

func TestSignalsCloseSegment(t *testing.T) {
	s := NewSignals(0)
	s.Begin()
	s.OpenSegment()
	assert.False(t, s.Snapshot().SegmentClosing)

	s.CloseSegment()
	assert.True(t, s.Snapshot().SegmentClosing)

	s.CompleteSegment()
	s.OpenSegment()
	assert.False(t, s.Snapshot().SegmentClosing, "a new segment starts open")
}
