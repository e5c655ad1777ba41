package session

import (
	"fmt"
	"strings"
	"time"
)

// Mode is a measurement mode; it fixes how much data one measurement accepts
type Mode string

const (
	ModeDiscrete  Mode = "DISCRETE"
	ModeBatch     Mode = "BATCH"
	ModeVideo     Mode = "VIDEO"
	ModeStreaming Mode = "STREAMING"
)

var maxDurations = map[Mode]int{
	ModeDiscrete:  120,
	ModeBatch:     1200,
	ModeVideo:     1200,
	ModeStreaming: 1200,
}

// ParseMode parses a case-insensitive mode name
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := maxDurations[m]; !ok {
		return "", fmt.Errorf("invalid measurement mode %q", s)
	}
	return m, nil
}

// MaxDurationSeconds returns the longest a single measurement of this mode may run
func (m Mode) MaxDurationSeconds() int {
	return maxDurations[m]
}

// Session is one server-side measurement
type Session struct {
	ID                 string    `json:"id"`
	Mode               Mode      `json:"mode"`
	MaxDurationSeconds int       `json:"max_duration_seconds"`
	ChunkDuration      float64   `json:"chunk_duration"`
	CreatedAt          time.Time `json:"created_at"`

	// FirstChunkOrder is the order of the first chunk sent to this session
	FirstChunkOrder int `json:"first_chunk_order"`

	// ChunksRemainingBudget counts the chunks the session still accepts; never negative
	ChunksRemainingBudget int `json:"chunks_remaining_budget"`
	ChunksAccepted        int `json:"chunks_accepted"`

	RetiredAt time.Time `json:"retired_at,omitempty"`
}

// New creates a session for a measurement id. The chunk budget is the number
// of whole chunks that fit into the mode's maximum duration.
func New(id string, mode Mode, chunkDuration float64, firstChunkOrder int) *Session {
	maxDuration := mode.MaxDurationSeconds()
	budget := 0
	if chunkDuration > 0 {
		budget = int(float64(maxDuration) / chunkDuration)
	}
	return &Session{
		ID:                    id,
		Mode:                  mode,
		MaxDurationSeconds:    maxDuration,
		ChunkDuration:         chunkDuration,
		CreatedAt:             time.Now(),
		FirstChunkOrder:       firstChunkOrder,
		ChunksRemainingBudget: budget,
	}
}

// ConsumedSeconds returns how much chunk data the session has accepted
func (s *Session) ConsumedSeconds() float64 {
	return float64(s.ChunksAccepted) * s.ChunkDuration
}

// Exhausted reports whether the session's chunk budget is used up
func (s *Session) Exhausted() bool {
	return s.ChunksRemainingBudget <= 0
}

// ClosedEarly reports whether a server-side close at this point cuts the
// session short of its mode's duration budget. A session that has not
// accepted anything yet is not considered closed early.
func (s *Session) ClosedEarly() bool {
	consumed := s.ConsumedSeconds()
	return consumed > 0 && consumed < float64(s.MaxDurationSeconds) && !s.Exhausted()
}

// String returns a human-readable representation of the session
func (s *Session) String() string {
	return fmt.Sprintf("Session{ID:%s, Mode:%s, Accepted:%d, Budget:%d}",
		s.ID, s.Mode, s.ChunksAccepted, s.ChunksRemainingBudget)
}
