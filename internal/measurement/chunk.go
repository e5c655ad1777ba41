package measurement

import (
	"errors"
	"fmt"
	"math"

	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
)

// Chunk duration limits in seconds, inclusive
const (
	MinChunkDuration = 5.0
	MaxChunkDuration = 30.0

	durationEpsilon = 1e-6
)

var (
	// ErrChunkDuration is returned for a chunk duration outside [5, 30] seconds
	ErrChunkDuration = errors.New("chunk duration must be between 5 and 30 seconds")

	// ErrChunkDurationMismatch is returned when a chunk other than the last
	// differs in duration from the first
	ErrChunkDurationMismatch = errors.New("all chunks except the last must have the same duration")

	// ErrChunkOrder is returned when chunk orders are not 0..n-1
	ErrChunkOrder = errors.New("chunk orders must be contiguous and start at 0")
)

// Chunk is one bounded-duration unit of payload data
type Chunk struct {
	Order      int
	IsFirst    bool
	IsLast     bool
	StartTimeS float64
	EndTimeS   float64
	DurationS  float64
	Payload    []byte
	Metadata   map[string]any
}

// ValidateChunkDuration checks a single chunk duration
func ValidateChunkDuration(d float64) error {
	if math.IsNaN(d) || d < MinChunkDuration || d > MaxChunkDuration {
		return fmt.Errorf("%w: got %g", ErrChunkDuration, d)
	}
	return nil
}

// ValidateChunks checks a complete upload before anything is sent
func ValidateChunks(chunks []Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no chunks", ErrChunkOrder)
	}

	first := chunks[0].DurationS
	for i, c := range chunks {
		if c.Order != i {
			return fmt.Errorf("%w: chunk %d has order %d", ErrChunkOrder, i, c.Order)
		}
		if err := ValidateChunkDuration(c.DurationS); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if i < len(chunks)-1 && math.Abs(c.DurationS-first) > durationEpsilon {
			return fmt.Errorf("%w: chunk %d is %gs, chunk 0 is %gs", ErrChunkDurationMismatch, i, c.DurationS, first)
		}
	}
	return nil
}

// Action returns the processing tag of a chunk within an upload of total chunks
func Action(order, total int) string {
	switch {
	case order == 0 && total > 1:
		return protocol.ActionFirstChunk
	case order == total-1:
		return protocol.ActionLastChunk
	default:
		return protocol.ActionChunk
	}
}

// Request builds the add-data request for the chunk. The measurement id is
// filled in by the transport.
func (c *Chunk) Request(total int) (*protocol.DataRequest, error) {
	meta, err := protocol.BuildMeta(c.Metadata, c.Order, c.StartTimeS, c.EndTimeS, c.DurationS)
	if err != nil {
		return nil, err
	}
	return &protocol.DataRequest{
		ChunkOrder: c.Order,
		Action:     Action(c.Order, total),
		StartTime:  c.StartTimeS,
		EndTime:    c.EndTimeS,
		Duration:   c.DurationS,
		Meta:       meta,
		Payload:    c.Payload,
	}, nil
}

// NewChunks builds a chunk sequence from payloads of equal duration; the last
// payload may be shorter and is given lastDuration seconds.
func NewChunks(payloads [][]byte, duration, lastDuration float64) []Chunk {
	chunks := make([]Chunk, len(payloads))
	start := 0.0
	for i, p := range payloads {
		d := duration
		if i == len(payloads)-1 && lastDuration > 0 {
			d = lastDuration
		}
		chunks[i] = Chunk{
			Order:      i,
			IsFirst:    i == 0,
			IsLast:     i == len(payloads)-1,
			StartTimeS: start,
			EndTimeS:   start + d,
			DurationS:  d,
			Payload:    p,
		}
		start += d
	}
	return chunks
}
