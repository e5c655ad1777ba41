package measurement

import (
	"fmt"
	"math"

	"github.com/nuralogix/dfx-api-client-go/internal/session"
)

// Plan is the chunk arithmetic of one logical upload
type Plan struct {
	Mode                session.Mode `json:"mode"`
	ChunkDuration       float64      `json:"chunk_duration"`
	VideoLength         float64      `json:"video_length"`
	NumChunks           int          `json:"num_chunks"`
	MaxChunksPerSession int          `json:"max_chunks_per_session"`
	ExpectedRollovers   int          `json:"expected_rollovers"`
}

// NewPlan computes how a recording of videoLength seconds is split into
// chunks and measurements
func NewPlan(mode session.Mode, chunkDuration, videoLength float64) (Plan, error) {
	if err := ValidateChunkDuration(chunkDuration); err != nil {
		return Plan{}, err
	}
	if videoLength < chunkDuration {
		return Plan{}, fmt.Errorf("video length %gs is shorter than one chunk of %gs", videoLength, chunkDuration)
	}
	maxDuration := mode.MaxDurationSeconds()
	if maxDuration == 0 {
		return Plan{}, fmt.Errorf("invalid measurement mode %q", mode)
	}

	return Plan{
		Mode:                mode,
		ChunkDuration:       chunkDuration,
		VideoLength:         videoLength,
		NumChunks:           int(videoLength / chunkDuration),
		MaxChunksPerSession: int(float64(maxDuration) / chunkDuration),
		ExpectedRollovers:   int(math.Ceil(videoLength/float64(maxDuration))) - 1,
	}, nil
}

// PlanForChunks builds the plan of an already validated chunk sequence
func PlanForChunks(mode session.Mode, chunks []Chunk) (Plan, error) {
	if err := ValidateChunks(chunks); err != nil {
		return Plan{}, err
	}
	total := 0.0
	for _, c := range chunks {
		total += c.DurationS
	}

	p, err := NewPlan(mode, chunks[0].DurationS, total)
	if err != nil {
		return Plan{}, err
	}
	p.NumChunks = len(chunks)
	return p, nil
}

// SegmentExpected returns how many results one subscription segment waits
// for when remaining results are still outstanding
func (p Plan) SegmentExpected(remaining int) int {
	return min(remaining, p.MaxChunksPerSession)
}
