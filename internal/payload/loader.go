package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nuralogix/dfx-api-client-go/internal/measurement"
)

const (
	payloadExt = ".bin"
	metaExt    = ".meta.json"

	// durationKey in a metadata file overrides the duration of that chunk
	durationKey = "Duration"
)

// ErrNoPayloads is returned when a directory holds no payload files
var ErrNoPayloads = errors.New("no payload files found")

// LoadDir reads every *.bin file of dir in name order as one chunk. A
// sibling <name>.meta.json supplies the chunk metadata; its Duration key
// may shorten the last chunk. The sequence is validated before it is
// returned.
func LoadDir(dir string, chunkDuration float64) ([]measurement.Chunk, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), payloadExt) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoPayloads, dir)
	}
	sort.Strings(names)

	payloads := make([][]byte, len(names))
	metas := make([]map[string]any, len(names))
	for i, name := range names {
		if payloads[i], err = os.ReadFile(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("failed to read payload %s: %w", name, err)
		}
		if metas[i], err = readMeta(filepath.Join(dir, strings.TrimSuffix(name, payloadExt)+metaExt)); err != nil {
			return nil, err
		}
	}

	lastDuration := 0.0
	if d, ok := metas[len(metas)-1][durationKey].(float64); ok {
		lastDuration = d
	}

	chunks := measurement.NewChunks(payloads, chunkDuration, lastDuration)
	for i := range chunks {
		chunks[i].Metadata = metas[i]
	}
	if err := measurement.ValidateChunks(chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// readMeta returns nil when the metadata file does not exist
func readMeta(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %s: %w", filepath.Base(path), err)
	}

	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

// Split slices one recording of total seconds into chunks of chunkDuration.
// Bytes are assigned in proportion to time, so the last chunk may be
// shorter. It must still meet the minimum chunk duration.
func Split(data []byte, total, chunkDuration float64) ([]measurement.Chunk, error) {
	if len(data) == 0 {
		return nil, ErrNoPayloads
	}
	if total <= 0 {
		return nil, fmt.Errorf("recording duration must be positive, got %g", total)
	}
	if err := measurement.ValidateChunkDuration(chunkDuration); err != nil {
		return nil, err
	}

	n := int(math.Ceil(total/chunkDuration - 1e-9))
	bytesPerSecond := float64(len(data)) / total

	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := int(math.Round(float64(i) * chunkDuration * bytesPerSecond))
		end := len(data)
		if i < n-1 {
			end = int(math.Round(float64(i+1) * chunkDuration * bytesPerSecond))
		}
		payloads[i] = data[start:end]
	}

	lastDuration := total - float64(n-1)*chunkDuration
	chunks := measurement.NewChunks(payloads, chunkDuration, lastDuration)
	if err := measurement.ValidateChunks(chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}
