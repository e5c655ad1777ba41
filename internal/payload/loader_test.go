package payload

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nuralogix/dfx-api-client-go/internal/measurement"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "payload_002.bin", "cc")
	writeFile(t, dir, "payload_000.bin", "a")
	writeFile(t, dir, "payload_001.bin", "bbb")
	writeFile(t, dir, "payload_001.meta.json", `{"Camera":"front"}`)
	writeFile(t, dir, "payload_002.meta.json", `{"Duration":8}`)
	writeFile(t, dir, "notes.txt", "ignored")

	chunks, err := LoadDir(dir, 15)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}

	if string(chunks[0].Payload) != "a" || string(chunks[2].Payload) != "cc" {
		t.Error("Chunks should follow file name order")
	}
	if !chunks[0].IsFirst || !chunks[2].IsLast {
		t.Error("First and last flags not set")
	}
	if chunks[0].Metadata != nil {
		t.Error("Chunk without metadata file should have nil metadata")
	}
	if chunks[1].Metadata["Camera"] != "front" {
		t.Errorf("Expected metadata from sibling file, got %v", chunks[1].Metadata)
	}
	if chunks[2].DurationS != 8 {
		t.Errorf("Expected last chunk duration 8, got %g", chunks[2].DurationS)
	}
	if chunks[2].StartTimeS != 30 || chunks[2].EndTimeS != 38 {
		t.Errorf("Unexpected last chunk window %g-%g", chunks[2].StartTimeS, chunks[2].EndTimeS)
	}
}

func TestLoadDirErrors(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		duration float64
		wantErr  error
	}{
		{"empty directory", nil, 15, ErrNoPayloads},
		{"chunk too long", map[string]string{"0.bin": "x"}, 45, measurement.ErrChunkDuration},
		{"last chunk too short", map[string]string{"0.bin": "x", "1.bin": "y", "1.meta.json": `{"Duration":2}`}, 15, measurement.ErrChunkDuration},
		{"bad metadata", map[string]string{"0.bin": "x", "0.meta.json": "{"}, 15, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, dir, name, content)
			}

			_, err := LoadDir(dir, tt.duration)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := LoadDir(filepath.Join(t.TempDir(), "missing"), 15); err == nil {
		t.Error("Expected an error for a missing directory")
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name         string
		size         int
		total        float64
		chunk        float64
		wantChunks   int
		wantLast     float64
		wantLastSize int
	}{
		{"even split", 600, 60, 15, 4, 15, 150},
		{"shorter last chunk", 700, 70, 15, 5, 10, 100},
		{"single chunk", 100, 20, 30, 1, 20, 100},
		{"long recording", 1800, 180, 15, 12, 15, 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Split(make([]byte, tt.size), tt.total, tt.chunk)
			if err != nil {
				t.Fatalf("Split failed: %v", err)
			}
			if len(chunks) != tt.wantChunks {
				t.Fatalf("Expected %d chunks, got %d", tt.wantChunks, len(chunks))
			}

			last := chunks[len(chunks)-1]
			if last.DurationS != tt.wantLast {
				t.Errorf("Expected last duration %g, got %g", tt.wantLast, last.DurationS)
			}
			if len(last.Payload) != tt.wantLastSize {
				t.Errorf("Expected last payload %d bytes, got %d", tt.wantLastSize, len(last.Payload))
			}

			total := 0
			for _, c := range chunks {
				total += len(c.Payload)
			}
			if total != tt.size {
				t.Errorf("Split lost bytes: %d of %d", total, tt.size)
			}
		})
	}
}

func TestSplitErrors(t *testing.T) {
	if _, err := Split(nil, 60, 15); !errors.Is(err, ErrNoPayloads) {
		t.Errorf("Expected ErrNoPayloads, got %v", err)
	}
	if _, err := Split([]byte("x"), 0, 15); err == nil {
		t.Error("Expected an error for zero duration")
	}
	if _, err := Split([]byte("x"), 60, 2); !errors.Is(err, measurement.ErrChunkDuration) {
		t.Errorf("Expected ErrChunkDuration, got %v", err)
	}
	// 62s leaves a 2s tail
	if _, err := Split(make([]byte, 62), 62, 15); !errors.Is(err, measurement.ErrChunkDuration) {
		t.Errorf("Expected ErrChunkDuration for a short tail, got %v", err)
	}
}
