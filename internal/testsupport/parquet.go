package testsupport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"speechtune/internal/audio"
	"speechtune/internal/snapshot"
)

// SpeechAudio mirrors the audio struct column of hub parquet exports.
type SpeechAudio struct {
	Bytes []byte `parquet:"bytes"`
	Path  string `parquet:"path"`
}

// SpeechRow is a minimal speech corpus row.
type SpeechRow struct {
	Audio    SpeechAudio `parquet:"audio"`
	Sentence string      `parquet:"sentence"`
	ClientID string      `parquet:"client_id"`
}

// TextRow uses the LibriSpeech-style "text" transcript column.
type TextRow struct {
	Audio SpeechAudio `parquet:"audio"`
	Text  string      `parquet:"text"`
}

// WriteShard writes rows as a parquet file at path.
func WriteShard[T any](t testing.TB, path string, rows []T) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		t.Fatalf("write parquet %s: %v", path, err)
	}
}

// EncodeShard returns rows encoded as a parquet file, for serving from an
// httptest server.
func EncodeShard[T any](t testing.TB, rows []T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shard.parquet")
	WriteShard(t, path, rows)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read shard: %v", err)
	}
	return data
}

// WriteSnapshot writes rows as a one-shard snapshot with a manifest at dir.
func WriteSnapshot[T any](t testing.TB, dir, split string, rows []T) {
	t.Helper()
	WriteShard(t, filepath.Join(dir, snapshot.ShardName(0, 1)), rows)
	summary, err := snapshot.Inspect(dir)
	if err != nil {
		t.Fatalf("inspect snapshot: %v", err)
	}
	manifest := snapshot.Manifest{
		Repo:      "local/test",
		Split:     split,
		Rows:      summary.Rows,
		Columns:   summary.Columns,
		Shards:    summary.Shards,
		Bytes:     summary.Bytes,
		FetchedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := snapshot.WriteManifest(dir, manifest); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

// SpeechRows builds n rows whose audio payload and sentence encode the index.
func SpeechRows(n int) []SpeechRow {
	rows := make([]SpeechRow, n)
	for i := range rows {
		rows[i] = SpeechRow{
			Audio:    SpeechAudio{Bytes: []byte{'R', 'I', 'F', 'F', byte(i)}, Path: "clip.wav"},
			Sentence: "sentence " + string(rune('a'+i%26)),
			ClientID: "speaker",
		}
	}
	return rows
}

// WAVRows builds n rows carrying real 16 kHz PCM WAV clips of increasing
// length, so they decode without ffmpeg. Transcripts are "word<i>".
func WAVRows(n int) []SpeechRow {
	rows := make([]SpeechRow, n)
	for i := range rows {
		samples := make([]float32, 160*(i+1))
		for j := range samples {
			samples[j] = float32(j%32)/32 - 0.5
		}
		rows[i] = SpeechRow{
			Audio:    SpeechAudio{Bytes: audio.EncodeWAV(samples, 16000), Path: "clip.wav"},
			Sentence: "word" + string(rune('a'+i%26)),
			ClientID: "speaker",
		}
	}
	return rows
}
