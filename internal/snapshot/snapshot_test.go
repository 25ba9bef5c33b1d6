package snapshot_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"speechtune/internal/services"
	"speechtune/internal/snapshot"
	"speechtune/internal/testsupport"
)

func collect(t *testing.T, ds *snapshot.Dataset) []snapshot.Example {
	t.Helper()
	var out []snapshot.Example
	if err := ds.Each(context.Background(), func(ex snapshot.Example) error {
		out = append(out, ex)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	return out
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := snapshot.Manifest{
		Dataset:   "tedlium3",
		Repo:      "LIUM/tedlium",
		Config:    "release3",
		Split:     "train",
		Rows:      42,
		Columns:   []string{"audio", "text"},
		Shards:    []string{snapshot.ShardName(0, 1)},
		Bytes:     1024,
		FetchedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := snapshot.WriteManifest(dir, want); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	got, err := snapshot.ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.Rows != want.Rows || got.Split != want.Split || !slices.Equal(got.Columns, want.Columns) || !got.FetchedAt.Equal(want.FetchedAt) {
		t.Fatalf("manifest mismatch: got %+v want %+v", got, want)
	}
	if _, err := os.Stat(filepath.Join(dir, snapshot.ManifestName+".tmp")); !os.IsNotExist(err) {
		t.Fatal("temp manifest left behind")
	}
}

func TestReadManifestMissingIsNotFound(t *testing.T) {
	_, err := snapshot.ReadManifest(t.TempDir())
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestShardName(t *testing.T) {
	if got := snapshot.ShardName(3, 12); got != "data-00003-of-00012.parquet" {
		t.Fatalf("ShardName = %q", got)
	}
}

func TestInspectCountsRowsAcrossShards(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteShard(t, filepath.Join(dir, snapshot.ShardName(0, 2)), testsupport.SpeechRows(3))
	testsupport.WriteShard(t, filepath.Join(dir, snapshot.ShardName(1, 2)), testsupport.SpeechRows(4))

	summary, err := snapshot.Inspect(dir)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if summary.Rows != 7 {
		t.Fatalf("expected 7 rows, got %d", summary.Rows)
	}
	if !slices.Equal(summary.Columns, []string{"audio", "sentence", "client_id"}) {
		t.Fatalf("unexpected columns %v", summary.Columns)
	}
	if len(summary.Shards) != 2 || summary.Bytes <= 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestEachDecodesAudioAndText(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteSnapshot(t, dir, "train", testsupport.SpeechRows(5))

	ds, err := snapshot.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ds.Len() != 5 {
		t.Fatalf("Len = %d", ds.Len())
	}
	examples := collect(t, ds)
	if len(examples) != 5 {
		t.Fatalf("expected 5 examples, got %d", len(examples))
	}
	for i, ex := range examples {
		if ex.Index != i {
			t.Fatalf("example %d has index %d", i, ex.Index)
		}
		if len(ex.Audio) != 5 || ex.Audio[4] != byte(i) {
			t.Fatalf("example %d audio = %v", i, ex.Audio)
		}
		if ex.AudioPath != "clip.wav" {
			t.Fatalf("example %d path = %q", i, ex.AudioPath)
		}
		if ex.Text["sentence"] != "sentence "+string(rune('a'+i)) || ex.Text["client_id"] != "speaker" {
			t.Fatalf("example %d text = %v", i, ex.Text)
		}
	}
}

func TestOpenWithoutManifestInspectsShards(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "validation")
	testsupport.WriteShard(t, filepath.Join(dir, "0000.parquet"), testsupport.SpeechRows(2))

	ds, err := snapshot.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ds.Manifest.Split != "validation" || ds.Len() != 2 {
		t.Fatalf("unexpected manifest %+v", ds.Manifest)
	}
}

func TestHeadCapsRows(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteSnapshot(t, dir, "train", testsupport.SpeechRows(6))
	ds, err := snapshot.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	head := ds.Head(4)
	if head.Len() != 4 || len(collect(t, head)) != 4 {
		t.Fatal("expected 4 rows from Head(4)")
	}
	if ds.Len() != 6 {
		t.Fatal("Head must not modify the receiver")
	}
	if got := head.Head(10).Len(); got != 4 {
		t.Fatalf("nested Head widened the view to %d", got)
	}
	if got := len(collect(t, ds.Head(0))); got != 0 {
		t.Fatalf("Head(0) yielded %d rows", got)
	}
}

func TestEachStopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteSnapshot(t, dir, "train", testsupport.SpeechRows(3))
	ds, _ := snapshot.Open(dir)
	stop := errors.New("stop")
	calls := 0
	err := ds.Each(context.Background(), func(snapshot.Example) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected stop after one call, got %v after %d", err, calls)
	}
}

func TestLoadSingleSnapshotSelectsFallbackEval(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteSnapshot(t, dir, "train", testsupport.SpeechRows(7))

	dict, err := snapshot.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !dict.Single {
		t.Fatal("expected single snapshot")
	}
	sel, err := dict.Select(500)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Train.Len() != 7 || sel.Eval.Len() != 7 {
		t.Fatalf("unexpected sizes train=%d eval=%d", sel.Train.Len(), sel.Eval.Len())
	}
	sel, _ = dict.Select(3)
	if sel.Eval.Len() != 3 || sel.EvalName != "train[:3]" {
		t.Fatalf("unexpected eval %s len %d", sel.EvalName, sel.Eval.Len())
	}
}

func TestLoadDictPrefersValidationThenTest(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteSnapshot(t, filepath.Join(root, "train"), "train", testsupport.SpeechRows(4))
	testsupport.WriteSnapshot(t, filepath.Join(root, "test"), "test", testsupport.SpeechRows(2))
	if err := snapshot.WriteDict(root, []string{"train", "test"}); err != nil {
		t.Fatalf("WriteDict: %v", err)
	}

	dict, err := snapshot.Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sel, err := dict.Select(500)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.EvalName != "test" || sel.Eval.Len() != 2 {
		t.Fatalf("expected test split for eval, got %s", sel.EvalName)
	}

	testsupport.WriteSnapshot(t, filepath.Join(root, "validation"), "validation", testsupport.SpeechRows(1))
	if err := snapshot.WriteDict(root, []string{"train", "validation", "test"}); err != nil {
		t.Fatalf("WriteDict: %v", err)
	}
	dict, _ = snapshot.Load(root)
	sel, _ = dict.Select(500)
	if sel.EvalName != "validation" {
		t.Fatalf("expected validation split for eval, got %s", sel.EvalName)
	}
}

func TestLoadDictWithoutIndexDiscoversSplits(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteSnapshot(t, filepath.Join(root, "train"), "train", testsupport.SpeechRows(2))
	dict, err := snapshot.Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if dict.Single || len(dict.Order) != 1 || dict.Order[0] != "train" {
		t.Fatalf("unexpected dict %+v", dict)
	}
	sel, err := dict.Select(1)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Eval.Len() != 1 {
		t.Fatalf("expected fallback eval of 1, got %d", sel.Eval.Len())
	}
}

func TestSelectWithoutTrainSplitFails(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteSnapshot(t, filepath.Join(root, "test"), "test", testsupport.SpeechRows(2))
	dict, err := snapshot.Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := dict.Select(10); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadMissingPath(t *testing.T) {
	_, err := snapshot.Load(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := snapshot.Load(t.TempDir()); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for empty dir, got %v", err)
	}
}
