package featurecache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"speechtune/internal/backend"
	"speechtune/internal/prep"
	"speechtune/internal/services"
)

func example(values ...float32) prep.Example {
	return prep.Example{
		InputFeatures: backend.Tensor{Shape: []int{1, len(values)}, Data: values},
		Labels:        []int64{1, int64(len(values)), 2},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, err := Open(filepath.Join(t.TempDir(), "features", "run.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	if err := cache.Put(ctx, "train", 0, example(0.5, -1, 2)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cache.Put(ctx, "train", 1, example(3)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cache.Put(ctx, "eval", 0, example(9, 9)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := cache.Get(ctx, "train", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !slices.Equal(got.InputFeatures.Data, []float32{0.5, -1, 2}) || !slices.Equal(got.InputFeatures.Shape, []int{1, 3}) {
		t.Fatalf("unexpected features %+v", got.InputFeatures)
	}
	if !slices.Equal(got.Labels, []int64{1, 3, 2}) {
		t.Fatalf("unexpected labels %v", got.Labels)
	}

	split, err := cache.Split(ctx, "train")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if split.Len() != 2 || split.Name() != "train" {
		t.Fatalf("unexpected split view %d %q", split.Len(), split.Name())
	}
	second, err := split.Get(ctx, 1)
	if err != nil || second.InputFeatures.Data[0] != 3 {
		t.Fatalf("split Get: %+v %v", second, err)
	}

	if _, err := cache.Get(ctx, "train", 5); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPutReplacesAndRejectsBadTensor(t *testing.T) {
	ctx := context.Background()
	cache, err := Open(filepath.Join(t.TempDir(), "run.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	if err := cache.Put(ctx, "train", 0, example(1)); err != nil {
		t.Fatal(err)
	}
	if err := cache.Put(ctx, "train", 0, example(4, 5)); err != nil {
		t.Fatal(err)
	}
	n, err := cache.Count(ctx, "train")
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v", n, err)
	}

	bad := prep.Example{InputFeatures: backend.Tensor{Shape: []int{2, 2}, Data: []float32{1}}}
	if err := cache.Put(ctx, "train", 1, bad); err == nil {
		t.Fatal("expected shape validation error")
	}
}

func TestRemoveDeletesFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")
	cache, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := cache.Put(context.Background(), "train", 0, example(1)); err != nil {
		t.Fatal(err)
	}
	if err := cache.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed", path+suffix)
		}
	}
}
