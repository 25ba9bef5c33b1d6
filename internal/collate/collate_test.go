package collate

import (
	"slices"
	"testing"

	"speechtune/internal/backend"
	"speechtune/internal/prep"
)

func ex(bins, frames int, labels ...int64) prep.Example {
	t := backend.NewTensor(bins, frames)
	for i := range t.Data {
		t.Data[i] = float32(i + 1)
	}
	return prep.Example{InputFeatures: t, Labels: labels}
}

func TestCollatePadsLabelsWithIgnoreIndex(t *testing.T) {
	c := New(1)
	batch, err := c.Collate([]prep.Example{
		ex(2, 3, 1, 10, 11, 2),
		ex(2, 3, 1, 12, 2),
	})
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	if batch.Size() != 2 {
		t.Fatalf("expected 2 rows, got %d", batch.Size())
	}
	if !slices.Equal(batch.Labels[0], []int64{10, 11, 2}) {
		t.Fatalf("row 0: %v", batch.Labels[0])
	}
	if !slices.Equal(batch.Labels[1], []int64{12, 2, backend.IgnoreIndex}) {
		t.Fatalf("row 1: %v", batch.Labels[1])
	}
}

func TestCollateKeepsBOSUnlessEveryRowHasIt(t *testing.T) {
	c := New(1)
	batch, err := c.Collate([]prep.Example{
		ex(1, 1, 1, 10, 2),
		ex(1, 1, 10, 2),
	})
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	if !slices.Equal(batch.Labels[0], []int64{1, 10, 2}) {
		t.Fatalf("row 0: %v", batch.Labels[0])
	}
	if !slices.Equal(batch.Labels[1], []int64{10, 2, backend.IgnoreIndex}) {
		t.Fatalf("row 1: %v", batch.Labels[1])
	}

	empty, err := c.Collate([]prep.Example{ex(1, 1, 1, 2), ex(1, 1)})
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	if !slices.Equal(empty.Labels[1], []int64{backend.IgnoreIndex, backend.IgnoreIndex}) {
		t.Fatalf("empty row: %v", empty.Labels[1])
	}
}

func TestCollatePadsFeatureFrames(t *testing.T) {
	batch, err := New(1).Collate([]prep.Example{ex(2, 2, 1), ex(2, 3, 1)})
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	if !slices.Equal(batch.Features.Shape, []int{2, 2, 3}) {
		t.Fatalf("shape %v", batch.Features.Shape)
	}
	want := []float32{
		1, 2, 0,
		3, 4, 0,
		1, 2, 3,
		4, 5, 6,
	}
	if !slices.Equal(batch.Features.Data, want) {
		t.Fatalf("features %v", batch.Features.Data)
	}
}

func TestCollateRejectsMismatchedBins(t *testing.T) {
	if _, err := New(1).Collate([]prep.Example{ex(2, 2, 1), ex(3, 2, 1)}); err == nil {
		t.Fatal("expected bin mismatch error")
	}
	if _, err := New(1).Collate(nil); err == nil {
		t.Fatal("expected empty batch error")
	}
}
