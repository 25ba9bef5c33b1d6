package wer_test

import (
	"context"
	"math"
	"slices"
	"testing"

	"speechtune/internal/backend"
	"speechtune/internal/testsupport"
	"speechtune/internal/wer"
)

func TestWER(t *testing.T) {
	tests := []struct {
		name  string
		preds []string
		refs  []string
		want  float64
	}{
		{"exact", []string{"the cat sat"}, []string{"the cat sat"}, 0},
		{"substitution", []string{"the dog sat"}, []string{"the cat sat"}, 1.0 / 3},
		{"deletion", []string{"the sat"}, []string{"the cat sat"}, 1.0 / 3},
		{"insertion", []string{"the big cat sat"}, []string{"the cat sat"}, 1.0 / 3},
		{"empty prediction", []string{""}, []string{"a b"}, 1},
		{"corpus level", []string{"a b", "x"}, []string{"a c", "x y z"}, 3.0 / 5},
		{"whitespace", []string{"  a\tb "}, []string{"a b"}, 0},
		{"all empty", []string{"", ""}, []string{"", " "}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wer.WER(tt.preds, tt.refs)
			if err != nil {
				t.Fatalf("WER: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("WER = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWERErrors(t *testing.T) {
	if _, err := wer.WER([]string{"a"}, nil); err == nil {
		t.Fatal("expected length mismatch error")
	}
	if _, err := wer.WER([]string{"a"}, []string{""}); err == nil {
		t.Fatal("expected error for words against empty references")
	}
}

func TestComputeMetricsRestoresIgnoreIndex(t *testing.T) {
	ctx := context.Background()
	fake := testsupport.NewFakeBackend()
	ref, err := fake.Tokenize(ctx, "hello there world")
	if err != nil {
		t.Fatal(err)
	}
	pred, err := fake.Tokenize(ctx, "hello world")
	if err != nil {
		t.Fatal(err)
	}
	labels := [][]int64{append(slices.Clone(ref), backend.IgnoreIndex, backend.IgnoreIndex)}
	original := slices.Clone(labels[0])

	metrics, err := wer.ComputeMetrics(ctx, fake, [][]int64{pred}, labels, testsupport.FakePadID)
	if err != nil {
		t.Fatalf("ComputeMetrics: %v", err)
	}
	if math.Abs(metrics.WER-100.0/3) > 1e-9 {
		t.Fatalf("WER = %v, want 33.3", metrics.WER)
	}
	if !slices.Equal(labels[0], original) {
		t.Fatalf("labels were modified: %v", labels[0])
	}
}

func TestComputeMetricsPropagatesDecodeErrors(t *testing.T) {
	fake := testsupport.NewFakeBackend()
	fake.FailOp = "decode"
	if _, err := wer.ComputeMetrics(context.Background(), fake, [][]int64{{1}}, [][]int64{{1}}, 0); err == nil {
		t.Fatal("expected decode failure")
	}
}
