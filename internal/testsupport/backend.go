package testsupport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"speechtune/internal/backend"
)

// Token ids used by FakeBackend. Word ids start at FakeFirstWordID.
const (
	FakePadID       int64 = 0
	FakeBOSID       int64 = 1
	FakeEOSID       int64 = 2
	FakeFirstWordID int64 = 10
	FakeMelBins           = 2
)

// FakeBackend is an in-memory backend.Backend. Tokens map one-to-one to
// words; features are (2 × len(samples)) with the samples repeated per row.
// Evaluate echoes the labels as predictions unless Predict is set.
type FakeBackend struct {
	mu sync.Mutex

	// Predict rewrites the echoed predictions of the call-th Evaluate call
	// (zero based, one call per eval batch).
	Predict func(call int, labels [][]int64) [][]int64
	// FailOp makes the named operation return an error.
	FailOp string

	vocab       map[string]int64
	words       []string
	Loaded      backend.LoadOptions
	StepLRs     []float64
	StepBatches []int
	EvalCalls   int
	EvalBatches []int
	Checkpoints []string
	Restored    []string
	Saved       []string
	Extracted   int
	Closed      bool
}

var _ backend.Backend = (*FakeBackend)(nil)

// NewFakeBackend returns an empty fake.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{vocab: map[string]int64{}}
}

func (f *FakeBackend) fail(op string) error {
	if f.FailOp == op {
		return fmt.Errorf("fake %s failure", op)
	}
	return nil
}

// Load implements backend.Backend.
func (f *FakeBackend) Load(_ context.Context, opts backend.LoadOptions) (backend.ModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("load"); err != nil {
		return backend.ModelInfo{}, err
	}
	f.Loaded = opts
	return backend.ModelInfo{
		Model:               opts.Model,
		Device:              "cpu",
		NumMelBins:          FakeMelBins,
		PadTokenID:          FakePadID,
		EOSTokenID:          FakeEOSID,
		DecoderStartTokenID: FakeBOSID,
	}, nil
}

// Extract implements backend.Backend.
func (f *FakeBackend) Extract(_ context.Context, samples []float32) (backend.Tensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("extract"); err != nil {
		return backend.Tensor{}, err
	}
	f.Extracted++
	t := backend.NewTensor(FakeMelBins, len(samples))
	for row := range FakeMelBins {
		copy(t.Data[row*len(samples):], samples)
	}
	return t, nil
}

// Tokenize implements backend.Backend.
func (f *FakeBackend) Tokenize(_ context.Context, text string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("tokenize"); err != nil {
		return nil, err
	}
	ids := []int64{FakeBOSID}
	for _, word := range strings.Fields(text) {
		id, ok := f.vocab[word]
		if !ok {
			id = FakeFirstWordID + int64(len(f.words))
			f.vocab[word] = id
			f.words = append(f.words, word)
		}
		ids = append(ids, id)
	}
	return append(ids, FakeEOSID), nil
}

// Decode implements backend.Backend.
func (f *FakeBackend) Decode(_ context.Context, ids [][]int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("decode"); err != nil {
		return nil, err
	}
	texts := make([]string, len(ids))
	for i, seq := range ids {
		var words []string
		for _, id := range seq {
			if id < 0 {
				return nil, fmt.Errorf("negative token id %d", id)
			}
			if id < FakeFirstWordID {
				continue
			}
			idx := int(id - FakeFirstWordID)
			if idx < len(f.words) {
				words = append(words, f.words[idx])
			} else {
				words = append(words, fmt.Sprintf("<%d>", id))
			}
		}
		texts[i] = strings.Join(words, " ")
	}
	return texts, nil
}

// TrainStep implements backend.Backend.
func (f *FakeBackend) TrainStep(_ context.Context, req backend.StepRequest) (backend.StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("train_step"); err != nil {
		return backend.StepResult{}, err
	}
	if err := req.Features.Validate(); err != nil {
		return backend.StepResult{}, err
	}
	f.StepLRs = append(f.StepLRs, req.LearningRate)
	f.StepBatches = append(f.StepBatches, len(req.Labels))
	return backend.StepResult{Loss: 1 / float64(len(f.StepLRs))}, nil
}

// Evaluate implements backend.Backend.
func (f *FakeBackend) Evaluate(_ context.Context, req backend.EvalRequest) (backend.EvalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("evaluate"); err != nil {
		return backend.EvalResult{}, err
	}
	f.EvalBatches = append(f.EvalBatches, len(req.Labels))
	preds := make([][]int64, len(req.Labels))
	for i, row := range req.Labels {
		preds[i] = slices.DeleteFunc(slices.Clone(row), func(id int64) bool { return id == backend.IgnoreIndex })
	}
	if f.Predict != nil {
		preds = f.Predict(f.EvalCalls, preds)
	}
	f.EvalCalls++
	return backend.EvalResult{Loss: 0.5, Predictions: preds}, nil
}

// SaveCheckpoint implements backend.Backend.
func (f *FakeBackend) SaveCheckpoint(_ context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("save_checkpoint"); err != nil {
		return err
	}
	f.Checkpoints = append(f.Checkpoints, dir)
	return writeMarker(dir)
}

// LoadCheckpoint implements backend.Backend.
func (f *FakeBackend) LoadCheckpoint(_ context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Restored = append(f.Restored, dir)
	return nil
}

// Save implements backend.Backend.
func (f *FakeBackend) Save(_ context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("save"); err != nil {
		return err
	}
	f.Saved = append(f.Saved, dir)
	return writeMarker(dir)
}

// Close implements backend.Backend.
func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func writeMarker(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "model.safetensors"), []byte("fake"), 0o644)
}
