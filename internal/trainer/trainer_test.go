package trainer_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"speechtune/internal/backend"
	"speechtune/internal/prep"
	"speechtune/internal/services"
	"speechtune/internal/telemetry"
	"speechtune/internal/testsupport"
	"speechtune/internal/trainer"
)

type memDataset []prep.Example

func (m memDataset) Len() int { return len(m) }

func (m memDataset) Get(_ context.Context, i int) (prep.Example, error) {
	if i < 0 || i >= len(m) {
		return prep.Example{}, errors.New("index out of range")
	}
	return m[i], nil
}

func examples(n int) memDataset {
	out := make(memDataset, n)
	for i := range out {
		t := backend.NewTensor(testsupport.FakeMelBins, 3)
		out[i] = prep.Example{
			InputFeatures: t,
			Labels:        []int64{testsupport.FakeBOSID, testsupport.FakeFirstWordID + int64(i), testsupport.FakeEOSID},
		}
	}
	return out
}

func baseArgs(dir string) trainer.Args {
	return trainer.Args{
		OutputDir:    dir,
		NumEpochs:    2,
		BatchSize:    4,
		LearningRate: 1e-3,
		MaxSteps:     -1,
		WarmupSteps:  2,
		EvalSteps:    2,
		SaveSteps:    2,
		LoggingSteps: 50,
		Seed:         42,
	}
}

func modelInfo() backend.ModelInfo {
	return backend.ModelInfo{PadTokenID: testsupport.FakePadID, DecoderStartTokenID: testsupport.FakeBOSID}
}

func TestScheduleWarmupThenDecay(t *testing.T) {
	s := trainer.Schedule{Base: 1, Warmup: 2, Total: 6}
	want := map[int]float64{0: 0, 1: 0.5, 2: 1, 3: 0.75, 4: 0.5, 6: 0, 8: 0}
	for step, lr := range want {
		if got := s.At(step); math.Abs(got-lr) > 1e-12 {
			t.Fatalf("At(%d) = %v, want %v", step, got, lr)
		}
	}
	noWarmup := trainer.Schedule{Base: 2, Total: 4}
	if got := noWarmup.At(0); got != 2 {
		t.Fatalf("expected full rate at step 0 without warmup, got %v", got)
	}
}

func TestNewPlan(t *testing.T) {
	tests := []struct {
		name                         string
		examples, batch, epochs, max int
		want                         trainer.Plan
	}{
		{"epochs", 10, 4, 3, -1, trainer.Plan{StepsPerEpoch: 3, Epochs: 3, TotalSteps: 9}},
		{"max steps", 10, 4, 3, 5, trainer.Plan{StepsPerEpoch: 3, Epochs: 2, TotalSteps: 5}},
		{"max beyond epochs", 8, 4, 1, 7, trainer.Plan{StepsPerEpoch: 2, Epochs: 4, TotalSteps: 7}},
		{"empty", 0, 4, 3, -1, trainer.Plan{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trainer.NewPlan(tt.examples, tt.batch, tt.epochs, tt.max); got != tt.want {
				t.Fatalf("NewPlan = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTrainEvaluatesCheckpointsAndRestoresBest(t *testing.T) {
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "model")
	fake := testsupport.NewFakeBackend()
	// Evaluations at steps 2 and 6 predict nothing; step 4 is perfect.
	fake.Predict = func(call int, labels [][]int64) [][]int64 {
		if call == 2 || call == 3 {
			return labels
		}
		return make([][]int64, len(labels))
	}

	var recorded []trainer.Evaluation
	metrics := telemetry.New()
	tr, err := trainer.New(fake, modelInfo(), baseArgs(out),
		trainer.WithMetrics(metrics),
		trainer.WithEvalRecorder(func(_ context.Context, e trainer.Evaluation) error {
			recorded = append(recorded, e)
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := tr.Train(ctx, examples(10), examples(3))
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if result.GlobalStep != 6 {
		t.Fatalf("expected 6 steps, got %d", result.GlobalStep)
	}
	if !slices.Equal(fake.StepBatches, []int{4, 4, 2, 4, 4, 2}) {
		t.Fatalf("unexpected train batches %v", fake.StepBatches)
	}
	if !slices.Equal(fake.EvalBatches, []int{2, 1, 2, 1, 2, 1}) {
		t.Fatalf("unexpected eval batches %v", fake.EvalBatches)
	}
	if fake.StepLRs[0] != 0 || math.Abs(fake.StepLRs[1]-5e-4) > 1e-12 || math.Abs(fake.StepLRs[2]-1e-3) > 1e-12 {
		t.Fatalf("unexpected warmup rates %v", fake.StepLRs)
	}

	wantCheckpoints := []string{
		filepath.Join(out, "checkpoint-2"),
		filepath.Join(out, "checkpoint-4"),
		filepath.Join(out, "checkpoint-6"),
	}
	if !slices.Equal(fake.Checkpoints, wantCheckpoints) {
		t.Fatalf("unexpected checkpoints %v", fake.Checkpoints)
	}
	if !result.HasBest || result.BestCheckpoint != wantCheckpoints[1] || result.BestWER != 0 {
		t.Fatalf("unexpected best: %+v", result)
	}
	if !slices.Equal(fake.Restored, []string{wantCheckpoints[1]}) {
		t.Fatalf("expected best checkpoint reload, got %v", fake.Restored)
	}

	if len(recorded) != 3 || recorded[0].Step != 2 || recorded[0].WER != 100 || recorded[1].WER != 0 {
		t.Fatalf("unexpected recorded evaluations %+v", recorded)
	}
	if recorded[2].Loss != 0.5 {
		t.Fatalf("expected mean eval loss 0.5, got %v", recorded[2].Loss)
	}
	for _, e := range recorded {
		if e.LearningRate != fake.StepLRs[e.Step-1] {
			t.Fatalf("evaluation at step %d recorded lr %v, step used %v", e.Step, e.LearningRate, fake.StepLRs[e.Step-1])
		}
	}

	data, err := os.ReadFile(filepath.Join(out, trainer.StateFileName))
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var state trainer.State
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.GlobalStep != 6 || state.BestModelCheckpoint != wantCheckpoints[1] || state.BestMetric == nil || *state.BestMetric != 0 {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, err := os.Stat(filepath.Join(out, telemetry.FileName)); err != nil {
		t.Fatalf("expected metrics textfile: %v", err)
	}
}

func TestTrainStopsAtMaxSteps(t *testing.T) {
	fake := testsupport.NewFakeBackend()
	args := baseArgs(t.TempDir())
	args.MaxSteps = 5
	args.NumEpochs = 1
	args.EvalSteps = 0
	args.SaveSteps = 0
	tr, err := trainer.New(fake, modelInfo(), args)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := tr.Train(context.Background(), examples(10), nil)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if result.GlobalStep != 5 || len(fake.StepLRs) != 5 {
		t.Fatalf("expected 5 steps, got %d (%d calls)", result.GlobalStep, len(fake.StepLRs))
	}
	if fake.EvalCalls != 0 || len(fake.Checkpoints) != 0 || len(fake.Restored) != 0 {
		t.Fatalf("expected no eval or checkpoints: %+v", fake)
	}
	if result.HasBest {
		t.Fatal("expected no best checkpoint")
	}
}

func TestTrainWithoutEvalSetSkipsEvaluation(t *testing.T) {
	fake := testsupport.NewFakeBackend()
	tr, err := trainer.New(fake, modelInfo(), baseArgs(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := tr.Train(context.Background(), examples(4), memDataset{})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if fake.EvalCalls != 0 || result.HasBest || len(fake.Restored) != 0 {
		t.Fatalf("unexpected evaluation activity: %+v", result)
	}
	if result.GlobalStep != 2 || len(fake.Checkpoints) != 1 {
		t.Fatalf("expected 2 steps and one checkpoint, got %d %v", result.GlobalStep, fake.Checkpoints)
	}
}

func TestTrainPropagatesBackendFailure(t *testing.T) {
	fake := testsupport.NewFakeBackend()
	fake.FailOp = "train_step"
	tr, err := trainer.New(fake, modelInfo(), baseArgs(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.Train(context.Background(), examples(4), nil); err == nil {
		t.Fatal("expected train step failure")
	}
}

func TestTrainHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, err := trainer.New(testsupport.NewFakeBackend(), modelInfo(), baseArgs(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.Train(ctx, examples(4), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewRejectsInvalidArgs(t *testing.T) {
	args := baseArgs(t.TempDir())
	args.BatchSize = 0
	if _, err := trainer.New(testsupport.NewFakeBackend(), modelInfo(), args); !errors.Is(err, services.ErrUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}

	misaligned := baseArgs(t.TempDir())
	misaligned.EvalSteps = 2
	misaligned.SaveSteps = 3
	if _, err := trainer.New(testsupport.NewFakeBackend(), modelInfo(), misaligned); !errors.Is(err, services.ErrUsage) {
		t.Fatalf("expected usage error for save steps not a multiple of eval steps, got %v", err)
	}
	aligned := baseArgs(t.TempDir())
	aligned.EvalSteps = 2
	aligned.SaveSteps = 4
	if _, err := trainer.New(testsupport.NewFakeBackend(), modelInfo(), aligned); err != nil {
		t.Fatalf("save steps a multiple of eval steps should be accepted: %v", err)
	}
	saveOnly := baseArgs(t.TempDir())
	saveOnly.EvalSteps = 0
	saveOnly.SaveSteps = 3
	if _, err := trainer.New(testsupport.NewFakeBackend(), modelInfo(), saveOnly); err != nil {
		t.Fatalf("save without evaluation should be accepted: %v", err)
	}
	if got := baseArgs("x").EvalBatchSize(); got != 2 {
		t.Fatalf("EvalBatchSize = %d", got)
	}
	one := baseArgs("x")
	one.BatchSize = 1
	if one.EvalBatchSize() != 1 {
		t.Fatal("expected eval batch size floor of 1")
	}
}

func TestLabelsStripDecoderStartToken(t *testing.T) {
	cases := map[string]struct {
		startID   int64
		wantFirst int64
	}{
		"matching start token": {startID: testsupport.FakeBOSID, wantFirst: testsupport.FakeFirstWordID},
		"other start token":    {startID: 999, wantFirst: testsupport.FakeBOSID},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			fake := testsupport.NewFakeBackend()
			var rows [][]int64
			fake.Predict = func(_ int, labels [][]int64) [][]int64 {
				rows = append(rows, labels...)
				return labels
			}
			info := backend.ModelInfo{PadTokenID: testsupport.FakePadID, DecoderStartTokenID: tc.startID}
			tr, err := trainer.New(fake, info, baseArgs(t.TempDir()))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, err := tr.Evaluate(context.Background(), examples(1)); err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if len(rows) != 1 || len(rows[0]) == 0 || rows[0][0] != tc.wantFirst {
				t.Fatalf("unexpected label rows %v", rows)
			}
		})
	}
}

func TestEvaluateScoresPredictions(t *testing.T) {
	fake := testsupport.NewFakeBackend()
	fake.Predict = func(_ int, labels [][]int64) [][]int64 {
		labels[0] = nil
		return labels
	}
	tr, err := trainer.New(fake, modelInfo(), baseArgs(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := tr.Evaluate(context.Background(), examples(2))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.WER != 50 {
		t.Fatalf("expected WER 50, got %v", got.WER)
	}
}
