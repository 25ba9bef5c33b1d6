package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"speechtune/internal/backend"
	"speechtune/internal/collate"
	"speechtune/internal/logging"
	"speechtune/internal/prep"
	"speechtune/internal/services"
	"speechtune/internal/telemetry"
	"speechtune/internal/wer"
)

// CheckpointPrefix names checkpoint directories under the output dir.
const CheckpointPrefix = "checkpoint-"

// Dataset is random access over prepared examples.
type Dataset interface {
	Len() int
	Get(ctx context.Context, i int) (prep.Example, error)
}

// Args are the loop hyperparameters.
type Args struct {
	OutputDir           string
	NumEpochs           int
	BatchSize           int
	LearningRate        float64
	MaxSteps            int
	WarmupSteps         int
	EvalSteps           int
	SaveSteps           int
	LoggingSteps        int
	GenerationMaxLength int
	MaxGradNorm         float64
	Seed                int64
}

// EvalBatchSize is half the training batch, at least one.
func (a Args) EvalBatchSize() int {
	return max(1, a.BatchSize/2)
}

// Validate reports hyperparameter combinations the loop cannot run.
func (a Args) Validate() error {
	switch {
	case a.OutputDir == "":
		return fmt.Errorf("output dir is required")
	case a.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", a.BatchSize)
	case a.MaxSteps <= 0 && a.NumEpochs <= 0:
		return fmt.Errorf("either epochs or max steps must be positive")
	case a.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %g", a.LearningRate)
	case a.WarmupSteps < 0:
		return fmt.Errorf("warmup steps must not be negative")
	case a.EvalSteps > 0 && a.SaveSteps > 0 && a.SaveSteps%a.EvalSteps != 0:
		return fmt.Errorf("save steps (%d) must be a multiple of eval steps (%d) to track the best checkpoint", a.SaveSteps, a.EvalSteps)
	}
	return nil
}

// Evaluation is one scored pass over the evaluation split. LearningRate is
// the rate applied on the step that triggered it.
type Evaluation struct {
	Step         int
	WER          float64
	Loss         float64
	LearningRate float64
}

// Result summarizes a finished loop.
type Result struct {
	GlobalStep     int
	BestWER        float64
	HasBest        bool
	BestCheckpoint string
	Evaluations    []Evaluation
	State          State
}

// EvalRecorder persists evaluations as they happen.
type EvalRecorder func(ctx context.Context, eval Evaluation) error

// Trainer drives a backend through the training loop.
type Trainer struct {
	backend  backend.Backend
	collator collate.Collator
	padID    int64
	args     Args
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	record   EvalRecorder
	now      func() time.Time
}

// Option customizes a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trainer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics publishes progress to m and writes its textfile after each
// evaluation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Trainer) { t.metrics = m }
}

// WithEvalRecorder calls fn after every evaluation.
func WithEvalRecorder(fn EvalRecorder) Option {
	return func(t *Trainer) { t.record = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trainer) {
		if now != nil {
			t.now = now
		}
	}
}

// New builds a Trainer. info comes from backend.Load and provides the pad
// and decoder start tokens.
func New(be backend.Backend, info backend.ModelInfo, args Args, opts ...Option) (*Trainer, error) {
	if err := args.Validate(); err != nil {
		return nil, services.Wrap(services.ErrUsage, "trainer", "configure", err.Error(), nil)
	}
	if args.LoggingSteps <= 0 {
		args.LoggingSteps = 50
	}
	if args.GenerationMaxLength <= 0 {
		args.GenerationMaxLength = 225
	}
	t := &Trainer{
		backend:  be,
		collator: collate.New(info.DecoderStartTokenID),
		padID:    info.PadTokenID,
		args:     args,
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

type loop struct {
	step      int
	state     State
	evals     []Evaluation
	best      float64
	hasBest   bool
	bestDir   string
	lastEval  *Evaluation
	lossSum   float64
	lossCount int
}

// Train runs the loop over train, evaluating on eval, and reloads the best
// checkpoint before returning.
func (t *Trainer) Train(ctx context.Context, train, eval Dataset) (Result, error) {
	ctx = services.WithStage(ctx, "train")
	logger := logging.WithContext(ctx, t.logger)

	if train.Len() == 0 {
		return Result{}, services.Wrap(services.ErrUsage, "trainer", "train", "training split is empty", nil)
	}
	if err := os.MkdirAll(t.args.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}

	plan := NewPlan(train.Len(), t.args.BatchSize, t.args.NumEpochs, t.args.MaxSteps)
	schedule := Schedule{Base: t.args.LearningRate, Warmup: t.args.WarmupSteps, Total: plan.TotalSteps}
	logger.Info("training started",
		logging.Int("examples", train.Len()),
		logging.Int("eval_examples", datasetLen(eval)),
		logging.Int("epochs", plan.Epochs),
		logging.Int("total_steps", plan.TotalSteps),
		logging.Int("batch_size", t.args.BatchSize),
	)

	l := &loop{state: State{MaxSteps: plan.TotalSteps, TrainBatchSize: t.args.BatchSize}}
	for epoch := 0; epoch < plan.Epochs && l.step < plan.TotalSteps; epoch++ {
		order := shuffle(train.Len(), t.args.Seed, epoch)
		for start := 0; start < len(order) && l.step < plan.TotalSteps; start += t.args.BatchSize {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			end := min(start+t.args.BatchSize, len(order))
			batch, err := t.batch(ctx, train, order[start:end])
			if err != nil {
				return Result{}, err
			}

			lr := schedule.At(l.step)
			began := t.now()
			res, err := t.backend.TrainStep(ctx, backend.StepRequest{
				Features:     batch.Features,
				Labels:       batch.Labels,
				LearningRate: lr,
				MaxGradNorm:  t.args.MaxGradNorm,
			})
			if err != nil {
				return Result{}, fmt.Errorf("train step %d: %w", l.step+1, err)
			}
			l.step++
			l.lossSum += res.Loss
			l.lossCount++
			if t.metrics != nil {
				t.metrics.RecordStep(l.step, lr, t.now().Sub(began).Seconds())
			}
			epochProgress := float64(epoch) + float64(end)/float64(len(order))

			if l.step%t.args.LoggingSteps == 0 {
				t.logTrain(logger, l, lr, epochProgress)
			}
			if t.args.EvalSteps > 0 && l.step%t.args.EvalSteps == 0 {
				if err := t.evaluateStep(ctx, logger, eval, l, lr, epochProgress); err != nil {
					return Result{}, err
				}
			}
			if t.args.SaveSteps > 0 && l.step%t.args.SaveSteps == 0 {
				if err := t.checkpoint(ctx, logger, l); err != nil {
					return Result{}, err
				}
			}
			l.state.Epoch = epochProgress
		}
	}
	if l.lossCount > 0 {
		t.logTrain(logger, l, schedule.At(l.step), l.state.Epoch)
	}

	if l.hasBest {
		logger.Info("loading best checkpoint",
			logging.String("checkpoint", l.bestDir),
			logging.Float64("wer", l.best),
		)
		if err := t.backend.LoadCheckpoint(ctx, l.bestDir); err != nil {
			return Result{}, fmt.Errorf("load best checkpoint: %w", err)
		}
		best := l.best
		l.state.BestMetric = &best
		l.state.BestModelCheckpoint = l.bestDir
	}
	l.state.GlobalStep = l.step
	if err := l.state.Write(t.args.OutputDir); err != nil {
		return Result{}, err
	}
	logger.Info("training finished", logging.Int(logging.FieldStep, l.step))

	return Result{
		GlobalStep:     l.step,
		BestWER:        l.best,
		HasBest:        l.hasBest,
		BestCheckpoint: l.bestDir,
		Evaluations:    l.evals,
		State:          l.state,
	}, nil
}

func (t *Trainer) logTrain(logger *slog.Logger, l *loop, lr, epoch float64) {
	if l.lossCount == 0 {
		return
	}
	loss := l.lossSum / float64(l.lossCount)
	l.lossSum, l.lossCount = 0, 0
	rate := lr
	l.state.LogHistory = append(l.state.LogHistory, LogEntry{Step: l.step, Epoch: epoch, Loss: &loss, LearningRate: &rate})
	if t.metrics != nil {
		t.metrics.TrainLoss.Set(loss)
	}
	logger.Info("training progress",
		logging.Int(logging.FieldStep, l.step),
		logging.Float64("loss", loss),
		logging.Float64("learning_rate", lr),
		logging.Float64("epoch", epoch),
	)
}

func (t *Trainer) evaluateStep(ctx context.Context, logger *slog.Logger, eval Dataset, l *loop, lr, epoch float64) error {
	if datasetLen(eval) == 0 {
		return nil
	}
	result, err := t.Evaluate(ctx, eval)
	if err != nil {
		return fmt.Errorf("evaluate at step %d: %w", l.step, err)
	}
	result.Step = l.step
	result.LearningRate = lr
	l.evals = append(l.evals, result)
	l.lastEval = &l.evals[len(l.evals)-1]
	werValue, lossValue := result.WER, result.Loss
	l.state.LogHistory = append(l.state.LogHistory, LogEntry{Step: l.step, Epoch: epoch, EvalWER: &werValue, EvalLoss: &lossValue})

	logger.Info("evaluation",
		logging.Int(logging.FieldStep, l.step),
		logging.Float64("wer", result.WER),
		logging.Float64("eval_loss", result.Loss),
	)
	if t.metrics != nil {
		t.metrics.RecordEvaluation(result.WER, result.Loss)
		if err := t.metrics.WriteFile(t.args.OutputDir); err != nil {
			logging.WarnWithContext(logger, "metrics textfile not written", "metrics_write_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "metrics.prom is stale until the next evaluation"),
			)
		}
	}
	if t.record != nil {
		if err := t.record(ctx, result); err != nil {
			logging.WarnWithContext(logger, "evaluation not recorded", "run_ledger_write_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "run ledger is missing this evaluation"),
			)
		}
	}
	return nil
}

func (t *Trainer) checkpoint(ctx context.Context, logger *slog.Logger, l *loop) error {
	dir := filepath.Join(t.args.OutputDir, CheckpointPrefix+strconv.Itoa(l.step))
	if err := t.backend.SaveCheckpoint(ctx, dir); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", filepath.Base(dir), err)
	}
	logger.Info("checkpoint saved", logging.String("checkpoint", dir), logging.Int(logging.FieldStep, l.step))
	if l.lastEval != nil && l.lastEval.Step == l.step {
		if !l.hasBest || l.lastEval.WER < l.best {
			l.best = l.lastEval.WER
			l.bestDir = dir
			l.hasBest = true
		}
	}
	return nil
}

// Evaluate runs generation over eval in order and scores the predictions.
// Step is left zero.
func (t *Trainer) Evaluate(ctx context.Context, eval Dataset) (Evaluation, error) {
	ctx = services.WithStage(ctx, "evaluate")
	size := t.args.EvalBatchSize()
	n := eval.Len()
	var (
		preds, labels [][]int64
		lossSum       float64
	)
	for start := 0; start < n; start += size {
		if err := ctx.Err(); err != nil {
			return Evaluation{}, err
		}
		indices := make([]int, 0, size)
		for i := start; i < min(start+size, n); i++ {
			indices = append(indices, i)
		}
		batch, err := t.batch(ctx, eval, indices)
		if err != nil {
			return Evaluation{}, err
		}
		res, err := t.backend.Evaluate(ctx, backend.EvalRequest{
			Features:  batch.Features,
			Labels:    batch.Labels,
			MaxLength: t.args.GenerationMaxLength,
		})
		if err != nil {
			return Evaluation{}, err
		}
		if len(res.Predictions) != batch.Size() {
			return Evaluation{}, fmt.Errorf("evaluate returned %d predictions for %d examples", len(res.Predictions), batch.Size())
		}
		preds = append(preds, res.Predictions...)
		labels = append(labels, batch.Labels...)
		lossSum += res.Loss * float64(batch.Size())
	}
	if n == 0 {
		return Evaluation{}, nil
	}
	metrics, err := wer.ComputeMetrics(ctx, t.backend, preds, labels, t.padID)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{WER: metrics.WER, Loss: lossSum / float64(n)}, nil
}

func (t *Trainer) batch(ctx context.Context, ds Dataset, indices []int) (collate.Batch, error) {
	examples := make([]prep.Example, len(indices))
	for i, idx := range indices {
		ex, err := ds.Get(ctx, idx)
		if err != nil {
			return collate.Batch{}, fmt.Errorf("load example %d: %w", idx, err)
		}
		examples[i] = ex
	}
	return t.collator.Collate(examples)
}

// shuffle returns a permutation of [0, n) that depends only on seed and epoch.
func shuffle(n int, seed int64, epoch int) []int {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(epoch)))
	return rng.Perm(n)
}

func datasetLen(ds Dataset) int {
	if ds == nil {
		return 0
	}
	return ds.Len()
}
