package backend

import "context"

// IgnoreIndex marks label positions excluded from loss and metrics.
const IgnoreIndex = -100

// LoadOptions configures model loading.
type LoadOptions struct {
	Model                 string `json:"model"`
	Language              string `json:"language"`
	Task                  string `json:"task"`
	FP16                  bool   `json:"fp16"`
	GradientCheckpointing bool   `json:"gradient_checkpointing"`
	Seed                  int64  `json:"seed"`
	SampleRate            int    `json:"sample_rate"`
}

// ModelInfo reports what the loaded model and tokenizer look like.
type ModelInfo struct {
	Model               string `json:"model"`
	Device              string `json:"device"`
	Parameters          int64  `json:"parameters"`
	NumMelBins          int    `json:"num_mel_bins"`
	PadTokenID          int64  `json:"pad_token_id"`
	EOSTokenID          int64  `json:"eos_token_id"`
	DecoderStartTokenID int64  `json:"decoder_start_token_id"`
}

// StepRequest is one optimizer step over a collated batch.
type StepRequest struct {
	Features     Tensor    `json:"features"`
	Labels       [][]int64 `json:"labels"`
	LearningRate float64   `json:"learning_rate"`
	MaxGradNorm  float64   `json:"max_grad_norm"`
}

// StepResult reports the training loss of one step.
type StepResult struct {
	Loss     float64 `json:"loss"`
	GradNorm float64 `json:"grad_norm"`
}

// EvalRequest scores a collated batch and generates predictions.
type EvalRequest struct {
	Features  Tensor    `json:"features"`
	Labels    [][]int64 `json:"labels"`
	MaxLength int       `json:"max_length"`
}

// EvalResult carries the batch loss and generated token ids.
type EvalResult struct {
	Loss        float64   `json:"loss"`
	Predictions [][]int64 `json:"predictions"`
}

// Backend is the framework surface the driver orchestrates.
type Backend interface {
	Load(ctx context.Context, opts LoadOptions) (ModelInfo, error)
	// Extract returns the (mel bins × frames) input features for mono
	// samples at the loaded sample rate.
	Extract(ctx context.Context, samples []float32) (Tensor, error)
	Tokenize(ctx context.Context, text string) ([]int64, error)
	// Decode batch-decodes token ids with special tokens skipped.
	Decode(ctx context.Context, ids [][]int64) ([]string, error)
	TrainStep(ctx context.Context, req StepRequest) (StepResult, error)
	Evaluate(ctx context.Context, req EvalRequest) (EvalResult, error)
	SaveCheckpoint(ctx context.Context, dir string) error
	LoadCheckpoint(ctx context.Context, dir string) error
	// Save writes the final model weights and processor files to dir.
	Save(ctx context.Context, dir string) error
	Close() error
}
