package trainer

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"speechtune/internal/fileutil"
)

// StateFileName is written under the output directory after training.
const StateFileName = "trainer_state.json"

// LogEntry is one line of the training history. Train entries carry Loss
// and LearningRate; evaluation entries carry EvalWER and EvalLoss.
type LogEntry struct {
	Step         int      `json:"step"`
	Epoch        float64  `json:"epoch"`
	Loss         *float64 `json:"loss,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
	EvalWER      *float64 `json:"eval_wer,omitempty"`
	EvalLoss     *float64 `json:"eval_loss,omitempty"`
}

// State is the persisted summary of a finished loop.
type State struct {
	GlobalStep          int        `json:"global_step"`
	Epoch               float64    `json:"epoch"`
	MaxSteps            int        `json:"max_steps"`
	TrainBatchSize      int        `json:"train_batch_size"`
	BestMetric          *float64   `json:"best_metric"`
	BestModelCheckpoint string     `json:"best_model_checkpoint,omitempty"`
	LogHistory          []LogEntry `json:"log_history"`
}

// Write stores the state as dir/trainer_state.json.
func (s State) Write(dir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trainer state: %w", err)
	}
	return fileutil.WriteFileAtomic(filepath.Join(dir, StateFileName), append(data, '\n'), 0o644)
}
