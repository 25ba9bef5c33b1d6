package runs

import "time"

// Status represents the lifecycle of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Kind says which program opened a run.
type Kind string

const (
	KindFetch Kind = "fetch"
	KindTrain Kind = "train"
)

// Params describes what a run fetches or trains. Hyperparameters are stored
// as JSON. An empty Kind means KindTrain.
type Params struct {
	Kind      Kind
	Model     string
	Dataset   string
	Language  string
	OutputDir string
	Hyper     any
}

// Run is one ledger row.
type Run struct {
	ID             string
	Kind           Kind
	Model          string
	Dataset        string
	Language       string
	OutputDir      string
	ParamsJSON     string
	Status         Status
	ErrorMessage   string
	Samples        int
	Steps          int
	BestWER        float64
	BestCheckpoint string
	HasBestWER     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     time.Time
}

// Duration returns wall time from creation to finish, or to now while running.
func (r Run) Duration(now time.Time) time.Duration {
	end := r.FinishedAt
	if end.IsZero() {
		end = now
	}
	if end.Before(r.CreatedAt) {
		return 0
	}
	return end.Sub(r.CreatedAt)
}

// Summary is recorded when a run completes. Samples counts exported rows
// for fetch runs and training examples for train runs.
type Summary struct {
	Samples        int
	Steps          int
	BestWER        float64
	BestCheckpoint string
	HasBestWER     bool
}

// Evaluation is one scored evaluation pass.
type Evaluation struct {
	RunID        string
	Step         int
	WER          float64
	Loss         float64
	LearningRate float64
	RecordedAt   time.Time
}
