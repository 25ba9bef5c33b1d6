package trainer

// Schedule is a linear warmup followed by linear decay to zero.
type Schedule struct {
	Base   float64
	Warmup int
	Total  int
}

// At returns the learning rate applied at zero-based step.
func (s Schedule) At(step int) float64 {
	if step < s.Warmup {
		return s.Base * float64(step) / float64(max(1, s.Warmup))
	}
	remaining := float64(s.Total-step) / float64(max(1, s.Total-s.Warmup))
	return s.Base * max(0, remaining)
}

// Plan describes how many optimizer steps a run takes.
type Plan struct {
	StepsPerEpoch int
	Epochs        int
	TotalSteps    int
}

// NewPlan computes the step plan. A positive maxSteps overrides epochs and
// may stop partway through an epoch.
func NewPlan(examples, batchSize, epochs, maxSteps int) Plan {
	perEpoch := (examples + batchSize - 1) / max(1, batchSize)
	if perEpoch == 0 {
		return Plan{}
	}
	if maxSteps > 0 {
		return Plan{
			StepsPerEpoch: perEpoch,
			Epochs:        (maxSteps + perEpoch - 1) / perEpoch,
			TotalSteps:    maxSteps,
		}
	}
	return Plan{StepsPerEpoch: perEpoch, Epochs: epochs, TotalSteps: perEpoch * epochs}
}
