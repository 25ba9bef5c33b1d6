package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"speechtune/internal/config"
	"speechtune/internal/services"
)

// Requirement defines an external dependency speechtune relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		resolved, err := exec.LookPath(cmd)
		if err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Command = resolved
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Requirements lists the binaries the fine-tuning driver needs for cfg.
func Requirements(cfg *config.Config) []Requirement {
	reqs := []Requirement{
		{
			Name:        "FFmpeg",
			Command:     cfg.FFmpegBinary(),
			Description: "Decodes and resamples dataset audio",
		},
	}
	if cfg.Trainer.Python != "" {
		reqs = append(reqs, Requirement{
			Name:        "Python",
			Command:     cfg.Trainer.Python,
			Description: "Runs the training worker",
		})
	} else {
		reqs = append(reqs, Requirement{
			Name:        "uv",
			Command:     cfg.Trainer.UVCommand,
			Description: "Provisions the Python training environment",
		})
	}
	return reqs
}

// RequireAll converts missing required binaries into a dependency error.
func RequireAll(statuses []Status) error {
	var missing []string
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			missing = append(missing, fmt.Sprintf("%s (%s)", s.Name, s.Detail))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return services.Wrap(services.ErrDependency, "deps", "binaries",
		"Missing binaries: "+strings.Join(missing, ", "), nil)
}
