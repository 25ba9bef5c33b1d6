package deps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"speechtune/internal/config"
	"speechtune/internal/services"
)

// PypiIndexURL is the default package index used alongside the CUDA index.
const PypiIndexURL = "https://pypi.org/simple"

// PythonInvocation describes how to start a Python interpreter that can
// import the training packages: either a configured interpreter, or
// "uv run" with the packages layered on per invocation.
type PythonInvocation struct {
	Command string
	Prefix  []string
	Env     []string
	// Managed reports whether uv installs the packages on demand.
	Managed bool
}

// NewPythonInvocation builds the interpreter invocation for cfg.
func NewPythonInvocation(cfg *config.Config) PythonInvocation {
	env := []string{"PYTHONUNBUFFERED=1", "TOKENIZERS_PARALLELISM=false"}
	if token := cfg.HuggingFace.Token; token != "" {
		env = append(env, "HF_TOKEN="+token)
	}
	if endpoint := cfg.HuggingFace.Endpoint; endpoint != "" {
		env = append(env, "HF_ENDPOINT="+endpoint)
	}
	if cfg.Trainer.Python != "" {
		return PythonInvocation{Command: cfg.Trainer.Python, Env: env}
	}
	prefix := []string{"run", "--no-project"}
	if cfg.Trainer.CUDAEnabled {
		prefix = append(prefix,
			"--index-url", cfg.Trainer.CUDAIndexURL,
			"--extra-index-url", PypiIndexURL,
		)
	}
	for _, pkg := range cfg.Trainer.Packages {
		prefix = append(prefix, "--with", pkg)
	}
	prefix = append(prefix, "python")
	return PythonInvocation{Command: cfg.Trainer.UVCommand, Prefix: prefix, Env: env, Managed: true}
}

// Args returns the full argument list for running python with args.
func (p PythonInvocation) Args(args ...string) []string {
	out := make([]string, 0, len(p.Prefix)+len(args))
	out = append(out, p.Prefix...)
	return append(out, args...)
}

// Cmd builds an exec.Cmd for python with args, inheriting the environment.
func (p PythonInvocation) Cmd(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, p.Command, p.Args(args...)...) //nolint:gosec
	cmd.Env = append(os.Environ(), p.Env...)
	return cmd
}

// OutputRunner runs a command and returns its stdout.
type OutputRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

const importProbe = `import importlib.util, json, sys
print(json.dumps([m for m in sys.argv[1:] if importlib.util.find_spec(m) is None]))`

// CheckPythonPackages reports which of packages the interpreter cannot import.
// A nil runner executes the invocation directly.
func CheckPythonPackages(ctx context.Context, inv PythonInvocation, packages []string, runner OutputRunner) ([]string, error) {
	if len(packages) == 0 {
		return nil, nil
	}
	args := inv.Args(append([]string{"-c", importProbe}, packages...)...)
	var (
		out []byte
		err error
	)
	if runner != nil {
		out, err = runner(ctx, inv.Command, args...)
	} else {
		cmd := exec.CommandContext(ctx, inv.Command, args...) //nolint:gosec
		cmd.Env = append(os.Environ(), inv.Env...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err = cmd.Output()
		if err != nil {
			err = fmt.Errorf("%w: %s", err, lastLine(stderr.String()))
		}
	}
	if err != nil {
		return nil, services.Wrap(services.ErrDependency, "deps", "python packages", "interpreter probe failed", err)
	}
	var missing []string
	if err := json.Unmarshal(bytes.TrimSpace(lastJSONLine(out)), &missing); err != nil {
		return nil, services.Wrap(services.ErrDependency, "deps", "python packages", "unreadable probe output", err)
	}
	return missing, nil
}

// MissingPackagesError formats the operator message for missing packages.
func MissingPackagesError(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	err := services.Wrap(services.ErrDependency, "deps", "python packages",
		"Missing packages: "+strings.Join(missing, ", "), nil)
	return services.WithHints(err, "Install with: pip install "+strings.Join(missing, " "))
}

func lastJSONLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); bytes.HasPrefix(line, []byte("[")) {
			return line
		}
	}
	return out
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}
