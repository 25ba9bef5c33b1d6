package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDependency     = errors.New("missing dependency")
	ErrUnknownDataset = errors.New("unknown dataset")
	ErrAuth           = errors.New("authentication required")
	ErrUsage          = errors.New("invalid usage")
	ErrNotFound       = errors.New("not found")
	ErrExternalTool   = errors.New("external tool error")
	ErrConfiguration  = errors.New("configuration error")
	ErrTransient      = errors.New("transient failure")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

type hintedError struct {
	err   error
	hints []string
}

func (e *hintedError) Error() string { return e.err.Error() }

func (e *hintedError) Unwrap() error { return e.err }

// WithHints attaches operator remediation lines to err. Hints from every
// layer of the chain are reported by Hint, outermost first.
func WithHints(err error, hints ...string) error {
	if err == nil {
		return nil
	}
	cleaned := make([]string, 0, len(hints))
	for _, hint := range hints {
		if hint = strings.TrimSpace(hint); hint != "" {
			cleaned = append(cleaned, hint)
		}
	}
	if len(cleaned) == 0 {
		return err
	}
	return &hintedError{err: err, hints: cleaned}
}

// Hint returns remediation lines for err. Attached hints win; otherwise a
// generic line is derived from the error marker.
func Hint(err error) []string {
	if err == nil {
		return nil
	}
	var hints []string
	seen := map[string]struct{}{}
	for current := err; current != nil; {
		var hinted *hintedError
		if !errors.As(current, &hinted) {
			break
		}
		for _, hint := range hinted.hints {
			if _, ok := seen[hint]; ok {
				continue
			}
			seen[hint] = struct{}{}
			hints = append(hints, hint)
		}
		current = hinted.err
	}
	if len(hints) > 0 {
		return hints
	}
	switch {
	case errors.Is(err, ErrAuth):
		return []string{"Run: huggingface-cli login (or export HF_TOKEN)"}
	case errors.Is(err, ErrDependency):
		return []string{"Run: speechtune doctor"}
	default:
		return nil
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
