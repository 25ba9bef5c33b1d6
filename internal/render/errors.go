package render

import (
	"context"
	"errors"
	"fmt"
	"io"

	"speechtune/internal/services"
)

// Error prints err and its remediation hints as short lines. Cancellation
// prints nothing.
func Error(w io.Writer, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	for _, hint := range services.Hint(err) {
		fmt.Fprintf(w, "   -> %s\n", hint)
	}
}
