package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// StatusKind classifies a status line.
type StatusKind int

const (
	StatusInfo StatusKind = iota
	StatusOK
	StatusWarn
	StatusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

// StatusLine renders "  label:   [KIND] message", coloured when colorize is set.
func StatusLine(label string, kind StatusKind, message string, colorize bool) string {
	statusText := kindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := kindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func kindLabel(kind StatusKind) string {
	switch kind {
	case StatusOK:
		return "OK"
	case StatusWarn:
		return "WARN"
	case StatusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func kindColor(kind StatusKind) string {
	switch kind {
	case StatusOK:
		return ansiGreen
	case StatusWarn:
		return ansiYellow
	case StatusError:
		return ansiRed
	case StatusInfo:
		return ansiBlue
	default:
		return ""
	}
}

// SectionHeader renders a "== title ==" line and its rule.
func SectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

// IsTerminal reports whether writer is an interactive terminal.
func IsTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// ProgressWriter returns w when it is a terminal and io.Discard otherwise,
// so progress bars never end up in logs or pipes.
func ProgressWriter(w io.Writer) io.Writer {
	if IsTerminal(w) {
		return w
	}
	return io.Discard
}
