// Package logging assembles structured slog loggers used by speechdata and
// speechtune.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so pipeline code can tag log
// lines with run IDs and stages. A no-op logger is provided for tests.
package logging
