package preflight

import (
	"context"

	"speechtune/internal/config"
	"speechtune/internal/hfhub"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the filesystem and hub checks for cfg. outputDir is the
// driver's target directory; it is skipped when empty.
func RunAll(ctx context.Context, cfg *config.Config, client *hfhub.Client, outputDir string) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Cache directory", cfg.Paths.CacheDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckFreeSpace("Cache free space", cfg.Paths.CacheDir),
	}
	if outputDir != "" {
		results = append(results, CheckWritableTarget("Output directory", outputDir))
	}
	results = append(results, CheckHubToken(ctx, client))
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
