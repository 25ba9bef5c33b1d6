package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"speechtune/internal/deps"
	"speechtune/internal/fileutil"
	"speechtune/internal/hfhub"
	"speechtune/internal/preflight"
	"speechtune/internal/render"
	"speechtune/internal/services"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check dependencies, directories, and hub access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := render.IsTerminal(out)
			failures := 0

			for _, line := range render.SectionHeader("Dependencies", colorize) {
				fmt.Fprintln(out, line)
			}
			lines, missing := dependencyLines(deps.CheckBinaries(deps.Requirements(cfg)), colorize)
			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
			failures += missing

			inv := deps.NewPythonInvocation(cfg)
			packages := strings.Join(cfg.Trainer.Packages, ", ")
			switch {
			case inv.Managed:
				fmt.Fprintln(out, render.StatusLine("Python packages", render.StatusInfo,
					"installed on demand by uv: "+packages, colorize))
			default:
				absent, err := deps.CheckPythonPackages(cmd.Context(), inv, cfg.Trainer.Packages, nil)
				switch {
				case err != nil:
					fmt.Fprintln(out, render.StatusLine("Python packages", render.StatusError, err.Error(), colorize))
					failures++
				case len(absent) > 0:
					fmt.Fprintln(out, render.StatusLine("Python packages", render.StatusError,
						fmt.Sprintf("Missing packages: %s (pip install %s)", strings.Join(absent, ", "), strings.Join(absent, " ")), colorize))
					failures++
				default:
					fmt.Fprintln(out, render.StatusLine("Python packages", render.StatusOK, packages, colorize))
				}
			}

			fmt.Fprintln(out)
			for _, line := range render.SectionHeader("Environment", colorize) {
				fmt.Fprintln(out, line)
			}
			client := hfhub.NewClient(hfhub.Config{
				Token:             cfg.HuggingFace.Token,
				Endpoint:          cfg.HuggingFace.Endpoint,
				DatasetsServerURL: cfg.HuggingFace.DatasetsServerURL,
				TimeoutSeconds:    cfg.HuggingFace.RequestTimeout,
			})
			results := preflight.RunAll(cmd.Context(), cfg, client, strings.TrimSpace(outputDir))
			for _, r := range results {
				kind := render.StatusOK
				if !r.Passed {
					kind = render.StatusError
				}
				fmt.Fprintln(out, render.StatusLine(r.Name, kind, r.Detail, colorize))
			}
			failures += len(preflight.Failed(results))
			for _, dir := range []struct{ label, path string }{
				{"Dataset cache", cfg.DatasetCacheDir()},
				{"Feature cache", cfg.FeatureCacheDir()},
			} {
				size, err := fileutil.DirSize(dir.path)
				if err != nil {
					fmt.Fprintln(out, render.StatusLine(dir.label, render.StatusInfo, "not created yet", colorize))
					continue
				}
				fmt.Fprintln(out, render.StatusLine(dir.label, render.StatusInfo,
					fmt.Sprintf("%s in %s", humanize.Bytes(uint64(size)), dir.path), colorize))
			}

			if failures > 0 {
				return services.Wrap(services.ErrDependency, "speechtune", "doctor",
					fmt.Sprintf("%d check(s) failed", failures), nil)
			}
			fmt.Fprintln(out, "\nAll checks passed")
			return nil
		},
	}
	cmd.Flags().StringVar(&outputDir, "output_dir", "", "Also check that this training output directory is writable")
	return cmd
}

func dependencyLines(statuses []deps.Status, colorize bool) ([]string, int) {
	lines := make([]string, 0, len(statuses))
	missing := 0
	for _, dep := range statuses {
		if dep.Available {
			lines = append(lines, render.StatusLine(dep.Name, render.StatusOK,
				fmt.Sprintf("Ready (command: %s)", dep.Command), colorize))
			continue
		}
		detail := strings.TrimSpace(dep.Detail)
		if detail == "" {
			detail = "not available"
		}
		kind := render.StatusError
		if dep.Optional {
			kind = render.StatusWarn
		} else {
			missing++
		}
		lines = append(lines, render.StatusLine(dep.Name, kind, detail, colorize))
	}
	return lines, missing
}
