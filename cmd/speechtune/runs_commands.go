package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"speechtune/internal/render"
	"speechtune/internal/runs"
	"speechtune/internal/services"
)

type runView struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Status         string          `json:"status"`
	Model          string          `json:"model"`
	Dataset        string          `json:"dataset"`
	Language       string          `json:"language"`
	OutputDir      string          `json:"output_dir"`
	Samples        int             `json:"samples"`
	Steps          int             `json:"steps"`
	BestWER        *float64        `json:"best_wer,omitempty"`
	BestCheckpoint string          `json:"best_checkpoint,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Evaluations    []evalView      `json:"evaluations,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}

type evalView struct {
	Step         int     `json:"step"`
	WER          float64 `json:"wer"`
	Loss         float64 `json:"loss"`
	LearningRate float64 `json:"learning_rate"`
}

func newRunView(r *runs.Run) runView {
	v := runView{
		ID:             r.ID,
		Kind:           string(r.Kind),
		Status:         string(r.Status),
		Model:          r.Model,
		Dataset:        r.Dataset,
		Language:       r.Language,
		OutputDir:      r.OutputDir,
		Samples:        r.Samples,
		Steps:          r.Steps,
		BestCheckpoint: r.BestCheckpoint,
		Error:          r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
	}
	if r.HasBestWER {
		wer := r.BestWER
		v.BestWER = &wer
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		v.FinishedAt = &finished
	}
	if json.Valid([]byte(r.ParamsJSON)) {
		v.Params = json.RawMessage(r.ParamsJSON)
	}
	return v
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the ledger of fetch and training runs",
	}
	runsCmd.AddCommand(newRunsListCommand(ctx))
	runsCmd.AddCommand(newRunsShowCommand(ctx))
	return runsCmd
}

func withStore(ctx *commandContext, fn func(*runs.Store) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := runs.Open(cfg)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "speechtune", "run ledger", cfg.RunsDBPath(), err)
	}
	defer store.Close()
	return fn(store)
}

func newRunsListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(store *runs.Store) error {
				list, err := store.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					views := make([]runView, 0, len(list))
					for _, r := range list {
						views = append(views, newRunView(r))
					}
					return writeJSON(cmd, views)
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No runs recorded")
					return nil
				}
				fmt.Fprintln(out, render.Table(
					[]string{"ID", "Kind", "Status", "Model", "Dataset", "Samples", "Steps", "Best WER", "Started", "Duration"},
					buildRunRows(list, time.Now()),
					[]render.Alignment{render.AlignLeft, render.AlignLeft, render.AlignLeft, render.AlignLeft, render.AlignLeft, render.AlignRight, render.AlignRight, render.AlignRight, render.AlignLeft, render.AlignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func buildRunRows(list []*runs.Run, now time.Time) [][]string {
	rows := make([][]string, 0, len(list))
	for _, r := range list {
		rows = append(rows, []string{
			r.ID,
			string(r.Kind),
			formatStatus(r.Status),
			valueOrDash(r.Model),
			r.Dataset,
			humanize.Comma(int64(r.Samples)),
			humanize.Comma(int64(r.Steps)),
			formatWER(r),
			humanize.RelTime(r.CreatedAt, now, "ago", "from now"),
			r.Duration(now).Round(time.Second).String(),
		})
	}
	return rows
}

func formatStatus(status runs.Status) string {
	s := string(status)
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func valueOrDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func formatWER(r *runs.Run) string {
	if !r.HasBestWER {
		return "-"
	}
	return fmt.Sprintf("%.2f", r.BestWER)
}

func newRunsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one run and its evaluations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return withStore(ctx, func(store *runs.Store) error {
				run, err := store.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if run == nil {
					return services.Wrap(services.ErrNotFound, "speechtune", "runs show", "run "+id, nil)
				}
				evals, err := store.Evaluations(cmd.Context(), id)
				if err != nil {
					return err
				}
				if asJSON {
					view := newRunView(run)
					for _, e := range evals {
						view.Evaluations = append(view.Evaluations, evalView{
							Step:         e.Step,
							WER:          e.WER,
							Loss:         e.Loss,
							LearningRate: e.LearningRate,
						})
					}
					return writeJSON(cmd, view)
				}

				out := cmd.OutOrStdout()
				now := time.Now()
				fmt.Fprintf(out, "Run %s\n", run.ID)
				fmt.Fprintf(out, "   Kind: %s\n", run.Kind)
				fmt.Fprintf(out, "   Status: %s\n", formatStatus(run.Status))
				if run.Model != "" {
					fmt.Fprintf(out, "   Model: %s\n", run.Model)
				}
				fmt.Fprintf(out, "   Dataset: %s\n", run.Dataset)
				fmt.Fprintf(out, "   Language: %s\n", run.Language)
				fmt.Fprintf(out, "   Output: %s\n", run.OutputDir)
				fmt.Fprintf(out, "   Samples: %s\n", humanize.Comma(int64(run.Samples)))
				if run.Kind == runs.KindTrain {
					fmt.Fprintf(out, "   Steps: %s\n", humanize.Comma(int64(run.Steps)))
					fmt.Fprintf(out, "   Best WER: %s\n", formatWER(run))
				}
				if run.BestCheckpoint != "" {
					fmt.Fprintf(out, "   Best checkpoint: %s\n", run.BestCheckpoint)
				}
				fmt.Fprintf(out, "   Started: %s (%s)\n", run.CreatedAt.Local().Format(time.DateTime), humanize.RelTime(run.CreatedAt, now, "ago", "from now"))
				fmt.Fprintf(out, "   Duration: %s\n", run.Duration(now).Round(time.Second))
				if run.ErrorMessage != "" {
					fmt.Fprintf(out, "   Error: %s\n", run.ErrorMessage)
				}
				if len(evals) == 0 {
					return nil
				}
				rows := make([][]string, 0, len(evals))
				for _, e := range evals {
					rows = append(rows, []string{
						fmt.Sprintf("%d", e.Step),
						fmt.Sprintf("%.2f", e.WER),
						fmt.Sprintf("%.4f", e.Loss),
						fmt.Sprintf("%.2e", e.LearningRate),
					})
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, render.Table(
					[]string{"Step", "WER", "Eval loss", "Learning rate"},
					rows,
					[]render.Alignment{render.AlignRight, render.AlignRight, render.AlignRight, render.AlignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
