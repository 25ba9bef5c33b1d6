package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"speechtune/internal/config"
	"speechtune/internal/datasets"
	"speechtune/internal/fetch"
	"speechtune/internal/hfhub"
	"speechtune/internal/logging"
	"speechtune/internal/render"
	"speechtune/internal/runs"
	"speechtune/internal/services"
)

type options struct {
	dataset   string
	language  string
	split     string
	outputDir string
	list      bool
	json      bool
	config    string
}

// fetchParams is the ledger's JSON view of a fetch.
type fetchParams struct {
	Repo   string `json:"repo"`
	Config string `json:"config,omitempty"`
	Split  string `json:"split"`
}

// fetchHooks lets tests replace the filesystem probe and progress output.
type fetchHooks struct {
	fetchOptions []fetch.Option
	progress     io.Writer
}

func newRootCommand() *cobra.Command {
	return newRootCommandWithHooks(fetchHooks{progress: os.Stderr})
}

func newRootCommandWithHooks(hooks fetchHooks) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "speechdata",
		Short:         "List and download speech datasets for fine-tuning",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.list || strings.TrimSpace(opts.dataset) == "" {
				return printListing(cmd, opts.json)
			}
			return runFetch(cmd, opts, hooks)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.dataset, "dataset", "", "Dataset key from the registry (see --list)")
	flags.StringVar(&opts.language, "language", "en", "Language code for multilingual corpora")
	flags.StringVar(&opts.split, "split", "train", "Split to download")
	flags.StringVar(&opts.outputDir, "output_dir", "./data", "Directory that receives <dataset>_<split>/")
	flags.BoolVar(&opts.list, "list", false, "List available datasets and exit")
	flags.BoolVar(&opts.json, "json", false, "Print the listing as JSON")
	flags.StringVarP(&opts.config, "config", "c", "", "Configuration file path")
	return cmd
}

func runFetch(cmd *cobra.Command, opts options, hooks fetchHooks) error {
	desc, err := datasets.Lookup(strings.TrimSpace(opts.dataset))
	if err != nil {
		return err
	}

	cfg, _, _, err := config.Load(strings.TrimSpace(opts.config))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "speechdata", "load config", "", err)
	}
	logger, closer, err := logging.NewFromConfig(cfg, "speechdata")
	if err != nil {
		return err
	}
	defer closer.Close()

	outputDir, err := config.ExpandPath(opts.outputDir)
	if err != nil {
		return services.Wrap(services.ErrUsage, "speechdata", "output dir", opts.outputDir, err)
	}

	ctx := cmd.Context()
	store, err := runs.Open(cfg)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "speechdata", "run ledger", cfg.RunsDBPath(), err)
	}
	defer store.Close()
	source := desc.Resolve(opts.language, opts.split)
	run, err := store.Begin(ctx, runs.Params{
		Kind:      runs.KindFetch,
		Dataset:   desc.Key,
		Language:  opts.language,
		OutputDir: outputDir,
		Hyper:     fetchParams{Repo: source.Repo, Config: source.Config, Split: source.Split},
	})
	if err != nil {
		return err
	}
	ctx = services.WithRunID(ctx, run.ID)
	logger = logging.WithContext(ctx, logger)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nDownloading: %s\n", desc.Name)
	fmt.Fprintf(out, "   HF ID: %s\n", desc.Repo)
	fmt.Fprintf(out, "   Split: %s   Language: %s\n", opts.split, opts.language)
	fmt.Fprintf(out, "   NOTE: %s\n\n", desc.Notes)

	client := hfhub.NewClient(hfhub.Config{
		Token:             cfg.HuggingFace.Token,
		Endpoint:          cfg.HuggingFace.Endpoint,
		DatasetsServerURL: cfg.HuggingFace.DatasetsServerURL,
		TimeoutSeconds:    cfg.HuggingFace.RequestTimeout,
	})
	fetchOpts := append([]fetch.Option{
		fetch.WithLogger(logger),
		fetch.WithProgress(render.ProgressWriter(hooks.progress)),
	}, hooks.fetchOptions...)
	fetcher := fetch.New(client, fetchOpts...)

	result, err := fetcher.Fetch(ctx, fetch.Request{
		Dataset:   desc.Key,
		Language:  opts.language,
		Split:     opts.split,
		OutputDir: outputDir,
	})
	if err != nil {
		logging.ErrorWithContext(logger, "dataset fetch failed", "fetch_failed", logging.Error(err))
		if ferr := store.Fail(context.WithoutCancel(ctx), run.ID, err); ferr != nil {
			logger.Warn("record fetch failure", logging.Error(ferr))
		}
		return err
	}
	if err := store.Finish(ctx, run.ID, runs.Summary{Samples: int(result.Samples)}); err != nil {
		return err
	}

	fmt.Fprintf(out, "Saved %s samples to %s\n", humanize.Comma(result.Samples), result.Path)
	fmt.Fprintf(out, "   Columns: [%s]\n", strings.Join(result.Columns, ", "))
	if result.Partial {
		fmt.Fprintln(out, "   The server exported only part of this split.")
	}
	return nil
}
