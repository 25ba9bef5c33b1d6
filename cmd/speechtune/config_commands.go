package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"speechtune/internal/config"
	"speechtune/internal/datasets"
	"speechtune/internal/deps"
	"speechtune/internal/hfhub"
	"speechtune/internal/services"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check the speechtune configuration",
	}
	configCmd.AddCommand(newConfigValidateCommand(ctx))
	configCmd.AddCommand(newConfigInitCommand())
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := initTarget(targetPath)
			if err != nil {
				return err
			}
			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return services.WithHints(
						services.Wrap(services.ErrUsage, "speechtune", "config init", "config file already exists at "+target, nil),
						"Pass --overwrite to replace it",
					)
				} else if !os.IsNotExist(err) {
					return services.Wrap(services.ErrConfiguration, "speechtune", "config init", target, err)
				}
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return services.Wrap(services.ErrConfiguration, "speechtune", "config init", filepath.Dir(target), err)
			}
			if err := config.CreateSample(target); err != nil {
				return services.Wrap(services.ErrConfiguration, "speechtune", "config init", target, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			if gated := gatedDatasets(); len(gated) > 0 {
				fmt.Fprintf(out, "Gated datasets (%s) need huggingface.token or HF_TOKEN,\n", strings.Join(gated, ", "))
				fmt.Fprintln(out, "plus an accepted license on the dataset page.")
			}
			fmt.Fprintf(out, "Check it with: speechtune config validate --config %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}

func initTarget(flagValue string) (string, error) {
	target := strings.TrimSpace(flagValue)
	if target == "" {
		path, err := config.DefaultConfigPath()
		if err != nil {
			return "", services.Wrap(services.ErrConfiguration, "speechtune", "config init", "default config path", err)
		}
		return path, nil
	}
	expanded, err := config.ExpandPath(target)
	if err != nil {
		return "", services.Wrap(services.ErrUsage, "speechtune", "config init", target, err)
	}
	return expanded, nil
}

func gatedDatasets() []string {
	var keys []string
	for _, d := range datasets.All() {
		if d.RequiresAuth {
			keys = append(keys, d.Key)
		}
	}
	return keys
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	var dataset string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration, optionally for one dataset",
		Long: "Load and validate the configuration, create its directories, and report where\n" +
			"datasets, features, and the run ledger live. With --dataset, also fail when the\n" +
			"dataset is gated and no Hugging Face token is configured.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if ctx.configFlag != nil {
				path = strings.TrimSpace(*ctx.configFlag)
			}
			cfg, resolved, exists, err := config.Load(path)
			if err != nil {
				return services.Wrap(services.ErrConfiguration, "speechtune", "config validate", "", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return services.Wrap(services.ErrConfiguration, "speechtune", "config validate", "ensure directories", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", resolved)
			if !exists {
				fmt.Fprintln(out, "Config file did not exist; defaults were used")
			}
			describeConfig(out, cfg)

			if key := strings.TrimSpace(dataset); key != "" {
				if err := checkDatasetAccess(out, cfg, resolved, key); err != nil {
					return err
				}
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "Registry key or hub dataset id to check access for")
	return cmd
}

func describeConfig(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "   Dataset cache: %s\n", cfg.DatasetCacheDir())
	fmt.Fprintf(out, "   Feature cache: %s\n", cfg.FeatureCacheDir())
	fmt.Fprintf(out, "   Run ledger: %s\n", cfg.RunsDBPath())
	fmt.Fprintf(out, "   Audio: %d Hz, up to %gs per clip\n", cfg.Audio.SampleRate, cfg.Audio.MaxDurationSeconds)
	if inv := deps.NewPythonInvocation(cfg); inv.Managed {
		fmt.Fprintf(out, "   Worker: %s run (packages: %s)\n", inv.Command, strings.Join(cfg.Trainer.Packages, ", "))
	} else {
		fmt.Fprintf(out, "   Worker: %s\n", inv.Command)
	}
	token := "not set"
	if cfg.HuggingFace.Token != "" {
		token = "set"
	}
	fmt.Fprintf(out, "   Hugging Face token: %s\n", token)
}

// checkDatasetAccess fails when key names a gated registry dataset and no
// token is configured. Unknown hub ids are reported but not checked.
func checkDatasetAccess(out io.Writer, cfg *config.Config, configPath, key string) error {
	desc, err := datasets.Lookup(key)
	if err != nil {
		var ok bool
		if desc, ok = datasets.FindByRepo(key); !ok {
			fmt.Fprintf(out, "   Dataset %s: not in the registry, access checked at fetch time\n", key)
			return nil
		}
	}
	if !desc.RequiresAuth {
		fmt.Fprintf(out, "   Dataset %s: public\n", desc.Key)
		return nil
	}
	if cfg.HuggingFace.Token != "" {
		fmt.Fprintf(out, "   Dataset %s: gated, token configured\n", desc.Key)
		return nil
	}
	client := hfhub.NewClient(hfhub.Config{Endpoint: cfg.HuggingFace.Endpoint})
	return services.WithHints(
		services.Wrap(services.ErrAuth, "speechtune", "config validate", desc.Key+" is gated and no Hugging Face token is configured", nil),
		"Set huggingface.token in "+configPath+" or export HF_TOKEN",
		"Accept the license at "+client.DatasetPageURL(desc.Repo),
	)
}
