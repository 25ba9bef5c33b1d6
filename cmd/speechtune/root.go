package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	return newRootCommandWithEnv(defaultEnvironment())
}

func newRootCommandWithEnv(env environment) *cobra.Command {
	var configFlag string
	var opts trainOptions

	ctx := newCommandContext(&configFlag, env)

	rootCmd := &cobra.Command{
		Use:           "speechtune",
		Short:         "Fine-tune Whisper on a speech dataset",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraining(cmd, ctx, opts)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	flags := rootCmd.Flags()
	flags.StringVar(&opts.modelName, "model_name", "openai/whisper-small", "Pretrained model id on the Hugging Face hub")
	flags.StringVar(&opts.datasetName, "dataset_name", "", "Hub dataset id (owner/name) to train on")
	flags.StringVar(&opts.localDataset, "local_dataset", "", "Local snapshot or dataset dict directory")
	flags.StringVar(&opts.language, "language", "en", "Language code for transcription and dataset configuration")
	flags.StringVar(&opts.outputDir, "output_dir", "./models/whisper-interview", "Directory for checkpoints and the final model")
	flags.IntVar(&opts.numEpochs, "num_epochs", 3, "Training epochs")
	flags.IntVar(&opts.batchSize, "batch_size", 8, "Per-step training batch size")
	flags.Float64Var(&opts.learningRate, "learning_rate", 1e-5, "Peak learning rate")
	flags.IntVar(&opts.maxSteps, "max_steps", -1, "Stop after this many steps (overrides --num_epochs when positive)")
	flags.IntVar(&opts.warmupSteps, "warmup_steps", 200, "Linear warmup steps")
	flags.IntVar(&opts.evalSteps, "eval_steps", 500, "Evaluate every N steps")
	flags.IntVar(&opts.saveSteps, "save_steps", 500, "Checkpoint every N steps")
	flags.BoolVar(&opts.fp16, "fp16", false, "Mixed precision training (defaults to trainer.cuda_enabled)")

	rootCmd.AddCommand(newDoctorCommand(ctx))
	rootCmd.AddCommand(newRunsCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
