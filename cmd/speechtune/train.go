package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"speechtune/internal/audio"
	"speechtune/internal/backend"
	"speechtune/internal/config"
	"speechtune/internal/featurecache"
	"speechtune/internal/fetch"
	"speechtune/internal/hfhub"
	"speechtune/internal/language"
	"speechtune/internal/logging"
	"speechtune/internal/prep"
	"speechtune/internal/render"
	"speechtune/internal/runs"
	"speechtune/internal/services"
	"speechtune/internal/snapshot"
	"speechtune/internal/telemetry"
	"speechtune/internal/trainer"
)

const lockFileName = ".speechtune.lock"

type trainOptions struct {
	modelName    string
	datasetName  string
	localDataset string
	language     string
	outputDir    string
	numEpochs    int
	batchSize    int
	learningRate float64
	maxSteps     int
	warmupSteps  int
	evalSteps    int
	saveSteps    int
	fp16         bool
}

// hyperparameters is the ledger's JSON view of a run's settings.
type hyperparameters struct {
	NumEpochs    int     `json:"num_epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	MaxSteps     int     `json:"max_steps"`
	WarmupSteps  int     `json:"warmup_steps"`
	EvalSteps    int     `json:"eval_steps"`
	SaveSteps    int     `json:"save_steps"`
	FP16         bool    `json:"fp16"`
	Seed         int64   `json:"seed"`
}

func validateSource(opts trainOptions) error {
	dataset := strings.TrimSpace(opts.datasetName)
	local := strings.TrimSpace(opts.localDataset)
	switch {
	case dataset == "" && local == "":
		return services.Wrap(services.ErrUsage, "speechtune", "arguments",
			"Provide --dataset_name or --local_dataset", nil)
	case dataset != "" && local != "":
		return services.Wrap(services.ErrUsage, "speechtune", "arguments",
			"Provide only one of --dataset_name or --local_dataset", nil)
	}
	return nil
}

func runTraining(cmd *cobra.Command, cctx *commandContext, opts trainOptions) error {
	if err := validateSource(opts); err != nil {
		return err
	}
	lang, err := language.Normalize(opts.language)
	if err != nil {
		return services.Wrap(services.ErrUsage, "speechtune", "language", "", err)
	}
	cfg, err := cctx.ensureConfig()
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("fp16") {
		opts.fp16 = cfg.Trainer.CUDAEnabled
	}
	outputDir, err := config.ExpandPath(opts.outputDir)
	if err != nil {
		return services.Wrap(services.ErrUsage, "speechtune", "output dir", opts.outputDir, err)
	}
	args := opts.trainerArgs(cfg, outputDir)
	if err := args.Validate(); err != nil {
		return services.Wrap(services.ErrUsage, "speechtune", "arguments", err.Error(), nil)
	}

	logger, closer, err := logging.NewFromConfig(cfg, "speechtune")
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "speechtune", "logging", "", err)
	}
	defer closer.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nFine-tuning configuration:")
	fmt.Fprintf(out, "   Model: %s\n", opts.modelName)
	fmt.Fprintf(out, "   Language: %s (%s)\n", language.DisplayName(lang), lang)
	fmt.Fprintf(out, "   Output: %s\n", outputDir)
	fmt.Fprintf(out, "   FP16: %t\n", opts.fp16)

	ctx := cmd.Context()
	if err := cctx.env.checkDeps(ctx, cfg); err != nil {
		return err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "speechtune", "output dir", outputDir, err)
	}
	unlock, err := lockOutput(outputDir)
	if err != nil {
		return err
	}
	defer unlock()

	store, err := runs.Open(cfg)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "speechtune", "run ledger", cfg.RunsDBPath(), err)
	}
	defer store.Close()

	source := strings.TrimSpace(opts.datasetName)
	if source == "" {
		source = strings.TrimSpace(opts.localDataset)
	}
	run, err := store.Begin(ctx, runs.Params{
		Kind:      runs.KindTrain,
		Model:     opts.modelName,
		Dataset:   source,
		Language:  lang,
		OutputDir: outputDir,
		Hyper: hyperparameters{
			NumEpochs:    opts.numEpochs,
			BatchSize:    opts.batchSize,
			LearningRate: opts.learningRate,
			MaxSteps:     opts.maxSteps,
			WarmupSteps:  opts.warmupSteps,
			EvalSteps:    opts.evalSteps,
			SaveSteps:    opts.saveSteps,
			FP16:         opts.fp16,
			Seed:         cfg.Trainer.Seed,
		},
	})
	if err != nil {
		return err
	}
	ctx = services.WithRunID(ctx, run.ID)
	logger = logging.WithContext(ctx, logger)
	fmt.Fprintf(out, "   Run: %s\n", run.ID)

	job := &trainingRun{
		cfg:       cfg,
		opts:      opts,
		args:      args,
		language:  lang,
		outputDir: outputDir,
		runID:     run.ID,
		env:       cctx.env,
		logger:    logger,
		out:       out,
		store:     store,
		metrics:   telemetry.New(),
	}
	result, err := job.execute(ctx)
	if err != nil {
		logging.ErrorWithContext(logger, "training run failed", "run_failed", logging.Error(err))
		if ferr := store.Fail(context.WithoutCancel(ctx), run.ID, err); ferr != nil {
			logger.Warn("record run failure", logging.Error(ferr))
		}
		return err
	}

	if err := store.Finish(ctx, run.ID, runs.Summary{
		Samples:        job.trainExamples,
		Steps:          result.GlobalStep,
		BestWER:        result.BestWER,
		BestCheckpoint: result.BestCheckpoint,
		HasBestWER:     result.HasBest,
	}); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nModel saved to %s\n", outputDir)
	if result.HasBest {
		fmt.Fprintf(out, "   Best WER: %.2f (%s)\n", result.BestWER, filepath.Base(result.BestCheckpoint))
	}
	fmt.Fprintln(out, "Use with: from transformers import pipeline")
	fmt.Fprintf(out, "pipe = pipeline('automatic-speech-recognition', model='%s')\n", outputDir)
	return nil
}

func lockOutput(dir string) (func(), error) {
	path := filepath.Join(dir, lockFileName)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "speechtune", "lock", path, err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrTransient, "speechtune", "lock",
			"another training run is writing "+dir, nil)
	}
	return func() {
		_ = lock.Unlock()
		_ = os.Remove(path)
	}, nil
}

func (o trainOptions) trainerArgs(cfg *config.Config, outputDir string) trainer.Args {
	return trainer.Args{
		OutputDir:           outputDir,
		NumEpochs:           o.numEpochs,
		BatchSize:           o.batchSize,
		LearningRate:        o.learningRate,
		MaxSteps:            o.maxSteps,
		WarmupSteps:         o.warmupSteps,
		EvalSteps:           o.evalSteps,
		SaveSteps:           o.saveSteps,
		LoggingSteps:        cfg.Trainer.LoggingSteps,
		GenerationMaxLength: cfg.Trainer.GenerationMaxLength,
		MaxGradNorm:         cfg.Trainer.MaxGradNorm,
		Seed:                cfg.Trainer.Seed,
	}
}

// trainingRun carries one pipeline execution after the ledger row exists.
type trainingRun struct {
	cfg       *config.Config
	opts      trainOptions
	args      trainer.Args
	language  string
	outputDir string
	runID     string
	env       environment
	logger    *slog.Logger
	out       io.Writer
	store     *runs.Store
	metrics   *telemetry.Metrics

	trainExamples int
}

func (r *trainingRun) execute(ctx context.Context) (trainer.Result, error) {
	be, err := r.env.startBackend(ctx, r.cfg, r.logger)
	if err != nil {
		return trainer.Result{}, err
	}
	defer func() {
		if err := be.Close(); err != nil {
			r.logger.Warn("close training worker", logging.Error(err))
		}
	}()

	ctx = services.WithStage(ctx, "load")
	info, err := be.Load(ctx, backend.LoadOptions{
		Model:                 r.opts.modelName,
		Language:              language.Base(r.language),
		Task:                  "transcribe",
		FP16:                  r.opts.fp16,
		GradientCheckpointing: r.cfg.Trainer.GradientCheckpointing,
		Seed:                  r.cfg.Trainer.Seed,
		SampleRate:            r.cfg.Audio.SampleRate,
	})
	if err != nil {
		return trainer.Result{}, err
	}
	fmt.Fprintf(r.out, "   Device: %s\n", info.Device)
	if info.Parameters > 0 {
		fmt.Fprintf(r.out, "   Parameters: %s\n", humanize.Comma(info.Parameters))
	}

	dict, err := r.loadDataset(ctx)
	if err != nil {
		return trainer.Result{}, err
	}
	sel, err := dict.Select(r.cfg.Trainer.EvalFallbackSamples)
	if err != nil {
		return trainer.Result{}, err
	}
	r.trainExamples = sel.Train.Len()
	fmt.Fprintf(r.out, "\nDataset: %s\n", dict.Path)
	fmt.Fprintf(r.out, "   Train: %s (%s examples)\n", sel.TrainName, humanize.Comma(int64(sel.Train.Len())))
	fmt.Fprintf(r.out, "   Eval: %s (%s examples)\n", sel.EvalName, humanize.Comma(int64(sel.Eval.Len())))

	cache, err := featurecache.Open(filepath.Join(r.cfg.FeatureCacheDir(), r.runID+".db"))
	if err != nil {
		return trainer.Result{}, err
	}
	defer func() {
		if r.cfg.Trainer.KeepFeatureCache {
			_ = cache.Close()
			return
		}
		if err := cache.Remove(); err != nil {
			r.logger.Warn("remove feature cache", logging.Error(err))
		}
	}()

	train, eval, err := r.prepare(ctx, be, sel, cache)
	if err != nil {
		return trainer.Result{}, err
	}

	t, err := trainer.New(be, info, r.args,
		trainer.WithLogger(r.logger),
		trainer.WithMetrics(r.metrics),
		trainer.WithEvalRecorder(func(ctx context.Context, e trainer.Evaluation) error {
			fmt.Fprintf(r.out, "   step %d: wer=%.2f eval_loss=%.4f\n", e.Step, e.WER, e.Loss)
			return r.store.RecordEvaluation(ctx, r.runID, runs.Evaluation{
				Step:         e.Step,
				WER:          e.WER,
				Loss:         e.Loss,
				LearningRate: e.LearningRate,
			})
		}),
	)
	if err != nil {
		return trainer.Result{}, err
	}

	fmt.Fprintln(r.out, "\nTraining...")
	result, err := t.Train(ctx, train, eval)
	if err != nil {
		return trainer.Result{}, err
	}
	if err := r.store.UpdateSteps(ctx, r.runID, result.GlobalStep); err != nil {
		return trainer.Result{}, err
	}

	if err := be.Save(services.WithStage(ctx, "save"), r.outputDir); err != nil {
		return trainer.Result{}, err
	}
	if err := r.metrics.WriteFile(r.outputDir); err != nil {
		logging.WarnWithContext(r.logger, "write metrics textfile", "metrics_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "metrics.prom missing from output"),
		)
	}
	return result, nil
}

func (r *trainingRun) loadDataset(ctx context.Context) (*snapshot.Dict, error) {
	if local := strings.TrimSpace(r.opts.localDataset); local != "" {
		path, err := config.ExpandPath(local)
		if err != nil {
			return nil, services.Wrap(services.ErrUsage, "speechtune", "local dataset", local, err)
		}
		return snapshot.Load(path)
	}

	client := hfhub.NewClient(hfhub.Config{
		Token:             r.cfg.HuggingFace.Token,
		Endpoint:          r.cfg.HuggingFace.Endpoint,
		DatasetsServerURL: r.cfg.HuggingFace.DatasetsServerURL,
		TimeoutSeconds:    r.cfg.HuggingFace.RequestTimeout,
	})
	opts := append([]fetch.Option{
		fetch.WithLogger(r.logger),
		fetch.WithProgress(render.ProgressWriter(r.env.progress)),
	}, r.env.fetchOptions...)
	res, err := fetch.New(client, opts...).FetchDict(services.WithStage(ctx, "fetch"), fetch.DictRequest{
		Repo:     r.opts.datasetName,
		Language: r.language,
		CacheDir: r.cfg.DatasetCacheDir(),
	})
	if err != nil {
		return nil, err
	}
	return snapshot.Load(res.Path)
}

// prepare runs both splits through the preprocessor into cache and returns
// the cached views. The eval view is nil when the eval split is empty.
func (r *trainingRun) prepare(ctx context.Context, be backend.Backend, sel snapshot.Selection, cache *featurecache.Cache) (trainer.Dataset, trainer.Dataset, error) {
	ctx = services.WithStage(ctx, "prepare")
	decoder := audio.NewDecoder(r.cfg.FFmpegBinary(), r.cfg.Audio.SampleRate,
		audio.WithMaxSamples(r.cfg.MaxAudioSamples()))
	pre := prep.New(decoder, be,
		prep.WithWorkers(r.cfg.Audio.DecodeWorkers),
		prep.WithLogger(logging.WithContext(ctx, r.logger)),
		prep.WithPreparedCounter(r.metrics.ExamplesPrepared),
	)

	fmt.Fprintln(r.out, "\nPreprocessing audio...")
	stats, err := pre.Run(ctx, "train", sel.Train, cache)
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(r.out, "   train: %d examples in %s\n", stats.Examples, stats.Elapsed.Round(time.Millisecond))
	train, err := cache.Split(ctx, "train")
	if err != nil {
		return nil, nil, err
	}

	if sel.Eval == nil || sel.Eval.Len() == 0 {
		return train, nil, nil
	}
	stats, err = pre.Run(ctx, "eval", sel.Eval, cache)
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(r.out, "   eval: %d examples in %s\n", stats.Examples, stats.Elapsed.Round(time.Millisecond))
	eval, err := cache.Split(ctx, "eval")
	if err != nil {
		return nil, nil, err
	}
	return train, eval, nil
}
