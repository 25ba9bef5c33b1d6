package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"speechtune/internal/runs"
	"speechtune/internal/services"
	"speechtune/internal/telemetry"
	"speechtune/internal/testsupport"
	"speechtune/internal/trainer"
)

func TestDatasetSourceIsRequiredBeforeAnyWork(t *testing.T) {
	cases := map[string][]string{
		"neither": {},
		"both":    {"--dataset_name", "acme/speech", "--local_dataset", "./data/x"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			env := setupCLITestEnv(t, "")
			_, err := env.run(t, args...)
			if !errors.Is(err, services.ErrUsage) {
				t.Fatalf("expected usage error, got %v", err)
			}
			if env.depChecks != 0 || env.starts != 0 {
				t.Fatalf("expected no dependency check or model load, got %d/%d", env.depChecks, env.starts)
			}
			if _, err := os.Stat(env.logDir); !os.IsNotExist(err) {
				t.Fatalf("expected config not to be loaded, log dir stat: %v", err)
			}
		})
	}
}

func TestDependencyFailureStopsBeforeModelLoad(t *testing.T) {
	env := setupCLITestEnv(t, "")
	env.depErr = services.WithHints(
		services.Wrap(services.ErrDependency, "deps", "python packages", "Missing packages: torch", nil),
		"Install with: pip install torch",
	)
	_, err := env.run(t, "--local_dataset", filepath.Join(env.baseDir, "missing"))
	if !errors.Is(err, services.ErrDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if env.starts != 0 {
		t.Fatalf("expected backend not to start, got %d", env.starts)
	}
}

func TestInvalidLanguageIsUsageError(t *testing.T) {
	env := setupCLITestEnv(t, "")
	_, err := env.run(t, "--local_dataset", "./data", "--language", "!!")
	if !errors.Is(err, services.ErrUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestMisalignedSaveAndEvalStepsIsUsageError(t *testing.T) {
	env := setupCLITestEnv(t, "")
	_, err := env.run(t, "--local_dataset", "./data", "--eval_steps", "2", "--save_steps", "3")
	if !errors.Is(err, services.ErrUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if !strings.Contains(err.Error(), "multiple of eval steps") {
		t.Fatalf("unexpected message %v", err)
	}
	if env.depChecks != 0 || env.starts != 0 {
		t.Fatalf("expected no dependency check or model load, got %d/%d", env.depChecks, env.starts)
	}
}

func TestTrainOnLocalDatasetEndToEnd(t *testing.T) {
	env := setupCLITestEnv(t, "")
	dataDir := filepath.Join(env.baseDir, "data")
	writeLocalDict(t, dataDir, 6, 2)
	outputDir := filepath.Join(env.baseDir, "model")

	out, err := env.run(t,
		"--local_dataset", dataDir,
		"--output_dir", outputDir,
		"--language", "english",
		"--num_epochs", "1",
		"--batch_size", "2",
		"--warmup_steps", "0",
		"--eval_steps", "1",
		"--save_steps", "1",
	)
	if err != nil {
		t.Fatalf("train: %v\n%s", err, out)
	}

	requireContains(t, out, "Model: openai/whisper-small")
	requireContains(t, out, "Device: cpu")
	requireContains(t, out, "Eval: validation (2 examples)")
	requireContains(t, out, "Model saved to "+outputDir)
	requireContains(t, out, "pipe = pipeline('automatic-speech-recognition', model='"+outputDir+"')")

	fake := env.backend
	if fake.Loaded.Language != "en" || fake.Loaded.Task != "transcribe" || fake.Loaded.FP16 {
		t.Fatalf("unexpected load options %+v", fake.Loaded)
	}
	if len(fake.StepLRs) != 3 {
		t.Fatalf("expected 3 optimizer steps, got %d", len(fake.StepLRs))
	}
	if len(fake.Saved) != 1 || fake.Saved[0] != outputDir {
		t.Fatalf("expected final save to %s, got %v", outputDir, fake.Saved)
	}
	if !fake.Closed {
		t.Fatal("expected backend to be closed")
	}

	for _, name := range []string{trainer.StateFileName, telemetry.FileName, "checkpoint-1"} {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err != nil {
			t.Fatalf("expected %s in output: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(outputDir, lockFileName)); !os.IsNotExist(err) {
		t.Fatalf("expected lock file to be removed, stat: %v", err)
	}
	caches, _ := filepath.Glob(filepath.Join(env.cacheDir, "features", "*.db"))
	if len(caches) != 0 {
		t.Fatalf("expected feature cache to be removed, found %v", caches)
	}

	store, err := runs.OpenPath(filepath.Join(env.logDir, "runs.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer store.Close()
	list, err := store.List(t.Context(), 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one run, got %v (%v)", list, err)
	}
	run := list[0]
	if run.Status != runs.StatusCompleted || run.Steps != 3 || !run.HasBestWER || run.BestWER != 0 {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Kind != runs.KindTrain || run.Samples != 6 || run.Dataset != dataDir || run.Language != "en" {
		t.Fatalf("unexpected run params %+v", run)
	}
	evals, err := store.Evaluations(t.Context(), run.ID)
	if err != nil || len(evals) != 3 {
		t.Fatalf("expected 3 evaluations, got %v (%v)", evals, err)
	}
	for _, e := range evals {
		if e.LearningRate != fake.StepLRs[e.Step-1] {
			t.Fatalf("evaluation at step %d stored lr %v, step used %v", e.Step, e.LearningRate, fake.StepLRs[e.Step-1])
		}
	}
}

func TestTrainFailureIsRecordedInLedger(t *testing.T) {
	env := setupCLITestEnv(t, "")
	dataDir := filepath.Join(env.baseDir, "data")
	writeLocalDict(t, dataDir, 2, 1)
	env.backend.FailOp = "train_step"

	_, err := env.run(t, "--local_dataset", dataDir, "--output_dir", filepath.Join(env.baseDir, "model"), "--batch_size", "2")
	if err == nil || !strings.Contains(err.Error(), "fake train_step failure") {
		t.Fatalf("expected train step failure, got %v", err)
	}

	out, err := env.run(t, "runs", "list", "--json")
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	var views []runView
	if err := json.Unmarshal([]byte(out), &views); err != nil {
		t.Fatalf("decode runs: %v\n%s", err, out)
	}
	if len(views) != 1 || views[0].Status != "failed" || !strings.Contains(views[0].Error, "train_step") {
		t.Fatalf("unexpected runs %+v", views)
	}
}

func TestTrainOnRemoteDatasetUsesCache(t *testing.T) {
	hub := testsupport.NewHubServer(t)
	hub.Add("default", "train", testsupport.EncodeShard(t, testsupport.WAVRows(4)))
	hub.Add("default", "test", testsupport.EncodeShard(t, testsupport.WAVRows(2)))
	env := setupCLITestEnv(t, hub.URL)

	args := []string{
		"--dataset_name", "acme/interviews",
		"--output_dir", filepath.Join(env.baseDir, "model"),
		"--max_steps", "1",
		"--batch_size", "4",
		"--eval_steps", "1",
		"--save_steps", "1",
	}
	out, err := env.run(t, args...)
	if err != nil {
		t.Fatalf("train: %v\n%s", err, out)
	}
	requireContains(t, out, "Eval: test (2 examples)")
	dictDir := filepath.Join(env.cacheDir, "datasets", "acme__interviews")
	if _, err := os.Stat(filepath.Join(dictDir, "train")); err != nil {
		t.Fatalf("expected cached train split: %v", err)
	}

	requests := hub.Requests()
	env.backend = testsupport.NewFakeBackend()
	if _, err := env.run(t, args...); err != nil {
		t.Fatalf("second train: %v", err)
	}
	if hub.Requests() != requests+1 {
		t.Fatalf("expected only the config listing on the second run, got %d new requests", hub.Requests()-requests)
	}
}

func TestRunsShow(t *testing.T) {
	env := setupCLITestEnv(t, "")
	dataDir := filepath.Join(env.baseDir, "data")
	writeLocalDict(t, dataDir, 4, 2)
	if _, err := env.run(t, "--local_dataset", dataDir, "--output_dir", filepath.Join(env.baseDir, "model"),
		"--batch_size", "2", "--num_epochs", "1", "--eval_steps", "2", "--save_steps", "2"); err != nil {
		t.Fatalf("train: %v", err)
	}

	out, err := env.run(t, "runs", "list")
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	requireContains(t, out, "Completed")
	requireContains(t, out, "openai/whisper-small")

	store, err := runs.OpenPath(filepath.Join(env.logDir, "runs.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	list, err := store.List(t.Context(), 1)
	store.Close()
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}

	out, err = env.run(t, "runs", "show", list[0].ID)
	if err != nil {
		t.Fatalf("runs show: %v", err)
	}
	requireContains(t, out, "Run "+list[0].ID)
	requireContains(t, out, "Kind: train")
	requireContains(t, out, "Best WER: 0.00")
	requireContains(t, out, "0.5000")

	_, err = env.run(t, "runs", "show", "nope")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out, err := env.run(t, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, env.configPath)
	requireContains(t, out, "Run ledger: "+filepath.Join(env.logDir, "runs.db"))
	requireContains(t, out, "Hugging Face token: not set")

	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	out, err = env.run(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	requireContains(t, out, "Gated datasets (common_voice)")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, err := env.run(t, "config", "init", "--path", target); !errors.Is(err, services.ErrUsage) {
		t.Fatalf("expected refusal to overwrite without --overwrite, got %v", err)
	}
}

func TestConfigValidateChecksGatedDatasetToken(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out, err := env.run(t, "config", "validate", "--dataset", "librispeech")
	if err != nil {
		t.Fatalf("validate public dataset: %v", err)
	}
	requireContains(t, out, "Dataset librispeech: public")

	out, err = env.run(t, "config", "validate", "--dataset", "someone/interviews")
	if err != nil {
		t.Fatalf("validate hub dataset: %v", err)
	}
	requireContains(t, out, "not in the registry")

	_, err = env.run(t, "config", "validate", "--dataset", "mozilla-foundation/common_voice_13_0")
	if !errors.Is(err, services.ErrAuth) {
		t.Fatalf("expected auth error for gated dataset without token, got %v", err)
	}
	hints := strings.Join(services.Hint(err), "\n")
	if !strings.Contains(hints, "HF_TOKEN") || !strings.Contains(hints, "/datasets/mozilla-foundation/common_voice_13_0") {
		t.Fatalf("unexpected hints %q", hints)
	}

	t.Setenv("HF_TOKEN", "hf_test")
	out, err = env.run(t, "config", "validate", "--dataset", "common_voice")
	if err != nil {
		t.Fatalf("validate gated dataset with token: %v", err)
	}
	requireContains(t, out, "Dataset common_voice: gated, token configured")
}

func TestDoctorReportsMissingBinaries(t *testing.T) {
	env := setupCLITestEnv(t, "")
	t.Setenv("PATH", t.TempDir())

	out, err := env.run(t, "doctor")
	if !errors.Is(err, services.ErrDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	requireContains(t, out, "FFmpeg")
	requireContains(t, out, "[ERROR]")
	requireContains(t, out, "installed on demand by uv")
	requireContains(t, out, "Hugging Face token")
}

func TestDoctorPassesWithStubbedBinaries(t *testing.T) {
	env := setupCLITestEnv(t, "")
	testsupport.NewConfig(t, testsupport.WithStubbedBinaries())

	out, err := env.run(t, "doctor")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	requireContains(t, out, "All checks passed")
}
