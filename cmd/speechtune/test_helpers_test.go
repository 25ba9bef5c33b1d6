package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"speechtune/internal/backend"
	"speechtune/internal/config"
	"speechtune/internal/fetch"
	"speechtune/internal/snapshot"
	"speechtune/internal/testsupport"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
	cacheDir   string
	logDir     string
	backend    *testsupport.FakeBackend
	depErr     error
	depChecks  int
	starts     int
}

func setupCLITestEnv(t *testing.T, hubURL string) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	home := filepath.Join(base, "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("HF_TOKEN", "")
	t.Chdir(base)

	env := &cliTestEnv{
		baseDir:    base,
		configPath: filepath.Join(base, "config.toml"),
		cacheDir:   filepath.Join(base, "cache"),
		logDir:     filepath.Join(base, "logs"),
		backend:    testsupport.NewFakeBackend(),
	}
	body := fmt.Sprintf("[paths]\ncache_dir = %q\nlog_dir = %q\n", env.cacheDir, env.logDir)
	if hubURL != "" {
		body += fmt.Sprintf("\n[huggingface]\nendpoint = %q\ndatasets_server_url = %q\n", hubURL, hubURL)
	}
	body += "\n[trainer]\neval_fallback_samples = 2\nlogging_steps = 1\n"
	if err := os.WriteFile(env.configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

func (e *cliTestEnv) environment() environment {
	return environment{
		checkDeps: func(context.Context, *config.Config) error {
			e.depChecks++
			return e.depErr
		},
		startBackend: func(context.Context, *config.Config, *slog.Logger) (backend.Backend, error) {
			e.starts++
			return e.backend, nil
		},
		fetchOptions: []fetch.Option{
			fetch.WithFreeSpace(func(string) (uint64, error) { return 1 << 40, nil }),
		},
		progress: io.Discard,
	}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommandWithEnv(e.environment())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--config", e.configPath))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeLocalDict lays out a dataset dict with train and validation splits.
func writeLocalDict(t *testing.T, root string, train, validation int) {
	t.Helper()
	testsupport.WriteSnapshot(t, filepath.Join(root, "train"), "train", testsupport.WAVRows(train))
	testsupport.WriteSnapshot(t, filepath.Join(root, "validation"), "validation", testsupport.WAVRows(validation))
	if err := snapshot.WriteDict(root, []string{"train", "validation"}); err != nil {
		t.Fatalf("write dict: %v", err)
	}
}

func requireContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Fatalf("expected output to contain %q\n%s", want, output)
	}
}
