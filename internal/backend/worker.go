package backend

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"speechtune/internal/deps"
	"speechtune/internal/logging"
	"speechtune/internal/services"
)

//go:embed worker.py
var workerScript []byte

// ScriptName is the file the worker script is written to inside the work dir.
const ScriptName = "speechtune_worker.py"

const (
	kindAuth       = "auth"
	kindNotFound   = "not_found"
	kindDependency = "dependency"
	kindUsage      = "usage"
)

type request struct {
	ID     int64  `json:"id"`
	Op     string `json:"op"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   string          `json:"kind,omitempty"`
}

// Worker runs the Python side of the backend as a child process.
type Worker struct {
	logger *slog.Logger
	in     io.WriteCloser
	out    *bufio.Reader
	cmd    *exec.Cmd
	stderr *tailWriter

	mu     sync.Mutex
	nextID int64
	broken error
}

var _ Backend = (*Worker)(nil)

// Option customizes a Worker.
type Option func(*Worker)

// WithLogger routes worker diagnostics and stderr lines to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Start writes the worker script into workDir, launches it with inv, and
// waits until the interpreter has imported the ML stack. With uv this first
// call may install packages and take several minutes.
func Start(ctx context.Context, inv deps.PythonInvocation, workDir string, opts ...Option) (*Worker, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	script := filepath.Join(workDir, ScriptName)
	if err := os.WriteFile(script, workerScript, 0o644); err != nil {
		return nil, fmt.Errorf("write worker script: %w", err)
	}

	cmd := inv.Cmd(ctx, script)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	w := newWorker(stdout, stdin, opts...)
	cmd.Stderr = w.stderr
	cmd.WaitDelay = 10 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, services.Wrap(services.ErrDependency, "backend", "start", inv.Command, err)
	}
	w.cmd = cmd
	w.logger.Info("training worker started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Bool("managed_env", inv.Managed),
	)

	var pong struct {
		Python       string `json:"python"`
		Torch        string `json:"torch"`
		Transformers string `json:"transformers"`
		CUDA         bool   `json:"cuda"`
	}
	if err := w.call(ctx, "ping", nil, &pong); err != nil {
		_ = w.Close()
		return nil, err
	}
	w.logger.Info("training worker ready",
		slog.String("python", pong.Python),
		slog.String("torch", pong.Torch),
		slog.String("transformers", pong.Transformers),
		slog.Bool("cuda", pong.CUDA),
	)
	return w, nil
}

// NewConn speaks the worker protocol over an existing pair of streams.
func NewConn(r io.Reader, wc io.WriteCloser, opts ...Option) *Worker {
	return newWorker(r, wc, opts...)
}

func newWorker(r io.Reader, wc io.WriteCloser, opts ...Option) *Worker {
	w := &Worker{logger: logging.NewNop(), in: wc, out: bufio.NewReaderSize(r, 1<<20)}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.NewComponentLogger(w.logger, "backend")
	w.stderr = newTailWriter(w.logger, 40)
	return w
}

// Load implements Backend.
func (w *Worker) Load(ctx context.Context, opts LoadOptions) (ModelInfo, error) {
	if opts.Task == "" {
		opts.Task = "transcribe"
	}
	var info ModelInfo
	err := w.call(ctx, "load", opts, &info)
	return info, err
}

// Extract implements Backend.
func (w *Worker) Extract(ctx context.Context, samples []float32) (Tensor, error) {
	params := map[string]any{"audio": Tensor{Shape: []int{len(samples)}, Data: samples}}
	var out struct {
		Features Tensor `json:"features"`
	}
	err := w.call(ctx, "extract", params, &out)
	return out.Features, err
}

// Tokenize implements Backend.
func (w *Worker) Tokenize(ctx context.Context, text string) ([]int64, error) {
	var out struct {
		IDs []int64 `json:"ids"`
	}
	err := w.call(ctx, "tokenize", map[string]any{"text": text}, &out)
	return out.IDs, err
}

// Decode implements Backend.
func (w *Worker) Decode(ctx context.Context, ids [][]int64) ([]string, error) {
	var out struct {
		Texts []string `json:"texts"`
	}
	if err := w.call(ctx, "decode", map[string]any{"ids": ids}, &out); err != nil {
		return nil, err
	}
	if len(out.Texts) != len(ids) {
		return nil, services.Wrap(services.ErrExternalTool, "backend", "decode",
			fmt.Sprintf("worker returned %d texts for %d sequences", len(out.Texts), len(ids)), nil)
	}
	return out.Texts, nil
}

// TrainStep implements Backend.
func (w *Worker) TrainStep(ctx context.Context, req StepRequest) (StepResult, error) {
	var out StepResult
	err := w.call(ctx, "train_step", req, &out)
	return out, err
}

// Evaluate implements Backend.
func (w *Worker) Evaluate(ctx context.Context, req EvalRequest) (EvalResult, error) {
	var out EvalResult
	err := w.call(ctx, "evaluate", req, &out)
	return out, err
}

// SaveCheckpoint implements Backend.
func (w *Worker) SaveCheckpoint(ctx context.Context, dir string) error {
	return w.call(ctx, "save_checkpoint", map[string]any{"dir": dir}, nil)
}

// LoadCheckpoint implements Backend.
func (w *Worker) LoadCheckpoint(ctx context.Context, dir string) error {
	return w.call(ctx, "load_checkpoint", map[string]any{"dir": dir}, nil)
}

// Save implements Backend.
func (w *Worker) Save(ctx context.Context, dir string) error {
	return w.call(ctx, "save", map[string]any{"dir": dir}, nil)
}

// Close asks the worker to exit and waits for the process.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.broken == nil {
		line, _ := json.Marshal(request{ID: w.nextID + 1, Op: "shutdown"})
		_, _ = w.in.Write(append(line, '\n'))
	}
	w.broken = errors.New("worker closed")
	w.mu.Unlock()

	_ = w.in.Close()
	if w.cmd == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil && !isExitAfterShutdown(err) {
			return fmt.Errorf("training worker exit: %w", err)
		}
		return nil
	case <-time.After(30 * time.Second):
		_ = w.cmd.Process.Kill()
		<-done
		return errors.New("training worker did not exit; killed")
	}
}

func isExitAfterShutdown(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 0
}

// call sends one request and waits for its response. A cancelled context
// leaves the stream mid-message, so the worker is marked unusable.
func (w *Worker) call(ctx context.Context, op string, params, out any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return services.Wrap(services.ErrExternalTool, "backend", op, "worker unavailable", w.broken)
	}
	w.nextID++
	id := w.nextID

	line, err := json.Marshal(request{ID: id, Op: op, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if _, err := w.in.Write(append(line, '\n')); err != nil {
			done <- result{err: fmt.Errorf("send %s: %w", op, err)}
			return
		}
		resp, err := w.readResponse(id)
		done <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		w.broken = ctx.Err()
		return ctx.Err()
	}
	if res.err != nil {
		w.broken = res.err
		return w.exitError(op, res.err)
	}
	if !res.resp.OK {
		return classify(op, res.resp)
	}
	if out != nil && len(res.resp.Result) > 0 {
		if err := json.Unmarshal(res.resp.Result, out); err != nil {
			return services.Wrap(services.ErrExternalTool, "backend", op, "decode result", err)
		}
	}
	return nil
}

func (w *Worker) readResponse(id int64) (response, error) {
	for {
		line, err := w.out.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var resp response
			if jsonErr := json.Unmarshal(line, &resp); jsonErr == nil && resp.ID == id {
				return resp, nil
			}
			w.logger.Debug("ignoring worker output", slog.String("line", truncate(string(bytes.TrimSpace(line)), 200)))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return response{}, io.ErrUnexpectedEOF
			}
			return response{}, err
		}
	}
}

// exitError explains a dead worker using the tail of its stderr.
func (w *Worker) exitError(op string, err error) error {
	tail := w.stderr.Tail()
	if looksLikeAuthFailure(tail) {
		return services.Wrap(services.ErrAuth, "backend", op, "hub access denied: "+lastLine(tail), err)
	}
	if strings.Contains(tail, "ModuleNotFoundError") || strings.Contains(tail, "No module named") {
		return services.Wrap(services.ErrDependency, "backend", op, lastLine(tail), err)
	}
	msg := "worker exited"
	if tail != "" {
		msg += ": " + lastLine(tail)
	}
	return services.Wrap(services.ErrExternalTool, "backend", op, msg, err)
}

func classify(op string, resp response) error {
	marker := services.ErrExternalTool
	switch resp.Kind {
	case kindAuth:
		marker = services.ErrAuth
	case kindNotFound:
		marker = services.ErrNotFound
	case kindDependency:
		marker = services.ErrDependency
	case kindUsage:
		marker = services.ErrUsage
	}
	return services.Wrap(marker, "backend", op, resp.Error, nil)
}

func looksLikeAuthFailure(text string) bool {
	return strings.Contains(text, "GatedRepoError") ||
		strings.Contains(text, "401 Client Error") ||
		strings.Contains(text, "Access to model")
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[idx+1:])
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// tailWriter logs worker stderr line by line and keeps the last lines for
// error reports.
type tailWriter struct {
	logger  *slog.Logger
	limit   int
	mu      sync.Mutex
	partial []byte
	lines   []string
}

func newTailWriter(logger *slog.Logger, limit int) *tailWriter {
	return &tailWriter{logger: logger, limit: limit}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partial = append(t.partial, p...)
	for {
		idx := bytes.IndexByte(t.partial, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(t.partial[:idx]), "\r")
		t.partial = t.partial[idx+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		t.logger.Debug("worker", slog.String("stderr", line))
		t.lines = append(t.lines, line)
		if len(t.lines) > t.limit {
			t.lines = t.lines[len(t.lines)-t.limit:]
		}
	}
	return len(p), nil
}

// Tail returns the retained stderr lines, including an unterminated last line.
func (t *tailWriter) Tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := append([]string(nil), t.lines...)
	if rest := strings.TrimSpace(string(t.partial)); rest != "" {
		lines = append(lines, rest)
	}
	return strings.Join(lines, "\n")
}
