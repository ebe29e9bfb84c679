package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runbin/metrics"
	"runbin/pkg/domain"
	"runbin/svc/util"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const (
	defaultName = "main.py"
	waitDelay   = 250 * time.Millisecond
	sandboxPath = "/usr/local/bin:/usr/bin:/bin"
)

type Config struct {
	Interpreter string
	Args        []string
	Timeout     time.Duration
	MaxOutput   int
	Workers     int
	QueueWait   time.Duration
	TempDir     string
}

// Sandbox runs snippets as child processes in throwaway directories. At
// most Workers run at once; excess callers queue for QueueWait and are then
// turned away.
type Sandbox struct {
	cfg     Config
	interp  string
	sem     *semaphore.Weighted
	workers int64
}

func New(c Config) (*Sandbox, error) {
	if c.Interpreter == "" {
		return nil, errors.New("sandbox interpreter required")
	}
	if c.Timeout <= 0 {
		return nil, errors.New("sandbox timeout must be positive")
	}
	if c.MaxOutput <= 0 {
		return nil, errors.New("sandbox output cap must be positive")
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if err := os.MkdirAll(c.TempDir, 0700); err != nil {
		return nil, errors.Wrap(err, "sandbox temp dir")
	}
	interp := c.Interpreter
	if resolved, err := exec.LookPath(c.Interpreter); err == nil {
		interp = resolved
	} else {
		util.Warn().Str("interpreter", c.Interpreter).Msg("sandbox interpreter not found, executions will fault")
	}
	return &Sandbox{
		cfg:     c,
		interp:  interp,
		sem:     semaphore.NewWeighted(int64(c.Workers)),
		workers: int64(c.Workers),
	}, nil
}

// Run executes content saved as name. The error is non-nil only when the
// run never started: the pool stayed full past QueueWait or ctx ended while
// queued. Every other failure is reported through the result's outcome.
func (s *Sandbox) Run(ctx context.Context, name string, content []byte) (*domain.ExecutionResult, error) {
	if err := s.admit(ctx); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	metrics.SandboxInFlight.Inc()
	defer metrics.SandboxInFlight.Dec()

	start := time.Now()
	res := s.execute(ctx, name, content)
	elapsed := time.Since(start)
	res.DurationMs = elapsed.Milliseconds()

	metrics.Executions.WithLabelValues(string(res.Outcome)).Inc()
	metrics.ExecutionDuration.WithLabelValues(string(res.Outcome)).Observe(elapsed.Seconds())
	ev := util.Debug()
	if res.Outcome != domain.Completed {
		ev = util.Info().Str("fault", res.FaultReason)
	}
	ev.Str("outcome", string(res.Outcome)).Dur("duration", elapsed).Msg("execution finished")
	return res, nil
}

func (s *Sandbox) admit(ctx context.Context) error {
	if s.sem.TryAcquire(1) {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.QueueWait)
	defer cancel()
	if err := s.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.SandboxRejected.Inc()
		return domain.ErrSandboxBusy
	}
	return nil
}

// Drain blocks until every running execution has finished.
func (s *Sandbox) Drain(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, s.workers); err != nil {
		return err
	}
	s.sem.Release(s.workers)
	return nil
}

func (s *Sandbox) execute(ctx context.Context, name string, content []byte) *domain.ExecutionResult {
	dir, err := os.MkdirTemp(s.cfg.TempDir, "run-")
	if err != nil {
		return faulted("workspace unavailable")
	}
	defer os.RemoveAll(dir)
	if err := os.Chmod(dir, 0700); err != nil {
		return faulted("workspace unavailable")
	}
	file := scriptName(name)
	if err := os.WriteFile(filepath.Join(dir, file), content, 0600); err != nil {
		return faulted("workspace unavailable")
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	stdout := newCappedBuffer(s.cfg.MaxOutput)
	stderr := newCappedBuffer(s.cfg.MaxOutput)
	args := append(append([]string(nil), s.cfg.Args...), file)
	cmd := exec.CommandContext(runCtx, s.interp, args...)
	cmd.Dir = dir
	cmd.Env = sandboxEnv(dir)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	isolate(cmd)
	cmd.Cancel = func() error { return killTree(cmd) }

	if err := cmd.Start(); err != nil {
		return faulted("launch failed: " + launchReason(err))
	}
	waitErr := waitAndSweep(cmd)

	res := &domain.ExecutionResult{
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}
	res.SetOutput(stdout.Bytes(), stderr.Bytes())
	switch {
	case ctx.Err() != nil:
		res.Outcome = domain.Faulted
		res.FaultReason = "canceled"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Outcome = domain.TimedOut
	case cmd.ProcessState == nil:
		res.Outcome = domain.Faulted
		res.FaultReason = "process state unavailable"
	case cmd.ProcessState.Exited():
		code := cmd.ProcessState.ExitCode()
		res.Outcome = domain.Completed
		res.ExitCode = &code
	default:
		res.Outcome = domain.Faulted
		res.FaultReason = signalReason(cmd.ProcessState, waitErr)
	}
	return res
}

func faulted(reason string) *domain.ExecutionResult {
	return &domain.ExecutionResult{Outcome: domain.Faulted, FaultReason: reason}
}

func scriptName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || base == "" || strings.HasPrefix(base, ".") {
		return defaultName
	}
	return base
}

func sandboxEnv(dir string) []string {
	return []string{
		"PATH=" + sandboxPath,
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"PYTHONIOENCODING=utf-8",
	}
}

func launchReason(err error) string {
	var ee *exec.Error
	if errors.As(err, &ee) {
		return ee.Err.Error()
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Err.Error()
	}
	return "start error"
}

func signalReason(ps *os.ProcessState, waitErr error) string {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return "terminated by signal " + ws.Signal().String()
	}
	if waitErr != nil {
		return "abnormal termination"
	}
	return "unknown termination"
}
