// Package extract launches the external metadata extraction program for a
// scan and reports how it exited. It never looks inside the artifacts.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/eargollo/pbicatalog/internal/snapshot"
)

// OutputDirEnv names the environment variable the extractor reads its
// output folder from.
const OutputDirEnv = "OUTPUT_DIR"

// ErrExtractionFailed matches every non-successful extraction outcome.
var ErrExtractionFailed = errors.New("extraction failed")

// ExtractionError carries the captured diagnostics of a failed run.
type ExtractionError struct {
	ExitCode int
	Stderr   string
	TimedOut bool
}

func (e *ExtractionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("extraction timed out and was killed: %s", strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("extraction exited with code %d: %s", e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Is makes errors.Is(err, ErrExtractionFailed) true.
func (e *ExtractionError) Is(target error) bool { return target == ErrExtractionFailed }

// Result is the fully captured outcome of one extraction process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner holds the command line used to invoke the extractor. Filter flags
// are appended per run.
type Runner struct {
	Command string
	Args    []string
	WorkDir string
	// Timeout bounds a single run; zero means no bound.
	Timeout time.Duration
}

// FilterArgs renders f as extractor flags. Name filters are matched by the
// extractor as case-insensitive substrings, id filters exactly.
func FilterArgs(f snapshot.Filters) []string {
	var args []string
	add := func(flag, v string) {
		if v != "" {
			args = append(args, flag, v)
		}
	}
	add("--workspace", f.Workspace)
	add("--workspace-id", f.WorkspaceID)
	add("--dataset", f.Dataset)
	add("--dataset-id", f.DatasetID)
	return args
}

// Process is a live extraction owned by its caller until Wait returns.
type Process struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	ctx     context.Context
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	once    sync.Once
	result  Result
	err     error
	started time.Time
}

// Start spawns the extractor with outputDir injected through OUTPUT_DIR.
// Cancelling ctx, or calling Kill, terminates the process.
func (r *Runner) Start(ctx context.Context, outputDir string, f snapshot.Filters) (*Process, error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	args := append(append([]string(nil), r.Args...), FilterArgs(f)...)
	cmd := exec.CommandContext(runCtx, r.Command, args...)
	cmd.Env = append(os.Environ(), OutputDirEnv+"="+outputDir)
	cmd.Dir = r.WorkDir
	cmd.WaitDelay = 5 * time.Second

	p := &Process{cmd: cmd, cancel: cancel, ctx: runCtx}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	slog.Info("extract: starting", "command", r.Command, "args", args, "output_dir", outputDir)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start extractor %q: %w", r.Command, err)
	}
	p.started = time.Now()
	return p, nil
}

// Run is Start followed by Wait.
func (r *Runner) Run(ctx context.Context, outputDir string, f snapshot.Filters) (Result, error) {
	p, err := r.Start(ctx, outputDir, f)
	if err != nil {
		return Result{}, err
	}
	return p.Wait()
}

// PID returns the operating-system process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Kill forcibly terminates the process. It is a no-op once it has exited.
func (p *Process) Kill() {
	p.cancel()
}

// Wait blocks until the process exits and returns its captured output.
// A non-zero exit yields an *ExtractionError. Wait may be called repeatedly.
func (p *Process) Wait() (Result, error) {
	p.once.Do(func() {
		waitErr := p.cmd.Wait()
		defer p.cancel()

		p.result = Result{
			ExitCode: p.cmd.ProcessState.ExitCode(),
			Stdout:   p.stdout.String(),
			Stderr:   p.stderr.String(),
		}
		slog.Info("extract: finished",
			"pid", p.PID(),
			"exit_code", p.result.ExitCode,
			"duration", time.Since(p.started).Round(time.Millisecond))

		if waitErr == nil {
			return
		}
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && p.ctx.Err() == nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
			p.err = fmt.Errorf("wait extractor: %w", waitErr)
			return
		}
		p.err = &ExtractionError{
			ExitCode: p.result.ExitCode,
			Stderr:   p.result.Stderr,
			TimedOut: errors.Is(p.ctx.Err(), context.DeadlineExceeded),
		}
	})
	return p.result, p.err
}
