// Package agent spawns and supervises the coding-agent CLI subprocess,
// one conversational turn per process.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cowork/cowork/internal/claude"
	"github.com/cowork/cowork/internal/common/logger"
)

// killGracePeriod is how long a terminated process group gets to exit
// before SIGKILL.
const killGracePeriod = 2 * time.Second

// maxLineSize bounds a single stream-json line. Tool results can embed
// whole files, so the default 64KB scanner limit is far too small.
const maxLineSize = 10 * 1024 * 1024

// RunRequest describes one turn of the agent.
type RunRequest struct {
	// Instruction is the user prompt passed as the CLI's positional arg.
	Instruction string

	// WorkingDir scopes the agent; it becomes the subprocess's cwd.
	WorkingDir string

	// ResumeSessionID continues a prior CLI session when non-empty.
	ResumeSessionID string

	// ApprovalPort is injected as COWORK_APPROVAL_PORT for the hook script.
	ApprovalPort int
}

// EmitFunc receives decoded stream events in stdout order, on a single
// goroutine. No events are delivered after the run's context is cancelled.
type EmitFunc func(claude.StreamEvent)

// Runner spawns the agent CLI per turn.
type Runner struct {
	command string
	logger  *logger.Logger
}

// NewRunner creates a runner for the given CLI command (resolved via PATH).
func NewRunner(command string, log *logger.Logger) *Runner {
	return &Runner{
		command: command,
		logger:  log.WithFields(zap.String("component", "agent-runner")),
	}
}

// Run spawns the CLI for one turn and blocks until it exits. Decoded
// events are delivered through emit. A nonzero exit before the stream's
// terminal event is synthesized into a RunError event; spawn failure is
// returned as an error and never retried. Cancelling ctx terminates the
// process group and suppresses all further events.
func (r *Runner) Run(ctx context.Context, req RunRequest, emit EmitFunc) error {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	args = append(args, req.Instruction)

	cmd := exec.Command(r.command, args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), "COWORK_APPROVAL_PORT="+strconv.Itoa(req.ApprovalPort))
	// Own process group so cancellation reaches the CLI's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", r.command, err)
	}

	r.logger.Info("Agent spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("working_dir", req.WorkingDir),
		zap.Bool("resumed", req.ResumeSessionID != ""))

	// Terminate the process group when ctx is cancelled.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.terminate(cmd)
		case <-waitDone:
		}
	}()

	sawTerminal := false
	var g errgroup.Group

	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		decoder := claude.NewDecoder(r.logger)

		for scanner.Scan() {
			// Discard anything decoded after cancellation, including a
			// partial turn the dying process manages to flush.
			if ctx.Err() != nil {
				continue
			}
			for _, ev := range decoder.DecodeLine(scanner.Bytes()) {
				switch ev.(type) {
				case claude.RunDone, claude.RunError:
					sawTerminal = true
				}
				emit(ev)
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			r.logger.Warn("Agent stdout read failed", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				r.logger.Warn("Agent stderr", zap.String("line", line))
			}
		}
		return nil
	})

	_ = g.Wait()
	err = cmd.Wait()
	close(waitDone)

	if ctx.Err() != nil {
		r.logger.Info("Agent run cancelled", zap.Int("pid", cmd.Process.Pid))
		return ctx.Err()
	}

	if err != nil && !sawTerminal {
		// The CLI died without a result line; surface it as a turn failure.
		emit(claude.RunError{Message: fmt.Sprintf("agent exited unexpectedly: %v", err)})
	}
	if err != nil {
		r.logger.Warn("Agent exited with error", zap.Error(err))
	} else {
		r.logger.Info("Agent run finished", zap.Int("pid", cmd.Process.Pid))
	}
	return nil
}

// terminate signals the whole process group, SIGTERM then SIGKILL.
func (r *Runner) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	} else {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	}

	time.AfterFunc(killGracePeriod, func() {
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = cmd.Process.Kill()
		}
	})
}
