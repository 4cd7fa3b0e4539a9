// Package agentproc launches and supervises the external agent CLI as a
// local subprocess (spec.md §1, §4.C): the core streams from it, it does
// not orchestrate containers.
package agentproc

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/config"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// StartOptions carries everything the subprocess command line needs to
// know about the session it is serving.
type StartOptions struct {
	WorkingDir      string
	PermissionMode  v1.PermissionMode
	ToolsAllowlist  []string
	Model           string
	ResumeSessionID string
}

// Process wraps a running agent CLI subprocess with its stdio pipes.
type Process struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Launcher starts agent subprocesses according to AgentConfig, retrying
// transient startup failures with bounded backoff.
type Launcher struct {
	cfg config.AgentConfig
	log *logger.Logger
}

// NewLauncher builds a Launcher from the agent section of the server config.
func NewLauncher(cfg config.AgentConfig, log *logger.Logger) *Launcher {
	return &Launcher{cfg: cfg, log: log.WithFields()}
}

// Start launches the agent CLI for opts, retrying up to
// cfg.MaxStartupRetries times on a failure to even fork/exec the
// process (not on in-stream failures, which are the adapter's concern).
func (l *Launcher) Start(ctx context.Context, opts StartOptions) (*Process, error) {
	var proc *Process

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxInt(l.cfg.MaxStartupRetries, 0)))

	op := func() error {
		p, err := l.spawn(ctx, opts)
		if err != nil {
			l.log.Warn("agent subprocess launch failed, retrying", zap.Error(err))
			return err
		}
		proc = p
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, apperr.AgentStartupFailure(
			friendlyStartupMessage(err),
			err.Error(),
			err,
		)
	}
	return proc, nil
}

func (l *Launcher) spawn(ctx context.Context, opts StartOptions) (*Process, error) {
	args := buildArgs(opts)

	cmd := exec.CommandContext(ctx, l.cfg.Command, args...)
	cmd.Dir = opts.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	return &Process{cmd: cmd, Stdin: stdin, Stdout: stdout, Stderr: stderr}, nil
}

// buildArgs constructs the CLI flags for the configured agent command,
// matching the stream-json control protocol's expectations (structured
// input/output over stdio, one JSON object per line).
func buildArgs(opts StartOptions) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-mode", permissionModeFlag(opts.PermissionMode),
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.ToolsAllowlist) > 0 {
		for _, t := range opts.ToolsAllowlist {
			args = append(args, "--allowedTools", t)
		}
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

func permissionModeFlag(mode v1.PermissionMode) string {
	if mode == "" {
		return string(v1.ModeDefault)
	}
	return string(mode)
}

// Wait blocks until the subprocess exits.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Kill forcibly terminates the subprocess.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// CloseStdin closes the subprocess's stdin, which is how stream-json
// agents are told the conversation is over (they exit on EOF rather
// than requiring a forced kill).
func (p *Process) CloseStdin() error {
	return p.Stdin.Close()
}

func friendlyStartupMessage(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "executable file not found"), strings.Contains(msg, "no such file or directory"):
		return "agent command not found; check the configured agent CLI path"
	case strings.Contains(msg, "permission denied"):
		return "agent command could not be executed (permission denied)"
	default:
		return "agent failed to start"
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
