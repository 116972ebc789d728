package main

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
	"github.com/jhuang59/router-benchmark/pkg/whitelist"
)

const maxCaptureBytes = 64 * 1024

// cappedBuffer retains at most limit bytes and discards the rest, so a
// chatty command cannot balloon the result payload.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	// Report full consumption even when truncating; a short count would
	// surface as ErrShortWrite from the exec pipe copier.
	n := len(p)
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return n, nil
	}
	if len(p) > remaining {
		b.truncated = true
		p = p[:remaining]
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

// executor runs whitelisted command lines through the system shell and
// shapes the outcome into a result the coordinator will accept.
type executor struct {
	registry *whitelist.Registry
}

// run executes cmdline for env and always returns a reportable result.
// Verification rejections never reach here; this handles only runtime
// outcomes: normal exit, non-zero exit, and deadline kill.
func (e *executor) run(ctx context.Context, env *protocol.CommandEnvelope, cmdline string) *protocol.CommandResult {
	def, err := e.registry.Lookup(env.CommandID)
	timeout := 30 * time.Second
	if err == nil && def.TimeoutSeconds > 0 {
		timeout = time.Duration(def.TimeoutSeconds) * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &cappedBuffer{limit: maxCaptureBytes}
	stderr := &cappedBuffer{limit: maxCaptureBytes}

	cmd := exec.CommandContext(execCtx, "sh", "-c", cmdline)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Run the command in its own process group and kill the whole group
	// on deadline; killing only the shell leaves grandchildren holding
	// the output pipes and Run would block until they exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			exitCode = protocol.ExitTimeout
			log.Warn().Str("command_id", env.CommandID).Dur("timeout", timeout).Msg("Command killed on timeout")
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			// Spawn failure: the shell never ran.
			exitCode = protocol.ExitRejected
			log.Error().Err(runErr).Str("command_id", env.CommandID).Msg("Command failed to start")
		}
	}

	return &protocol.CommandResult{
		CommandUUID:     env.UUID,
		CommandID:       env.CommandID,
		ClientID:        env.ClientID,
		ExitCode:        exitCode,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutedAt:      started.UTC(),
		DurationSeconds: duration.Seconds(),
	}
}

// rejection shapes a verification failure into a result so the
// operator sees why the command never ran. The rejection reason goes
// to stderr; the distinguished exit code marks it as never-executed.
func rejection(env *protocol.CommandEnvelope, err error) *protocol.CommandResult {
	return &protocol.CommandResult{
		CommandUUID:     env.UUID,
		CommandID:       env.CommandID,
		ClientID:        env.ClientID,
		ExitCode:        protocol.ExitRejected,
		Stderr:          err.Error(),
		ExecutedAt:      time.Now().UTC(),
		DurationSeconds: 0,
	}
}
