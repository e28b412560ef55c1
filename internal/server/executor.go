package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/3cpo-dev/rcmd/internal/protocol"
)

// Executor runs one command with its standard output written to capturePath.
type Executor interface {
	Execute(ctx context.Context, command, capturePath string) (ExecResult, error)
}

// ExecResult describes a finished command. A non-zero ExitCode is a normal
// outcome, not an error.
type ExecResult struct {
	ExitCode int
	Duration time.Duration
}

// ExecLaunchError reports that the command interpreter itself could not run.
type ExecLaunchError struct {
	Command string
	Err     error
}

func (e *ExecLaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Command, e.Err)
}

func (e *ExecLaunchError) Unwrap() error { return e.Err }

// ShellExecutor hands the command string to a shell verbatim. Whatever the
// client sends is executed with the server's privileges.
type ShellExecutor struct {
	Shell string
	// CaptureStderr sends stderr into the capture file as well; otherwise
	// it goes to Stderr, or is discarded when Stderr is nil.
	CaptureStderr bool
	Stderr        io.Writer
}

func (e *ShellExecutor) Execute(ctx context.Context, command, capturePath string) (ExecResult, error) {
	f, err := os.OpenFile(capturePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return ExecResult{}, &ExecLaunchError{Command: command, Err: fmt.Errorf("create capture file: %w", err)}
	}
	defer f.Close()

	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Stdout = f
	cmd.Stderr = e.Stderr
	if e.CaptureStderr {
		cmd.Stderr = f
	}

	start := time.Now()
	err = cmd.Run()
	res := ExecResult{Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, &ExecLaunchError{Command: command, Err: err}
	}
	return res, nil
}

// CapturePath derives the capture file for a client from its address, so two
// connected clients never share a file.
func CapturePath(dir, client string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return '_'
	}, client)
	return filepath.Join(dir, "rcmd-"+name+".out")
}

// collectCapture reads the whole capture file and removes it. Output larger
// than protocol.MaxPayloadSize is rejected instead of truncated.
func collectCapture(path string) ([]byte, error) {
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	out, err := io.ReadAll(io.LimitReader(f, protocol.MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	if len(out) > protocol.MaxPayloadSize {
		return nil, protocol.ErrPayloadTooLarge
	}
	return out, nil
}
