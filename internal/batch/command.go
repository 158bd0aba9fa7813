package batch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Command configures one scheduler CLI call or local script.
type Command struct {
	Binary string
	Args   []string
	Dir    string
	// Env is added to the inherited environment as key=value entries.
	Env []string
	// Output receives combined stdout and stderr in addition to capture.
	Output io.Writer
	// GracePeriod between SIGTERM and SIGKILL on cancellation. Defaults to 5s.
	GracePeriod time.Duration
}

// Result holds what a finished command produced.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// RunFunc executes a command. Backends take one so tests can swap it.
type RunFunc func(ctx context.Context, cmd Command) (*Result, error)

// Run executes cmd in its own process group and waits for it. Cancelling
// ctx sends SIGTERM to the group, then SIGKILL after the grace period.
func Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Binary == "" {
		return nil, fmt.Errorf("batch: binary is required")
	}
	grace := cmd.GracePeriod
	if grace == 0 {
		grace = 5 * time.Second
	}

	c := exec.CommandContext(ctx, cmd.Binary, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	if cmd.Output != nil {
		c.Stdout = io.MultiWriter(&stdout, cmd.Output)
		c.Stderr = io.MultiWriter(&stderr, cmd.Output)
	} else {
		c.Stdout = &stdout
		c.Stderr = &stderr
	}

	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = grace

	start := time.Now()
	err := c.Run()
	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if c.ProcessState != nil {
		result.ExitCode = c.ProcessState.ExitCode()
	}
	if err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("batch: %s killed by context: %w", cmd.Binary, ctx.Err())
		}
		return result, fmt.Errorf("batch: %s exit code %d: %w", cmd.Binary, result.ExitCode, err)
	}
	return result, nil
}
