package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long output is still read after the shell
// exited. A persistent ssh master started by rsync keeps the pipe open.
const DefaultWaitDelay = 2 * time.Second

// Runner executes a shell command line and reports whether it exited 0.
type Runner interface {
	Run(ctx context.Context, commandLine string) error
}

// ShellRunner runs command lines through `sh -c` and forwards their output
// to the logger line by line.
type ShellRunner struct {
	Shell     string
	WaitDelay time.Duration
}

func (s *ShellRunner) Run(ctx context.Context, commandLine string) error {
	shell := s.Shell
	if shell == "" {
		shell = "sh"
	}

	// Not bound to ctx: a started transfer always runs to completion.
	cmd := exec.Command(shell, "-c", commandLine)
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("start %s: %w", shell, err)
	}

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			slog.InfoContext(ctx, "rsync", "output", scanner.Text())
		}
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	pw.Close()
	<-scanned

	if errors.Is(err, exec.ErrWaitDelay) {
		// the shell exited 0, a child still held its output
		slog.DebugContext(ctx, "rsync output left open by a child process")
		err = nil
	}
	if err != nil {
		return fmt.Errorf("run %q: %w", commandLine, err)
	}
	return nil
}
