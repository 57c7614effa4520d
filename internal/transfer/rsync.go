// Package transfer runs the external rsync tool for one source/destination
// pair, retrying failed runs with a linear backoff.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/openmined/projectsync/internal/utils"
)

const (
	// MaxAttempts is the total number of rsync runs per transfer,
	// the first run included.
	MaxAttempts = 3

	DefaultBackoffBase = 4 * time.Second
	DefaultBackoffStep = 2 * time.Second

	// DefaultOptions are always passed before the per-rule options.
	DefaultOptions = "--timeout=64 -az -e 'ssh -o ConnectTimeout=64'"

	verboseFlag      = "--itemize-changes"
	ignoreFileSuffix = ".rsync-ignore"
)

var ErrRetriesExhausted = errors.New("transfer retries exhausted")

// Job is everything a single transfer needs to know about its item.
type Job struct {
	Name        string
	Source      string
	Destination string
	Ignore      string
	Options     string
	Verbose     bool
}

type Transferer interface {
	Transfer(ctx context.Context, job Job) error
}

type Rsync struct {
	Binary      string
	CacheDir    string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffStep time.Duration

	Fs     afero.Fs
	Clock  clockwork.Clock
	Runner Runner
}

func NewRsync(binary, cacheDir string) *Rsync {
	if binary == "" {
		binary = "rsync"
	}
	return &Rsync{
		Binary:      binary,
		CacheDir:    cacheDir,
		MaxAttempts: MaxAttempts,
		BackoffBase: DefaultBackoffBase,
		BackoffStep: DefaultBackoffStep,
		Fs:          afero.NewOsFs(),
		Clock:       clockwork.NewRealClock(),
		Runner:      &ShellRunner{},
	}
}

// Transfer runs rsync for job until it succeeds or MaxAttempts runs have
// failed. Cancelling ctx stops further retries but never interrupts a run
// that has already started.
func (r *Rsync) Transfer(ctx context.Context, job Job) error {
	ignorePath, err := r.writeIgnoreFile(job)
	if err != nil {
		return fmt.Errorf("write ignore file for %s: %w", job.Name, err)
	}

	commandLine, err := r.CommandLine(job, ignorePath)
	if err != nil {
		return err
	}

	logger := slog.With("name", job.Name, "destination", job.Destination)
	logger.Info("syncing", "command", commandLine)

	maxAttempts := max(r.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("transfer %s: %w", job.Name, context.Cause(ctx))
		}

		tstart := r.Clock.Now()
		lastErr = r.Runner.Run(ctx, commandLine)
		if lastErr == nil {
			logger.Info("synced", "took", r.Clock.Since(tstart), "attempt", attempt)
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		delay := r.backoff(attempt)
		logger.Warn("sync failed, going to sleep and retry", "attempt", attempt, "retry_in", delay, "error", lastErr)
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("transfer %s: %w", job.Name, err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastErr)
}

// CommandLine builds the shell command for job. The per-rule options are
// inserted verbatim so they keep their shell quoting.
func (r *Rsync) CommandLine(job Job, ignorePath string) (string, error) {
	source, err := utils.ExpandHome(job.Source)
	if err != nil {
		return "", fmt.Errorf("expand source of %s: %w", job.Name, err)
	}

	parts := []string{shellQuote(r.Binary)}
	if job.Verbose {
		parts = append(parts, verboseFlag)
	}
	parts = append(parts, DefaultOptions)
	if opts := strings.TrimSpace(job.Options); opts != "" {
		parts = append(parts, opts)
	}
	parts = append(parts,
		"--exclude-from="+shellQuote(ignorePath),
		shellQuote(source),
		shellQuote(job.Destination),
	)
	return strings.Join(parts, " "), nil
}

// IgnoreFilePath is shared by every item of a rule, they all write the
// same content.
func (r *Rsync) IgnoreFilePath(name string) string {
	safe := strings.Map(func(c rune) rune {
		if c == '/' || c == '\\' || c == filepath.Separator {
			return '_'
		}
		return c
	}, name)
	return filepath.Join(r.CacheDir, safe+ignoreFileSuffix)
}

func (r *Rsync) writeIgnoreFile(job Job) (string, error) {
	path := r.IgnoreFilePath(job.Name)
	if err := r.Fs.MkdirAll(r.CacheDir, 0o755); err != nil {
		return "", err
	}
	if err := afero.WriteFile(r.Fs, path, []byte(job.Ignore), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// backoff grows linearly with the number of failed attempts.
func (r *Rsync) backoff(attempt int) time.Duration {
	return r.BackoffBase + time.Duration(attempt)*r.BackoffStep
}

func (r *Rsync) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-r.Clock.After(d):
		return nil
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
