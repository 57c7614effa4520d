package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/openmined/projectsync/internal/utils"
)

var ErrAlreadyRunning = errors.New("another project-sync instance is using this config")

// InstanceLock keeps two daemons from mirroring the same config at once.
type InstanceLock struct {
	dir   string
	flock *flock.Flock
}

// NewInstanceLock returns the lock for configPath, stored in lockDir under a
// name derived from the config path.
func NewInstanceLock(lockDir, configPath string) *InstanceLock {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.Clean(configPath)))
	return &InstanceLock{
		dir:   lockDir,
		flock: flock.New(filepath.Join(lockDir, id.String()+".lock")),
	}
}

func (l *InstanceLock) Path() string {
	return l.flock.Path()
}

func (l *InstanceLock) Lock() error {
	if err := utils.EnsureDir(l.dir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", l.dir, err)
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", l.flock.Path(), err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	return nil
}

func (l *InstanceLock) Unlock() error {
	// only the holder removes the lock file
	if !l.flock.Locked() {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.flock.Path(), err)
	}
	return os.Remove(l.flock.Path())
}
