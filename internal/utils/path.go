package utils

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

var ErrEmptyPath = errors.New("path cannot be empty")

// ExpandHome expands a leading `~` to the user's home directory. A trailing
// separator is preserved because rsync gives it meaning.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}

	if hasTrailingSeparator(path) && !hasTrailingSeparator(expanded) {
		expanded += string(filepath.Separator)
	}
	return expanded, nil
}

// ResolvePath expands `~` and returns a clean absolute path.
func ResolvePath(path string) (string, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	return filepath.Clean(absPath), nil
}

func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}

func EnsureDir(path string) error {
	if DirExists(path) {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}

func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func hasTrailingSeparator(path string) bool {
	return strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator))
}
