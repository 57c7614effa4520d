package sync

import (
	"path/filepath"
	"slices"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/openmined/projectsync/internal/watch"
)

// ignoreLines converts rsync exclude-file text to gitignore lines.
// `- pattern` excludes and `+ pattern` re-includes, like rsync filter rules;
// plain lines are excludes and a lone `!` clears the rules read so far.
// rsync applies the first matching rule and gitignore the last one, so the
// result is in reverse order.
func ignoreLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if line == "!" {
			lines = lines[:0]
			continue
		}

		switch {
		case strings.HasPrefix(line, "- "):
			line = strings.TrimSpace(line[2:])
		case strings.HasPrefix(line, "+ "):
			line = "!" + strings.TrimSpace(line[2:])
		}
		if line != "" && line != "!" {
			lines = append(lines, line)
		}
	}
	slices.Reverse(lines)
	return lines
}

// newIgnoreFilter returns a watch filter dropping events for paths below
// root that the ignore text excludes, or nil when nothing is excluded.
func newIgnoreFilter(root, text string) watch.FilterCallback {
	lines := ignoreLines(text)
	if len(lines) == 0 {
		return nil
	}

	ignore := gitignore.CompileIgnoreLines(lines...)
	return func(path string) bool {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return false
		}
		return ignore.MatchesPath(filepath.ToSlash(rel))
	}
}
