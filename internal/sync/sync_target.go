package sync

import "errors"

// ErrConfigChanged is the cancellation cause of a generation that ended
// because the config file changed.
var ErrConfigChanged = errors.New("configuration changed")

// TargetKind tells a watched project apart from the config file watch.
type TargetKind int

const (
	ProjectTarget TargetKind = iota
	ConfigReloadTarget
)

func (k TargetKind) String() string {
	switch k {
	case ProjectTarget:
		return "project"
	case ConfigReloadTarget:
		return "config"
	default:
		return "unknown"
	}
}
