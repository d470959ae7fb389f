package sync

import (
	"fmt"
	"time"
)

// ActionKind is the kind of a settled filesystem change.
type ActionKind int

const (
	// ActionCreated indicates a new file appeared.
	ActionCreated ActionKind = iota
	// ActionModified indicates an existing file was written.
	ActionModified
	// ActionDeleted indicates a file disappeared.
	ActionDeleted
	// ActionRenamed indicates a file moved from OldPath to Path.
	ActionRenamed
)

// String returns a human-readable representation of the kind.
func (k ActionKind) String() string {
	switch k {
	case ActionCreated:
		return "created"
	case ActionModified:
		return "modified"
	case ActionDeleted:
		return "deleted"
	case ActionRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Action is a settled change ready to be applied against the remote store.
// It is produced once by the debouncer and consumed once by the queue worker.
type Action struct {
	Kind     ActionKind
	Path     string
	OldPath  string
	QueuedAt time.Time
}

func (a Action) String() string {
	if a.Kind == ActionRenamed {
		return fmt.Sprintf("%s %s -> %s", a.Kind, a.OldPath, a.Path)
	}
	return fmt.Sprintf("%s %s", a.Kind, a.Path)
}
