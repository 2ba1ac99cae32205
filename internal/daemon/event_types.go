package daemon

import (
	"strings"

	"github.com/patternservice/patternd/internal/models"
)

// EventKind names an entry in the task event log.
type EventKind string

const (
	EventKindTaskInitiated EventKind = "task.initiated"
	EventKindTaskRunning   EventKind = "task.running"
	EventKindTaskCompleted EventKind = "task.completed"
	EventKindTaskFailed    EventKind = "task.failed"
)

// taskEventKind maps a task status to the event recorded when a task
// enters it.
func taskEventKind(status models.TaskStatus) EventKind {
	return EventKind("task." + strings.ToLower(string(status)))
}
