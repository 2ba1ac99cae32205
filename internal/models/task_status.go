package models

import (
	"errors"
	"fmt"
)

// TaskStatus represents the current status of a task in its lifecycle.
//
// Task status transitions:
//
//	Initiated → Running → ... → Running → (Completed|Failed)
//
// Initiated is only ever set at creation. Completed and Failed are terminal.
type TaskStatus string

const (
	// TaskInitiated is the state a task is created in.
	TaskInitiated TaskStatus = "Initiated"
	// TaskRunning is set once per workflow step.
	TaskRunning TaskStatus = "Running"
	// TaskCompleted indicates the workflow finished successfully.
	TaskCompleted TaskStatus = "Completed"
	// TaskFailed indicates the workflow stopped on an error.
	TaskFailed TaskStatus = "Failed"
)

// ErrUnknownTaskStatus is returned for status strings outside the closed set.
var ErrUnknownTaskStatus = errors.New("unknown task status")

// ParseTaskStatus validates a raw status string. Matching is exact.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	status := TaskStatus(raw)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskStatus, raw)
	}
	return status, nil
}

// Valid reports whether s is one of the four task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskInitiated, TaskRunning, TaskCompleted, TaskFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition can leave s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransitionTask reports whether a task may move from one status to another.
func CanTransitionTask(from, to TaskStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == TaskInitiated || from.Terminal() {
		return false
	}
	return true
}
