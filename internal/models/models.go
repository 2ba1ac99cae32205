// Package models provides data structures and constants for patternd.
//
// This package contains the core domain models used throughout patternd:
//   - Pattern: A versioned collection reference plus its parsed definition
//   - PatternInstance: One organization-scoped activation of a pattern
//   - ControllerLabel: A label created on the automation controller
//   - Automation: A job template provisioned for an instance
//   - Task: The tracked progress of one asynchronous unit of work
//
// All models are designed for database persistence. API shapes live in the
// daemon package.
package models

import (
	"encoding/json"
	"time"
)

// Pattern is a named, versioned reference to a collection artifact.
//
// Fields:
//   - ID: Database identifier
//   - CollectionName: Dotted collection name (e.g. "my_namespace.my_collection")
//   - CollectionVersion: Collection version string
//   - CollectionVersionURI: Resolved artifact URI (empty until fetched)
//   - PatternName: Directory name under extensions/patterns/
//   - Definition: Parsed pattern.json document (nil until fetched)
//   - CreatedAt: When the pattern was registered
//   - UpdatedAt: When the pattern was last written
//
// (CollectionName, CollectionVersion, PatternName) is unique.
type Pattern struct {
	ID                   int64
	CollectionName       string
	CollectionVersion    string
	CollectionVersionURI string
	PatternName          string
	Definition           json.RawMessage
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PatternInstance is one organization-scoped activation of a Pattern.
//
// Fields:
//   - ID: Database identifier
//   - OrganizationID: Controller organization the resources belong to
//   - PatternID: Owning pattern (deleted with it)
//   - Credentials: Credential role name to controller credential ID
//   - Executors: Caller-supplied executor document, usually {"teams": [...], "users": [...]}
//   - ControllerProjectID: Set once provisioning succeeds
//   - ControllerEEID: Set once provisioning succeeds
//   - LabelIDs: Local ControllerLabel IDs linked to the instance
//   - CreatedAt: When the instance was requested
//   - UpdatedAt: When the instance was last written
//
// (OrganizationID, PatternID) is unique. ControllerProjectID,
// ControllerEEID and LabelIDs are only ever written together.
type PatternInstance struct {
	ID                  int64
	OrganizationID      int64
	PatternID           int64
	Credentials         map[string]any
	Executors           json.RawMessage
	ControllerProjectID *int64
	ControllerEEID      *int64
	LabelIDs            []int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Credential returns the credential ID stored under role, or nil when the
// role is absent. A missing role is not an error: the controller accepts a
// null credential.
func (p PatternInstance) Credential(role string) any {
	if p.Credentials == nil {
		return nil
	}
	value, ok := p.Credentials[role]
	if !ok {
		return nil
	}
	return value
}

// ControllerLabel is a single label that exists on the controller.
//
// LabelID is the controller-side identifier and is unique locally.
type ControllerLabel struct {
	ID        int64
	LabelID   int64
	CreatedAt time.Time
}

// AutomationType is the closed set of provisioned automation kinds.
type AutomationType string

const (
	// AutomationJobTemplate is a controller job template.
	AutomationJobTemplate AutomationType = "job_template"
)

// Valid reports whether t is a known automation type.
func (t AutomationType) Valid() bool {
	return t == AutomationJobTemplate
}

// Automation records one provisioned job template.
type Automation struct {
	ID                int64
	PatternInstanceID int64
	Type              AutomationType
	AutomationID      int64
	Primary           bool
	CreatedAt         time.Time
}

// TaskKind identifies which workflow a task drives.
type TaskKind string

const (
	// TaskKindPattern fetches a collection and stores the pattern definition.
	TaskKindPattern TaskKind = "pattern"
	// TaskKindPatternInstance provisions controller resources for an instance.
	TaskKindPatternInstance TaskKind = "pattern_instance"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	return k == TaskKindPattern || k == TaskKindPatternInstance
}

// ModelName is the resource label recorded in a new task's details.
func (k TaskKind) ModelName() string {
	switch k {
	case TaskKindPattern:
		return "Pattern"
	case TaskKindPatternInstance:
		return "PatternInstance"
	default:
		return ""
	}
}

// Task tracks one asynchronous unit of work.
//
// Fields:
//   - ID: Database identifier, returned to API callers as task_id
//   - Kind: Workflow the task drives
//   - ResourceID: Pattern or PatternInstance ID the workflow operates on
//   - Status: Current lifecycle status
//   - Details: Free-form JSON describing the current step or the error
//   - CreatedAt: When the task was created
//   - UpdatedAt: When status and details were last written
type Task struct {
	ID         int64
	Kind       TaskKind
	ResourceID int64
	Status     TaskStatus
	Details    json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
