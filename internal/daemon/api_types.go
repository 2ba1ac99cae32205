package daemon

import "encoding/json"

type V1ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

type V1PingResponse struct {
	Status string `json:"status"`
}

// V1TaskAcceptedResponse is returned by create endpoints with 202.
type V1TaskAcceptedResponse struct {
	TaskID  int64  `json:"task_id"`
	Message string `json:"message"`
}

type V1PatternCreateRequest struct {
	CollectionName    string `json:"collection_name"`
	CollectionVersion string `json:"collection_version"`
	PatternName       string `json:"pattern_name"`
}

type V1Pattern struct {
	ID                   int64           `json:"id"`
	CollectionName       string          `json:"collection_name"`
	CollectionVersion    string          `json:"collection_version"`
	CollectionVersionURI *string         `json:"collection_version_uri"`
	PatternName          string          `json:"pattern_name"`
	PatternDefinition    json.RawMessage `json:"pattern_definition"`
	CreatedAt            string          `json:"created"`
	UpdatedAt            string          `json:"modified"`
}

type V1PatternInstanceCreateRequest struct {
	OrganizationID int64           `json:"organization_id"`
	Pattern        int64           `json:"pattern"`
	Credentials    map[string]any  `json:"credentials"`
	Executors      json.RawMessage `json:"executors,omitempty"`
}

type V1PatternInstance struct {
	ID                  int64           `json:"id"`
	OrganizationID      int64           `json:"organization_id"`
	Pattern             int64           `json:"pattern"`
	ControllerProjectID *int64          `json:"controller_project_id"`
	ControllerEEID      *int64          `json:"controller_ee_id"`
	ControllerLabels    []int64         `json:"controller_labels"`
	Credentials         map[string]any  `json:"credentials"`
	Executors           json.RawMessage `json:"executors"`
	CreatedAt           string          `json:"created"`
	UpdatedAt           string          `json:"modified"`
}

type V1ControllerLabel struct {
	ID        int64  `json:"id"`
	LabelID   int64  `json:"label_id"`
	CreatedAt string `json:"created"`
}

type V1Automation struct {
	ID              int64  `json:"id"`
	AutomationType  string `json:"automation_type"`
	AutomationID    int64  `json:"automation_id"`
	Primary         bool   `json:"primary"`
	PatternInstance int64  `json:"pattern_instance"`
	CreatedAt       string `json:"created"`
}

type V1Task struct {
	ID        int64           `json:"id"`
	Status    string          `json:"status"`
	Details   json.RawMessage `json:"details"`
	CreatedAt string          `json:"created"`
	UpdatedAt string          `json:"modified"`
}

type V1TaskEvent struct {
	ID        int64           `json:"id"`
	Timestamp string          `json:"ts"`
	Kind      string          `json:"kind"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type V1TaskEventsResponse struct {
	Events []V1TaskEvent `json:"events"`
	LastID int64         `json:"last_id"`
}
