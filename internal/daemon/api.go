package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patternservice/patternd/internal/db"
	"github.com/patternservice/patternd/internal/models"
)

const (
	// APIBasePath prefixes every pattern service route.
	APIBasePath = "/api/pattern-service/v1"

	maxJSONBytes        = 1 << 20 // Maximum size for JSON request bodies (1MB)
	defaultEventsLimit  = 200     // Default events returned per query
	maxEventsLimit      = 1000    // Maximum events allowed per query
	patternAcceptedMsg  = "Pattern creation initiated. Check task status for progress."
	instanceAcceptedMsg = "PatternInstance creation initiated. Check task status for progress."
)

// TaskSubmitter queues a task for a worker.
type TaskSubmitter interface {
	Submit(ctx context.Context, taskID int64) error
}

// ControlAPI serves the pattern service REST API.
//
// Endpoints (under APIBasePath):
//   - GET    /ping/                      - Liveness check, no auth
//   - POST   /patterns/                  - Register a pattern and start its fetch task
//   - GET    /patterns/                  - List patterns
//   - GET    /patterns/{id}/             - Get a pattern
//   - DELETE /patterns/{id}/             - Delete a pattern and its instances
//   - POST   /pattern_instances/         - Create an instance and start provisioning
//   - GET    /pattern_instances/         - List instances
//   - GET    /pattern_instances/{id}/    - Get an instance
//   - DELETE /pattern_instances/{id}/    - Delete an instance
//   - GET    /controller_labels/         - List controller labels
//   - GET    /controller_labels/{id}/    - Get a controller label
//   - GET    /automations/               - List automations (?pattern_instance=)
//   - GET    /automations/{id}/          - Get an automation
//   - GET    /tasks/                     - List tasks
//   - GET    /tasks/{id}/                - Get a task
//   - GET    /tasks/{id}/events/         - Task transition log (?after=&limit=)
type ControlAPI struct {
	store      *db.Store
	tasks      *TaskManager
	dispatcher TaskSubmitter
	auth       *ControlAuth
	limiter    *IPRateLimiter
	logger     *log.Logger
}

// NewControlAPI wires the API. auth may be nil to disable token checks.
func NewControlAPI(store *db.Store, tasks *TaskManager, dispatcher TaskSubmitter, auth *ControlAuth, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlAPI{
		store:      store,
		tasks:      tasks,
		dispatcher: dispatcher,
		auth:       auth,
		logger:     logger,
	}
}

// WithRateLimiter applies a per-client limit to every API route.
func (api *ControlAPI) WithRateLimiter(limiter *IPRateLimiter) *ControlAPI {
	api.limiter = limiter
	return api
}

// Routes builds the router with middleware.
func (api *ControlAPI) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(api.logger))
	r.Use(recoveryMiddleware(api.logger))
	r.Use(api.limiter.Middleware)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", healthHandler)
	r.Route(APIBasePath, func(r chi.Router) {
		r.Get("/ping/", api.handlePing)

		r.Group(func(r chi.Router) {
			if api.auth != nil {
				r.Use(api.auth.Wrap)
			}
			r.Route("/patterns", func(r chi.Router) {
				r.Get("/", api.handleListPatterns)
				r.Post("/", api.handleCreatePattern)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", api.handleGetPattern)
					r.Delete("/", api.handleDeletePattern)
				})
			})
			r.Route("/pattern_instances", func(r chi.Router) {
				r.Get("/", api.handleListInstances)
				r.Post("/", api.handleCreateInstance)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", api.handleGetInstance)
					r.Delete("/", api.handleDeleteInstance)
				})
			})
			r.Route("/controller_labels", func(r chi.Router) {
				r.Get("/", api.handleListLabels)
				r.Get("/{id}/", api.handleGetLabel)
			})
			r.Route("/automations", func(r chi.Router) {
				r.Get("/", api.handleListAutomations)
				r.Get("/{id}/", api.handleGetAutomation)
			})
			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", api.handleListTasks)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", api.handleGetTask)
					r.Get("/events/", api.handleTaskEvents)
				})
			})
		})
	})
	return r
}

func (api *ControlAPI) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, V1PingResponse{Status: "ok"})
}

func (api *ControlAPI) handleCreatePattern(w http.ResponseWriter, r *http.Request) {
	var req V1PatternCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req.CollectionName = strings.TrimSpace(req.CollectionName)
	req.CollectionVersion = strings.TrimSpace(req.CollectionVersion)
	req.PatternName = strings.TrimSpace(req.PatternName)
	switch {
	case req.CollectionName == "":
		writeError(w, http.StatusBadRequest, "collection_name is required")
		return
	case req.CollectionVersion == "":
		writeError(w, http.StatusBadRequest, "collection_version is required")
		return
	case req.PatternName == "":
		writeError(w, http.StatusBadRequest, "pattern_name is required")
		return
	}
	id, err := api.store.CreatePattern(r.Context(), models.Pattern{
		CollectionName:    req.CollectionName,
		CollectionVersion: req.CollectionVersion,
		PatternName:       req.PatternName,
	})
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			writeError(w, http.StatusConflict, "pattern already exists")
			return
		}
		api.logger.Printf("patternd: create pattern: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create pattern")
		return
	}
	api.startTask(w, r, models.TaskKindPattern, id, patternAcceptedMsg)
}

func (api *ControlAPI) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := api.store.ListPatterns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list patterns")
		return
	}
	out := make([]V1Pattern, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, patternToV1(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (api *ControlAPI) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pattern, err := api.store.GetPattern(r.Context(), id)
	if err != nil {
		writeLookupError(w, "pattern", err)
		return
	}
	writeJSON(w, http.StatusOK, patternToV1(pattern))
}

func (api *ControlAPI) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := api.store.DeletePattern(r.Context(), id); err != nil {
		writeLookupError(w, "pattern", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *ControlAPI) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req V1PatternInstanceCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	switch {
	case req.OrganizationID <= 0:
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	case req.Pattern <= 0:
		writeError(w, http.StatusBadRequest, "pattern is required")
		return
	case req.Credentials == nil:
		writeError(w, http.StatusBadRequest, "credentials is required")
		return
	}
	if _, err := api.store.GetPattern(r.Context(), req.Pattern); err != nil {
		writeLookupError(w, "pattern", err)
		return
	}
	id, err := api.store.CreatePatternInstance(r.Context(), models.PatternInstance{
		OrganizationID: req.OrganizationID,
		PatternID:      req.Pattern,
		Credentials:    req.Credentials,
		Executors:      req.Executors,
	})
	if err != nil {
		switch {
		case errors.Is(err, db.ErrConflict):
			writeError(w, http.StatusConflict, "pattern instance already exists for this organization")
		case errors.Is(err, db.ErrMissingReference):
			writeError(w, http.StatusNotFound, "pattern not found")
		default:
			api.logger.Printf("patternd: create pattern instance: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to create pattern instance")
		}
		return
	}
	api.startTask(w, r, models.TaskKindPatternInstance, id, instanceAcceptedMsg)
}

func (api *ControlAPI) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := api.store.ListPatternInstances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list pattern instances")
		return
	}
	out := make([]V1PatternInstance, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceToV1(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

func (api *ControlAPI) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := api.store.GetPatternInstance(r.Context(), id)
	if err != nil {
		writeLookupError(w, "pattern instance", err)
		return
	}
	writeJSON(w, http.StatusOK, instanceToV1(inst))
}

func (api *ControlAPI) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := api.store.DeletePatternInstance(r.Context(), id); err != nil {
		writeLookupError(w, "pattern instance", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *ControlAPI) handleListLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := api.store.ListControllerLabels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list controller labels")
		return
	}
	out := make([]V1ControllerLabel, 0, len(labels))
	for _, label := range labels {
		out = append(out, labelToV1(label))
	}
	writeJSON(w, http.StatusOK, out)
}

func (api *ControlAPI) handleGetLabel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	label, err := api.store.GetControllerLabel(r.Context(), id)
	if err != nil {
		writeLookupError(w, "controller label", err)
		return
	}
	writeJSON(w, http.StatusOK, labelToV1(label))
}

func (api *ControlAPI) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseQueryInt64(r.URL.Query().Get("pattern_instance"))
	if err != nil || instanceID < 0 {
		writeError(w, http.StatusBadRequest, "invalid pattern_instance")
		return
	}
	automations, err := api.store.ListAutomations(r.Context(), instanceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list automations")
		return
	}
	out := make([]V1Automation, 0, len(automations))
	for _, a := range automations {
		out = append(out, automationToV1(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (api *ControlAPI) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	automation, err := api.store.GetAutomation(r.Context(), id)
	if err != nil {
		writeLookupError(w, "automation", err)
		return
	}
	writeJSON(w, http.StatusOK, automationToV1(automation))
}

func (api *ControlAPI) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []models.Task
		err   error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, parseErr := models.ParseTaskStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		tasks, err = api.store.ListTasksByStatus(r.Context(), status)
	} else {
		tasks, err = api.store.ListTasks(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	out := make([]V1Task, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskToV1(task))
	}
	writeJSON(w, http.StatusOK, out)
}

func (api *ControlAPI) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := api.store.GetTask(r.Context(), id)
	if err != nil {
		writeLookupError(w, "task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToV1(task))
}

func (api *ControlAPI) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	after, err := parseQueryInt64(query.Get("after"))
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	limit, err := parseQueryInt(query.Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	if _, err := api.store.GetTask(r.Context(), id); err != nil {
		writeLookupError(w, "task", err)
		return
	}
	events, err := api.store.ListEventsByTask(r.Context(), id, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	resp := V1TaskEventsResponse{Events: make([]V1TaskEvent, 0, len(events)), LastID: after}
	for _, ev := range events {
		if ev.ID > resp.LastID {
			resp.LastID = ev.ID
		}
		resp.Events = append(resp.Events, eventToV1(ev))
	}
	writeJSON(w, http.StatusOK, resp)
}

// startTask creates the Initiated task for a new resource, queues it and
// answers 202. A task that cannot be queued stays Initiated and is picked
// up again on the next start.
func (api *ControlAPI) startTask(w http.ResponseWriter, r *http.Request, kind models.TaskKind, resourceID int64, message string) {
	task, err := api.tasks.Create(r.Context(), kind, resourceID)
	if err != nil {
		api.logger.Printf("patternd: create task for %s %d: %v", kind, resourceID, err)
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	if api.dispatcher != nil {
		if err := api.dispatcher.Submit(r.Context(), task.ID); err != nil {
			api.logger.Printf("patternd: queue task %d: %v", task.ID, err)
		}
	}
	if subject := Principal(r.Context()); subject != "" {
		api.logger.Printf("patternd: %s %d task %d requested by %s", kind.ModelName(), resourceID, task.ID, subject)
	}
	writeJSON(w, http.StatusAccepted, V1TaskAcceptedResponse{TaskID: task.ID, Message: message})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeLookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func patternToV1(p models.Pattern) V1Pattern {
	out := V1Pattern{
		ID:                p.ID,
		CollectionName:    p.CollectionName,
		CollectionVersion: p.CollectionVersion,
		PatternName:       p.PatternName,
		PatternDefinition: jsonOrNull(p.Definition),
		CreatedAt:         formatAPITime(p.CreatedAt),
		UpdatedAt:         formatAPITime(p.UpdatedAt),
	}
	if p.CollectionVersionURI != "" {
		uri := p.CollectionVersionURI
		out.CollectionVersionURI = &uri
	}
	return out
}

func instanceToV1(inst models.PatternInstance) V1PatternInstance {
	labels := inst.LabelIDs
	if labels == nil {
		labels = []int64{}
	}
	return V1PatternInstance{
		ID:                  inst.ID,
		OrganizationID:      inst.OrganizationID,
		Pattern:             inst.PatternID,
		ControllerProjectID: inst.ControllerProjectID,
		ControllerEEID:      inst.ControllerEEID,
		ControllerLabels:    labels,
		Credentials:         inst.Credentials,
		Executors:           jsonOrNull(inst.Executors),
		CreatedAt:           formatAPITime(inst.CreatedAt),
		UpdatedAt:           formatAPITime(inst.UpdatedAt),
	}
}

func labelToV1(label models.ControllerLabel) V1ControllerLabel {
	return V1ControllerLabel{ID: label.ID, LabelID: label.LabelID, CreatedAt: formatAPITime(label.CreatedAt)}
}

func automationToV1(a models.Automation) V1Automation {
	return V1Automation{
		ID:              a.ID,
		AutomationType:  string(a.Type),
		AutomationID:    a.AutomationID,
		Primary:         a.Primary,
		PatternInstance: a.PatternInstanceID,
		CreatedAt:       formatAPITime(a.CreatedAt),
	}
}

func taskToV1(task models.Task) V1Task {
	return V1Task{
		ID:        task.ID,
		Status:    string(task.Status),
		Details:   jsonOrNull(task.Details),
		CreatedAt: formatAPITime(task.CreatedAt),
		UpdatedAt: formatAPITime(task.UpdatedAt),
	}
}

func eventToV1(ev db.Event) V1TaskEvent {
	out := V1TaskEvent{
		ID:        ev.ID,
		Timestamp: formatAPITime(ev.Timestamp),
		Kind:      ev.Kind,
		Message:   ev.Message,
	}
	if ev.JSON != "" && json.Valid([]byte(ev.JSON)) {
		out.Payload = json.RawMessage(ev.JSON)
	}
	return out
}

func jsonOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func formatAPITime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	payload := V1ErrorResponse{Error: msg, Code: apiErrorCode(status, msg)}
	if len(err) > 0 && err[0] != nil {
		payload.Details = err[0].Error()
	}
	writeJSON(w, status, payload)
}

func parseQueryInt(value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func parseQueryInt64(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}
