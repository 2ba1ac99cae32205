package provision

import (
	"fmt"
	"strings"

	"github.com/patternservice/patternd/internal/failure"
)

// AssigneeType selects the role assignment endpoint and id field.
type AssigneeType string

const (
	AssigneeTeam AssigneeType = "team"
	AssigneeUser AssigneeType = "user"
)

// JobTemplateMeta is the local bookkeeping split off a job template definition.
type JobTemplateMeta struct {
	Survey  map[string]any // nil when the template has no survey
	Primary bool
}

// The payload builders below never modify their inputs.

// ProjectPayload merges the definition's project with the instance values.
func ProjectPayload(project map[string]any, organizationID int64, scmURL string, credential any) map[string]any {
	out := copyMap(project)
	out["organization"] = organizationID
	out["scm_type"] = "archive"
	out["scm_url"] = scmURL
	out["credential"] = credential
	return out
}

// ExecutionEnvironmentPayload replaces image_name with an image qualified by
// the controller host and defaults pull to "".
func ExecutionEnvironmentPayload(ee map[string]any, organizationID int64, controllerHost string, credential any) (map[string]any, error) {
	imageName, ok := ee["image_name"].(string)
	if !ok || strings.TrimSpace(imageName) == "" {
		return nil, failure.New(failure.KindValidation, "controller_execution_environment.image_name is required")
	}
	out := copyMap(ee)
	delete(out, "image_name")
	out["organization"] = organizationID
	out["credential"] = credential
	out["image"] = controllerHost + "/" + imageName
	if _, ok := out["pull"]; !ok {
		out["pull"] = ""
	}
	return out, nil
}

// LabelPayload builds the body for one label.
func LabelPayload(name string, organizationID int64) map[string]any {
	return map[string]any{"name": name, "organization": organizationID}
}

// JobTemplatePayload builds the controller body for a job template and
// returns its survey and primary flag separately. The playbook is namespaced
// under extensions/patterns/<patternName>/playbooks/.
func JobTemplatePayload(jt map[string]any, organizationID, projectID, eeID int64, patternName string) (map[string]any, JobTemplateMeta, error) {
	playbook, ok := jt["playbook"].(string)
	if !ok || strings.TrimSpace(playbook) == "" {
		return nil, JobTemplateMeta{}, failure.Newf(failure.KindValidation, "job template %v has no playbook", jt["name"])
	}
	var meta JobTemplateMeta
	switch survey := jt["survey"].(type) {
	case nil:
	case map[string]any:
		if len(survey) > 0 {
			meta.Survey = copyMap(survey)
		}
	default:
		return nil, JobTemplateMeta{}, failure.Newf(failure.KindValidation, "job template %v survey must be an object", jt["name"])
	}
	switch primary := jt["primary"].(type) {
	case nil:
	case bool:
		meta.Primary = primary
	default:
		return nil, JobTemplateMeta{}, failure.Newf(failure.KindValidation, "job template %v primary must be a boolean", jt["name"])
	}

	out := copyMap(jt)
	delete(out, "survey")
	delete(out, "primary")
	out["organization"] = organizationID
	out["project"] = projectID
	out["execution_environment"] = eeID
	out["playbook"] = fmt.Sprintf("extensions/patterns/%s/playbooks/%s", patternName, playbook)
	out["ask_inventory_on_launch"] = true
	return out, meta, nil
}

// RoleAssignmentPayload builds the body granting roleID on a job template.
func RoleAssignmentPayload(assignee AssigneeType, objectID, roleID int64, assigneeID string) map[string]any {
	return map[string]any{
		"object_id":                     objectID,
		"role_definition":               roleID,
		string(assignee) + "_ansible_id": assigneeID,
	}
}

// RoleAssignmentPath is the endpoint for an assignee type.
func RoleAssignmentPath(assignee AssigneeType) string {
	return "/api/controller/v2/role_" + string(assignee) + "_assignments/"
}
