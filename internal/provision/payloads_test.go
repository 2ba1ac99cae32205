package provision

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternservice/patternd/internal/failure"
	testutil "github.com/patternservice/patternd/internal/testing"
)

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition(json.RawMessage(testutil.TestDefinition))
	require.NoError(t, err)
	assert.Equal(t, "new_pattern", def.Name())

	res, err := def.Resources()
	require.NoError(t, err)
	assert.Equal(t, "Demo Project", res.Project["name"])
	assert.Equal(t, []string{"demo", "patterns"}, res.Labels)
	require.Len(t, res.JobTemplates, 2)

	// Accessors hand out copies.
	res.Project["name"] = "changed"
	again, err := def.Resources()
	require.NoError(t, err)
	assert.Equal(t, "Demo Project", again.Project["name"])
}

func TestParseDefinitionErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		missing bool
	}{
		{name: "empty", raw: "", missing: true},
		{name: "null", raw: "null", missing: true},
		{name: "not json", raw: "{", missing: false},
		{name: "list", raw: "[]", missing: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition(json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.Equal(t, failure.KindValidation, failure.KindOf(err))
			assert.Equal(t, tt.missing, errors.Is(err, ErrDefinitionMissing))
		})
	}
}

func TestResourcesValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "no aap_resources", raw: `{"name": "p"}`, want: "aap_resources"},
		{name: "no project", raw: `{"aap_resources": {"controller_execution_environment": {}}}`, want: "controller_project"},
		{name: "no ee", raw: `{"aap_resources": {"controller_project": {}}}`, want: "controller_execution_environment"},
		{name: "labels not list", raw: `{"aap_resources": {"controller_project": {}, "controller_execution_environment": {}, "controller_labels": "x"}}`, want: "controller_labels"},
		{name: "label not string", raw: `{"aap_resources": {"controller_project": {}, "controller_execution_environment": {}, "controller_labels": [1]}}`, want: "controller_labels[0]"},
		{name: "template not object", raw: `{"aap_resources": {"controller_project": {}, "controller_execution_environment": {}, "controller_job_templates": ["x"]}}`, want: "controller_job_templates[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParseDefinition(json.RawMessage(tt.raw))
			require.NoError(t, err)
			_, err = def.Resources()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, failure.KindValidation, failure.KindOf(err))
		})
	}

	def, err := ParseDefinition(json.RawMessage(`{"aap_resources": {"controller_project": {}, "controller_execution_environment": {}}}`))
	require.NoError(t, err)
	res, err := def.Resources()
	require.NoError(t, err)
	assert.Empty(t, res.Labels)
	assert.Empty(t, res.JobTemplates)
}

func TestProjectPayload(t *testing.T) {
	project := map[string]any{"name": "Demo", "scm_type": "git"}
	got := ProjectPayload(project, 7, "http://hub/x.tar.gz", float64(3))
	assert.Equal(t, map[string]any{
		"name":         "Demo",
		"organization": int64(7),
		"scm_type":     "archive",
		"scm_url":      "http://hub/x.tar.gz",
		"credential":   float64(3),
	}, got)
	assert.Equal(t, "git", project["scm_type"])

	got = ProjectPayload(map[string]any{}, 7, "", nil)
	v, ok := got["credential"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestExecutionEnvironmentPayload(t *testing.T) {
	ee := map[string]any{"name": "EE", "image_name": "ee:1"}
	got, err := ExecutionEnvironmentPayload(ee, 7, "aap.example.com:8443", float64(4))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":         "EE",
		"organization": int64(7),
		"credential":   float64(4),
		"image":        "aap.example.com:8443/ee:1",
		"pull":         "",
	}, got)
	assert.Equal(t, "ee:1", ee["image_name"])

	got, err = ExecutionEnvironmentPayload(map[string]any{"image_name": "ee:1", "pull": "always"}, 7, "h", nil)
	require.NoError(t, err)
	assert.Equal(t, "always", got["pull"])

	_, err = ExecutionEnvironmentPayload(map[string]any{"name": "EE"}, 7, "h", nil)
	require.Error(t, err)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
}

func TestJobTemplatePayloadIsPure(t *testing.T) {
	jt := map[string]any{
		"name":     "Run",
		"playbook": "run.yml",
		"primary":  true,
		"survey":   map[string]any{"name": "s", "spec": []any{map[string]any{"variable": "x"}}},
		"extra":    "kept",
	}
	payload, meta, err := JobTemplatePayload(jt, 7, 10, 11, "demo")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"name":                    "Run",
		"playbook":                "extensions/patterns/demo/playbooks/run.yml",
		"extra":                   "kept",
		"organization":            int64(7),
		"project":                 int64(10),
		"execution_environment":   int64(11),
		"ask_inventory_on_launch": true,
	}, payload)
	assert.True(t, meta.Primary)
	assert.Equal(t, "s", meta.Survey["name"])

	// The definition is untouched.
	assert.Equal(t, "run.yml", jt["playbook"])
	assert.Contains(t, jt, "survey")
	assert.Contains(t, jt, "primary")

	meta.Survey["name"] = "changed"
	assert.Equal(t, "s", jt["survey"].(map[string]any)["name"])
}

func TestJobTemplatePayloadDefaultsAndErrors(t *testing.T) {
	_, meta, err := JobTemplatePayload(map[string]any{"name": "x", "playbook": "p.yml", "survey": map[string]any{}}, 1, 2, 3, "demo")
	require.NoError(t, err)
	assert.False(t, meta.Primary)
	assert.Nil(t, meta.Survey)

	for _, jt := range []map[string]any{
		{"name": "no playbook"},
		{"name": "bad survey", "playbook": "p.yml", "survey": "yes"},
		{"name": "bad primary", "playbook": "p.yml", "primary": "yes"},
	} {
		_, _, err := JobTemplatePayload(jt, 1, 2, 3, "demo")
		require.Error(t, err, jt["name"])
		assert.Equal(t, failure.KindValidation, failure.KindOf(err))
	}
}

func TestRoleAssignmentPayload(t *testing.T) {
	assert.Equal(t, map[string]any{
		"object_id":       int64(5),
		"role_definition": int64(9),
		"team_ansible_id": "1",
	}, RoleAssignmentPayload(AssigneeTeam, 5, 9, "1"))
	assert.Equal(t, map[string]any{
		"object_id":       int64(5),
		"role_definition": int64(9),
		"user_ansible_id": "abc",
	}, RoleAssignmentPayload(AssigneeUser, 5, 9, "abc"))
	assert.Equal(t, "/api/controller/v2/role_team_assignments/", RoleAssignmentPath(AssigneeTeam))
	assert.Equal(t, "/api/controller/v2/role_user_assignments/", RoleAssignmentPath(AssigneeUser))
	assert.Equal(t, LabelPayload("demo", 3), map[string]any{"name": "demo", "organization": int64(3)})
}
