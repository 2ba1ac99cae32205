// Package testing provides shared test utilities and helper functions for patternd.
//
// This package contains test helpers, factory functions for creating test data,
// and assertion utilities that promote consistent testing patterns across
// the patternd codebase.
//
// Key utilities:
//   - Model factories: NewTestPattern, NewTestPatternInstance, NewTestTask
//   - Collection fixtures: TestDefinition, BuildCollectionTarball
//   - Test helpers: TempFile, AssertJSONEqual
//   - A scripted controller/registry server: MockController
package testing

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternservice/patternd/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestCollectionName    = "mynamespace.mycollection"
	TestCollectionVersion = "1.0.0"
	TestPatternName       = "new_pattern"
	TestOrganizationID    = 1
)

// TestDefinition is a pattern.json document exercising every provisioning step.
const TestDefinition = `{
  "name": "new_pattern",
  "title": "New Pattern",
  "aap_resources": {
    "controller_project": {"name": "Demo Project", "description": "Project for the demo pattern"},
    "controller_execution_environment": {"name": "Demo EE", "image_name": "ee-demo:latest", "pull": "always"},
    "controller_labels": ["demo", "patterns"],
    "controller_job_templates": [
      {
        "name": "Run demo",
        "playbook": "run.yml",
        "primary": true,
        "survey": {"name": "Demo survey", "description": "", "spec": [{"variable": "target", "type": "text"}]}
      },
      {"name": "Clean up", "playbook": "cleanup.yml"}
    ]
  }
}`

// AssertJSONEqual asserts that two JSON values are semantically equal.
//
// Both values are marshaled to JSON and compared as decoded documents, so
// whitespace and key order do not matter.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testfile")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "failed to write temp file")
	return path
}

// ============================================================================
// Model Factory Functions
// ============================================================================

// PatternOpts holds optional parameters for NewTestPattern.
type PatternOpts struct {
	CollectionName    string
	CollectionVersion string
	PatternName       string
	Definition        string
	CreatedAt         time.Time
}

// NewTestPattern creates a pattern with default values, applying overrides.
func NewTestPattern(opts PatternOpts) models.Pattern {
	if opts.CollectionName == "" {
		opts.CollectionName = TestCollectionName
	}
	if opts.CollectionVersion == "" {
		opts.CollectionVersion = TestCollectionVersion
	}
	if opts.PatternName == "" {
		opts.PatternName = TestPatternName
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}
	pattern := models.Pattern{
		CollectionName:    opts.CollectionName,
		CollectionVersion: opts.CollectionVersion,
		PatternName:       opts.PatternName,
		CreatedAt:         opts.CreatedAt,
		UpdatedAt:         opts.CreatedAt,
	}
	if opts.Definition != "" {
		pattern.Definition = json.RawMessage(opts.Definition)
	}
	return pattern
}

// InstanceOpts holds optional parameters for NewTestPatternInstance.
type InstanceOpts struct {
	OrganizationID int64
	PatternID      int64
	Credentials    map[string]any
	Executors      string
}

// NewTestPatternInstance creates an instance with default values, applying overrides.
func NewTestPatternInstance(opts InstanceOpts) models.PatternInstance {
	if opts.OrganizationID == 0 {
		opts.OrganizationID = TestOrganizationID
	}
	if opts.Credentials == nil {
		opts.Credentials = map[string]any{"project": float64(3), "ee": float64(4)}
	}
	inst := models.PatternInstance{
		OrganizationID: opts.OrganizationID,
		PatternID:      opts.PatternID,
		Credentials:    opts.Credentials,
		CreatedAt:      FixedTime,
		UpdatedAt:      FixedTime,
	}
	if opts.Executors != "" {
		inst.Executors = json.RawMessage(opts.Executors)
	}
	return inst
}

// NewTestTask creates an Initiated task for a resource.
func NewTestTask(kind models.TaskKind, resourceID int64) models.Task {
	details, _ := json.Marshal(map[string]any{"model": kind.ModelName(), "id": resourceID})
	return models.Task{
		Kind:       kind,
		ResourceID: resourceID,
		Status:     models.TaskInitiated,
		Details:    details,
		CreatedAt:  FixedTime,
		UpdatedAt:  FixedTime,
	}
}

// ============================================================================
// Collection Fixtures
// ============================================================================

// BuildCollectionTarball returns a gzip-compressed tar archive holding files,
// keyed by slash-separated path. Entries are written in sorted order.
func BuildCollectionTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		body := files[name]
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
			ModTime:  FixedTime,
		}
		require.NoError(t, tw.WriteHeader(hdr), "write tar header %s", name)
		_, err := tw.Write([]byte(body))
		require.NoError(t, err, "write tar body %s", name)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// DefinitionPath is where a collection keeps the pattern.json for patternName.
func DefinitionPath(patternName string) string {
	return "extensions/patterns/" + patternName + "/meta/pattern.json"
}
