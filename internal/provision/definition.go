// Package provision turns a stored pattern definition into controller
// resources for one pattern instance.
package provision

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/patternservice/patternd/internal/failure"
)

// ErrDefinitionMissing is returned when an instance's pattern has no
// fetched definition yet.
var ErrDefinitionMissing = errors.New("Pattern definition is missing.")

// Definition is a read-only view of a parsed pattern.json.
type Definition struct {
	doc map[string]any
}

// Resources are the aap_resources sections of a definition. Every value is a
// private copy.
type Resources struct {
	Project              map[string]any
	ExecutionEnvironment map[string]any
	Labels               []string
	JobTemplates         []map[string]any
}

// ParseDefinition decodes a pattern.json document, which must be an object.
func ParseDefinition(raw json.RawMessage) (Definition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Definition{}, failure.Wrap(failure.KindValidation, "", ErrDefinitionMissing)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Definition{}, failure.Wrap(failure.KindValidation, "parse pattern definition", err)
	}
	if doc == nil {
		return Definition{}, failure.Wrap(failure.KindValidation, "", ErrDefinitionMissing)
	}
	return Definition{doc: doc}, nil
}

// Name returns the definition's name, or "" when absent or not a string.
func (d Definition) Name() string {
	name, _ := d.doc["name"].(string)
	return name
}

// Resources extracts aap_resources. controller_project and
// controller_execution_environment are required objects; controller_labels
// and controller_job_templates default to empty lists.
func (d Definition) Resources() (Resources, error) {
	section, ok := d.doc["aap_resources"].(map[string]any)
	if !ok {
		return Resources{}, failure.New(failure.KindValidation, "pattern definition has no aap_resources object")
	}
	var out Resources
	var err error
	if out.Project, err = requireObject(section, "controller_project"); err != nil {
		return Resources{}, err
	}
	if out.ExecutionEnvironment, err = requireObject(section, "controller_execution_environment"); err != nil {
		return Resources{}, err
	}
	if out.Labels, err = stringList(section, "controller_labels"); err != nil {
		return Resources{}, err
	}
	if out.JobTemplates, err = objectList(section, "controller_job_templates"); err != nil {
		return Resources{}, err
	}
	return out, nil
}

func requireObject(section map[string]any, key string) (map[string]any, error) {
	obj, ok := section[key].(map[string]any)
	if !ok {
		return nil, failure.Newf(failure.KindValidation, "aap_resources.%s must be an object", key)
	}
	return copyMap(obj), nil
}

func stringList(section map[string]any, key string) ([]string, error) {
	raw, present := section[key]
	if !present || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, failure.Newf(failure.KindValidation, "aap_resources.%s must be a list", key)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		name, ok := item.(string)
		if !ok {
			return nil, failure.Newf(failure.KindValidation, "aap_resources.%s[%d] must be a string", key, i)
		}
		out = append(out, name)
	}
	return out, nil
}

func objectList(section map[string]any, key string) ([]map[string]any, error) {
	raw, present := section[key]
	if !present || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, failure.Newf(failure.KindValidation, "aap_resources.%s must be a list", key)
	}
	out := make([]map[string]any, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, failure.Newf(failure.KindValidation, "aap_resources.%s[%d] must be an object", key, i)
		}
		out = append(out, copyMap(obj))
	}
	return out, nil
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

func describe(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
