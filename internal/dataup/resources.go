package dataup

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed resources.yaml
var defaultResources []byte

// Operation is a proxied verb on a resource.
type Operation string

const (
	OpList     Operation = "list"
	OpRetrieve Operation = "retrieve"
	OpCreate   Operation = "create"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
)

// Resource describes one DataUp collection exposed by the gateway.
type Resource struct {
	// Name is the gateway path segment, e.g. "pipeline-executions"
	Name string `yaml:"name"`
	// Endpoint is the upstream path below /api/<version>/
	Endpoint   string      `yaml:"endpoint"`
	Operations []Operation `yaml:"operations"`
	// UpdateMethod is PUT or PATCH
	UpdateMethod string `yaml:"update_method"`
	// Filters maps accepted query parameters to upstream parameter names
	Filters  map[string]string `yaml:"filters"`
	Required []string          `yaml:"required"`
	Defaults map[string]any    `yaml:"defaults"`
}

// Allows reports whether op is enabled for the resource.
func (r *Resource) Allows(op Operation) bool {
	for _, o := range r.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// ItemEndpoint returns the upstream path of one item.
func (r *Resource) ItemEndpoint(id string) string {
	return strings.TrimSuffix(r.Endpoint, "/") + "/" + id
}

// ResourceTable is the set of proxied resources.
type ResourceTable struct {
	Version   string     `yaml:"version"`
	Resources []Resource `yaml:"resources"`

	byName map[string]*Resource
}

// DefaultResourceTable returns the built-in table.
func DefaultResourceTable() *ResourceTable {
	t, err := ParseResourceTable(defaultResources)
	if err != nil {
		panic(fmt.Sprintf("embedded resource table is invalid: %v", err))
	}
	return t
}

// LoadResourceTable reads a table from a YAML file. An empty path returns the default.
func LoadResourceTable(path string) (*ResourceTable, error) {
	if path == "" {
		return DefaultResourceTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource table: %w", err)
	}
	return ParseResourceTable(data)
}

// ParseResourceTable decodes and validates a YAML table.
func ParseResourceTable(data []byte) (*ResourceTable, error) {
	var t ResourceTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse resource table: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *ResourceTable) validate() error {
	if len(t.Resources) == 0 {
		return fmt.Errorf("no resources configured")
	}
	t.byName = make(map[string]*Resource, len(t.Resources))
	for i := range t.Resources {
		r := &t.Resources[i]
		if r.Name == "" || strings.Contains(r.Name, "/") {
			return fmt.Errorf("resource %d has an invalid name %q", i, r.Name)
		}
		if _, dup := t.byName[r.Name]; dup {
			return fmt.Errorf("resource '%s' is defined twice", r.Name)
		}
		if r.Endpoint == "" {
			return fmt.Errorf("resource '%s' has empty endpoint", r.Name)
		}
		if len(r.Operations) == 0 {
			return fmt.Errorf("resource '%s' has no operations", r.Name)
		}
		for _, op := range r.Operations {
			switch op {
			case OpList, OpRetrieve, OpCreate, OpUpdate, OpDelete:
			default:
				return fmt.Errorf("resource '%s' has unknown operation '%s'", r.Name, op)
			}
		}
		r.UpdateMethod = strings.ToUpper(r.UpdateMethod)
		if r.Allows(OpUpdate) {
			if r.UpdateMethod == "" {
				r.UpdateMethod = http.MethodPut
			}
			if r.UpdateMethod != http.MethodPut && r.UpdateMethod != http.MethodPatch {
				return fmt.Errorf("resource '%s' has unsupported update_method '%s'", r.Name, r.UpdateMethod)
			}
		}
		t.byName[r.Name] = r
	}
	return nil
}

// Lookup returns the resource called name.
func (t *ResourceTable) Lookup(name string) (*Resource, bool) {
	r, ok := t.byName[name]
	return r, ok
}
