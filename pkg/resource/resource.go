// Package resource defines the desired-state resource model for anchor.
package resource

import (
	"encoding/json"
	"fmt"
)

// APIVersion is the schema version stamped on resources created by anchor.
const APIVersion = "anchor.yairfalse.io/v1"

// Name is the globally unique, human-readable identifier of a resource.
type Name string

// String implements fmt.Stringer.
func (n Name) String() string { return string(n) }

// Metadata identifies a resource and carries its revision.
type Metadata struct {
	Name            Name   `json:"name" validate:"required,max=253,excludesall=/"`
	UID             string `json:"uid,omitempty" validate:"omitempty,uuid"`
	ResourceVersion int64  `json:"resourceVersion,omitempty" validate:"gte=0"`
}

// Resource is the unit of management: a named, versioned desired-state
// specification. Spec is opaque here and only interpreted by the handler
// registered for Kind.
type Resource struct {
	APIVersion string          `json:"apiVersion" validate:"required"`
	Kind       string          `json:"kind" validate:"required"`
	Metadata   Metadata        `json:"metadata"`
	Spec       json.RawMessage `json:"spec" validate:"required"`
}

// String is used in log lines.
func (r Resource) String() string {
	return fmt.Sprintf("%s %s@%d", r.Kind, r.Metadata.Name, r.Metadata.ResourceVersion)
}

// Name is shorthand for r.Metadata.Name.
func (r Resource) Name() Name { return r.Metadata.Name }

// DecodeSpec unmarshals the opaque spec payload into v.
func (r Resource) DecodeSpec(v any) error {
	if len(r.Spec) == 0 {
		return fmt.Errorf("resource %s has no spec", r.Metadata.Name)
	}
	return json.Unmarshal(r.Spec, v)
}

// New builds a resource with the given kind and name and a spec encoded from v.
func New(kind string, name Name, spec any) (Resource, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return Resource{}, fmt.Errorf("encode spec: %w", err)
	}
	return Resource{
		APIVersion: APIVersion,
		Kind:       kind,
		Metadata:   Metadata{Name: name},
		Spec:       raw,
	}, nil
}
