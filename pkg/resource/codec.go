package resource

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/go-playground/validator/v10"
	"sigs.k8s.io/yaml"

	"github.com/yairfalse/anchor/pkg/fault"
)

// Media types understood by Decode and Encode.
const (
	MediaTypeJSON = "application/json"
	MediaTypeYAML = "application/x-yaml"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// IsYAML reports whether a Content-Type or Accept value names YAML.
func IsYAML(mediaType string) bool {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		mt = strings.TrimSpace(strings.ToLower(mediaType))
	}
	switch mt {
	case "application/x-yaml", "application/yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}

// Decode parses a resource from JSON or YAML and validates it. YAML is
// converted to JSON first so the json tags on Resource apply to both.
func Decode(data []byte) (Resource, error) {
	var r Resource
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Resource{}, fault.Invalid("decode resource", err)
	}
	if err := Validate(r); err != nil {
		return Resource{}, err
	}
	return r, nil
}

// Encode serializes a value as YAML when asYAML is set, JSON otherwise.
func Encode(v any, asYAML bool) ([]byte, error) {
	if asYAML {
		return yaml.Marshal(v)
	}
	return json.Marshal(v)
}

// Validate checks the struct constraints on a resource.
func Validate(r Resource) error {
	if err := validate.Struct(r); err != nil {
		return fault.Invalid(fmt.Sprintf("validate %s", r.Metadata.Name), err)
	}
	return nil
}

// ValidateStruct runs the shared validator over any tagged struct. Handlers
// use it for their spec types.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fault.Invalid("validate spec", err)
	}
	return nil
}
