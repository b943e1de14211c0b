// Package validator provides JSON schema validation for ensemble manifests.
package validator

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/flexinfer/realsched/pkg/types"
)

//go:embed manifest.schema.json
var manifestSchemaJSON string

// ErrInvalidManifest is returned by Load when a manifest fails validation.
var ErrInvalidManifest = errors.New("invalid manifest")

// Validator validates ensemble manifests.
type Validator struct {
	manifestSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err returns nil for a valid result and an ErrInvalidManifest wrapping the
// first few failures otherwise.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for i, e := range r.Errors {
		if i == 5 {
			msgs = append(msgs, fmt.Sprintf("and %d more", len(r.Errors)-i))
			break
		}
		msgs = append(msgs, e.Path+": "+e.Message)
	}
	return fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(msgs, "; "))
}

// New creates a new validator with the embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("manifest.json", strings.NewReader(manifestSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add manifest schema: %w", err)
	}
	schema, err := compiler.Compile("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return &Validator{manifestSchema: schema}, nil
}

// ValidateManifest validates a decoded manifest document.
func (v *Validator) ValidateManifest(manifest interface{}) *ValidationResult {
	if err := v.manifestSchema.Validate(manifest); err != nil {
		result := &ValidationResult{Valid: false}
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			result.Errors = extractErrors(verr)
		}
		if len(result.Errors) == 0 {
			result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
		}
		return result
	}
	return &ValidationResult{Valid: true}
}

// ValidateManifestJSON validates a JSON-encoded manifest.
func (v *Validator) ValidateManifestJSON(data []byte) *ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalid("$", fmt.Sprintf("invalid JSON: %v", err))
	}
	return v.ValidateManifest(doc)
}

// Load decodes a JSON or YAML manifest, validates it against the schema and
// checks the constraints the schema cannot express.
func (v *Validator) Load(data []byte) (*types.Manifest, *ValidationResult) {
	raw, err := toJSON(data)
	if err != nil {
		return nil, invalid("$", err.Error())
	}
	if res := v.ValidateManifestJSON(raw); !res.Valid {
		return nil, res
	}

	var m types.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, invalid("$", fmt.Sprintf("decode manifest: %v", err))
	}
	if res := checkRealizations(&m); !res.Valid {
		return nil, res
	}
	return &m, &ValidationResult{Valid: true}
}

// toJSON converts a YAML document to JSON. JSON input passes through, since
// JSON is valid YAML.
func toJSON(data []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return data, nil
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert YAML: %w", err)
	}
	return out, nil
}

func checkRealizations(m *types.Manifest) *ValidationResult {
	result := &ValidationResult{Valid: true}
	seen := make(map[int]bool, len(m.Realizations))
	for i, r := range m.RunArgs() {
		path := fmt.Sprintf("/realizations/%d", i)
		if seen[r.Iens] {
			result.Errors = append(result.Errors, ValidationError{
				Path:    path + "/iens",
				Message: fmt.Sprintf("duplicate realization %d", r.Iens),
			})
		}
		seen[r.Iens] = true
		if r.Executable == "" {
			result.Errors = append(result.Errors, ValidationError{
				Path:    path + "/executable",
				Message: "no executable given for realization or manifest",
			})
		}
	}
	result.Valid = len(result.Errors) == 0
	return result
}

func invalid(path, msg string) *ValidationResult {
	return &ValidationResult{Valid: false, Errors: []ValidationError{{Path: path, Message: msg}}}
}

// extractErrors flattens the leaf causes of a validation error.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		path := verr.InstanceLocation
		if path == "" {
			path = "$"
		}
		return []ValidationError{{Path: path, Message: verr.Message}}
	}
	var out []ValidationError
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause)...)
	}
	return out
}
