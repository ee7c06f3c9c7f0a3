// Package schema provides JSON schema validation for API request bodies.
// Bodies are validated before they are decoded into their typed request structs.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/metrics"
)

// Request body schema names.
const (
	PurchaseVerify = "purchase.verify" // POST /api/purchases/verify
	BundleJob      = "bundle.job"      // POST /api/bundle-jobs
	BundleContent  = "bundle.content"  // POST /api/bundles/{bundleId}/content
)

// requestSchemas holds the JSON schema of every validated request body.
var requestSchemas = map[string]string{
	PurchaseVerify: `{
		"type": "object",
		"properties": {
			"sessionId": {"type": "string", "minLength": 1, "maxLength": 255},
			"paymentIntentId": {"type": "string", "minLength": 1, "maxLength": 255},
			"idToken": {"type": "string"}
		},
		"anyOf": [{"required": ["sessionId"]}, {"required": ["paymentIntentId"]}]
	}`,
	BundleJob: `{
		"type": "object",
		"required": ["title", "price", "contentIds"],
		"properties": {
			"title": {"type": "string", "minLength": 1, "maxLength": 200},
			"description": {"type": "string", "maxLength": 5000},
			"price": {"type": "number", "minimum": 0.5, "maximum": 10000},
			"currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
			"contentIds": {"type": "array", "minItems": 1, "maxItems": 200, "items": {"type": "string", "minLength": 1}},
			"category": {"type": "string", "maxLength": 100},
			"tags": {"type": "array", "maxItems": 20, "items": {"type": "string", "maxLength": 50}}
		}
	}`,
	BundleContent: `{
		"type": "object",
		"required": ["contentIds"],
		"properties": {
			"contentIds": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
		}
	}`,
}

// ValidationError lists every schema violation of a request body.
type ValidationError struct {
	Schema string
	Fields []FieldError
}

// FieldError is one violation. Field is the JSON path, "(root)" for the body itself.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// Validator validates request bodies against JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
	metrics *metrics.Metrics
}

// NewValidator compiles all request schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
		metrics: metrics.NewMetrics(),
	}
	for name, schemaJSON := range requestSchemas {
		if err := v.loadSchema(name, schemaJSON); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks a raw JSON body against the named schema.
// Returns:
//   - nil if the body is valid
//   - *ValidationError listing each violation
//   - any other error for an unknown schema or a body that is not JSON
func (v *Validator) Validate(name string, body []byte) error {
	schema, exists := v.schemas[name]
	if !exists {
		return fmt.Errorf("schema not found: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		v.metrics.SchemaValidationTotal.WithLabelValues(name, "malformed").Inc()
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		verr := &ValidationError{Schema: name}
		for _, desc := range result.Errors() {
			verr.Fields = append(verr.Fields, FieldError{Field: desc.Field(), Message: desc.Description()})
		}
		v.metrics.SchemaValidationTotal.WithLabelValues(name, "invalid").Inc()
		return verr
	}

	v.metrics.SchemaValidationTotal.WithLabelValues(name, "valid").Inc()
	return nil
}
