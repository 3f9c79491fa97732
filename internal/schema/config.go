// Package schema validates processing configuration at the admission
// boundary, so malformed requests are rejected before anything is enqueued
// or persisted. The config stays an opaque map afterwards; validation only
// types the keys this core knows about.
package schema

import (
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/docpipe/docpipe/internal/common"
)

const processingConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "ocr": {"type": "boolean"},
    "language": {"type": "string", "minLength": 2},
    "confidence_threshold": {"type": "number", "minimum": 0, "maximum": 1},
    "page_range": {
      "type": "array",
      "items": {"type": "integer", "minimum": 1},
      "minItems": 1,
      "maxItems": 2
    }
  }
}`

var processingConfig = jsonschema.MustCompileString("processing_config.json", processingConfigSchema)

// ValidateProcessingConfig checks the keys this core understands. A nil
// config is valid; unknown keys pass through untouched, since the full
// shape belongs to the external processing function.
func ValidateProcessingConfig(config map[string]any) error {
	if config == nil {
		return nil
	}
	if err := processingConfig.Validate(normalize(config)); err != nil {
		return common.ValidationErrorf("processing config: %v", err)
	}
	return nil
}

// normalize widens Go-typed values into the JSON shapes the validator
// expects (e.g. []int page ranges become []interface{}).
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []int:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = float64(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
