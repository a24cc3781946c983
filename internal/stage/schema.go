package stage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Per-stage result schemas. Deliberately shallow: the core needs a
// pass/fail gate on result shape, not the full downstream validation layer.
var resultSchemas = map[string]string{
	DocumentAnalysis: `{
		"type": "object",
		"required": ["requirements"],
		"properties": {
			"requirements": {"type": "array"},
			"summary": {"type": "string"}
		}
	}`,
	DesignAnalysis: `{
		"type": "object",
		"required": ["components"],
		"properties": {
			"components": {"type": "array"},
			"summary": {"type": "string"}
		}
	}`,
	CrossValidation: `{
		"type": "object",
		"required": ["issues"],
		"properties": {
			"issues": {"type": "array"},
			"coverage": {"type": "number"}
		}
	}`,
	Clarification: `{
		"type": "object",
		"required": ["questions"],
		"properties": {
			"questions": {"type": "array"},
			"resolved": {"type": "array"}
		}
	}`,
	Generation: `{
		"type": "object",
		"required": ["document"],
		"properties": {
			"document": {"type": "string"},
			"sections": {"type": "array"}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		out := make(map[string]*jsonschema.Schema, len(resultSchemas))
		for step, raw := range resultSchemas {
			c := jsonschema.NewCompiler()
			url := step + ".schema.json"
			if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", step, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", step, err)
				return
			}
			out[step] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// ValidateResult checks a stage's result document against that stage's
// schema. The caller only needs the pass/fail outcome; the returned error
// carries the validator's detail for the failure artifact.
func ValidateResult(step string, doc json.RawMessage) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	s, ok := schemas[step]
	if !ok {
		return fmt.Errorf("unknown stage: %s", step)
	}
	if len(bytes.TrimSpace(doc)) == 0 {
		return fmt.Errorf("stage %s returned an empty result document", step)
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("stage %s result is not valid JSON: %w", step, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("stage %s result failed validation: %w", step, err)
	}
	return nil
}
