package server

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
)

// querySchema describes the body of both query endpoints. Text rules
// beyond presence are enforced by the classifier.
const querySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["text"],
  "additionalProperties": false,
  "properties": {
    "text": {"type": "string", "minLength": 1},
    "context": {"type": "string", "maxLength": 16000},
    "max_tokens": {"type": "integer", "minimum": 1, "maximum": 32000},
    "trace_id": {"type": "string", "maxLength": 128}
  }
}`

type requestSchema struct {
	schema *gojsonschema.Schema
}

func newRequestSchema() (*requestSchema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(querySchema))
	if err != nil {
		return nil, eris.Wrap(err, "server: compile request schema")
	}
	return &requestSchema{schema: s}, nil
}

// validate returns an error listing every schema violation in body.
func (r *requestSchema) validate(body []byte) error {
	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return eris.Wrap(err, "invalid JSON body")
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		msgs[i] = desc.String()
	}
	return eris.Errorf("request validation failed: %s", strings.Join(msgs, "; "))
}
