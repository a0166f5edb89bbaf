package ingest

import (
	"encoding/json"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/devintel-sh/devintel/pkg/devent"
	"github.com/devintel-sh/devintel/pkg/errmodel"
)

// rawEventSchema validates the client-submitted shape before normalization.
// The kind enum is injected from the domain model so the schema and the
// enum cannot drift.
func rawEventSchema() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":     "object",
		"required": []string{"kind", "sessionId", "content"},
		"properties": map[string]any{
			"id":         map[string]any{"type": "string"},
			"kind":       map[string]any{"type": "string", "enum": devent.Kinds()},
			"subkind":    map[string]any{"type": "string"},
			"sessionId":  map[string]any{"type": "string", "minLength": 1},
			"occurredAt": map[string]any{"type": "string"},
			"content":    map[string]any{"type": "object"},
			"stackTrace": map[string]any{"type": "string"},
			"context":    map[string]any{"type": "object"},
		},
	})
}

func compileRawEventSchema() (*jsonschema.Schema, error) {
	raw, err := rawEventSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://rawevent.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("mem://rawevent.json")
}

// validateRaw checks the raw event against the schema and returns a
// validation error naming the failing constraint.
func (p *Pipeline) validateRaw(raw devent.RawEvent) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return errmodel.Validation("malformed_event", "event does not serialize", nil)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return errmodel.Validation("malformed_event", "event does not serialize", nil)
	}
	if err := p.schema.Validate(v); err != nil {
		code := "malformed_event"
		if !devent.ValidKind(raw.Kind) {
			code = "unknown_kind"
		}
		return errmodel.Validation(code, firstLine(err.Error()), map[string]any{
			"kind":      raw.Kind,
			"sessionId": raw.SessionID,
		})
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
