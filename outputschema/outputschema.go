// Package outputschema derives JSON Schemas for structured agent output and
// decodes the agent's answer back into Go values.
//
// The same schema serves turn/start's outputSchema field and
// `codex exec --output-schema`.
package outputschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/invopop/jsonschema"
)

// ErrNoJSON is returned when the text holds no JSON value to decode.
var ErrNoJSON = errors.New("no JSON value in agent output")

// For returns the JSON Schema for T. Definitions are inlined and, since
// structured output requires it, unknown properties are rejected.
func For[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Anonymous:      true,
	}

	var zero T
	schema := reflector.Reflect(zero)
	// The model API rejects the meta-schema keyword.
	schema.Version = ""

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("schema for %T: %w", zero, err)
	}
	return data, nil
}

// MustFor is For for types known to be representable.
func MustFor[T any]() json.RawMessage {
	data, err := For[T]()
	if err != nil {
		panic(err)
	}
	return data
}

var fenced = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\r?\n(.*?)```")

// Extract decodes the agent's final text into T. It accepts a bare JSON
// document, a fenced ```json block, or prose with an embedded object or
// array, trying them in that order.
func Extract[T any](text string) (T, error) {
	var out T
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return out, ErrNoJSON
	}

	if json.Valid([]byte(trimmed)) {
		err := json.Unmarshal([]byte(trimmed), &out)
		return out, err
	}

	for _, m := range fenced.FindAllStringSubmatch(trimmed, -1) {
		block := strings.TrimSpace(m[1])
		if json.Valid([]byte(block)) {
			err := json.Unmarshal([]byte(block), &out)
			return out, err
		}
	}

	raw, ok := firstValue(trimmed)
	if !ok {
		return out, ErrNoJSON
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

// firstValue finds the first position where a complete object or array
// decodes.
func firstValue(text string) (json.RawMessage, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(text[i:])))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return raw, true
		}
	}
	return nil, false
}
