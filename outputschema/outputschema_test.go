package outputschema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type review struct {
	Summary  string    `json:"summary" jsonschema:"description=One paragraph summary"`
	Verdict  string    `json:"verdict" jsonschema:"enum=approve,enum=request_changes"`
	Findings []finding `json:"findings"`
}

type finding struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

func TestFor(t *testing.T) {
	raw, err := For[review]()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.NotContains(t, schema, "$schema")
	assert.NotContains(t, schema, "$ref")
	assert.NotContains(t, schema, "$defs")
	assert.ElementsMatch(t, []any{"summary", "verdict", "findings"}, schema["required"])

	props := schema["properties"].(map[string]any)
	verdict := props["verdict"].(map[string]any)
	assert.Equal(t, []any{"approve", "request_changes"}, verdict["enum"])
	items := props["findings"].(map[string]any)["items"].(map[string]any)
	assert.Equal(t, "object", items["type"], "nested structs are inlined")

	assert.JSONEq(t, string(raw), string(MustFor[review]()))
}

func TestExtract(t *testing.T) {
	want := review{Summary: "ok", Verdict: "approve", Findings: []finding{{File: "a.go", Line: 3}}}
	doc := `{"summary":"ok","verdict":"approve","findings":[{"file":"a.go","line":3}]}`

	tests := []struct {
		name string
		text string
	}{
		{name: "bare", text: "  " + doc + "\n"},
		{name: "fenced", text: "Here you go:\n```json\n" + doc + "\n```\nThanks."},
		{name: "unlabelled fence", text: "```\n" + doc + "\n```"},
		{name: "embedded", text: "The review is " + doc + " as requested."},
		{name: "skips broken braces", text: "{not json} then " + doc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract[review](tt.text)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestExtract_Errors(t *testing.T) {
	_, err := Extract[review]("")
	assert.ErrorIs(t, err, ErrNoJSON)
	_, err = Extract[review]("no structured answer today")
	assert.ErrorIs(t, err, ErrNoJSON)

	var typeErr *json.UnmarshalTypeError
	_, err = Extract[review](`{"summary": 5}`)
	assert.ErrorAs(t, err, &typeErr)

	list, err := Extract[[]int]("values: [1, 2, 3]")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, list)
}
