package appserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTurnID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		params string
		want   string
	}{
		{name: "camel", params: `{"threadId":"th","turnId":"t1"}`, want: "t1"},
		{name: "snake", params: `{"turn_id":"t2"}`, want: "t2"},
		{name: "turn object", params: `{"threadId":"th","turn":{"id":"t3","status":"completed"}}`, want: "t3"},
		{name: "legacy msg", params: `{"conversationId":"c","msg":{"type":"task_complete","turn_id":"t4"}}`, want: "t4"},
		{name: "item", params: `{"item":{"id":"i1","turnId":"t5"}}`, want: "t5"},
		{name: "precedence top-level wins", params: `{"turn":{"id":"nested"},"turnId":"top"}`, want: "top"},
		{name: "recursive scan", params: `{"a":{"b":{"turnId":"deep"}}}`, want: "deep"},
		{name: "recursive scan in array", params: `{"events":[{"x":1},{"turn_id":"arr"}]}`, want: "arr"},
		{name: "too deep", params: `{"a":{"b":{"c":{"d":{"e":{"f":{"turnId":"x"}}}}}}}`, want: ""},
		{name: "empty string ignored", params: `{"turnId":"","turn":{"id":"t6"}}`, want: "t6"},
		{name: "non-string ignored", params: `{"turnId":42}`, want: ""},
		{name: "none", params: `{"threadId":"th"}`, want: ""},
		{name: "not object", params: `["turnId"]`, want: ""},
		{name: "invalid", params: `{`, want: ""},
		{name: "empty", params: ``, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ExtractTurnID(json.RawMessage(tc.params)))
		})
	}
}
