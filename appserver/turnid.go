package appserver

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// turnIDPaths is the fixed precedence of known payload shapes. Order matters
// for wire compatibility and must not be rearranged.
var turnIDPaths = []string{
	"turnId",
	"turn_id",
	"turn.id",
	"msg.turn_id",
	"msg.turnId",
	"item.turnId",
	"item.turn_id",
}

// maxTurnIDDepth bounds the recursive fallback scan.
const maxTurnIDDepth = 4

// ExtractTurnID finds the turn a notification belongs to.
//
// This is a heuristic, not a protocol contract: it tries the known shapes
// in a fixed order, then scans nested objects (depth-bounded, in document
// order) for a turnId/turn_id key. It returns "" when nothing matches.
func ExtractTurnID(params json.RawMessage) string {
	if len(params) == 0 || !gjson.ValidBytes(params) {
		return ""
	}
	root := gjson.ParseBytes(params)
	if !root.IsObject() {
		return ""
	}
	for _, path := range turnIDPaths {
		if v := root.Get(path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return scanTurnID(root, 0)
}

func scanTurnID(v gjson.Result, depth int) string {
	if depth > maxTurnIDDepth {
		return ""
	}
	var found string
	v.ForEach(func(key, val gjson.Result) bool {
		if k := key.String(); (k == "turnId" || k == "turn_id") && val.Type == gjson.String && val.Str != "" {
			found = val.Str
			return false
		}
		if val.IsObject() || val.IsArray() {
			if id := scanTurnID(val, depth+1); id != "" {
				found = id
				return false
			}
		}
		return true
	})
	return found
}
