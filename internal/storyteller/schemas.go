package storyteller

import "encoding/json"

// JSON schemas for each node's structured-output call. The router's
// builder chain degrades from strict json_schema down to bare
// json_object and finally prompt-only, so these are the preferred shape,
// not a hard requirement.

var entitySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"characters": {"type": "array", "items": {"type": "string"}},
		"locations": {"type": "array", "items": {"type": "string"}},
		"items": {"type": "array", "items": {"type": "string"}},
		"key_phrases": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["characters", "locations", "items", "key_phrases"],
	"additionalProperties": false
}`)

var keyEventSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"who": {"type": "string"},
		"what": {"type": "string"},
		"where": {"type": "string"},
		"outcome": {"type": "string"},
		"impact": {"type": "string"}
	},
	"required": ["what"]
}`)

var characterUpdateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"change_type": {"type": "string", "enum": ["status", "location", "ability", "relationship"]},
		"before": {"type": "string"},
		"after": {"type": "string"},
		"evidence": {"type": "string"}
	},
	"required": ["name", "change_type", "after"]
}`)

var newItemSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"owner": {"type": "string"},
		"description": {"type": "string"}
	},
	"required": ["name"]
}`)

var narrationSchema = buildNarrationSchema(nil)

var stepNarrationSchema = buildNarrationSchema(map[string]json.RawMessage{
	"step_start_chapter_idx": json.RawMessage(`{"type": "integer"}`),
	"step_end_chapter_idx":   json.RawMessage(`{"type": "integer"}`),
})

var refineSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"narration": {"type": "string"}
	},
	"required": ["narration"],
	"additionalProperties": false
}`)

// buildNarrationSchema composes the shared narration payload shape with
// any extra top-level properties (the step variant adds its bounds).
func buildNarrationSchema(extra map[string]json.RawMessage) json.RawMessage {
	props := map[string]json.RawMessage{
		"narration":         json.RawMessage(`{"type": "string"}`),
		"key_events":        arraySchema(keyEventSchema),
		"character_updates": arraySchema(characterUpdateSchema),
		"new_items":         arraySchema(newItemSchema),
	}
	for k, v := range extra {
		props[k] = v
	}
	propsJSON, _ := json.Marshal(props)
	out, _ := json.Marshal(map[string]json.RawMessage{
		"type":       json.RawMessage(`"object"`),
		"properties": propsJSON,
		"required":   json.RawMessage(`["narration", "key_events", "character_updates", "new_items"]`),
	})
	return out
}

func arraySchema(items json.RawMessage) json.RawMessage {
	out, _ := json.Marshal(map[string]json.RawMessage{
		"type":  json.RawMessage(`"array"`),
		"items": items,
	})
	return out
}
