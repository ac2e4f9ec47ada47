package gemini

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestSanitizeSchemaStripsUnsupportedKeywords(t *testing.T) {
	raw := []byte(`{
		"type": "object",
		"$schema": "http://json-schema.org/draft-07/schema#",
		"additionalProperties": false,
		"properties": {
			"city": {"type": "string", "minLength": 2, "maxLength": 64, "pattern": "^[a-z]+$"},
			"count": {"type": "integer", "minimum": 0, "maximum": 10, "format": "int32", "default": 1},
			"tags": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string", "format": "uuid"}
			}
		},
		"required": ["city", "count"]
	}`)
	out := SanitizeSchema(raw)

	for _, path := range []string{
		"$schema",
		"additionalProperties",
		"properties.city.minLength",
		"properties.city.maxLength",
		"properties.city.pattern",
		"properties.count.minimum",
		"properties.count.maximum",
		"properties.count.format",
		"properties.count.default",
		"properties.tags.minItems",
		"properties.tags.items.format",
	} {
		if gjson.GetBytes(out, path).Exists() {
			t.Errorf("%s should have been stripped: %s", path, out)
		}
	}
	for _, path := range []string{
		"type",
		"properties.city.type",
		"properties.count.type",
		"properties.tags.items.type",
	} {
		if !gjson.GetBytes(out, path).Exists() {
			t.Errorf("%s should have survived: %s", path, out)
		}
	}
	if got := gjson.GetBytes(out, "required").Raw; got != `["city","count"]` {
		t.Errorf("required = %s, want both members kept", got)
	}
}

func TestSanitizeSchemaRemovesEmptiedProperties(t *testing.T) {
	// A property whose schema consists entirely of unsupported keywords
	// vanishes, and required shrinks with it.
	raw := []byte(`{
		"type": "object",
		"properties": {
			"keep": {"type": "string"},
			"drop": {"format": "date-time"}
		},
		"required": ["keep", "drop"]
	}`)
	out := SanitizeSchema(raw)

	if gjson.GetBytes(out, "properties.drop").Exists() {
		t.Errorf("emptied property should be removed: %s", out)
	}
	if !gjson.GetBytes(out, "properties.keep").Exists() {
		t.Errorf("keep should survive: %s", out)
	}
	if got := gjson.GetBytes(out, "required").Raw; got != `["keep"]` {
		t.Errorf("required = %s, want [\"keep\"]", got)
	}
}

func TestSanitizeSchemaDropsCombinators(t *testing.T) {
	raw := []byte(`{
		"type": "object",
		"properties": {
			"value": {"oneOf": [{"type": "string"}, {"type": "number"}], "type": "string"}
		}
	}`)
	out := SanitizeSchema(raw)
	if gjson.GetBytes(out, "properties.value.oneOf").Exists() {
		t.Errorf("oneOf should be stripped: %s", out)
	}
	if got := gjson.GetBytes(out, "properties.value.type").String(); got != "string" {
		t.Errorf("type = %q, want string", got)
	}
}

func TestSanitizeSchemaRequiredDroppedWhenEmpty(t *testing.T) {
	raw := []byte(`{
		"type": "object",
		"properties": {"gone": {"$ref": "#/defs/x"}},
		"required": ["gone"]
	}`)
	out := SanitizeSchema(raw)
	if gjson.GetBytes(out, "required").Exists() {
		t.Errorf("required should be dropped once empty: %s", out)
	}
}

func TestSanitizeSchemaInvalidInputFallsBack(t *testing.T) {
	out := SanitizeSchema([]byte(`{"type": "object",`))
	if string(out) != `{"type":"object","properties":{}}` {
		t.Errorf("fallback = %s", out)
	}
}

func TestSanitizeSchemaNestedDepth(t *testing.T) {
	raw := []byte(`{
		"type": "object",
		"properties": {
			"outer": {
				"type": "object",
				"properties": {
					"inner": {"type": "array", "items": {"type": "string", "minLength": 1}}
				}
			}
		}
	}`)
	out := SanitizeSchema(raw)
	if gjson.GetBytes(out, "properties.outer.properties.inner.items.minLength").Exists() {
		t.Errorf("nested bound should be stripped: %s", out)
	}
	if got := gjson.GetBytes(out, "properties.outer.properties.inner.items.type").String(); got != "string" {
		t.Errorf("nested type = %q, want string", got)
	}
}
