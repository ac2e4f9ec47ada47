package gemini

import (
	"encoding/json"
)

// fallbackSchema replaces parameter schemas that cannot be parsed at all.
const fallbackSchema = `{"type":"object","properties":{}}`

// unsupportedSchemaKeywords lists JSON Schema fields the Gemini function
// declaration schema rejects: value bounds, formats, combinators, and
// schema-meta keys. They are stripped at every depth.
var unsupportedSchemaKeywords = map[string]bool{
	"minLength":            true,
	"maxLength":            true,
	"minimum":              true,
	"maximum":              true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
	"minItems":             true,
	"maxItems":             true,
	"minProperties":        true,
	"maxProperties":        true,
	"pattern":              true,
	"multipleOf":           true,
	"format":               true,
	"default":              true,
	"examples":             true,
	"allOf":                true,
	"anyOf":                true,
	"oneOf":                true,
	"not":                  true,
	"const":                true,
	"additionalProperties": true,
	"$schema":              true,
	"$id":                  true,
	"$ref":                 true,
	"$defs":                true,
	"definitions":          true,
}

// SanitizeSchema rewrites a tool parameter JSON Schema into the subset Gemini
// accepts. Unsupported keywords are stripped at every depth; a property whose
// schema ends up empty is removed entirely; each object's required array is
// filtered down to surviving properties and dropped when empty.
func SanitizeSchema(raw []byte) []byte {
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return []byte(fallbackSchema)
	}
	cleaned := sanitizeNode(node)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return []byte(fallbackSchema)
	}
	return out
}

func sanitizeNode(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if unsupportedSchemaKeywords[key] {
				continue
			}
			switch key {
			case "properties":
				props, ok := val.(map[string]any)
				if !ok {
					continue
				}
				cleanProps := make(map[string]any, len(props))
				for name, p := range props {
					cp := sanitizeNode(p)
					if m, isMap := cp.(map[string]any); isMap && len(m) == 0 {
						// The property was defined entirely by stripped
						// constructs; it no longer describes anything.
						continue
					}
					cleanProps[name] = cp
				}
				out[key] = cleanProps
			case "items":
				out[key] = sanitizeNode(val)
			default:
				out[key] = sanitizeNode(val)
			}
		}
		filterRequired(out)
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, sanitizeNode(item))
		}
		return out
	default:
		return v
	}
}

// filterRequired trims an object's required list to properties that survived
// sanitization, removing the list when nothing is left.
func filterRequired(schema map[string]any) {
	req, ok := schema["required"].([]any)
	if !ok {
		return
	}
	props, _ := schema["properties"].(map[string]any)
	kept := make([]any, 0, len(req))
	for _, r := range req {
		name, isStr := r.(string)
		if !isStr {
			continue
		}
		if _, exists := props[name]; exists {
			kept = append(kept, name)
		}
	}
	if len(kept) == 0 {
		delete(schema, "required")
		return
	}
	schema["required"] = kept
}
