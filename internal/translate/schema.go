package translate

import (
	"fmt"
	"log/slog"
)

// maxSchemaDepth bounds recursive schema cleaning; a JSON Schema nested
// deeper than this is treated as opaque and passed through unmodified.
const maxSchemaDepth = 64

// cleanFunctionSchemas walks every JSON Schema referenced by a function
// declaration's "parameters" and rewrites it into the narrow shape the
// upstream accepts: {type, description, properties, required, items, enum,
// title}. Unsupported constraints (minLength, pattern, minimum, format,
// etc.) are folded into the description instead of dropped silently.
func cleanFunctionSchemas(tools []interface{}) {
	for _, raw := range tools {
		tool, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		decls, ok := tool["functionDeclarations"].([]interface{})
		if !ok {
			continue
		}
		for _, d := range decls {
			decl, ok := d.(map[string]interface{})
			if !ok {
				continue
			}
			if params, ok := decl["parameters"]; ok {
				cleaned := cleanSchema(params, 0)
				decl["parameters"] = cleaned
				if !validateFunctionSchema(cleaned) {
					slog.Debug("function schema did not match genai.Schema after cleaning", "function", decl["name"])
				}
			}
		}
	}
}

var supplementaryConstraints = []string{
	"minLength", "maxLength", "pattern", "minimum", "maximum",
	"format", "minItems", "maxItems", "exclusiveMinimum", "exclusiveMaximum",
}

func cleanSchema(v interface{}, depth int) interface{} {
	node, ok := v.(map[string]interface{})
	if !ok || depth >= maxSchemaDepth {
		return v
	}

	mergeAllOf(node)
	flattenAnyOf(node)

	out := make(map[string]interface{})

	typ := node["type"]
	if typ == nil {
		if _, hasProps := node["properties"]; hasProps {
			typ = "object"
		}
	}
	if list, ok := typ.([]interface{}); ok {
		typ = firstNonNullType(list)
	}

	var nullable bool
	if s, ok := typ.(string); ok && s == "null" {
		nullable = true
		typ = nil
	}

	desc, _ := node["description"].(string)
	desc = appendConstraints(desc, node)
	if nullable {
		desc = appendNote(desc, "nullable")
	}

	if typ != nil {
		out["type"] = typ
	}
	if desc != "" {
		out["description"] = desc
	}
	if props, ok := node["properties"].(map[string]interface{}); ok {
		cleanProps := make(map[string]interface{}, len(props))
		for k, p := range props {
			cleanProps[k] = cleanSchema(p, depth+1)
		}
		out["properties"] = cleanProps
	}
	if req, ok := node["required"]; ok {
		out["required"] = req
	}
	if items, ok := node["items"]; ok {
		out["items"] = cleanSchema(items, depth+1)
	}
	if enum, ok := node["enum"].([]interface{}); ok {
		out["enum"] = coerceEnumToStrings(enum)
	}
	if title, ok := node["title"]; ok {
		out["title"] = title
	}

	return out
}

func mergeAllOf(node map[string]interface{}) {
	all, ok := node["allOf"].([]interface{})
	if !ok {
		return
	}
	delete(node, "allOf")
	for _, raw := range all {
		sub, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for k, v := range sub {
			if _, exists := node[k]; !exists {
				node[k] = v
			} else if k == "properties" {
				mergeProperties(node, v)
			}
		}
	}
}

func mergeProperties(node map[string]interface{}, v interface{}) {
	dstProps, _ := node["properties"].(map[string]interface{})
	srcProps, _ := v.(map[string]interface{})
	if dstProps == nil {
		node["properties"] = srcProps
		return
	}
	for k, p := range srcProps {
		if _, exists := dstProps[k]; !exists {
			dstProps[k] = p
		}
	}
}

// flattenAnyOf/oneOf picks the richest non-null branch (most properties, or
// first if tied) and merges it directly into node.
func flattenAnyOf(node map[string]interface{}) {
	for _, key := range []string{"anyOf", "oneOf"} {
		branches, ok := node[key].([]interface{})
		if !ok {
			continue
		}
		delete(node, key)
		best := richestBranch(branches)
		if best == nil {
			continue
		}
		for k, v := range best {
			if _, exists := node[k]; !exists {
				node[k] = v
			}
		}
	}
}

func richestBranch(branches []interface{}) map[string]interface{} {
	var best map[string]interface{}
	bestScore := -1
	for _, raw := range branches {
		branch, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if t, _ := branch["type"].(string); t == "null" {
			continue
		}
		score := len(branch)
		if props, ok := branch["properties"].(map[string]interface{}); ok {
			score += len(props)
		}
		if score > bestScore {
			bestScore = score
			best = branch
		}
	}
	return best
}

func firstNonNullType(list []interface{}) interface{} {
	for _, t := range list {
		if s, ok := t.(string); ok && s != "null" {
			return s
		}
	}
	if len(list) > 0 {
		return list[0]
	}
	return nil
}

func appendConstraints(desc string, node map[string]interface{}) string {
	for _, key := range supplementaryConstraints {
		if val, ok := node[key]; ok {
			desc = appendNote(desc, fmt.Sprintf("Constraint: %s=%v", key, val))
		}
	}
	return desc
}

func appendNote(desc, note string) string {
	if desc == "" {
		return "[" + note + "]"
	}
	return desc + " [" + note + "]"
}

func coerceEnumToStrings(enum []interface{}) []interface{} {
	out := make([]interface{}, len(enum))
	for i, v := range enum {
		if s, ok := v.(string); ok {
			out[i] = s
			continue
		}
		out[i] = fmt.Sprintf("%v", v)
	}
	return out
}
