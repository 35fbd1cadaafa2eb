package translate

// Cross-cutting contracts applied to the unified body's `contents` array
// regardless of which client dialect produced it.

// mergeConsecutiveContents concatenates adjacent same-role turns: parts
// arrays are extended, never left as two separate turns. The upstream
// rejects a history with two adjacent turns of the same role.
func mergeConsecutiveContents(contents []interface{}) []interface{} {
	merged := make([]interface{}, 0, len(contents))
	for _, raw := range contents {
		turn, ok := raw.(map[string]interface{})
		if !ok {
			merged = append(merged, raw)
			continue
		}
		if len(merged) > 0 {
			prev, ok := merged[len(merged)-1].(map[string]interface{})
			if ok && prev["role"] == turn["role"] {
				prevParts, _ := prev["parts"].([]interface{})
				nextParts, _ := turn["parts"].([]interface{})
				prev["parts"] = append(prevParts, nextParts...)
				continue
			}
		}
		merged = append(merged, turn)
	}
	return merged
}

// orderThinkingParts reorders a turn's parts so reasoning (thought=true)
// comes first, then plain text, then tool-use/functionCall parts. Empty or
// placeholder text parts ("(no content)") are dropped entirely.
func orderThinkingParts(contents []interface{}) {
	for _, raw := range contents {
		turn, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		parts, ok := turn["parts"].([]interface{})
		if !ok {
			continue
		}
		var thinking, text, toolUse []interface{}
		for _, p := range parts {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if isPlaceholderText(part) {
				continue
			}
			switch {
			case part["thought"] == true:
				thinking = append(thinking, part)
			case part["functionCall"] != nil:
				toolUse = append(toolUse, part)
			default:
				text = append(text, part)
			}
		}
		ordered := make([]interface{}, 0, len(thinking)+len(text)+len(toolUse))
		ordered = append(ordered, thinking...)
		ordered = append(ordered, text...)
		ordered = append(ordered, toolUse...)
		turn["parts"] = ordered
	}
}

func isPlaceholderText(part map[string]interface{}) bool {
	if part["functionCall"] != nil || part["functionResponse"] != nil || part["inlineData"] != nil {
		return false
	}
	t, ok := part["text"].(string)
	if !ok {
		return false
	}
	return t == "" || t == "(no content)"
}

// stripCacheControlDeep removes every "cache_control" key found anywhere in
// v, recursively, in place. The upstream rejects the field outright.
func stripCacheControlDeep(v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		delete(t, "cache_control")
		for _, child := range t {
			stripCacheControlDeep(child)
		}
	case []interface{}:
		for _, child := range t {
			stripCacheControlDeep(child)
		}
	}
}

// stripUndefinedSentinels recursively removes the literal string
// "[undefined]" some client SDKs emit in place of an absent field,
// replacing it with omission (map keys) or skipping it (array elements).
func stripUndefinedSentinels(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if s, ok := child.(string); ok && s == "[undefined]" {
				delete(t, k)
				continue
			}
			t[k] = stripUndefinedSentinels(child)
		}
		return t
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, child := range t {
			if s, ok := child.(string); ok && s == "[undefined]" {
				continue
			}
			out = append(out, stripUndefinedSentinels(child))
		}
		return out
	default:
		return v
	}
}

// stripOldImages drops inlineData parts from user turns older than the
// last keepLast user turns, so long conversations don't keep re-sending
// every image ever attached.
func stripOldImages(contents []interface{}, keepLast int) {
	userTurnIdx := make([]int, 0)
	for i, raw := range contents {
		turn, ok := raw.(map[string]interface{})
		if ok && turn["role"] == "user" {
			userTurnIdx = append(userTurnIdx, i)
		}
	}
	if len(userTurnIdx) <= keepLast {
		return
	}
	cutoff := userTurnIdx[len(userTurnIdx)-keepLast]
	for _, i := range userTurnIdx {
		if i >= cutoff {
			continue
		}
		turn := contents[i].(map[string]interface{})
		parts, ok := turn["parts"].([]interface{})
		if !ok {
			continue
		}
		kept := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			part, ok := p.(map[string]interface{})
			if ok && part["inlineData"] != nil {
				continue
			}
			kept = append(kept, p)
		}
		turn["parts"] = kept
	}
}
