package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func turn(role string, parts ...interface{}) map[string]interface{} {
	return map[string]interface{}{"role": role, "parts": parts}
}

func textPart(s string) map[string]interface{} {
	return map[string]interface{}{"text": s}
}

func thoughtPart(s string) map[string]interface{} {
	return map[string]interface{}{"text": s, "thought": true}
}

func funcCallPart(name string) map[string]interface{} {
	return map[string]interface{}{"functionCall": map[string]interface{}{"name": name}}
}

func TestMergeConsecutiveContents_MergesAdjacentSameRoleTurns(t *testing.T) {
	contents := []interface{}{
		turn("user", textPart("hi")),
		turn("user", textPart("are you there")),
		turn("model", textPart("yes")),
	}

	merged := mergeConsecutiveContents(contents)

	require.Len(t, merged, 2)
	first := merged[0].(map[string]interface{})
	assert.Equal(t, "user", first["role"])
	assert.Len(t, first["parts"], 2)
	second := merged[1].(map[string]interface{})
	assert.Equal(t, "model", second["role"])
}

func TestMergeConsecutiveContents_LeavesAlternatingTurnsAlone(t *testing.T) {
	contents := []interface{}{
		turn("user", textPart("hi")),
		turn("model", textPart("hello")),
		turn("user", textPart("bye")),
	}

	merged := mergeConsecutiveContents(contents)

	assert.Len(t, merged, 3)
}

func TestMergeConsecutiveContents_MergesMoreThanTwoInARow(t *testing.T) {
	contents := []interface{}{
		turn("user", textPart("a")),
		turn("user", textPart("b")),
		turn("user", textPart("c")),
	}

	merged := mergeConsecutiveContents(contents)

	require.Len(t, merged, 1)
	assert.Len(t, merged[0].(map[string]interface{})["parts"], 3)
}

func TestOrderThinkingParts_ReordersThoughtTextThenToolUse(t *testing.T) {
	contents := []interface{}{
		turn("model",
			funcCallPart("search"),
			textPart("here is the answer"),
			thoughtPart("let me think"),
		),
	}

	orderThinkingParts(contents)

	parts := contents[0].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 3)
	assert.Equal(t, true, parts[0].(map[string]interface{})["thought"])
	assert.Equal(t, "here is the answer", parts[1].(map[string]interface{})["text"])
	assert.NotNil(t, parts[2].(map[string]interface{})["functionCall"])
}

func TestOrderThinkingParts_DropsPlaceholderText(t *testing.T) {
	contents := []interface{}{
		turn("model",
			textPart(""),
			textPart("(no content)"),
			textPart("real content"),
		),
	}

	orderThinkingParts(contents)

	parts := contents[0].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 1)
	assert.Equal(t, "real content", parts[0].(map[string]interface{})["text"])
}

func TestOrderThinkingParts_KeepsMultipleThoughtsBeforeText(t *testing.T) {
	contents := []interface{}{
		turn("model",
			textPart("answer"),
			thoughtPart("step one"),
			thoughtPart("step two"),
		),
	}

	orderThinkingParts(contents)

	parts := contents[0].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 3)
	assert.Equal(t, "step one", parts[0].(map[string]interface{})["text"])
	assert.Equal(t, "step two", parts[1].(map[string]interface{})["text"])
	assert.Equal(t, "answer", parts[2].(map[string]interface{})["text"])
}

func TestStripOldImages_KeepsOnlyLastNUserTurnsImages(t *testing.T) {
	imagePart := func() map[string]interface{} {
		return map[string]interface{}{"inlineData": map[string]interface{}{"data": "xyz"}}
	}
	contents := []interface{}{
		turn("user", imagePart(), textPart("first")),
		turn("model", textPart("ack")),
		turn("user", imagePart(), textPart("second")),
		turn("model", textPart("ack")),
		turn("user", imagePart(), textPart("third")),
	}

	stripOldImages(contents, 1)

	first := contents[0].(map[string]interface{})["parts"].([]interface{})
	assert.Len(t, first, 1, "oldest user turn should have its image stripped")
	assert.Equal(t, "first", first[0].(map[string]interface{})["text"])

	second := contents[2].(map[string]interface{})["parts"].([]interface{})
	assert.Len(t, second, 1, "middle user turn should also lose its image")

	third := contents[4].(map[string]interface{})["parts"].([]interface{})
	assert.Len(t, third, 2, "most recent user turn keeps its image")
}

func TestStripOldImages_NoopWhenUnderKeepLast(t *testing.T) {
	imagePart := func() map[string]interface{} {
		return map[string]interface{}{"inlineData": map[string]interface{}{"data": "xyz"}}
	}
	contents := []interface{}{
		turn("user", imagePart()),
		turn("model", textPart("ack")),
	}

	stripOldImages(contents, 3)

	first := contents[0].(map[string]interface{})["parts"].([]interface{})
	assert.Len(t, first, 1)
}

func TestStripUndefinedSentinels_RemovesMapKeysAndArrayElements(t *testing.T) {
	in := map[string]interface{}{
		"keep":  "value",
		"drop":  "[undefined]",
		"array": []interface{}{"a", "[undefined]", "b"},
	}

	out := stripUndefinedSentinels(in).(map[string]interface{})

	assert.Equal(t, "value", out["keep"])
	_, hasDrop := out["drop"]
	assert.False(t, hasDrop)
	assert.Equal(t, []interface{}{"a", "b"}, out["array"])
}

func TestStripCacheControlDeep_RemovesNestedCacheControl(t *testing.T) {
	in := map[string]interface{}{
		"cache_control": map[string]interface{}{"type": "ephemeral"},
		"nested": map[string]interface{}{
			"cache_control": "drop-me",
			"keep":          "value",
		},
	}

	stripCacheControlDeep(in)

	_, hasTop := in["cache_control"]
	assert.False(t, hasTop)
	nested := in["nested"].(map[string]interface{})
	_, hasNested := nested["cache_control"]
	assert.False(t, hasNested)
	assert.Equal(t, "value", nested["keep"])
}
