package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAnthropic_MergesConsecutiveUserTurnsAndOrdersThinking(t *testing.T) {
	body := map[string]interface{}{
		"model": "claude-opus-4",
		"thinking": map[string]interface{}{
			"type": "enabled",
		},
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "first"},
			map[string]interface{}{"role": "user", "content": "second"},
			map[string]interface{}{
				"role": "assistant",
				"content": []interface{}{
					map[string]interface{}{"type": "tool_use", "name": "search", "input": map[string]interface{}{}},
					map[string]interface{}{"type": "thinking", "thinking": "reasoning step", "signature": "sig-1"},
					map[string]interface{}{"type": "text", "text": "final answer"},
				},
			},
		},
	}

	unified := FromAnthropic(body, MapOptions{TargetModel: "claude-opus-4"})

	contents := unified.Request["contents"].([]interface{})
	require.Len(t, contents, 2, "the two adjacent user turns must merge into one")

	first := contents[0].(map[string]interface{})
	assert.Equal(t, "user", first["role"])
	assert.Len(t, first["parts"], 2)

	second := contents[1].(map[string]interface{})
	assert.Equal(t, "model", second["role"])
	parts := second["parts"].([]interface{})
	require.Len(t, parts, 3)
	assert.Equal(t, true, parts[0].(map[string]interface{})["thought"], "thinking must be reordered first")
	assert.Equal(t, "final answer", parts[1].(map[string]interface{})["text"])
	assert.NotNil(t, parts[2].(map[string]interface{})["functionCall"])
}

func TestFromAnthropic_SystemStringBecomesSystemInstruction(t *testing.T) {
	body := map[string]interface{}{
		"model":  "claude-sonnet-4",
		"system": "be concise",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
	}

	unified := FromAnthropic(body, MapOptions{})

	si, ok := unified.Request["systemInstruction"].(map[string]interface{})
	require.True(t, ok)
	parts := si["parts"].([]interface{})
	require.Len(t, parts, 1)
	assert.Equal(t, "be concise", parts[0].(map[string]interface{})["text"])
}

func TestFromAnthropic_ThinkingDisabledWhenModelDoesNotSupportIt(t *testing.T) {
	body := map[string]interface{}{
		"model": "gemini-2.0-flash",
		"thinking": map[string]interface{}{
			"type": "enabled",
		},
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
			map[string]interface{}{"role": "assistant", "content": "hello"},
		},
	}

	unified := FromAnthropic(body, MapOptions{TargetModel: "gemini-2.0-flash"})

	gc, _ := unified.Request["generationConfig"].(map[string]interface{})
	if gc != nil {
		_, hasThinking := gc["thinkingConfig"]
		assert.False(t, hasThinking)
	}
	contents := unified.Request["contents"].([]interface{})
	for _, raw := range contents {
		turn := raw.(map[string]interface{})
		for _, p := range turn["parts"].([]interface{}) {
			part := p.(map[string]interface{})
			assert.NotEqual(t, true, part["thought"])
		}
	}
}

func TestFromAnthropic_OpusDefaultsThinkingOnWhenConfigured(t *testing.T) {
	body := map[string]interface{}{
		"model": "claude-opus-4",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
	}

	unified := FromAnthropic(body, MapOptions{TargetModel: "claude-opus-4", ThinkingDefaultOnOpus: true})

	require.NotNil(t, unified)
	assert.Equal(t, "claude-opus-4", unified.Model)
}

func TestFromOpenAI_MapsRolesAndTools(t *testing.T) {
	body := map[string]interface{}{
		"model": "gemini-2.5-pro",
		"messages": []interface{}{
			map[string]interface{}{"role": "system", "content": "be helpful"},
			map[string]interface{}{"role": "user", "content": "hi"},
			map[string]interface{}{"role": "assistant", "content": "hello"},
		},
		"tools": []interface{}{
			map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        "lookup",
					"description": "look something up",
					"parameters":  map[string]interface{}{"type": "object"},
				},
			},
		},
	}

	unified := FromOpenAI(body, MapOptions{TargetModel: "gemini-2.5-pro"})

	contents := unified.Request["contents"].([]interface{})
	require.Len(t, contents, 2, "system message is pulled out, not left as a content turn")
	assert.Equal(t, "user", contents[0].(map[string]interface{})["role"])
	assert.Equal(t, "model", contents[1].(map[string]interface{})["role"])

	si, ok := unified.Request["systemInstruction"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, si["parts"])

	tools := unified.Request["tools"].([]interface{})
	require.Len(t, tools, 1)
}

func TestResolveThinkingPolicy_ForcedOffOnIncompatibleHistoryWithoutSessionSignature(t *testing.T) {
	contents := []interface{}{
		turn("user", textPart("hi")),
		turn("model", textPart("hello, no reasoning part here")),
	}

	enabled := resolveThinkingPolicy("claude-opus-4", true, MapOptions{}, contents)

	assert.False(t, enabled)
}

func TestResolveThinkingPolicy_AllowedWhenHistoryCompatible(t *testing.T) {
	contents := []interface{}{
		turn("user", textPart("hi")),
		turn("model", thoughtPart("reasoning"), textPart("hello")),
	}

	enabled := resolveThinkingPolicy("claude-opus-4", true, MapOptions{}, contents)

	assert.True(t, enabled)
}
