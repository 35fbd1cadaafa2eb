package translate

import (
	"encoding/json"
	"log/slog"

	"google.golang.org/genai"
)

// validateGeminiRequestShape round-trips the parts of a Gemini-dialect
// request body that matter most (contents, generationConfig, function
// declaration schemas) through the genai package's own wire types. It
// never rejects the request: the upstream is the authority on what it
// accepts, so a mismatch is only ever logged, not enforced. This exists so
// a client sending a body genai itself wouldn't recognize shows up in logs
// well before the upstream rejects it.
func validateGeminiRequestShape(body map[string]interface{}) {
	if contents, ok := body["contents"]; ok {
		var parsed []*genai.Content
		if err := remarshal(contents, &parsed); err != nil {
			slog.Debug("gemini request: contents did not match genai.Content shape", "error", err)
		}
	}
	if gc, ok := body["generationConfig"]; ok {
		var parsed genai.GenerationConfig
		if err := remarshal(gc, &parsed); err != nil {
			slog.Debug("gemini request: generationConfig did not match genai.GenerationConfig shape", "error", err)
		}
	}
	if tools, ok := body["tools"]; ok {
		var parsed []*genai.Tool
		if err := remarshal(tools, &parsed); err != nil {
			slog.Debug("gemini request: tools did not match genai.Tool shape", "error", err)
		}
	}
}

// validateFunctionSchema reports whether a cleaned function-parameter schema
// round-trips through genai.Schema, the type the upstream SDK itself uses
// to describe function parameters.
func validateFunctionSchema(params interface{}) bool {
	var s genai.Schema
	return remarshal(params, &s) == nil
}

func remarshal(src interface{}, dst interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
