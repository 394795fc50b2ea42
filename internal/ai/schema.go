package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// quizSchema is the JSON-Schema (draft 2020-12 subset) a quiz reply
// must satisfy, as a generic map so it can double as prompt material.
func quizSchema() map[string]any {
	question := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"question": map[string]any{"type": "string", "minLength": 1},
			"choices": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string", "minLength": 1},
				"minItems": 2,
				"maxItems": 6,
			},
			"answer_index": map[string]any{"type": "integer", "minimum": 0},
			"explanation":  map[string]any{"type": "string"},
		},
		"required": []string{"question", "choices", "answer_index"},
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"questions": map[string]any{
				"type":     "array",
				"items":    question,
				"minItems": 1,
			},
		},
		"required": []string{"questions"},
	}
}

// validateJSON validates data against schemaMap.
func validateJSON(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

// parseQuiz turns a model reply into questions, tolerating a markdown
// code fence around the JSON. The schema cannot express that the answer
// index points inside the choices list, so that is checked here.
func parseQuiz(content string) ([]QuizQuestion, error) {
	raw := stripCodeBlock(content)
	if err := validateJSON(quizSchema(), []byte(raw)); err != nil {
		return nil, &MalformedReplyError{Reason: err.Error(), Raw: content}
	}
	var payload struct {
		Questions []QuizQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, &MalformedReplyError{Reason: "unmarshal quiz: " + err.Error(), Raw: content}
	}
	for i, q := range payload.Questions {
		if q.AnswerIndex >= len(q.Choices) {
			return nil, &MalformedReplyError{
				Reason: fmt.Sprintf("question %d: answer index %d outside choices", i, q.AnswerIndex),
				Raw:    content,
			}
		}
	}
	return payload.Questions, nil
}

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if m := codeBlockRe.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return s
}
