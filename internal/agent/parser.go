// Package agent runs the external code-generation agent CLI and turns its
// stream-json output into typed updates and a final response.
package agent

import (
	"encoding/json"
	"strings"

	"github.com/coderelay/coderelay/internal/models"
)

// ParseLine decodes one line of the agent's stream-json output. It returns
// nil for malformed lines, lines without a type discriminator, and unknown
// message types; none of these are fatal to a stream.
func ParseLine(line string) *models.StreamUpdate {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil
	}
	return ParseMessage(raw)
}

// ParseMessage converts a decoded stream message into a StreamUpdate.
// Unknown types return nil so new message types the agent grows are
// forward-compatible no-ops.
func ParseMessage(raw map[string]any) *models.StreamUpdate {
	msgType, ok := raw["type"].(string)
	if !ok || msgType == "" {
		return nil
	}

	switch msgType {
	case models.UpdateTypeAssistant:
		return parseAssistant(raw)
	case models.UpdateTypeToolResult:
		return parseToolResult(raw)
	case models.UpdateTypeUser:
		return parseUser(raw)
	case models.UpdateTypeSystem:
		return parseSystem(raw)
	case models.UpdateTypeError:
		return parseError(raw)
	case models.UpdateTypeProgress:
		return parseProgress(raw)
	default:
		return nil
	}
}

// parseAssistant joins the message's text blocks with newlines and
// extracts tool_use blocks into tool calls, preserving their order of
// appearance within the message.
func parseAssistant(raw map[string]any) *models.StreamUpdate {
	update := &models.StreamUpdate{
		Type:      models.UpdateTypeAssistant,
		Timestamp: stringField(raw, "timestamp"),
	}

	message, _ := raw["message"].(map[string]any)
	blocks, _ := message["content"].([]any)

	var texts []string
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		switch stringField(block, "type") {
		case "text":
			if text := stringField(block, "text"); text != "" {
				texts = append(texts, text)
			}
		case "tool_use":
			input, _ := block["input"].(map[string]any)
			update.ToolCalls = append(update.ToolCalls, models.ToolCall{
				Name:  stringField(block, "name"),
				Input: input,
				ID:    stringField(block, "id"),
			})
		}
	}
	update.Content = strings.Join(texts, "\n")
	return update
}

func parseToolResult(raw map[string]any) *models.StreamUpdate {
	update := &models.StreamUpdate{
		Type:      models.UpdateTypeToolResult,
		Timestamp: stringField(raw, "timestamp"),
		Metadata:  map[string]any{},
	}

	result, _ := raw["result"].(map[string]any)
	update.Content = stringField(result, "content")

	isError, _ := result["is_error"].(bool)
	update.Metadata["is_error"] = isError
	if id := stringField(raw, "tool_use_id"); id != "" {
		update.Metadata["tool_use_id"] = id
	}
	if isError {
		update.ErrorInfo = map[string]any{"message": update.Content}
	}
	return update
}

// parseUser normalizes both wire shapes for user messages: a plain string
// or a list of text blocks.
func parseUser(raw map[string]any) *models.StreamUpdate {
	update := &models.StreamUpdate{
		Type:      models.UpdateTypeUser,
		Timestamp: stringField(raw, "timestamp"),
	}

	message, _ := raw["message"].(map[string]any)
	switch content := message["content"].(type) {
	case string:
		update.Content = content
	case []any:
		var texts []string
		for _, b := range content {
			if block, ok := b.(map[string]any); ok {
				if text := stringField(block, "text"); text != "" {
					texts = append(texts, text)
				}
			}
		}
		update.Content = strings.Join(texts, "\n")
	}
	return update
}

func parseSystem(raw map[string]any) *models.StreamUpdate {
	update := &models.StreamUpdate{
		Type:      models.UpdateTypeSystem,
		Timestamp: stringField(raw, "timestamp"),
		Metadata:  map[string]any{},
	}

	subtype := stringField(raw, "subtype")
	update.Metadata["subtype"] = subtype

	if subtype == "init" {
		if tools, ok := raw["tools"].([]any); ok {
			names := make([]string, 0, len(tools))
			for _, t := range tools {
				if name, ok := t.(string); ok {
					names = append(names, name)
				}
			}
			update.Metadata["tools"] = names
			update.Metadata["tool_count"] = len(names)
		}
		if model := stringField(raw, "model"); model != "" {
			update.Metadata["model"] = model
		}
		return update
	}

	update.Content = stringField(raw, "message")
	return update
}

func parseError(raw map[string]any) *models.StreamUpdate {
	update := &models.StreamUpdate{
		Type:      models.UpdateTypeError,
		Content:   stringField(raw, "message"),
		Timestamp: stringField(raw, "timestamp"),
		ErrorInfo: map[string]any{"message": stringField(raw, "message")},
	}
	if code := stringField(raw, "code"); code != "" {
		update.ErrorInfo["code"] = code
	}
	return update
}

func parseProgress(raw map[string]any) *models.StreamUpdate {
	update := &models.StreamUpdate{
		Type:      models.UpdateTypeProgress,
		Content:   stringField(raw, "message"),
		Timestamp: stringField(raw, "timestamp"),
		Progress:  &models.Progress{},
	}
	if pct, ok := numberField(raw, "percentage"); ok {
		update.Progress.Percentage = pct
	}
	if step, ok := numberField(raw, "step"); ok {
		update.Progress.Step = int(step)
	}
	if total, ok := numberField(raw, "total_steps"); ok {
		update.Progress.TotalSteps = int(total)
	}
	return update
}

// ParseResult builds the terminal Response from the agent's final result
// message. toolsUsed is the ordered accumulation of tool calls seen across
// the stream's assistant updates.
func ParseResult(raw map[string]any, toolsUsed []models.ToolUse) *models.Response {
	resp := &models.Response{
		Content:   stringField(raw, "result"),
		SessionID: stringField(raw, "session_id"),
		ToolsUsed: toolsUsed,
	}
	if cost, ok := numberField(raw, "cost_usd"); ok {
		resp.Cost = cost
	} else if cost, ok := numberField(raw, "total_cost_usd"); ok {
		resp.Cost = cost
	}
	if dur, ok := numberField(raw, "duration_ms"); ok {
		resp.DurationMS = int64(dur)
	}
	if turns, ok := numberField(raw, "num_turns"); ok {
		resp.NumTurns = int(turns)
	}
	if isErr, ok := raw["is_error"].(bool); ok && isErr {
		resp.IsError = true
		resp.ErrorType = stringField(raw, "subtype")
	}
	return resp
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func numberField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
