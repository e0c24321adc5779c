package models

import "time"

// Response error types for failures recovered into a structured response.
const (
	ErrorTypeProcessFailed = "process_failed"
	ErrorTypeTimeout       = "timeout"
)

// ToolUse records one tool invocation observed during an invocation.
type ToolUse struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the terminal aggregate of one agent invocation, built from
// the agent's final result message plus the accumulated stream updates.
type Response struct {
	Content    string    `json:"content"`
	SessionID  string    `json:"session_id"`
	Cost       float64   `json:"cost"`
	DurationMS int64     `json:"duration_ms"`
	NumTurns   int       `json:"num_turns"`
	IsError    bool      `json:"is_error"`
	ErrorType  string    `json:"error_type,omitempty"`
	ToolsUsed  []ToolUse `json:"tools_used,omitempty"`
}

// ToolNames returns the distinct tool names in order of first use.
func (r *Response) ToolNames() []string {
	seen := make(map[string]struct{}, len(r.ToolsUsed))
	names := make([]string, 0, len(r.ToolsUsed))
	for _, tu := range r.ToolsUsed {
		if _, ok := seen[tu.Name]; ok {
			continue
		}
		seen[tu.Name] = struct{}{}
		names = append(names, tu.Name)
	}
	return names
}
