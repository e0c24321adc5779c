package models

// Stream message types emitted by the agent CLI. The set is open: unknown
// types are dropped during parsing rather than failing the stream.
const (
	UpdateTypeAssistant  = "assistant"
	UpdateTypeToolResult = "tool_result"
	UpdateTypeUser       = "user"
	UpdateTypeSystem     = "system"
	UpdateTypeError      = "error"
	UpdateTypeProgress   = "progress"
	UpdateTypeResult     = "result"
)

// ToolCall is a structured tool invocation extracted from an assistant
// message.
type ToolCall struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
	ID    string         `json:"id,omitempty"`
}

// Progress carries step information from progress messages.
type Progress struct {
	Percentage float64 `json:"percentage"`
	Step       int     `json:"step,omitempty"`
	TotalSteps int     `json:"total_steps,omitempty"`
}

// StreamUpdate is one parsed unit of agent output. It lives only for the
// duration of the invocation that produced it.
type StreamUpdate struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Progress  *Progress      `json:"progress,omitempty"`
	ErrorInfo map[string]any `json:"error_info,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// IsError reports whether the update signals a failure, either as an error
// message or via an is_error metadata flag on a tool result.
func (u *StreamUpdate) IsError() bool {
	if u.Type == UpdateTypeError {
		return true
	}
	if u.Metadata != nil {
		if flag, ok := u.Metadata["is_error"].(bool); ok {
			return flag
		}
	}
	return false
}

// ToolNames returns the names of all tool calls in the update, in order.
func (u *StreamUpdate) ToolNames() []string {
	names := make([]string, 0, len(u.ToolCalls))
	for _, tc := range u.ToolCalls {
		names = append(names, tc.Name)
	}
	return names
}

// ProgressPercentage returns the completion percentage, if any.
func (u *StreamUpdate) ProgressPercentage() (float64, bool) {
	if u.Progress == nil {
		return 0, false
	}
	return u.Progress.Percentage, true
}

// ErrorMessage extracts a human-readable error message, preferring the
// structured error_info payload over the plain content.
func (u *StreamUpdate) ErrorMessage() string {
	if !u.IsError() {
		return ""
	}
	if u.ErrorInfo != nil {
		if msg, ok := u.ErrorInfo["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return u.Content
}
