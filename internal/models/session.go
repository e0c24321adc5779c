package models

import "time"

// SessionState tracks whether a session id is still the locally generated
// placeholder or the id the agent assigned on the first turn. The two are
// distinct states rather than an in-place rewrite so callers can never
// observe a half-confirmed session.
type SessionState string

const (
	// SessionProvisional means the session id is a local placeholder; the
	// agent has not yet assigned its own id.
	SessionProvisional SessionState = "provisional"
	// SessionConfirmed means the session id is the agent-assigned one.
	SessionConfirmed SessionState = "confirmed"
)

// Session is one continuable conversation with the agent, scoped to a
// (user, working directory) pair.
type Session struct {
	SessionID    string       `json:"session_id"`
	State        SessionState `json:"state"`
	UserID       int64        `json:"user_id"`
	ProjectPath  string       `json:"project_path"`
	CreatedAt    time.Time    `json:"created_at"`
	LastUsed     time.Time    `json:"last_used"`
	TotalCost    float64      `json:"total_cost"`
	TotalTurns   int          `json:"total_turns"`
	MessageCount int          `json:"message_count"`
	ToolsUsed    []string     `json:"tools_used,omitempty"`
}

// IsExpired reports whether the session is older than the given timeout.
func (s *Session) IsExpired(timeout time.Duration) bool {
	return time.Since(s.LastUsed) > timeout
}

// RecordTools appends tool names not yet seen by this session, preserving
// order of first appearance.
func (s *Session) RecordTools(names []string) {
	seen := make(map[string]struct{}, len(s.ToolsUsed))
	for _, n := range s.ToolsUsed {
		seen[n] = struct{}{}
	}
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		s.ToolsUsed = append(s.ToolsUsed, n)
	}
}

// SessionInfo is the API projection of a session.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	ProjectPath  string    `json:"project_path"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
	TotalCost    float64   `json:"total_cost"`
	TotalTurns   int       `json:"total_turns"`
	MessageCount int       `json:"message_count"`
	ToolsUsed    []string  `json:"tools_used"`
	Expired      bool      `json:"expired"`
}

// UserSessionSummary aggregates a user's sessions for reporting.
type UserSessionSummary struct {
	UserID        int64   `json:"user_id"`
	TotalSessions int     `json:"total_sessions"`
	TotalCost     float64 `json:"total_cost"`
}
