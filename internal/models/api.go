package models

// RunCommandRequest is the payload for one agent invocation.
type RunCommandRequest struct {
	Prompt           string `json:"prompt"`
	WorkingDirectory string `json:"working_directory"`
	UserID           int64  `json:"user_id"`
	SessionID        string `json:"session_id,omitempty"`
	Username         string `json:"username,omitempty"`
}

// ContinueSessionRequest resumes the user's most recent session in a
// directory.
type ContinueSessionRequest struct {
	UserID           int64  `json:"user_id"`
	WorkingDirectory string `json:"working_directory"`
	Prompt           string `json:"prompt,omitempty"`
	Username         string `json:"username,omitempty"`
}

// CleanupResponse reports an expiry sweep's result.
type CleanupResponse struct {
	SessionsExpired int64 `json:"sessions_expired"`
}
