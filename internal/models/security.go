package models

import "time"

// Security violation types recorded by the tool monitor.
const (
	ViolationDisallowedTool           = "disallowed_tool"
	ViolationExplicitlyDisallowedTool = "explicitly_disallowed_tool"
	ViolationDangerousCommand         = "dangerous_command"
	ViolationPathTraversal            = "path_traversal"
	ViolationMissingPath              = "missing_path"
)

// Violation severities.
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// SecurityViolation is one recorded denial event, kept in an append-only
// in-memory log for audit and per-user summaries.
type SecurityViolation struct {
	Type      string    `json:"type"`
	ToolName  string    `json:"tool_name"`
	UserID    int64     `json:"user_id"`
	Detail    string    `json:"detail"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolStats aggregates tool usage counters.
type ToolStats struct {
	TotalCalls         int            `json:"total_calls"`
	ByTool             map[string]int `json:"by_tool"`
	UniqueTools        int            `json:"unique_tools"`
	SecurityViolations int            `json:"security_violations"`
}

// UserToolUsage summarizes one user's violation history.
type UserToolUsage struct {
	UserID             int64    `json:"user_id"`
	SecurityViolations int      `json:"security_violations"`
	ViolationTypes     []string `json:"violation_types"`
}

// UserSummary combines session and security data for one user.
type UserSummary struct {
	UserID             int64    `json:"user_id"`
	TotalSessions      int      `json:"total_sessions"`
	TotalCost          float64  `json:"total_cost"`
	SecurityViolations int      `json:"security_violations"`
	ViolationTypes     []string `json:"violation_types"`
}
