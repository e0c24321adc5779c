// Package services composes the agent runner, tool monitor, and session
// manager behind a single integration facade.
package services

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coderelay/coderelay/internal/config"
	"github.com/coderelay/coderelay/internal/logger"
	"github.com/coderelay/coderelay/internal/models"
)

// fileTools are tools whose input must identify a path.
var fileTools = map[string]bool{
	"Read":      true,
	"Write":     true,
	"Edit":      true,
	"MultiEdit": true,
}

// shellTools are tools whose command string is screened for dangerous
// patterns.
var shellTools = map[string]bool{
	"Bash":  true,
	"Shell": true,
}

// dangerousPatterns match destructive deletion, privilege escalation,
// remote scripts piped into an interpreter, redirection into system
// paths, and generic command chaining. Matching is case-insensitive.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+(-[a-z]*\s+)*-[a-z]*r[a-z]*f|rm\s+(-[a-z]*\s+)*-[a-z]*f[a-z]*r`),
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bsu\s+-`),
	regexp.MustCompile(`(?i)(curl|wget)[^|]*\|\s*(sh|bash|zsh|python)`),
	regexp.MustCompile(`>\s*/(etc|sys|proc|boot)/`),
	regexp.MustCompile("[;&|`]|\\$\\("),
}

// ToolMonitor validates every tool invocation the agent reports and keeps
// usage counters plus an append-only violation log. It is the sole owner
// of that state; all access goes through its methods.
//
// This is a trust and audit boundary, not a sandbox: execution happens
// inside the agent process.
type ToolMonitor struct {
	allowedTools    []string
	disallowedTools []string
	approvedRoot    string

	mu         sync.Mutex
	usage      map[string]int
	violations []models.SecurityViolation
}

// NewToolMonitor builds a monitor from the configured tool policy. When
// ApprovedDirectory is set, file-tool paths must resolve inside it.
func NewToolMonitor(settings *config.Settings) *ToolMonitor {
	return &ToolMonitor{
		allowedTools:    settings.AllowedTools,
		disallowedTools: settings.DisallowedTools,
		approvedRoot:    settings.ApprovedDirectory,
		usage:           make(map[string]int),
	}
}

// ValidateToolCall decides allow/deny for one tool invocation. Every call
// increments the per-tool counter; every denial appends a violation.
func (m *ToolMonitor) ValidateToolCall(toolName string, input map[string]any, workingDir string, userID int64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage[toolName]++

	// Deny-list takes precedence over everything, including allow-list
	// membership.
	if slices.Contains(m.disallowedTools, toolName) {
		reason := fmt.Sprintf("Tool explicitly disallowed: %s", toolName)
		m.recordViolation(models.ViolationExplicitlyDisallowedTool, toolName, userID, reason, models.SeverityMedium)
		return false, reason
	}

	if len(m.allowedTools) > 0 && !slices.Contains(m.allowedTools, toolName) {
		reason := fmt.Sprintf("Tool not allowed: %s", toolName)
		m.recordViolation(models.ViolationDisallowedTool, toolName, userID, reason, models.SeverityMedium)
		return false, reason
	}

	if fileTools[toolName] {
		return m.validateFileOperation(toolName, input, workingDir, userID)
	}
	if shellTools[toolName] {
		return m.validateShellCommand(toolName, input, userID)
	}
	return true, ""
}

func (m *ToolMonitor) validateFileOperation(toolName string, input map[string]any, workingDir string, userID int64) (bool, string) {
	path := stringInput(input, "path")
	if path == "" {
		path = stringInput(input, "file_path")
	}
	if path == "" {
		reason := "File path required"
		m.recordViolation(models.ViolationMissingPath, toolName, userID, reason, models.SeverityMedium)
		return false, reason
	}

	if m.approvedRoot != "" {
		resolved := path
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(workingDir, resolved)
		}
		resolved = filepath.Clean(resolved)
		if !pathWithin(resolved, m.approvedRoot) {
			reason := "Path outside approved directory"
			m.recordViolation(models.ViolationPathTraversal, toolName, userID,
				fmt.Sprintf("%s: %s", reason, path), models.SeverityHigh)
			return false, reason
		}
	}
	return true, ""
}

func (m *ToolMonitor) validateShellCommand(toolName string, input map[string]any, userID int64) (bool, string) {
	command := stringInput(input, "command")
	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(command) {
			reason := "Dangerous command pattern detected"
			m.recordViolation(models.ViolationDangerousCommand, toolName, userID,
				fmt.Sprintf("%s: %s", reason, command), models.SeverityHigh)
			return false, reason
		}
	}
	return true, ""
}

// recordViolation appends to the log. Caller must hold the lock.
func (m *ToolMonitor) recordViolation(violationType, toolName string, userID int64, detail, severity string) {
	logger.Warnf("tool call denied: user=%d tool=%s type=%s", userID, toolName, violationType)
	m.violations = append(m.violations, models.SecurityViolation{
		Type:      violationType,
		ToolName:  toolName,
		UserID:    userID,
		Detail:    detail,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	})
}

// IsToolAllowed checks the configured lists without recording anything.
func (m *ToolMonitor) IsToolAllowed(toolName string) bool {
	if slices.Contains(m.disallowedTools, toolName) {
		return false
	}
	if len(m.allowedTools) > 0 {
		return slices.Contains(m.allowedTools, toolName)
	}
	return true
}

// AllowedTools returns the configured allow-list.
func (m *ToolMonitor) AllowedTools() []string {
	return slices.Clone(m.allowedTools)
}

// DisallowedTools returns the configured deny-list.
func (m *ToolMonitor) DisallowedTools() []string {
	return slices.Clone(m.disallowedTools)
}

// GetToolStats aggregates the usage counters.
func (m *ToolMonitor) GetToolStats() models.ToolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := models.ToolStats{
		ByTool:             make(map[string]int, len(m.usage)),
		SecurityViolations: len(m.violations),
	}
	for tool, count := range m.usage {
		stats.ByTool[tool] = count
		stats.TotalCalls += count
	}
	stats.UniqueTools = len(m.usage)
	return stats
}

// GetSecurityViolations returns a copy of the violation log.
func (m *ToolMonitor) GetSecurityViolations() []models.SecurityViolation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.violations)
}

// GetUserToolUsage summarizes one user's violations: count plus distinct
// types in order of first occurrence.
func (m *ToolMonitor) GetUserToolUsage(userID int64) models.UserToolUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := models.UserToolUsage{UserID: userID, ViolationTypes: []string{}}
	seen := make(map[string]bool)
	for _, v := range m.violations {
		if v.UserID != userID {
			continue
		}
		usage.SecurityViolations++
		if !seen[v.Type] {
			seen[v.Type] = true
			usage.ViolationTypes = append(usage.ViolationTypes, v.Type)
		}
	}
	return usage
}

// ResetStats clears counters and the violation log. Operator action only.
func (m *ToolMonitor) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = make(map[string]int)
	m.violations = nil
}

func stringInput(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

func pathWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
