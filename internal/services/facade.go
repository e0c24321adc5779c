package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/config"
	"github.com/coderelay/coderelay/internal/logger"
	"github.com/coderelay/coderelay/internal/models"
)

// Backend executes one agent invocation. The subprocess Runner is the
// always-available fallback; an in-process SDK backend may be configured
// as primary.
type Backend interface {
	Name() string
	Execute(ctx context.Context, req *agent.ExecuteRequest) (*models.Response, error)
}

// RunOptions carries the optional parts of a RunCommand call.
type RunOptions struct {
	SessionID string
	Username  string
	OnStream  agent.StreamCallback
}

// BlockedTool pairs a denied tool with the denial reason so callers can
// compose remediation messages.
type BlockedTool struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Integration is the single entry point callers use to drive the agent:
// it resolves sessions, routes execution between backends, gates tool
// calls through the monitor, and folds results back into session state.
type Integration struct {
	settings *config.Settings
	fallback Backend
	primary  Backend // nil when only the subprocess backend is configured
	sessions *SessionManager
	monitor  *ToolMonitor

	mu              sync.Mutex
	primaryFailures int
}

// NewIntegration wires the facade. primary may be nil.
func NewIntegration(settings *config.Settings, fallback Backend, primary Backend, sessions *SessionManager, monitor *ToolMonitor) *Integration {
	return &Integration{
		settings: settings,
		fallback: fallback,
		primary:  primary,
		sessions: sessions,
		monitor:  monitor,
	}
}

// RunCommand executes one prompt in the context of a resolved session and
// updates that session with the turn's results.
func (i *Integration) RunCommand(ctx context.Context, prompt, workingDir string, userID int64, opts *RunOptions) (*models.Response, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	sess, err := i.sessions.GetOrCreateSession(userID, workingDir, opts.SessionID)
	if err != nil {
		return nil, err
	}
	return i.runTurn(ctx, sess, prompt, workingDir, userID, opts)
}

// ContinueSession resumes the user's most recent session scoped to the
// working directory. It returns (nil, nil) when no such session exists:
// continuation is directory-scoped by design, never cross-project.
func (i *Integration) ContinueSession(ctx context.Context, userID int64, workingDir, prompt string, opts *RunOptions) (*models.Response, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	sess, err := i.sessions.FindLatestSession(userID, workingDir)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	return i.runTurn(ctx, sess, prompt, workingDir, userID, opts)
}

func (i *Integration) runTurn(ctx context.Context, sess *models.Session, prompt, workingDir string, userID int64, opts *RunOptions) (*models.Response, error) {
	req := &agent.ExecuteRequest{
		Prompt:           prompt,
		WorkingDirectory: workingDir,
	}
	if sess.State == models.SessionConfirmed {
		req.SessionID = sess.SessionID
		req.Continue = true
	}

	var blocked []BlockedTool
	req.OnStream = func(update models.StreamUpdate) error {
		if update.Type == models.UpdateTypeAssistant {
			for _, tc := range update.ToolCalls {
				allowed, reason := i.monitor.ValidateToolCall(tc.Name, tc.Input, workingDir, userID)
				if !allowed {
					blocked = append(blocked, BlockedTool{Name: tc.Name, Reason: reason})
				}
			}
		}
		if opts.OnStream != nil {
			return opts.OnStream(update)
		}
		return nil
	}

	resp, err := i.executeWithFallback(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(blocked) > 0 {
		resp.Content = i.ToolDenialMessage(blocked) + "\n\n" + resp.Content
	}

	if !resp.IsError {
		sess = i.sessions.Confirm(sess, resp.SessionID)
		if err := i.sessions.UpdateSession(sess, resp, opts.Username); err != nil {
			logger.Errorf("update session %s: %v", sess.SessionID, err)
		}
	}
	if resp.SessionID == "" {
		resp.SessionID = sess.SessionID
	}
	return resp, nil
}

// executeWithFallback routes to the primary backend until its consecutive
// failure count trips the configured threshold, then directly to the
// subprocess fallback. A success through either path resets the counter.
func (i *Integration) executeWithFallback(ctx context.Context, req *agent.ExecuteRequest) (*models.Response, error) {
	if i.primary != nil && !i.primaryTripped() {
		resp, err := i.primary.Execute(ctx, req)
		if err == nil {
			i.resetPrimaryFailures()
			return resp, nil
		}
		count := i.recordPrimaryFailure()
		logger.Warnf("%s backend failed (%d consecutive), falling back to %s: %v",
			i.primary.Name(), count, i.fallback.Name(), err)
	}

	resp, err := i.fallback.Execute(ctx, req)
	if err == nil {
		i.resetPrimaryFailures()
	}
	return resp, err
}

func (i *Integration) primaryTripped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.primaryFailures >= i.settings.PrimaryFailureThreshold
}

func (i *Integration) recordPrimaryFailure() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.primaryFailures++
	return i.primaryFailures
}

func (i *Integration) resetPrimaryFailures() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.primaryFailures = 0
}

// ResetPrimaryBackend clears the failure counter so the next call retries
// the primary backend. Operator action.
func (i *Integration) ResetPrimaryBackend() {
	i.resetPrimaryFailures()
	logger.Infof("primary backend failure counter reset")
}

// PrimaryFailures returns the current consecutive failure count.
func (i *Integration) PrimaryFailures() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.primaryFailures
}

// ToolDenialMessage composes an operator-facing notice for denied tool
// calls: the offending tools, the configured lists, and how to change
// them.
func (i *Integration) ToolDenialMessage(blocked []BlockedTool) string {
	var b strings.Builder
	b.WriteString("Tool Access Blocked\n")
	for _, bt := range blocked {
		fmt.Fprintf(&b, "- %s: %s\n", bt.Name, bt.Reason)
	}
	if len(i.monitor.AllowedTools()) > 0 {
		fmt.Fprintf(&b, "Allowed tools: %s\n", strings.Join(i.monitor.AllowedTools(), ", "))
	}
	if len(i.monitor.DisallowedTools()) > 0 {
		fmt.Fprintf(&b, "Disallowed tools: %s\n", strings.Join(i.monitor.DisallowedTools(), ", "))
	}
	b.WriteString("Operators can adjust the allow-list via RELAY_ALLOWED_TOOLS.")
	return b.String()
}

// GetSessionInfo returns details for one session.
func (i *Integration) GetSessionInfo(sessionID string) (*models.SessionInfo, error) {
	return i.sessions.GetSessionInfo(sessionID)
}

// GetUserSessions lists a user's active sessions.
func (i *Integration) GetUserSessions(userID int64) ([]*models.SessionInfo, error) {
	return i.sessions.GetUserSessions(userID)
}

// CleanupExpiredSessions runs one expiry sweep.
func (i *Integration) CleanupExpiredSessions() (int64, error) {
	return i.sessions.CleanupExpiredSessions()
}

// GetToolStats returns aggregated tool usage counters.
func (i *Integration) GetToolStats() models.ToolStats {
	return i.monitor.GetToolStats()
}

// GetUserSummary merges a user's session aggregates with their security
// record.
func (i *Integration) GetUserSummary(userID int64) (*models.UserSummary, error) {
	sessions, err := i.sessions.UserSessionSummary(userID)
	if err != nil {
		return nil, err
	}
	usage := i.monitor.GetUserToolUsage(userID)
	return &models.UserSummary{
		UserID:             userID,
		TotalSessions:      sessions.TotalSessions,
		TotalCost:          sessions.TotalCost,
		SecurityViolations: usage.SecurityViolations,
		ViolationTypes:     usage.ViolationTypes,
	}, nil
}

// Shutdown kills in-flight agent processes and runs a final expiry sweep.
// Both steps are best-effort.
func (i *Integration) Shutdown(ctx context.Context) {
	logger.Infof("shutting down agent integration")
	if runner, ok := i.fallback.(*agent.Runner); ok {
		runner.KillAll(ctx)
	}
	if _, err := i.sessions.CleanupExpiredSessions(); err != nil {
		logger.Warnf("expiry sweep during shutdown: %v", err)
	}
}
