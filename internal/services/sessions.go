package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/config"
	"github.com/coderelay/coderelay/internal/logger"
	"github.com/coderelay/coderelay/internal/models"
	"github.com/coderelay/coderelay/internal/storage"
)

// ErrSessionNotFound is returned when an explicitly requested session id
// cannot be loaded. A missing explicit id never silently creates a new
// session.
var ErrSessionNotFound = errors.New("session not found")

// SessionManager maps (user, working directory) pairs to continuable
// sessions and owns their persistence lifecycle.
type SessionManager struct {
	store    *storage.Store
	settings *config.Settings
}

// NewSessionManager creates a session manager over the given store.
func NewSessionManager(store *storage.Store, settings *config.Settings) *SessionManager {
	return &SessionManager{store: store, settings: settings}
}

// GetOrCreateSession resolves a session for one invocation.
//
// With an explicit id the session must exist, otherwise ErrSessionNotFound.
// Without one, the user's most recently used unexpired session for the
// working directory is reused; failing that a provisional session is
// created whose placeholder id will be replaced by the agent-assigned id
// after the first turn (see Confirm).
func (sm *SessionManager) GetOrCreateSession(userID int64, workingDir, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		sess, err := sm.store.LoadSession(sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		if sess == nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return sess, nil
	}

	if existing, err := sm.FindLatestSession(userID, workingDir); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	sess := &models.Session{
		SessionID:   "local-" + uuid.NewString(),
		State:       models.SessionProvisional,
		UserID:      userID,
		ProjectPath: workingDir,
		CreatedAt:   now,
		LastUsed:    now,
		ToolsUsed:   []string{},
	}
	logger.Debugf("created provisional session %s for user %d in %s", sess.SessionID, userID, workingDir)
	return sess, nil
}

// FindLatestSession returns the user's most recently used active session
// scoped to the working directory, or nil when none qualifies. Sessions
// are continuable only within the directory they were created in.
func (sm *SessionManager) FindLatestSession(userID int64, workingDir string) (*models.Session, error) {
	sessions, err := sm.store.UserSessions(userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for user %d: %w", userID, err)
	}
	for _, sess := range sessions {
		if sess.ProjectPath == workingDir && !sess.IsExpired(sm.settings.SessionTimeout()) {
			return sess, nil
		}
	}
	return nil, nil
}

// Confirm transitions a provisional session to a confirmed one carrying
// the agent-assigned id. A new value is returned; the provisional session
// is never mutated in place, so callers cannot observe a half-confirmed
// state. Confirmed sessions pass through unchanged.
func (sm *SessionManager) Confirm(sess *models.Session, agentSessionID string) *models.Session {
	if sess.State != models.SessionProvisional || agentSessionID == "" {
		return sess
	}
	confirmed := *sess
	confirmed.SessionID = agentSessionID
	confirmed.State = models.SessionConfirmed
	logger.Debugf("session %s confirmed as %s", sess.SessionID, agentSessionID)
	return &confirmed
}

// UpdateSession merges one turn's results into the session and persists
// it: added cost, one more turn and message, newly seen tools, and a
// refreshed last_used.
func (sm *SessionManager) UpdateSession(sess *models.Session, resp *models.Response, username string) error {
	sess.TotalCost += resp.Cost
	sess.TotalTurns += resp.NumTurns
	sess.MessageCount++
	sess.RecordTools(resp.ToolNames())
	sess.LastUsed = time.Now().UTC()
	return sm.store.SaveSession(sess, username)
}

// GetSessionInfo returns the API projection of a session, or
// ErrSessionNotFound.
func (sm *SessionManager) GetSessionInfo(sessionID string) (*models.SessionInfo, error) {
	sess, err := sm.store.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sm.toInfo(sess), nil
}

// GetUserSessions lists the user's active sessions, most recent first.
func (sm *SessionManager) GetUserSessions(userID int64) ([]*models.SessionInfo, error) {
	sessions, err := sm.store.UserSessions(userID)
	if err != nil {
		return nil, err
	}
	infos := make([]*models.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sm.toInfo(sess))
	}
	return infos, nil
}

// EndSession soft-deletes a session explicitly.
func (sm *SessionManager) EndSession(sessionID string) error {
	return sm.store.DeactivateSession(sessionID)
}

// CleanupExpiredSessions marks sessions inactive whose last use is older
// than the configured timeout and returns how many were affected. Rows
// are never removed, so stale ids stay resolvable as "not found for
// continuation" rather than reappearing.
func (sm *SessionManager) CleanupExpiredSessions() (int64, error) {
	cutoff := time.Now().UTC().Add(-sm.settings.SessionTimeout())
	count, err := sm.store.DeactivateExpired(cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	if count > 0 {
		logger.Infof("marked %d expired sessions inactive", count)
	}
	return count, nil
}

// UserSessionSummary aggregates session counts and cost for a user.
func (sm *SessionManager) UserSessionSummary(userID int64) (*models.UserSessionSummary, error) {
	return sm.store.UserSessionSummary(userID)
}

func (sm *SessionManager) toInfo(sess *models.Session) *models.SessionInfo {
	return &models.SessionInfo{
		SessionID:    sess.SessionID,
		ProjectPath:  sess.ProjectPath,
		CreatedAt:    sess.CreatedAt,
		LastUsed:     sess.LastUsed,
		TotalCost:    sess.TotalCost,
		TotalTurns:   sess.TotalTurns,
		MessageCount: sess.MessageCount,
		ToolsUsed:    sess.ToolsUsed,
		Expired:      sess.IsExpired(sm.settings.SessionTimeout()),
	}
}
