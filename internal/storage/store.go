// Package storage persists sessions and users in SQLite via GORM.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coderelay/coderelay/internal/models"
)

// SessionRecord is the sessions table. Sessions are soft-deleted: an
// expiry sweep or explicit end flips is_active, rows are never removed.
type SessionRecord struct {
	SessionID    string    `gorm:"primaryKey;column:session_id"`
	UserID       int64     `gorm:"index;column:user_id;not null"`
	ProjectPath  string    `gorm:"column:project_path;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	LastUsed     time.Time `gorm:"index;column:last_used"`
	TotalCost    float64   `gorm:"column:total_cost;default:0"`
	TotalTurns   int       `gorm:"column:total_turns;default:0"`
	MessageCount int       `gorm:"column:message_count;default:0"`
	ToolsUsed    string    `gorm:"column:tools_used"` // JSON array, order of first use
	IsActive     bool      `gorm:"index;column:is_active;default:true"`
}

func (SessionRecord) TableName() string { return "sessions" }

// UserRecord is the users table. Users are created on first session save
// and allowed by default.
type UserRecord struct {
	UserID    int64  `gorm:"primaryKey;column:user_id"`
	Username  string `gorm:"column:username"`
	IsAllowed bool   `gorm:"column:is_allowed;default:true"`
}

func (UserRecord) TableName() string { return "users" }

// Store wraps the GORM connection.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
// WAL mode is enabled so concurrent readers do not block writers.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=ON"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access raw database: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := db.AutoMigrate(&UserRecord{}, &SessionRecord{}); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureUser creates the user row if missing. An existing row keeps its
// original username.
func (s *Store) EnsureUser(userID int64, username string) error {
	record := UserRecord{UserID: userID, Username: username, IsAllowed: true}
	result := s.db.Where("user_id = ?", userID).FirstOrCreate(&record)
	return result.Error
}

// SaveSession upserts a session row, creating the owning user if needed.
func (s *Store) SaveSession(sess *models.Session, username string) error {
	if err := s.EnsureUser(sess.UserID, username); err != nil {
		return fmt.Errorf("ensure user %d: %w", sess.UserID, err)
	}
	record := SessionRecord{
		SessionID:    sess.SessionID,
		UserID:       sess.UserID,
		ProjectPath:  sess.ProjectPath,
		CreatedAt:    sess.CreatedAt,
		LastUsed:     sess.LastUsed,
		TotalCost:    sess.TotalCost,
		TotalTurns:   sess.TotalTurns,
		MessageCount: sess.MessageCount,
		ToolsUsed:    encodeTools(sess.ToolsUsed),
		IsActive:     true,
	}
	return s.db.Save(&record).Error
}

// LoadSession returns the active session with the given id, or nil when no
// such session exists. Inactive (soft-deleted) sessions are not found, so
// an expired id can never resurrect silently.
func (s *Store) LoadSession(sessionID string) (*models.Session, error) {
	var record SessionRecord
	err := s.db.Where("session_id = ? AND is_active = ?", sessionID, true).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record.toSession(), nil
}

// UserSessions returns the user's active sessions, most recently used
// first.
func (s *Store) UserSessions(userID int64) ([]*models.Session, error) {
	var records []SessionRecord
	err := s.db.
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("last_used DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toSessions(records), nil
}

// AllSessions returns every active session, most recently used first.
func (s *Store) AllSessions() ([]*models.Session, error) {
	var records []SessionRecord
	err := s.db.
		Where("is_active = ?", true).
		Order("last_used DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toSessions(records), nil
}

// DeactivateSession soft-deletes a session. Missing ids are a no-op.
func (s *Store) DeactivateSession(sessionID string) error {
	return s.db.Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Update("is_active", false).Error
}

// DeactivateExpired soft-deletes active sessions last used before the
// cutoff and returns how many were affected.
func (s *Store) DeactivateExpired(cutoff time.Time) (int64, error) {
	result := s.db.Model(&SessionRecord{}).
		Where("is_active = ? AND last_used < ?", true, cutoff).
		Update("is_active", false)
	return result.RowsAffected, result.Error
}

// UserSessionSummary aggregates a user's sessions, active and ended.
func (s *Store) UserSessionSummary(userID int64) (*models.UserSessionSummary, error) {
	summary := &models.UserSessionSummary{UserID: userID}
	row := s.db.Model(&SessionRecord{}).
		Select("COUNT(*), COALESCE(SUM(total_cost), 0)").
		Where("user_id = ?", userID).
		Row()
	if err := row.Scan(&summary.TotalSessions, &summary.TotalCost); err != nil {
		return nil, err
	}
	return summary, nil
}

func (r *SessionRecord) toSession() *models.Session {
	return &models.Session{
		SessionID:    r.SessionID,
		State:        models.SessionConfirmed,
		UserID:       r.UserID,
		ProjectPath:  r.ProjectPath,
		CreatedAt:    r.CreatedAt,
		LastUsed:     r.LastUsed,
		TotalCost:    r.TotalCost,
		TotalTurns:   r.TotalTurns,
		MessageCount: r.MessageCount,
		ToolsUsed:    decodeTools(r.ToolsUsed),
	}
}

func encodeTools(names []string) string {
	if len(names) == 0 {
		return "[]"
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeTools(raw string) []string {
	names := []string{}
	if raw == "" {
		return names
	}
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return []string{}
	}
	return names
}

func toSessions(records []SessionRecord) []*models.Session {
	sessions := make([]*models.Session, 0, len(records))
	for i := range records {
		sessions = append(sessions, records[i].toSession())
	}
	return sessions
}
