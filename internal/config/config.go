package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults mirror the agent CLI's practical limits.
const (
	DefaultMaxTurns            = 10
	DefaultTimeoutSeconds      = 300
	DefaultStreamChunkSize     = 64 * 1024
	DefaultMaxBufferedMessages = 1000
	DefaultSessionTimeoutHours = 24
	DefaultFailureThreshold    = 3
)

// Settings holds the full runtime configuration for the agent core.
type Settings struct {
	// Agent process invocation
	AgentBinary     string   `yaml:"agent_binary"`
	MaxTurns        int      `yaml:"max_turns"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	AllowedTools    []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`

	// Stream consumption bounds
	StreamChunkSize     int `yaml:"stream_chunk_size"`
	MaxBufferedMessages int `yaml:"max_buffered_messages"`

	// Security
	ApprovedDirectory string `yaml:"approved_directory"`

	// Sessions
	SessionTimeoutHours int    `yaml:"session_timeout_hours"`
	DatabasePath        string `yaml:"database_path"`

	// Backend routing
	PrimaryFailureThreshold int `yaml:"primary_failure_threshold"`

	// HTTP surface
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Timeout returns the per-invocation timeout as a duration.
func (s *Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// SessionTimeout returns the session expiry window as a duration.
func (s *Settings) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutHours) * time.Hour
}

// Default returns settings with all defaults applied.
func Default() *Settings {
	return &Settings{
		AgentBinary:             "claude",
		MaxTurns:                DefaultMaxTurns,
		TimeoutSeconds:          DefaultTimeoutSeconds,
		StreamChunkSize:         DefaultStreamChunkSize,
		MaxBufferedMessages:     DefaultMaxBufferedMessages,
		SessionTimeoutHours:     DefaultSessionTimeoutHours,
		PrimaryFailureThreshold: DefaultFailureThreshold,
		Host:                    "127.0.0.1",
		Port:                    8585,
	}
}

// Load builds settings from an optional YAML file plus environment
// overrides. Environment variables win over file values.
func Load(path string) (*Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(s)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func applyEnv(s *Settings) {
	if v := os.Getenv("RELAY_AGENT_BINARY"); v != "" {
		s.AgentBinary = v
	}
	if v := os.Getenv("RELAY_APPROVED_DIRECTORY"); v != "" {
		s.ApprovedDirectory = v
	}
	if v := os.Getenv("RELAY_ALLOWED_TOOLS"); v != "" {
		s.AllowedTools = splitList(v)
	}
	if v := os.Getenv("RELAY_DISALLOWED_TOOLS"); v != "" {
		s.DisallowedTools = splitList(v)
	}
	if v, ok := envInt("RELAY_MAX_TURNS"); ok {
		s.MaxTurns = v
	}
	if v, ok := envInt("RELAY_TIMEOUT_SECONDS"); ok {
		s.TimeoutSeconds = v
	}
	if v, ok := envInt("RELAY_SESSION_TIMEOUT_HOURS"); ok {
		s.SessionTimeoutHours = v
	}
	if v, ok := envInt("RELAY_PRIMARY_FAILURE_THRESHOLD"); ok {
		s.PrimaryFailureThreshold = v
	}
	if v := os.Getenv("RELAY_DATABASE_PATH"); v != "" {
		s.DatabasePath = v
	}
	if v := os.Getenv("RELAY_HOST"); v != "" {
		s.Host = v
	}
	if v, ok := envInt("RELAY_PORT"); ok {
		s.Port = v
	}
}

// Validate checks settings that would otherwise fail deep inside a call.
func (s *Settings) Validate() error {
	if s.AgentBinary == "" {
		return fmt.Errorf("agent_binary must not be empty")
	}
	if s.ApprovedDirectory != "" {
		if !filepath.IsAbs(s.ApprovedDirectory) {
			return fmt.Errorf("approved_directory must be absolute, got %q", s.ApprovedDirectory)
		}
	}
	if s.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be positive, got %d", s.MaxTurns)
	}
	if s.StreamChunkSize <= 0 {
		return fmt.Errorf("stream_chunk_size must be positive, got %d", s.StreamChunkSize)
	}
	if s.MaxBufferedMessages <= 0 {
		return fmt.Errorf("max_buffered_messages must be positive, got %d", s.MaxBufferedMessages)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
