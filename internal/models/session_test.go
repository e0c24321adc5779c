package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionIsExpired(t *testing.T) {
	sess := &Session{LastUsed: time.Now().Add(-2 * time.Hour)}

	assert.True(t, sess.IsExpired(time.Hour))
	assert.False(t, sess.IsExpired(24*time.Hour))
}

func TestSessionRecordTools(t *testing.T) {
	sess := &Session{}

	sess.RecordTools([]string{"Read", "Bash", "Read"})
	assert.Equal(t, []string{"Read", "Bash"}, sess.ToolsUsed)

	sess.RecordTools([]string{"Write", "Bash"})
	assert.Equal(t, []string{"Read", "Bash", "Write"}, sess.ToolsUsed)

	sess.RecordTools(nil)
	assert.Equal(t, []string{"Read", "Bash", "Write"}, sess.ToolsUsed)
}

func TestResponseToolNames(t *testing.T) {
	resp := &Response{ToolsUsed: []ToolUse{
		{Name: "Read"}, {Name: "Bash"}, {Name: "Read"}, {Name: "Edit"},
	}}

	assert.Equal(t, []string{"Read", "Bash", "Edit"}, resp.ToolNames())
	assert.Empty(t, (&Response{}).ToolNames())
}
