package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/config"
	"github.com/coderelay/coderelay/internal/models"
	"github.com/coderelay/coderelay/internal/services"
	"github.com/coderelay/coderelay/internal/storage"
)

type stubBackend struct {
	response *models.Response
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Execute(_ context.Context, _ *agent.ExecuteRequest) (*models.Response, error) {
	resp := *s.response
	return &resp, nil
}

func testApp(t *testing.T) (*fiber.App, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	settings := config.Default()
	backend := &stubBackend{response: &models.Response{
		Content:   "done",
		SessionID: "agent-sess-1",
		Cost:      0.02,
		NumTurns:  1,
	}}
	integration := services.NewIntegration(
		settings,
		backend,
		nil,
		services.NewSessionManager(store, settings),
		services.NewToolMonitor(settings),
	)

	agentHandler := NewAgentHandler(integration)
	sessionHandler := NewSessionHandler(integration)

	app := fiber.New()
	v1 := app.Group("/v1")
	v1.Post("/agent/run", agentHandler.RunCommand)
	v1.Post("/agent/continue", agentHandler.ContinueSession)
	v1.Get("/sessions/:id", sessionHandler.GetSession)
	v1.Post("/sessions/cleanup", sessionHandler.CleanupSessions)
	v1.Get("/users/:id/sessions", sessionHandler.GetUserSessions)
	v1.Get("/users/:id/summary", sessionHandler.GetUserSummary)
	v1.Get("/tools/stats", sessionHandler.GetToolStats)
	return app, store
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func getJSON(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func TestRunCommandEndpoint(t *testing.T) {
	app, _ := testApp(t)

	resp := postJSON(t, app, "/v1/agent/run", models.RunCommandRequest{
		Prompt:           "build it",
		WorkingDirectory: "/projects/demo",
		UserID:           100,
		Username:         "alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body models.Response
	decode(t, resp, &body)
	assert.Equal(t, "done", body.Content)
	assert.Equal(t, "agent-sess-1", body.SessionID)
}

func TestRunCommandEndpoint_Validation(t *testing.T) {
	app, _ := testApp(t)

	resp := postJSON(t, app, "/v1/agent/run", models.RunCommandRequest{
		Prompt: "no directory",
		UserID: 100,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req := httptest.NewRequest(http.MethodPost, "/v1/agent/run", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	raw, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestRunCommandEndpoint_UnknownSession(t *testing.T) {
	app, _ := testApp(t)

	resp := postJSON(t, app, "/v1/agent/run", models.RunCommandRequest{
		Prompt:           "hi",
		WorkingDirectory: "/projects/demo",
		UserID:           100,
		SessionID:        "ghost",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContinueEndpoint_NothingToContinue(t *testing.T) {
	app, _ := testApp(t)

	resp := postJSON(t, app, "/v1/agent/continue", models.ContinueSessionRequest{
		UserID:           100,
		WorkingDirectory: "/projects/demo",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContinueEndpoint_ResumesExisting(t *testing.T) {
	app, store := testApp(t)
	require.NoError(t, store.SaveSession(&models.Session{
		SessionID:   "agent-sess-1",
		State:       models.SessionConfirmed,
		UserID:      100,
		ProjectPath: "/projects/demo",
		CreatedAt:   time.Now().UTC(),
		LastUsed:    time.Now().UTC(),
	}, "alice"))

	resp := postJSON(t, app, "/v1/agent/continue", models.ContinueSessionRequest{
		UserID:           100,
		WorkingDirectory: "/projects/demo",
		Prompt:           "keep going",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body models.Response
	decode(t, resp, &body)
	assert.Equal(t, "agent-sess-1", body.SessionID)
}

func TestGetSessionEndpoint(t *testing.T) {
	app, store := testApp(t)
	require.NoError(t, store.SaveSession(&models.Session{
		SessionID:   "agent-sess-1",
		State:       models.SessionConfirmed,
		UserID:      100,
		ProjectPath: "/projects/demo",
		CreatedAt:   time.Now().UTC(),
		LastUsed:    time.Now().UTC(),
	}, "alice"))

	resp := getJSON(t, app, "/v1/sessions/agent-sess-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info models.SessionInfo
	decode(t, resp, &info)
	assert.Equal(t, "agent-sess-1", info.SessionID)
	assert.False(t, info.Expired)

	resp = getJSON(t, app, "/v1/sessions/no-such-session")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetUserSessionsEndpoint(t *testing.T) {
	app, store := testApp(t)
	now := time.Now().UTC()
	for _, id := range []string{"sess-1", "sess-2"} {
		require.NoError(t, store.SaveSession(&models.Session{
			SessionID:   id,
			State:       models.SessionConfirmed,
			UserID:      100,
			ProjectPath: "/projects/demo",
			CreatedAt:   now,
			LastUsed:    now,
		}, "alice"))
	}

	resp := getJSON(t, app, "/v1/users/100/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var infos []models.SessionInfo
	decode(t, resp, &infos)
	assert.Len(t, infos, 2)

	resp = getJSON(t, app, "/v1/users/not-a-number/sessions")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCleanupEndpoint(t *testing.T) {
	app, store := testApp(t)
	require.NoError(t, store.SaveSession(&models.Session{
		SessionID:   "stale",
		State:       models.SessionConfirmed,
		UserID:      100,
		ProjectPath: "/projects/demo",
		CreatedAt:   time.Now().UTC().Add(-48 * time.Hour),
		LastUsed:    time.Now().UTC().Add(-48 * time.Hour),
	}, "alice"))

	resp := postJSON(t, app, "/v1/sessions/cleanup", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body models.CleanupResponse
	decode(t, resp, &body)
	assert.Equal(t, int64(1), body.SessionsExpired)
}

func TestToolStatsEndpoint(t *testing.T) {
	app, _ := testApp(t)

	resp := getJSON(t, app, "/v1/tools/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats models.ToolStats
	decode(t, resp, &stats)
	assert.Equal(t, 0, stats.TotalCalls)
}

func TestUserSummaryEndpoint(t *testing.T) {
	app, _ := testApp(t)

	resp := getJSON(t, app, "/v1/users/100/summary")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary models.UserSummary
	decode(t, resp, &summary)
	assert.Equal(t, int64(100), summary.UserID)
	assert.Equal(t, 0, summary.TotalSessions)
}
