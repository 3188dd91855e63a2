package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/to-real/agentbench/internal/auth"
	"github.com/to-real/agentbench/pkg/config"
	"github.com/to-real/agentbench/pkg/protocol"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address: ":0",
			Auth: config.AuthConfig{
				JWTSecret:          "test-secret",
				Issuer:             "agentbench",
				Audience:           "agentbench-relay",
				AccessTokenTTL:     15 * time.Minute,
				RefreshTokenTTL:    time.Hour,
				ConnectionTokenTTL: time.Minute,
			},
		},
		Transport: config.TransportConfig{ReadTimeout: 30 * time.Second},
		Relay: config.RelayConfig{
			HeartbeatInterval:    30 * time.Second,
			MessageTimeout:       10 * time.Second,
			MaxRetries:           3,
			QueueProcessInterval: 100 * time.Millisecond,
			MaxQueueSize:         100,
			SessionTimeout:       time.Hour,
			SessionGracePeriod:   5 * time.Second,
			MaxSessionEvents:     100,
			CleanupInterval:      time.Minute,
		},
		Scoring: config.ScoringConfig{
			Endpoint: "http://127.0.0.1:1", // unreachable, exercises the fallback
			Model:    "glm-4",
			Timeout:  time.Second,
		},
		LogLevel: "error",
	}
}

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	app := NewApp(newTestLogger(), context.Background(), testConfig())
	srv := httptest.NewServer(app.http.Handler)
	t.Cleanup(srv.Close)
	return app, srv
}

func wsURL(srv *httptest.Server, token string) string {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func testUser() auth.User {
	return auth.User{
		ID:          "user-1",
		Username:    "evaluator",
		Role:        auth.RoleEvaluator,
		ProjectID:   "project-1",
		Permissions: auth.RolePermissions(auth.RoleEvaluator),
	}
}

func dialExpectingRejection(t *testing.T, url string) (websocket.StatusCode, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err, "the upgrade itself must succeed so the close code reaches the client")
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	var closeErr websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	return closeErr.Code, closeErr.Reason
}

func TestConnectWithoutTokenRejected(t *testing.T) {
	app, srv := newTestApp(t)

	code, reason := dialExpectingRejection(t, wsURL(srv, ""))
	assert.Equal(t, websocket.StatusPolicyViolation, code)
	assert.Equal(t, "Missing authentication token", reason)
	assert.Equal(t, 0, app.registry.Count(), "rejected attempts must leave no registry record")
}

func TestConnectWithGarbageTokenRejected(t *testing.T) {
	app, srv := newTestApp(t)

	code, reason := dialExpectingRejection(t, wsURL(srv, "not-a-token"))
	assert.Equal(t, websocket.StatusPolicyViolation, code)
	assert.Equal(t, "Authentication failed", reason)
	assert.Equal(t, 0, app.registry.Count())
}

func TestConnectWithAccessTokenRejected(t *testing.T) {
	// A plain access token lacks the connection scope and must not open
	// a relay connection.
	app, srv := newTestApp(t)
	pair, err := app.tokens.Issue(testUser())
	require.NoError(t, err)

	code, reason := dialExpectingRejection(t, wsURL(srv, pair.AccessToken))
	assert.Equal(t, websocket.StatusPolicyViolation, code)
	assert.Equal(t, "Authentication failed", reason)
	assert.Equal(t, 0, app.registry.Count())
}

func TestConnectWithConnectionToken(t *testing.T) {
	app, srv := newTestApp(t)
	token, err := app.tokens.IssueConnectionToken(testUser())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, token), nil)
	require.NoError(t, err)

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeSystemMessage, msg.Type)
	assert.Equal(t, "connection_established", gjson.GetBytes(msg.Data, "type").String())
	assert.NotEmpty(t, gjson.GetBytes(msg.Data, "clientId").String())
	assert.Equal(t, 1, app.registry.Count())

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		return app.registry.Count() == 0
	}, 3*time.Second, 20*time.Millisecond, "closing the socket must evict the registry record")
}

func TestBearerHeaderAuthenticates(t *testing.T) {
	app, srv := newTestApp(t)
	token, err := app.tokens.IssueConnectionToken(testUser())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, ""), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "connection_established", gjson.GetBytes(msg.Data, "type").String())
}

func TestStatusEndpoint(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	status := gjson.ParseBytes(raw)
	assert.True(t, status.Get("connectedClients").Exists())
	assert.Equal(t, int64(0), status.Get("activeSessions").Int())
	assert.True(t, status.Get("clientList").IsArray())
}

func TestTokenRefreshEndpoint(t *testing.T) {
	app, srv := newTestApp(t)
	pair, err := app.tokens.Issue(testUser())
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"refreshToken": pair.RefreshToken})
	resp, err := http.Post(srv.URL+"/api/token/refresh", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, _ := io.ReadAll(resp.Body)
	accessToken := gjson.GetBytes(raw, "accessToken").String()
	require.NotEmpty(t, accessToken)
	_, err = app.tokens.Verify(accessToken)
	assert.NoError(t, err)
}

func TestTokenRefreshRejectsUnknownToken(t *testing.T) {
	_, srv := newTestApp(t)

	body, _ := json.Marshal(map[string]string{"refreshToken": "bogus"})
	resp, err := http.Post(srv.URL+"/api/token/refresh", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectionTokenEndpoint(t *testing.T) {
	app, srv := newTestApp(t)
	pair, err := app.tokens.Issue(testUser())
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/ws-token", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, _ := io.ReadAll(resp.Body)
	token := gjson.GetBytes(raw, "token").String()
	require.NotEmpty(t, token)
	claims, err := app.tokens.VerifyConnectionToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestEvaluateEndpointMissingParams(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Post(srv.URL+"/api/ai-evaluate", "application/json", strings.NewReader(`{"agentName":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Missing required parameters", gjson.GetBytes(raw, "error").String())
}

func TestEvaluateEndpointFallsBackWhenScoringDown(t *testing.T) {
	_, srv := newTestApp(t)

	body := `{"agentName":"agentX","testCase":"login flow","evidence":["step 1"]}`
	resp, err := http.Post(srv.URL+"/api/ai-evaluate", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, int64(3), gjson.GetBytes(raw, "code_quality").Int())
	assert.Contains(t, gjson.GetBytes(raw, "notes").String(), "default scores applied")
}
