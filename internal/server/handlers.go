package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/to-real/agentbench/internal/auth"
)

func authUser(claims *auth.Claims) auth.User {
	return auth.User{
		ID:          claims.UserID,
		Username:    claims.Username,
		Role:        claims.Role,
		ProjectID:   claims.ProjectID,
		Permissions: claims.Permissions,
	}
}

type clientSummary struct {
	ID          string   `json:"id"`
	UserID      string   `json:"userId"`
	Username    string   `json:"username"`
	ConnectedAt int64    `json:"connectedAt"`
	LastPing    int64    `json:"lastPing"`
	IsActive    bool     `json:"isActive"`
	SessionIDs  []string `json:"sessionIds"`
}

// statusHandler reports the relay's live state as JSON.
func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	views := a.registry.Views()
	clients := make([]clientSummary, 0, len(views))
	for _, v := range views {
		clients = append(clients, clientSummary{
			ID:          v.ID.String(),
			UserID:      v.UserID,
			Username:    v.Username,
			ConnectedAt: v.ConnectedAt.UnixMilli(),
			LastPing:    v.LastPing.UnixMilli(),
			IsActive:    v.Alive,
			SessionIDs:  v.Sessions,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":              a.clock.Now().Sub(a.startedAt) / time.Second,
		"connectedClients":    a.registry.Count(),
		"activeSessions":      a.store.Count(),
		"messageQueueSize":    a.queue.Len(),
		"activeRefreshTokens": a.tokens.ActiveRefreshTokens(),
		"sessions":            a.store.List(),
		"clientList":          clients,
	})
}

// refreshHandler mints a fresh access token against a refresh token.
func (a *App) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	pair, err := a.tokens.Refresh(body.RefreshToken)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn / time.Millisecond,
		"tokenType":    pair.TokenType,
	})
}

// connectionTokenHandler exchanges a valid access token for a
// short-lived connection token scoped to the relay.
func (a *App) connectionTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := a.tokens.Verify(parts[1])
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := a.tokens.IssueConnectionToken(authUser(claims))
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// evaluateHandler runs the AI scoring flow. The scoring client's
// fallback rubric guarantees this always answers with a full rubric.
func (a *App) evaluateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		AgentName string   `json:"agentName"`
		TestCase  string   `json:"testCase"`
		Evidence  []string `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentName == "" || body.TestCase == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing required parameters"})
		return
	}

	rubric := a.scoring.Evaluate(r.Context(), body.AgentName, body.TestCase, body.Evidence)
	writeJSON(w, http.StatusOK, rubric)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
