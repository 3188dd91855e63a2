package scoring_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/to-real/agentbench/internal/scoring"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestClient(endpoint string) *scoring.Client {
	return scoring.NewClient(newTestLogger(), scoring.Config{
		Endpoint: endpoint,
		APIKey:   "test-key",
		Model:    "glm-4",
		Timeout:  2 * time.Second,
	})
}

func completionResponse(content string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return raw
}

const rubricJSON = `{
	"first_try_success_rate": 4,
	"first_try_completion_rate": 5,
	"first_try_usability": 4,
	"problem_understanding": 5,
	"planning_ability": 4,
	"requirement_clarification": 3,
	"communication_clarity": 4,
	"feedback_response": 4,
	"code_efficiency": 3,
	"resource_optimization": 3,
	"code_quality": 4,
	"maintainability": 4,
	"scalability": 3,
	"error_handling": 2,
	"documentation": 3,
	"notes": "Solid run with weak error handling."
}`

func TestEvaluateParsesRubric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write(completionResponse(rubricJSON))
	}))
	defer srv.Close()

	rubric := newTestClient(srv.URL).Evaluate(context.Background(), "agentX", "login flow", []string{"step 1 ok"})
	require.NotNil(t, rubric)
	assert.Equal(t, 4, rubric.FirstTrySuccessRate)
	assert.Equal(t, 2, rubric.ErrorHandling)
	assert.Equal(t, "Solid run with weak error handling.", rubric.Notes)
}

func TestEvaluateStripsCodeFence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionResponse("```json\n" + rubricJSON + "\n```"))
	}))
	defer srv.Close()

	rubric := newTestClient(srv.URL).Evaluate(context.Background(), "agentX", "login flow", nil)
	assert.Equal(t, 5, rubric.ProblemUnderstanding)
}

func TestEvaluateFallsBackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	rubric := newTestClient(srv.URL).Evaluate(context.Background(), "agentX", "login flow", nil)
	assert.Equal(t, scoring.FallbackRubric(), rubric)
}

func TestEvaluateFallsBackOnGarbageContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionResponse("I cannot score this."))
	}))
	defer srv.Close()

	rubric := newTestClient(srv.URL).Evaluate(context.Background(), "agentX", "login flow", nil)
	assert.Equal(t, scoring.FallbackRubric(), rubric)
}

func TestEvaluateFallsBackWhenUnreachable(t *testing.T) {
	rubric := newTestClient("http://127.0.0.1:1").Evaluate(context.Background(), "agentX", "login flow", nil)
	require.NotNil(t, rubric)
	assert.Equal(t, 3, rubric.CodeQuality)
	assert.Contains(t, rubric.Notes, "default scores applied")
}

func TestFallbackRubricShape(t *testing.T) {
	raw, err := json.Marshal(scoring.FallbackRubric())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Len(t, fields, 16)
	for name, value := range fields {
		if name == "notes" {
			continue
		}
		assert.Equal(t, float64(3), value, name)
	}
}
