package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Rubric is the fixed-shape scoring result: five capability groups of
// 1-5 integer scores plus free-text notes.
type Rubric struct {
	FirstTrySuccessRate      int    `json:"first_try_success_rate"`
	FirstTryCompletionRate   int    `json:"first_try_completion_rate"`
	FirstTryUsability        int    `json:"first_try_usability"`
	ProblemUnderstanding     int    `json:"problem_understanding"`
	PlanningAbility          int    `json:"planning_ability"`
	RequirementClarification int    `json:"requirement_clarification"`
	CommunicationClarity     int    `json:"communication_clarity"`
	FeedbackResponse         int    `json:"feedback_response"`
	CodeEfficiency           int    `json:"code_efficiency"`
	ResourceOptimization     int    `json:"resource_optimization"`
	CodeQuality              int    `json:"code_quality"`
	Maintainability          int    `json:"maintainability"`
	Scalability              int    `json:"scalability"`
	ErrorHandling            int    `json:"error_handling"`
	Documentation            int    `json:"documentation"`
	Notes                    string `json:"notes"`
}

// FallbackRubric is returned whenever the scoring service is
// unreachable or answers garbage: every score at the scale midpoint,
// with a note telling the evaluator to adjust by hand. Callers are
// never blocked by scoring-service unavailability.
func FallbackRubric() *Rubric {
	return &Rubric{
		FirstTrySuccessRate:      3,
		FirstTryCompletionRate:   3,
		FirstTryUsability:        3,
		ProblemUnderstanding:     3,
		PlanningAbility:          3,
		RequirementClarification: 3,
		CommunicationClarity:     3,
		FeedbackResponse:         3,
		CodeEfficiency:           3,
		ResourceOptimization:     3,
		CodeQuality:              3,
		Maintainability:          3,
		Scalability:              3,
		ErrorHandling:            3,
		Documentation:            3,
		Notes:                    "AI scoring service unavailable, default scores applied. Please adjust each score manually.",
	}
}

type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Client calls the GLM scoring collaborator over its chat-completions
// API.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(logger *slog.Logger, config Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger.With(slog.String("component", "scoring_client")),
	}
}

// Evaluate asks the scoring service for a rubric. It never returns an
// error: any failure yields the fallback rubric.
func (c *Client) Evaluate(ctx context.Context, agentName, testCase string, evidence []string) *Rubric {
	rubric, err := c.evaluate(ctx, agentName, testCase, evidence)
	if err != nil {
		c.logger.Warn("Scoring service failed, using fallback rubric", slog.Any("error", err))
		return FallbackRubric()
	}
	return rubric
}

func (c *Client) evaluate(ctx context.Context, agentName, testCase string, evidence []string) (*Rubric, error) {
	prompt := fmt.Sprintf(
		"Evaluate the coding agent %q on the test case below. Score every rubric field as an integer from 1 to 5 and reply with a single JSON object.\n\nTest case:\n%s\n\nEvidence:\n%s",
		agentName, testCase, strings.Join(evidence, "\n"),
	)
	body, err := json.Marshal(map[string]any{
		"model": c.config.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scoring service returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	content := gjson.GetBytes(raw, "choices.0.message.content").String()
	if content == "" {
		return nil, fmt.Errorf("scoring response missing content")
	}

	var rubric Rubric
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &rubric); err != nil {
		return nil, fmt.Errorf("scoring response is not a rubric: %w", err)
	}
	return &rubric, nil
}

// stripCodeFence unwraps ```json ... ``` blocks the model sometimes
// emits around the rubric.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
