package quality

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkstone-app/inkstone/internal/generation"
	"github.com/inkstone-app/inkstone/internal/model"
)

// stubClient replies with a fixed text or error and records the request.
type stubClient struct {
	text     string
	err      error
	calls    int
	messages []generation.Message
	opts     generation.Options
}

func (s *stubClient) Complete(_ context.Context, messages []generation.Message, opts generation.Options) (generation.Result, error) {
	s.calls++
	s.messages = messages
	s.opts = opts
	if s.err != nil {
		return generation.Result{}, s.err
	}
	return generation.Result{Text: s.text, TokensUsed: 42}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sceneContent() *model.Content {
	return &model.Content{
		ID:    uuid.New(),
		Type:  model.ContentScene,
		Title: "The Ferry at Dusk",
		Detail: model.SceneDetail{
			Setting: "a river ferry in late autumn",
			Body:    "The ferryman counted coins without looking up.",
		},
	}
}

func TestAssessParsesWeightedScores(t *testing.T) {
	client := &stubClient{text: "immersion: 80\ndialogue: 60\nfocus: 90\nreasoning: strong sense of place, dialogue a little flat"}
	gate := NewGate(client, "assess-model", quietLogger())

	a := gate.Assess(context.Background(), sceneContent())

	// 80*0.35 + 60*0.30 + 90*0.35 over a total weight of 1.0.
	assert.InDelta(t, 77.5, a.OverallScore, 0.001)
	assert.Equal(t, model.RecommendSave, a.Recommendation)
	assert.False(t, a.Degraded)
	assert.Equal(t, "strong sense of place, dialogue a little flat", a.Reasoning)
	require.Len(t, a.Criteria, 3)

	assert.Equal(t, 1, client.calls)
	assert.Equal(t, "assess-model", client.opts.Model)
}

func TestAssessMissingCriterionFallsBackToNeutral(t *testing.T) {
	client := &stubClient{text: "immersion: 100\ndialogue: 100"}
	gate := NewGate(client, "m", quietLogger())

	a := gate.Assess(context.Background(), sceneContent())

	// focus was not scored: 100*0.35 + 100*0.30 + 50*0.35.
	assert.InDelta(t, 82.5, a.OverallScore, 0.001)
	var focus model.CriterionScore
	for _, cs := range a.Criteria {
		if cs.Name == "focus" {
			focus = cs
		}
	}
	assert.Equal(t, 50, focus.Score)
	assert.Equal(t, "not scored by collaborator", focus.Details)
}

func TestAssessDegradesOnClientError(t *testing.T) {
	client := &stubClient{err: errors.New("connection refused")}
	gate := NewGate(client, "m", quietLogger())

	a := gate.Assess(context.Background(), sceneContent())

	assert.True(t, a.Degraded)
	assert.Equal(t, float64(50), a.OverallScore)
	assert.Equal(t, model.RecommendReview, a.Recommendation)
	assert.Contains(t, a.Reasoning, "connection refused")
	assert.Equal(t, 1, client.calls)
}

func TestAssessUnparseableReplyScoresNeutral(t *testing.T) {
	client := &stubClient{text: "I would rate this scene quite highly overall."}
	gate := NewGate(client, "m", quietLogger())

	a := gate.Assess(context.Background(), sceneContent())

	// Every criterion falls back, so the weighted average is exactly neutral.
	assert.Equal(t, float64(50), a.OverallScore)
	assert.Equal(t, model.RecommendReview, a.Recommendation)
	assert.False(t, a.Degraded)
}

func TestAssessUnknownTypeUsesGenericCriteria(t *testing.T) {
	client := &stubClient{text: "craft: 40\ncoherence: 40"}
	gate := NewGate(client, "m", quietLogger())

	c := sceneContent()
	c.Type = model.ContentType("poem")
	a := gate.Assess(context.Background(), c)

	assert.Equal(t, float64(40), a.OverallScore)
	assert.Equal(t, model.RecommendDiscard, a.Recommendation)
}

func TestParseScores(t *testing.T) {
	scores, reasoning := parseScores("- Prose: 85/100\npacing: 120\nvoice: -3\nnot a score line\nhook: ninety\nreasoning: uneven middle")

	assert.Equal(t, map[string]int{"prose": 85, "pacing": 100, "voice": 0}, scores)
	assert.Equal(t, "uneven middle", reasoning)
}

func TestRecommendationBands(t *testing.T) {
	assert.Equal(t, model.RecommendSave, model.RecommendationFor(70))
	assert.Equal(t, model.RecommendReview, model.RecommendationFor(69.9))
	assert.Equal(t, model.RecommendReview, model.RecommendationFor(50))
	assert.Equal(t, model.RecommendDiscard, model.RecommendationFor(49.9))
}
