package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/recommend"
	"github.com/ballot-guide/backend/pkg/config"
	"github.com/ballot-guide/backend/pkg/retry"
)

// fakeProvider answers chat completions with the content returned by reply,
// or with status when it is non-zero.
func fakeProvider(t *testing.T, status int, reply func(req openai.ChatCompletionRequest) string) (*Generator, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"upstream said no","type":"server_error"}}`))
			return
		}
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := openai.ChatCompletionResponse{
			Model: req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply(req)},
			}},
			Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	oc := openai.DefaultConfig("test-key")
	oc.BaseURL = srv.URL + "/v1"
	client := NewClientWithConfig(oc, config.LLMConfig{Model: "test-model", TimeoutSec: 5})
	client.retryConfig.InitialDelay = 1
	client.retryConfig.MaxDelay = 1
	return NewGenerator(client), &calls
}

var senate = ballot.Race{Office: "U.S. Senator", Candidates: []ballot.Candidate{
	{Name: "Alice Ortiz", Pros: []string{"water policy"}},
	{Name: "Ben Carter"},
	{Name: "Cal Dropped", Withdrawn: true},
}}

var profile = recommend.Profile{TopIssues: []string{"water", "schools"}, PoliticalSpectrum: "moderate"}

func TestRecommendRace_ParsesAndStripsMarkup(t *testing.T) {
	gen, _ := fakeProvider(t, 0, func(req openai.ChatCompletionRequest) string {
		assert.NotNil(t, req.ResponseFormat)
		assert.Contains(t, req.Messages[1].Content, "Alice Ortiz")
		assert.NotContains(t, req.Messages[1].Content, "Cal Dropped", "withdrawn candidates are not offered")
		return "```json\n" + `{"candidateName":"Alice Ortiz","confidence":"Good Match","reasoning":"<b>Strong</b> on water.","matchFactors":["water","<i></i>"]}` + "\n```"
	})

	rec, err := gen.RecommendRace(context.Background(), ballot.PartyDemocrat, senate, profile, recommend.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Alice Ortiz", rec.CandidateName)
	assert.Equal(t, ballot.ConfidenceGoodMatch, rec.Confidence)
	assert.Equal(t, "Strong on water.", rec.Reasoning)
	assert.Equal(t, []string{"water"}, rec.MatchFactors)
}

func TestRecommendRace_RejectsInactivePickAsItemFailure(t *testing.T) {
	gen, calls := fakeProvider(t, 0, func(openai.ChatCompletionRequest) string {
		return `{"candidateName":"Cal Dropped","confidence":"Good Match","reasoning":"x"}`
	})

	_, err := gen.RecommendRace(context.Background(), ballot.PartyDemocrat, senate, profile, recommend.Options{})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.False(t, errors.Is(err, recommend.ErrUnavailable))
	assert.EqualValues(t, 1, calls.Load(), "validation failures are not retried")
}

func TestRecommendRace_MalformedOutputIsItemFailure(t *testing.T) {
	gen, _ := fakeProvider(t, 0, func(openai.ChatCompletionRequest) string { return "I think Alice." })

	_, err := gen.RecommendRace(context.Background(), ballot.PartyDemocrat, senate, profile, recommend.Options{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, recommend.ErrUnavailable))
}

func TestComplete_ServerErrorsMeanUnavailable(t *testing.T) {
	gen, calls := fakeProvider(t, http.StatusServiceUnavailable, nil)

	_, err := gen.RecommendRace(context.Background(), ballot.PartyDemocrat, senate, profile, recommend.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, recommend.ErrUnavailable)
	assert.EqualValues(t, 3, calls.Load(), "5xx is retried")
}

func TestComplete_BadRequestIsItemFailure(t *testing.T) {
	gen, calls := fakeProvider(t, http.StatusBadRequest, nil)

	_, err := gen.RecommendProposition(context.Background(), ballot.PartyRepublican, ballot.Proposition{Number: 2}, profile, recommend.Options{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, recommend.ErrUnavailable))
	assert.EqualValues(t, 1, calls.Load())
}

func TestRecommendProposition_ModelOverride(t *testing.T) {
	var model string
	gen, _ := fakeProvider(t, 0, func(req openai.ChatCompletionRequest) string {
		model = req.Model
		return `{"stance":"Your Call","confidence":"Best Available","reasoning":"Mixed."}`
	})

	rec, err := gen.RecommendProposition(context.Background(), ballot.PartyRepublican,
		ballot.Proposition{Number: 5, Title: "Broadband"}, profile, recommend.Options{Model: "other-model"})
	require.NoError(t, err)
	assert.Equal(t, ballot.StanceYourCall, rec.Stance)
	assert.Equal(t, "other-model", model)
}

func TestSummarizeProfile_ToneAndLanguage(t *testing.T) {
	gen, _ := fakeProvider(t, 0, func(req openai.ChatCompletionRequest) string {
		assert.Contains(t, req.Messages[1].Content, toneInstructions[1])
		assert.Contains(t, req.Messages[1].Content, `"es"`)
		return `{"summary":"Te importa el agua."}`
	})

	s, err := gen.SummarizeProfile(context.Background(), profile, recommend.Options{Tone: 1, Lang: "es"})
	require.NoError(t, err)
	assert.Equal(t, "Te importa el agua.", s)
}

func TestStripMarkup(t *testing.T) {
	assert.Equal(t, "plain", stripMarkup("  plain "))
	assert.Equal(t, "a b", stripMarkup("<p>a</p><script>x()</script> <p>b</p>"))
	assert.Equal(t, "Q&A", stripMarkup("Q&amp;A"))
}
