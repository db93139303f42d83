package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testClock = fixedClock{time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

func testFallback() map[string]any {
	return BuildFallbackProposal(ProposalInput{
		UserText: "set lights to combat",
		Mode:     "game",
	}, testClock)
}

func newClientWithGenerator(t *testing.T, gen Generator) *Client {
	t.Helper()
	c, err := NewClient(Options{Generator: gen})
	require.NoError(t, err)
	c.SetClock(testClock)
	return c
}

func TestStubModeReturnsFallback(t *testing.T) {
	c, err := NewClient(Options{Mode: ModeStub})
	require.NoError(t, err)
	c.SetClock(testClock)

	proposal, meta := c.GenerateIntentProposal(context.Background(), "prompt", testFallback())
	assert.Equal(t, ValidationOK, meta.Validation)
	assert.Equal(t, "stub_local", meta.Provider)
	assert.Equal(t, ParseFull, meta.ParseMode)
	require.NoError(t, contracts.ValidateIntent(proposal))
	actions := proposal["proposed_actions"].([]any)
	require.Len(t, actions, 1)
	first := actions[0].(map[string]any)
	assert.Equal(t, "set_lights", first["tool_name"])
}

func TestGeneratorOutputValidated(t *testing.T) {
	raw, err := json.Marshal(testFallback())
	require.NoError(t, err)
	c := newClientWithGenerator(t, func(ctx context.Context, prompt string) (string, error) {
		return "Here you go:\n" + string(raw) + "\nHope that helps!", nil
	})
	proposal, meta := c.GenerateIntentProposal(context.Background(), "prompt", testFallback())
	assert.Equal(t, ValidationOK, meta.Validation)
	assert.Equal(t, ParseExtracted, meta.ParseMode)
	require.NoError(t, contracts.ValidateIntent(proposal))
}

func TestGarbageCollapsesToSafeFallback(t *testing.T) {
	c := newClientWithGenerator(t, func(ctx context.Context, prompt string) (string, error) {
		return "I'd rather talk about the weather.", nil
	})
	proposal, meta := c.GenerateIntentProposal(context.Background(), "prompt", testFallback())
	assert.Equal(t, ValidationSafeFallback, meta.Validation)
	require.NoError(t, contracts.ValidateIntent(proposal))
	assert.Equal(t, false, proposal["needs_tools"])
	assert.Equal(t, true, proposal["needs_clarification"])
	assert.Empty(t, proposal["proposed_actions"])
	retrieval := proposal["retrieval"].(map[string]any)
	assert.Equal(t, "invalid_json", retrieval["llm_validation_error"])
}

func TestOffContractProposalCollapses(t *testing.T) {
	bad := testFallback()
	bad["mode"] = "vacation"
	raw, err := json.Marshal(bad)
	require.NoError(t, err)
	c := newClientWithGenerator(t, func(ctx context.Context, prompt string) (string, error) {
		return string(raw), nil
	})
	proposal, meta := c.GenerateIntentProposal(context.Background(), "prompt", testFallback())
	assert.Equal(t, ValidationSafeFallback, meta.Validation)
	require.NoError(t, contracts.ValidateIntent(proposal))
	retrieval := proposal["retrieval"].(map[string]any)
	assert.Contains(t, retrieval["llm_validation_error"], "schema_validation_error")
}

func TestExtraKeysRejectedByContract(t *testing.T) {
	bad := testFallback()
	bad["bonus_field"] = "surprise"
	raw, err := json.Marshal(bad)
	require.NoError(t, err)
	c := newClientWithGenerator(t, func(ctx context.Context, prompt string) (string, error) {
		return string(raw), nil
	})
	_, meta := c.GenerateIntentProposal(context.Background(), "prompt", testFallback())
	assert.Equal(t, ValidationSafeFallback, meta.Validation)
}

func TestGeneratorErrorFailsSafe(t *testing.T) {
	c := newClientWithGenerator(t, func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("connection refused")
	})
	proposal, meta := c.GenerateIntentProposal(context.Background(), "prompt", testFallback())
	assert.Equal(t, ValidationSafeFallback, meta.Validation)
	assert.Equal(t, "fail_safe", meta.Provider)
	require.NoError(t, contracts.ValidateIntent(proposal))
	retrieval := proposal["retrieval"].(map[string]any)
	assert.Contains(t, retrieval["llm_validation_error"], "llm_request_error")
}

func TestPhi3EnvelopeUnwrapped(t *testing.T) {
	inner, err := json.Marshal(testFallback())
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, "json", body["format"])
		_ = json.NewEncoder(w).Encode(map[string]any{"response": string(inner)})
	}))
	defer srv.Close()

	c, err := NewClient(Options{Mode: ModePhi3, URL: srv.URL, Model: "phi3:mini"})
	require.NoError(t, err)
	c.SetClock(testClock)

	proposal, meta := c.GenerateIntentProposal(context.Background(), "prompt", testFallback())
	assert.Equal(t, ValidationOK, meta.Validation)
	assert.Equal(t, "phi3_local", meta.Provider)
	require.NoError(t, contracts.ValidateIntent(proposal))
}

func TestPhi3HTTPErrorFailsSafe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(Options{Mode: ModePhi3, URL: srv.URL, Model: "phi3:mini"})
	require.NoError(t, err)
	c.SetClock(testClock)

	proposal, meta := c.GenerateIntentProposal(context.Background(), "prompt", testFallback())
	assert.Equal(t, ValidationSafeFallback, meta.Validation)
	assert.Equal(t, "fail_safe", meta.Provider)
	require.NoError(t, contracts.ValidateIntent(proposal))
}

func TestBuildFallbackProposalAlwaysValidates(t *testing.T) {
	cases := []ProposalInput{
		{},
		{UserText: "set lights to combat", Mode: "game"},
		{UserText: "pause music", Mode: "work", Domain: "music"},
		{UserText: "press g", Mode: "game", Urgency: "high"},
		{UserText: "tell me about thargoids"},
		{UserText: "what is my cpu temperature", Mode: "not-a-mode", Domain: "not-a-domain", Urgency: "asap"},
	}
	for _, in := range cases {
		proposal := BuildFallbackProposal(in, testClock)
		assert.NoError(t, contracts.ValidateIntent(proposal), "input %+v", in)
	}
}

func TestProposeActionsHeuristics(t *testing.T) {
	actions := ProposeActions("set the lights to combat mode")
	require.Len(t, actions, 1)
	assert.Equal(t, "set_lights", actions[0]["tool_name"])
	assert.Equal(t, "combat", actions[0]["parameters"].(map[string]any)["scene"])

	actions = ProposeActions("pause music please")
	require.Len(t, actions, 1)
	assert.Equal(t, "music_pause", actions[0]["tool_name"])

	actions = ProposeActions("press g to deploy gear")
	require.Len(t, actions, 1)
	assert.Equal(t, "keypress", actions[0]["tool_name"])
	assert.Equal(t, true, actions[0]["requires_confirmation"])
	assert.Equal(t, "high_risk", actions[0]["safety_level"])

	assert.Empty(t, ProposeActions("tell me a story"))
}

func TestInferDomainAndUrgency(t *testing.T) {
	assert.Equal(t, "lore", InferDomain("tell me about the thargoid war"))
	assert.Equal(t, "music", InferDomain("what song is this"))
	assert.Equal(t, "system", InferDomain("check cpu temperature"))
	assert.Equal(t, "general", InferDomain("hello there"))
	assert.Equal(t, "high", InferUrgency("do it immediately"))
	assert.Equal(t, "normal", InferUrgency("whenever you get a chance"))
}
