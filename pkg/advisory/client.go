// Package advisory talks to the external LLM planner and turns its
// output into a validated intent proposal. The pipeline never lets a
// malformed or off-contract proposal through: any failure collapses to
// a clarification-only fallback that itself validates.
package advisory

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
	"github.com/watchkeeper-labs/brainstem/pkg/policy"
)

//go:embed intent_proposal.json
var contractSchemaJSON []byte

const contractSchemaURL = "https://watchkeeper.local/contracts/v1/intent_proposal.json"

// Planner modes.
const (
	ModeStub     = "stub"
	ModeDisabled = "disabled"
	ModePhi3     = "phi3"
)

// DefaultTimeout bounds one planner round trip.
const DefaultTimeout = 8 * time.Second

// Validation outcomes reported in Meta.
const (
	ValidationOK           = "ok"
	ValidationSafeFallback = "safe_fallback"
)

// Generator produces raw planner text. Tests inject one to bypass HTTP.
type Generator func(ctx context.Context, prompt string) (string, error)

// Meta describes how a proposal was produced and whether it survived
// validation.
type Meta struct {
	Provider   string `json:"provider"`
	Mode       string `json:"mode"`
	Model      string `json:"model,omitempty"`
	Validation string `json:"validation"`
	ParseMode  string `json:"parse_mode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Options configures a Client. Zero values fall back to the stub
// planner with the default timeout.
type Options struct {
	Mode      string
	URL       string
	Model     string
	Timeout   time.Duration
	Generator Generator
	Logger    *slog.Logger
}

// Client is the advisory planner client.
type Client struct {
	mode      string
	url       string
	model     string
	httpc     *http.Client
	generator Generator
	schema    *jsonschema.Schema
	logger    *slog.Logger
	clock     policy.Clock
}

// NewClient compiles the intent contract and builds a planner client.
func NewClient(opts Options) (*Client, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(contractSchemaURL, bytes.NewReader(contractSchemaJSON)); err != nil {
		return nil, fmt.Errorf("advisory: load contract schema: %w", err)
	}
	schema, err := compiler.Compile(contractSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("advisory: compile contract schema: %w", err)
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeStub
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		mode:      mode,
		url:       opts.URL,
		model:     opts.Model,
		httpc:     &http.Client{Timeout: timeout},
		generator: opts.Generator,
		schema:    schema,
		logger:    logger,
		clock:     policy.WallClock(),
	}, nil
}

// SetClock replaces the wall clock, for tests.
func (c *Client) SetClock(clk policy.Clock) { c.clock = clk }

// GenerateIntentProposal runs the full pipeline: generate raw text,
// extract a JSON object, check the contract shape, then the full intent
// rules. Every failure path returns a safe clarification-only proposal.
func (c *Client) GenerateIntentProposal(ctx context.Context, prompt string, fallback map[string]any) (map[string]any, Meta) {
	raw, meta, err := c.generateRaw(ctx, prompt, fallback)
	if err != nil {
		safe := c.safeNoAction(fallback, fmt.Sprintf("llm_request_error:%v", err))
		return safe, Meta{
			Provider:   "fail_safe",
			Mode:       c.mode,
			Validation: ValidationSafeFallback,
			Error:      err.Error(),
		}
	}

	parsed, parseMode := ExtractJSONObject(raw)
	meta.ParseMode = parseMode
	if parsed == nil {
		safe := c.safeNoAction(fallback, "invalid_json")
		meta.Validation = ValidationSafeFallback
		return safe, meta
	}

	err = c.checkContract(parsed)
	if err == nil {
		err = contracts.ValidateIntent(parsed)
	}
	if err != nil {
		safe := c.safeNoAction(fallback, fmt.Sprintf("schema_validation_error:%v", err))
		meta.Validation = ValidationSafeFallback
		meta.Error = err.Error()
		return safe, meta
	}

	meta.Validation = ValidationOK
	return parsed, meta
}

// checkContract enforces the embedded contract: required keys present,
// no unknown keys, closed enums.
func (c *Client) checkContract(proposal map[string]any) error {
	if err := c.schema.Validate(any(proposal)); err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	return nil
}

func (c *Client) generateRaw(ctx context.Context, prompt string, fallback map[string]any) (string, Meta, error) {
	if c.generator != nil {
		raw, err := c.generator(ctx, prompt)
		return raw, Meta{Provider: "test_raw_generator", Mode: "custom"}, err
	}

	switch c.mode {
	case ModeStub, ModeDisabled:
		raw, err := json.Marshal(fallback)
		if err != nil {
			return "", Meta{}, fmt.Errorf("advisory: encode stub proposal: %w", err)
		}
		return string(raw), Meta{Provider: "stub_local", Mode: c.mode}, nil
	case ModePhi3:
		return c.generatePhi3(ctx, prompt)
	}

	raw, err := json.Marshal(fallback)
	if err != nil {
		return "", Meta{}, fmt.Errorf("advisory: encode stub proposal: %w", err)
	}
	return string(raw), Meta{Provider: "stub_local", Mode: "fallback"}, nil
}

// generatePhi3 POSTs the Ollama-style generate request and unwraps the
// response/output envelope. A body that is not an envelope is returned
// verbatim; the extractor deals with it.
func (c *Client) generatePhi3(ctx context.Context, prompt string) (string, Meta, error) {
	meta := Meta{Provider: "phi3_local", Mode: c.mode, Model: c.model}
	payload, err := json.Marshal(map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
	})
	if err != nil {
		return "", meta, fmt.Errorf("advisory: encode planner request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", meta, fmt.Errorf("advisory: planner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", meta, fmt.Errorf("advisory: planner call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", meta, fmt.Errorf("advisory: read planner response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", meta, fmt.Errorf("advisory: planner HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err == nil {
		if text, ok := envelope["response"].(string); ok {
			return text, meta, nil
		}
		if text, ok := envelope["output"].(string); ok {
			return text, meta, nil
		}
	}
	return string(body), meta, nil
}

// safeNoAction strips the fallback proposal down to a clarification
// request: no tools, no actions, the validation failure recorded in
// retrieval. The result is re-validated; a fallback that itself fails
// validation is replaced by a freshly built one.
func (c *Client) safeNoAction(fallback map[string]any, reason string) map[string]any {
	proposal := make(map[string]any, len(fallback))
	for k, v := range fallback {
		proposal[k] = v
	}
	proposal["needs_tools"] = false
	proposal["needs_clarification"] = true
	proposal["clarification_questions"] = []any{"Please confirm the exact action you want me to take."}
	proposal["proposed_actions"] = []any{}
	proposal["response_text"] = "I need clarification before taking any action."

	retrieval, _ := proposal["retrieval"].(map[string]any)
	if retrieval == nil {
		retrieval = map[string]any{"citation_ids": []any{}, "confidence": 0.0}
	} else {
		copied := make(map[string]any, len(retrieval)+1)
		for k, v := range retrieval {
			copied[k] = v
		}
		retrieval = copied
	}
	retrieval["llm_validation_error"] = truncate(reason, 300)
	proposal["retrieval"] = retrieval

	if err := contracts.ValidateIntent(proposal); err != nil {
		c.logger.Warn("fallback proposal invalid, rebuilding", "error", err)
		userText, _ := proposal["user_text"].(string)
		rebuilt := BuildFallbackProposal(ProposalInput{UserText: userText}, c.clock)
		return c.safeNoAction(rebuilt, reason)
	}
	return proposal
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
