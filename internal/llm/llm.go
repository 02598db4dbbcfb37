// Package llm provides the single chat(prompt, model) -> text capability
// the planner needs. Unlike a full chat-completion client, the agent
// never streams, never calls tools through the model, and always
// expects the reply to be a JSON plan — so the interface here is
// deliberately narrow.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// RequestTimeout allows for slow local CPU inference backends.
const RequestTimeout = 30 * time.Minute

// Client is the capability the planner depends on.
type Client interface {
	Chat(ctx context.Context, prompt string, model string) (string, error)
}

var fencePrefix = regexp.MustCompile("```json\\s*")
var fenceSuffix = regexp.MustCompile("\\s*```")

// stripFences removes markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	s = fencePrefix.ReplaceAllString(s, "")
	s = fenceSuffix.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Mock always returns the same canned, valid plan, used for local
// development and tests without a live model endpoint.
type Mock struct{}

func (Mock) Chat(ctx context.Context, prompt string, model string) (string, error) {
	payload := map[string]any{
		"goal":      "verify backups (mock mode)",
		"mode":      "readonly",
		"max_steps": 1,
		"steps": []map[string]any{
			{
				"id":       "check_pg_data",
				"tool":     "psql",
				"args":     []string{"--version"},
				"intent":   "sanity-check the installed client for diagnosis",
				"on_error": "continue",
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm: marshal mock payload: %w", err)
	}
	return string(data), nil
}

// HTTPJSONClient drives any HTTP endpoint that accepts a JSON body and
// returns a JSON body with a text field, which covers Ollama's
// /api/generate, LM Studio, and OpenAI-compatible /v1/chat/completions
// endpoints once Path, BuildRequest, and ExtractText are set accordingly.
type HTTPJSONClient struct {
	BaseURL      string
	DefaultModel string
	APIKey       string
	HTTPClient   *http.Client

	// BuildRequest turns a prompt/model pair into the provider-specific
	// request body.
	BuildRequest func(prompt, model string) map[string]any

	// ExtractText pulls the generated text out of the decoded response
	// body.
	ExtractText func(body map[string]any) (string, error)

	// Path is appended to BaseURL, e.g. "/api/generate".
	Path string
}

// NewOllama builds a client targeting Ollama's /api/generate endpoint.
func NewOllama(baseURL, defaultModel string) *HTTPJSONClient {
	return &HTTPJSONClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		DefaultModel: defaultModel,
		Path:         "/api/generate",
		HTTPClient:   &http.Client{Timeout: RequestTimeout},
		BuildRequest: func(prompt, model string) map[string]any {
			return map[string]any{
				"model":  model,
				"prompt": prompt,
				"stream": false,
				"format": "json",
			}
		},
		ExtractText: func(body map[string]any) (string, error) {
			text, _ := body["response"].(string)
			return text, nil
		},
	}
}

// NewOpenAICompatible builds a client targeting an OpenAI-style
// /v1/chat/completions endpoint (OpenAI, Azure OpenAI, LM Studio).
func NewOpenAICompatible(baseURL, apiKey, defaultModel string) *HTTPJSONClient {
	return &HTTPJSONClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		DefaultModel: defaultModel,
		APIKey:       apiKey,
		Path:         "/chat/completions",
		HTTPClient:   &http.Client{Timeout: RequestTimeout},
		BuildRequest: func(prompt, model string) map[string]any {
			return map[string]any{
				"model": model,
				"messages": []map[string]string{
					{"role": "user", "content": prompt},
				},
				"response_format": map[string]string{"type": "json_object"},
			}
		},
		ExtractText: func(body map[string]any) (string, error) {
			choices, _ := body["choices"].([]any)
			if len(choices) == 0 {
				return "", fmt.Errorf("llm: response had no choices")
			}
			choice, _ := choices[0].(map[string]any)
			msg, _ := choice["message"].(map[string]any)
			text, _ := msg["content"].(string)
			return text, nil
		},
	}
}

func (c *HTTPJSONClient) Chat(ctx context.Context, prompt string, model string) (string, error) {
	if model == "" {
		model = c.DefaultModel
	}

	reqBody := c.BuildRequest(prompt, model)
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+c.Path, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: RequestTimeout}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: provider returned status %d: %s", resp.StatusCode, string(respData))
	}

	var decoded map[string]any
	if err := json.Unmarshal(respData, &decoded); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}

	text, err := c.ExtractText(decoded)
	if err != nil {
		return "", err
	}
	return stripFences(text), nil
}
