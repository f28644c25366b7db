package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"forge/internal/errors"
	"forge/internal/httpclient"
	"forge/internal/logging"
)

// Translator rewrites commit messages in English. Implementations are
// best-effort; callers keep the original text on failure.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

const translatePrompt = "Rewrite the following git commit message in English. Keep the first line under 72 characters, keep the meaning, and return only the rewritten message."

// LLMTranslator calls an OpenAI-compatible chat completion endpoint.
type LLMTranslator struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	logger   logging.Logger
}

func NewLLMTranslator(endpoint, apiKey, model string, timeout time.Duration, logger logging.Logger) *LLMTranslator {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMTranslator{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   httpclient.NewWithCircuitBreaker(timeout, logger, "translator"),
		logger:   logging.OrNop(logger),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (t *LLMTranslator) Translate(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: t.model,
		Messages: []chatMessage{
			{Role: "system", Content: translatePrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := httpclient.ReadAllWithLimit(resp.Body, 1<<20)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.FromStatusCode(resp.StatusCode, fmt.Errorf("translator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode translator response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("translator returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
