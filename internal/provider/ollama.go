package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gougi-ai/gougi/internal/model"
)

// OllamaAdapter calls a local Ollama server. This is the recommended
// adapter for development: no API keys, no external costs, and questions
// never leave the machine.
type OllamaAdapter struct {
	name       string
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaAdapter creates an adapter that calls Ollama's generate API.
func NewOllamaAdapter(baseURL, modelName string, timeout time.Duration, logger *slog.Logger) *OllamaAdapter {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaAdapter{
		name:       "ollama",
		baseURL:    baseURL,
		model:      modelName,
		timeout:    timeout,
		httpClient: newHTTPClient(timeout),
		logger:     logger,
	}
}

// Name returns "ollama".
func (a *OllamaAdapter) Name() string { return a.name }

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Answer implements Adapter. All failures become sentinel results.
func (a *OllamaAdapter) Answer(ctx context.Context, question string) model.ProviderResult {
	start := time.Now()

	text, perr := a.generate(ctx, question)
	if perr != nil {
		a.logger.Warn("provider call failed", "provider", a.name, "tag", perr.Tag, "error", perr.Err)
		return sentinel(a.name, perr.Tag, time.Since(start))
	}

	answer, confidence, reasoning := parseAnswer(text)
	return model.ProviderResult{
		Provider:   a.name,
		Response:   answer,
		Confidence: confidence,
		Reasoning:  reasoning,
		LatencyMs:  time.Since(start).Milliseconds(),
	}
}

func (a *OllamaAdapter) generate(ctx context.Context, question string) (string, *ProviderError) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reqBody, err := json.Marshal(ollamaGenerateRequest{
		Model:  a.model,
		System: answerInstruction,
		Prompt: question,
		Stream: false,
	})
	if err != nil {
		return "", &ProviderError{Provider: a.name, Tag: TagMalformed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", &ProviderError{Provider: a.name, Tag: TagNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: a.name, Tag: classify(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &ProviderError{
			Provider: a.name,
			Tag:      TagStatus,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProviderError{Provider: a.name, Tag: TagMalformed, Err: err}
	}
	if result.Response == "" {
		return "", &ProviderError{Provider: a.name, Tag: TagMalformed, Err: fmt.Errorf("empty response")}
	}
	return result.Response, nil
}
