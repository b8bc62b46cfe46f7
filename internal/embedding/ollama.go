package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaProvider generates embeddings through a local Ollama server.
// All HTTP calls are wrapped with circuit breaker protection.
type OllamaProvider struct {
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
	breaker    *Breaker
	timeout    time.Duration
}

// OllamaConfig holds Ollama provider configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model name (default: nomic-embed-text).
	Model string

	// Dimensions is the expected vector dimension (default: 768).
	Dimensions int

	// Timeout is the per-request timeout (default: 10s).
	Timeout time.Duration
}

// ollamaEmbedRequest is the request body for POST /api/embed.
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResponse is the response from POST /api/embed. The embeddings
// field is a 2D array; we always use the first (and only) embedding.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaProvider creates a new Ollama embedding provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 768
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &OllamaProvider{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: cfg.Timeout},
		breaker:    NewBreaker(),
		timeout:    cfg.Timeout,
	}
}

// Embed generates an embedding vector for the given text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := p.breaker.Execute(ctx, func() (interface{}, error) {
		return p.embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("ollama circuit breaker open: %w", err)
		}
		return nil, err
	}
	return result.([]float32), nil
}

// embed is the internal implementation without circuit breaker wrapping.
func (p *OllamaProvider) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reqBody := ollamaEmbedRequest{Model: p.model, Input: text}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(respData.Embeddings) == 0 || len(respData.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding vector")
	}

	vec := respData.Embeddings[0]
	if len(vec) != p.dimensions {
		return nil, fmt.Errorf("ollama returned %d-dimensional vector, index expects %d", len(vec), p.dimensions)
	}

	return vec, nil
}

// Model returns the configured embedding model name.
func (p *OllamaProvider) Model() string { return p.model }

// Dimensions returns the expected vector dimension.
func (p *OllamaProvider) Dimensions() int { return p.dimensions }

// BreakerState exposes the circuit breaker state for health reporting.
func (p *OllamaProvider) BreakerState() string { return p.breaker.State() }

var _ Provider = (*OllamaProvider)(nil)
