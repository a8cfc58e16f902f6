// Package embedding turns search queries into vectors through a Text
// Embeddings Inference server, with a Redis cache in front of it.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var ErrEmptyEmbedding = errors.New("embedding: empty vector returned")

type TEIConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker for OpenFor.
	FailureThreshold uint32
	OpenFor          time.Duration
}

// TEIClient calls a TEI server. Requests go through a circuit breaker so a
// struggling server fails fast instead of stalling every search.
type TEIClient struct {
	baseURL string
	model   string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type nativeRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate,omitempty"`
}

func NewTEIClient(cfg TEIConfig, logger *zap.Logger) (*TEIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("TEI base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}

	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        "tei",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding: circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &TEIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		cb:      gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}, nil
}

func (c *TEIClient) Model() string {
	return c.model
}

// EmbedQuery returns the embedding of a single text.
func (c *TEIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return out.([]float32), nil
}

// embed tries the OpenAI-compatible endpoint first and falls back to the
// native /embed endpoint.
func (c *TEIClient) embed(ctx context.Context, text string) ([]float32, error) {
	vector, err := c.embedViaOpenAI(ctx, text)
	if err != nil {
		c.logger.Debug("embedding: openai-compatible endpoint failed, trying native", zap.Error(err))
		vector, err = c.embedViaNative(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("TEI embedding failed: %w", err)
		}
	}
	if len(vector) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return vector, nil
}

func (c *TEIClient) embedViaOpenAI(ctx context.Context, text string) ([]float32, error) {
	var resp openAIResponse
	if err := c.post(ctx, "/v1/embeddings", openAIRequest{Input: []string{text}, Model: c.model}, &resp); err != nil {
		return nil, err
	}
	for _, d := range resp.Data {
		if d.Index == 0 {
			return d.Embedding, nil
		}
	}
	return nil, ErrEmptyEmbedding
}

func (c *TEIClient) embedViaNative(ctx context.Context, text string) ([]float32, error) {
	var embeddings [][]float32
	if err := c.post(ctx, "/embed", nativeRequest{Inputs: []string{text}, Truncate: true}, &embeddings); err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return embeddings[0], nil
}

func (c *TEIClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("TEI returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
