// Package embedding is the HTTP client for the embedding collaborator. The
// service speaks the OpenAI-compatible /v1/embeddings shape.
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
)

// ErrUnavailable marks an exhausted collaborator: the caller should fail the
// task terminally rather than keep the job spinning.
var ErrUnavailable = errors.New("embedding service unavailable")

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func New(baseURL, model string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 8 * time.Second},
	}
}

// Embed returns the vector for one text. A transport or server failure wraps
// ErrUnavailable; retry policy belongs to the caller.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: no base URL configured", ErrUnavailable)
	}
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"input": []string{text},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s %s", ErrUnavailable, resp.Status, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if len(out.Data) != 1 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrUnavailable)
	}
	return out.Data[0].Embedding, nil
}
