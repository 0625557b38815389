package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to a local Ollama instance over its native HTTP API.
type Ollama struct {
	baseURL    string
	httpClient *http.Client
}

var _ ModelProvider = (*Ollama)(nil)

// NewOllama creates an Ollama provider targeting the given base URL.
func NewOllama(baseURL string) *Ollama {
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// Per-call deadlines come from the request context.
			Timeout: 0,
		},
	}
}

// MaxBatchSize is unbounded for Ollama; embeddings are requested one text
// per call by the native API anyway.
func (o *Ollama) MaxBatchSize() int { return 0 }

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed requests one embedding per text via POST /api/embed.
func (o *Ollama) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		body, err := json.Marshal(ollamaEmbedRequest{Model: model, Input: text})
		if err != nil {
			return nil, err
		}
		data, err := o.post(ctx, "/api/embed", body)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		var resp ollamaEmbedResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decoding embed response: %w", err)
		}
		if len(resp.Embeddings) == 0 {
			return nil, fmt.Errorf("empty embedding for text %d", i)
		}
		out[i] = resp.Embeddings[0]
	}
	return out, nil
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  struct {
		Temperature float32 `json:"temperature"`
	} `json:"options"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
}

// Complete sends a non-streaming chat request via POST /api/chat.
func (o *Ollama) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	chatReq := ollamaChatRequest{Model: req.Model, Messages: req.Messages}
	chatReq.Options.Temperature = req.Temperature

	body, err := json.Marshal(chatReq)
	if err != nil {
		return "", err
	}
	data, err := o.post(ctx, "/api/chat", body)
	if err != nil {
		return "", err
	}
	var resp ollamaChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	return resp.Message.Content, nil
}

// IsRunning reports whether the Ollama server responds to GET /api/tags.
func (o *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (o *Ollama) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if isNetworkError(err) {
			return nil, &TransientError{Err: fmt.Errorf("requesting %s: %w", path, err)}
		}
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransientError{Err: fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s: unexpected status %d: %s", path, resp.StatusCode, string(respBody))
	}
	return io.ReadAll(resp.Body)
}

// isNetworkError reports whether err is a timeout or connection failure.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
