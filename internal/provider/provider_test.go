package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaEmbed(t *testing.T) {
	var gotModels []string
	var gotInputs []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model string `json:"model"`
			Input string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		gotModels = append(gotModels, req.Model)
		gotInputs = append(gotInputs, req.Input)

		idx := len(gotInputs)
		fmt.Fprintf(w, `{"embeddings":[[%d.0,0.5]]}`, idx)
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	vecs, err := o.Embed(context.Background(), "nomic-embed-text", []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 1.0 || vecs[1][0] != 2.0 {
		t.Errorf("vectors out of order: %v", vecs)
	}
	if gotModels[0] != "nomic-embed-text" {
		t.Errorf("model = %q, want nomic-embed-text", gotModels[0])
	}
	if gotInputs[0] != "first" || gotInputs[1] != "second" {
		t.Errorf("inputs = %v", gotInputs)
	}
}

func TestOllamaEmbed_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	if _, err := o.Embed(context.Background(), "m", []string{"text"}); err == nil {
		t.Fatal("expected error for empty embeddings")
	}
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
			Stream   bool      `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Stream {
			t.Error("stream should be false")
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		w.Write([]byte(`{"message":{"role":"assistant","content":"the answer"}}`))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	got, err := o.Complete(context.Background(), CompletionRequest{
		Model: "llama3.1",
		Messages: []Message{
			{Role: "system", Content: "you answer questions"},
			{Role: "user", Content: "what?"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "the answer" {
		t.Errorf("answer = %q", got)
	}
}

func TestOllama_TransientStatus(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(fmt.Sprintf("%d", status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			o := NewOllama(srv.URL)
			_, err := o.Embed(context.Background(), "m", []string{"text"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsTransient(err) {
				t.Errorf("status %d should be transient, got %v", status, err)
			}
		})
	}
}

func TestOllama_StructuralStatusNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	_, err := o.Embed(context.Background(), "missing", []string{"text"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Errorf("400 should not be transient: %v", err)
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error should carry the server message: %v", err)
	}
}

func TestOllama_ConnectionRefusedTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	o := NewOllama(srv.URL)
	_, err := o.Embed(context.Background(), "m", []string{"text"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("connection refusal should be transient: %v", err)
	}
}

func TestOllamaIsRunning(t *testing.T) {
	t.Run("up", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/tags" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			w.Write([]byte(`{"models":[]}`))
		}))
		defer srv.Close()

		if !NewOllama(srv.URL).IsRunning(context.Background()) {
			t.Error("IsRunning() = false, want true")
		}
	})

	t.Run("down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		if NewOllama(srv.URL).IsRunning(context.Background()) {
			t.Error("IsRunning() = true, want false")
		}
	})
}

func TestOpenAIEmbed_RestoresIndexOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		// Data deliberately out of input order; Index carries the mapping.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"object": "list",
			"data": [
				{"object":"embedding","index":1,"embedding":[2.0,0.0]},
				{"object":"embedding","index":0,"embedding":[1.0,0.0]}
			],
			"model": "text-embedding-3-small"
		}`))
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", srv.URL)
	vecs, err := p.Embed(context.Background(), "text-embedding-3-small", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 1.0 || vecs[1][0] != 2.0 {
		t.Errorf("index order not restored: %v", vecs)
	}
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth = %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index":0,"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}]
		}`))
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", srv.URL)
	got, err := p.Complete(context.Background(), CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "done" {
		t.Errorf("answer = %q", got)
	}
}

func TestOpenAI_RateLimitTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", srv.URL)
	_, err := p.Embed(context.Background(), "m", []string{"text"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("429 should be transient: %v", err)
	}
}

func TestOpenAI_AuthErrorNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI("bad-key", srv.URL)
	_, err := p.Complete(context.Background(), CompletionRequest{
		Model:    "m",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Errorf("401 should not be transient: %v", err)
	}
}
