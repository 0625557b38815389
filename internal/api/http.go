// Package api exposes the daemon over HTTP and MCP. The REST surface covers
// ingestion, querying, source management, and session inspection; the MCP
// server mirrors the same operations as tools for agent clients.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/ragd/internal/chunking"
	"github.com/kalambet/ragd/internal/convert"
	"github.com/kalambet/ragd/internal/embedding"
	"github.com/kalambet/ragd/internal/graph"
	"github.com/kalambet/ragd/internal/ingest"
	"github.com/kalambet/ragd/internal/retrieval"
	"github.com/kalambet/ragd/internal/session"
	"github.com/kalambet/ragd/internal/source"
	"github.com/kalambet/ragd/internal/vectorstore"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB
const maxRequestBodySize = 1 << 20 // 1MB

// Ingestor accepts converted documents for chunking and embedding.
type Ingestor interface {
	Ingest(ctx context.Context, doc ingest.Document) (ingest.Result, error)
}

// Asker runs one conversational turn.
type Asker interface {
	ExecuteTurn(ctx context.Context, sessionID, query string, sources []string) (session.Turn, error)
}

// DocStore is the slice of the vector store the API needs for document
// management.
type DocStore interface {
	DeleteDocument(ctx context.Context, source, documentID string) error
	Count(ctx context.Context, source string) (int, error)
}

// SourceCatalog is the registry surface the API mutates. The daemon wraps
// the in-memory registry with persistence behind this interface.
type SourceCatalog interface {
	Add(s source.Source) error
	Remove(name string) error
	Get(name string) (source.Source, error)
	List() []source.Source
}

// TurnAudit reads back persisted turns for sessions that are no longer in
// memory (swept or lost to a restart).
type TurnAudit interface {
	SessionTurns(ctx context.Context, sessionID string) ([]session.Turn, error)
}

type AppDeps struct {
	Registry   SourceCatalog
	Ingestor   Ingestor
	Asker      Asker
	Sessions   *session.Store
	Store      DocStore
	Audit      TurnAudit
	Token      string
	HTTPClient *http.Client

	// DefaultPolicy fills the chunking fields a source is registered
	// without; the daemon sets it from the chunking.* config keys.
	DefaultPolicy chunking.Policy
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/ingest", handleIngest(deps))
		r.Post("/v1/query", handleQuery(deps))

		r.Get("/v1/sources", handleListSources(deps))
		r.Post("/v1/sources", handleAddSource(deps))
		r.Delete("/v1/sources/{name}", handleRemoveSource(deps))
		r.Delete("/v1/sources/{name}/documents/{id}", handleDeleteDocument(deps))

		r.Get("/v1/sessions/{id}", handleGetSession(deps))
		r.Put("/v1/sessions/{id}/sources", handleSetSessionSources(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type IngestRequest struct {
	Source   string `json:"source"`
	ID       string `json:"id"`       // document id; defaults to name, then a fresh UUID
	Name     string `json:"name"`     // filename, used for format detection
	Content  string `json:"content"`  // inline document body
	Encoding string `json:"encoding"` // "base64" when content is binary (e.g. PDF)
	URL      string `json:"url"`      // fetched and converted as HTML
}

type IngestResponse struct {
	Source     string `json:"source"`
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Replaced   bool   `json:"replaced"`
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Source == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source is required")
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}

		var raw []byte
		name := req.Name
		switch {
		case req.URL != "":
			body, err := fetchURL(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			raw = body
			if name == "" {
				name = "document.html"
			}
			if req.ID == "" {
				req.ID = req.URL
			}
		case req.Encoding == "base64":
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			raw = decoded
		default:
			raw = []byte(req.Content)
		}

		if req.ID == "" {
			req.ID = name
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}

		conv, err := convert.ForFile(name)
		if errors.Is(err, convert.ErrUnsupportedFormat) {
			httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "unsupported document format: %q", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "selecting converter: %v", err)
			return
		}

		segments, err := conv.Convert(r.Context(), name, bytes.NewReader(raw))
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "converting document: %v", err)
			return
		}

		res, err := deps.Ingestor.Ingest(r.Context(), ingest.Document{
			Source:   req.Source,
			ID:       req.ID,
			Segments: segments,
		})
		if err != nil {
			writeIngestError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IngestResponse{
			Source:     res.Source,
			DocumentID: res.DocumentID,
			Chunks:     res.Chunks,
			Replaced:   res.Replaced,
		})
	}
}

func writeIngestError(w http.ResponseWriter, err error) {
	var partial *vectorstore.PartialIngestionError
	switch {
	case errors.Is(err, source.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, embedding.ErrEmbeddingUnavailable):
		httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
	case errors.Is(err, embedding.ErrDimensionMismatch):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	case errors.As(err, &partial):
		httpError(w, http.StatusInternalServerError, "partial_ingestion", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "ingestion failed: %v", err)
	}
}

func fetchURL(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("url returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
}

type QueryRequest struct {
	SessionID string   `json:"session_id"`
	Query     string   `json:"query"`
	Sources   []string `json:"sources"` // optional per-turn override
}

type QueryResponse struct {
	SessionID string             `json:"session_id"`
	Answer    string             `json:"answer"`
	Citations []session.Citation `json:"citations"`
	Degraded  []string           `json:"degraded,omitempty"`
	Trace     []TraceEntry       `json:"trace"`
}

type TraceEntry struct {
	Node      string `json:"node"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.SessionID == "" {
			req.SessionID = uuid.New().String()
		}

		turn, err := deps.Asker.ExecuteTurn(r.Context(), req.SessionID, req.Query, req.Sources)
		if err != nil {
			switch {
			case errors.Is(err, graph.ErrSynthesisFailed):
				httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			case errors.Is(err, retrieval.ErrNoSourcesAvailable):
				httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				httpError(w, http.StatusGatewayTimeout, "api_error", "query cancelled: %v", err)
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "query failed: %v", err)
			}
			return
		}

		trace := make([]TraceEntry, len(turn.Trace))
		for i, rec := range turn.Trace {
			trace[i] = TraceEntry{
				Node:      rec.Node,
				Status:    string(rec.Status),
				Error:     rec.Error,
				LatencyMS: rec.Latency.Milliseconds(),
			}
		}
		citations := turn.Citations
		if citations == nil {
			citations = []session.Citation{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(QueryResponse{
			SessionID: req.SessionID,
			Answer:    turn.Answer,
			Citations: citations,
			Degraded:  turn.Degraded,
			Trace:     trace,
		})
	}
}

type SourceRequest struct {
	Name          string `json:"name"`
	Dimension     int    `json:"dimension"`
	MaxTokens     int    `json:"max_tokens,omitempty"`
	OverlapTokens int    `json:"overlap_tokens,omitempty"`
	MinTokens     int    `json:"min_tokens,omitempty"`
}

type SourceInfo struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Priority  int    `json:"priority"`
	Chunks    int    `json:"chunks"`
}

func handleListSources(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources := deps.Registry.List()
		infos := make([]SourceInfo, len(sources))
		for i, s := range sources {
			count, err := deps.Store.Count(r.Context(), s.Name)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "counting chunks for %s: %v", s.Name, err)
				return
			}
			infos[i] = SourceInfo{
				Name:      s.Name,
				Dimension: s.Dimension,
				Priority:  s.Priority,
				Chunks:    count,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(infos)
	}
}

func handleAddSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		policy := chunking.Policy{
			MaxTokens:     req.MaxTokens,
			OverlapTokens: req.OverlapTokens,
			MinTokens:     req.MinTokens,
		}
		if policy.MaxTokens == 0 {
			policy.MaxTokens = deps.DefaultPolicy.MaxTokens
		}
		if policy.OverlapTokens == 0 {
			policy.OverlapTokens = deps.DefaultPolicy.OverlapTokens
		}
		if policy.MinTokens == 0 {
			policy.MinTokens = deps.DefaultPolicy.MinTokens
		}

		err := deps.Registry.Add(source.Source{
			Name:      req.Name,
			Dimension: req.Dimension,
			Policy:    policy,
		})
		if errors.Is(err, source.ErrExists) {
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "created", "name": req.Name})
	}
}

func handleRemoveSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		err := deps.Registry.Remove(name)
		if errors.Is(err, source.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found: %s", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "removing source: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "removed"})
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		id := chi.URLParam(r, "id")

		if _, err := deps.Registry.Get(name); errors.Is(err, source.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found: %s", name)
			return
		}
		if err := deps.Store.DeleteDocument(r.Context(), name, id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

type SessionResponse struct {
	ID            string         `json:"id"`
	ActiveSources []string       `json:"active_sources"`
	Turns         []session.Turn `json:"turns"`
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		turns, err := deps.Sessions.Turns(id)
		if errors.Is(err, session.ErrNotFound) {
			// Swept or pre-restart sessions are still readable from the
			// audit log.
			archived, auditErr := archivedTurns(r.Context(), deps.Audit, id)
			if auditErr != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "loading session history: %v", auditErr)
				return
			}
			if archived == nil {
				httpError(w, http.StatusNotFound, "not_found", "session not found")
				return
			}
			turns, err = archived, nil
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading session: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SessionResponse{
			ID:            id,
			ActiveSources: deps.Sessions.ActiveSources(id),
			Turns:         turns,
		})
	}
}

// archivedTurns returns the persisted history for id, or nil when the
// session left no trace (or no audit log is wired).
func archivedTurns(ctx context.Context, audit TurnAudit, id string) ([]session.Turn, error) {
	if audit == nil {
		return nil, nil
	}
	turns, err := audit.SessionTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return turns, nil
}

func handleSetSessionSources(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Sources []string `json:"sources"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Sessions.SetActiveSources(id, req.Sources)
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "updating session: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
