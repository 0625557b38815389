// Package session tracks per-conversation state: the ordered turn history,
// the active retrieval sources, and the execution trace of each turn. Writes
// are serialized per session id so a session's turns are totally ordered;
// different sessions never contend.
package session

import (
	"time"
)

// NodeStatus is the outcome of one graph node execution.
type NodeStatus string

const (
	NodeSuccess NodeStatus = "success"
	NodeSkipped NodeStatus = "skipped"
	NodeFailed  NodeStatus = "failed"
)

// NodeRecord is one entry of a turn's execution trace. Records are appended
// as nodes finish and never mutated afterwards.
type NodeRecord struct {
	Node      string        `json:"node"`
	Status    NodeStatus    `json:"status"`
	Error     string        `json:"error,omitempty"` // failure reason, "" on success
	Latency   time.Duration `json:"latency"`
	InputRef  string        `json:"input_ref,omitempty"` // snapshot reference, e.g. a digest of the node input
	OutputRef string        `json:"output_ref,omitempty"`
}

// Citation references a chunk that was actually included in the answer
// context. Chunks are referenced, never copied: Snippet is a short preview
// only.
type Citation struct {
	ChunkID    string `json:"chunk_id"`
	Source     string `json:"source"`
	DocumentID string `json:"document_id"`
	Position   int    `json:"position"`
	Page       int    `json:"page,omitempty"`
	Section    string `json:"section,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
}

// Turn is one user query and its resolved answer. A Turn is immutable once
// appended to its session.
type Turn struct {
	ID        string       `json:"id"`
	Query     string       `json:"query"`
	Answer    string       `json:"answer"`
	Citations []Citation   `json:"citations,omitempty"`
	Trace     []NodeRecord `json:"trace,omitempty"`
	Degraded  []string     `json:"degraded,omitempty"` // sources excluded from retrieval this turn
	CreatedAt time.Time    `json:"created_at"`
}

// Session is one conversation.
type Session struct {
	ID            string
	ActiveSources []string
	Turns         []Turn
	CreatedAt     time.Time
	LastActive    time.Time
}
