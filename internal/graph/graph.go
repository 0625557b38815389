// Package graph executes the fixed reasoning graph that turns a user query
// into a grounded answer. The topology is a tagged-variant state machine: an
// enum of node names, a static transition table, and one driver loop. Router
// selects which analysis branches fire for the turn; every branch feeds the
// terminal AnswerSynthesis node. Node failures short of synthesis degrade
// the turn instead of aborting it.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ragd/internal/chunking"
	"github.com/kalambet/ragd/internal/provider"
	"github.com/kalambet/ragd/internal/retrieval"
	"github.com/kalambet/ragd/internal/session"
	"github.com/kalambet/ragd/internal/source"
	"github.com/kalambet/ragd/internal/vectorstore"
)

// Node names the reasoning stages. The set is closed; transitions lists
// every legal edge so tests can enumerate the topology.
type Node string

const (
	NodeRouter           Node = "router"
	NodeTextRetrieval    Node = "text_retrieval"
	NodeTableAnalysis    Node = "table_analysis"
	NodeDocumentAnalysis Node = "document_analysis"
	NodeAnswerSynthesis  Node = "answer_synthesis"
)

// transitions is the static edge set of the graph. Router fires any subset
// of its successors (each at most once per turn); every branch leads to
// AnswerSynthesis, which is terminal.
var transitions = map[Node][]Node{
	NodeRouter:           {NodeTextRetrieval, NodeTableAnalysis, NodeDocumentAnalysis},
	NodeTextRetrieval:    {NodeAnswerSynthesis},
	NodeTableAnalysis:    {NodeAnswerSynthesis},
	NodeDocumentAnalysis: {NodeAnswerSynthesis},
	NodeAnswerSynthesis:  nil,
}

// Transitions returns a copy of the graph's edge set.
func Transitions() map[Node][]Node {
	out := make(map[Node][]Node, len(transitions))
	for k, v := range transitions {
		out[k] = append([]Node(nil), v...)
	}
	return out
}

// ErrSynthesisFailed marks a terminal-node failure: the turn produces no
// answer and the caller must surface an explicit error.
var ErrSynthesisFailed = errors.New("answer synthesis failed")

// Retriever is the multi-source retrieval dependency.
type Retriever interface {
	Retrieve(ctx context.Context, query string, sources []source.Source, kPerSource, kFinal int) (retrieval.Result, error)
}

// Completer generates the final answer text.
type Completer interface {
	Complete(ctx context.Context, req provider.CompletionRequest) (string, error)
}

// SiblingStore walks a document's chunks for DocumentAnalysis.
type SiblingStore interface {
	DocumentChunks(ctx context.Context, sourceName, documentID string) ([]vectorstore.Record, error)
}

// Config tunes executor behavior.
type Config struct {
	Model            string        // completion model name
	KPerSource       int           // candidates fetched per source
	KFinal           int           // fused candidate list size
	ContextBudget    int           // token budget for assembled context
	RouterTopN       int           // how many top candidates the router inspects
	DocIntentTerms   []string      // phrases signalling document-level intent
	MaxSiblingChunks int           // document walk bound
	SynthesisTimeout time.Duration // terminal node budget
}

func (c Config) withDefaults() Config {
	if c.KPerSource <= 0 {
		c.KPerSource = 8
	}
	if c.KFinal <= 0 {
		c.KFinal = 10
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 4000
	}
	if c.RouterTopN <= 0 {
		c.RouterTopN = 3
	}
	if len(c.DocIntentTerms) == 0 {
		c.DocIntentTerms = defaultDocIntentTerms
	}
	if c.MaxSiblingChunks <= 0 {
		c.MaxSiblingChunks = 12
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 60 * time.Second
	}
	return c
}

// Executor runs one graph traversal per user turn.
type Executor struct {
	retriever Retriever
	registry  *source.Registry
	sessions  *session.Store
	completer Completer
	siblings  SiblingStore
	tokens    chunking.Tokenizer
	cfg       Config
	logger    *slog.Logger
}

// New creates an Executor. A nil tokenizer falls back to the estimate
// counter.
func New(
	retriever Retriever,
	registry *source.Registry,
	sessions *session.Store,
	completer Completer,
	siblings SiblingStore,
	tokens chunking.Tokenizer,
	cfg Config,
) *Executor {
	if tokens == nil {
		tokens = chunking.NewEstimateCounter()
	}
	return &Executor{
		retriever: retriever,
		registry:  registry,
		sessions:  sessions,
		completer: completer,
		siblings:  siblings,
		tokens:    tokens,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
	}
}

// ExecuteTurn runs the graph for one user query. The session's turn lock is
// held for the whole traversal, so turns of the same session are totally
// ordered. sourceFilter, when non-empty, overrides the session's active
// sources for this turn only.
//
// Cancellation is honored at node boundaries: a cancelled turn returns
// ctx.Err() and appends no record for the node that never ran.
func (e *Executor) ExecuteTurn(ctx context.Context, sessionID, query string, sourceFilter []string) (session.Turn, error) {
	defaults := sourceNames(e.registry.List())
	sess, unlock := e.sessions.Lock(sessionID, defaults)
	defer unlock()

	active := sess.ActiveSources
	if len(sourceFilter) > 0 {
		active = sourceFilter
	}

	st := &turnState{
		query:   query,
		history: e.sessions.ContextWindow(sess.Turns),
	}

	// Router: retrieve, then pick branches.
	branches, err := e.runRouter(ctx, st, active)
	if err != nil {
		return session.Turn{}, err
	}

	for _, node := range branches {
		if err := ctx.Err(); err != nil {
			return session.Turn{}, err
		}
		e.runBranch(ctx, node, st)
	}

	if err := ctx.Err(); err != nil {
		return session.Turn{}, err
	}

	answer, err := e.runSynthesis(ctx, st)
	if err != nil {
		return session.Turn{}, err
	}

	turn := session.Turn{
		ID:        uuid.New().String(),
		Query:     query,
		Answer:    answer,
		Citations: st.citations,
		Trace:     st.trace,
		Degraded:  st.degraded,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.sessions.AppendTurn(sessionID, turn); err != nil {
		return session.Turn{}, fmt.Errorf("appending turn: %w", err)
	}
	return turn, nil
}

// runRouter executes the Router node: multi-source retrieval plus branch
// selection. Total source loss is recorded and the turn continues on session
// history alone.
func (e *Executor) runRouter(ctx context.Context, st *turnState, active []string) ([]Node, error) {
	start := time.Now()
	sources := e.registry.Resolve(active)

	var res retrieval.Result
	var retErr error
	if len(sources) == 0 {
		retErr = retrieval.ErrNoSourcesAvailable
	} else {
		res, retErr = e.retriever.Retrieve(ctx, st.query, sources, e.cfg.KPerSource, e.cfg.KFinal)
	}
	if err := ctx.Err(); err != nil {
		// Cancelled mid-retrieval: discard the result, record nothing.
		return nil, err
	}

	st.candidates = res.Candidates
	for _, f := range res.Degraded {
		st.degraded = append(st.degraded, f.Source)
	}

	rec := session.NodeRecord{
		Node:     string(NodeRouter),
		Status:   session.NodeSuccess,
		Latency:  time.Since(start),
		InputRef: snapshotRef(st.query),
	}
	if retErr != nil {
		if !errors.Is(retErr, retrieval.ErrNoSourcesAvailable) {
			rec.Status = session.NodeFailed
			rec.Error = retErr.Error()
			st.trace = append(st.trace, rec)
			return nil, fmt.Errorf("router: %w", retErr)
		}
		// Degraded-answer condition: continue with no candidates.
		rec.Error = retErr.Error()
		e.logger.Warn("all sources unavailable, answering from session history", "error", retErr)
	}

	branches := e.selectBranches(st)
	rec.OutputRef = snapshotRef(fmt.Sprintf("%d candidates -> %v", len(st.candidates), branches))
	st.trace = append(st.trace, rec)
	return branches, nil
}

// selectBranches applies the Router predicates. Table and document branches
// may both fire; TextRetrieval fires when neither does and text candidates
// exist, so every turn with candidates assembles some context.
func (e *Executor) selectBranches(st *turnState) []Node {
	var branches []Node
	if e.hasTableCandidate(st) {
		branches = append(branches, NodeTableAnalysis)
	}
	if e.hasDocumentIntent(st.query) && len(st.candidates) > 0 {
		branches = append(branches, NodeDocumentAnalysis)
	}
	if len(branches) == 0 && len(st.candidates) > 0 {
		branches = append(branches, NodeTextRetrieval)
	}
	return branches
}

// runBranch executes one non-terminal analysis node, recording failure
// without aborting the turn.
func (e *Executor) runBranch(ctx context.Context, node Node, st *turnState) {
	start := time.Now()
	var err error
	var outputRef string

	switch node {
	case NodeTextRetrieval:
		outputRef, err = e.textRetrieval(st)
	case NodeTableAnalysis:
		outputRef, err = e.tableAnalysis(st)
	case NodeDocumentAnalysis:
		outputRef, err = e.documentAnalysis(ctx, st)
	default:
		err = fmt.Errorf("unknown node %q", node)
	}

	if ctx.Err() != nil {
		// Cancelled: discard whatever the node produced, record nothing.
		return
	}

	rec := session.NodeRecord{
		Node:      string(node),
		Status:    session.NodeSuccess,
		Latency:   time.Since(start),
		InputRef:  snapshotRef(st.query),
		OutputRef: outputRef,
	}
	if err != nil {
		rec.Status = session.NodeFailed
		rec.Error = err.Error()
		e.logger.Warn("graph node failed, continuing turn", "node", node, "error", err)
	}
	st.trace = append(st.trace, rec)
}

// runSynthesis executes the terminal node. Its failure is fatal to the turn.
func (e *Executor) runSynthesis(ctx context.Context, st *turnState) (string, error) {
	start := time.Now()

	sCtx, cancel := context.WithTimeout(ctx, e.cfg.SynthesisTimeout)
	defer cancel()

	messages := e.buildMessages(st)
	answer, err := e.completer.Complete(sCtx, provider.CompletionRequest{
		Model:    e.cfg.Model,
		Messages: messages,
	})

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	rec := session.NodeRecord{
		Node:     string(NodeAnswerSynthesis),
		Status:   session.NodeSuccess,
		Latency:  time.Since(start),
		InputRef: snapshotRef(joinParts(st.contextParts)),
	}
	if err != nil {
		rec.Status = session.NodeFailed
		rec.Error = err.Error()
		st.trace = append(st.trace, rec)
		return "", fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	rec.OutputRef = snapshotRef(answer)
	st.trace = append(st.trace, rec)
	return answer, nil
}

func sourceNames(sources []source.Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Name
	}
	return out
}

// snapshotRef is a stable content digest used as an input/output snapshot
// reference in trace records.
func snapshotRef(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
