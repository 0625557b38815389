package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/ragd/internal/chunking"
	"github.com/kalambet/ragd/internal/provider"
	"github.com/kalambet/ragd/internal/retrieval"
	"github.com/kalambet/ragd/internal/session"
	"github.com/kalambet/ragd/internal/source"
	"github.com/kalambet/ragd/internal/vectorstore"
)

type mockRetriever struct {
	retrieveFn func(ctx context.Context, query string, sources []source.Source, kPerSource, kFinal int) (retrieval.Result, error)
}

func (m *mockRetriever) Retrieve(ctx context.Context, query string, sources []source.Source, kPerSource, kFinal int) (retrieval.Result, error) {
	return m.retrieveFn(ctx, query, sources, kPerSource, kFinal)
}

type mockCompleter struct {
	completeFn func(ctx context.Context, req provider.CompletionRequest) (string, error)
	lastReq    provider.CompletionRequest
}

func (m *mockCompleter) Complete(ctx context.Context, req provider.CompletionRequest) (string, error) {
	m.lastReq = req
	if m.completeFn != nil {
		return m.completeFn(ctx, req)
	}
	return "the answer", nil
}

type mockSiblings struct {
	chunksFn func(ctx context.Context, sourceName, documentID string) ([]vectorstore.Record, error)
}

func (m *mockSiblings) DocumentChunks(ctx context.Context, sourceName, documentID string) ([]vectorstore.Record, error) {
	if m.chunksFn != nil {
		return m.chunksFn(ctx, sourceName, documentID)
	}
	return nil, nil
}

func textCandidate(id string, rank int) retrieval.Candidate {
	return retrieval.Candidate{
		Chunk: vectorstore.Record{
			ID: id, Source: "docs", DocumentID: "d1", Position: rank,
			Type: "text", Text: "passage " + id,
		},
		Source: "docs",
		Rank:   rank,
	}
}

func tableCandidate(id string, rank int) retrieval.Candidate {
	return retrieval.Candidate{
		Chunk: vectorstore.Record{
			ID: id, Source: "docs", DocumentID: "d1", Position: rank,
			Type: "table", Text: "| name | qty |\n| --- | --- |\n| bolts | 40 |",
		},
		Source: "docs",
		Rank:   rank,
	}
}

type fixture struct {
	executor  *Executor
	retriever *mockRetriever
	completer *mockCompleter
	siblings  *mockSiblings
	sessions  *session.Store
}

func newFixture(t *testing.T, candidates []retrieval.Candidate) *fixture {
	t.Helper()
	registry := source.NewRegistry()
	if err := registry.Add(source.Source{Name: "docs", Dimension: 4}); err != nil {
		t.Fatalf("registering source: %v", err)
	}

	f := &fixture{
		retriever: &mockRetriever{
			retrieveFn: func(ctx context.Context, query string, sources []source.Source, kPerSource, kFinal int) (retrieval.Result, error) {
				return retrieval.Result{Candidates: candidates}, nil
			},
		},
		completer: &mockCompleter{},
		siblings:  &mockSiblings{},
		sessions:  session.NewStore(),
	}
	f.executor = New(f.retriever, registry, f.sessions, f.completer, f.siblings,
		chunking.NewEstimateCounter(), Config{Model: "test-model"})
	return f
}

func traceNodes(turn session.Turn) []string {
	out := make([]string, len(turn.Trace))
	for i, rec := range turn.Trace {
		out[i] = rec.Node
	}
	return out
}

func TestTransitions_Topology(t *testing.T) {
	edges := Transitions()

	routerOut := edges[NodeRouter]
	if len(routerOut) != 3 {
		t.Fatalf("router should have 3 successors, got %v", routerOut)
	}
	for _, branch := range routerOut {
		out := edges[branch]
		if len(out) != 1 || out[0] != NodeAnswerSynthesis {
			t.Errorf("branch %s should lead only to synthesis, got %v", branch, out)
		}
	}
	if len(edges[NodeAnswerSynthesis]) != 0 {
		t.Errorf("synthesis must be terminal, got %v", edges[NodeAnswerSynthesis])
	}

	// Returned copy must not alias the internal table.
	edges[NodeRouter] = nil
	if len(Transitions()[NodeRouter]) != 3 {
		t.Error("Transitions returned the internal map")
	}
}

func TestExecuteTurn_TextPath(t *testing.T) {
	f := newFixture(t, []retrieval.Candidate{textCandidate("c1", 0), textCandidate("c2", 1)})

	turn, err := f.executor.ExecuteTurn(context.Background(), "s1", "what are bolts for", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if turn.Answer != "the answer" {
		t.Errorf("unexpected answer %q", turn.Answer)
	}

	want := []string{"router", "text_retrieval", "answer_synthesis"}
	got := traceNodes(turn)
	if len(got) != len(want) {
		t.Fatalf("expected trace %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("trace position %d: expected %s, got %s", i, want[i], got[i])
		}
		if turn.Trace[i].Status != session.NodeSuccess {
			t.Errorf("node %s not successful: %+v", want[i], turn.Trace[i])
		}
	}

	if len(turn.Citations) != 2 {
		t.Errorf("expected 2 citations, got %+v", turn.Citations)
	}

	// The turn is appended to the session.
	turns, err := f.sessions.Turns("s1")
	if err != nil || len(turns) != 1 {
		t.Fatalf("turn not appended: %v, %d", err, len(turns))
	}

	// The context reaches the completion prompt.
	last := f.completer.lastReq.Messages[len(f.completer.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "passage c1") {
		t.Errorf("context missing from prompt: %q", last.Content)
	}
	if !strings.Contains(last.Content, "Question: what are bolts for") {
		t.Errorf("query missing from prompt: %q", last.Content)
	}
}

func TestExecuteTurn_TableBranch(t *testing.T) {
	f := newFixture(t, []retrieval.Candidate{tableCandidate("t1", 0), textCandidate("c1", 1)})

	turn, err := f.executor.ExecuteTurn(context.Background(), "s1", "how many bolts", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := traceNodes(turn)
	if len(got) != 3 || got[1] != "table_analysis" {
		t.Fatalf("expected table branch, got trace %v", got)
	}

	last := f.completer.lastReq.Messages[len(f.completer.lastReq.Messages)-1]
	if !strings.Contains(last.Content, `name="bolts"`) {
		t.Errorf("table not rendered into rows: %q", last.Content)
	}
}

func TestExecuteTurn_DocumentBranch(t *testing.T) {
	f := newFixture(t, []retrieval.Candidate{textCandidate("c1", 0)})
	f.siblings.chunksFn = func(ctx context.Context, sourceName, documentID string) ([]vectorstore.Record, error) {
		if sourceName != "docs" || documentID != "d1" {
			t.Errorf("walking wrong document: %s/%s", sourceName, documentID)
		}
		return []vectorstore.Record{
			{ID: "c2", Source: "docs", DocumentID: "d1", Position: 1, Type: "text", Text: "second part"},
			{ID: "c1", Source: "docs", DocumentID: "d1", Position: 0, Type: "text", Text: "first part"},
		}, nil
	}

	turn, err := f.executor.ExecuteTurn(context.Background(), "s1", "summarize the whole document", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := traceNodes(turn)
	if len(got) != 3 || got[1] != "document_analysis" {
		t.Fatalf("expected document branch, got trace %v", got)
	}

	// Siblings are packed in position order.
	last := f.completer.lastReq.Messages[len(f.completer.lastReq.Messages)-1]
	first := strings.Index(last.Content, "first part")
	second := strings.Index(last.Content, "second part")
	if first < 0 || second < 0 || first > second {
		t.Errorf("sibling chunks out of order in prompt: %q", last.Content)
	}
	if len(turn.Citations) != 2 {
		t.Errorf("expected citations for walked chunks, got %+v", turn.Citations)
	}
}

func TestExecuteTurn_TableAndDocumentBranches(t *testing.T) {
	f := newFixture(t, []retrieval.Candidate{tableCandidate("t1", 0)})
	f.siblings.chunksFn = func(ctx context.Context, sourceName, documentID string) ([]vectorstore.Record, error) {
		// The walk returns the same table chunk the table branch already cited.
		return []vectorstore.Record{
			{ID: "t1", Source: "docs", DocumentID: "d1", Position: 0, Type: "table",
				Text: "| name | qty |\n| bolts | 40 |"},
		}, nil
	}

	turn, err := f.executor.ExecuteTurn(context.Background(), "s1", "summarize the table of contents", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := traceNodes(turn)
	want := []string{"router", "table_analysis", "document_analysis", "answer_synthesis"}
	if len(got) != len(want) {
		t.Fatalf("expected trace %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("trace position %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	// Both branches touched chunk t1; it is cited once.
	if len(turn.Citations) != 1 || turn.Citations[0].ChunkID != "t1" {
		t.Errorf("expected deduplicated citation for t1, got %+v", turn.Citations)
	}
}

func TestExecuteTurn_NoSourcesDegrades(t *testing.T) {
	f := newFixture(t, nil)
	f.retriever.retrieveFn = func(ctx context.Context, query string, sources []source.Source, kPerSource, kFinal int) (retrieval.Result, error) {
		return retrieval.Result{}, retrieval.ErrNoSourcesAvailable
	}

	turn, err := f.executor.ExecuteTurn(context.Background(), "s1", "anything", nil)
	if err != nil {
		t.Fatalf("source loss must not fail the turn: %v", err)
	}
	if turn.Answer != "the answer" {
		t.Errorf("expected an answer from history, got %q", turn.Answer)
	}

	got := traceNodes(turn)
	if len(got) != 2 || got[0] != "router" || got[1] != "answer_synthesis" {
		t.Fatalf("expected router then synthesis only, got %v", got)
	}
	if turn.Trace[0].Status != session.NodeSuccess || turn.Trace[0].Error == "" {
		t.Errorf("router record should note the degraded condition: %+v", turn.Trace[0])
	}

	// The prompt switches to the no-context fallback.
	last := f.completer.lastReq.Messages[len(f.completer.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "No document context is available") {
		t.Errorf("expected no-context prompt, got %q", last.Content)
	}
}

func TestExecuteTurn_RetrievalHardFailure(t *testing.T) {
	f := newFixture(t, nil)
	hard := errors.New("store corrupted")
	f.retriever.retrieveFn = func(ctx context.Context, query string, sources []source.Source, kPerSource, kFinal int) (retrieval.Result, error) {
		return retrieval.Result{}, hard
	}

	_, err := f.executor.ExecuteTurn(context.Background(), "s1", "anything", nil)
	if !errors.Is(err, hard) {
		t.Fatalf("expected hard retrieval failure, got %v", err)
	}
	if turns, _ := f.sessions.Turns("s1"); len(turns) != 0 {
		t.Errorf("failed turn must not be appended, got %d turns", len(turns))
	}
}

func TestExecuteTurn_BranchFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, []retrieval.Candidate{textCandidate("c1", 0)})
	f.siblings.chunksFn = func(ctx context.Context, sourceName, documentID string) ([]vectorstore.Record, error) {
		return nil, errors.New("document walk failed")
	}

	turn, err := f.executor.ExecuteTurn(context.Background(), "s1", "summarize the document", nil)
	if err != nil {
		t.Fatalf("branch failure must not fail the turn: %v", err)
	}

	got := traceNodes(turn)
	if len(got) != 3 || got[1] != "document_analysis" {
		t.Fatalf("expected failed branch in trace, got %v", got)
	}
	if turn.Trace[1].Status != session.NodeFailed || turn.Trace[1].Error == "" {
		t.Errorf("branch failure not recorded: %+v", turn.Trace[1])
	}
	if turn.Trace[2].Status != session.NodeSuccess {
		t.Errorf("synthesis should still run: %+v", turn.Trace[2])
	}
}

func TestExecuteTurn_SynthesisFailureIsFatal(t *testing.T) {
	f := newFixture(t, []retrieval.Candidate{textCandidate("c1", 0)})
	f.completer.completeFn = func(ctx context.Context, req provider.CompletionRequest) (string, error) {
		return "", errors.New("model overloaded")
	}

	_, err := f.executor.ExecuteTurn(context.Background(), "s1", "anything", nil)
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
	if turns, _ := f.sessions.Turns("s1"); len(turns) != 0 {
		t.Errorf("failed turn must not be appended, got %d turns", len(turns))
	}
}

func TestExecuteTurn_CancellationAtNodeBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, nil)
	f.retriever.retrieveFn = func(ctx context.Context, query string, sources []source.Source, kPerSource, kFinal int) (retrieval.Result, error) {
		// Cancelled while retrieval is in flight.
		cancel()
		return retrieval.Result{Candidates: []retrieval.Candidate{textCandidate("c1", 0)}}, nil
	}

	_, err := f.executor.ExecuteTurn(ctx, "s1", "anything", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if turns, _ := f.sessions.Turns("s1"); len(turns) != 0 {
		t.Errorf("cancelled turn must not be appended, got %d turns", len(turns))
	}
}

func TestExecuteTurn_HistoryInPrompt(t *testing.T) {
	f := newFixture(t, []retrieval.Candidate{textCandidate("c1", 0)})

	if _, err := f.executor.ExecuteTurn(context.Background(), "s1", "first question", nil); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := f.executor.ExecuteTurn(context.Background(), "s1", "second question", nil); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	msgs := f.completer.lastReq.Messages
	// system + prior user/assistant pair + current user message.
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[1].Role != "user" || msgs[1].Content != "first question" {
		t.Errorf("prior query missing: %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" || msgs[2].Content != "the answer" {
		t.Errorf("prior answer missing: %+v", msgs[2])
	}
}

func TestExecuteTurn_SourceFilterOverrides(t *testing.T) {
	var seen []string
	f := newFixture(t, nil)
	f.retriever.retrieveFn = func(ctx context.Context, query string, sources []source.Source, kPerSource, kFinal int) (retrieval.Result, error) {
		for _, s := range sources {
			seen = append(seen, s.Name)
		}
		return retrieval.Result{Candidates: []retrieval.Candidate{textCandidate("c1", 0)}}, nil
	}

	// "other" is not registered; the filter resolves to nothing and the
	// retriever is never reached.
	seen = nil
	if _, err := f.executor.ExecuteTurn(context.Background(), "s1", "q", []string{"other"}); err != nil {
		t.Fatalf("execute with unknown filter: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("retriever should not run for unresolvable filter, saw %v", seen)
	}

	seen = nil
	if _, err := f.executor.ExecuteTurn(context.Background(), "s2", "q", []string{"docs"}); err != nil {
		t.Fatalf("execute with filter: %v", err)
	}
	if len(seen) != 1 || seen[0] != "docs" {
		t.Errorf("filter not applied: %v", seen)
	}
}

func TestRenderTable(t *testing.T) {
	rec := vectorstore.Record{
		DocumentID: "d1",
		Section:    "Inventory",
		Text:       "| name | qty |\n| --- | --- |\n| bolts | 40 |\n| nuts | 12 |",
	}
	out := renderTable(rec)

	if !strings.Contains(out, `section "Inventory"`) {
		t.Errorf("section missing from header: %q", out)
	}
	if !strings.Contains(out, `Row 1: name="bolts" qty="40"`) {
		t.Errorf("row 1 not rendered: %q", out)
	}
	if !strings.Contains(out, `Row 2: name="nuts" qty="12"`) {
		t.Errorf("row 2 not rendered: %q", out)
	}
	if strings.Contains(out, "---") {
		t.Errorf("separator row leaked: %q", out)
	}
}

func TestRenderTable_MalformedPassthrough(t *testing.T) {
	rec := vectorstore.Record{Text: "not a table"}
	if out := renderTable(rec); out != "not a table" {
		t.Errorf("malformed table should pass through, got %q", out)
	}
}

func TestSampleEvenly(t *testing.T) {
	records := make([]vectorstore.Record, 10)
	for i := range records {
		records[i].Position = i
	}

	out := sampleEvenly(records, 4)
	if len(out) != 4 {
		t.Fatalf("expected 4 records, got %d", len(out))
	}
	if out[0].Position != 0 || out[3].Position != 9 {
		t.Errorf("first and last must be kept: %d, %d", out[0].Position, out[3].Position)
	}

	// Under the bound, everything is kept.
	if got := sampleEvenly(records[:3], 4); len(got) != 3 {
		t.Errorf("expected passthrough, got %d", len(got))
	}
}

func TestHasDocumentIntent(t *testing.T) {
	f := newFixture(t, nil)
	cases := map[string]bool{
		"Summarize this for me":          true,
		"give me an OVERVIEW":            true,
		"what is this document about":    true,
		"how many bolts are in the bin?": false,
	}
	for query, want := range cases {
		if got := f.executor.hasDocumentIntent(query); got != want {
			t.Errorf("hasDocumentIntent(%q) = %v, want %v", query, got, want)
		}
	}
}
