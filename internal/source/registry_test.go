package source

import (
	"errors"
	"testing"
)

func TestRegistry_AddAssignsPriority(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(Source{Name: "docs", Dimension: 768}); err != nil {
		t.Fatalf("add docs: %v", err)
	}
	if err := r.Add(Source{Name: "wiki", Dimension: 768}); err != nil {
		t.Fatalf("add wiki: %v", err)
	}

	docs, _ := r.Get("docs")
	wiki, _ := r.Get("wiki")
	if docs.Priority != 1 || wiki.Priority != 2 {
		t.Errorf("expected priorities 1, 2; got %d, %d", docs.Priority, wiki.Priority)
	}
}

func TestRegistry_AddExplicitPriorityPreserved(t *testing.T) {
	// Restoring a persisted catalog re-adds sources with their old
	// priorities; new registrations must continue after the highest.
	r := NewRegistry()
	if err := r.Add(Source{Name: "docs", Dimension: 768, Priority: 5}); err != nil {
		t.Fatalf("add docs: %v", err)
	}
	if err := r.Add(Source{Name: "wiki", Dimension: 768}); err != nil {
		t.Fatalf("add wiki: %v", err)
	}

	docs, _ := r.Get("docs")
	wiki, _ := r.Get("wiki")
	if docs.Priority != 5 {
		t.Errorf("explicit priority overwritten: got %d", docs.Priority)
	}
	if wiki.Priority != 6 {
		t.Errorf("expected next priority 6, got %d", wiki.Priority)
	}
}

func TestRegistry_AddValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(Source{Dimension: 768}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Add(Source{Name: "docs"}); err == nil {
		t.Error("expected error for zero dimension")
	}
	if err := r.Add(Source{Name: "docs", Dimension: -1}); err == nil {
		t.Error("expected error for negative dimension")
	}
}

func TestRegistry_AddDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(Source{Name: "docs", Dimension: 768}); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := r.Add(Source{Name: "docs", Dimension: 1536})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(Source{Name: "docs", Dimension: 768}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Remove("docs"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := r.Get("docs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
	if err := r.Remove("docs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for double remove, got %v", err)
	}
}

func TestRegistry_ListOrdered(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		if err := r.Add(Source{Name: name, Dimension: 768}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(list))
	}
	// Registration order, not name order.
	for i, want := range []string{"c", "a", "b"} {
		if list[i].Name != want {
			t.Errorf("position %d: expected %s, got %s", i, want, list[i].Name)
		}
	}
}

func TestRegistry_ResolveSkipsUnknown(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(Source{Name: "docs", Dimension: 768}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(Source{Name: "wiki", Dimension: 768}); err != nil {
		t.Fatalf("add: %v", err)
	}

	resolved := r.Resolve([]string{"wiki", "removed", "docs"})
	if len(resolved) != 2 {
		t.Fatalf("expected 2 resolved sources, got %d", len(resolved))
	}
	// Priority order regardless of input order.
	if resolved[0].Name != "docs" || resolved[1].Name != "wiki" {
		t.Errorf("unexpected resolve order: %s, %s", resolved[0].Name, resolved[1].Name)
	}
}

func TestRegistry_ResolveEmpty(t *testing.T) {
	r := NewRegistry()
	if got := r.Resolve([]string{"anything"}); len(got) != 0 {
		t.Fatalf("expected no sources, got %v", got)
	}
}
