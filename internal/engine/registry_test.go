package engine

import (
	"context"
	"testing"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
)

type stubProvider struct{ tag Tag }

func (s stubProvider) Tag() Tag { return s.tag }
func (s stubProvider) Connect(ctx context.Context, endpoint Endpoint) (Conn, error) {
	return nil, nil
}

func TestRegistryLookupUnknownEngine(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(Tag("oracle"))
	if err == nil {
		t.Fatal("expected an error for unregistered tag")
	}
	if !dberrors.IsUnknownEngine(err) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(stubProvider{tag: Postgres})

	p, err := r.Lookup(Postgres)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Tag() != Postgres {
		t.Fatalf("got tag %q, want %q", p.Tag(), Postgres)
	}

	if got := r.Tags(); len(got) != 1 || got[0] != Postgres {
		t.Fatalf("Tags() = %v, want [postgres]", got)
	}
}
