package fake

import (
	"context"
	"errors"
	"testing"

	"tabrunner/internal/document"
)

func TestReadyAfterAndClose(t *testing.T) {
	ctx := context.Background()
	o := New(Config{ReadyAfter: 2})
	doc, err := o.Open(ctx, "https://example.test")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, want := range []bool{false, false, true} {
		got, err := doc.Evaluate(ctx, "ready()")
		if err != nil || got != want {
			t.Fatalf("Evaluate #%d = %v, %v", i+1, got, err)
		}
	}
	_ = doc.Close(ctx)
	_ = doc.Close(ctx)
	if _, err := doc.Mutate(ctx, "fill()"); !errors.Is(err, document.ErrClosed) {
		t.Fatalf("Mutate after close err = %v", err)
	}
	if docs := o.Documents(); len(docs) != 1 || !docs[0].Closed() {
		t.Fatalf("documents = %+v", docs)
	}
}

func TestMutateOverride(t *testing.T) {
	ctx := context.Background()
	o := New(Config{Mutate: func(_, _ string, call int) (bool, error) { return call != 2, nil }})
	doc, _ := o.Open(ctx, "u1")
	for i, want := range []bool{true, false, true} {
		if got, _ := doc.Mutate(ctx, "x"); got != want {
			t.Fatalf("Mutate #%d = %v", i+1, got)
		}
	}
	if n := len(o.Documents()[0].Mutations()); n != 3 {
		t.Fatalf("mutations = %d", n)
	}
}
