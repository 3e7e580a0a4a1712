package auditctx

import (
	"context"
	"testing"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{UserID: "user-1", Source: "cli"})

	actor, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected actor in context")
	}
	if actor.UserID != "user-1" || actor.Source != "cli" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestFromContextMissing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no actor")
	}
	if _, ok := FromContext(nil); ok {
		t.Fatal("expected no actor for nil context")
	}
}

func TestWithActorNilContext(t *testing.T) {
	ctx := WithActor(nil, Actor{UserID: "user-2"})
	actor, ok := FromContext(ctx)
	if !ok || actor.UserID != "user-2" {
		t.Fatalf("unexpected actor %+v ok=%v", actor, ok)
	}
}
