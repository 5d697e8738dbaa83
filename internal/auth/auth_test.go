package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	t.Setenv("APROVO_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("usr-1", "Ada Architect", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	actor, err := ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if actor.ID != "usr-1" || actor.Name != "Ada Architect" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
	if actor.String() != "Ada Architect" {
		t.Fatalf("String() should prefer the display name, got %q", actor.String())
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	t.Setenv("APROVO_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	if _, err := ParseToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseToken(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestActorContextRoundTrip(t *testing.T) {
	ctx := ContextWithActor(context.Background(), Actor{ID: "usr-2", Name: "Bo"})
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID != "usr-2" {
		t.Fatalf("actor not recovered: %+v ok=%v", actor, ok)
	}
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Fatal("empty context should carry no actor")
	}
}
