package requestctx

import (
	"context"
	"testing"
)

func TestIdentityFromContextRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "42", DisplayName: "Ada", Role: "teacher"})
	got, ok := IdentityFromContext(ctx)
	if !ok {
		t.Fatal("expected identity in context")
	}
	if got.UserID != "42" || got.Role != "teacher" {
		t.Fatalf("identity = %+v", got)
	}
	if UserIDFromContext(ctx) != "42" {
		t.Fatalf("UserIDFromContext = %q, want 42", UserIDFromContext(ctx))
	}
}

func TestIdentityFromContextEmpty(t *testing.T) {
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatal("expected no identity")
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestIdentityFromContextNil(t *testing.T) {
	if got := UserIDFromContext(nil); got != "" {
		t.Fatalf("expected empty string for nil context, got %q", got)
	}
}

func TestWithIdentityNilContext(t *testing.T) {
	ctx := WithIdentity(nil, Identity{UserID: "99"})
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	if got := UserIDFromContext(ctx); got != "99" {
		t.Fatalf("UserIDFromContext = %q, want 99", got)
	}
}

func TestIdentityWithoutUserIDIsAbsent(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{DisplayName: "nobody"})
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatal("expected identity without user id to be treated as absent")
	}
}
