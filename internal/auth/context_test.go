// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests context propagation helpers and the anonymous fallback

package auth

import (
	"context"
	"testing"
)

func TestFromContext(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext(empty) = %v, want nil", got)
	}

	ctx := WithAuth(context.Background(), &AuthContext{Subject: "alice"})
	got := FromContext(ctx)
	if got == nil || got.Subject != "alice" {
		t.Fatalf("FromContext() = %+v, want subject alice", got)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(context.Background()); got != "anonymous" {
		t.Errorf("Subject(empty) = %q, want anonymous", got)
	}
	ctx := WithAuth(context.Background(), &AuthContext{Subject: "bob"})
	if got := Subject(ctx); got != "bob" {
		t.Errorf("Subject() = %q, want bob", got)
	}
}
