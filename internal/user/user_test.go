package user

import (
	"context"
	"testing"
	"time"
)

func TestNormalizeEmail(t *testing.T) {
	cases := map[string]string{
		"  Alice@Example.COM ": "alice@example.com",
		"bob@example.com":      "bob@example.com",
	}
	for in, want := range cases {
		if got := NormalizeEmail(in); got != want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMemoryStoreEmailLookup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Create(ctx, &User{
		ID:        "usr_1",
		Email:     "Alice@Example.com",
		Name:      "Alice",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Lookup is case-insensitive; onboarding emails come back in any casing.
	u, err := store.GetByEmail(ctx, "ALICE@example.COM")
	if err != nil {
		t.Fatalf("GetByEmail failed: %v", err)
	}
	if u.ID != "usr_1" {
		t.Errorf("Expected usr_1, got %s", u.ID)
	}

	if _, err := store.GetByEmail(ctx, "nobody@example.com"); err != ErrUserNotFound {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}
