package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	oauth "github.com/emberid/oauth-server"
	"github.com/emberid/oauth-server/storage/memory"
)

func TestSeedDemoData(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := storesFrom(store)

	srv, err := oauth.NewServer(stores, &oauth.Config{
		Issuer:          "http://localhost:8080",
		SupportedScopes: []string{"openid", "profile", "email", "offline_access"},
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	if err := seedScopes(ctx, store); err != nil {
		t.Fatalf("seedScopes: %v", err)
	}

	t.Setenv("DEMO_USER_PASSWORD", "demo-password")
	if err := seedDemoData(ctx, srv, stores, logger); err != nil {
		t.Fatalf("seedDemoData: %v", err)
	}

	user, err := store.GetUserByUsername(ctx, "demo")
	if err != nil {
		t.Fatalf("demo user not seeded: %v", err)
	}
	if user.GivenName != "Demo" || user.FamilyName != "User" {
		t.Errorf("demo user name = %q %q, want Demo User", user.GivenName, user.FamilyName)
	}

	client, err := store.GetClient(ctx, "demo-client")
	if err != nil {
		t.Fatalf("demo client not seeded: %v", err)
	}
	if client.ClientName != "Demo Client" {
		t.Errorf("client name = %q", client.ClientName)
	}

	// Seeding again leaves the existing records in place
	if err := seedDemoData(ctx, srv, stores, logger); err != nil {
		t.Fatalf("second seedDemoData: %v", err)
	}
	again, err := store.GetUserByUsername(ctx, "demo")
	if err != nil {
		t.Fatalf("demo user missing after reseed: %v", err)
	}
	if again.Subject != user.Subject {
		t.Error("reseeding replaced the demo user")
	}
}
