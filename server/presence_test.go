package server

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"chatserver/db"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func mustCreateUser(t *testing.T, database *db.DB, username string) {
	t.Helper()

	if _, err := database.CreateUser(context.Background(), username, "pw"); err != nil {
		t.Fatalf("Failed to create %s: %v", username, err)
	}
}

func TestPresenceLogin(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	mustCreateUser(t, database, "alice")

	p := newPresence(database)
	if err := p.load(ctx); err != nil {
		t.Fatalf("Failed to load presence: %v", err)
	}

	first := &client{id: 1}
	second := &client{id: 2}

	if err := p.login(ctx, "alice", first); err != nil {
		t.Fatalf("Failed to login: %v", err)
	}
	if err := p.login(ctx, "alice", first); err != nil {
		t.Errorf("Repeated login on the same client should succeed: %v", err)
	}
	if p.onlineCount() != 1 {
		t.Errorf("Expected 1 online user, got %d", p.onlineCount())
	}

	if err := p.login(ctx, "alice", second); !errors.Is(err, errAlreadyLoggedIn) {
		t.Errorf("Expected errAlreadyLoggedIn, got %v", err)
	}
	if c, ok := p.resolveConnection("alice"); !ok || c != first {
		t.Error("Original session should keep the connection")
	}
	if name, ok := p.resolveUsername(first); !ok || name != "alice" {
		t.Errorf("Expected alice for first client, got %q", name)
	}
	if _, ok := p.resolveUsername(second); ok {
		t.Error("Rejected client must not resolve to a user")
	}

	p.logout("alice")
	if p.isOnline("alice") {
		t.Error("alice still online after logout")
	}
	if _, ok := p.resolveConnection("alice"); ok {
		t.Error("Connection still resolvable after logout")
	}
	if _, ok := p.entry("alice"); !ok {
		t.Error("Identity must survive logout")
	}

	if err := p.login(ctx, "alice", second); err != nil {
		t.Errorf("Login after logout failed: %v", err)
	}
}

func TestPresenceEnsureLoadsLateIdentity(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	p := newPresence(database)
	if err := p.load(ctx); err != nil {
		t.Fatalf("Failed to load presence: %v", err)
	}

	mustCreateUser(t, database, "bob")

	e, err := p.ensure(ctx, "bob")
	if err != nil {
		t.Fatalf("Expected bob to be loaded from the store: %v", err)
	}
	if e.userID == 0 || e.username != "bob" {
		t.Errorf("Unexpected entry %+v", e)
	}

	if _, err := p.ensure(ctx, "ghost"); !errors.Is(err, errUserNotFound) {
		t.Errorf("Expected errUserNotFound, got %v", err)
	}
}

func TestPresenceLoadsFriends(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	mustCreateUser(t, database, "alice")
	mustCreateUser(t, database, "bob")

	alice, _ := database.GetUser(ctx, "alice")
	bob, _ := database.GetUser(ctx, "bob")
	if err := database.AddFriendship(ctx, alice.ID, bob.ID); err != nil {
		t.Fatalf("Failed to add friendship: %v", err)
	}

	p := newPresence(database)
	if err := p.load(ctx); err != nil {
		t.Fatalf("Failed to load presence: %v", err)
	}

	f := &friendGraph{store: database, presence: p}
	if !f.isFriend("alice", "bob") || !f.isFriend("bob", "alice") {
		t.Error("Friendship should be loaded in both directions")
	}
}

func TestPresenceSearch(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	for _, name := range []string{"Alice", "alicia", "bob", "malik"} {
		mustCreateUser(t, database, name)
	}

	p := newPresence(database)
	if err := p.load(ctx); err != nil {
		t.Fatalf("Failed to load presence: %v", err)
	}

	got := p.search("ALI", "alicia", 10)
	want := []string{"Alice", "malik"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
		}
	}

	if got := p.search("a", "", 2); len(got) != 2 {
		t.Errorf("Expected limit to apply, got %v", got)
	}
}
