package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatserver/models"
)

func setupReads(t *testing.T, users ...string) (*readTracker, *groupManager, Store) {
	t.Helper()

	g, _, database := setupGroups(t, users...)
	return &readTracker{store: database, presence: g.presence, groups: g}, g, database
}

func TestMarkAllReadIsMonotone(t *testing.T) {
	ctx := context.Background()
	r, _, store := setupReads(t, "alice", "bob")
	conv := models.Private("bob")

	if moved, err := r.markAllRead(ctx, "alice", conv); err != nil || moved {
		t.Errorf("Empty conversation should not move the marker: %v %v", moved, err)
	}

	for _, text := range []string{"a", "b", "c"} {
		if _, err := store.SavePrivateMessage(ctx, models.Message{Sender: "bob", Recipient: "alice", Text: text, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Failed to save message: %v", err)
		}
	}
	if n, _ := r.unreadCount(ctx, "alice", conv); n != 3 {
		t.Errorf("Expected 3 unread, got %d", n)
	}

	moved, err := r.markAllRead(ctx, "alice", conv)
	if err != nil || !moved {
		t.Fatalf("Expected marker to move: %v %v", moved, err)
	}
	marker, _ := store.ReadMarker(ctx, "alice", conv)

	moved, err = r.markAllRead(ctx, "alice", conv)
	if err != nil || moved {
		t.Errorf("Second mark should be a no-op: %v %v", moved, err)
	}
	if again, _ := store.ReadMarker(ctx, "alice", conv); again != marker {
		t.Errorf("Marker changed from %d to %d", marker, again)
	}
	if n, _ := r.unreadCount(ctx, "alice", conv); n != 0 {
		t.Errorf("Expected 0 unread, got %d", n)
	}
}

func TestResolveConversation(t *testing.T) {
	ctx := context.Background()
	r, g, _ := setupReads(t, "alice", "bob", "carol")

	chat, err := g.create(ctx, "Team", "alice")
	if err != nil {
		t.Fatalf("Failed to create chat: %v", err)
	}

	tests := []struct {
		user string
		key  string
		want models.Conversation
		err  error
	}{
		{"alice", "bob", models.Private("bob"), nil},
		{"alice", "P:bob", models.Private("bob"), nil},
		{"alice", chat.id, models.Group(chat.id), nil},
		{"alice", "G:" + chat.id, models.Group(chat.id), nil},
		{"carol", "G:" + chat.id, models.Conversation{}, errNotMember},
		{"alice", "alice", models.Conversation{}, errSelfConversation},
		{"alice", "nobody", models.Conversation{}, errConversationNotFound},
		{"alice", "X:bob", models.Conversation{}, errConversationNotFound},
	}

	for _, tt := range tests {
		got, err := r.resolve(ctx, tt.user, tt.key)
		if !errors.Is(err, tt.err) {
			t.Errorf("resolve(%s, %q) error = %v, want %v", tt.user, tt.key, err, tt.err)
			continue
		}
		if got != tt.want {
			t.Errorf("resolve(%s, %q) = %s, want %s", tt.user, tt.key, got, tt.want)
		}
	}
}
