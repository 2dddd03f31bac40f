package server

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chatserver/db"
	"chatserver/models"
)

type recordingNotifier struct {
	frames map[string][]string
}

func (n *recordingNotifier) sendToUser(username, frame string) {
	if n.frames == nil {
		n.frames = make(map[string][]string)
	}
	n.frames[username] = append(n.frames[username], frame)
}

func (n *recordingNotifier) received(username, frame string) bool {
	for _, f := range n.frames[username] {
		if f == frame {
			return true
		}
	}
	return false
}

func setupGroups(t *testing.T, users ...string) (*groupManager, *recordingNotifier, *db.DB) {
	t.Helper()

	database := newTestDB(t)
	for _, u := range users {
		mustCreateUser(t, database, u)
	}

	p := newPresence(database)
	if err := p.load(context.Background()); err != nil {
		t.Fatalf("Failed to load presence: %v", err)
	}

	n := &recordingNotifier{}
	return newGroupManager(database, p, n), n, database
}

func TestGroupCreateAndJoin(t *testing.T) {
	ctx := context.Background()
	g, n, database := setupGroups(t, "alice", "bob")

	chat, err := g.create(ctx, "Team", "alice")
	if err != nil {
		t.Fatalf("Failed to create chat: %v", err)
	}
	if !chat.isMember("alice") || chat.creator != "alice" {
		t.Fatalf("Creator should be the first member: %+v", chat)
	}

	joined, err := g.join(ctx, chat.id, "bob", true)
	if err != nil || !joined {
		t.Fatalf("Failed to join: %v", err)
	}
	joined, err = g.join(ctx, chat.id, "bob", true)
	if err != nil || joined {
		t.Errorf("Second join should be a no-op, got %v %v", joined, err)
	}

	if !n.received("alice", "GROUP_MESSAGE:"+chat.id+":System:bob joined the chat") {
		t.Error("Existing member was not told about the join")
	}
	if n.received("bob", "GROUP_MESSAGE:"+chat.id+":System:bob joined the chat") {
		t.Error("Joiner should not get their own join line")
	}

	stored, err := database.GetGroupChat(ctx, chat.id)
	if err != nil {
		t.Fatalf("Failed to load chat: %v", err)
	}
	if strings.Join(stored.Members, ",") != "alice,bob" {
		t.Errorf("Expected stored members alice,bob, got %v", stored.Members)
	}

	chats := g.chatsOf("bob")
	if len(chats) != 1 || chats[0].id != chat.id {
		t.Errorf("Expected bob to be in the chat, got %v", chats)
	}
}

func TestGroupJoinUnknown(t *testing.T) {
	ctx := context.Background()
	g, _, _ := setupGroups(t, "alice")

	if _, err := g.join(ctx, "missing", "alice", true); !errors.Is(err, errChatNotFound) {
		t.Errorf("Expected errChatNotFound, got %v", err)
	}

	chat, err := g.create(ctx, "Team", "alice")
	if err != nil {
		t.Fatalf("Failed to create chat: %v", err)
	}
	if _, err := g.join(ctx, chat.id, "ghost", true); !errors.Is(err, errUserNotFound) {
		t.Errorf("Expected errUserNotFound, got %v", err)
	}
}

func TestGroupLeaveRules(t *testing.T) {
	ctx := context.Background()
	g, n, database := setupGroups(t, "alice", "bob")

	chat, _ := g.create(ctx, "Team", "alice")
	g.join(ctx, chat.id, "bob", false)

	if _, err := g.leave(ctx, chat.id, "alice"); !errors.Is(err, errCreatorMustDelete) {
		t.Errorf("Expected errCreatorMustDelete, got %v", err)
	}

	deleted, err := g.leave(ctx, chat.id, "bob")
	if err != nil || deleted {
		t.Fatalf("bob leaving should not delete the chat: %v %v", deleted, err)
	}
	if !n.received("alice", "GROUP_CHAT_MEMBERS:"+chat.id+":alice") {
		t.Error("Remaining member did not get the new member list")
	}
	if _, err := g.leave(ctx, chat.id, "bob"); !errors.Is(err, errNotMember) {
		t.Errorf("Expected errNotMember, got %v", err)
	}

	deleted, err = g.leave(ctx, chat.id, "alice")
	if err != nil || !deleted {
		t.Fatalf("Last member leaving should delete the chat: %v %v", deleted, err)
	}
	if _, ok := g.chats[chat.id]; ok {
		t.Error("Deleted chat still cached")
	}
	if len(g.chatsOf("alice")) != 0 {
		t.Error("alice still lists the deleted chat")
	}
	if _, err := database.GetGroupChat(ctx, chat.id); !errors.Is(err, db.ErrNoRows) {
		t.Errorf("Deleted chat still stored: %v", err)
	}
}

func TestGroupDelete(t *testing.T) {
	ctx := context.Background()
	g, n, _ := setupGroups(t, "alice", "bob")

	chat, _ := g.create(ctx, "Team", "alice")
	g.join(ctx, chat.id, "bob", false)

	if err := g.delete(ctx, chat.id, "bob"); !errors.Is(err, errNotCreator) {
		t.Fatalf("Expected errNotCreator, got %v", err)
	}
	if len(chat.members) != 2 {
		t.Fatal("Failed delete must not change membership")
	}

	if err := g.delete(ctx, chat.id, "alice"); err != nil {
		t.Fatalf("Failed to delete chat: %v", err)
	}
	for _, u := range []string{"alice", "bob"} {
		if !n.received(u, "GROUP_CHAT_DELETED:"+chat.id) {
			t.Errorf("%s was not told about the deletion", u)
		}
	}

	if err := g.delete(ctx, chat.id, "alice"); !errors.Is(err, errChatNotFound) {
		t.Errorf("Expected errChatNotFound, got %v", err)
	}
}

func TestGroupMessagesAndHistory(t *testing.T) {
	ctx := context.Background()
	g, n, _ := setupGroups(t, "alice", "bob", "carol")

	chat, _ := g.create(ctx, "Team", "alice")
	g.join(ctx, chat.id, "bob", false)

	history, err := g.history(ctx, chat.id)
	if err != nil {
		t.Fatalf("Failed to load history: %v", err)
	}
	if len(history) != 1 || history[0].Sender != systemSender || history[0].Text != "History is empty" {
		t.Errorf("Expected synthetic empty record, got %+v", history)
	}

	if _, err := g.sendMessage(ctx, chat.id, "carol", "hi"); !errors.Is(err, errNotMember) {
		t.Errorf("Expected errNotMember, got %v", err)
	}

	m, err := g.sendMessage(ctx, chat.id, "bob", "a:b:c")
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if m.ID == 0 {
		t.Error("Expected a stored message id")
	}
	for _, u := range []string{"alice", "bob"} {
		if !n.received(u, "GROUP_MESSAGE:"+chat.id+":bob:a:b:c") {
			t.Errorf("%s did not get the message", u)
		}
	}
	if len(n.frames["carol"]) != 0 {
		t.Error("Non-member received group traffic")
	}

	history, _ = g.history(ctx, chat.id)
	if len(history) != 1 || history[0].Text != "a:b:c" {
		t.Errorf("Unexpected history %+v", history)
	}
}

func TestGroupCacheFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	g, _, database := setupGroups(t, "alice")

	if err := database.CreateGroupChat(ctx, models.GroupChat{ID: "late", Name: "Late", Creator: "alice"}); err != nil {
		t.Fatalf("Failed to create chat: %v", err)
	}
	if _, err := database.AddGroupMember(ctx, "late", "alice"); err != nil {
		t.Fatalf("Failed to add member: %v", err)
	}

	chat, err := g.get(ctx, "late")
	if err != nil {
		t.Fatalf("Expected chat from store: %v", err)
	}
	if !chat.isMember("alice") {
		t.Error("Store members not mirrored into the cache")
	}
	if len(g.chatsOf("alice")) != 1 {
		t.Error("Member's chat list not updated from the store")
	}
}

func TestGroupLeaveWithMissingMembershipDeletesChat(t *testing.T) {
	ctx := context.Background()
	g, _, database := setupGroups(t, "alice")

	// The cache believes alice is a member; the store has no membership row.
	if err := database.CreateGroupChat(ctx, models.GroupChat{ID: "stale", Name: "Stale", Creator: "alice"}); err != nil {
		t.Fatalf("Failed to create chat: %v", err)
	}
	if _, err := database.SaveGroupMessage(ctx, models.GroupMessage{ChatID: "stale", Sender: "alice", Text: "hi", Timestamp: g.now()}); err != nil {
		t.Fatalf("Failed to save message: %v", err)
	}
	g.register(models.GroupChat{ID: "stale", Name: "Stale", Creator: "alice", Members: []string{"alice"}})

	deleted, err := g.leave(ctx, "stale", "alice")
	if err != nil || !deleted {
		t.Fatalf("Expected chat to be deleted, got %v %v", deleted, err)
	}
	if _, err := database.GetGroupChat(ctx, "stale"); !errors.Is(err, db.ErrNoRows) {
		t.Errorf("Chat row survived: %v", err)
	}
	if history, _ := database.GroupHistory(ctx, "stale"); len(history) != 0 {
		t.Errorf("Messages survived: %d", len(history))
	}

	chats, err := database.ListGroupChats(ctx)
	if err != nil {
		t.Fatalf("Failed to list chats: %v", err)
	}
	if len(chats) != 0 {
		t.Errorf("A reload would bring back %d chats", len(chats))
	}
}
