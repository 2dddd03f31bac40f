package server

import (
	"context"
	"errors"
	"sort"
	"time"

	"chatserver/db"
	"chatserver/metrics"
	"chatserver/models"
	"chatserver/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const systemSender = "System"

type groupChat struct {
	id      string
	name    string
	creator string
	members map[string]struct{}
}

func (g *groupChat) isMember(username string) bool {
	_, ok := g.members[username]
	return ok
}

func (g *groupChat) memberList() []string {
	names := make([]string, 0, len(g.members))
	for name := range g.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// notifier delivers a frame to a user if they are online.
type notifier interface {
	sendToUser(username, frame string)
}

// groupManager runs the group chat lifecycle on top of the presence cache.
// Like presence it belongs to the server loop.
type groupManager struct {
	store    Store
	presence *presence
	notify   notifier
	chats    map[string]*groupChat
	now      func() time.Time
}

func newGroupManager(store Store, p *presence, n notifier) *groupManager {
	return &groupManager{
		store:    store,
		presence: p,
		notify:   n,
		chats:    make(map[string]*groupChat),
		now:      time.Now,
	}
}

func (g *groupManager) load(ctx context.Context) error {
	chats, err := g.store.ListGroupChats(ctx)
	if err != nil {
		return err
	}
	for _, c := range chats {
		g.register(c)
	}
	return nil
}

// register mirrors a stored chat and its members into the cache.
func (g *groupManager) register(c models.GroupChat) *groupChat {
	chat := &groupChat{
		id:      c.ID,
		name:    c.Name,
		creator: c.Creator,
		members: make(map[string]struct{}, len(c.Members)),
	}
	for _, m := range c.Members {
		chat.members[m] = struct{}{}
		if e, ok := g.presence.entry(m); ok {
			e.groups[c.ID] = struct{}{}
		} else {
			log.Warn().Str("chat", c.ID).Str("user", m).Msg("group member has no cached identity")
		}
	}
	g.chats[c.ID] = chat
	return chat
}

// get returns the cached chat, falling back to the store.
func (g *groupManager) get(ctx context.Context, chatID string) (*groupChat, error) {
	if chat, ok := g.chats[chatID]; ok {
		return chat, nil
	}

	c, err := g.store.GetGroupChat(ctx, chatID)
	if errors.Is(err, db.ErrNoRows) {
		return nil, errChatNotFound
	}
	if err != nil {
		return nil, err
	}

	log.Warn().Str("chat", chatID).Msg("group cache miss, chat loaded from store")
	return g.register(c), nil
}

func (g *groupManager) create(ctx context.Context, name, creator string) (*groupChat, error) {
	if _, err := g.presence.ensure(ctx, creator); err != nil {
		return nil, err
	}

	c := models.GroupChat{ID: uuid.NewString(), Name: name, Creator: creator}
	if err := g.store.CreateGroupChat(ctx, c); err != nil {
		return nil, err
	}
	chat := g.register(c)

	if _, err := g.join(ctx, chat.id, creator, false); err != nil {
		if delErr := g.store.DeleteGroupChat(ctx, chat.id); delErr != nil {
			log.Error().Err(delErr).Str("chat", chat.id).Msg("failed to roll back group chat")
		}
		delete(g.chats, chat.id)
		return nil, err
	}

	log.Info().Str("chat", chat.id).Str("user", creator).Msg("group chat created")
	return chat, nil
}

// join adds username to the chat and reports whether anything changed. With
// announce set the existing members get a system line.
func (g *groupManager) join(ctx context.Context, chatID, username string, announce bool) (bool, error) {
	chat, err := g.get(ctx, chatID)
	if err != nil {
		return false, err
	}
	if chat.isMember(username) {
		return false, nil
	}

	e, err := g.presence.ensure(ctx, username)
	if err != nil {
		return false, err
	}

	if _, err := g.store.AddGroupMember(ctx, chatID, username); err != nil {
		return false, err
	}
	chat.members[username] = struct{}{}
	e.groups[chatID] = struct{}{}

	if announce {
		g.systemMessage(ctx, chat, username+" joined the chat", username)
	}
	return true, nil
}

// leave removes username. The last member leaving deletes the chat, which is
// reported through the first return value. The creator may only leave an
// otherwise empty chat.
func (g *groupManager) leave(ctx context.Context, chatID, username string) (bool, error) {
	chat, err := g.get(ctx, chatID)
	if err != nil {
		return false, err
	}
	if !chat.isMember(username) {
		return false, errNotMember
	}
	if username == chat.creator && len(chat.members) > 1 {
		return false, errCreatorMustDelete
	}

	remaining, err := g.store.RemoveGroupMember(ctx, chatID, username)
	if err != nil && !errors.Is(err, db.ErrNoRows) {
		return false, err
	}
	if errors.Is(err, db.ErrNoRows) {
		log.Warn().Str("chat", chatID).Str("user", username).Msg("membership missing in store, dropping cached copy")
		remaining = len(chat.members) - 1
		if remaining == 0 {
			// The store did not cascade, so the chat row is still there.
			if err := g.store.DeleteGroupChat(ctx, chatID); err != nil && !errors.Is(err, db.ErrNoRows) {
				return false, err
			}
		}
	}

	delete(chat.members, username)
	if e, ok := g.presence.entry(username); ok {
		delete(e.groups, chatID)
	}

	if remaining == 0 {
		g.forget(chat)
		log.Info().Str("chat", chatID).Msg("group chat deleted after last member left")
		return true, nil
	}

	g.systemMessage(ctx, chat, username+" left the chat", "")
	g.broadcastInfo(chat)
	return false, nil
}

// delete removes the chat with its messages and members. Only the creator
// may do this. Every former member is told individually.
func (g *groupManager) delete(ctx context.Context, chatID, requester string) error {
	chat, err := g.get(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.creator != requester {
		return errNotCreator
	}

	if err := g.store.DeleteGroupChat(ctx, chatID); err != nil && !errors.Is(err, db.ErrNoRows) {
		return err
	}

	members := chat.memberList()
	g.forget(chat)

	frame := protocol.Format("GROUP_CHAT_DELETED", chatID)
	for _, m := range members {
		g.notify.sendToUser(m, frame)
	}

	log.Info().Str("chat", chatID).Str("user", requester).Msg("group chat deleted")
	return nil
}

func (g *groupManager) forget(chat *groupChat) {
	for m := range chat.members {
		if e, ok := g.presence.entry(m); ok {
			delete(e.groups, chat.id)
		}
	}
	delete(g.chats, chat.id)
}

// sendMessage persists the message and fans it out to online members.
func (g *groupManager) sendMessage(ctx context.Context, chatID, sender, text string) (models.GroupMessage, error) {
	chat, err := g.get(ctx, chatID)
	if err != nil {
		return models.GroupMessage{}, err
	}
	if !chat.isMember(sender) {
		return models.GroupMessage{}, errNotMember
	}

	return g.post(ctx, chat, sender, text, "")
}

// post persists the message and fans it out to every member except skip.
func (g *groupManager) post(ctx context.Context, chat *groupChat, sender, text, skip string) (models.GroupMessage, error) {
	m := models.GroupMessage{ChatID: chat.id, Sender: sender, Text: text, Timestamp: g.now()}

	id, err := g.store.SaveGroupMessage(ctx, m)
	if err != nil {
		return models.GroupMessage{}, err
	}
	m.ID = id
	metrics.MessagesTotal.WithLabelValues("group").Inc()

	frame := protocol.Format("GROUP_MESSAGE", chat.id, sender, text)
	for _, member := range chat.memberList() {
		if member != skip {
			g.notify.sendToUser(member, frame)
		}
	}
	return m, nil
}

// systemMessage posts a line from the system sender to every member except
// skip. Failures are logged only; they never undo the membership change that
// caused them.
func (g *groupManager) systemMessage(ctx context.Context, chat *groupChat, text, skip string) {
	if _, err := g.post(ctx, chat, systemSender, text, skip); err != nil {
		log.Error().Err(err).Str("chat", chat.id).Msg("failed to post system message")
	}
}

// history returns the whole chat oldest first. An empty chat yields one
// synthetic system record.
func (g *groupManager) history(ctx context.Context, chatID string) ([]models.GroupMessage, error) {
	messages, err := g.store.GroupHistory(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return []models.GroupMessage{{
			ChatID:    chatID,
			Sender:    systemSender,
			Text:      "History is empty",
			Timestamp: g.now(),
		}}, nil
	}
	return messages, nil
}

// chatsOf lists username's chats ordered by name.
func (g *groupManager) chatsOf(username string) []*groupChat {
	e, ok := g.presence.entry(username)
	if !ok {
		return nil
	}

	chats := make([]*groupChat, 0, len(e.groups))
	for id := range e.groups {
		if chat, ok := g.chats[id]; ok {
			chats = append(chats, chat)
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].name != chats[j].name {
			return chats[i].name < chats[j].name
		}
		return chats[i].id < chats[j].id
	})
	return chats
}

func infoFrames(chat *groupChat) []string {
	return []string{
		protocol.Format("GROUP_CHAT_INFO", chat.id, chat.creator, chat.name),
		protocol.FormatList("GROUP_CHAT_MEMBERS:"+chat.id, chat.memberList()),
	}
}

// broadcastInfo sends the current chat info to every member.
func (g *groupManager) broadcastInfo(chat *groupChat) {
	frames := infoFrames(chat)
	for _, m := range chat.memberList() {
		for _, f := range frames {
			g.notify.sendToUser(m, f)
		}
	}
}
