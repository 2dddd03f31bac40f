package server

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"chatserver/db"
	"chatserver/metrics"
	"chatserver/models"
	"chatserver/protocol"

	"github.com/rs/zerolog/log"
)

const (
	maxUsernameLen = 32
	maxChatNameLen = 64

	// maxMessageLen leaves room for the longest prefix a message is relayed
	// or replayed with: verb, chat id, two usernames and a timestamp.
	maxMessageLen = protocol.MaxFrameSize - 256
)

type handlerFunc func(s *Server, ctx context.Context, c *client, user string, args []string)

type route struct {
	args   int
	public bool // allowed before authentication
	handle handlerFunc
}

var routes map[string]route

func init() {
	routes = map[string]route{
		"PING":                {0, true, (*Server).handlePing},
		"HELP":                {0, true, (*Server).handleHelp},
		"AUTH":                {2, true, (*Server).handleAuth},
		"REGISTER":            {2, true, (*Server).handleRegister},
		"LOGOUT":              {0, false, (*Server).handleLogout},
		"GET_USERS":           {0, false, (*Server).handleGetUsers},
		"GET_USERLIST":        {0, false, (*Server).handleGetUsers},
		"PRIVATE":             {2, false, (*Server).handlePrivate},
		"GET_PRIVATE_HISTORY": {2, false, (*Server).handleGetPrivateHistory},
		"GET_PUBLIC_HISTORY":  {0, false, (*Server).handleGetPublicHistory},
		"BROADCAST":           {1, false, (*Server).handleBroadcast},
		"CREATE_GROUP_CHAT":   {1, false, (*Server).handleCreateGroupChat},
		"JOIN_GROUP_CHAT":     {1, false, (*Server).handleJoinGroupChat},
		"LEAVE_GROUP_CHAT":    {1, false, (*Server).handleLeaveGroupChat},
		"GROUP_MESSAGE":       {2, false, (*Server).handleGroupMessage},
		"GROUP_ADD_USER":      {2, false, (*Server).handleGroupAddUser},
		"GROUP_REMOVE_USER":   {2, false, (*Server).handleGroupRemoveUser},
		"DELETE_GROUP_CHAT":   {1, false, (*Server).handleDeleteGroupChat},
		"GET_GROUP_HISTORY":   {1, false, (*Server).handleGetGroupHistory},
		"GET_GROUP_MEMBERS":   {1, false, (*Server).handleGetGroupMembers},
		"SEARCH_USERS":        {1, false, (*Server).handleSearchUsers},
		"ADD_FRIEND":          {1, false, (*Server).handleAddFriend},
		"REMOVE_FRIEND":       {1, false, (*Server).handleRemoveFriend},
		"MARK_READ":           {1, false, (*Server).handleMarkRead},
		"GET_UNREAD_COUNT":    {1, false, (*Server).handleGetUnreadCount},
	}
}

// dispatch authenticates the connection and routes one frame. Unknown verbs
// from an authenticated connection are legacy public broadcasts of the whole
// frame.
func (s *Server) dispatch(c *client, raw string) {
	cmd := protocol.Parse(raw)
	user, authed := s.presence.resolveUsername(c)

	r, known := routes[cmd.Verb]
	if !known {
		if !authed {
			s.sendError(c, "Authentication required")
			return
		}
		metrics.CommandsTotal.WithLabelValues("BROADCAST").Inc()
		ctx, cancel := s.storeContext()
		defer cancel()
		s.broadcastPublic(ctx, c, user, raw)
		return
	}

	metrics.CommandsTotal.WithLabelValues(cmd.Verb).Inc()
	log.Debug().Str("remote", c.remote).Str("user", user).Str("verb", cmd.Verb).Msg("command")

	if !r.public && !authed {
		s.sendError(c, "Authentication required")
		return
	}

	args, ok := cmd.Args(r.args)
	if !ok {
		s.sendError(c, "Malformed command: "+cmd.Verb)
		return
	}

	ctx, cancel := s.storeContext()
	defer cancel()
	r.handle(s, ctx, c, user, args)
}

func (s *Server) sendError(c *client, reason string) {
	s.send(c, protocol.Format("ERROR", reason))
}

func (s *Server) sendFailed(c *client, verb, reason string) {
	s.send(c, protocol.Format(verb+"_FAILED", reason))
}

// fail reports err as a *_FAILED frame. Domain errors carry their own
// reason; anything else is logged as a store failure.
func (s *Server) fail(c *client, verb string, err error) {
	if reason, ok := failureReason(err); ok {
		s.sendFailed(c, verb, reason)
		return
	}
	log.Error().Err(err).Str("verb", verb).Str("remote", c.remote).Msg("store operation failed")
	metrics.StoreErrorsTotal.Inc()
	s.sendFailed(c, verb, "Internal error")
}

func validUsername(name string) bool {
	if name == "" || utf8.RuneCountInString(name) > maxUsernameLen {
		return false
	}
	for _, r := range name {
		if r == ':' || r == ',' || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func (s *Server) handlePing(ctx context.Context, c *client, user string, args []string) {
	s.send(c, "PONG")
}

func (s *Server) handleHelp(ctx context.Context, c *client, user string, args []string) {
	verbs := make([]string, 0, len(routes))
	for verb := range routes {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)
	s.send(c, protocol.FormatList("HELP", verbs))
}

func (s *Server) handleAuth(ctx context.Context, c *client, user string, args []string) {
	if user != "" {
		s.sendFailed(c, "AUTH", "ALREADY_AUTHENTICATED")
		return
	}

	username, password := args[0], args[1]
	if username == "" || password == "" {
		s.send(c, "AUTH_FAILED")
		return
	}

	u, ok, err := s.store.AuthenticateUser(ctx, username, password)
	if err != nil {
		s.fail(c, "AUTH", err)
		return
	}
	if !ok {
		log.Info().Str("remote", c.remote).Str("user", username).Msg("authentication failed")
		s.send(c, "AUTH_FAILED")
		return
	}

	// The existing session wins; a second login with the same credentials
	// must not take it over.
	if s.presence.isOnline(username) {
		log.Warn().Str("remote", c.remote).Str("user", username).Msg("rejected second login")
		s.sendFailed(c, "AUTH", "ALREADY_LOGGED_IN")
		return
	}

	s.presence.addIdentity(u)
	if err := s.presence.login(ctx, username, c); err != nil {
		s.fail(c, "AUTH", err)
		return
	}

	s.send(c, "AUTH_SUCCESS")
	log.Info().Str("remote", c.remote).Str("user", username).Msg("user authenticated")

	s.pushOfflineMessages(ctx, c, username)
	s.pushPublicHistory(ctx, c)
	for _, chat := range s.groups.chatsOf(username) {
		for _, f := range infoFrames(chat) {
			s.send(c, f)
		}
	}
	s.broadcastUserList()
}

func (s *Server) pushOfflineMessages(ctx context.Context, c *client, username string) {
	messages, err := s.store.UnreadPrivateMessages(ctx, username)
	if err != nil {
		log.Error().Err(err).Str("user", username).Msg("failed to load offline messages")
		metrics.StoreErrorsTotal.Inc()
		return
	}
	for _, m := range messages {
		s.send(c, protocol.Format("OFFLINE_MESSAGE", m.Sender, protocol.FormatTime(m.Timestamp), m.Text))
	}
}

func (s *Server) pushPublicHistory(ctx context.Context, c *client) {
	messages, err := s.store.RecentPublicMessages(ctx, s.config.PublicHistoryLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to load public history")
		metrics.StoreErrorsTotal.Inc()
		messages = nil
	}

	s.send(c, protocol.Format("PUBLIC_HISTORY_CMD", "BEGIN"))
	for _, m := range messages {
		s.send(c, protocol.Format("PUBLIC_HISTORY_MSG", m.Sender, protocol.FormatTime(m.Timestamp), m.Text))
	}
	s.send(c, protocol.Format("PUBLIC_HISTORY_CMD", "END"))
}

func (s *Server) handleRegister(ctx context.Context, c *client, user string, args []string) {
	username, password := args[0], args[1]
	if !validUsername(username) {
		s.sendFailed(c, "REGISTER", "Invalid username")
		return
	}
	if password == "" {
		s.sendFailed(c, "REGISTER", "Password required")
		return
	}

	u, err := s.store.CreateUser(ctx, username, password)
	if errors.Is(err, db.ErrUserExists) {
		s.sendFailed(c, "REGISTER", "User already exists")
		return
	}
	if err != nil {
		s.fail(c, "REGISTER", err)
		return
	}

	s.presence.addIdentity(u)
	s.send(c, "REGISTER_SUCCESS")
	log.Info().Str("remote", c.remote).Str("user", username).Msg("user registered")
}

func (s *Server) handleLogout(ctx context.Context, c *client, user string, args []string) {
	s.presence.logout(user)
	s.send(c, "LOGOUT_SUCCESS")
	s.closeClient(c, true)
	s.broadcastUserList()
	log.Info().Str("remote", c.remote).Str("user", user).Msg("user logged out")
}

func (s *Server) handleGetUsers(ctx context.Context, c *client, user string, args []string) {
	s.send(c, s.userListFor(user))
}

func (s *Server) handlePrivate(ctx context.Context, c *client, user string, args []string) {
	recipient, text := args[0], args[1]
	if recipient == "" {
		s.sendFailed(c, "PRIVATE", "Recipient required")
		return
	}
	if text == "" {
		s.sendFailed(c, "PRIVATE", "Message text required")
		return
	}
	if len(text) > maxMessageLen {
		s.sendFailed(c, "PRIVATE", "Message too long")
		return
	}
	if recipient == user {
		s.sendFailed(c, "PRIVATE", "Cannot message yourself")
		return
	}

	if _, err := s.presence.ensure(ctx, recipient); err != nil {
		if errors.Is(err, errUserNotFound) {
			s.sendFailed(c, "PRIVATE", "Recipient not found")
			return
		}
		s.fail(c, "PRIVATE", err)
		return
	}

	key := dedupKey("PRIVATE", user, recipient, text)
	if s.dedup.seenRecently(key) {
		s.sendFailed(c, "PRIVATE", "Duplicate message")
		return
	}

	m := models.Message{Sender: user, Recipient: recipient, Text: text, Timestamp: time.Now()}
	id, err := s.store.SavePrivateMessage(ctx, m)
	if err != nil {
		s.fail(c, "PRIVATE", err)
		return
	}
	s.dedup.remember(key)
	metrics.MessagesTotal.WithLabelValues("private").Inc()

	// Offline recipients pick the stored row up at their next login.
	s.sendToUser(recipient, protocol.Format("PRIVATE", user, text))
	s.send(c, protocol.Format("PRIVATE_SENT", recipient, strconv.FormatInt(id, 10)))
}

func (s *Server) handleGetPrivateHistory(ctx context.Context, c *client, user string, args []string) {
	a, b := args[0], args[1]
	var peer string
	switch user {
	case a:
		peer = b
	case b:
		peer = a
	default:
		s.sendFailed(c, "GET_PRIVATE_HISTORY", "Access denied")
		return
	}

	messages, err := s.store.PrivateHistory(ctx, a, b)
	if err != nil {
		s.fail(c, "GET_PRIVATE_HISTORY", err)
		return
	}

	s.send(c, protocol.Format("PRIVATE_HISTORY_CMD", "BEGIN", peer))
	for _, m := range messages {
		s.send(c, protocol.Format("PRIVATE_HISTORY_MSG", m.Sender, m.Recipient, protocol.FormatTime(m.Timestamp), m.Text))
	}
	s.send(c, protocol.Format("PRIVATE_HISTORY_CMD", "END", peer))
}

func (s *Server) handleGetPublicHistory(ctx context.Context, c *client, user string, args []string) {
	s.pushPublicHistory(ctx, c)
}

func (s *Server) handleBroadcast(ctx context.Context, c *client, user string, args []string) {
	s.broadcastPublic(ctx, c, user, args[0])
}

func (s *Server) broadcastPublic(ctx context.Context, c *client, user, text string) {
	if strings.TrimSpace(text) == "" {
		s.sendFailed(c, "BROADCAST", "Message text required")
		return
	}
	if len(text) > maxMessageLen {
		s.sendFailed(c, "BROADCAST", "Message too long")
		return
	}

	key := dedupKey("BROADCAST", user, text)
	if s.dedup.seenRecently(key) {
		s.sendFailed(c, "BROADCAST", "Duplicate message")
		return
	}

	m := models.PublicMessage{Sender: user, Text: text, Timestamp: time.Now()}
	if _, err := s.store.SavePublicMessage(ctx, m); err != nil {
		s.fail(c, "BROADCAST", err)
		return
	}
	s.dedup.remember(key)
	metrics.MessagesTotal.WithLabelValues("public").Inc()

	frame := protocol.Format("BROADCAST", user, text)
	for _, name := range s.presence.onlineUsers() {
		s.sendToUser(name, frame)
	}
}

func (s *Server) handleCreateGroupChat(ctx context.Context, c *client, user string, args []string) {
	name := strings.TrimSpace(args[0])
	if name == "" || utf8.RuneCountInString(name) > maxChatNameLen || strings.Contains(name, ",") {
		s.sendFailed(c, "CREATE_GROUP_CHAT", "Invalid chat name")
		return
	}

	chat, err := s.groups.create(ctx, name, user)
	if err != nil {
		s.fail(c, "CREATE_GROUP_CHAT", err)
		return
	}

	s.send(c, protocol.Format("GROUP_CHAT_CREATED", chat.id, chat.name))
	for _, f := range infoFrames(chat) {
		s.send(c, f)
	}
	s.send(c, s.userListFor(user))
}

func (s *Server) handleJoinGroupChat(ctx context.Context, c *client, user string, args []string) {
	chatID := args[0]
	if _, err := s.groups.join(ctx, chatID, user, true); err != nil {
		s.fail(c, "JOIN_GROUP_CHAT", err)
		return
	}

	chat, err := s.groups.get(ctx, chatID)
	if err != nil {
		s.fail(c, "JOIN_GROUP_CHAT", err)
		return
	}

	s.send(c, protocol.Format("GROUP_CHAT_JOINED", chat.id, chat.name))
	s.groups.broadcastInfo(chat)
	s.broadcastUserList()
}

func (s *Server) handleLeaveGroupChat(ctx context.Context, c *client, user string, args []string) {
	s.removeMember(ctx, c, user, args[0], user, "LEAVE_GROUP_CHAT")
}

func (s *Server) handleGroupRemoveUser(ctx context.Context, c *client, user string, args []string) {
	s.removeMember(ctx, c, user, args[0], args[1], "GROUP_REMOVE_USER")
}

// removeMember takes target out of the chat. Members may remove themselves;
// only the creator may remove someone else.
func (s *Server) removeMember(ctx context.Context, c *client, requester, chatID, target, verb string) {
	chat, err := s.groups.get(ctx, chatID)
	if err != nil {
		s.fail(c, verb, err)
		return
	}
	if requester != target && requester != chat.creator {
		s.fail(c, verb, errNotCreator)
		return
	}

	if _, err := s.groups.leave(ctx, chatID, target); err != nil {
		s.fail(c, verb, err)
		return
	}

	if verb == "LEAVE_GROUP_CHAT" {
		s.send(c, protocol.Format("GROUP_CHAT_LEFT", chatID))
	} else {
		s.send(c, protocol.Format("GROUP_REMOVE_USER_SUCCESS", chatID, target))
		if target != requester {
			s.sendToUser(target, protocol.Format("GROUP_CHAT_REMOVED", chatID))
		}
	}
	s.broadcastUserList()
}

func (s *Server) handleGroupMessage(ctx context.Context, c *client, user string, args []string) {
	chatID, text := args[0], args[1]
	if text == "" {
		s.sendFailed(c, "GROUP_MESSAGE", "Message text required")
		return
	}
	if len(text) > maxMessageLen {
		s.sendFailed(c, "GROUP_MESSAGE", "Message too long")
		return
	}

	key := dedupKey("GROUP_MESSAGE", user, chatID, text)
	if s.dedup.seenRecently(key) {
		s.sendFailed(c, "GROUP_MESSAGE", "Duplicate message")
		return
	}

	if _, err := s.groups.sendMessage(ctx, chatID, user, text); err != nil {
		s.fail(c, "GROUP_MESSAGE", err)
		return
	}
	s.dedup.remember(key)
}

// handleGroupAddUser lets any member add another user. The inviter's notice
// replaces the usual join announcement.
func (s *Server) handleGroupAddUser(ctx context.Context, c *client, user string, args []string) {
	chatID, target := args[0], args[1]

	chat, err := s.groups.get(ctx, chatID)
	if err != nil {
		s.fail(c, "GROUP_ADD_USER", err)
		return
	}
	if !chat.isMember(user) {
		s.fail(c, "GROUP_ADD_USER", errNotMember)
		return
	}

	joined, err := s.groups.join(ctx, chatID, target, false)
	if err != nil {
		s.fail(c, "GROUP_ADD_USER", err)
		return
	}
	if !joined {
		s.sendFailed(c, "GROUP_ADD_USER", "User is already a member")
		return
	}

	s.groups.systemMessage(ctx, chat, user+" added "+target, "")
	s.send(c, protocol.Format("GROUP_ADD_USER_SUCCESS", chatID, target))
	s.groups.broadcastInfo(chat)
	s.broadcastUserList()
}

func (s *Server) handleDeleteGroupChat(ctx context.Context, c *client, user string, args []string) {
	if err := s.groups.delete(ctx, args[0], user); err != nil {
		s.fail(c, "DELETE_GROUP_CHAT", err)
		return
	}
	s.broadcastUserList()
}

func (s *Server) handleGetGroupHistory(ctx context.Context, c *client, user string, args []string) {
	chatID := args[0]
	chat, err := s.groups.get(ctx, chatID)
	if err != nil {
		s.fail(c, "GET_GROUP_HISTORY", err)
		return
	}
	if !chat.isMember(user) {
		s.fail(c, "GET_GROUP_HISTORY", errNotMember)
		return
	}

	messages, err := s.groups.history(ctx, chatID)
	if err != nil {
		s.fail(c, "GET_GROUP_HISTORY", err)
		return
	}

	s.send(c, protocol.Format("GROUP_HISTORY_CMD", "BEGIN", chatID))
	for _, m := range messages {
		s.send(c, protocol.Format("GROUP_HISTORY_MSG", chatID, m.Sender, protocol.FormatTime(m.Timestamp), m.Text))
	}
	s.send(c, protocol.Format("GROUP_HISTORY_CMD", "END", chatID))
}

func (s *Server) handleGetGroupMembers(ctx context.Context, c *client, user string, args []string) {
	chat, err := s.groups.get(ctx, args[0])
	if err != nil {
		s.fail(c, "GET_GROUP_MEMBERS", err)
		return
	}
	if !chat.isMember(user) {
		s.fail(c, "GET_GROUP_MEMBERS", errNotMember)
		return
	}
	s.send(c, infoFrames(chat)[1])
}

func (s *Server) handleSearchUsers(ctx context.Context, c *client, user string, args []string) {
	query := strings.TrimSpace(args[0])
	if query == "" {
		s.sendFailed(c, "SEARCH_USERS", "Query required")
		return
	}

	names := s.presence.search(query, user, s.config.SearchLimit)
	items := make([]string, 0, len(names))
	for _, name := range names {
		items = append(items, s.userEntry(user, name))
	}
	s.send(c, protocol.FormatList("SEARCH_RESULTS", fitList(user, "SEARCH_RESULTS", items)))
}

func (s *Server) handleAddFriend(ctx context.Context, c *client, user string, args []string) {
	target := args[0]
	if err := s.friends.add(ctx, user, target); err != nil {
		s.fail(c, "ADD_FRIEND", err)
		return
	}
	s.send(c, protocol.Format("ADD_FRIEND_SUCCESS", target))
	s.broadcastUserList()
}

func (s *Server) handleRemoveFriend(ctx context.Context, c *client, user string, args []string) {
	target := args[0]
	if err := s.friends.remove(ctx, user, target); err != nil {
		s.fail(c, "REMOVE_FRIEND", err)
		return
	}
	s.send(c, protocol.Format("REMOVE_FRIEND_SUCCESS", target))
	s.broadcastUserList()
}

func (s *Server) handleMarkRead(ctx context.Context, c *client, user string, args []string) {
	conv, err := s.reads.resolve(ctx, user, args[0])
	if err != nil {
		s.fail(c, "MARK_READ", err)
		return
	}
	if _, err := s.reads.markAllRead(ctx, user, conv); err != nil {
		s.fail(c, "MARK_READ", err)
		return
	}
	s.send(c, protocol.Format("UNREAD_COUNT", conv.Key, "0"))
}

func (s *Server) handleGetUnreadCount(ctx context.Context, c *client, user string, args []string) {
	conv, err := s.reads.resolve(ctx, user, args[0])
	if err != nil {
		s.fail(c, "GET_UNREAD_COUNT", err)
		return
	}
	n, err := s.reads.unreadCount(ctx, user, conv)
	if err != nil {
		s.fail(c, "GET_UNREAD_COUNT", err)
		return
	}
	s.send(c, protocol.Format("UNREAD_COUNT", conv.Key, strconv.Itoa(n)))
}
