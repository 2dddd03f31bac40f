package server

import (
	"sort"

	"chatserver/protocol"

	"github.com/rs/zerolog/log"
)

func statusFlag(online bool) string {
	if online {
		return "1"
	}
	return "0"
}

// userEntry renders other as seen by viewer: user:status:U or user:status:U:F.
func (s *Server) userEntry(viewer, other string) string {
	entry := other + ":" + statusFlag(s.presence.isOnline(other)) + ":U"
	if s.friends.isFriend(viewer, other) {
		entry += ":F"
	}
	return entry
}

// userListFor builds username's USERLIST: friends, every other online user,
// and the user's group chats. A chat counts as online when another member is.
func (s *Server) userListFor(username string) string {
	names := make(map[string]struct{})
	if e, ok := s.presence.entry(username); ok {
		for f := range e.friends {
			names[f] = struct{}{}
		}
	}
	for _, u := range s.presence.onlineUsers() {
		names[u] = struct{}{}
	}
	delete(names, username)

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	items := make([]string, 0, len(sorted))
	for _, n := range sorted {
		items = append(items, s.userEntry(username, n))
	}

	for _, chat := range s.groups.chatsOf(username) {
		online := false
		for m := range chat.members {
			if m != username && s.presence.isOnline(m) {
				online = true
				break
			}
		}
		items = append(items, chat.id+":"+statusFlag(online)+":G:"+chat.name)
	}

	return protocol.FormatList("USERLIST", fitList(username, "USERLIST", items))
}

// fitList drops trailing items that would push the frame past the frame
// size limit.
func fitList(username, verb string, items []string) []string {
	size := len(verb) + 1
	for i, item := range items {
		if i > 0 {
			size++
		}
		size += len(item)
		if size > protocol.MaxFrameSize {
			log.Warn().Str("user", username).Int("entries", len(items)).Int("kept", i).Msg("list truncated to fit one frame")
			return items[:i]
		}
	}
	return items
}

// broadcastUserList sends every online user their own view of the list.
func (s *Server) broadcastUserList() {
	for _, u := range s.presence.onlineUsers() {
		s.sendToUser(u, s.userListFor(u))
	}
}
