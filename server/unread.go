package server

import (
	"context"
	"errors"
	"strings"

	"chatserver/models"

	"github.com/rs/zerolog/log"
)

// readTracker keeps per-conversation read markers. Unread counts are always
// derived from the markers, never stored.
type readTracker struct {
	store    Store
	presence *presence
	groups   *groupManager
}

// resolve turns a wire key into a conversation for username. "G:<id>" and
// "P:<user>" are explicit; a bare key is a group when it names one of the
// user's chats and a private peer otherwise.
func (r *readTracker) resolve(ctx context.Context, username, key string) (models.Conversation, error) {
	if tag, rest, ok := strings.Cut(key, ":"); ok {
		switch tag {
		case string(models.GroupKind):
			return r.groupConversation(ctx, username, rest)
		case string(models.PrivateKind):
			return r.privateConversation(ctx, username, rest)
		default:
			return models.Conversation{}, errConversationNotFound
		}
	}

	if chat, ok := r.groups.chats[key]; ok && chat.isMember(username) {
		return models.Group(key), nil
	}

	conv, err := r.privateConversation(ctx, username, key)
	if errors.Is(err, errUserNotFound) {
		// Not a cached chat the user belongs to and not a user: try the store.
		return r.groupConversation(ctx, username, key)
	}
	return conv, err
}

func (r *readTracker) groupConversation(ctx context.Context, username, chatID string) (models.Conversation, error) {
	chat, err := r.groups.get(ctx, chatID)
	if errors.Is(err, errChatNotFound) {
		return models.Conversation{}, errConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	if !chat.isMember(username) {
		return models.Conversation{}, errNotMember
	}
	return models.Group(chatID), nil
}

func (r *readTracker) privateConversation(ctx context.Context, username, peer string) (models.Conversation, error) {
	if peer == username {
		return models.Conversation{}, errSelfConversation
	}
	if _, err := r.presence.ensure(ctx, peer); err != nil {
		return models.Conversation{}, err
	}
	return models.Private(peer), nil
}

// markAllRead moves the marker to the newest message in the conversation and
// reports whether it moved. The store never lowers a marker either.
func (r *readTracker) markAllRead(ctx context.Context, username string, conv models.Conversation) (bool, error) {
	latest, err := r.store.LatestMessageID(ctx, username, conv)
	if err != nil {
		return false, err
	}
	current, err := r.store.ReadMarker(ctx, username, conv)
	if err != nil {
		return false, err
	}
	if latest <= current {
		return false, nil
	}

	if err := r.store.AdvanceReadMarker(ctx, username, conv, latest); err != nil {
		return false, err
	}
	log.Debug().Str("user", username).Stringer("conversation", conv).Int64("last_read", latest).Msg("read marker advanced")
	return true, nil
}

func (r *readTracker) unreadCount(ctx context.Context, username string, conv models.Conversation) (int, error) {
	return r.store.UnreadCount(ctx, username, conv)
}
