package server

import (
	"context"
	"errors"

	"chatserver/models"
)

// Store is the persistence the server needs. *db.DB implements it.
type Store interface {
	CreateUser(ctx context.Context, username, password string) (models.User, error)
	GetUser(ctx context.Context, username string) (models.User, error)
	AuthenticateUser(ctx context.Context, username, password string) (models.User, bool, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	AddFriendship(ctx context.Context, userID, friendID int64) error
	RemoveFriendship(ctx context.Context, userID, friendID int64) (int64, error)
	ListFriendships(ctx context.Context) ([]models.Friendship, error)

	SavePrivateMessage(ctx context.Context, m models.Message) (int64, error)
	PrivateHistory(ctx context.Context, userA, userB string) ([]models.Message, error)
	UnreadPrivateMessages(ctx context.Context, recipient string) ([]models.Message, error)

	SavePublicMessage(ctx context.Context, m models.PublicMessage) (int64, error)
	RecentPublicMessages(ctx context.Context, limit int) ([]models.PublicMessage, error)

	CreateGroupChat(ctx context.Context, chat models.GroupChat) error
	AddGroupMember(ctx context.Context, chatID, username string) (bool, error)
	RemoveGroupMember(ctx context.Context, chatID, username string) (int, error)
	DeleteGroupChat(ctx context.Context, chatID string) error
	GetGroupChat(ctx context.Context, chatID string) (models.GroupChat, error)
	ListGroupChats(ctx context.Context) ([]models.GroupChat, error)
	SaveGroupMessage(ctx context.Context, m models.GroupMessage) (int64, error)
	GroupHistory(ctx context.Context, chatID string) ([]models.GroupMessage, error)

	LatestMessageID(ctx context.Context, username string, conv models.Conversation) (int64, error)
	AdvanceReadMarker(ctx context.Context, username string, conv models.Conversation, id int64) error
	ReadMarker(ctx context.Context, username string, conv models.Conversation) (int64, error)
	UnreadCount(ctx context.Context, username string, conv models.Conversation) (int, error)
}

var (
	errUserNotFound         = errors.New("user not found")
	errAlreadyLoggedIn      = errors.New("user already logged in")
	errSelfFriend           = errors.New("cannot befriend yourself")
	errChatNotFound         = errors.New("chat not found")
	errNotMember            = errors.New("not a member of the chat")
	errNotCreator           = errors.New("only the creator may do this")
	errCreatorMustDelete    = errors.New("creator cannot leave while other members remain")
	errConversationNotFound = errors.New("conversation not found")
	errSelfConversation     = errors.New("conversation with yourself")
)

// failureReasons maps domain errors to the reason sent in *_FAILED frames.
// Anything else is reported as an internal error.
var failureReasons = []struct {
	err    error
	reason string
}{
	{errUserNotFound, "User not found"},
	{errAlreadyLoggedIn, "ALREADY_LOGGED_IN"},
	{errSelfFriend, "Cannot add yourself"},
	{errChatNotFound, "Chat not found"},
	{errNotMember, "Not a member"},
	{errNotCreator, "Only the creator can do this"},
	{errCreatorMustDelete, "Creator cannot leave while other members remain"},
	{errConversationNotFound, "Conversation not found"},
	{errSelfConversation, "Cannot use your own conversation"},
}

func failureReason(err error) (string, bool) {
	for _, f := range failureReasons {
		if errors.Is(err, f.err) {
			return f.reason, true
		}
	}
	return "", false
}
