package models

import "time"

type User struct {
	ID       int64
	Username string
	Password string // bcrypt hash
}

// Friendship is one symmetric edge of the friend graph.
type Friendship struct {
	UserA string
	UserB string
}

type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Text      string
	Timestamp time.Time
}

// PublicMessage is a line of the legacy broadcast channel.
type PublicMessage struct {
	ID        int64
	Sender    string
	Text      string
	Timestamp time.Time
}

type GroupChat struct {
	ID      string
	Name    string
	Creator string
	Members []string
}

type GroupMessage struct {
	ID        int64
	ChatID    string
	Sender    string
	Text      string
	Timestamp time.Time
}

type ConversationKind string

const (
	PrivateKind ConversationKind = "P"
	GroupKind   ConversationKind = "G"
)

// Conversation identifies what a read marker belongs to: a private dialog
// with a peer username, or a group chat id.
type Conversation struct {
	Kind ConversationKind
	Key  string
}

func Private(peer string) Conversation {
	return Conversation{Kind: PrivateKind, Key: peer}
}

func Group(chatID string) Conversation {
	return Conversation{Kind: GroupKind, Key: chatID}
}

func (c Conversation) String() string {
	return string(c.Kind) + ":" + c.Key
}
