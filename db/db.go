package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatserver/models"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows     = errors.New("no rows found")
	ErrUserExists = errors.New("user already exists")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer at a time; the server drives the store from a single loop anyway.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS public_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friends (
			user_id INTEGER NOT NULL REFERENCES users(id),
			friend_id INTEGER NOT NULL REFERENCES users(id),
			PRIMARY KEY (user_id, friend_id)
		)`,
		`CREATE TABLE IF NOT EXISTS group_chats (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			creator TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			chat_id TEXT NOT NULL REFERENCES group_chats(id) ON DELETE CASCADE,
			username TEXT NOT NULL,
			PRIMARY KEY (chat_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS group_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL REFERENCES group_chats(id) ON DELETE CASCADE,
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS read_markers (
			username TEXT NOT NULL,
			kind TEXT NOT NULL,
			conversation TEXT NOT NULL,
			last_read_id INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (username, kind, conversation)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, id)`,
		`CREATE INDEX IF NOT EXISTS idx_group_messages_chat ON group_messages(chat_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(username)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// withTx runs fn in a transaction. fn must only use tx: the pool holds a
// single connection.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime decodes a stored timestamp. A malformed value is logged and the
// row is reported as unusable instead of failing the whole query.
func parseTime(table string, id int64, s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		log.Warn().Err(err).Str("table", table).Int64("id", id).Msg("skipping row with malformed timestamp")
		return time.Time{}, false
	}
	return t, true
}

// User methods
func (db *DB) CreateUser(ctx context.Context, username, password string) (models.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (username, password) VALUES (?, ?)",
		username, string(hashed),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrUserExists
		}
		return models.User{}, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.User{}, err
	}

	return models.User{ID: id, Username: username, Password: string(hashed)}, nil
}

func (db *DB) GetUser(ctx context.Context, username string) (models.User, error) {
	var u models.User
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, username, password FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.Password)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNoRows
	}
	return u, err
}

// AuthenticateUser reports whether password matches the stored hash. An
// unknown username is not an error.
func (db *DB) AuthenticateUser(ctx context.Context, username, password string) (models.User, bool, error) {
	u, err := db.GetUser(ctx, username)
	if err == ErrNoRows {
		return models.User{}, false, nil
	}
	if err != nil {
		return models.User{}, false, err
	}

	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
		return models.User{}, false, nil
	}
	return u, true, nil
}

func (db *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, username, password FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Password); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// Friend methods

// AddFriendship stores both directions of the relation in one transaction.
// Existing edges are left alone.
func (db *DB) AddFriendship(ctx context.Context, userID, friendID int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, pair := range [][2]int64{{userID, friendID}, {friendID, userID}} {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO friends (user_id, friend_id) VALUES (?, ?)",
				pair[0], pair[1],
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveFriendship deletes both directions and returns how many rows went away.
func (db *DB) RemoveFriendship(ctx context.Context, userID, friendID int64) (int64, error) {
	var removed int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"DELETE FROM friends WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)",
			userID, friendID, friendID, userID,
		)
		if err != nil {
			return err
		}
		removed, err = result.RowsAffected()
		return err
	})
	return removed, err
}

func (db *DB) ListFriendships(ctx context.Context) ([]models.Friendship, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT a.username, b.username
		FROM friends f
		JOIN users a ON a.id = f.user_id
		JOIN users b ON b.id = f.friend_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []models.Friendship
	for rows.Next() {
		var f models.Friendship
		if err := rows.Scan(&f.UserA, &f.UserB); err != nil {
			return nil, err
		}
		edges = append(edges, f)
	}

	return edges, rows.Err()
}

// Private message methods
func (db *DB) SavePrivateMessage(ctx context.Context, m models.Message) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender, recipient, text, timestamp) VALUES (?, ?, ?, ?)",
		m.Sender, m.Recipient, m.Text, formatTime(m.Timestamp),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (db *DB) PrivateHistory(ctx context.Context, userA, userB string) ([]models.Message, error) {
	return db.queryMessages(ctx, `
		SELECT id, sender, recipient, text, timestamp
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY id ASC
	`, userA, userB, userB, userA)
}

// UnreadPrivateMessages returns messages addressed to recipient above the
// recipient's read marker for each sender, oldest first.
func (db *DB) UnreadPrivateMessages(ctx context.Context, recipient string) ([]models.Message, error) {
	return db.queryMessages(ctx, `
		SELECT m.id, m.sender, m.recipient, m.text, m.timestamp
		FROM messages m
		LEFT JOIN read_markers r
			ON r.username = m.recipient AND r.kind = 'P' AND r.conversation = m.sender
		WHERE m.recipient = ? AND m.id > COALESCE(r.last_read_id, 0)
		ORDER BY m.id ASC
	`, recipient)
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var ts string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &ts); err != nil {
			return nil, err
		}
		var ok bool
		if m.Timestamp, ok = parseTime("messages", m.ID, ts); !ok {
			continue
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// Public broadcast methods
func (db *DB) SavePublicMessage(ctx context.Context, m models.PublicMessage) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO public_messages (sender, text, timestamp) VALUES (?, ?, ?)",
		m.Sender, m.Text, formatTime(m.Timestamp),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentPublicMessages returns the newest limit broadcast lines, oldest first.
func (db *DB) RecentPublicMessages(ctx context.Context, limit int) ([]models.PublicMessage, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender, text, timestamp FROM (
			SELECT id, sender, text, timestamp FROM public_messages ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.PublicMessage
	for rows.Next() {
		var m models.PublicMessage
		var ts string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Text, &ts); err != nil {
			return nil, err
		}
		var ok bool
		if m.Timestamp, ok = parseTime("public_messages", m.ID, ts); !ok {
			continue
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// Group chat methods
func (db *DB) CreateGroupChat(ctx context.Context, chat models.GroupChat) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO group_chats (id, name, creator, created_at) VALUES (?, ?, ?, ?)",
		chat.ID, chat.Name, chat.Creator, formatTime(time.Now()),
	)
	return err
}

// AddGroupMember reports whether a new membership row was written.
func (db *DB) AddGroupMember(ctx context.Context, chatID, username string) (bool, error) {
	result, err := db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO group_members (chat_id, username) VALUES (?, ?)",
		chatID, username,
	)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveGroupMember drops one membership and returns how many members remain.
// When none remain the chat and its messages are deleted in the same
// transaction.
func (db *DB) RemoveGroupMember(ctx context.Context, chatID, username string) (int, error) {
	var remaining int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"DELETE FROM group_members WHERE chat_id = ? AND username = ?",
			chatID, username,
		)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNoRows
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM read_markers WHERE username = ? AND kind = 'G' AND conversation = ?",
			username, chatID,
		); err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM group_members WHERE chat_id = ?", chatID,
		).Scan(&remaining); err != nil {
			return err
		}

		if remaining == 0 {
			return deleteGroupChatTx(ctx, tx, chatID)
		}
		return nil
	})
	return remaining, err
}

func (db *DB) DeleteGroupChat(ctx context.Context, chatID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return deleteGroupChatTx(ctx, tx, chatID)
	})
}

func deleteGroupChatTx(ctx context.Context, tx *sql.Tx, chatID string) error {
	queries := []string{
		"DELETE FROM group_messages WHERE chat_id = ?",
		"DELETE FROM read_markers WHERE kind = 'G' AND conversation = ?",
		"DELETE FROM group_members WHERE chat_id = ?",
	}
	for _, q := range queries {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM group_chats WHERE id = ?", chatID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) GetGroupChat(ctx context.Context, chatID string) (models.GroupChat, error) {
	var chat models.GroupChat
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, name, creator FROM group_chats WHERE id = ?", chatID,
	).Scan(&chat.ID, &chat.Name, &chat.Creator)
	if err == sql.ErrNoRows {
		return models.GroupChat{}, ErrNoRows
	}
	if err != nil {
		return models.GroupChat{}, err
	}

	members, err := db.groupMembers(ctx, "SELECT chat_id, username FROM group_members WHERE chat_id = ? ORDER BY username", chatID)
	if err != nil {
		return models.GroupChat{}, err
	}
	chat.Members = members[chatID]

	return chat, nil
}

func (db *DB) ListGroupChats(ctx context.Context) ([]models.GroupChat, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, name, creator FROM group_chats ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}

	var chats []models.GroupChat
	for rows.Next() {
		var chat models.GroupChat
		if err := rows.Scan(&chat.ID, &chat.Name, &chat.Creator); err != nil {
			rows.Close()
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Release the only connection before the members query.
	rows.Close()

	members, err := db.groupMembers(ctx, "SELECT chat_id, username FROM group_members ORDER BY chat_id, username")
	if err != nil {
		return nil, err
	}
	for i := range chats {
		chats[i].Members = members[chats[i].ID]
	}

	return chats, nil
}

func (db *DB) groupMembers(ctx context.Context, query string, args ...any) (map[string][]string, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make(map[string][]string)
	for rows.Next() {
		var chatID, username string
		if err := rows.Scan(&chatID, &username); err != nil {
			return nil, err
		}
		members[chatID] = append(members[chatID], username)
	}

	return members, rows.Err()
}

func (db *DB) SaveGroupMessage(ctx context.Context, m models.GroupMessage) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO group_messages (chat_id, sender, text, timestamp) VALUES (?, ?, ?, ?)",
		m.ChatID, m.Sender, m.Text, formatTime(m.Timestamp),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (db *DB) GroupHistory(ctx context.Context, chatID string) ([]models.GroupMessage, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, chat_id, sender, text, timestamp
		FROM group_messages
		WHERE chat_id = ?
		ORDER BY id ASC
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.GroupMessage
	for rows.Next() {
		var m models.GroupMessage
		var ts string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Text, &ts); err != nil {
			return nil, err
		}
		var ok bool
		if m.Timestamp, ok = parseTime("group_messages", m.ID, ts); !ok {
			continue
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// Read marker methods

// LatestMessageID returns the highest message id in the conversation as seen
// by username, or 0 for an empty conversation.
func (db *DB) LatestMessageID(ctx context.Context, username string, conv models.Conversation) (int64, error) {
	var id int64
	var err error
	switch conv.Kind {
	case models.PrivateKind:
		err = db.conn.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(id), 0) FROM messages WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)",
			username, conv.Key, conv.Key, username,
		).Scan(&id)
	case models.GroupKind:
		err = db.conn.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(id), 0) FROM group_messages WHERE chat_id = ?", conv.Key,
		).Scan(&id)
	default:
		err = fmt.Errorf("unknown conversation kind %q", conv.Kind)
	}
	return id, err
}

// AdvanceReadMarker raises the stored marker to id. A lower id never moves
// the marker back.
func (db *DB) AdvanceReadMarker(ctx context.Context, username string, conv models.Conversation, id int64) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO read_markers (username, kind, conversation, last_read_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(username, kind, conversation)
		DO UPDATE SET last_read_id = MAX(last_read_id, excluded.last_read_id)
	`, username, string(conv.Kind), conv.Key, id)
	return err
}

func (db *DB) ReadMarker(ctx context.Context, username string, conv models.Conversation) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT last_read_id FROM read_markers WHERE username = ? AND kind = ? AND conversation = ?",
		username, string(conv.Kind), conv.Key,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// UnreadCount counts messages above the read marker that someone other than
// username wrote.
func (db *DB) UnreadCount(ctx context.Context, username string, conv models.Conversation) (int, error) {
	var count int
	var err error
	switch conv.Kind {
	case models.PrivateKind:
		err = db.conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE sender = ? AND recipient = ? AND id > COALESCE(
				(SELECT last_read_id FROM read_markers WHERE username = ? AND kind = 'P' AND conversation = ?), 0)
		`, conv.Key, username, username, conv.Key).Scan(&count)
	case models.GroupKind:
		err = db.conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM group_messages
			WHERE chat_id = ? AND sender != ? AND id > COALESCE(
				(SELECT last_read_id FROM read_markers WHERE username = ? AND kind = 'G' AND conversation = ?), 0)
		`, conv.Key, username, username, conv.Key).Scan(&count)
	default:
		err = fmt.Errorf("unknown conversation kind %q", conv.Kind)
	}
	return count, err
}
