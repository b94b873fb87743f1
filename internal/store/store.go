// Package store persists messages, group membership and last-seen
// timestamps over database/sql.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/markb/huddle/internal/db"
)

// Error variables for store operations
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrGroupNotFound  = errors.New("group not found")
	ErrGroupExists    = errors.New("group already exists")
	ErrUserNotFound   = errors.New("user not found")
)

// MaxContentBytes bounds a message body.
const MaxContentBytes = 16 * 1024

// Message is a persisted chat message.
type Message struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	SenderID  string          `json:"sender_id"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// MessageInput is what a sender supplies.
type MessageInput struct {
	RoomID   string          `json:"room_id"`
	SenderID string          `json:"sender_id"`
	Content  json.RawMessage `json:"content"`
}

// Validate checks the input before it reaches the database.
func (in MessageInput) Validate() error {
	switch {
	case strings.TrimSpace(in.RoomID) == "":
		return fmt.Errorf("%w: room_id is required", ErrInvalidMessage)
	case strings.TrimSpace(in.SenderID) == "":
		return fmt.Errorf("%w: sender_id is required", ErrInvalidMessage)
	case len(in.Content) == 0 || string(in.Content) == "null":
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	case len(in.Content) > MaxContentBytes:
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidMessage, MaxContentBytes)
	case !json.Valid(in.Content):
		return fmt.Errorf("%w: content is not valid JSON", ErrInvalidMessage)
	}
	return nil
}

// Group is a named set of users whose room id equals the group id.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SQLStore implements the realtime store on a db.DB.
type SQLStore struct {
	db  *db.DB
	now func() time.Time
}

// New creates a store over database. Migrations must have been run.
func New(database *db.DB) *SQLStore {
	return &SQLStore{db: database, now: time.Now}
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

// timeLayout is fixed width so stored text sorts in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", v, err)
	}
	return t, nil
}

// CreateMessage validates and stores a message.
func (s *SQLStore) CreateMessage(ctx context.Context, in MessageInput) (*Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        uuid.New().String(),
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO messages (id, room_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		msg.ID, msg.RoomID, msg.SenderID, string(msg.Content), formatTime(msg.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a room, oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, room_id, sender_id, content, created_at FROM (
			SELECT id, room_id, sender_id, content, created_at
			FROM messages WHERE room_id = ?
			ORDER BY created_at DESC LIMIT ?
		) recent ORDER BY created_at ASC`), roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m         Message
			content   string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Content = json.RawMessage(content)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

// CreateGroup creates a group with the given members.
func (s *SQLStore) CreateGroup(ctx context.Context, groupID, name string, members []string) (*Group, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, fmt.Errorf("group id is required")
	}
	g := &Group{ID: groupID, Name: name, CreatedAt: s.now().UTC()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM chat_groups WHERE id = ?`), groupID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check group: %w", err)
	}
	if exists > 0 {
		return nil, ErrGroupExists
	}

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO chat_groups (id, name, created_at) VALUES (?, ?, ?)`),
		g.ID, g.Name, formatTime(g.CreatedAt)); err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}
	for _, userID := range members {
		if err := s.insertMember(ctx, tx, groupID, userID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit group: %w", err)
	}
	return g, nil
}

// AddGroupMember adds userID to the group. Adding an existing member is a
// no-op.
func (s *SQLStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.groupExists(ctx, tx, groupID); err != nil {
		return err
	}
	if err := s.insertMember(ctx, tx, groupID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveGroupMember removes userID from the group. It reports whether the
// user was a member.
func (s *SQLStore) RemoveGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM chat_group_members WHERE group_id = ? AND user_id = ?`),
		groupID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove group member: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// FindGroupMembership returns the user ids of the group's members, sorted.
func (s *SQLStore) FindGroupMembership(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id FROM chat_group_members WHERE group_id = ? ORDER BY user_id`), groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query group members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group members: %w", err)
	}
	return members, nil
}

// UpdateLastSeen records when a user was last connected. Unknown users are
// created.
func (s *SQLStore) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	ts := formatTime(at)
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (id, status, last_seen, created_at) VALUES (?, 'offline', ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = 'offline', last_seen = excluded.last_seen`),
		userID, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

// LastSeen returns the stored last-seen time of a user.
func (s *SQLStore) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	var lastSeen sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT last_seen FROM users WHERE id = ?`), userID).Scan(&lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrUserNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last seen: %w", err)
	}
	if !lastSeen.Valid {
		return time.Time{}, ErrUserNotFound
	}
	return parseTime(lastSeen.String)
}

// GroupExists reports whether groupID names a group, whatever its current
// member count.
func (s *SQLStore) GroupExists(ctx context.Context, groupID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM chat_groups WHERE id = ?`), groupID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check group: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) groupExists(ctx context.Context, tx *sql.Tx, groupID string) error {
	var n int
	err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM chat_groups WHERE id = ?`), groupID).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check group: %w", err)
	}
	if n == 0 {
		return ErrGroupNotFound
	}
	return nil
}

func (s *SQLStore) insertMember(ctx context.Context, tx *sql.Tx, groupID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("member user id is required")
	}
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO chat_group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)
		ON CONFLICT (group_id, user_id) DO NOTHING`),
		groupID, userID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}
