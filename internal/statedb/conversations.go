package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation statuses.
const (
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusClosed  = "closed"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// LegacySlot is the slot implied by conversations recorded before
// multi-slot support, which carry no slot id.
const LegacySlot = "1"

// ConversationRow is one thread with an external user.
type ConversationRow struct {
	ID             string
	Tenant         string
	Platform       string
	ExternalUserID string
	SlotID         string
	DisplayName    string
	Status         string
	AssigneeID     string
	LastMessageAt  time.Time
	CreatedAt      time.Time
}

// MessageRow is one message in a conversation.
type MessageRow struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Direction      string    `json:"direction"`
	Body           string    `json:"body"`
	MediaPath      string    `json:"mediaPath,omitempty"`
	MediaType      string    `json:"mediaType,omitempty"`
	ExternalID     string    `json:"externalId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

const conversationColumns = `id, tenant, platform, external_user_id, slot_id, display_name,
	status, assignee_id, last_message_at, created_at`

func scanConversation(row interface{ Scan(...any) error }) (*ConversationRow, error) {
	c := &ConversationRow{}
	var last, created int64
	if err := row.Scan(&c.ID, &c.Tenant, &c.Platform, &c.ExternalUserID, &c.SlotID, &c.DisplayName,
		&c.Status, &c.AssigneeID, &last, &created); err != nil {
		return nil, err
	}
	c.LastMessageAt = fromMillis(last)
	c.CreatedAt = fromMillis(created)
	return c, nil
}

// FindConversation resolves the conversation for an external user on a slot.
// On LegacySlot it also matches a conversation with no slot id and
// backfills the slot onto it. Returns ErrNotFound when nothing matches.
func (s *StateDB) FindConversation(tenant, platform, externalUserID, slot string) (*ConversationRow, error) {
	c, err := scanConversation(s.db.QueryRow(`
		SELECT `+conversationColumns+` FROM conversations
		WHERE tenant = ? AND platform = ? AND external_user_id = ? AND slot_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, tenant, platform, externalUserID, slot))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("statedb: find conversation: %w", err)
	}
	if slot != LegacySlot {
		return nil, ErrNotFound
	}

	c, err = scanConversation(s.db.QueryRow(`
		SELECT `+conversationColumns+` FROM conversations
		WHERE tenant = ? AND platform = ? AND external_user_id = ? AND slot_id = ''
		ORDER BY created_at DESC LIMIT 1
	`, tenant, platform, externalUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: find legacy conversation: %w", err)
	}
	if _, err := s.db.Exec("UPDATE conversations SET slot_id = ? WHERE id = ?", LegacySlot, c.ID); err != nil {
		return nil, fmt.Errorf("statedb: backfill slot: %w", err)
	}
	c.SlotID = LegacySlot
	return c, nil
}

// GetConversation loads a conversation by id.
func (s *StateDB) GetConversation(id string) (*ConversationRow, error) {
	c, err := scanConversation(s.db.QueryRow(
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: get conversation: %w", err)
	}
	return c, nil
}

// CreateConversation inserts c, assigning an id and timestamps when unset.
func (s *StateDB) CreateConversation(c *ConversationRow) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusOpen
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Tenant, c.Platform, c.ExternalUserID, c.SlotID, c.DisplayName,
		c.Status, c.AssigneeID, toMillis(c.LastMessageAt), toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("statedb: create conversation: %w", err)
	}
	return nil
}

// TouchConversation records activity: lastMessageAt and status.
func (s *StateDB) TouchConversation(id string, at time.Time, status string) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET last_message_at = ?, status = ? WHERE id = ?",
		toMillis(at), status, id,
	)
	if err != nil {
		return fmt.Errorf("statedb: touch conversation: %w", err)
	}
	return nil
}

// SetAssignee records the agent owning a conversation.
func (s *StateDB) SetAssignee(conversationID, agentID string) error {
	_, err := s.db.Exec("UPDATE conversations SET assignee_id = ? WHERE id = ?", agentID, conversationID)
	if err != nil {
		return fmt.Errorf("statedb: set assignee: %w", err)
	}
	return nil
}

// AppendMessage inserts m, assigning an id and timestamp when unset.
func (s *StateDB) AppendMessage(m *MessageRow) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, direction, body, media_path, media_type, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Direction, m.Body, m.MediaPath, m.MediaType, m.ExternalID, toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("statedb: append message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages oldest first.
func (s *StateDB) ListMessages(conversationID string) ([]*MessageRow, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, direction, body, media_path, media_type, external_id, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, rowid
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("statedb: list messages: %w", err)
	}
	defer rows.Close()

	var result []*MessageRow
	for rows.Next() {
		m := &MessageRow{}
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Body, &m.MediaPath, &m.MediaType, &m.ExternalID, &created); err != nil {
			return nil, fmt.Errorf("statedb: scan message: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		result = append(result, m)
	}
	return result, rows.Err()
}

// CountConversations returns how many conversations tenant has.
func (s *StateDB) CountConversations(tenant string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM conversations WHERE tenant = ?", tenant).Scan(&n)
	return n, err
}
