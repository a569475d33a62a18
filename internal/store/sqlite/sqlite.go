package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/spotter-app/spotter-server/internal/store"
)

//go:embed schema.sql
var schema string

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, ApplySchema)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema or seed data.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// ApplySchema creates tables and indexes if they do not exist.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== ConversationStore implementation ====

// CreateConversation creates a conversation and adds its participants.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *store.Conversation, participants []string) error {
	if conv.Kind == "" {
		conv.Kind = store.ConversationKindMatch
	}
	if conv.Status == "" {
		conv.Status = store.InvitationStatusPending
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	query := `
		INSERT INTO conversations (id, kind, status, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, conv.ID, conv.Kind, conv.Status, conv.CreatedBy, now, now); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	memberQuery := `
		INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
	`
	for _, userID := range participants {
		if _, err := tx.ExecContext(ctx, memberQuery, conv.ID, userID, now); err != nil {
			return fmt.Errorf("add participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	query := `
		SELECT id, kind, status, created_by, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	var conv store.Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID,
		&conv.Kind,
		&conv.Status,
		&conv.CreatedBy,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	return &conv, nil
}

// UpdateConversationStatus changes the invitation status of a conversation.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id string, status store.InvitationStatus) error {
	query := `
		UPDATE conversations
		SET status = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// IsParticipant checks if user takes part in the conversation.
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	query := `
		SELECT 1 FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?
	`
	var exists int
	err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query participant: %w", err)
	}

	return true, nil
}

// ListParticipants lists user IDs of a conversation, ordered by join time.
func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	query := `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		users = append(users, userID)
	}

	return users, rows.Err()
}

// ==== MessageStore implementation ====

const messageColumns = `seq, id, conversation_id, sender_id, body, COALESCE(client_message_id, ''), sent_at`

// SaveMessage persists a message to storage.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *store.Message) error {
	if msg.ClientMessageID != "" {
		existing, err := s.messageByClientID(ctx, msg.ConversationID, msg.SenderID, msg.ClientMessageID)
		if err == nil {
			*msg = *existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	var clientID any
	if msg.ClientMessageID != "" {
		clientID = msg.ClientMessageID
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, body, client_message_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, id.String(), msg.ConversationID, msg.SenderID, msg.Body, clientID, msg.SentAt)
	if err != nil {
		// A concurrent save with the same client id won the race.
		if isUniqueViolation(err) && msg.ClientMessageID != "" {
			existing, findErr := s.messageByClientID(ctx, msg.ConversationID, msg.SenderID, msg.ClientMessageID)
			if findErr != nil {
				return findErr
			}
			*msg = *existing
			return nil
		}
		return fmt.Errorf("insert message: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	msg.ID = id.String()
	msg.Seq = seq
	return nil
}

// ListMessages retrieves messages from a conversation in ascending order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, afterID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	if afterID != "" {
		afterSeq, err := s.messageSeq(ctx, conversationID, afterID)
		switch {
		case err == nil:
			query := `SELECT ` + messageColumns + `
				FROM messages
				WHERE conversation_id = ? AND seq > ?
				ORDER BY seq ASC
				LIMIT ?`
			return s.queryMessages(ctx, query, conversationID, afterSeq, limit)
		case errors.Is(err, store.ErrNotFound):
			// Unknown cursor: fall back to the latest page so the caller still converges.
		default:
			return nil, err
		}
	}

	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?`
	messages, err := s.queryMessages(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

func (s *SQLiteStore) messageSeq(ctx context.Context, conversationID, id string) (int64, error) {
	query := `SELECT seq FROM messages WHERE conversation_id = ? AND id = ?`
	var seq int64
	if err := s.db.QueryRowContext(ctx, query, conversationID, id).Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
		}
		return 0, fmt.Errorf("query message seq: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) messageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*store.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND client_message_id = ?`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID, senderID, clientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("client message %s: %w", clientID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message by client id: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*store.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var msg store.Message
	if err := row.Scan(
		&msg.Seq,
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Body,
		&msg.ClientMessageID,
		&msg.SentAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
