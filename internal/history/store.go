// Package history persists completed conversations for registered users.
// Records are upserted keyed by (id, owner_id): saving the same conversation
// twice overwrites rather than duplicates.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xleven/ask-sspai/internal/chat"
)

// ErrNotFound indicates the requested conversation does not exist for the
// given owner.
var ErrNotFound = errors.New("conversation not found")

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// upsertChatSQL keeps the original created_at on overwrite; only the
// content-bearing columns move.
const upsertChatSQL = `INSERT INTO chats (id, owner_id, title, path, payload, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id, owner_id) DO UPDATE SET
		title = EXCLUDED.title,
		path = EXCLUDED.path,
		payload = EXCLUDED.payload`

const listChatsSQL = `SELECT id, title, path, created_at
	FROM chats
	WHERE owner_id = $1
	ORDER BY created_at DESC
	LIMIT $2`

const getChatSQL = `SELECT payload FROM chats WHERE id = $1 AND owner_id = $2`

const deleteChatSQL = `DELETE FROM chats WHERE id = $1 AND owner_id = $2`

// Summary is a conversation list entry without its messages.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists conversations in PostgreSQL. Safe for concurrent use.
type Store struct {
	db     querier
	logger *slog.Logger
}

// NewStore creates a conversation store.
func NewStore(db querier, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("querier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Save upserts a completed conversation. Errors are returned to the caller
// and stop there; the response stream has already been delivered by the
// time Save runs.
func (s *Store) Save(ctx context.Context, conv *chat.Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation is required")
	}
	if conv.ID == "" {
		return fmt.Errorf("conversation ID is required")
	}
	if conv.OwnerID == "" {
		return fmt.Errorf("conversation owner is required")
	}
	if len(conv.Messages) == 0 {
		return fmt.Errorf("conversation messages must not be empty")
	}

	payload, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshaling conversation %q: %w", conv.ID, err)
	}

	if _, err := s.db.Exec(ctx, upsertChatSQL,
		conv.ID, conv.OwnerID, conv.Title, conv.Path, payload, conv.CreatedAt); err != nil {
		return fmt.Errorf("saving conversation %q: %w", conv.ID, err)
	}

	s.logger.Debug("conversation saved", "id", conv.ID, "owner", conv.OwnerID, "messages", len(conv.Messages))
	return nil
}

// List returns up to limit conversation summaries for the owner, newest
// first. An owner with no history gets an empty slice.
func (s *Store) List(ctx context.Context, ownerID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, listChatsSQL, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var items []Summary
	for rows.Next() {
		var item Summary
		if err := rows.Scan(&item.ID, &item.Title, &item.Path, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation summary: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	return items, nil
}

// Get loads a full conversation owned by ownerID.
func (s *Store) Get(ctx context.Context, id, ownerID string) (*chat.Conversation, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, getChatSQL, id, ownerID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %q: %w", id, err)
	}

	var conv chat.Conversation
	if err := json.Unmarshal(payload, &conv); err != nil {
		return nil, fmt.Errorf("decoding conversation %q: %w", id, err)
	}
	return &conv, nil
}

// Delete removes a conversation owned by ownerID.
func (s *Store) Delete(ctx context.Context, id, ownerID string) error {
	tag, err := s.db.Exec(ctx, deleteChatSQL, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting conversation %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
