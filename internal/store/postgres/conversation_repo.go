package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatcore/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

const conversationColumns = `id, kind, name, created_by, direct_key, last_message_id,
	last_message_seq, last_activity_at, archived, muted, created_at`

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation, participants []*domain.Participant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations
			(id, kind, name, created_by, direct_key, last_message_seq, last_activity_at, archived, muted, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, FALSE, FALSE, $7)
	`, c.ID, c.Kind, c.Name, c.CreatedBy, c.DirectKey, c.LastActivityAt, c.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, p := range participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
			VALUES ($1, $2, $3, $4)
		`, c.ID, p.UserID, p.Role, p.JoinedAt); err != nil {
			return fmt.Errorf("insert participant %s: %w", p.UserID, err)
		}
	}

	return tx.Commit()
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (r *ConversationRepo) FindByDirectKey(ctx context.Context, key string) (*domain.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE direct_key = $1`, key)
	return scanConversation(row)
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.kind, c.name, c.created_by, c.direct_key, c.last_message_id,
		       c.last_message_seq, c.last_activity_at, c.archived, c.muted, c.created_at
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = $1
		ORDER BY c.last_activity_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var res []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r *ConversationRepo) TouchActivity(ctx context.Context, id, messageID string, seq int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id  = CASE WHEN $3 > last_message_seq THEN $2 ELSE last_message_id END,
		    last_message_seq = GREATEST(last_message_seq, $3),
		    last_activity_at = GREATEST(last_activity_at, $4)
		WHERE id = $1
	`, id, messageID, seq, at)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return requireRow(res)
}

func (r *ConversationRepo) SetFlags(ctx context.Context, id string, archived, muted *bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations
		SET archived = COALESCE($2, archived),
		    muted    = COALESCE($3, muted)
		WHERE id = $1
	`, id, archived, muted)
	if err != nil {
		return fmt.Errorf("set flags: %w", err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(s rowScanner) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	err := s.Scan(
		&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.DirectKey, &c.LastMessageID,
		&c.LastMessageSeq, &c.LastActivityAt, &c.Archived, &c.Muted, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return c, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
