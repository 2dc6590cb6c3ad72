package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatcore/internal/domain"
)

type ParticipantRepo struct {
	db *sql.DB
}

func NewParticipantRepo(db *sql.DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

var _ domain.ParticipantRepository = (*ParticipantRepo)(nil)

const participantColumns = `conversation_id, user_id, role, joined_at, left_at,
	last_read_message_id, last_read_seq, last_read_at`

func (r *ParticipantRepo) Add(ctx context.Context, p *domain.Participant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
	`, p.ConversationID, p.UserID, p.Role, p.JoinedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (r *ParticipantRepo) Get(ctx context.Context, conversationID, userID string) (*domain.Participant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+participantColumns+`
		FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

func (r *ParticipantRepo) List(ctx context.Context, conversationID string) ([]*domain.Participant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var res []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r *ParticipantRepo) MarkLeft(ctx context.Context, conversationID, userID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversation_participants
		SET left_at = COALESCE(left_at, ?)
		WHERE conversation_id = ? AND user_id = ?
	`, at, conversationID, userID)
	if err != nil {
		return fmt.Errorf("mark left: %w", err)
	}
	return requireRow(res)
}

func (r *ParticipantRepo) SetRole(ctx context.Context, conversationID, userID string, role domain.Role) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversation_participants SET role = ?
		WHERE conversation_id = ? AND user_id = ?
	`, role, conversationID, userID)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return requireRow(res)
}

func (r *ParticipantRepo) AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID string, seq int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversation_participants
		SET last_read_message_id = ?, last_read_seq = ?, last_read_at = ?
		WHERE conversation_id = ? AND user_id = ?
		  AND left_at IS NULL
		  AND last_read_seq < ?
	`, messageID, seq, at, conversationID, userID, seq)
	if err != nil {
		return false, fmt.Errorf("advance read cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.Get(ctx, conversationID, userID); err != nil {
		return false, err
	}
	return false, nil
}

func scanParticipant(s rowScanner) (*domain.Participant, error) {
	p := &domain.Participant{}
	if err := s.Scan(
		&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt,
		&p.LastReadMessageID, &p.LastReadSeq, &p.LastReadAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	return p, nil
}
