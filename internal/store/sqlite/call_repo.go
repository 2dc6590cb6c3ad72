package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatcore/internal/domain"
)

type CallRepo struct {
	db *sql.DB
}

func NewCallRepo(db *sql.DB) *CallRepo {
	return &CallRepo{db: db}
}

var _ domain.CallRepository = (*CallRepo)(nil)

const callColumns = `id, conversation_id, initiator_id, call_type, status,
	created_at, start_time, end_time, duration_seconds`

func (r *CallRepo) Create(ctx context.Context, c *domain.CallSession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO call_sessions (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ConversationID, c.InitiatorID, c.CallType, c.Status,
		c.CreatedAt, c.StartTime, c.EndTime, c.DurationSeconds,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert call: %w", err)
	}
	if err := upsertCallParticipants(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *CallRepo) Update(ctx context.Context, c *domain.CallSession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE call_sessions
		SET status = ?, start_time = ?, end_time = ?, duration_seconds = ?
		WHERE id = ?
	`, c.Status, c.StartTime, c.EndTime, c.DurationSeconds, c.ID)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := upsertCallParticipants(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *CallRepo) GetByID(ctx context.Context, id string) (*domain.CallSession, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	return c, r.loadParticipants(ctx, c)
}

func (r *CallRepo) FindOpen(ctx context.Context, conversationID string) (*domain.CallSession, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx, `
		SELECT `+callColumns+` FROM call_sessions
		WHERE conversation_id = ? AND status NOT IN ('ended', 'missed')
		ORDER BY created_at DESC
		LIMIT 1
	`, conversationID))
	if err != nil {
		return nil, err
	}
	return c, r.loadParticipants(ctx, c)
}

func (r *CallRepo) loadParticipants(ctx context.Context, c *domain.CallSession) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, status, reason, responded_at
		FROM call_participants WHERE call_id = ?
	`, c.ID)
	if err != nil {
		return fmt.Errorf("list call participants: %w", err)
	}
	defer rows.Close()

	c.Participants = make(map[string]*domain.CallParticipant)
	for rows.Next() {
		p := &domain.CallParticipant{}
		if err := rows.Scan(&p.UserID, &p.Status, &p.Reason, &p.RespondedAt); err != nil {
			return fmt.Errorf("scan call participant: %w", err)
		}
		c.Participants[p.UserID] = p
	}
	return rows.Err()
}

func upsertCallParticipants(ctx context.Context, tx *sql.Tx, c *domain.CallSession) error {
	for _, p := range c.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO call_participants (call_id, user_id, status, reason, responded_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (call_id, user_id)
			DO UPDATE SET status = excluded.status, reason = excluded.reason, responded_at = excluded.responded_at
		`, c.ID, p.UserID, p.Status, p.Reason, p.RespondedAt); err != nil {
			return fmt.Errorf("upsert call participant %s: %w", p.UserID, err)
		}
	}
	return nil
}

func scanCall(s rowScanner) (*domain.CallSession, error) {
	c := &domain.CallSession{}
	err := s.Scan(
		&c.ID, &c.ConversationID, &c.InitiatorID, &c.CallType, &c.Status,
		&c.CreatedAt, &c.StartTime, &c.EndTime, &c.DurationSeconds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	return c, nil
}
