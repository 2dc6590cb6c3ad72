package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"chatcore/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageSelect = `
	SELECT m.id, m.conversation_id, m.seq, m.sender_id, m.type, m.content,
	       m.reply_to_id, m.forwarded_from_id, m.created_at, m.edited_at, m.deleted_at,
	       f.file_url, f.file_type, f.file_size, f.thumbnail_url
	FROM messages m
	LEFT JOIN files f ON f.message_id = m.id`

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, seq, sender_id, type, content, reply_to_id, forwarded_from_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Seq, m.SenderID, m.Type, m.Content,
		m.ReplyToID, m.ForwardedFromID, m.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert message: %w", err)
	}

	if a := m.Attachment; a != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (message_id, file_url, file_type, file_size, thumbnail_url)
			VALUES (?, ?, ?, ?, ?)
		`, m.ID, a.FileURL, a.FileType, a.FileSize, a.ThumbnailURL); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	}

	return tx.Commit()
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, id))
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, user_id, delivered_at, read_at
		FROM message_receipts WHERE message_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	if err := attachReceipts(rows, map[string]*domain.Message{m.ID: m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepo) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}

func (r *MessageRepo) ListRange(ctx context.Context, conversationID string, afterSeq, uptoSeq int64, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := r.db.QueryContext(ctx, messageSelect+`
		WHERE m.conversation_id = ?
		  AND m.seq > ?
		  AND (? <= 0 OR m.seq <= ?)
		ORDER BY m.seq ASC
		LIMIT ?
	`, conversationID, afterSeq, uptoSeq, uptoSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []*domain.Message
	byID := make(map[string]*domain.Message)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return res, nil
	}

	receipts, err := r.db.QueryContext(ctx, `
		SELECT rc.message_id, rc.user_id, rc.delivered_at, rc.read_at
		FROM message_receipts rc
		JOIN messages m ON m.id = rc.message_id
		WHERE m.conversation_id = ? AND m.seq >= ? AND m.seq <= ?
	`, conversationID, res[0].Seq, res[len(res)-1].Seq)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	if err := attachReceipts(receipts, byID); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *MessageRepo) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, edited_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, content, editedAt, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return r.explainMiss(ctx, res, id)
}

func (r *MessageRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET content = '', deleted_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, at, id)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	return r.explainMiss(ctx, res, id)
}

func (r *MessageRepo) AddDelivered(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO message_receipts (message_id, user_id, delivered_at)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, messageID, userID, at)
	if err != nil {
		return false, fmt.Errorf("add delivered: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *MessageRepo) AddRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO message_receipts (message_id, user_id, delivered_at, read_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET read_at = MAX(excluded.read_at, message_receipts.delivered_at)
		WHERE message_receipts.read_at IS NULL
	`, messageID, userID, at, at)
	if err != nil {
		return false, fmt.Errorf("add read: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *MessageRepo) CountUnread(ctx context.Context, conversationID, userID string, afterSeq int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ?
		  AND seq > ?
		  AND sender_id != ?
		  AND deleted_at IS NULL
	`, conversationID, afterSeq, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

// explainMiss turns a zero-row update into ErrNotFound or ErrAlreadyDeleted.
func (r *MessageRepo) explainMiss(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var deletedAt *time.Time
	err = r.db.QueryRowContext(ctx, `SELECT deleted_at FROM messages WHERE id = ?`, id).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	return domain.ErrAlreadyDeleted
}

func scanMessage(s rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var (
		fileURL, fileType, thumb sql.NullString
		fileSize                 sql.NullInt64
	)
	err := s.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Type, &m.Content,
		&m.ReplyToID, &m.ForwardedFromID, &m.CreatedAt, &m.EditedAt, &m.DeletedAt,
		&fileURL, &fileType, &fileSize, &thumb,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if fileURL.Valid {
		m.Attachment = &domain.Attachment{
			FileURL:  fileURL.String,
			FileType: fileType.String,
			FileSize: fileSize.Int64,
		}
		if thumb.Valid {
			t := thumb.String
			m.Attachment.ThumbnailURL = &t
		}
	}
	m.DeliveredTo = make(map[string]time.Time)
	m.ReadBy = make(map[string]time.Time)
	return m, nil
}

func attachReceipts(rows *sql.Rows, byID map[string]*domain.Message) error {
	defer rows.Close()
	for rows.Next() {
		var rc domain.Receipt
		if err := rows.Scan(&rc.MessageID, &rc.UserID, &rc.DeliveredAt, &rc.ReadAt); err != nil {
			return fmt.Errorf("scan receipt: %w", err)
		}
		m, ok := byID[rc.MessageID]
		if !ok {
			continue
		}
		m.DeliveredTo[rc.UserID] = rc.DeliveredAt
		if rc.ReadAt != nil {
			m.ReadBy[rc.UserID] = *rc.ReadAt
		}
	}
	return rows.Err()
}
