package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateChat(ctx context.Context, c Chat) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	q := s.sql.Insert("chats").
		Columns("id", "user_id", "title", "created_at", "updated_at").
		Values(c.ID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create chat query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

// GetChat is owner-scoped: a chat that exists but belongs to another user is
// indistinguishable from one that does not exist.
func (s *Store) GetChat(ctx context.Context, id, userID string) (Chat, error) {
	q := s.sql.Select("id", "user_id", "title", "created_at", "updated_at").
		From("chats").
		Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}

	var c Chat
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID,
		&c.UserID,
		&c.Title,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	q := s.sql.Select("id", "user_id", "title", "created_at", "updated_at").
		From("chats").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

// DeleteChat removes the chat and cascades to its messages and uploads in
// one transaction.
func (s *Store) DeleteChat(ctx context.Context, id, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete chat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	delChat, chatArgs, err := s.sql.Delete("chats").Where(sq.Eq{"id": id, "user_id": userID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete chat query: %w", err)
	}
	res, err := tx.ExecContext(ctx, delChat, chatArgs...)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}

	delMsgs, msgArgs, err := s.sql.Delete("messages").Where(sq.Eq{"chat_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete messages query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delMsgs, msgArgs...); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}

	delUploads, upArgs, err := s.sql.Delete("uploads").Where(sq.Eq{"chat_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete uploads query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delUploads, upArgs...); err != nil {
		return fmt.Errorf("delete chat uploads: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

// RenameChatIfTitle sets a new title only while the current title still
// equals from. Returns true when the rename happened, so callers can treat
// the first user message as the one that names the chat.
func (s *Store) RenameChatIfTitle(ctx context.Context, id, from, to string) (bool, error) {
	q := s.sql.Update("chats").
		Set("title", to).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "title": from})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build rename chat query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("rename chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rename chat rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) TouchChat(ctx context.Context, id string, at time.Time) error {
	q := s.sql.Update("chats").
		Set("updated_at", at.UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch chat query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("messages").
		Columns("id", "chat_id", "role", "type", "content", "upload_id", "created_at").
		Values(m.ID, m.ChatID, m.Role, m.Type, m.Content, m.UploadID, m.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create message query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// ListMessages returns the chat's canonical sequence: creation time
// ascending, all types.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	return s.listMessages(ctx, sq.Eq{"chat_id": chatID}, "created_at ASC", 0)
}

// ListRecentTextMessages returns up to limit text-type messages newest
// first. Callers reverse the slice to feed the model chronologically.
func (s *Store) ListRecentTextMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	return s.listMessages(ctx, sq.Eq{"chat_id": chatID, "type": TypeText}, "created_at DESC", uint64(limit))
}

func (s *Store) listMessages(ctx context.Context, where sq.Sqlizer, order string, limit uint64) ([]Message, error) {
	q := s.sql.Select("id", "chat_id", "role", "type", "content", "upload_id", "created_at").
		From("messages").
		Where(where).
		OrderBy(order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var uploadID sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Type, &m.Content, &uploadID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if uploadID.Valid {
			m.UploadID = &uploadID.String
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// CountUserTextMessagesSince counts user-authored text messages across all
// of the user's chats created at or after since. This is the rolling quota
// aggregate; it is read at decision time with no snapshot guarantee.
func (s *Store) CountUserTextMessagesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	q := s.sql.Select("COUNT(m.id)").
		From("messages m").
		Join("chats c ON m.chat_id = c.id").
		Where(sq.Eq{"c.user_id": userID, "m.role": RoleUser, "m.type": TypeText}).
		Where(sq.GtOrEq{"m.created_at": since.UTC()})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count messages query: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) CreateUpload(ctx context.Context, u Upload) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("uploads").
		Columns("id", "user_id", "chat_id", "mime_type", "data", "created_at").
		Values(u.ID, u.UserID, u.ChatID, u.MimeType, u.Data, u.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create upload query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

// GetUpload is owner-scoped like GetChat.
func (s *Store) GetUpload(ctx context.Context, id, userID string) (Upload, error) {
	q := s.sql.Select("id", "user_id", "chat_id", "mime_type", "data", "created_at").
		From("uploads").
		Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Upload{}, fmt.Errorf("build get upload query: %w", err)
	}

	var u Upload
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.ID,
		&u.UserID,
		&u.ChatID,
		&u.MimeType,
		&u.Data,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Upload{}, ErrNotFound
		}
		return Upload{}, fmt.Errorf("get upload: %w", err)
	}
	return u, nil
}
