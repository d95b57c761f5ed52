package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) CreateUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("users").
		Columns("id", "email", "password_hash", "name", "email_verified_at", "created_at").
		Values(u.ID, u.Email, u.PasswordHash, u.Name, u.EmailVerifiedAt, u.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, sq.Eq{"email": email})
}

func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, sq.Eq{"id": id})
}

func (s *Store) getUser(ctx context.Context, where sq.Sqlizer) (User, error) {
	q := s.sql.Select("id", "email", "password_hash", "name", "email_verified_at", "created_at").
		From("users").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}

	var u User
	var name sql.NullString
	var verifiedAt sql.NullTime
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&name,
		&verifiedAt,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	if name.Valid {
		u.Name = &name.String
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		u.EmailVerifiedAt = &t
	}
	return u, nil
}

// MarkEmailVerified stamps the verification timestamp once. A second call is
// a no-op rather than an error so concurrent verifies stay idempotent.
func (s *Store) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	q := s.sql.Update("users").
		Set("email_verified_at", at.UTC()).
		Where(sq.Eq{"id": userID}).
		Where("email_verified_at IS NULL")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build mark verified query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("sessions").
		Columns("id", "user_id", "expires_at", "created_at").
		Values(sess.ID, sess.UserID, sess.ExpiresAt.UTC(), sess.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	q := s.sql.Select("id", "user_id", "expires_at", "created_at").
		From("sessions").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build get session query: %w", err)
	}

	var sess Session
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.ExpiresAt,
		&sess.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	q := s.sql.Delete("sessions").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ReplaceVerificationToken deletes any prior token for (user, purpose) and
// inserts the new one, keeping at most one active token per purpose.
func (s *Store) ReplaceVerificationToken(ctx context.Context, t VerificationToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace token: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	delStr, delArgs, err := s.sql.Delete("verification_tokens").
		Where(sq.Eq{"user_id": t.UserID, "purpose": t.Purpose}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete tokens query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delStr, delArgs...); err != nil {
		return fmt.Errorf("delete prior tokens: %w", err)
	}

	insStr, insArgs, err := s.sql.Insert("verification_tokens").
		Columns("user_id", "purpose", "code_hash", "expires_at", "created_at").
		Values(t.UserID, t.Purpose, t.CodeHash, t.ExpiresAt.UTC(), t.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert token query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insStr, insArgs...); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace token: %w", err)
	}
	return nil
}

func (s *Store) LatestVerificationToken(ctx context.Context, userID, purpose string) (VerificationToken, error) {
	q := s.sql.Select("id", "user_id", "purpose", "code_hash", "expires_at", "created_at").
		From("verification_tokens").
		Where(sq.Eq{"user_id": userID, "purpose": purpose}).
		OrderBy("created_at DESC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return VerificationToken{}, fmt.Errorf("build latest token query: %w", err)
	}

	var t VerificationToken
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&t.ID,
		&t.UserID,
		&t.Purpose,
		&t.CodeHash,
		&t.ExpiresAt,
		&t.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VerificationToken{}, ErrNotFound
		}
		return VerificationToken{}, fmt.Errorf("latest token: %w", err)
	}
	return t, nil
}

func (s *Store) DeleteVerificationTokens(ctx context.Context, userID, purpose string) error {
	q := s.sql.Delete("verification_tokens").Where(sq.Eq{"user_id": userID, "purpose": purpose})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete tokens query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	return nil
}

// UpsertCredential saves or replaces the user's provider key. Replacing the
// key material resets last_used_at to null.
func (s *Store) UpsertCredential(ctx context.Context, c Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("credentials").
		Columns("id", "user_id", "provider", "enc_api_key", "last_used_at", "created_at").
		Values(c.ID, c.UserID, c.Provider, c.EncAPIKey, nil, c.CreatedAt).
		Suffix("ON CONFLICT(user_id, provider) DO UPDATE SET enc_api_key=excluded.enc_api_key, last_used_at=NULL")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build credential upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, userID, provider string) (Credential, error) {
	q := s.sql.Select("id", "user_id", "provider", "enc_api_key", "last_used_at", "created_at").
		From("credentials").
		Where(sq.Eq{"user_id": userID, "provider": provider})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build get credential query: %w", err)
	}

	var c Credential
	var lastUsed sql.NullTime
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID,
		&c.UserID,
		&c.Provider,
		&c.EncAPIKey,
		&lastUsed,
		&c.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID, provider string) error {
	q := s.sql.Delete("credentials").Where(sq.Eq{"user_id": userID, "provider": provider})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete credential query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *Store) TouchCredential(ctx context.Context, id string, at time.Time) error {
	q := s.sql.Update("credentials").
		Set("last_used_at", at.UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch credential query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("touch credential: %w", err)
	}
	return nil
}
