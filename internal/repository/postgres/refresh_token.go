package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/btachinardi/lemon-todo-sub000/internal/clock"
	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
	"github.com/btachinardi/lemon-todo-sub000/pkg/database"
)

const tokenColumns = `id, family_id, parent_id, user_id, secret_hash, issued_at, expires_at, consumed_at, revoked_at, replaced_by_id`

const (
	qInsertToken = `
		INSERT INTO refresh_tokens (id, family_id, parent_id, user_id, secret_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	qFindLiveBySecret = `
		SELECT ` + tokenColumns + `
		FROM refresh_tokens
		WHERE secret_hash = $1 AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > $2`

	qFindBySecret = `
		SELECT ` + tokenColumns + `
		FROM refresh_tokens
		WHERE secret_hash = $1`

	// The WHERE clause is the compare-and-swap: a concurrent consumer that
	// committed first leaves this statement matching zero rows.
	qConsumeToken = `
		UPDATE refresh_tokens
		SET consumed_at = $2, replaced_by_id = $3
		WHERE id = $1 AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > $2
		RETURNING family_id, user_id`

	qTokenExists = `SELECT EXISTS(SELECT 1 FROM refresh_tokens WHERE id = $1)`

	qRevokeFamily = `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE family_id = $1 AND revoked_at IS NULL`

	qRevokeUser = `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL`

	qListFamily = `
		SELECT ` + tokenColumns + `
		FROM refresh_tokens
		WHERE family_id = $1
		ORDER BY issued_at, id`
)

// Constraints that signal a lost rotation race when a child insert trips them.
const (
	constraintParentID      = "refresh_tokens_parent_id_key"
	constraintCurrentFamily = "refresh_tokens_one_current_per_family"
)

// RefreshTokenStore implements repository.RefreshTokenStore using PostgreSQL.
type RefreshTokenStore struct {
	db  database.DB
	ids clock.IDs
	ttl time.Duration
}

// NewRefreshTokenStore creates a PostgreSQL-backed refresh token store.
func NewRefreshTokenStore(db database.DB, ids clock.IDs, ttl time.Duration) *RefreshTokenStore {
	return &RefreshTokenStore{db: db, ids: ids, ttl: ttl}
}

// CreateRoot inserts the first record of a new family.
func (s *RefreshTokenStore) CreateRoot(ctx context.Context, userID, secret string, now time.Time) (_ *domain.RefreshToken, err error) {
	ctx, end := database.TraceQuery(ctx, "refresh_tokens.create_root", qInsertToken)
	defer func() { end(err) }()

	rec := &domain.RefreshToken{
		ID:         s.ids.NewRecordID(now),
		FamilyID:   s.ids.NewFamilyID(),
		UserID:     userID,
		SecretHash: clock.HashSecret(secret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
	}

	if _, err := s.db.Exec(ctx, qInsertToken,
		rec.ID, rec.FamilyID, rec.ParentID, rec.UserID, rec.SecretHash, rec.IssuedAt, rec.ExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("insert refresh token: %w", err)
	}
	return rec, nil
}

// FindLiveBySecret looks up a live record by the hash of secret.
func (s *RefreshTokenStore) FindLiveBySecret(ctx context.Context, secret string, now time.Time) (_ *domain.RefreshToken, err error) {
	ctx, end := database.TraceQuery(ctx, "refresh_tokens.find_live", qFindLiveBySecret)
	defer func() { end(traceErr(err)) }()

	return scanToken(s.db.QueryRow(ctx, qFindLiveBySecret, clock.HashSecret(secret), now))
}

// FindBySecret looks up a record in any state by the hash of secret.
func (s *RefreshTokenStore) FindBySecret(ctx context.Context, secret string) (_ *domain.RefreshToken, err error) {
	ctx, end := database.TraceQuery(ctx, "refresh_tokens.find", qFindBySecret)
	defer func() { end(traceErr(err)) }()

	return scanToken(s.db.QueryRow(ctx, qFindBySecret, clock.HashSecret(secret)))
}

// TryRotate consumes tokenID and inserts its child in one transaction. If
// the conditional update matches nothing the transaction is rolled back and
// the miss is classified as consumed or not found.
func (s *RefreshTokenStore) TryRotate(ctx context.Context, tokenID, childSecret string, now time.Time) (_ *domain.RefreshToken, err error) {
	ctx, end := database.TraceQuery(ctx, "refresh_tokens.try_rotate", qConsumeToken)
	defer func() { end(traceErr(err)) }()

	parentID := tokenID
	child := &domain.RefreshToken{
		ID:         s.ids.NewRecordID(now),
		ParentID:   &parentID,
		SecretHash: clock.HashSecret(childSecret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
	}

	err = database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, qConsumeToken, tokenID, now, child.ID).Scan(&child.FamilyID, &child.UserID)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, qTokenExists, tokenID).Scan(&exists); err != nil {
				return fmt.Errorf("check refresh token: %w", err)
			}
			if exists {
				return domain.ErrRefreshTokenConsumed
			}
			return domain.ErrRefreshTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("consume refresh token: %w", err)
		}

		if _, err := tx.Exec(ctx, qInsertToken,
			child.ID, child.FamilyID, child.ParentID, child.UserID, child.SecretHash, child.IssuedAt, child.ExpiresAt,
		); err != nil {
			if name, ok := database.UniqueViolation(err); ok && (name == constraintParentID || name == constraintCurrentFamily) {
				return domain.ErrRefreshTokenConsumed
			}
			return fmt.Errorf("insert child refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// RevokeFamily sets revoked_at on every unrevoked record of the family.
func (s *RefreshTokenStore) RevokeFamily(ctx context.Context, familyID string, now time.Time) (_ int64, err error) {
	ctx, end := database.TraceQuery(ctx, "refresh_tokens.revoke_family", qRevokeFamily)
	defer func() { end(err) }()

	ct, err := s.db.Exec(ctx, qRevokeFamily, familyID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token family: %w", err)
	}
	return ct.RowsAffected(), nil
}

// RevokeUser sets revoked_at on every unrevoked record owned by userID.
func (s *RefreshTokenStore) RevokeUser(ctx context.Context, userID string, now time.Time) (_ int64, err error) {
	ctx, end := database.TraceQuery(ctx, "refresh_tokens.revoke_user", qRevokeUser)
	defer func() { end(err) }()

	ct, err := s.db.Exec(ctx, qRevokeUser, userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return ct.RowsAffected(), nil
}

// ListFamily returns every record of the family, oldest first.
func (s *RefreshTokenStore) ListFamily(ctx context.Context, familyID string) (_ []domain.RefreshToken, err error) {
	ctx, end := database.TraceQuery(ctx, "refresh_tokens.list_family", qListFamily)
	defer func() { end(err) }()

	rows, err := s.db.Query(ctx, qListFamily, familyID)
	if err != nil {
		return nil, fmt.Errorf("list refresh token family: %w", err)
	}
	defer rows.Close()

	out := []domain.RefreshToken{}
	for rows.Next() {
		rec, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh token rows: %w", err)
	}
	return out, nil
}

func scanToken(row pgx.Row) (*domain.RefreshToken, error) {
	var rec domain.RefreshToken
	err := row.Scan(
		&rec.ID,
		&rec.FamilyID,
		&rec.ParentID,
		&rec.UserID,
		&rec.SecretHash,
		&rec.IssuedAt,
		&rec.ExpiresAt,
		&rec.ConsumedAt,
		&rec.RevokedAt,
		&rec.ReplacedByID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}
	return &rec, nil
}

// traceErr keeps expected lookup misses from marking spans as failed.
func traceErr(err error) error {
	if errors.Is(err, domain.ErrRefreshTokenNotFound) || errors.Is(err, domain.ErrRefreshTokenConsumed) {
		return nil
	}
	return err
}
