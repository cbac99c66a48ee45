// Package rotation drives the refresh token family state machine: issue a
// root, rotate the current token into its child, revoke the whole family on
// logout or on any sign of reuse.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btachinardi/lemon-todo-sub000/internal/clock"
	"github.com/btachinardi/lemon-todo-sub000/internal/directory"
	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
	"github.com/btachinardi/lemon-todo-sub000/internal/repository"
	"github.com/btachinardi/lemon-todo-sub000/pkg/logger"
)

// DefaultRaceWindow separates a lost concurrent rotation from a late replay
// when tagging rejections.
const DefaultRaceWindow = 2 * time.Second

// maxSecretLength bounds presented secrets before hashing. Issued secrets
// are 43 characters.
const maxSecretLength = 256

// AccessIssuer mints access tokens.
type AccessIssuer interface {
	Issue(subject string, roles []string, now time.Time) (string, time.Time, error)
}

// Engine implements issue, rotate and revoke over a RefreshTokenStore.
// Its error return is reserved for infrastructure failures; every
// authentication decision is reported through Outcome.
type Engine struct {
	store      repository.RefreshTokenStore
	dir        directory.Directory
	access     AccessIssuer
	newSecret  func() (string, error)
	raceWindow time.Duration
	logger     *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithSecretSource replaces the random secret generator.
func WithSecretSource(fn func() (string, error)) Option {
	return func(e *Engine) { e.newSecret = fn }
}

// WithRaceWindow sets how recent a consumption must be for a replay of it
// to be tagged as a lost race rather than reuse.
func WithRaceWindow(d time.Duration) Option {
	return func(e *Engine) { e.raceWindow = d }
}

// NewEngine creates a rotation engine.
func NewEngine(
	store repository.RefreshTokenStore,
	dir directory.Directory,
	access AccessIssuer,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:      store,
		dir:        dir,
		access:     access,
		newSecret:  clock.NewSecret,
		raceWindow: DefaultRaceWindow,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue starts a new family for userID and returns its root secret together
// with a fresh access token carrying roles.
func (e *Engine) Issue(ctx context.Context, userID string, roles []string, now time.Time) (*Session, error) {
	secret, err := e.newSecret()
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}

	rec, err := e.store.CreateRoot(ctx, userID, secret, now)
	if err != nil {
		return nil, fmt.Errorf("create refresh token family: %w", err)
	}

	access, accessExp, err := e.access.Issue(userID, roles, now)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	issuedTotal.Inc()
	e.logger.DebugContext(ctx, "refresh token family issued",
		slog.String("user_id", userID),
		slog.String("family_id", rec.FamilyID),
	)

	return &Session{
		UserID:           userID,
		FamilyID:         rec.FamilyID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshSecret:    secret,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Rotate exchanges a live secret for its child. Any secret that is not live
// is rejected; a secret that was already consumed also revokes its family.
func (e *Engine) Rotate(ctx context.Context, secret string, now time.Time) (out Outcome, err error) {
	defer func() {
		if err == nil {
			observe(out)
		}
	}()

	if secret == "" || len(secret) > maxSecretLength {
		return rejected(ReasonUnknown, "", ""), nil
	}

	rec, err := e.store.FindLiveBySecret(ctx, secret, now)
	if errors.Is(err, domain.ErrRefreshTokenNotFound) {
		return e.classifyMiss(ctx, secret, now)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("find refresh token: %w", err)
	}
	ctx = logger.WithFamilyID(ctx, rec.FamilyID)

	// Deactivation gate. Nothing is mutated for an inactive owner.
	status, err := e.dir.Lookup(ctx, rec.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup user status: %w", err)
	}
	if !status.Exists || !status.Active {
		return rejected(ReasonUserInactive, rec.UserID, rec.FamilyID), nil
	}

	// Fallible work runs before the parent is consumed.
	access, accessExp, err := e.access.Issue(rec.UserID, status.Roles, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("issue access token: %w", err)
	}
	childSecret, err := e.newSecret()
	if err != nil {
		return Outcome{}, fmt.Errorf("generate refresh secret: %w", err)
	}

	child, err := e.store.TryRotate(ctx, rec.ID, childSecret, now)
	switch {
	case errors.Is(err, domain.ErrRefreshTokenConsumed):
		// The record was live a moment ago, so someone else consumed it
		// within this call.
		if err := e.revokeFamily(ctx, rec, ReasonRaceLost, now); err != nil {
			return Outcome{}, err
		}
		return rejected(ReasonRaceLost, rec.UserID, rec.FamilyID), nil
	case errors.Is(err, domain.ErrRefreshTokenNotFound):
		return rejected(ReasonUnknown, rec.UserID, rec.FamilyID), nil
	case err != nil:
		return Outcome{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	return accepted(&Session{
		UserID:           rec.UserID,
		FamilyID:         child.FamilyID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshSecret:    childSecret,
		RefreshExpiresAt: child.ExpiresAt,
	}), nil
}

// classifyMiss decides why a secret was not live. Only the reason differs
// between branches; every branch is a rejection.
func (e *Engine) classifyMiss(ctx context.Context, secret string, now time.Time) (Outcome, error) {
	rec, err := e.store.FindBySecret(ctx, secret)
	if errors.Is(err, domain.ErrRefreshTokenNotFound) {
		return rejected(ReasonUnknown, "", ""), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("find refresh token: %w", err)
	}
	ctx = logger.WithFamilyID(ctx, rec.FamilyID)

	switch {
	case rec.IsConsumed():
		reason := ReasonReuseDetected
		if now.Sub(*rec.ConsumedAt) <= e.raceWindow {
			reason = ReasonRaceLost
		}
		if err := e.revokeFamily(ctx, rec, reason, now); err != nil {
			return Outcome{}, err
		}
		return rejected(reason, rec.UserID, rec.FamilyID), nil
	case rec.IsRevoked():
		return rejected(ReasonRevoked, rec.UserID, rec.FamilyID), nil
	case rec.IsExpired(now):
		return rejected(ReasonExpired, rec.UserID, rec.FamilyID), nil
	default:
		// Live by now; the first lookup raced with nothing we can name.
		return rejected(ReasonUnknown, rec.UserID, rec.FamilyID), nil
	}
}

func (e *Engine) revokeFamily(ctx context.Context, rec *domain.RefreshToken, reason Reason, now time.Time) error {
	n, err := e.store.RevokeFamily(ctx, rec.FamilyID, now)
	if err != nil {
		return fmt.Errorf("revoke refresh token family: %w", err)
	}
	if n > 0 {
		familyRevocationsTotal.WithLabelValues(string(reason)).Inc()
	}

	level := slog.LevelWarn
	if reason == ReasonRaceLost {
		level = slog.LevelInfo
	}
	e.logger.Log(ctx, level, "refresh token family revoked",
		slog.String("reason", string(reason)),
		slog.String("user_id", rec.UserID),
		slog.String("family_id", rec.FamilyID),
		slog.String("token_id", rec.ID),
		slog.Int64("records_revoked", n),
	)
	return nil
}

// Revoke ends the family secret belongs to. Unknown and already revoked
// secrets succeed silently. The family id is returned when one was found.
func (e *Engine) Revoke(ctx context.Context, secret string, now time.Time) (string, error) {
	if secret == "" || len(secret) > maxSecretLength {
		return "", nil
	}

	rec, err := e.store.FindBySecret(ctx, secret)
	if errors.Is(err, domain.ErrRefreshTokenNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find refresh token: %w", err)
	}

	n, err := e.store.RevokeFamily(ctx, rec.FamilyID, now)
	if err != nil {
		return "", fmt.Errorf("revoke refresh token family: %w", err)
	}
	if n > 0 {
		familyRevocationsTotal.WithLabelValues("logout").Inc()
	}
	return rec.FamilyID, nil
}

// RevokeUser ends every family owned by userID.
func (e *Engine) RevokeUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	n, err := e.store.RevokeUser(ctx, userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	if n > 0 {
		familyRevocationsTotal.WithLabelValues("user").Inc()
	}
	return n, nil
}

// Lineage returns the family's records oldest first.
func (e *Engine) Lineage(ctx context.Context, familyID string) ([]domain.RefreshToken, error) {
	recs, err := e.store.ListFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("list refresh token family: %w", err)
	}
	return recs, nil
}
