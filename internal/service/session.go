// Package service composes the rotation engine, credential checks and the
// user directory into the register, login, refresh and logout use cases.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/btachinardi/lemon-todo-sub000/internal/audit"
	"github.com/btachinardi/lemon-todo-sub000/internal/clock"
	"github.com/btachinardi/lemon-todo-sub000/internal/directory"
	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
	"github.com/btachinardi/lemon-todo-sub000/internal/repository"
	"github.com/btachinardi/lemon-todo-sub000/internal/rotation"
	apperrors "github.com/btachinardi/lemon-todo-sub000/pkg/errors"
	"github.com/btachinardi/lemon-todo-sub000/pkg/logger"
	"github.com/btachinardi/lemon-todo-sub000/pkg/validator"
)

// maxPasswordLength is bcrypt's input limit.
const maxPasswordLength = 72

// TokenValidator validates access tokens.
type TokenValidator interface {
	Validate(token string, now time.Time) (*domain.AccessClaims, error)
}

// RegisterInput holds the parameters for registering a new user.
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

// LoginInput holds the parameters for user login.
type LoginInput struct {
	Email    string
	Password string
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	User    *domain.User
	Session *rotation.Session
}

// SessionService implements the session use cases.
type SessionService struct {
	users      repository.UserRepository
	creds      CredentialVerifier
	engine     *rotation.Engine
	dir        directory.Directory
	tokens     TokenValidator
	audit      audit.Sink
	clock      clock.Clock
	logger     *slog.Logger
	bcryptCost int
}

// Option customises a SessionService.
type Option func(*SessionService)

// WithBcryptCost sets the cost used for new password hashes.
func WithBcryptCost(cost int) Option {
	return func(s *SessionService) { s.bcryptCost = cost }
}

// NewSessionService creates a new session service.
func NewSessionService(
	users repository.UserRepository,
	creds CredentialVerifier,
	engine *rotation.Engine,
	dir directory.Directory,
	tokens TokenValidator,
	sink audit.Sink,
	clk clock.Clock,
	logger *slog.Logger,
	opts ...Option,
) *SessionService {
	s := &SessionService{
		users:      users,
		creds:      creds,
		engine:     engine,
		dir:        dir,
		tokens:     tokens,
		audit:      sink,
		clock:      clk,
		logger:     logger,
		bcryptCost: DefaultBcryptCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an active account and starts its first session. A taken
// email returns an AlreadyExists error; concurrent registrations of one
// email are decided by the repository's unique constraint.
func (s *SessionService) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	email := domain.NormalizeEmail(input.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperrors.InvalidInput("a valid email is required")
	}
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		return nil, apperrors.InvalidInput("display name is required")
	}
	if err := validatePassword(input.Password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(input.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		Role:         domain.RoleUser,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	sess, err := s.engine.Issue(ctx, user.ID, user.Roles(), now)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	s.record(ctx, audit.EventRegister, user.ID, sess.FamilyID, nil)
	s.logger.InfoContext(ctx, "user registered",
		slog.String("user_id", user.ID),
		slog.String("family_id", sess.FamilyID),
	)

	return &AuthResult{User: user, Session: sess}, nil
}

// Login verifies credentials and starts a new session. Bad credentials and
// a deactivated account produce the same authentication error.
func (s *SessionService) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	email := domain.NormalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, apperrors.InvalidInput("email and password are required")
	}

	user, err := s.creds.Verify(ctx, email, input.Password)
	if errors.Is(err, domain.ErrInvalidCredentials) {
		s.record(ctx, audit.EventLoginFailed, "", "", map[string]string{"reason": "invalid_credentials"})
		return nil, apperrors.Unauthenticated()
	}
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	if !user.IsActive {
		s.record(ctx, audit.EventLoginFailed, user.ID, "", map[string]string{"reason": "user_inactive"})
		return nil, apperrors.Unauthenticated()
	}

	sess, err := s.engine.Issue(ctx, user.ID, user.Roles(), s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	s.record(ctx, audit.EventLogin, user.ID, sess.FamilyID, nil)
	s.logger.InfoContext(ctx, "user logged in",
		slog.String("user_id", user.ID),
		slog.String("family_id", sess.FamilyID),
	)

	return &AuthResult{User: user, Session: sess}, nil
}

// Refresh rotates secret. Every rejection collapses to the same
// authentication error; the reason goes to logs and audit only.
func (s *SessionService) Refresh(ctx context.Context, secret string) (*rotation.Session, error) {
	out, err := s.engine.Rotate(ctx, secret, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	if !out.Accepted() {
		eventType := audit.EventRefreshRejected
		if out.Reason.RevokesFamily() {
			eventType = audit.EventReuseDetected
		}
		s.record(ctx, eventType, out.UserID, out.FamilyID, map[string]string{"reason": string(out.Reason)})
		s.logger.InfoContext(ctx, "refresh rejected",
			slog.String("reason", string(out.Reason)),
			slog.String("user_id", out.UserID),
			slog.String("family_id", out.FamilyID),
		)
		return nil, apperrors.Unauthenticated()
	}

	s.record(ctx, audit.EventRefresh, out.UserID, out.FamilyID, nil)
	return out.Session, nil
}

// Logout revokes the family secret belongs to. It never fails from the
// caller's point of view.
func (s *SessionService) Logout(ctx context.Context, secret string) {
	familyID, err := s.engine.Revoke(ctx, secret, s.clock.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "logout revoke failed", slog.String("error", err.Error()))
		return
	}
	if familyID != "" {
		s.record(ctx, audit.EventLogout, "", familyID, nil)
	}
}

// Authenticate validates a bearer access token and rechecks that its owner
// is still active.
func (s *SessionService) Authenticate(ctx context.Context, token string) (*domain.AccessClaims, error) {
	claims, err := s.tokens.Validate(token, s.clock.Now())
	if err != nil {
		return nil, apperrors.Unauthenticated()
	}

	status, err := s.dir.Lookup(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("lookup user status: %w", err)
	}
	if !status.Exists || !status.Active {
		return nil, apperrors.Unauthenticated()
	}
	return claims, nil
}

// Me returns the authenticated user's account.
func (s *SessionService) Me(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.Unauthenticated()
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// LogoutAll revokes every session of userID.
func (s *SessionService) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.engine.RevokeUser(ctx, userID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	s.record(ctx, audit.EventLogoutAll, userID, userID, map[string]string{"records_revoked": strconv.FormatInt(n, 10)})
	return n, nil
}

// DeactivateUser closes the account gate for userID and ends its sessions.
// Access tokens already issued stay valid until they expire or the next
// status check sees the change.
func (s *SessionService) DeactivateUser(ctx context.Context, actorID, userID string) error {
	now := s.clock.Now()
	if err := s.users.SetActive(ctx, userID, false, now); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}

	if err := s.dir.Invalidate(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "user status cache not invalidated",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	n, err := s.engine.RevokeUser(ctx, userID, now)
	if err != nil {
		return err
	}

	s.record(ctx, audit.EventUserDeactivated, actorID, userID, map[string]string{"records_revoked": strconv.FormatInt(n, 10)})
	s.logger.InfoContext(ctx, "user deactivated",
		slog.String("user_id", userID),
		slog.String("actor_id", actorID),
	)
	return nil
}

func (s *SessionService) record(ctx context.Context, eventType, actorID, resourceID string, md map[string]string) {
	s.audit.Record(ctx, audit.Event{
		Type:          eventType,
		ActorID:       actorID,
		ResourceID:    resourceID,
		Metadata:      md,
		OccurredAt:    s.clock.Now(),
		CorrelationID: logger.CorrelationIDFromContext(ctx),
	})
}

func validatePassword(password string) error {
	if len(password) > maxPasswordLength {
		return apperrors.InvalidInput(fmt.Sprintf("password must be at most %d bytes", maxPasswordLength))
	}
	if !validator.StrongPassword(password) {
		return apperrors.InvalidInput("password must be at least 8 characters and contain an uppercase letter, a lowercase letter and a digit")
	}
	return nil
}
