// Package memory holds single-process implementations of the repository
// interfaces. All state sits behind one mutex, so TryRotate is atomic only
// within this process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btachinardi/lemon-todo-sub000/internal/clock"
	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
)

// RefreshTokenStore implements repository.RefreshTokenStore in memory.
type RefreshTokenStore struct {
	ids clock.IDs
	ttl time.Duration

	mu       sync.Mutex
	byID     map[string]*domain.RefreshToken
	byHash   map[string]string
	families map[string][]string
}

// NewRefreshTokenStore creates an empty store issuing records that live for ttl.
func NewRefreshTokenStore(ids clock.IDs, ttl time.Duration) *RefreshTokenStore {
	return &RefreshTokenStore{
		ids:      ids,
		ttl:      ttl,
		byID:     make(map[string]*domain.RefreshToken),
		byHash:   make(map[string]string),
		families: make(map[string][]string),
	}
}

// CreateRoot starts a new family.
func (s *RefreshTokenStore) CreateRoot(ctx context.Context, userID, secret string, now time.Time) (*domain.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &domain.RefreshToken{
		ID:         s.ids.NewRecordID(now),
		FamilyID:   s.ids.NewFamilyID(),
		UserID:     userID,
		SecretHash: clock.HashSecret(secret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.insertLocked(rec); err != nil {
		return nil, err
	}
	return clone(rec), nil
}

// FindLiveBySecret returns the live record for secret.
func (s *RefreshTokenStore) FindLiveBySecret(ctx context.Context, secret string, now time.Time) (*domain.RefreshToken, error) {
	rec, err := s.FindBySecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	if !rec.IsLive(now) {
		return nil, domain.ErrRefreshTokenNotFound
	}
	return rec, nil
}

// FindBySecret returns the record for secret in any state.
func (s *RefreshTokenStore) FindBySecret(ctx context.Context, secret string) (*domain.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[clock.HashSecret(secret)]
	if !ok {
		return nil, domain.ErrRefreshTokenNotFound
	}
	return clone(s.byID[id]), nil
}

// TryRotate consumes tokenID and attaches a child in one step under the lock.
func (s *RefreshTokenStore) TryRotate(ctx context.Context, tokenID, childSecret string, now time.Time) (*domain.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.byID[tokenID]
	if !ok {
		return nil, domain.ErrRefreshTokenNotFound
	}
	if !parent.IsLive(now) {
		return nil, domain.ErrRefreshTokenConsumed
	}

	parentID := parent.ID
	child := &domain.RefreshToken{
		ID:         s.ids.NewRecordID(now),
		FamilyID:   parent.FamilyID,
		ParentID:   &parentID,
		UserID:     parent.UserID,
		SecretHash: clock.HashSecret(childSecret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.insertLocked(child); err != nil {
		return nil, err
	}

	consumedAt := now
	childID := child.ID
	parent.ConsumedAt = &consumedAt
	parent.ReplacedByID = &childID

	return clone(child), nil
}

// RevokeFamily revokes every unrevoked record in the family.
func (s *RefreshTokenStore) RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeLocked(s.families[familyID], now), nil
}

// RevokeUser revokes every unrevoked record owned by userID.
func (s *RefreshTokenStore) RevokeUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.byID {
		if rec.UserID == userID {
			ids = append(ids, id)
		}
	}
	return s.revokeLocked(ids, now), nil
}

// ListFamily returns the family oldest first.
func (s *RefreshTokenStore) ListFamily(ctx context.Context, familyID string) ([]domain.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.families[familyID]
	out := make([]domain.RefreshToken, 0, len(ids))
	for _, id := range ids {
		out = append(out, *clone(s.byID[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}

func (s *RefreshTokenStore) insertLocked(rec *domain.RefreshToken) error {
	if _, dup := s.byHash[rec.SecretHash]; dup {
		return fmt.Errorf("insert refresh token: duplicate secret hash")
	}
	if _, dup := s.byID[rec.ID]; dup {
		return fmt.Errorf("insert refresh token: duplicate id %s", rec.ID)
	}
	s.byID[rec.ID] = rec
	s.byHash[rec.SecretHash] = rec.ID
	s.families[rec.FamilyID] = append(s.families[rec.FamilyID], rec.ID)
	return nil
}

func (s *RefreshTokenStore) revokeLocked(ids []string, now time.Time) int64 {
	var n int64
	for _, id := range ids {
		rec := s.byID[id]
		if rec.RevokedAt != nil {
			continue
		}
		revokedAt := now
		rec.RevokedAt = &revokedAt
		n++
	}
	return n
}

func clone(rec *domain.RefreshToken) *domain.RefreshToken {
	cp := *rec
	if rec.ParentID != nil {
		v := *rec.ParentID
		cp.ParentID = &v
	}
	if rec.ConsumedAt != nil {
		v := *rec.ConsumedAt
		cp.ConsumedAt = &v
	}
	if rec.RevokedAt != nil {
		v := *rec.RevokedAt
		cp.RevokedAt = &v
	}
	if rec.ReplacedByID != nil {
		v := *rec.ReplacedByID
		cp.ReplacedByID = &v
	}
	return &cp
}
