// Package clock supplies time and identifiers to the session core so tests
// can pin both.
package clock

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SecretBytes is the entropy of an opaque refresh secret.
const SecretBytes = 32

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock, truncated to microseconds to match Postgres
// timestamptz precision.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Fixed is a settable clock for tests.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixed returns a clock stopped at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t}
}

// Now returns the pinned time.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// Set pins the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

// IDs generates identifiers. Record ids are ULIDs so a family's lineage
// sorts in issue order; everything else is a random UUID.
type IDs interface {
	NewTokenID() string
	NewFamilyID() string
	NewRecordID(at time.Time) string
}

// RandomIDs is the production IDs implementation.
type RandomIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewRandomIDs returns an IDs backed by crypto/rand.
func NewRandomIDs() *RandomIDs {
	return &RandomIDs{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewTokenID returns an access token jti.
func (g *RandomIDs) NewTokenID() string {
	return uuid.NewString()
}

// NewFamilyID returns a fresh family id.
func (g *RandomIDs) NewFamilyID() string {
	return uuid.NewString()
}

// NewRecordID returns a ULID timestamped at at.
func (g *RandomIDs) NewRecordID(at time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), g.entropy).String()
}

// NewSecret returns SecretBytes of entropy encoded as unpadded base64url.
func NewSecret() (string, error) {
	return newSecret(rand.Reader)
}

func newSecret(r io.Reader) (string, error) {
	b := make([]byte, SecretBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("read random secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret returns the lowercase hex SHA-256 of secret. Only this value is
// ever stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
