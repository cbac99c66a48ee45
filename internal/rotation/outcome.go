package rotation

import "time"

// Reason says why a rotation was rejected. It is for logs, metrics and audit
// events only; callers outside the service must never see it.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonUnknown       Reason = "unknown"
	ReasonExpired       Reason = "expired"
	ReasonRevoked       Reason = "revoked"
	ReasonUserInactive  Reason = "user_inactive"
	ReasonReuseDetected Reason = "reuse_detected"
	ReasonRaceLost      Reason = "rotation_race"
)

// RevokesFamily reports whether a rejection with this reason killed the
// token's family.
func (r Reason) RevokesFamily() bool {
	return r == ReasonReuseDetected || r == ReasonRaceLost
}

// Session is what a successful Issue or Rotate hands back to the caller. The
// refresh secret exists only here and in the client's cookie.
type Session struct {
	UserID           string
	FamilyID         string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshSecret    string
	RefreshExpiresAt time.Time
}

// Outcome is the result of Rotate: Accepted with a new session, or Rejected
// with a reason. UserID and FamilyID are set whenever the presented secret
// matched a record.
type Outcome struct {
	Session  *Session
	Reason   Reason
	UserID   string
	FamilyID string
}

// Accepted reports whether the rotation produced a new session.
func (o Outcome) Accepted() bool {
	return o.Session != nil
}

func accepted(s *Session) Outcome {
	return Outcome{Session: s, UserID: s.UserID, FamilyID: s.FamilyID}
}

func rejected(reason Reason, userID, familyID string) Outcome {
	return Outcome{Reason: reason, UserID: userID, FamilyID: familyID}
}
