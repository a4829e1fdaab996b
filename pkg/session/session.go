// Package session provides relational session persistence. It defines the
// Record type returned to callers, the per-request State threaded through
// store calls, and the collaborator boundaries for the authenticated
// identity and the inbound request.
package session

import (
	"context"
	"time"
)

// Record is the merged view of one session: the decoded payload keys
// combined with the row's metadata columns (last_activity and friends).
// The raw serialized data column itself is never exposed.
type Record map[string]any

// Handler is the full lifecycle of relational session persistence.
type Handler interface {
	// Open prepares the handler. Implementations that hold a ready
	// connection treat it as a no-op.
	Open(ctx context.Context) error

	// Read loads the session payload, marking st present on a hit.
	// A miss returns a nil Record without error.
	Read(ctx context.Context, st *State, sessionID string) (Record, error)

	// Write persists the payload, creating the row on first write when
	// a device fingerprint is available.
	Write(ctx context.Context, st *State, sessionID string, payload map[string]any) error

	// UpdateLoginInfo stamps login telemetry onto the session row and
	// the identity.
	UpdateLoginInfo(ctx context.Context, st *State, req Request, sessionID string, id Identity) error

	// Destroy removes an anonymous session outright and scrubs the
	// payload of an authenticated one.
	Destroy(ctx context.Context, sessionID string) error

	// GC deletes stale anonymous sessions and scrubs stale
	// authenticated ones.
	GC(ctx context.Context, maxAge time.Duration) error

	// Close releases handler resources.
	Close() error
}

// Presence tracks whether the backing row for a session is known to exist.
type Presence int

const (
	// PresenceUnknown means row existence has not been resolved yet.
	PresenceUnknown Presence = iota

	// PresenceAbsent means the caller has confirmed there is no row.
	PresenceAbsent

	// PresencePresent means the row is confirmed to exist.
	PresencePresent
)

// String returns the presence as a human-readable string.
func (p Presence) String() string {
	switch p {
	case PresenceAbsent:
		return "absent"
	case PresencePresent:
		return "present"
	default:
		return "unknown"
	}
}

// State carries per-request session bookkeeping across store calls. Each
// request handler owns its own State, so stores stay free of mutable
// per-session fields and are safe to share across concurrent handlers.
// Conflicting writes from concurrent requests on the same session resolve
// at the storage layer.
type State struct {
	presence Presence
	deviceID string
	loginAt  time.Time
}

// NewState creates a State with unresolved row presence.
func NewState() *State {
	return &State{}
}

// SetExists primes the row-presence flag without a read. The surrounding
// framework uses this when it already knows whether the row exists.
func (s *State) SetExists(exists bool) {
	if exists {
		s.presence = PresencePresent
	} else {
		s.presence = PresenceAbsent
	}
}

// Presence returns the current row-presence knowledge.
func (s *State) Presence() Presence {
	return s.presence
}

// SetDeviceID records the client-supplied device UUID for this request.
// An empty id means the client sent none; first-time session writes are
// then dropped rather than creating a row with no fingerprint linkage.
func (s *State) SetDeviceID(id string) {
	s.deviceID = id
}

// DeviceID returns the client-supplied device UUID, or "" when absent.
func (s *State) DeviceID() string {
	return s.deviceID
}

// SetLoginTime records when the session's identity logged in. Subsequent
// writes derive the activity duration from it.
func (s *State) SetLoginTime(at time.Time) {
	s.loginAt = at
}

// LoginTime returns the recorded login time, zero when none is known.
func (s *State) LoginTime() time.Time {
	return s.loginAt
}

// Identity is the authenticated account a session can be bound to.
// Implementations live with the consuming application's user model.
type Identity interface {
	// AuthID returns the stable numeric identifier of the account.
	AuthID() int64

	// Logins returns the number of successful logins recorded so far.
	Logins() int64

	// LastRegion returns the region recorded for the previous login,
	// or "" when none is known.
	LastRegion() string

	// RecordLogin persists a successful login against the account:
	// the login counter advances by one and the timestamp, IP, and
	// region are stored as the last known login.
	RecordLogin(ctx context.Context, at time.Time, ip, region string) error
}

// Request supplies the client-side facts recorded as login telemetry.
type Request interface {
	// Header returns the named request header, or "" when absent.
	Header(name string) string

	// IP returns the client IP address, or "" when it cannot be
	// determined.
	IP() string

	// Input returns the named client-reported form value (os, engine,
	// browser), or "" when absent.
	Input(name string) string
}
