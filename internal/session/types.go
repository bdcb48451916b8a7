// Package session resolves who the current principal is and whether they
// are ready to act.
//
// A Manager owns one Session. It asks the identity provider for the
// principal, fetches (or provisions) the principal's Profile from the
// remote store, and follows the provider's change stream. Every transition
// runs on the shared loop; readers get immutable snapshots.
//
// Resolution is bounded: if the session is still Initializing when the
// deadline fires, it is forced to its last-known values and the manager
// stops waiting. It never retries on its own.
package session

import (
	"context"
	"errors"
	"fmt"
)

// Status is the session lifecycle state.
//
//	Initializing -> Ready | Unauthenticated
//	Ready <-> Unauthenticated
type Status int

const (
	StatusInitializing Status = iota
	StatusReady
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Role is the closed set of profile roles, highest privilege first.
type Role string

const (
	RoleLead    Role = "lead"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
)

// DefaultRole is the lowest-privilege role, given to new profiles.
const DefaultRole = RoleMember

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleLead, RoleManager, RoleMember:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Identity is the principal as issued by the identity provider. The
// manager holds a read-only copy.
type Identity struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Profile is the application record for a principal. ID equals the
// Identity's ID.
type Profile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       Role   `json:"role"`
	MemberCode string `json:"member_code"`
}

// Session is an immutable snapshot. Profile is never set while Principal
// is nil.
type Session struct {
	Principal *Identity
	Profile   *Profile
	Status    Status

	// Seq is the loop clock reading at the transition that produced this
	// snapshot.
	Seq int64

	caps CapabilitySet
}

// NewSnapshot builds a Session outside a Manager: Ready when principal is
// set, Unauthenticated otherwise. Used by one-shot tools and tests.
func NewSnapshot(principal *Identity, profile *Profile) Session {
	status := StatusUnauthenticated
	if principal == nil {
		profile = nil
	} else {
		status = StatusReady
	}
	return Session{
		Principal: principal,
		Profile:   profile,
		Status:    status,
		caps:      capabilitiesOf(status, profile),
	}
}

// Ready reports whether the session has a principal.
func (s Session) Ready() bool { return s.Status == StatusReady }

// Degraded reports a Ready session whose profile could not be loaded.
func (s Session) Degraded() bool { return s.Status == StatusReady && s.Profile == nil }

// PrincipalID returns the principal's ID, or "" when there is none.
func (s Session) PrincipalID() string {
	if s.Principal == nil {
		return ""
	}
	return s.Principal.ID
}

// Role returns the effective role. Sessions without a profile get no role.
func (s Session) Role() Role {
	if s.Profile == nil {
		return ""
	}
	return s.Profile.Role
}

// Can reports whether the session may perform c.
func (s Session) Can(c Capability) bool { return s.caps.Has(c) }

// Capabilities returns the session's capability set.
func (s Session) Capabilities() CapabilitySet { return s.caps }

// Authorize returns an Unauthorized error when the session lacks c.
func (s Session) Authorize(op string, c Capability) error {
	if s.Can(c) {
		return nil
	}
	return unauthorized(op, c, s)
}

// EventKind names an identity provider transition.
type EventKind string

const (
	EventSignedIn       EventKind = "signed_in"
	EventSignedOut      EventKind = "signed_out"
	EventTokenRefreshed EventKind = "token_refreshed"
)

// IdentityEvent is one push from the identity provider. Principal is nil
// after sign-out.
type IdentityEvent struct {
	Kind      EventKind
	Principal *Identity
}

// ErrStreamClosed is returned by IdentityStream.Next after Close.
var ErrStreamClosed = errors.New("identity stream closed")

// IdentityStream is a cancellable subscription to identity changes.
type IdentityStream interface {
	Next(ctx context.Context) (IdentityEvent, error)
	Close() error
}

// IdentityProvider authenticates principals.
type IdentityProvider interface {
	// CurrentPrincipal returns the signed-in principal, or nil.
	CurrentPrincipal(ctx context.Context) (*Identity, error)

	// WatchPrincipal opens a stream of identity changes.
	WatchPrincipal(ctx context.Context) (IdentityStream, error)

	// SignOut invalidates the provider session. The change arrives on the
	// stream.
	SignOut(ctx context.Context) error
}

// ProfileStore reads and provisions profiles in the remote store.
type ProfileStore interface {
	// FindProfile returns a NotFound-classified error when no record
	// exists.
	FindProfile(ctx context.Context, id string) (Profile, error)

	CreateProfile(ctx context.Context, p Profile) (Profile, error)
}
