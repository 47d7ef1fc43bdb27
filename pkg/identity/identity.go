// Package identity defines the value type naming a
// participant and the identity-management modes a
// session can start in.
package identity

import (
	"fmt"
	"strings"
)

// GuestPrefix marks a session-scoped pseudo-ID that is
// never backed by keys.
const GuestPrefix = "e'"

// Identity names a participant. Two identities are equal
// iff their IDs are equal.
type Identity struct { // A
	Name string
	ID   string
}

// Guest builds the pseudo identity of a guest session.
func Guest(name, sessionID string) Identity { // A
	return Identity{Name: name, ID: GuestPrefix + sessionID}
}

// IsGuestID reports whether id is a guest pseudo-ID.
func IsGuestID(id string) bool { // A
	return strings.HasPrefix(id, GuestPrefix)
}

// IsGuest reports whether the identity is a guest.
func (i Identity) IsGuest() bool { // A
	return IsGuestID(i.ID)
}

// Equal compares identities by ID only.
func (i Identity) Equal(other Identity) bool { // A
	return i.ID == other.ID
}

func (i Identity) String() string { // A
	return i.Name + "@" + i.ID
}

// Mode selects how a session obtains its identity.
type Mode string // A

const (
	ModeGuest  Mode = "guest"
	ModeCreate Mode = "createid"
	ModeReuse  Mode = "reuseid"
)

// ParseMode maps the persisted mode string to a Mode.
// The empty string selects ModeGuest.
func ParseMode(s string) (Mode, error) { // A
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeGuest:
		return ModeGuest, nil
	case ModeCreate:
		return ModeCreate, nil
	case ModeReuse:
		return ModeReuse, nil
	default:
		return "", fmt.Errorf("unknown identity mode %q", s)
	}
}
