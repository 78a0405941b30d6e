// Package bridge implements the message-routing core shared by the two
// listener processes: content parsing, the command interpreter, registration
// and revocation, reply/resend routing, and bridge-wide operational state.
// It has no protocol imports; the XMPP and Fediverse transports plug in
// through the ChatSession and FediClient interfaces so neither internal/xmppx
// nor internal/fedi create a dependency cycle.
package bridge

// Side identifies one of the two federated universes a user belongs to.
// The integer values are stable and persisted in the database.
type Side int

const (
	// Fedi is the ActivityPub/Fediverse universe (accounts as acct@domain).
	Fedi Side = 0
	// XMPP is the XMPP universe (JIDs as user@domain).
	XMPP Side = 1
)

// Opposite returns the other universe.
func (s Side) Opposite() Side {
	if s == Fedi {
		return XMPP
	}
	return Fedi
}

func (s Side) String() string {
	if s == Fedi {
		return "fedi"
	}
	return "xmpp"
}

// Int returns the persisted integer value of the side.
func (s Side) Int() int { return int(s) }
