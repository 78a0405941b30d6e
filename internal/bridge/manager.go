package bridge

import (
	"context"

	"github.com/klppl/xbridge/internal/db"
)

// Unregister revokes a registration and tears down the follow or roster
// relationship. event marks unregistrations triggered by an unfollow or an
// unsubscribe presence, which suppress the not-registered and
// already-revoked replies. chat may be nil; a transient session is dialed
// when roster work is needed.
func (c *Core) Unregister(ctx context.Context, side Side, user string, event bool, lang string, chat ChatSession) string {
	u, err := c.Store.GetUser(ctx, side.Int(), user)
	if err != nil {
		c.Log.Error("unregistration lookup failed", "side", side.String(), "user", user, "error", err)
		return ""
	}
	if u == nil {
		if event {
			return ""
		}
		return c.Msg.Msg(lang, "dbnotexists")
	}

	var reply string
	if u.RevokeDate != nil {
		if !event {
			reply = c.Msg.Format(lang, "revoked", u.RevokeDate.Format("2006-01-02"))
		}
	} else {
		if err := c.Store.RevokeUser(ctx, side.Int(), user); err != nil {
			c.Log.Error("revocation failed", "side", side.String(), "user", user, "error", err)
			return reply
		}
		reply = c.Msg.Msg(lang, "unregok")
	}

	// The contact teardown runs even for an already-revoked row so a
	// lingering follow or roster entry still gets cleaned up.
	if c.dropContact(ctx, side, u, chat) {
		reply += c.Msg.Msg(lang, "delcontact")
	}
	return reply
}

// dropContact undoes the follow or roster relationship; it reports success.
func (c *Core) dropContact(ctx context.Context, side Side, u *db.User, chat ChatSession) bool {
	if side == Fedi {
		if err := c.Fedi.Unfollow(ctx, u.AccID); err != nil {
			c.Log.Error("unfollow failed", "user", u.User, "error", err)
			return false
		}
		return true
	}

	err := c.withChat(ctx, chat, func(s ChatSession) error {
		if err := s.SendPresence(ctx, u.User, "unsubscribe"); err != nil {
			return err
		}
		if err := s.SendPresence(ctx, u.User, "unsubscribed"); err != nil {
			return err
		}
		return s.RemoveContact(ctx, u.User)
	})
	if err != nil {
		c.Log.Error("roster removal failed", "user", u.User, "error", err)
		return false
	}
	return true
}
