package bridge

import (
	"context"
	"time"
)

const (
	redListHeader = "# Bridge list of domains red listed for all users (Fediverse and XMPP)\n" +
		"# Red list always has higher priority on green list\n" +
		"# One domain per line (each subdomain requires a line), can comment with # after each line\n"
	greenListHeader = "# Bridge list of domains green listed for all users (Fediverse and XMPP)\n" +
		"# If in green list mode, only green listed domain accounts can register\n" +
		"# If not in green list mode, only acts for Fediverse users (no minimum activity required)\n" +
		"# One domain per line (each subdomain requires a line), can comment with # after each line\n"
)

// InitBridge prepares the shared state at listener startup: schema, retention
// sweeps, the operational state files, and the policy reconciliation that
// revokes users no longer admissible. chat is the listener's live session on
// the XMPP side, nil on the Fediverse side.
func (c *Core) InitBridge(ctx context.Context, side Side, chat ChatSession) error {
	if err := c.Store.Migrate(ctx); err != nil {
		return err
	}

	c.sweepRevoked(ctx, side)
	c.sweepComm(ctx, side)

	if err := EnsureToken(c.Cfg.StartFile, c.Cfg.CommandList[cmdStart]); err != nil {
		return err
	}
	if err := EnsureToken(c.Cfg.OpenFile, c.Cfg.CommandList[cmdOpen]); err != nil {
		return err
	}
	if err := EnsureFile(c.Cfg.RedFile, redListHeader); err != nil {
		return err
	}
	if err := EnsureFile(c.Cfg.GreenFile, greenListHeader); err != nil {
		return err
	}

	if side == Fedi {
		c.sweepDomainBlocks(ctx)
	}
	c.reconcile(ctx, side, chat)
	return nil
}

// sweepRevoked deletes this side's revoked users once the retention period
// has passed.
func (c *Core) sweepRevoked(ctx context.Context, side Side) {
	if c.Cfg.Retention <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -c.Cfg.Retention)
	users, err := c.Store.ListRevokedBefore(ctx, side.Int(), cutoff)
	if err != nil {
		c.Log.Error("retention sweep failed", "error", err)
		return
	}
	for _, u := range users {
		if err := c.Store.DeleteUser(ctx, side.Int(), u.User); err != nil {
			c.Log.Error("retention delete failed", "user", u.User, "error", err)
		}
	}
}

// sweepComm drops this side's correspondence rows past the configured limit.
func (c *Core) sweepComm(ctx context.Context, side Side) {
	if c.Cfg.CommLimit <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -c.Cfg.CommLimit)
	n, err := c.Store.PurgeCommOlderThan(ctx, side.Int(), cutoff)
	if err != nil {
		c.Log.Error("correspondence sweep failed", "error", err)
		return
	}
	if n > 0 {
		c.Log.Info("correspondence rows purged", "side", side.String(), "rows", n)
	}
}

// sweepDomainBlocks revokes Fediverse users whose domain the instance has
// since blocked. Best effort: an unreachable instance skips the sweep.
func (c *Core) sweepDomainBlocks(ctx context.Context) {
	blocks, err := c.Fedi.DomainBlocks(ctx)
	if err != nil {
		c.Log.Error("domain block fetch failed", "error", err)
		return
	}
	for _, d := range blocks {
		users, err := c.Store.ListActiveUsersOnDomain(ctx, Fedi.Int(), d)
		if err != nil {
			c.Log.Error("domain block sweep failed", "domain", d, "error", err)
			continue
		}
		for _, u := range users {
			c.Unregister(ctx, Fedi, u.User, false, c.Cfg.DefaultLang, nil)
		}
	}
}

// reconcile revokes active users who are no longer admissible under the
// current redlist, greenlist mode, or admin blocklist.
func (c *Core) reconcile(ctx context.Context, side Side, chat ChatSession) {
	users, err := c.Store.ListActiveUsers(ctx)
	if err != nil {
		c.Log.Error("reconcile list failed", "error", err)
		return
	}
	red, _ := ReadDomains(c.Cfg.RedFile)
	green, _ := ReadDomains(c.Cfg.GreenFile)

	for _, u := range users {
		session := ChatSession(nil)
		if Side(u.Side) == side {
			session = chat
		}
		d := addrDomain(u.User)
		local := c.Cfg.LocalDomain(d)
		switch {
		case !local && contains(red, d):
			c.Unregister(ctx, Side(u.Side), u.User, false, c.Cfg.DefaultLang, session)
		case c.Cfg.GreenMode && !local && !contains(green, d):
			c.Unregister(ctx, Side(u.Side), u.User, false, c.Cfg.DefaultLang, session)
		case Side(u.Side) == side:
			blocked, err := c.Store.HasInstBlock(ctx, side.Int(), u.User)
			if err != nil {
				c.Log.Error("reconcile block lookup failed", "user", u.User, "error", err)
				continue
			}
			if blocked {
				c.Unregister(ctx, side, u.User, false, c.Cfg.DefaultLang, chat)
			}
		}
	}
}
