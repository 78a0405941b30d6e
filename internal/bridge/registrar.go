package bridge

import (
	"context"
	"strings"
	"time"
)

// RegisterResult reports the outcome of a registration attempt.
type RegisterResult struct {
	// Reply is the localized response for the requesting user.
	Reply string
	// Lang may differ from the requested language when the admission check
	// adopted the language of the user's recent posts.
	Lang string
	// Success is set when the user ends up with an active registration,
	// whether newly activated or already present.
	Success bool
	// AccID is the Fediverse account id resolved during admission, empty on
	// the XMPP side or when the lookup never ran.
	AccID string
}

// Register admits a user to the bridge: policy checks, the registration row,
// and the follow/roster handshake. Transport failures never abort the
// registration; they degrade to the contact-error reply fragment.
// fromFollow marks event-triggered registrations (a follow or a presence
// subscribe), which suppress the already-registered reply. chat may be nil;
// a transient session is dialed when roster work is needed.
func (c *Core) Register(ctx context.Context, side Side, user string, fromFollow bool, lang string, chat ChatSession) RegisterResult {
	res := RegisterResult{Lang: lang}

	if reply := c.regClosed(lang); reply != "" {
		res.Reply = reply
		return res
	}
	if reply := c.regFull(ctx, lang); reply != "" {
		res.Reply = reply
		return res
	}

	reply, lang, accID := c.admit(ctx, side, user, lang)
	res.Lang = lang
	res.AccID = accID
	if reply != "" {
		res.Reply = reply
		return res
	}

	u, err := c.Store.GetUser(ctx, side.Int(), user)
	if err != nil {
		c.Log.Error("registration lookup failed", "side", side.String(), "user", user, "error", err)
		res.Reply = c.Msg.Msg(lang, "errcontact")
		return res
	}
	if u == nil {
		app := c.userApp(ctx, side, user)
		if err := c.Store.InsertUser(ctx, side.Int(), user, lang, app, accID); err != nil {
			c.Log.Error("registration insert failed", "side", side.String(), "user", user, "error", err)
			res.Reply = c.Msg.Msg(lang, "errcontact")
			return res
		}
		u, err = c.Store.GetUser(ctx, side.Int(), user)
		if err != nil || u == nil {
			c.Log.Error("registration reread failed", "side", side.String(), "user", user, "error", err)
			res.Reply = c.Msg.Msg(lang, "errcontact")
			return res
		}
	}

	switch {
	case u.RevokeDate == nil && u.NbReg > 0:
		if !fromFollow && u.ReqDate != nil {
			res.Reply = c.Msg.Format(lang, "dbexists", u.ReqDate.Format("2006-01-02"))
		}
		res.Success = true
	case c.Cfg.MaxReg > 0 && u.NbReg >= c.Cfg.MaxReg:
		res.Reply = c.Msg.Format(lang, "regmax", c.Cfg.MaxReg)
	default:
		if err := c.Store.ActivateUser(ctx, side.Int(), user, lang); err != nil {
			c.Log.Error("registration activate failed", "side", side.String(), "user", user, "error", err)
			res.Reply = c.Msg.Msg(lang, "errcontact")
			return res
		}
		res.Reply = c.Msg.Msg(lang, "regok")
		res.Success = true
	}

	if res.Success {
		if accID == "" {
			accID = u.AccID
			res.AccID = accID
		}
		contact := c.addContact(ctx, side, user, accID, fromFollow, lang, chat)
		if contact == "" {
			contact = c.Msg.Msg(lang, "errcontact")
		}
		res.Reply += contact
	}
	return res
}

// regClosed returns the rejection reply when registrations are closed.
func (c *Core) regClosed(lang string) string {
	state, err := ReadToken(c.Cfg.OpenFile)
	if err != nil {
		c.Log.Error("open-state read failed", "error", err)
		return ""
	}
	if state == c.Cfg.CommandList[21] {
		return c.Msg.Msg(lang, "closedreg")
	}
	return ""
}

// regFull returns the rejection reply when the active-user cap is reached.
func (c *Core) regFull(ctx context.Context, lang string) string {
	if c.Cfg.MaxRegUsers <= 0 {
		return ""
	}
	n, err := c.Store.CountActiveUsers(ctx)
	if err != nil {
		c.Log.Error("active-user count failed", "error", err)
		return ""
	}
	if n >= c.Cfg.MaxRegUsers {
		return c.Msg.Msg(lang, "maxusers")
	}
	return ""
}

// admit runs the policy gate: admin block, domain redlist/greenlist, and for
// Fediverse users the account and activity heuristics. An empty reply means
// admitted; accID carries the Fediverse account id when one was resolved.
func (c *Core) admit(ctx context.Context, side Side, user, lang string) (reply, outLang, accID string) {
	outLang = lang

	blocked, err := c.Store.HasInstBlock(ctx, side.Int(), user)
	if err != nil {
		c.Log.Error("admin-block lookup failed", "user", user, "error", err)
	}
	if blocked {
		return c.Msg.Msg(lang, "ublock"), outLang, ""
	}

	domain := addrDomain(user)
	red, _ := ReadDomains(c.Cfg.RedFile)
	green, _ := ReadDomains(c.Cfg.GreenFile)
	if !c.Cfg.LocalDomain(domain) && contains(red, domain) {
		return c.Msg.Msg(lang, "dred"), outLang, ""
	}
	if c.Cfg.GreenMode && !c.Cfg.LocalDomain(domain) && !contains(green, domain) {
		return c.Msg.Msg(lang, "dgreen"), outLang, ""
	}

	if side == XMPP {
		return "", outLang, ""
	}

	account, err := c.Fedi.LookupAccount(ctx, user)
	if err != nil {
		c.Log.Error("account lookup failed", "user", user, "error", err)
		return c.Msg.Format(lang, "lookuperror", c.Cfg.APInstance), outLang, ""
	}
	accID = account.ID

	bio := strings.ToLower(account.Note)
	if strings.Contains(bio, "#<span>nobot</span>") || strings.Contains(bio, "#<span>nobridge</span>") {
		return c.Msg.Msg(lang, "hashnobot"), outLang, accID
	}
	if account.Bot {
		return c.Msg.Msg(lang, "nobot"), outLang, accID
	}
	if account.Group {
		return c.Msg.Msg(lang, "nogroup"), outLang, accID
	}

	var statuses []StatusInfo
	if c.Cfg.MinActive > 0 {
		statuses, err = c.Fedi.RecentStatuses(ctx, accID, c.Cfg.MinActive)
		if err != nil {
			c.Log.Error("status fetch failed", "user", user, "error", err)
			if domain != c.Cfg.APInstance && !contains(green, domain) {
				return c.Msg.Msg(lang, "lustaterr"), outLang, accID
			}
			return "", outLang, accID
		}
	}

	active := 0
	stLang := ""
	for _, st := range statuses {
		if time.Since(st.CreatedAt) < 30*24*time.Hour {
			active++
			if stLang == "" {
				stLang = st.Language
			}
		}
	}
	if active >= c.Cfg.MinActive || domain == c.Cfg.APInstance || contains(green, domain) {
		if c.Cfg.Supported(stLang) {
			outLang = stLang
		}
		return "", outLang, accID
	}
	return c.Msg.Msg(lang, "inactive"), outLang, accID
}

// userApp identifies the user's software for the registration row: a fixed
// label on the XMPP side, the nodeinfo software name on the Fediverse side.
func (c *Core) userApp(ctx context.Context, side Side, user string) string {
	if side == XMPP {
		return "XMPP"
	}
	return c.Fedi.NodeInfoApp(ctx, addrDomain(user))
}

// addContact performs the follow or roster handshake after a successful
// registration and returns the localized reply fragment describing the
// resulting mutual state. An empty return means the handshake failed.
func (c *Core) addContact(ctx context.Context, side Side, user, accID string, fromFollow bool, lang string, chat ChatSession) string {
	if side == Fedi {
		if err := c.Fedi.Follow(ctx, accID); err != nil {
			c.Log.Error("follow failed", "user", user, "error", err)
			return ""
		}
		rel, err := c.Fedi.Relationship(ctx, accID)
		if err != nil {
			c.Log.Error("relationship fetch failed", "user", user, "error", err)
			return ""
		}
		var response string
		if rel.Requested {
			response = c.Msg.Msg(lang, "requested")
		} else if rel.Following {
			response = c.Msg.Msg(lang, "addcontact")
		}
		if !(rel.FollowedBy || rel.RequestedBy) {
			response += c.Msg.Msg(lang, "followme")
		}
		return response
	}

	var response string
	err := c.withChat(ctx, chat, func(s ChatSession) error {
		sub, err := s.Subscription(ctx, user)
		if err != nil {
			return err
		}
		if sub == "" {
			sub = "none"
		}
		if sub == "none" || sub == "to" {
			if err := s.SendPresence(ctx, user, "subscribe"); err != nil {
				return err
			}
		}
		if sub == "both" || (sub == "from" && fromFollow) {
			response = c.Msg.Msg(lang, "addcontact")
		}
		if (sub == "none" || sub == "from") && !fromFollow {
			response += c.Msg.Msg(lang, "followme")
		}
		if sub != "both" {
			response += c.Msg.Msg(lang, "requested")
		}
		return nil
	})
	if err != nil {
		c.Log.Error("roster handshake failed", "user", user, "error", err)
		return ""
	}
	return response
}

func addrDomain(addr string) string {
	if _, d, ok := strings.Cut(addr, "@"); ok {
		return d
	}
	return addr
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
