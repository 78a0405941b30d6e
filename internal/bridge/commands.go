package bridge

import (
	"context"
	"strconv"
)

// Command slots in the configured vocabulary. The words themselves come from
// configuration; the positions are fixed.
const (
	cmdRegister   = 0
	cmdUnregister = 1
	cmdReport     = 2
	cmdHelp       = 3
	cmdBlock      = 4
	cmdUnblock    = 5
	cmdListBlocks = 6
	cmdStart      = 7
	cmdStop       = 8
	cmdUsers      = 9
	cmdABlocks    = 10
	cmdABlock     = 11
	cmdAUnblock   = 12
	cmdAHelp      = 13
	cmdRedAdd     = 14
	cmdGreenAdd   = 15
	cmdRedDel     = 16
	cmdGreenDel   = 17
	cmdRedList    = 18
	cmdGreenList  = 19
	cmdOpen       = 20
	cmdClose      = 21
	cmdStatus     = 22
)

// RunCommand interprets the commands found in a parsed message and returns
// the localized reply plus the language further processing should use (a
// register command may adopt a different one). Replies for the Fediverse
// side are truncated to the instance character limit.
func (c *Core) RunCommand(ctx context.Context, side Side, sender string, content *Content, lang string, chat ChatSession) (string, string) {
	var reply string
	pfix := c.Cfg.Prefixes
	recipients := content.Recipients(side)

	if len(content.Commands) > 1 {
		reply = c.Msg.Format(lang, "onecom", pfix[2])
	} else if len(content.Commands) == 1 {
		idx := c.commandIndex(content.Commands[0])
		switch {
		case idx == cmdRegister:
			res := c.Register(ctx, side, sender, false, lang, chat)
			reply, lang = res.Reply, res.Lang
		case idx == cmdUnregister:
			reply = c.Unregister(ctx, side, sender, false, lang, chat)
		case idx == cmdReport:
			reply = c.report(ctx, side, sender, content.Body, lang, chat)
		case idx == cmdHelp:
			reply = c.helpText(side, lang)
		case idx >= cmdBlock && idx <= cmdListBlocks:
			if !c.isRegistered(ctx, side, sender) {
				reply = c.Msg.Msg(lang, "needtoreg")
			} else {
				switch idx {
				case cmdBlock:
					reply = c.addBlocklist(ctx, side, sender, recipients, lang)
				case cmdUnblock:
					reply = c.delBlocklist(ctx, side, sender, recipients, lang)
				case cmdListBlocks:
					reply = c.listBlocklist(ctx, side, sender, lang)
				}
			}
		case idx > cmdListBlocks:
			if !c.Cfg.IsAdmin(side.Int(), sender) {
				reply = c.Msg.Msg(lang, "notadmin")
			} else {
				switch idx {
				case cmdStart, cmdStop:
					reply = c.setToken(c.Cfg.StartFile, content.Commands[0], lang)
				case cmdUsers:
					reply = c.listUsers(ctx, lang)
				case cmdABlocks:
					reply = c.listAdminBlocks(ctx, lang)
				case cmdABlock:
					reply = c.adminBlock(ctx, side, recipients, lang)
				case cmdAUnblock:
					reply = c.adminUnblock(ctx, side, recipients, lang)
				case cmdAHelp:
					reply = c.adminHelpText(lang)
				case cmdRedAdd, cmdGreenAdd:
					reply = c.addDomains(ctx, side, idx%2, content.Domains, lang, chat)
				case cmdRedDel, cmdGreenDel:
					reply = c.delDomains(ctx, side, idx%2, content.Domains, lang, chat)
				case cmdRedList, cmdGreenList:
					reply = c.listDomains(idx%2, lang)
				case cmdOpen, cmdClose:
					reply = c.setToken(c.Cfg.OpenFile, content.Commands[0], lang)
				case cmdStatus:
					reply = c.statusText(ctx, lang)
				}
			}
		default:
			reply = c.Msg.Format(lang, "notacom", pfix[2])
		}

		// Commands and message delivery do not mix, except for the commands
		// whose arguments are themselves addresses.
		switch idx {
		case cmdReport, cmdBlock, cmdUnblock, cmdABlock, cmdAUnblock:
		default:
			if len(recipients) > 0 {
				reply += c.Msg.Format(lang, "nomsg", pfix[2])
			}
		}
	}

	if side == Fedi {
		reply = c.truncate(reply, lang)
	}
	return reply, lang
}

// commandIndex returns the slot of the command word, or -1.
func (c *Core) commandIndex(word string) int {
	for i, w := range c.Cfg.CommandList {
		if w == word {
			return i
		}
	}
	return -1
}

// truncate caps a Fediverse reply at the instance character limit, replacing
// the tail with the truncation notice.
func (c *Core) truncate(reply, lang string) string {
	r := []rune(reply)
	if len(r) < c.Cfg.CharLimit {
		return reply
	}
	notice := c.Msg.Msg(lang, "truncated")
	cut := c.Cfg.CharLimit - (len([]rune(notice)) + 1)
	if cut < 0 {
		cut = 0
	}
	return string(r[:cut]) + "\n" + notice
}

func (c *Core) isRegistered(ctx context.Context, side Side, user string) bool {
	u, err := c.Store.GetUser(ctx, side.Int(), user)
	if err != nil {
		c.Log.Error("registration check failed", "user", user, "error", err)
		return false
	}
	return u.Active()
}

// setToken writes the command word into a state file and answers with the
// message keyed by that word.
func (c *Core) setToken(path, word, lang string) string {
	if err := WriteToken(path, word); err != nil {
		c.Log.Error("state write failed", "file", path, "error", err)
	}
	return c.Msg.Msg(lang, word)
}

func (c *Core) statusText(ctx context.Context, lang string) string {
	response := c.Msg.Msg(lang, "status")
	if start, err := ReadToken(c.Cfg.StartFile); err == nil {
		response += "- " + c.Msg.Msg(lang, start)
	}
	opened, err := ReadToken(c.Cfg.OpenFile)
	if err == nil {
		response += "- " + c.Msg.Msg(lang, opened)
	}
	if opened == c.Cfg.CommandList[cmdOpen] && c.Cfg.MaxRegUsers > 0 {
		response += "- " + c.Msg.Format(lang, "nbregusers", c.Cfg.MaxRegUsers)
	}
	if c.Cfg.GreenMode {
		response += "- " + c.Msg.Msg(lang, "greenlist")
	} else {
		response += "- " + c.Msg.Msg(lang, "notgreenlist")
	}
	return response
}

func (c *Core) helpText(side Side, lang string) string {
	cfg := c.Cfg
	bridgeAddr := cfg.BridgeAcct
	otherSide := "XMPP"
	if side == XMPP {
		bridgeAddr = cfg.BridgeJID
		otherSide = "Fediverse"
	}
	return c.Msg.Format(lang, "help",
		cfg.Prefixes[side.Int()], bridgeAddr, otherSide,
		cfg.Prefixes[1-side.Int()], cfg.Prefixes[2],
		cfg.CommandList[cmdBlock], cfg.CommandList[cmdUnblock], cfg.CommandList[cmdListBlocks],
		cfg.CommandList[cmdRegister], cfg.CommandList[cmdUnregister],
		cfg.CommandList[cmdReport], cfg.CommandList[cmdHelp],
		cfg.Prefixes[3], cfg.HelpURL[lang])
}

func (c *Core) adminHelpText(lang string) string {
	cfg := c.Cfg
	return c.Msg.Format(lang, "ahelp", cfg.Prefixes[2],
		cfg.CommandList[cmdStart], cfg.CommandList[cmdStop], cfg.CommandList[cmdUsers],
		cfg.CommandList[cmdABlock], cfg.CommandList[cmdAUnblock], cfg.CommandList[cmdABlocks],
		cfg.CommandList[cmdGreenAdd], cfg.CommandList[cmdGreenDel], cfg.CommandList[cmdGreenList],
		cfg.CommandList[cmdRedAdd], cfg.CommandList[cmdRedDel], cfg.CommandList[cmdRedList],
		cfg.CommandList[cmdAHelp], cfg.AdminHelpURL[lang],
		cfg.CommandList[cmdOpen], cfg.CommandList[cmdClose], cfg.CommandList[cmdStatus])
}

// report forwards the message body to the first XMPP administrator.
func (c *Core) report(ctx context.Context, side Side, sender, body, lang string, chat ChatSession) string {
	if len(c.Cfg.XMPPAdmins) == 0 {
		return c.Msg.Msg(lang, "xmppadminempty")
	}
	admin := c.Cfg.XMPPAdmins[0]
	msg := "> " + c.Msg.Format(lang, "report", c.Cfg.Prefixes[side.Int()], sender) + body
	err := c.withChat(ctx, chat, func(s ChatSession) error {
		_, err := s.SendChat(ctx, admin, msg, lang)
		return err
	})
	if err != nil {
		c.Log.Error("report delivery failed", "admin", admin, "error", err)
		return c.Msg.Format(lang, "errsend", c.Cfg.Prefixes[1], admin)
	}
	return c.Msg.Msg(lang, "reportok")
}

// ─── personal blocklist ──────────────────────────────────────────────────────

func (c *Core) addBlocklist(ctx context.Context, side Side, sender string, targets []string, lang string) string {
	opp := c.Cfg.Prefixes[1-side.Int()]
	if len(targets) == 0 {
		return c.Msg.Format(lang, "noblocks", opp)
	}
	var response string
	for _, b := range targets {
		exists, err := c.Store.HasBlock(ctx, side.Int(), sender, b)
		if err != nil {
			c.Log.Error("block lookup failed", "user", sender, "error", err)
			continue
		}
		if exists {
			response += c.Msg.Format(lang, "blockexists", opp, b)
			continue
		}
		if err := c.Store.AddBlock(ctx, side.Int(), sender, b); err != nil {
			c.Log.Error("block insert failed", "user", sender, "error", err)
			continue
		}
		response += c.Msg.Format(lang, "addblocks", opp, b)
	}
	return response
}

func (c *Core) delBlocklist(ctx context.Context, side Side, sender string, targets []string, lang string) string {
	opp := c.Cfg.Prefixes[1-side.Int()]
	if len(targets) == 0 {
		return c.Msg.Format(lang, "nounblocks", opp)
	}
	var response string
	for _, b := range targets {
		removed, err := c.Store.RemoveBlock(ctx, side.Int(), sender, b)
		if err != nil {
			c.Log.Error("block delete failed", "user", sender, "error", err)
			continue
		}
		if removed {
			response += c.Msg.Format(lang, "delblocks", opp, b)
		} else {
			response += c.Msg.Format(lang, "blocknotexists", opp, b)
		}
	}
	return response
}

func (c *Core) listBlocklist(ctx context.Context, side Side, sender, lang string) string {
	blocks, err := c.Store.ListBlocks(ctx, side.Int(), sender)
	if err != nil {
		c.Log.Error("block list failed", "user", sender, "error", err)
		return ""
	}
	if len(blocks) == 0 {
		return c.Msg.Msg(lang, "emptyblocks")
	}
	response := c.Msg.Format(lang, "listblocks", len(blocks))
	for _, b := range blocks {
		response += "- " + c.Cfg.Prefixes[1-side.Int()] + b + "\n"
	}
	return response + "\n"
}

// ─── admin commands ──────────────────────────────────────────────────────────

func (c *Core) listUsers(ctx context.Context, lang string) string {
	users, err := c.Store.ListActiveUsers(ctx)
	if err != nil {
		c.Log.Error("user list failed", "error", err)
		return ""
	}
	if len(users) == 0 {
		return c.Msg.Msg(lang, "emptyusers")
	}
	response := c.Msg.Format(lang, "listusers", len(users))
	for _, u := range users {
		response += "- " + u.User + " (" + u.App + ")\n"
	}
	return response + "\n"
}

func (c *Core) listAdminBlocks(ctx context.Context, lang string) string {
	blocks, err := c.Store.ListInstBlocks(ctx)
	if err != nil {
		c.Log.Error("admin-block list failed", "error", err)
		return ""
	}
	if len(blocks) == 0 {
		return c.Msg.Msg(lang, "emptyinstblocks")
	}
	response := c.Msg.Format(lang, "listinstblocks", len(blocks))
	for _, b := range blocks {
		response += "- " + c.Cfg.Prefixes[b.Side] + b.Account + "\n"
	}
	return response + "\n"
}

// adminBlock bans opposite-side users from the bridge and revokes any active
// registration they hold. Administrators and the bridge accounts cannot be
// banned.
func (c *Core) adminBlock(ctx context.Context, side Side, targets []string, lang string) string {
	opp := c.Cfg.Prefixes[1-side.Int()]
	if len(targets) == 0 {
		return c.Msg.Format(lang, "noablocks", opp)
	}
	for _, b := range targets {
		if contains(c.Cfg.APAdmins, b) || contains(c.Cfg.XMPPAdmins, b) ||
			b == c.Cfg.BridgeJID || b == c.Cfg.BridgeAcct {
			return c.Msg.Msg(lang, "adminnoblk")
		}
	}
	other := side.Opposite()
	var response string
	for _, b := range targets {
		exists, err := c.Store.HasInstBlock(ctx, other.Int(), b)
		if err != nil {
			c.Log.Error("admin-block lookup failed", "target", b, "error", err)
			continue
		}
		if exists {
			response += c.Msg.Format(lang, "ablockexists", opp, b)
			continue
		}
		if err := c.Store.AddInstBlock(ctx, other.Int(), b); err != nil {
			c.Log.Error("admin-block insert failed", "target", b, "error", err)
			continue
		}
		response += c.Msg.Format(lang, "addablocks", opp, b)
		c.Unregister(ctx, other, b, false, lang, nil)
	}
	return response
}

func (c *Core) adminUnblock(ctx context.Context, side Side, targets []string, lang string) string {
	opp := c.Cfg.Prefixes[1-side.Int()]
	if len(targets) == 0 {
		return c.Msg.Format(lang, "noaunblocks", opp)
	}
	other := side.Opposite()
	var response string
	for _, b := range targets {
		removed, err := c.Store.RemoveInstBlock(ctx, other.Int(), b)
		if err != nil {
			c.Log.Error("admin-block delete failed", "target", b, "error", err)
			continue
		}
		if removed {
			response += c.Msg.Format(lang, "delablocks", opp, b)
		} else {
			response += c.Msg.Format(lang, "ablocknotexists", opp, b)
		}
	}
	return response
}

// ─── domain lists ────────────────────────────────────────────────────────────

// listFile returns the redlist (rg 0) or greenlist (rg 1) path.
func (c *Core) listFile(rg int) string {
	if rg == 0 {
		return c.Cfg.RedFile
	}
	return c.Cfg.GreenFile
}

// addDomains adds domains to the redlist or greenlist. A new redlist entry
// revokes the registrations of affected users.
func (c *Core) addDomains(ctx context.Context, side Side, rg int, domains []string, lang string, chat ChatSession) string {
	suffix := strconv.Itoa(rg)
	if len(domains) == 0 {
		return c.Msg.Msg(lang, "nodomblocks"+suffix)
	}
	if rg == 0 && (contains(domains, c.Cfg.APInstance) || contains(domains, c.Cfg.XMPPInstance)) {
		return c.Msg.Msg(lang, "selfdomnoblk")
	}
	var response string
	for _, d := range domains {
		existed, err := AddDomain(c.listFile(rg), d)
		if err != nil {
			c.Log.Error("domain list write failed", "domain", d, "error", err)
			continue
		}
		if existed {
			response += c.Msg.Format(lang, "adddomexists"+suffix, d)
			continue
		}
		response += c.Msg.Format(lang, "adddom"+suffix, d)
		if rg == 0 {
			c.unregisterDomain(ctx, side, d, lang, chat)
		}
	}
	return response
}

// delDomains removes domains from the redlist or greenlist. In greenlist mode
// removing a greenlist entry revokes the affected users, since their domain
// loses its admission.
func (c *Core) delDomains(ctx context.Context, side Side, rg int, domains []string, lang string, chat ChatSession) string {
	suffix := strconv.Itoa(rg)
	if len(domains) == 0 {
		return c.Msg.Msg(lang, "nodomunblocks"+suffix)
	}
	var response string
	for _, d := range domains {
		removed, err := RemoveDomain(c.listFile(rg), d)
		if err != nil {
			c.Log.Error("domain list write failed", "domain", d, "error", err)
			continue
		}
		if !removed {
			response += c.Msg.Format(lang, "domblocknotexists"+suffix, d)
			continue
		}
		if rg == 1 && c.Cfg.GreenMode && !c.Cfg.LocalDomain(d) {
			response += c.Msg.Format(lang, "del2domblocks", d)
			c.unregisterDomain(ctx, side, d, lang, chat)
		} else {
			response += c.Msg.Format(lang, "deldomblocks"+suffix, d)
		}
	}
	return response
}

func (c *Core) listDomains(rg int, lang string) string {
	suffix := strconv.Itoa(rg)
	domains, err := ReadDomains(c.listFile(rg))
	if err != nil {
		c.Log.Error("domain list read failed", "error", err)
		return ""
	}
	var unique []string
	for _, d := range domains {
		unique = appendUnique(unique, d)
	}
	if len(unique) == 0 {
		return c.Msg.Msg(lang, "emptydomblocks"+suffix)
	}
	response := c.Msg.Format(lang, "listdomblocks"+suffix, len(unique))
	for _, d := range unique {
		response += "- " + d + "\n"
	}
	return response + "\n"
}

// unregisterDomain revokes every active user whose address is on the domain.
// The live chat session is only usable for users on the caller's own side;
// others get a transient session.
func (c *Core) unregisterDomain(ctx context.Context, side Side, domain, lang string, chat ChatSession) {
	users, err := c.Store.ListActiveUsers(ctx)
	if err != nil {
		c.Log.Error("domain revocation list failed", "domain", domain, "error", err)
		return
	}
	for _, u := range users {
		if addrDomain(u.User) != domain {
			continue
		}
		session := ChatSession(nil)
		if Side(u.Side) == side {
			session = chat
		}
		c.Unregister(ctx, Side(u.Side), u.User, false, lang, session)
	}
}
