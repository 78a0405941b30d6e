package bridge

import (
	"context"
	"regexp"
	"slices"
	"time"

	"github.com/klppl/xbridge/internal/db"
)

// rateWindow is the sliding window for the per-user send rate limit.
const rateWindow = 5 * time.Minute

// Send routes one message to the opposite universe: resolves recipients
// (explicit mentions, reply, or resend), enforces the operational gates,
// auto-registers a first-time sender, fans out the delivery, and records the
// correspondence rows. It returns the localized reply for the sender.
func (c *Core) Send(ctx context.Context, side Side, sender string, content *Content, fromID, replyID, lang string, chat ChatSession) string {
	if reply := c.sendStopped(lang); reply != "" {
		return reply
	}
	if reply := c.sendRated(ctx, side, sender, lang); reply != "" {
		return reply
	}
	if content.ShortAP {
		return c.Msg.Format(lang, "apshort", c.Cfg.Prefixes[1-side.Int()])
	}

	body := content.Body
	recipients := slices.Clone(content.Recipients(side))
	isReply := replyID != ""

	if len(recipients) == 0 {
		var reply string
		recipients, replyID, isReply, reply, body = c.resolveRecipients(ctx, side, sender, replyID, isReply, lang, body)
		if reply != "" {
			return reply
		}
	}

	if len(recipients) > c.Cfg.MaxDest {
		return c.Msg.Format(lang, "toomany", c.Cfg.MaxDest)
	}

	var reply string
	if !c.isRegistered(ctx, side, sender) {
		res := c.Register(ctx, side, sender, false, lang, chat)
		reply, lang = res.Reply, res.Lang
		if !res.Success {
			return reply
		}
	}

	app := c.senderApp(ctx, side, sender)
	if side == XMPP {
		reply += c.sendToFedi(ctx, sender, recipients, body, app, fromID, replyID, isReply, lang)
	} else {
		reply += c.sendToXMPP(ctx, sender, recipients, body, app, fromID, isReply, lang, chat)
	}
	return reply
}

// sendStopped returns the rejection reply while the relay is stopped.
func (c *Core) sendStopped(lang string) string {
	state, err := ReadToken(c.Cfg.StartFile)
	if err != nil {
		c.Log.Error("start-state read failed", "error", err)
		return ""
	}
	if state == c.Cfg.CommandList[cmdStop] {
		return c.Msg.Msg(lang, "stopped")
	}
	return ""
}

// sendRated returns the rejection reply when the sender exceeded the rate
// limit. A limit of zero disables the check.
func (c *Core) sendRated(ctx context.Context, side Side, sender, lang string) string {
	if c.Cfg.MaxRate <= 0 {
		return ""
	}
	n, err := c.Store.CountCommFromSince(ctx, side.Opposite().Int(), sender, time.Now().Add(-rateWindow))
	if err != nil {
		c.Log.Error("rate check failed", "user", sender, "error", err)
		return ""
	}
	if n >= c.Cfg.MaxRate {
		return c.Msg.Msg(lang, "maxrate")
	}
	return ""
}

// resolveRecipients reconstructs the recipient list for a message that names
// none, from the correspondence log. On the Fediverse side the reply id
// drives the lookup; on the XMPP side the most recent correspondence decides
// between a reply and a resend. XMPP-side resolutions append the resolved
// Fediverse mentions to the body so the recipients see who was addressed.
func (c *Core) resolveRecipients(ctx context.Context, side Side, sender, replyID string, isReply bool, lang, body string) ([]string, string, bool, string, string) {
	pfix := c.Cfg.Prefixes
	var recipients []string

	if side == Fedi {
		if isReply {
			entry, err := c.Store.FindCommByIDTo(ctx, Fedi.Int(), replyID)
			if err != nil {
				c.Log.Error("reply lookup failed", "user", sender, "error", err)
			}
			if entry != nil {
				recipients = []string{entry.FromU}
			} else {
				rows, err := c.Store.FindCommByIDFrom(ctx, XMPP.Int(), replyID)
				if err != nil {
					c.Log.Error("resend lookup failed", "user", sender, "error", err)
				}
				for _, r := range rows {
					recipients = append(recipients, r.User)
				}
			}
		} else {
			return nil, replyID, isReply,
				c.Msg.Format(lang, "noaddr0", pfix[1], pfix[2], c.Cfg.CommandList[cmdHelp]), body
		}
		if len(recipients) == 0 {
			key := "noresend"
			if isReply {
				key = "noreply"
			}
			return nil, replyID, isReply, c.Msg.Format(lang, key, pfix[1]), body
		}
		return recipients, replyID, isReply, "", body
	}

	last, err := c.Store.LastCommToUser(ctx, XMPP.Int(), sender)
	if err != nil {
		c.Log.Error("reply lookup failed", "user", sender, "error", err)
	}
	sent, err := c.Store.RecentCommFrom(ctx, Fedi.Int(), sender, c.Cfg.MaxDest)
	if err != nil {
		c.Log.Error("resend lookup failed", "user", sender, "error", err)
	}

	now := time.Now()
	within := func(t time.Time) bool {
		return c.Cfg.MaxReply <= 0 || now.Sub(t) < time.Duration(c.Cfg.MaxReply)*time.Minute
	}
	switch {
	case last != nil && (len(sent) == 0 || last.FromDate.After(sent[0].FromDate)) && within(last.FromDate):
		recipients = []string{last.FromU}
		replyID = last.IDFrom
		isReply = true
	case len(sent) > 0 && within(sent[0].FromDate):
		ident := sent[0].IDFrom
		for _, r := range sent {
			if r.IDFrom == ident {
				recipients = append(recipients, r.User)
			}
		}
	default:
		return nil, replyID, isReply,
			c.Msg.Format(lang, "noaddr1", pfix[0], c.Cfg.MaxReply, pfix[2], c.Cfg.CommandList[cmdHelp]), body
	}
	for _, x := range recipients {
		body += "\n" + pfix[0] + x
	}
	return recipients, replyID, isReply, "", body
}

// senderApp returns the sender's recorded application for the delivery
// banner.
func (c *Core) senderApp(ctx context.Context, side Side, sender string) string {
	u, err := c.Store.GetUser(ctx, side.Int(), sender)
	if err != nil || u == nil {
		return "Unknown"
	}
	return u.App
}

// blockState checks the block relation in both directions and returns the
// warning fragment for the sender.
func (c *Core) blockState(ctx context.Context, side Side, sender, userTo, lang string) (string, bool) {
	var response string
	blocked := false
	if has, err := c.Store.HasBlock(ctx, side.Int(), sender, userTo); err == nil && has {
		response = c.Msg.Format(lang, "blocking", c.Cfg.Prefixes[1-side.Int()], userTo)
		blocked = true
	}
	if has, err := c.Store.HasBlock(ctx, side.Opposite().Int(), userTo, sender); err == nil && has {
		if !c.Cfg.SilentBlock {
			response += c.Msg.Format(lang, "blocked", c.Cfg.Prefixes[1-side.Int()], userTo)
		}
		blocked = true
	}
	return response, blocked
}

// stripMention demotes a prefixed mention in the body to the bare address.
func stripMention(body, prefix, user string) string {
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(prefix+user))
	if err != nil {
		return body
	}
	return re.ReplaceAllString(body, user)
}

// sendToFedi delivers an XMPP-origin message as a single direct status
// mentioning every deliverable recipient.
func (c *Core) sendToFedi(ctx context.Context, sender string, recipients []string, body, app, fromID, replyID string, isReply bool, lang string) string {
	pfix := c.Cfg.Prefixes[0]
	var reply string

	for _, userTo := range recipients {
		if !c.isRegistered(ctx, Fedi, userTo) {
			reply += c.Msg.Format(lang, "isnotreg", pfix, userTo)
			body = stripMention(body, pfix, userTo)
			continue
		}
		if warn, blocked := c.blockState(ctx, XMPP, sender, userTo, lang); blocked {
			reply += warn
			body = stripMention(body, pfix, userTo)
		}
	}

	if len([]rune(body)) > c.Cfg.CharLimit {
		return c.Msg.Format(lang, "toolong", c.Cfg.CharLimit)
	}

	banner := "newmsg"
	if isReply {
		banner = "answer"
	}
	body = "*** " + c.Msg.Format(lang, banner, app, sender) + body

	id, err := c.Fedi.PostStatus(ctx, StatusPost{Body: body, InReplyTo: replyID, Language: lang})
	if err != nil {
		c.Log.Error("status post failed", "user", sender, "error", err)
		return reply + c.Msg.Msg(lang, "errsendfedi")
	}
	if !c.Cfg.SilentSend {
		reply += c.Msg.Msg(lang, "oksendfedi")
	}
	for _, userTo := range recipients {
		_, blocked := c.blockState(ctx, XMPP, sender, userTo, lang)
		if !c.isRegistered(ctx, Fedi, userTo) || blocked {
			continue
		}
		err := c.Store.AddComm(ctx, db.Comm{
			Side: Fedi.Int(), User: userTo, FromU: sender,
			FromDate: time.Now().UTC(), IDFrom: fromID, IDTo: id,
		})
		if err != nil {
			c.Log.Error("comm insert failed", "user", userTo, "error", err)
		}
	}
	return reply
}

// sendToXMPP delivers a Fediverse-origin message to each XMPP recipient as a
// separate chat message.
func (c *Core) sendToXMPP(ctx context.Context, sender string, recipients []string, body, app, fromID string, isReply bool, lang string, chat ChatSession) string {
	pfix := c.Cfg.Prefixes[1]
	var reply string
	first := true

	for _, userTo := range recipients {
		warn, blocked := c.blockState(ctx, Fedi, sender, userTo, lang)
		if blocked {
			reply += warn
			continue
		}
		if first {
			banner := "newmsg"
			if isReply {
				banner = "answer"
			}
			body = "> " + c.Msg.Format(lang, banner, app, sender) + body
			first = false
		}
		var id string
		err := c.withChat(ctx, chat, func(s ChatSession) error {
			var err error
			id, err = s.SendChat(ctx, userTo, body, lang)
			return err
		})
		if err != nil {
			c.Log.Error("chat send failed", "user", userTo, "error", err)
			reply += c.Msg.Format(lang, "errsend", pfix, userTo)
			continue
		}
		if !c.Cfg.SilentSend {
			reply += c.Msg.Format(lang, "oksend", pfix, userTo)
		}
		err = c.Store.AddComm(ctx, db.Comm{
			Side: XMPP.Int(), User: userTo, FromU: sender,
			FromDate: time.Now().UTC(), IDFrom: fromID, IDTo: id,
		})
		if err != nil {
			c.Log.Error("comm insert failed", "user", userTo, "error", err)
		}
	}
	return reply
}
