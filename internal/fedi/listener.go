package fedi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klppl/xbridge/internal/bridge"
)

// reconnectDelay is the pause between stream reconnect attempts.
const reconnectDelay = 10 * time.Second

// Listener consumes the user notification stream and feeds mentions and
// follows into the bridge core.
type Listener struct {
	Core   *bridge.Core
	Client *Client
	Log    *slog.Logger
}

// Run streams notifications until the context is canceled, reconnecting
// after transient failures.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.Client.StreamNotifications(ctx, func(n Notification) {
			l.handle(ctx, n)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.Log.Error("notification stream ended, reconnecting", "error", err, "delay", reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) handle(ctx context.Context, n Notification) {
	switch n.Type {
	case "mention", "follow", "follow_request":
	default:
		return
	}
	// A locked bridge account sees both follow_request and, after approval,
	// follow; only the request is acted on.
	if l.Core.Cfg.AccountLocked && n.Type == "follow" {
		return
	}

	sender := strings.ToLower(n.Account.Acct)
	if !strings.Contains(sender, "@") {
		sender += "@" + l.Core.Cfg.APInstance
	}
	lang := l.Core.UserLang(ctx, bridge.Fedi, sender)

	if n.Type == "follow" || n.Type == "follow_request" {
		l.handleFollow(ctx, n, sender, lang)
		return
	}
	if n.Status == nil {
		return
	}

	body := n.Status.Content
	if n.Status.Sensitive {
		body = "<p>" + strings.TrimSpace(l.Core.Msg.Msg(lang, "cw")) + "</p><br /><p>" +
			n.Status.SpoilerText + "</p><br /><br />" + body
	}
	if len(n.Status.MediaAttachments) > 0 {
		body += "<br /><br /><p>" + strings.TrimSpace(l.Core.Msg.Msg(lang, "media")) + "</p><br />"
		for _, m := range n.Status.MediaAttachments {
			body += "<p>" + m.URL + "</p><br />"
		}
	}
	if n.Status.Poll != nil {
		body += "<br /><br /><p>" + strings.TrimSpace(l.Core.Msg.Msg(lang, "poll")) + "</p><br /><p>" +
			n.Status.URL + "</p>"
	}

	response := l.Core.Process(ctx, bridge.Dispatch{
		Side:    bridge.Fedi,
		Sender:  sender,
		Body:    body,
		FromID:  n.Status.ID,
		ReplyID: n.Status.InReplyToID,
		Lang:    lang,
	})
	if response == "" {
		return
	}
	_, err := l.Client.PostStatus(ctx, bridge.StatusPost{
		Body:      fmt.Sprintf("@%s \n%s", sender, response),
		InReplyTo: n.Status.ID,
	})
	if err != nil {
		l.Log.Error("reply post failed", "user", sender, "error", err)
	}
}

// handleFollow registers the follower and, for a locked account, answers the
// pending follow request according to the outcome.
func (l *Listener) handleFollow(ctx context.Context, n Notification, sender, lang string) {
	res := l.Core.Register(ctx, bridge.Fedi, sender, true, lang, nil)

	if n.Type == "follow_request" {
		accID := res.AccID
		if accID == "" {
			accID = n.Account.ID
		}
		var err error
		if res.Success {
			err = l.Client.AuthorizeFollow(ctx, accID)
		} else {
			err = l.Client.RejectFollow(ctx, accID)
		}
		if err != nil {
			l.Log.Error("follow request answer failed", "user", sender, "error", err)
		}
	}

	_, err := l.Client.PostStatus(ctx, bridge.StatusPost{
		Body:     fmt.Sprintf("@%s \n%s", sender, res.Reply),
		Language: res.Lang,
	})
	if err != nil {
		l.Log.Error("follow reply failed", "user", sender, "error", err)
	}
}
