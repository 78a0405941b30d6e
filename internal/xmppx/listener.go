package xmppx

import (
	"context"
	"encoding/xml"
	"log/slog"
	"strings"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"

	"github.com/klppl/xbridge/internal/bridge"
)

// reconnectDelay is the pause between session reconnect attempts.
const reconnectDelay = 10 * time.Second

// Listener runs the persistent XMPP session and feeds chat messages and
// subscription presences into the bridge core.
type Listener struct {
	Core *bridge.Core
	Log  *slog.Logger
}

// Run serves XMPP sessions until the context is canceled, reconnecting
// after transient failures.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.Log.Error("xmpp session ended, reconnecting", "error", err, "delay", reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	s, err := Dial(ctx, l.Core.Cfg, l.Log)
	if err != nil {
		return err
	}
	defer s.Close()

	s.Serve(mux.New(
		"",
		mux.MessageFunc(stanza.ChatMessage, xml.Name{Local: "body"}, l.onMessage(ctx, s)),
		mux.MessageFunc(stanza.NormalMessage, xml.Name{Local: "body"}, l.onMessage(ctx, s)),
		mux.PresenceFunc(stanza.SubscribePresence, xml.Name{}, l.onSubscribe(ctx, s)),
		mux.PresenceFunc(stanza.UnsubscribePresence, xml.Name{}, l.onUnsubscribe(ctx, s)),
	))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.Done():
		return err
	}
}

// onMessage routes one inbound chat message through the pipeline and answers
// the sender when the pipeline produced a reply.
func (l *Listener) onMessage(ctx context.Context, s *Session) mux.MessageHandlerFunc {
	return func(m stanza.Message, t xmlstream.TokenReadEncoder) error {
		d := xml.NewTokenDecoder(t)
		var msg messageBody
		if err := d.Decode(&msg); err != nil {
			return err
		}
		if msg.Body == "" {
			return nil
		}
		sender := strings.ToLower(msg.From.Bare().String())
		lang := l.Core.UserLang(ctx, bridge.XMPP, sender)

		response := l.Core.Process(ctx, bridge.Dispatch{
			Side:   bridge.XMPP,
			Sender: sender,
			Body:   msg.Body,
			FromID: msg.ID,
			Lang:   lang,
			Chat:   s,
		})
		if response == "" {
			return nil
		}
		if _, err := s.SendChat(ctx, sender, response, lang); err != nil {
			l.Log.Error("reply failed", "user", sender, "error", err)
		}
		return nil
	}
}

// onSubscribe registers the requesting user and answers the subscription by
// the outcome.
func (l *Listener) onSubscribe(ctx context.Context, s *Session) mux.PresenceHandlerFunc {
	return func(p stanza.Presence, _ xmlstream.TokenReadEncoder) error {
		sender := strings.ToLower(p.From.Bare().String())
		lang := l.Core.UserLang(ctx, bridge.XMPP, sender)

		res := l.Core.Register(ctx, bridge.XMPP, sender, true, lang, s)
		answer := "unsubscribed"
		if res.Success {
			answer = "subscribed"
		}
		if err := s.SendPresence(ctx, sender, answer); err != nil {
			l.Log.Error("subscription answer failed", "user", sender, "error", err)
		}
		if res.Reply != "" {
			if _, err := s.SendChat(ctx, sender, res.Reply, res.Lang); err != nil {
				l.Log.Error("subscription reply failed", "user", sender, "error", err)
			}
		}
		return nil
	}
}

// onUnsubscribe revokes the user's registration. The unsubscribed presence
// is part of the roster teardown, so only the chat reply is sent here.
func (l *Listener) onUnsubscribe(ctx context.Context, s *Session) mux.PresenceHandlerFunc {
	return func(p stanza.Presence, _ xmlstream.TokenReadEncoder) error {
		sender := strings.ToLower(p.From.Bare().String())
		lang := l.Core.UserLang(ctx, bridge.XMPP, sender)

		reply := l.Core.Unregister(ctx, bridge.XMPP, sender, true, lang, s)
		if reply != "" {
			if _, err := s.SendChat(ctx, sender, reply, lang); err != nil {
				l.Log.Error("unsubscription reply failed", "user", sender, "error", err)
			}
		}
		return nil
	}
}
