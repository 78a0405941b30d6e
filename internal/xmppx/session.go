// Package xmppx wraps mellium.im/xmpp for the bridge: a session type that
// implements the chat operations the core needs, a dialer for transient
// send-and-close sessions, and the XMPP listener.
package xmppx

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/dial"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"

	"github.com/klppl/xbridge/internal/bridge"
	"github.com/klppl/xbridge/internal/config"
)

const dialTimeout = 30 * time.Second

// messageBody is a chat message stanza with a body.
type messageBody struct {
	stanza.Message
	Body string `xml:"body"`
}

// Session is an authenticated XMPP client session.
type Session struct {
	s    *xmpp.Session
	log  *slog.Logger
	done chan error
}

// Dial connects and authenticates as the bridge account. The caller must
// call Serve (with a nil handler for a send-only session) and Close.
func Dial(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Session, error) {
	addr, err := jid.Parse(cfg.BridgeJID)
	if err != nil {
		return nil, fmt.Errorf("parse bridge jid: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := dial.Client(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial xmpp: %w", err)
	}

	negotiator := xmpp.NewNegotiator(func(*xmpp.Session, *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.BindResource(),
				xmpp.StartTLS(&tls.Config{
					ServerName: addr.Domain().String(),
					MinVersion: tls.VersionTLS12,
				}),
				xmpp.SASL("", cfg.BridgePass,
					sasl.ScramSha256Plus, sasl.ScramSha1Plus,
					sasl.ScramSha256, sasl.ScramSha1, sasl.Plain),
			},
		}
	})
	session, err := xmpp.NewSession(dialCtx, addr.Domain(), addr, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("negotiate xmpp session: %w", err)
	}
	return &Session{s: session, log: log, done: make(chan error, 1)}, nil
}

// Serve starts handling inbound stanzas and announces availability. A nil
// handler serves an empty mux, enough for IQ responses on transient
// sessions.
func (s *Session) Serve(handler *mux.ServeMux) {
	if handler == nil {
		handler = mux.New("")
	}
	go func() {
		s.done <- s.s.Serve(handler)
	}()
	if err := s.s.Encode(context.Background(), stanza.Presence{}); err != nil {
		s.log.Error("initial presence failed", "error", err)
	}
}

// Done reports the end of the serve loop.
func (s *Session) Done() <-chan error { return s.done }

// Close shuts the session and the underlying connection down.
func (s *Session) Close() {
	if err := s.s.Close(); err != nil {
		s.log.Debug("session close", "error", err)
	}
	if err := s.s.Conn().Close(); err != nil {
		s.log.Debug("connection close", "error", err)
	}
}

// SendChat sends a chat message and returns its stanza id.
func (s *Session) SendChat(ctx context.Context, to, body, lang string) (string, error) {
	toAddr, err := jid.Parse(to)
	if err != nil {
		return "", fmt.Errorf("parse recipient jid: %w", err)
	}
	id := newID()
	msg := messageBody{
		Message: stanza.Message{
			ID:   id,
			To:   toAddr,
			Lang: lang,
			Type: stanza.ChatMessage,
		},
		Body: body,
	}
	if err := s.s.Encode(ctx, msg); err != nil {
		return "", fmt.Errorf("send chat to %s: %w", to, err)
	}
	return id, nil
}

// SendPresence sends a subscription presence of the given type.
func (s *Session) SendPresence(ctx context.Context, to, ptype string) error {
	toAddr, err := jid.Parse(to)
	if err != nil {
		return fmt.Errorf("parse peer jid: %w", err)
	}
	var t stanza.PresenceType
	switch ptype {
	case "subscribe":
		t = stanza.SubscribePresence
	case "subscribed":
		t = stanza.SubscribedPresence
	case "unsubscribe":
		t = stanza.UnsubscribePresence
	case "unsubscribed":
		t = stanza.UnsubscribedPresence
	default:
		return fmt.Errorf("unknown presence type %q", ptype)
	}
	if err := s.s.Encode(ctx, stanza.Presence{To: toAddr, Type: t}); err != nil {
		return fmt.Errorf("send presence %s to %s: %w", ptype, to, err)
	}
	return nil
}

// Subscription returns the roster subscription state for the peer, empty
// when the peer is not on the roster.
func (s *Session) Subscription(ctx context.Context, peer string) (string, error) {
	iter := roster.Fetch(ctx, s.s)
	defer iter.Close()
	peer = strings.ToLower(peer)
	for iter.Next() {
		item := iter.Item()
		if strings.ToLower(item.JID.Bare().String()) == peer {
			return item.Subscription, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("fetch roster: %w", err)
	}
	return "", nil
}

// RemoveContact removes the peer from the roster.
func (s *Session) RemoveContact(ctx context.Context, peer string) error {
	peerAddr, err := jid.Parse(peer)
	if err != nil {
		return fmt.Errorf("parse peer jid: %w", err)
	}
	iq := roster.IQ{IQ: stanza.IQ{Type: stanza.SetIQ}}
	iq.Query.Item = []roster.Item{{JID: peerAddr, Subscription: "remove"}}
	resp, err := s.s.EncodeIQ(ctx, iq)
	if err != nil {
		return fmt.Errorf("remove roster item %s: %w", peer, err)
	}
	return resp.Close()
}

// Factory returns a dialer for transient send-and-close sessions, used by
// call sites that run outside the XMPP listener.
func Factory(cfg *config.Config, log *slog.Logger) bridge.ChatFactory {
	return func(ctx context.Context) (bridge.ChatSession, func(), error) {
		s, err := Dial(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		s.Serve(nil)
		return s, s.Close, nil
	}
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
