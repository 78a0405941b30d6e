package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/klppl/xbridge/internal/config"
	"github.com/klppl/xbridge/internal/db"
	"github.com/klppl/xbridge/internal/i18n"
)

// Content is the result of parsing one inbound message body.
type Content struct {
	// Commands are the command words found after the command prefix,
	// lowercased, without the prefix.
	Commands []string
	// Langs are the two-letter codes found after the language prefix.
	Langs []string
	// XMPPAddrs are the extracted XMPP recipients, bare JIDs, lowercased.
	XMPPAddrs []string
	// APAddrs are the extracted Fediverse recipients as user@domain,
	// lowercased.
	APAddrs []string
	// Domains are the bare domain tokens found, for the admin domain
	// commands.
	Domains []string
	// ShortAP is set when an XMPP-side body carries a bare @user mention
	// with no domain, which cannot be routed.
	ShortAP bool
	// Body is the message text with the bridge's own addresses removed.
	Body string
}

// Recipients returns the opposite-side recipient list for the sending side.
func (c *Content) Recipients(from Side) []string {
	if from == XMPP {
		return c.APAddrs
	}
	return c.XMPPAddrs
}

// Account is the subset of a Fediverse account the bridge inspects.
type Account struct {
	ID    string
	Acct  string
	Note  string
	Bot   bool
	Group bool
}

// Relationship is the follow state between the bridge account and a user.
type Relationship struct {
	Following   bool
	Requested   bool
	FollowedBy  bool
	RequestedBy bool
}

// StatusInfo is the subset of a status used by the activity check.
type StatusInfo struct {
	CreatedAt time.Time
	Language  string
}

// StatusPost is an outgoing direct status.
type StatusPost struct {
	Body      string
	InReplyTo string
	Language  string
}

// FediClient is the Fediverse API surface the core depends on. Implemented by
// fedi.Client; tests substitute fakes.
type FediClient interface {
	LookupAccount(ctx context.Context, acct string) (*Account, error)
	Follow(ctx context.Context, id string) error
	Unfollow(ctx context.Context, id string) error
	Relationship(ctx context.Context, id string) (*Relationship, error)
	RecentStatuses(ctx context.Context, id string, limit int) ([]StatusInfo, error)
	PostStatus(ctx context.Context, p StatusPost) (string, error)
	AuthorizeFollow(ctx context.Context, id string) error
	RejectFollow(ctx context.Context, id string) error
	DomainBlocks(ctx context.Context) ([]string, error)
	NodeInfoApp(ctx context.Context, domain string) string
}

// ChatSession is the XMPP surface the core depends on. The XMPP listener
// passes its live session; other call sites dial a transient one.
type ChatSession interface {
	// SendChat sends a chat message and returns its stanza id.
	SendChat(ctx context.Context, to, body, lang string) (string, error)
	// SendPresence sends a presence stanza of the given type (subscribe,
	// subscribed, unsubscribe, unsubscribed).
	SendPresence(ctx context.Context, to, ptype string) error
	// Subscription returns the roster subscription state for the peer:
	// none, to, from, both, or empty when the peer is not on the roster.
	Subscription(ctx context.Context, peer string) (string, error)
	// RemoveContact removes the peer from the roster.
	RemoveContact(ctx context.Context, peer string) error
}

// ChatFactory dials a transient chat session. The returned func closes it.
type ChatFactory func(ctx context.Context) (ChatSession, func(), error)

// Dispatch is one inbound message handed to the pipeline.
type Dispatch struct {
	Side    Side
	Sender  string
	Body    string
	FromID  string
	ReplyID string
	Lang    string
	// Chat is the live session when dispatched from the XMPP listener,
	// nil otherwise.
	Chat ChatSession
}

// Core ties the pipeline together. Both listener processes run one Core over
// the shared store.
type Core struct {
	Cfg     *config.Config
	Msg     *i18n.Catalog
	Store   *db.Store
	Fedi    FediClient
	NewChat ChatFactory
	Log     *slog.Logger

	parser *Parser
}

// NewCore builds the pipeline. The parser is compiled once from the
// configured prefixes.
func NewCore(cfg *config.Config, msg *i18n.Catalog, store *db.Store, fedi FediClient, newChat ChatFactory, log *slog.Logger) (*Core, error) {
	p, err := NewParser(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Core{
		Cfg:     cfg,
		Msg:     msg,
		Store:   store,
		Fedi:    fedi,
		NewChat: newChat,
		Log:     log,
		parser:  p,
	}, nil
}

// withChat hands a usable chat session to fn: the live one when present,
// otherwise a transient session that is closed before returning.
func (c *Core) withChat(ctx context.Context, live ChatSession, fn func(ChatSession) error) error {
	if live != nil {
		return fn(live)
	}
	if c.NewChat == nil {
		return errNoChat
	}
	session, done, err := c.NewChat(ctx)
	if err != nil {
		return err
	}
	defer done()
	return fn(session)
}

var errNoChat = errors.New("no chat session available")
