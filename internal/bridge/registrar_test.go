package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterNewXMPPUser(t *testing.T) {
	c, _, chat := newTestCore(t)
	ctx := context.Background()

	res := c.Register(ctx, XMPP, "alice@chat.example.com", false, "en", chat)
	assert.True(t, res.Success)
	assert.Contains(t, res.Reply, "regok")
	assert.Contains(t, res.Reply, "followme")
	assert.Contains(t, res.Reply, "requested")
	require.NotEmpty(t, chat.presences)
	assert.Equal(t, sentPresence{to: "alice@chat.example.com", ptype: "subscribe"}, chat.presences[0])

	u, err := c.Store.GetUser(ctx, XMPP.Int(), "alice@chat.example.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.True(t, u.Active())
	assert.Equal(t, 1, u.NbReg)
	assert.Equal(t, "XMPP", u.App)
	assert.NotNil(t, u.ReqDate)
}

func TestRegisterAlreadyRegistered(t *testing.T) {
	c, _, chat := newTestCore(t)
	ctx := context.Background()

	first := c.Register(ctx, XMPP, "alice@chat.example.com", false, "en", chat)
	require.True(t, first.Success)

	second := c.Register(ctx, XMPP, "alice@chat.example.com", false, "en", chat)
	assert.True(t, second.Success)
	assert.Contains(t, second.Reply, "dbexists")

	// event-triggered registration suppresses the already-registered reply
	third := c.Register(ctx, XMPP, "alice@chat.example.com", true, "en", chat)
	assert.True(t, third.Success)
	assert.NotContains(t, third.Reply, "dbexists")
}

func TestRegisterClosed(t *testing.T) {
	c, _, chat := newTestCore(t)
	require.NoError(t, WriteToken(c.Cfg.OpenFile, c.Cfg.CommandList[21]))

	res := c.Register(context.Background(), XMPP, "alice@chat.example.com", false, "en", chat)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reply, "closedreg")
}

func TestRegisterMaxUsers(t *testing.T) {
	c, _, chat := newTestCore(t)
	c.Cfg.MaxRegUsers = 1
	seedUser(t, c, Fedi, "bob@remote.social")

	res := c.Register(context.Background(), XMPP, "alice@chat.example.com", false, "en", chat)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reply, "maxusers")
}

func TestRegisterRedlistedDomain(t *testing.T) {
	c, _, chat := newTestCore(t)
	_, err := AddDomain(c.Cfg.RedFile, "bad.social")
	require.NoError(t, err)

	res := c.Register(context.Background(), XMPP, "eve@bad.social", false, "en", chat)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reply, "dred")
}

func TestRegisterGreenlistMode(t *testing.T) {
	c, _, chat := newTestCore(t)
	ctx := context.Background()
	c.Cfg.GreenMode = true

	res := c.Register(ctx, XMPP, "eve@other.example", false, "en", chat)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reply, "dgreen")

	_, err := AddDomain(c.Cfg.GreenFile, "other.example")
	require.NoError(t, err)
	res = c.Register(ctx, XMPP, "eve@other.example", false, "en", chat)
	assert.True(t, res.Success)

	// the bridge's own domains never need the greenlist
	res = c.Register(ctx, XMPP, "local@xmpp.example.org", false, "en", chat)
	assert.True(t, res.Success)
}

func TestRegisterAdminBlocked(t *testing.T) {
	c, _, chat := newTestCore(t)
	ctx := context.Background()
	require.NoError(t, c.Store.AddInstBlock(ctx, XMPP.Int(), "eve@chat.example.com"))

	res := c.Register(ctx, XMPP, "eve@chat.example.com", false, "en", chat)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reply, "ublock")
}

func TestRegisterFediUser(t *testing.T) {
	c, fedi, _ := newTestCore(t)
	ctx := context.Background()
	fedi.addAccount("bob@remote.social")
	fedi.statuses = []StatusInfo{{CreatedAt: time.Now().Add(-time.Hour), Language: "fr"}}

	res := c.Register(ctx, Fedi, "bob@remote.social", false, "en", nil)
	assert.True(t, res.Success)
	assert.Equal(t, "acc-bob@remote.social", res.AccID)
	// the language of the user's recent posts is adopted
	assert.Equal(t, "fr", res.Lang)
	assert.Contains(t, res.Reply, "fr-regok")
	assert.Contains(t, res.Reply, "fr-addcontact")
	assert.Equal(t, []string{"acc-bob@remote.social"}, fedi.followed)

	u, err := c.Store.GetUser(ctx, Fedi.Int(), "bob@remote.social")
	require.NoError(t, err)
	assert.Equal(t, "Mastodon", u.App)
	assert.Equal(t, "acc-bob@remote.social", u.AccID)
}

func TestRegisterFediFollowPending(t *testing.T) {
	c, fedi, _ := newTestCore(t)
	fedi.addAccount("bob@remote.social")
	fedi.statuses = []StatusInfo{{CreatedAt: time.Now()}}
	fedi.rel = Relationship{Requested: true}

	res := c.Register(context.Background(), Fedi, "bob@remote.social", false, "en", nil)
	assert.True(t, res.Success)
	assert.Contains(t, res.Reply, "requested")
	assert.Contains(t, res.Reply, "followme")
}

func TestRegisterFediPolicies(t *testing.T) {
	c, fedi, _ := newTestCore(t)
	ctx := context.Background()

	fedi.lookupErr = errors.New("boom")
	res := c.Register(ctx, Fedi, "bob@remote.social", false, "en", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reply, "lookuperror fedi.example.org")
	fedi.lookupErr = nil

	a := fedi.addAccount("bob@remote.social")
	a.Note = "please no bots #<span>nobot</span>"
	res = c.Register(ctx, Fedi, "bob@remote.social", false, "en", nil)
	assert.Contains(t, res.Reply, "hashnobot")
	a.Note = ""

	a.Bot = true
	res = c.Register(ctx, Fedi, "bob@remote.social", false, "en", nil)
	assert.Contains(t, res.Reply, "nobot")
	a.Bot = false

	a.Group = true
	res = c.Register(ctx, Fedi, "bob@remote.social", false, "en", nil)
	assert.Contains(t, res.Reply, "nogroup")
	a.Group = false

	fedi.statusesErr = errors.New("boom")
	res = c.Register(ctx, Fedi, "bob@remote.social", false, "en", nil)
	assert.Contains(t, res.Reply, "lustaterr")
	fedi.statusesErr = nil

	// stale activity only counts within the last thirty days
	fedi.statuses = []StatusInfo{{CreatedAt: time.Now().AddDate(0, -2, 0)}}
	res = c.Register(ctx, Fedi, "bob@remote.social", false, "en", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reply, "inactive")
}

func TestRegisterMaxReg(t *testing.T) {
	c, _, chat := newTestCore(t)
	ctx := context.Background()
	c.Cfg.MaxReg = 1

	res := c.Register(ctx, XMPP, "alice@chat.example.com", false, "en", chat)
	require.True(t, res.Success)
	c.Unregister(ctx, XMPP, "alice@chat.example.com", false, "en", chat)

	res = c.Register(ctx, XMPP, "alice@chat.example.com", false, "en", chat)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reply, "regmax 1")
}
