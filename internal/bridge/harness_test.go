package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klppl/xbridge/internal/config"
	"github.com/klppl/xbridge/internal/db"
	"github.com/klppl/xbridge/internal/i18n"
)

// catalogEntries generates the test catalog: every message is its key plus
// the format verbs the code interpolates, so assertions can match on the key.
var catalogEntries = []struct{ key, msg string }{
	{"langset", "langset"},
	{"langneedsreg", "langneedsreg"},
	{"onelang", "onelang %s"},
	{"unknownlang", "unknownlang %s"},
	{"closedreg", "closedreg"},
	{"maxusers", "maxusers"},
	{"ublock", "ublock"},
	{"dred", "dred"},
	{"dgreen", "dgreen"},
	{"lookuperror", "lookuperror %s"},
	{"hashnobot", "hashnobot"},
	{"nobot", "nobot"},
	{"nogroup", "nogroup"},
	{"lustaterr", "lustaterr"},
	{"inactive", "inactive"},
	{"dbexists", "dbexists %s"},
	{"regmax", "regmax %d"},
	{"regok", "regok"},
	{"errcontact", "errcontact"},
	{"requested", "requested"},
	{"addcontact", "addcontact"},
	{"followme", "followme"},
	{"dbnotexists", "dbnotexists"},
	{"revoked", "revoked %s"},
	{"unregok", "unregok"},
	{"delcontact", "delcontact"},
	{"onecom", "onecom %s"},
	{"notacom", "notacom %s"},
	{"notadmin", "notadmin"},
	{"needtoreg", "needtoreg"},
	{"nomsg", "nomsg %s"},
	{"truncated", "truncated"},
	{"help", "help %s %s %s %s %s %s %s %s %s %s %s %s %s %s"},
	{"ahelp", "ahelp %s %s %s %s %s %s %s %s %s %s %s %s %s %s %s %s %s %s"},
	{"report", "report %s%s"},
	{"reportok", "reportok"},
	{"xmppadminempty", "xmppadminempty"},
	{"errsend", "errsend %s%s"},
	{"noblocks", "noblocks %s"},
	{"addblocks", "addblocks %s%s"},
	{"blockexists", "blockexists %s%s"},
	{"nounblocks", "nounblocks %s"},
	{"delblocks", "delblocks %s%s"},
	{"blocknotexists", "blocknotexists %s%s"},
	{"emptyblocks", "emptyblocks"},
	{"listblocks", "listblocks %d"},
	{"emptyusers", "emptyusers"},
	{"listusers", "listusers %d"},
	{"emptyinstblocks", "emptyinstblocks"},
	{"listinstblocks", "listinstblocks %d"},
	{"noablocks", "noablocks %s"},
	{"adminnoblk", "adminnoblk"},
	{"addablocks", "addablocks %s%s"},
	{"ablockexists", "ablockexists %s%s"},
	{"noaunblocks", "noaunblocks %s"},
	{"delablocks", "delablocks %s%s"},
	{"ablocknotexists", "ablocknotexists %s%s"},
	{"nodomblocks0", "nodomblocks0"},
	{"nodomblocks1", "nodomblocks1"},
	{"selfdomnoblk", "selfdomnoblk"},
	{"adddomexists0", "adddomexists0 %s"},
	{"adddomexists1", "adddomexists1 %s"},
	{"adddom0", "adddom0 %s"},
	{"adddom1", "adddom1 %s"},
	{"nodomunblocks0", "nodomunblocks0"},
	{"nodomunblocks1", "nodomunblocks1"},
	{"domblocknotexists0", "domblocknotexists0 %s"},
	{"domblocknotexists1", "domblocknotexists1 %s"},
	{"del2domblocks", "del2domblocks %s"},
	{"deldomblocks0", "deldomblocks0 %s"},
	{"deldomblocks1", "deldomblocks1 %s"},
	{"emptydomblocks0", "emptydomblocks0"},
	{"emptydomblocks1", "emptydomblocks1"},
	{"listdomblocks0", "listdomblocks0 %d"},
	{"listdomblocks1", "listdomblocks1 %d"},
	{"status", "status"},
	{"nbregusers", "nbregusers %d"},
	{"greenlist", "greenlist"},
	{"notgreenlist", "notgreenlist"},
	{"stopped", "stopped"},
	{"maxrate", "maxrate"},
	{"apshort", "apshort %s"},
	{"noaddr0", "noaddr0 %s %s%s"},
	{"noaddr1", "noaddr1 %s %d %s%s"},
	{"noresend", "noresend %s"},
	{"noreply", "noreply %s"},
	{"toomany", "toomany %d"},
	{"isnotreg", "isnotreg %s%s"},
	{"blocking", "blocking %s%s"},
	{"blocked", "blocked %s%s"},
	{"newmsg", "newmsg %s %s"},
	{"answer", "answer %s %s"},
	{"toolong", "toolong %d"},
	{"errsendfedi", "errsendfedi"},
	{"oksendfedi", "oksendfedi"},
	{"oksend", "oksend %s%s"},
	{"cw", "cw"},
	{"media", "media"},
	{"poll", "poll"},
	{"start", "delivery-started"},
	{"stop", "delivery-stopped"},
	{"open", "reg-opened"},
	{"close", "reg-closed"},
}

var testCommands = []string{
	"register", "unregister", "report", "help",
	"block", "unblock", "blocks",
	"start", "stop", "users", "ablocks", "ablock", "aunblock", "ahelp",
	"redadd", "greenadd", "reddel", "greendel", "redlist", "greenlist",
	"open", "close", "status",
}

func testCatalog(t *testing.T) *i18n.Catalog {
	t.Helper()
	dir := t.TempDir()

	var keys, en, fr strings.Builder
	for _, e := range catalogEntries {
		keys.WriteString(e.key + "\n")
		en.WriteString(e.msg + "\n")
		fr.WriteString("fr-" + e.msg + "\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, i18n.KeysFileName), []byte(keys.String()), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en.txt"), []byte(en.String()), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fr.txt"), []byte(fr.String()), 0o644))

	cat, err := i18n.Load(dir, "en")
	require.NoError(t, err)
	return cat
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		BridgeJID:    "bridge@xmpp.example.org",
		BridgePass:   "secret",
		BridgeAcct:   "xmppbridge",
		Token:        "token",
		APInstance:   "fedi.example.org",
		XMPPInstance: "xmpp.example.org",
		APAdmins:     []string{"admin@fedi.example.org"},
		XMPPAdmins:   []string{"admin@xmpp.example.org"},
		StartFile:    filepath.Join(dir, "xmpp-bridge-start.txt"),
		OpenFile:     filepath.Join(dir, "xmpp-bridge-open.txt"),
		RedFile:      filepath.Join(dir, "xmpp-bridge-red.txt"),
		GreenFile:    filepath.Join(dir, "xmpp-bridge-green.txt"),
		DefaultLang:  "en",
		UnknownLang:  "en",
		CommandList:  append([]string(nil), testCommands...),
		Prefixes:     []string{"@", "xmpp:", "!", "!lang="},
		CharLimit:    500,
		MinActive:    1,
		MaxReg:       3,
		MaxDest:      6,
	}
	require.NoError(t, EnsureToken(cfg.StartFile, cfg.CommandList[7]))
	require.NoError(t, EnsureToken(cfg.OpenFile, cfg.CommandList[20]))
	require.NoError(t, EnsureFile(cfg.RedFile, ""))
	require.NoError(t, EnsureFile(cfg.GreenFile, ""))
	return cfg
}

// fakeFedi is an in-memory FediClient. The zero value admits nobody; tests
// seed accounts with addAccount.
type fakeFedi struct {
	accounts  map[string]*Account
	lookupErr error

	rel    Relationship
	relErr error

	statuses    []StatusInfo
	statusesErr error

	postID  string
	postErr error
	posts   []StatusPost

	followed   []string
	unfollowed []string
	authorized []string
	rejected   []string

	domains []string
	app     string
}

func newFakeFedi() *fakeFedi {
	return &fakeFedi{
		accounts: make(map[string]*Account),
		rel:      Relationship{Following: true, FollowedBy: true},
		postID:   "status-1",
		app:      "Mastodon",
	}
}

func (f *fakeFedi) addAccount(acct string) *Account {
	a := &Account{ID: "acc-" + acct, Acct: acct}
	f.accounts[acct] = a
	return a
}

func (f *fakeFedi) LookupAccount(_ context.Context, acct string) (*Account, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	a, ok := f.accounts[acct]
	if !ok {
		return nil, errors.New("record not found")
	}
	return a, nil
}

func (f *fakeFedi) Follow(_ context.Context, id string) error {
	f.followed = append(f.followed, id)
	return nil
}

func (f *fakeFedi) Unfollow(_ context.Context, id string) error {
	f.unfollowed = append(f.unfollowed, id)
	return nil
}

func (f *fakeFedi) Relationship(context.Context, string) (*Relationship, error) {
	if f.relErr != nil {
		return nil, f.relErr
	}
	rel := f.rel
	return &rel, nil
}

func (f *fakeFedi) RecentStatuses(context.Context, string, int) ([]StatusInfo, error) {
	if f.statusesErr != nil {
		return nil, f.statusesErr
	}
	return f.statuses, nil
}

func (f *fakeFedi) PostStatus(_ context.Context, p StatusPost) (string, error) {
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posts = append(f.posts, p)
	return f.postID, nil
}

func (f *fakeFedi) AuthorizeFollow(_ context.Context, id string) error {
	f.authorized = append(f.authorized, id)
	return nil
}

func (f *fakeFedi) RejectFollow(_ context.Context, id string) error {
	f.rejected = append(f.rejected, id)
	return nil
}

func (f *fakeFedi) DomainBlocks(context.Context) ([]string, error) {
	return f.domains, nil
}

func (f *fakeFedi) NodeInfoApp(context.Context, string) string { return f.app }

type sentChat struct {
	to, body, lang string
}

type sentPresence struct {
	to, ptype string
}

// fakeChat is an in-memory ChatSession.
type fakeChat struct {
	subs      map[string]string
	sent      []sentChat
	presences []sentPresence
	removed   []string
	sendErr   error
	nextID    int
}

func newFakeChat() *fakeChat {
	return &fakeChat{subs: make(map[string]string)}
}

func (f *fakeChat) SendChat(_ context.Context, to, body, lang string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentChat{to: to, body: body, lang: lang})
	return fmt.Sprintf("chat-%d", f.nextID), nil
}

func (f *fakeChat) SendPresence(_ context.Context, to, ptype string) error {
	f.presences = append(f.presences, sentPresence{to: to, ptype: ptype})
	return nil
}

func (f *fakeChat) Subscription(_ context.Context, peer string) (string, error) {
	return f.subs[peer], nil
}

func (f *fakeChat) RemoveContact(_ context.Context, peer string) error {
	f.removed = append(f.removed, peer)
	return nil
}

// newTestCore builds a Core over a fresh SQLite store, a fake Fediverse
// client, and a fake chat session served by the transient-session factory.
func newTestCore(t *testing.T) (*Core, *fakeFedi, *fakeChat) {
	t.Helper()
	cfg := testConfig(t)
	cat := testCatalog(t)
	cfg.SetLanguages(cat.Languages())

	store, err := db.New(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	fedi := newFakeFedi()
	chat := newFakeChat()
	factory := func(context.Context) (ChatSession, func(), error) {
		return chat, func() {}, nil
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	core, err := NewCore(cfg, cat, store, fedi, factory, log)
	require.NoError(t, err)
	return core, fedi, chat
}

// seedUser inserts and activates a registration directly in the store.
func seedUser(t *testing.T, c *Core, side Side, user string) {
	t.Helper()
	ctx := context.Background()
	app := "XMPP"
	accID := ""
	if side == Fedi {
		app = "Mastodon"
		accID = "acc-" + user
	}
	require.NoError(t, c.Store.InsertUser(ctx, side.Int(), user, "en", app, accID))
	require.NoError(t, c.Store.ActivateUser(ctx, side.Int(), user, "en"))
}
