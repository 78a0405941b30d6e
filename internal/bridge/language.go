package bridge

import (
	"context"
	"fmt"
)

// ProcessLanguage applies the language directives found in a message. It
// returns the reply fragment and the language the rest of the processing
// should answer in.
func (c *Core) ProcessLanguage(ctx context.Context, side Side, user string, langs []string, current string) (reply, lang string, err error) {
	lang = current
	if len(langs) > 1 {
		return c.Msg.Format(current, "onelang", c.Cfg.Prefixes[3]), lang, nil
	}
	if len(langs) == 0 {
		return "", lang, nil
	}

	lang = langs[0]
	if !c.Cfg.Supported(lang) {
		reply = c.Msg.Format(current, "unknownlang", lang)
		lang = c.Cfg.UnknownLang
	}

	u, err := c.Store.GetUser(ctx, side.Int(), user)
	if err != nil {
		return "", current, fmt.Errorf("language update: %w", err)
	}
	if u == nil {
		return reply + c.Msg.Msg(lang, "langneedsreg"), lang, nil
	}
	if err := c.Store.SetUserLang(ctx, side.Int(), user, lang); err != nil {
		return "", current, fmt.Errorf("language update: %w", err)
	}
	return reply + c.Msg.Msg(lang, "langset"), lang, nil
}

// UserLang returns the stored language preference for the user, the default
// when the user is unknown, and the unknown-language fallback when the stored
// value has no catalog.
func (c *Core) UserLang(ctx context.Context, side Side, user string) string {
	u, err := c.Store.GetUser(ctx, side.Int(), user)
	if err != nil {
		c.Log.Error("user language lookup failed", "side", side.String(), "user", user, "error", err)
		return c.Cfg.DefaultLang
	}
	if u == nil || u.Lang == "" {
		return c.Cfg.DefaultLang
	}
	if !c.Cfg.Supported(u.Lang) {
		return c.Cfg.UnknownLang
	}
	return u.Lang
}
