package bridge

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/klppl/xbridge/internal/config"
)

// Parser extracts commands, language directives, recipients, and domains
// from inbound message bodies. It is pure: parsing has no side effects and
// the same input always yields the same Content.
type Parser struct {
	apInstance string
	bridgeJID  string
	bridgeAcct string
	pfix       []string

	command *regexp.Regexp
	lang    *regexp.Regexp
	xmppJID *regexp.Regexp
	apAddr  *regexp.Regexp
	email   *regexp.Regexp
	apShort *regexp.Regexp
	domain  *regexp.Regexp
	bridge  *regexp.Regexp
}

// NewParser compiles the patterns from the configured prefixes.
func NewParser(cfg *config.Config) (*Parser, error) {
	p := &Parser{
		apInstance: cfg.APInstance,
		bridgeJID:  cfg.BridgeJID,
		bridgeAcct: cfg.BridgeAcct,
		pfix:       cfg.Prefixes,
	}
	const addr = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	patterns := []struct {
		dst  **regexp.Regexp
		expr string
	}{
		{&p.command, `(?m)(?:^|\s)` + regexp.QuoteMeta(p.pfix[config.PrefixCommand]) + `[a-zA-Z]+\b`},
		{&p.lang, `(?m)(?:^|\s)` + regexp.QuoteMeta(p.pfix[config.PrefixLang]) + `[a-zA-Z]{2}\b`},
		{&p.xmppJID, `\b` + regexp.QuoteMeta(p.pfix[config.PrefixXMPP]) + addr + `(?:/[\w-]+)?\b`},
		{&p.apAddr, regexp.QuoteMeta(p.pfix[config.PrefixAP]) + addr + `\b`},
		{&p.email, addr + `\b`},
		{&p.apShort, `@[a-zA-Z0-9._%+-]+`},
		{&p.domain, `[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`},
		{&p.bridge, `(?i)` + regexp.QuoteMeta(p.pfix[config.PrefixAP]+p.bridgeAcct)},
	}
	for _, pt := range patterns {
		re, err := regexp.Compile(pt.expr)
		if err != nil {
			return nil, fmt.Errorf("compile parser pattern: %w", err)
		}
		*pt.dst = re
	}
	return p, nil
}

// Parse analyzes one inbound body from the given side. Fediverse bodies are
// HTML and get normalized to plain text first.
func (p *Parser) Parse(side Side, input string) *Content {
	text := input
	if side == Fedi {
		text = p.htmlToText(text)
	}
	lower := strings.ToLower(text)

	c := &Content{}

	// The language directive shares a leading run with the command prefix in
	// the default vocabulary; drop the collision token from the command list.
	langToken := strings.TrimSuffix(p.pfix[config.PrefixLang], p.pfix[config.PrefixLang][len(p.pfix[config.PrefixLang])-1:])
	for _, m := range p.command.FindAllString(lower, -1) {
		tok := strings.TrimSpace(m)
		if tok == langToken {
			continue
		}
		c.Commands = appendUnique(c.Commands, strings.TrimPrefix(tok, p.pfix[config.PrefixCommand]))
	}

	for _, m := range p.lang.FindAllString(lower, -1) {
		tok := strings.TrimPrefix(strings.TrimSpace(m), p.pfix[config.PrefixLang])
		if len(tok) >= 2 {
			c.Langs = appendUnique(c.Langs, tok[len(tok)-2:])
		}
	}

	for _, m := range p.xmppJID.FindAllString(text, -1) {
		jid := strings.TrimPrefix(strings.TrimSpace(m), p.pfix[config.PrefixXMPP])
		jid = strings.ToLower(strings.SplitN(jid, "/", 2)[0])
		if jid != p.bridgeJID {
			c.XMPPAddrs = appendUnique(c.XMPPAddrs, jid)
		}
	}

	for _, m := range p.apAddr.FindAllString(text, -1) {
		acct := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(m), p.pfix[config.PrefixAP]))
		if acct != p.bridgeAcct {
			c.APAddrs = appendUnique(c.APAddrs, acct)
		}
	}
	text = p.bridge.ReplaceAllString(text, "")

	// Short mentions and bare domains are what remains once full addresses
	// are taken out.
	stripped := p.apAddr.ReplaceAllString(text, "")
	stripped = p.email.ReplaceAllString(stripped, "")
	c.Domains = p.domain.FindAllString(stripped, -1)
	c.ShortAP = side == XMPP && p.apShort.MatchString(stripped)

	c.Body = text
	return c
}

// htmlToText flattens a Fediverse HTML body. Mention anchors are expanded to
// full user@domain form, xmpp: links keep their text, and line breaks become
// newlines.
func (p *Parser) htmlToText(body string) string {
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return body
	}
	var b strings.Builder
	p.renderText(&b, root)
	return b.String()
}

func (p *Parser) renderText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.Data {
		case "br":
			b.WriteString("\n")
			return
		case "a":
			if text, ok := p.anchorText(n); ok {
				b.WriteString(text)
				return
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.renderText(b, c)
	}
}

// anchorText handles the two anchor shapes the bridge rewrites. It reports
// false when the anchor needs no special handling.
func (p *Parser) anchorText(n *html.Node) (string, bool) {
	var href, class string
	for _, a := range n.Attr {
		switch a.Key {
		case "href":
			href = a.Val
		case "class":
			class = a.Val
		}
	}
	if href == "" {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	text := nodeText(n)
	switch {
	case u.Scheme == "xmpp":
		return text + " ", true
	case (u.Scheme == "" || u.Scheme == "http" || u.Scheme == "https") && hasClass(class, "mention") && strings.Count(text, "@") == 1:
		host := u.Host
		if host == "" {
			host = p.apInstance
		}
		return text + "@" + host, true
	}
	return "", false
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func hasClass(attr, class string) bool {
	for _, c := range strings.Fields(attr) {
		if c == class {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
