// Package fedi is a thin typed client for the Mastodon-compatible REST API,
// covering exactly the surface the bridge needs, plus the user notification
// stream and the Fediverse listener built on it.
package fedi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klppl/xbridge/internal/bridge"
)

// Client talks to the bridge's home instance with a bearer token.
type Client struct {
	BaseURL   string
	Token     string
	UserAgent string

	http *http.Client
}

// NewClient creates a client for the instance at the given domain.
func NewClient(instance, token, userAgent string) *Client {
	return &Client{
		BaseURL:   "https://" + instance,
		Token:     token,
		UserAgent: userAgent,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// LookupAccount resolves a user@domain account name.
func (c *Client) LookupAccount(ctx context.Context, acct string) (*bridge.Account, error) {
	params := url.Values{}
	params.Set("acct", acct)
	var a Account
	if err := c.doGet(ctx, "/api/v1/accounts/lookup", params, &a); err != nil {
		return nil, fmt.Errorf("fedi lookup %s: %w", acct, err)
	}
	return &bridge.Account{ID: a.ID, Acct: a.Acct, Note: a.Note, Bot: a.Bot, Group: a.Group}, nil
}

// Follow follows the account, without boosts or notifications.
func (c *Client) Follow(ctx context.Context, id string) error {
	if err := c.doPost(ctx, "/api/v1/accounts/"+id+"/follow", followParams{}, nil); err != nil {
		return fmt.Errorf("fedi follow %s: %w", id, err)
	}
	return nil
}

// Unfollow unfollows the account.
func (c *Client) Unfollow(ctx context.Context, id string) error {
	if err := c.doPost(ctx, "/api/v1/accounts/"+id+"/unfollow", nil, nil); err != nil {
		return fmt.Errorf("fedi unfollow %s: %w", id, err)
	}
	return nil
}

// Relationship returns the follow state with the account.
func (c *Client) Relationship(ctx context.Context, id string) (*bridge.Relationship, error) {
	params := url.Values{}
	params.Set("id[]", id)
	var rels []Relationship
	if err := c.doGet(ctx, "/api/v1/accounts/relationships", params, &rels); err != nil {
		return nil, fmt.Errorf("fedi relationship %s: %w", id, err)
	}
	if len(rels) == 0 {
		return nil, fmt.Errorf("fedi relationship %s: empty response", id)
	}
	r := rels[0]
	return &bridge.Relationship{
		Following:   r.Following,
		Requested:   r.Requested,
		FollowedBy:  r.FollowedBy,
		RequestedBy: r.RequestedBy,
	}, nil
}

// RecentStatuses returns the account's latest statuses, newest first.
func (c *Client) RecentStatuses(ctx context.Context, id string, limit int) ([]bridge.StatusInfo, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	var statuses []Status
	if err := c.doGet(ctx, "/api/v1/accounts/"+id+"/statuses", params, &statuses); err != nil {
		return nil, fmt.Errorf("fedi statuses %s: %w", id, err)
	}
	out := make([]bridge.StatusInfo, len(statuses))
	for i, st := range statuses {
		out[i] = bridge.StatusInfo{CreatedAt: st.CreatedAt, Language: st.Language}
	}
	return out, nil
}

// PostStatus posts a direct status and returns its id.
func (c *Client) PostStatus(ctx context.Context, p bridge.StatusPost) (string, error) {
	body := statusParams{
		Status:      p.Body,
		InReplyToID: p.InReplyTo,
		Visibility:  "direct",
		Language:    p.Language,
	}
	var st Status
	if err := c.doPost(ctx, "/api/v1/statuses", body, &st); err != nil {
		return "", fmt.Errorf("fedi post status: %w", err)
	}
	return st.ID, nil
}

// AuthorizeFollow accepts a pending follow request.
func (c *Client) AuthorizeFollow(ctx context.Context, id string) error {
	if err := c.doPost(ctx, "/api/v1/follow_requests/"+id+"/authorize", nil, nil); err != nil {
		return fmt.Errorf("fedi authorize follow %s: %w", id, err)
	}
	return nil
}

// RejectFollow declines a pending follow request.
func (c *Client) RejectFollow(ctx context.Context, id string) error {
	if err := c.doPost(ctx, "/api/v1/follow_requests/"+id+"/reject", nil, nil); err != nil {
		return fmt.Errorf("fedi reject follow %s: %w", id, err)
	}
	return nil
}

// DomainBlocks returns the domains the home instance blocks.
func (c *Client) DomainBlocks(ctx context.Context) ([]string, error) {
	var domains []string
	if err := c.doGet(ctx, "/api/v1/instance/domain_blocks", nil, &domains); err != nil {
		return nil, fmt.Errorf("fedi domain blocks: %w", err)
	}
	return domains, nil
}

// VerifyCredentials returns the bridge's own account, including the locked
// flag that controls follow-request handling.
func (c *Client) VerifyCredentials(ctx context.Context) (*Account, error) {
	var a Account
	if err := c.doGet(ctx, "/api/v1/accounts/verify_credentials", nil, &a); err != nil {
		return nil, fmt.Errorf("fedi verify credentials: %w", err)
	}
	return &a, nil
}

// MaxChars returns the instance's status character limit, 0 when it does not
// advertise one.
func (c *Client) MaxChars(ctx context.Context) (int, error) {
	var info instanceInfo
	if err := c.doGet(ctx, "/api/v1/instance", nil, &info); err != nil {
		return 0, fmt.Errorf("fedi instance info: %w", err)
	}
	if n := info.Configuration.Statuses.MaxCharacters; n > 0 {
		return n, nil
	}
	return info.MaxTootChars, nil
}

// NodeInfoApp identifies the software a remote domain runs via its nodeinfo
// document. Unreachable or malformed documents yield the generic label.
func (c *Client) NodeInfoApp(ctx context.Context, domain string) string {
	const fallback = "Fediverse"
	var index nodeInfoIndex
	if err := c.getURL(ctx, "https://"+domain+"/.well-known/nodeinfo", &index); err != nil {
		return fallback
	}
	if len(index.Links) == 0 || index.Links[0].Href == "" {
		return fallback
	}
	var info nodeInfo
	if err := c.getURL(ctx, index.Links[0].Href, &info); err != nil {
		return fallback
	}
	if info.Software.Name == "" {
		return fallback
	}
	return capitalize(info.Software.Name)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// ─── HTTP plumbing ───────────────────────────────────────────────────────────

func (c *Client) doGet(ctx context.Context, path string, params url.Values, out any) error {
	rawURL := c.BaseURL + path
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create GET request: %w", err)
	}
	return c.doRequest(req, out, true)
}

func (c *Client) doPost(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doRequest(req, out, true)
}

// getURL fetches an arbitrary JSON document without authentication, used for
// nodeinfo discovery on remote domains.
func (c *Client) getURL(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create GET request: %w", err)
	}
	return c.doRequest(req, out, false)
}

func (c *Client) doRequest(req *http.Request, out any, authed bool) error {
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if authed && c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
