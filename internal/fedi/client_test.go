package fedi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/xbridge/internal/bridge"
)

// testClient points a client at a local test server.
func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("fedi.example.org", "test-token", "xbridge-test")
	c.BaseURL = srv.URL
	return c
}

func TestLookupAccount(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/accounts/lookup", r.URL.Path)
		assert.Equal(t, "bob@remote.social", r.URL.Query().Get("acct"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Account{ID: "42", Acct: "bob@remote.social", Bot: true})
	}))

	a, err := c.LookupAccount(context.Background(), "bob@remote.social")
	require.NoError(t, err)
	assert.Equal(t, "42", a.ID)
	assert.True(t, a.Bot)
}

func TestLookupAccountNotFound(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Record not found"}`, http.StatusNotFound)
	}))

	_, err := c.LookupAccount(context.Background(), "gone@remote.social")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFollow(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/accounts/42/follow", r.URL.Path)
		var body map[string]bool
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// bridge follows carry neither boosts nor notifications
		assert.False(t, body["reblogs"])
		assert.False(t, body["notify"])
		w.Write([]byte(`{}`))
	}))

	require.NoError(t, c.Follow(context.Background(), "42"))
}

func TestRelationship(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("id[]"))
		json.NewEncoder(w).Encode([]Relationship{{ID: "42", Following: true, FollowedBy: true}})
	}))

	rel, err := c.Relationship(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, rel.Following)
	assert.True(t, rel.FollowedBy)
	assert.False(t, rel.Requested)
}

func TestRelationshipEmptyResponse(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))

	_, err := c.Relationship(context.Background(), "42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty response")
}

func TestPostStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/statuses", r.URL.Path)
		var body statusParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello @bob@remote.social", body.Status)
		assert.Equal(t, "direct", body.Visibility)
		assert.Equal(t, "st-1", body.InReplyToID)
		assert.Equal(t, "en", body.Language)
		json.NewEncoder(w).Encode(Status{ID: "st-2"})
	}))

	id, err := c.PostStatus(context.Background(), bridge.StatusPost{
		Body: "hello @bob@remote.social", InReplyTo: "st-1", Language: "en",
	})
	require.NoError(t, err)
	assert.Equal(t, "st-2", id)
}

func TestMaxChars(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"configuration":{"statuses":{"max_characters":5000}}}`))
	}))
	n, err := c.MaxChars(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5000, n)

	// older servers advertise max_toot_chars at the top level
	c = testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"max_toot_chars":500}`))
	}))
	n, err = c.MaxChars(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500, n)
}

func TestVerifyCredentials(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/accounts/verify_credentials", r.URL.Path)
		json.NewEncoder(w).Encode(Account{ID: "1", Acct: "xmppbridge", Locked: true})
	}))

	me, err := c.VerifyCredentials(context.Background())
	require.NoError(t, err)
	assert.True(t, me.Locked)
}

func TestDomainBlocks(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/instance/domain_blocks", r.URL.Path)
		w.Write([]byte(`["bad.social", "worse.example"]`))
	}))

	domains, err := c.DomainBlocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bad.social", "worse.example"}, domains)
}

// NodeInfoApp always dials https://<domain>, so the discovery walk is
// exercised through getURL against a local server instead.
func TestNodeInfoDiscovery(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/.well-known/nodeinfo", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"links": []map[string]string{{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": srv.URL + "/nodeinfo/2.0",
			}},
		})
	})
	mux.HandleFunc("/nodeinfo/2.0", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"software":{"name":"pleroma","version":"2.5"}}`))
	})

	c := NewClient("fedi.example.org", "test-token", "xbridge-test")
	ctx := context.Background()

	var index nodeInfoIndex
	require.NoError(t, c.getURL(ctx, srv.URL+"/.well-known/nodeinfo", &index))
	require.NotEmpty(t, index.Links)
	var info nodeInfo
	require.NoError(t, c.getURL(ctx, index.Links[0].Href, &info))
	assert.Equal(t, "Pleroma", capitalize(info.Software.Name))
}

func TestNodeInfoAppUnreachable(t *testing.T) {
	c := NewClient("no-such-host.invalid", "", "xbridge-test")
	assert.Equal(t, "Fediverse", c.NodeInfoApp(context.Background(), "no-such-host.invalid"))
}
