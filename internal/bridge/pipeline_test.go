package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessCommandSkipsDelivery(t *testing.T) {
	c, fedi, chat := newTestCore(t)

	response := c.Process(context.Background(), Dispatch{
		Side: XMPP, Sender: "alice@chat.example.com",
		Body: "!help @bob@remote.social", FromID: "x1", Chat: chat,
	})
	assert.Contains(t, response, "help ")
	assert.Contains(t, response, "nomsg !")
	assert.Empty(t, fedi.posts)
}

func TestProcessLanguageOnly(t *testing.T) {
	c, fedi, chat := newTestCore(t)
	seedUser(t, c, XMPP, "alice@chat.example.com")

	response := c.Process(context.Background(), Dispatch{
		Side: XMPP, Sender: "alice@chat.example.com",
		Body: "!lang=fr", FromID: "x1", Chat: chat,
	})
	assert.Contains(t, response, "fr-langset")
	assert.Empty(t, fedi.posts)
	assert.Empty(t, chat.sent)
}

func TestProcessLanguageWithRecipientStillSends(t *testing.T) {
	c, fedi, chat := newTestCore(t)
	seedUser(t, c, XMPP, "alice@chat.example.com")
	seedUser(t, c, Fedi, "bob@remote.social")

	response := c.Process(context.Background(), Dispatch{
		Side: XMPP, Sender: "alice@chat.example.com",
		Body: "!lang=fr hello @bob@remote.social", FromID: "x1", Chat: chat,
	})
	assert.Contains(t, response, "fr-langset")
	// the delivery answers in the newly chosen language
	assert.Contains(t, response, "fr-oksendfedi")
	require.Len(t, fedi.posts, 1)
}

func TestProcessPlainDelivery(t *testing.T) {
	c, fedi, chat := newTestCore(t)
	seedUser(t, c, XMPP, "alice@chat.example.com")
	seedUser(t, c, Fedi, "bob@remote.social")

	response := c.Process(context.Background(), Dispatch{
		Side: XMPP, Sender: "alice@chat.example.com",
		Body: "hello @bob@remote.social", FromID: "x1", Chat: chat,
	})
	assert.Contains(t, response, "oksendfedi")
	require.Len(t, fedi.posts, 1)
}
