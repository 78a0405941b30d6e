package fedi

import "time"

// API payload subsets for the Mastodon client API. Only the fields the
// bridge reads are declared.

// Account is a Fediverse account.
type Account struct {
	ID     string `json:"id"`
	Acct   string `json:"acct"`
	Note   string `json:"note"`
	Bot    bool   `json:"bot"`
	Group  bool   `json:"group"`
	Locked bool   `json:"locked"`
}

// Relationship is the follow state between the bridge account and another.
type Relationship struct {
	ID          string `json:"id"`
	Following   bool   `json:"following"`
	Requested   bool   `json:"requested"`
	FollowedBy  bool   `json:"followed_by"`
	RequestedBy bool   `json:"requested_by"`
}

// MediaAttachment is one attachment on a status.
type MediaAttachment struct {
	URL       string `json:"url"`
	RemoteURL string `json:"remote_url"`
}

// Poll marks a status carrying a poll.
type Poll struct {
	ID string `json:"id"`
}

// Status is a Fediverse post.
type Status struct {
	ID               string            `json:"id"`
	URI              string            `json:"uri"`
	URL              string            `json:"url"`
	Account          Account           `json:"account"`
	Content          string            `json:"content"`
	SpoilerText      string            `json:"spoiler_text"`
	Sensitive        bool              `json:"sensitive"`
	Visibility       string            `json:"visibility"`
	Language         string            `json:"language"`
	CreatedAt        time.Time         `json:"created_at"`
	InReplyToID      string            `json:"in_reply_to_id"`
	MediaAttachments []MediaAttachment `json:"media_attachments"`
	Poll             *Poll             `json:"poll"`
}

// Notification is one event from the user notification stream.
type Notification struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Account Account `json:"account"`
	Status  *Status `json:"status"`
}

// statusParams is the body of a status post.
type statusParams struct {
	Status      string `json:"status"`
	InReplyToID string `json:"in_reply_to_id,omitempty"`
	Visibility  string `json:"visibility"`
	Language    string `json:"language,omitempty"`
}

// followParams disables boosts and notifications for bridge follows.
type followParams struct {
	Reblogs bool `json:"reblogs"`
	Notify  bool `json:"notify"`
}

// instanceInfo carries the server-side posting limits.
type instanceInfo struct {
	Configuration struct {
		Statuses struct {
			MaxCharacters int `json:"max_characters"`
		} `json:"statuses"`
	} `json:"configuration"`
	MaxTootChars int `json:"max_toot_chars"`
}

// nodeInfoIndex is the well-known nodeinfo discovery document.
type nodeInfoIndex struct {
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

// nodeInfo is the nodeinfo document itself.
type nodeInfo struct {
	Software struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
}
