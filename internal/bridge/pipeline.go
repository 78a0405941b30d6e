package bridge

import "context"

// Process runs the full pipeline on one inbound message: parse, language
// directives, commands, and finally delivery when the message carries no
// command and is not a pure language change. It returns the localized reply
// for the sender, which may be empty.
func (c *Core) Process(ctx context.Context, d Dispatch) string {
	content := c.parser.Parse(d.Side, d.Body)

	langReply, lang, err := c.ProcessLanguage(ctx, d.Side, d.Sender, content.Langs, d.Lang)
	if err != nil {
		c.Log.Error("language processing failed", "user", d.Sender, "error", err)
	}

	cmdReply, lang := c.RunCommand(ctx, d.Side, d.Sender, content, lang, d.Chat)
	response := langReply + cmdReply

	// A bare language directive with no recipients is not a message to
	// forward.
	langOnly := len(content.Langs) > 0 && len(content.Recipients(d.Side)) == 0
	if len(content.Commands) == 0 && !langOnly {
		response += c.Send(ctx, d.Side, d.Sender, content, d.FromID, d.ReplyID, lang, d.Chat)
	}
	return response
}
