package slackconn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/h1v3-io/orbit/internal/card"
	"github.com/h1v3-io/orbit/internal/connector"
	"github.com/h1v3-io/orbit/internal/dialogue"
	"github.com/h1v3-io/orbit/internal/directory"
)

// Channel is the name stored in conversation references.
const Channel = "slack"

// Config holds Slack connector configuration.
type Config struct {
	BotToken string   `json:"bot_token"` // xoxb-... Bot User OAuth Token
	AppToken string   `json:"app_token"` // xapp-... App-Level Token (for Socket Mode)
	Channels []string `json:"channels,omitempty"` // Optional: only respond in these channels (empty = all)
}

// api is the part of *slack.Client the connector calls.
type api interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

// Connector implements connector.Connector for Slack via Socket Mode.
type Connector struct {
	api       api
	socket    *socketmode.Client
	config    Config
	handler   connector.TurnHandler
	directory connector.Directory
	users     *lru.Cache[string, slackProfile]
	logger    *slog.Logger
	botID     string
}

// New creates a new Slack connector.
func New(cfg Config, handler connector.TurnHandler, dir connector.Directory, logger *slog.Logger) (*Connector, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: app_token is required (Socket Mode)")
	}

	if logger == nil {
		logger = slog.Default()
	}

	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))

	// Test auth and get bot user ID
	authResp, err := client.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	logger.Info("slack bot authorized", "user", authResp.User, "team", authResp.Team)

	c, err := newConnector(client, cfg, handler, dir, logger)
	if err != nil {
		return nil, err
	}
	c.socket = socketmode.New(client)
	c.botID = authResp.UserID
	return c, nil
}

func newConnector(a api, cfg Config, handler connector.TurnHandler, dir connector.Directory, logger *slog.Logger) (*Connector, error) {
	users, err := lru.New[string, slackProfile](1024)
	if err != nil {
		return nil, fmt.Errorf("slack: user cache: %w", err)
	}
	return &Connector{
		api:       a,
		config:    cfg,
		handler:   handler,
		directory: dir,
		users:     users,
		logger:    logger,
	}, nil
}

func (c *Connector) Name() string { return Channel }

// Start begins listening for events via Socket Mode. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	go c.handleEvents(ctx)

	c.logger.Info("slack connector started (socket mode)")
	return c.socket.RunContext(ctx)
}

// Notify posts a card into a stored conversation.
func (c *Connector) Notify(ctx context.Context, ref directory.Reference, cd card.Card) error {
	conv := &conversation{c: c, channel: ref.ConversationID}
	_, err := conv.Send(ctx, dialogue.CardMessage(cd))
	return err
}

func (c *Connector) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.socket.Events:
			switch event.Type {
			case socketmode.EventTypeEventsAPI:
				c.handleEventsAPI(ctx, event)
			case socketmode.EventTypeInteractive:
				c.handleInteractive(ctx, event)
			}
		}
	}
}

func (c *Connector) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	eventsAPIEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}

	c.socket.Ack(*event.Request)

	switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		c.handleMessage(ctx, ev)
	case *slackevents.AppMentionEvent:
		c.handleMention(ctx, ev)
	}
}

func (c *Connector) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	// Ignore bot messages (including our own)
	if ev.BotID != "" || ev.User == "" || ev.User == c.botID {
		return
	}
	// Ignore edits, deletes and the like; file shares carry attachments.
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}
	if !c.isAllowedChannel(ev.Channel) {
		return
	}

	var files []dialogue.Attachment
	if ev.Message != nil {
		files = attachments(ev.Message.Files)
	}
	if ev.Text == "" && len(files) == 0 {
		return
	}

	c.dispatch(ctx, inbound{
		channel: ev.Channel,
		thread:  ev.ThreadTimeStamp,
		user:    ev.User,
		ts:      ev.TimeStamp,
		text:    StripMention(ev.Text, c.botID),
		files:   files,
	})
}

// attachments keeps the files that can be downloaded with the bot token.
func attachments(in []slack.File) []dialogue.Attachment {
	var out []dialogue.Attachment
	for _, f := range in {
		u := f.URLPrivateDownload
		if u == "" {
			u = f.URLPrivate
		}
		if u != "" {
			out = append(out, dialogue.Attachment{Name: f.Name, ContentType: f.Mimetype, URL: u})
		}
	}
	return out
}

func (c *Connector) handleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	if ev.User == c.botID {
		return
	}
	text := StripMention(ev.Text, c.botID)
	if text == "" {
		return
	}
	c.dispatch(ctx, inbound{
		channel: ev.Channel,
		thread:  ev.ThreadTimeStamp,
		user:    ev.User,
		ts:      ev.TimeStamp,
		text:    text,
	})
}

func (c *Connector) handleInteractive(ctx context.Context, event socketmode.Event) {
	cb, ok := event.Data.(slack.InteractionCallback)
	if !ok {
		return
	}
	c.socket.Ack(*event.Request)

	if in, ok := fromBlockAction(cb); ok {
		c.dispatch(ctx, in)
	}
}

// fromBlockAction turns a button press into an inbound card action.
func fromBlockAction(cb slack.InteractionCallback) (inbound, bool) {
	if cb.Type != slack.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return inbound{}, false
	}
	a := cb.ActionCallback.BlockActions[0]
	if a.Value == "" {
		return inbound{}, false
	}
	return inbound{
		channel: cb.Channel.ID,
		thread:  cb.Container.ThreadTs,
		user:    cb.User.ID,
		ts:      cb.Container.MessageTs,
		replyTo: cb.Container.MessageTs,
		value:   []byte(a.Value),
	}, true
}

type inbound struct {
	channel string
	thread  string
	user    string
	ts      string
	replyTo string
	text    string
	value   []byte
	files   []dialogue.Attachment
}

func (c *Connector) dispatch(ctx context.Context, in inbound) {
	profile := c.profile(ctx, in.user)
	if profile.Email != "" && c.directory != nil {
		ref := directory.Reference{Channel: Channel, ConversationID: in.channel, UserID: in.user, Locale: profile.locale}
		if err := c.directory.Save(ctx, profile.Email, ref); err != nil {
			c.logger.Warn("directory save failed", "error", err)
		}
	}

	key := in.channel
	if in.thread != "" {
		key += ":" + in.thread
	}
	turn := dialogue.Turn{
		ConversationKey: Channel + ":" + key,
		ActivityID:      in.ts,
		ReplyToID:       in.replyTo,
		Text:            in.text,
		Locale:          profile.locale,
		From:            profile.Profile,
		Value:           in.value,
		Attachments:     in.files,
	}
	conv := &conversation{c: c, channel: in.channel, thread: in.thread}
	if err := c.handler.HandleTurn(ctx, turn, conv); err != nil {
		c.logger.Error("slack turn failed",
			"channel", in.channel,
			"user", in.user,
			"error", err,
		)
	}
}

type slackProfile struct {
	dialogue.Profile
	locale string
}

func (c *Connector) profile(ctx context.Context, userID string) slackProfile {
	if p, ok := c.users.Get(userID); ok {
		return p
	}
	u, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		c.logger.Warn("slack user lookup failed", "user", userID, "error", err)
		return slackProfile{Profile: dialogue.Profile{ID: userID}}
	}
	name := u.RealName
	if name == "" {
		name = u.Name
	}
	p := slackProfile{
		Profile: dialogue.Profile{ID: userID, Name: name, Email: u.Profile.Email},
		locale:  u.Locale,
	}
	c.users.Add(userID, p)
	return p
}

func (c *Connector) isAllowedChannel(channel string) bool {
	if len(c.config.Channels) == 0 {
		return true
	}
	for _, ch := range c.config.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// conversation is the Responder for one Slack channel or thread.
type conversation struct {
	c       *Connector
	channel string
	thread  string
}

func (cv *conversation) options(m dialogue.Message) []slack.MsgOption {
	var opts []slack.MsgOption
	if m.Card != nil {
		opts = append(opts,
			slack.MsgOptionText(MarkdownToMrkdwn(m.Card.PlainText()), false),
			slack.MsgOptionBlocks(renderBlocks(*m.Card)...))
	} else {
		opts = append(opts, slack.MsgOptionText(MarkdownToMrkdwn(m.Text), false))
	}
	return opts
}

// Typing is a no-op; bots cannot show a typing indicator over the Web API.
func (cv *conversation) Typing(context.Context) error { return nil }

func (cv *conversation) Send(ctx context.Context, m dialogue.Message) (string, error) {
	opts := cv.options(m)
	if cv.thread != "" {
		opts = append(opts, slack.MsgOptionTS(cv.thread))
	}
	_, ts, err := cv.c.api.PostMessageContext(ctx, cv.channel, opts...)
	if err != nil {
		return "", fmt.Errorf("slack: send message: %w", err)
	}
	return ts, nil
}

func (cv *conversation) Update(ctx context.Context, id string, m dialogue.Message) error {
	if _, _, _, err := cv.c.api.UpdateMessageContext(ctx, cv.channel, id, cv.options(m)...); err != nil {
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

func (cv *conversation) Download(ctx context.Context, url string) ([]byte, error) {
	var buf bytes.Buffer
	if err := cv.c.api.GetFileContext(ctx, url, &buf); err != nil {
		return nil, fmt.Errorf("slack: download: %w", err)
	}
	return buf.Bytes(), nil
}

// renderBlocks converts a card into Block Kit. Submit buttons carry the
// encoded payload as their value.
func renderBlocks(cd card.Card) []slack.Block {
	var blocks []slack.Block
	for _, t := range cd.Texts {
		blocks = append(blocks, textBlock(t))
	}
	for i, s := range cd.Sections {
		blocks = append(blocks, slack.NewDividerBlock())
		for _, t := range s.Texts {
			blocks = append(blocks, textBlock(t))
		}
		if b := actionBlock(fmt.Sprintf("section_%d", i), s.Actions); b != nil {
			blocks = append(blocks, b)
		}
	}
	if b := actionBlock("actions", cd.Actions); b != nil {
		blocks = append(blocks, b)
	}
	return blocks
}

func textBlock(t card.Text) slack.Block {
	text := MarkdownToMrkdwn(t.Text)
	switch {
	case t.Weight == card.Heading:
		return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, t.Text, true, false))
	case t.Subtle:
		return slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
	case t.Weight == card.Bold:
		text = "*" + text + "*"
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func actionBlock(id string, actions []card.Action) *slack.ActionBlock {
	var elems []slack.BlockElement
	for i, a := range actions {
		label := slack.NewTextBlockObject(slack.PlainTextType, a.Title, true, false)
		actionID := fmt.Sprintf("%s_%d", id, i)
		if a.Payload == nil {
			btn := slack.NewButtonBlockElement(actionID, "", label)
			btn.URL = a.URL
			elems = append(elems, btn)
			continue
		}
		value, err := card.Encode(a.Payload)
		if err != nil {
			continue
		}
		elems = append(elems, slack.NewButtonBlockElement(actionID, string(value), label))
	}
	if len(elems) == 0 {
		return nil
	}
	return slack.NewActionBlock(id, elems...)
}

// StripMention removes the <@BOTID> mention from message text.
func StripMention(text, botID string) string {
	mention := fmt.Sprintf("<@%s>", botID)
	text = strings.Replace(text, mention, "", 1)
	return strings.TrimSpace(text)
}

// MarkdownToMrkdwn converts standard Markdown to Slack's mrkdwn format.
func MarkdownToMrkdwn(md string) string {
	result := md

	// Convert emphasis markers in a single pass
	result = convertEmphasis(result)
	// Convert strikethrough: ~~text~~ → ~text~
	result = strings.ReplaceAll(result, "~~", "~")
	// Convert links: [text](url) → <url|text>
	result = convertLinks(result)

	return result
}

// convertEmphasis handles both bold (**text** → *text*) and italic (*text* → _text_)
// in a single pass, correctly distinguishing between the two.
func convertEmphasis(s string) string {
	var b strings.Builder
	inCode := false
	i := 0
	for i < len(s) {
		ch := s[i]
		if ch == '`' {
			inCode = !inCode
			b.WriteByte(ch)
			i++
		} else if ch == '*' && !inCode {
			if i+1 < len(s) && s[i+1] == '*' {
				// Bold: ** → * (Slack bold)
				b.WriteByte('*')
				i += 2
			} else {
				// Italic: * → _ (Slack italic)
				b.WriteByte('_')
				i++
			}
		} else {
			b.WriteByte(ch)
			i++
		}
	}
	return b.String()
}

// convertLinks converts [text](url) to <url|text>.
func convertLinks(s string) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == '[' {
			closeB := strings.Index(s[i:], "](")
			if closeB == -1 {
				b.WriteByte(s[i])
				i++
				continue
			}
			closeB += i
			closeP := strings.Index(s[closeB:], ")")
			if closeP == -1 {
				b.WriteByte(s[i])
				i++
				continue
			}
			closeP += closeB

			text := s[i+1 : closeB]
			url := s[closeB+2 : closeP]
			fmt.Fprintf(&b, "<%s|%s>", url, text)
			i = closeP + 1
		} else {
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}
