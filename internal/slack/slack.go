// Package slack is the chat provider client used by the Listener, the
// Acknowledger and the file and notify commands. It wraps the Slack Web API
// for history, reactions and lookups, and Socket Mode for push delivery.
package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/models"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// maxHistoryPages bounds how far an incremental fetch follows the cursor.
	maxHistoryPages = 10
)

// ErrMissingBotToken is returned when no bot token is configured.
var ErrMissingBotToken = errors.New("slack: bot token is required (set SLACK_BOT_TOKEN)")

// ErrMissingAppToken is returned when Socket Mode is requested without an
// app-level token.
var ErrMissingAppToken = errors.New("slack: app token is required for socket mode (set SLACK_APP_TOKEN)")

// alreadyReacted is the Slack error code for a duplicate reaction.
const alreadyReacted = "already_reacted"

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	GetConversationHistoryContext(ctx context.Context, params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
	AddReactionContext(ctx context.Context, name string, item slackapi.ItemRef) error
	GetUserInfoContext(ctx context.Context, user string) (*slackapi.User, error)
	GetConversationInfoContext(ctx context.Context, input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Event is one message delivered by the provider, either from history or
// from a Socket Mode push.
type Event struct {
	Channel string
	User    string
	Text    string
	TS      models.TS
	BotID   string
	SubType string
	Files   models.Files
}

// Message subtypes that never carry a new user message.
const (
	subtypeBotMessage = "bot_message"
	subtypeChanged    = "message_changed"
	subtypeDeleted    = "message_deleted"
)

// IsBotOrEdit reports whether the event was posted by a bot or is an edit or
// delete notice. Other subtypes (channel_join, file_share, thread_broadcast,
// me_message) are real channel messages and are kept.
func (e Event) IsBotOrEdit() bool {
	if e.BotID != "" {
		return true
	}
	switch e.SubType {
	case subtypeBotMessage, subtypeChanged, subtypeDeleted:
		return true
	}
	return false
}

// Client talks to one Slack workspace.
type Client struct {
	api      slackClient
	socket   socketClient
	appToken string
	log      *log.Logger

	mu        sync.Mutex
	botUserID string
	users     map[string]string
	channels  map[string]string

	baseBackoff  time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff   time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect int           // max reconnection attempts (default: maxReconnectAttempts)
}

// Opts holds parameters for creating a Client.
type Opts struct {
	BotToken string      // xoxb-... Slack bot token
	AppToken string      // xapp-... Slack app-level token, Socket Mode only
	Logger   *log.Logger // defaults to the standard logger
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Client. A bot token is required unless a mock client is
// injected.
func New(opts Opts) (*Client, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, ErrMissingBotToken
	}

	c := &Client{
		api:          opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		log:          logging.Or(opts.Logger),
		users:        make(map[string]string),
		channels:     make(map[string]string),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}
	if c.api == nil {
		var apiOpts []slackapi.Option
		if opts.AppToken != "" {
			apiOpts = append(apiOpts, slackapi.OptionAppLevelToken(opts.AppToken))
		}
		api := slackapi.New(opts.BotToken, apiOpts...)
		c.api = api
		if c.socket == nil && opts.AppToken != "" {
			c.socket = &realSocketClient{client: socketmode.New(api)}
		}
	}
	return c, nil
}

// AuthTest verifies the bot token and records the bot's user id.
func (c *Client) AuthTest(ctx context.Context) (string, error) {
	var auth *slackapi.AuthTestResponse
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		auth, apiErr = c.api.AuthTestContext(ctx)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: auth test: %w", err)
	}
	c.mu.Lock()
	c.botUserID = auth.UserID
	c.mu.Unlock()
	return auth.UserID, nil
}

// BotUserID returns the bot's user id (available after AuthTest).
func (c *Client) BotUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.botUserID
}

// HistoryQuery selects messages from conversations.history.
type HistoryQuery struct {
	Channel string
	Oldest  models.TS // exclusive lower bound; zero fetches the most recent page
	Limit   int       // page size
}

// FetchHistory returns channel messages oldest-first. With Oldest set it
// follows the pagination cursor so a burst larger than one page is not lost;
// without it only the most recent page is returned.
func (c *Client) FetchHistory(ctx context.Context, q HistoryQuery) ([]Event, error) {
	var events []Event
	cursor := ""
	for page := 0; page < maxHistoryPages; page++ {
		params := &slackapi.GetConversationHistoryParameters{
			ChannelID: q.Channel,
			Oldest:    q.Oldest.String(),
			Limit:     q.Limit,
			Cursor:    cursor,
		}

		var resp *slackapi.GetConversationHistoryResponse
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			resp, apiErr = c.api.GetConversationHistoryContext(ctx, params)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("slack: conversation history: %w", err)
		}

		for _, m := range resp.Messages {
			events = append(events, eventFromMsg(q.Channel, m.Msg))
		}

		if q.Oldest.IsZero() || !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		cursor = resp.ResponseMetaData.NextCursor
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TS.Compare(events[j].TS) < 0
	})
	return events, nil
}

// AddReaction adds emoji name to the message at ts. Use IsAlreadyReacted to
// recognize the duplicate-reaction failure.
func (c *Client) AddReaction(ctx context.Context, channel string, ts models.TS, name string) error {
	err := retryOnRateLimit(ctx, func() error {
		return c.api.AddReactionContext(ctx, name, slackapi.NewRefToMessage(channel, ts.String()))
	})
	if err != nil {
		return fmt.Errorf("slack: add reaction %s to %s: %w", name, ts, err)
	}
	return nil
}

// IsAlreadyReacted reports whether err is Slack's already_reacted error.
func IsAlreadyReacted(err error) bool {
	return ErrorCode(err) == alreadyReacted
}

// ErrorCode returns the Slack API error code wrapped in err, such as
// "channel_not_found", or "" when err is not a Slack API error.
func ErrorCode(err error) string {
	var slackErr slackapi.SlackErrorResponse
	if errors.As(err, &slackErr) {
		return slackErr.Err
	}
	return ""
}

// DisplayName resolves a user id to real name, then handle, then the id
// itself. Lookups are cached; failures are never returned.
func (c *Client) DisplayName(ctx context.Context, userID string) string {
	if userID == "" {
		return "unknown"
	}
	c.mu.Lock()
	name, ok := c.users[userID]
	c.mu.Unlock()
	if ok {
		return name
	}

	name = userID
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		c.log.Printf("slack: user lookup %s: %v", userID, err)
		return name
	}
	switch {
	case user.RealName != "":
		name = user.RealName
	case user.Name != "":
		name = user.Name
	}

	c.mu.Lock()
	c.users[userID] = name
	c.mu.Unlock()
	return name
}

// ChannelName resolves a channel id to its name, falling back to the id.
func (c *Client) ChannelName(ctx context.Context, channelID string) string {
	if channelID == "" {
		return ""
	}
	c.mu.Lock()
	name, ok := c.channels[channelID]
	c.mu.Unlock()
	if ok {
		return name
	}

	name = channelID
	ch, err := c.api.GetConversationInfoContext(ctx, &slackapi.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		c.log.Printf("slack: channel lookup %s: %v", channelID, err)
		return name
	}
	if ch.Name != "" {
		name = ch.Name
	}

	c.mu.Lock()
	c.channels[channelID] = name
	c.mu.Unlock()
	return name
}

// PostMessage sends text to channel and returns the new message timestamp.
func (c *Client) PostMessage(ctx context.Context, channel, text string) (models.TS, error) {
	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = c.api.PostMessageContext(ctx, channel, slackapi.MsgOptionText(text, false))
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return models.TS(ts), nil
}

// DownloadFile streams the private file at url into w using the bot token.
func (c *Client) DownloadFile(ctx context.Context, url string, w io.Writer) error {
	if err := c.api.GetFileContext(ctx, url, w); err != nil {
		return fmt.Errorf("slack: download file: %w", err)
	}
	return nil
}

// Socket starts Socket Mode and returns a channel of message events. The
// channel is closed when ctx is cancelled or reconnection gives up.
func (c *Client) Socket(ctx context.Context) (<-chan Event, error) {
	if c.socket == nil {
		return nil, ErrMissingAppToken
	}
	out := make(chan Event, 100)
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		c.runWithReconnect(runCtx)
		cancel()
	}()
	go c.pumpEvents(runCtx, out)
	return out, nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error.
func (c *Client) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < c.maxReconnect; attempt++ {
		err := c.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseBackoff
		if wait > c.maxBackoff {
			wait = c.maxBackoff
		}

		c.log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, c.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	c.log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", c.maxReconnect)
}

// pumpEvents reads Socket Mode events and forwards message events to out.
func (c *Client) pumpEvents(ctx context.Context, out chan<- Event) {
	defer close(out)
	events := c.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if e, ok := c.handleSocketEvent(evt); ok {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// handleSocketEvent processes a single Socket Mode event and returns the
// message it carries, if any.
func (c *Client) handleSocketEvent(evt socketmode.Event) (Event, bool) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return Event{}, false
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		return c.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		c.log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		c.log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		c.log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		c.log.Printf("slack: server requested disconnect, will reconnect")
	}
	return Event{}, false
}

// handleEventsAPI converts message callbacks. Self-messages are dropped here;
// bot and edit filtering is left to the caller through IsBotOrEdit.
func (c *Client) handleEventsAPI(event slackevents.EventsAPIEvent) (Event, bool) {
	if event.Type != slackevents.CallbackEvent {
		return Event{}, false
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return Event{}, false
	}
	if bot := c.BotUserID(); bot != "" && ev.User == bot {
		return Event{}, false
	}
	return Event{
		Channel: ev.Channel,
		User:    ev.User,
		Text:    ev.Text,
		TS:      models.TS(ev.TimeStamp),
		BotID:   ev.BotID,
		SubType: ev.SubType,
	}, true
}

// eventFromMsg converts a history message.
func eventFromMsg(channel string, m slackapi.Msg) Event {
	e := Event{
		Channel: channel,
		User:    m.User,
		Text:    m.Text,
		TS:      models.TS(m.Timestamp),
		BotID:   m.BotID,
		SubType: m.SubType,
	}
	for _, f := range m.Files {
		e.Files = append(e.Files, models.File{
			ID:                 f.ID,
			Name:               f.Name,
			Size:               int64(f.Size),
			Mimetype:           f.Mimetype,
			URLPrivate:         f.URLPrivate,
			URLPrivateDownload: f.URLPrivateDownload,
			IsImage:            strings.HasPrefix(f.Mimetype, "image/"),
			OriginalW:          f.OriginalW,
			OriginalH:          f.OriginalH,
		})
	}
	return e
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
