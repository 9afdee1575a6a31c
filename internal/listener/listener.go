// Package listener pulls channel messages into the inbox. Every message is
// persisted before any reaction is sent, and a timestamp is stored at most
// once no matter how often it is fetched.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/slack"
	"github.com/zulandar/signalbox/internal/store"
)

// Default listener settings.
const (
	DefaultInterval     = 10 * time.Second
	DefaultHistoryLimit = 50
	DefaultPollLimit    = 20
	DefaultReaction     = "eyes"

	// heartbeatEvery is how often an idle poll loop logs that it is alive.
	heartbeatEvery = time.Minute
	// previewLen is how much message text is echoed to the log.
	previewLen = 50
)

// Provider is the subset of the chat client the Listener needs.
type Provider interface {
	FetchHistory(ctx context.Context, q slack.HistoryQuery) ([]slack.Event, error)
	AddReaction(ctx context.Context, channel string, ts models.TS, name string) error
	DisplayName(ctx context.Context, userID string) string
	ChannelName(ctx context.Context, channelID string) string
	Socket(ctx context.Context) (<-chan slack.Event, error)
}

// Store is the persistence the Listener writes to.
type Store interface {
	store.Inbox
	store.Cursor
}

// Result summarizes one sync or poll cycle.
type Result struct {
	Fetched int       // events returned by the provider
	Added   int       // messages appended to the inbox
	Skipped int       // bot posts, edits, invalid and already-known timestamps
	Cursor  models.TS // cursor after the cycle
}

// Listener ingests messages from one channel.
type Listener struct {
	provider     Provider
	store        Store
	channel      string
	reaction     string
	interval     time.Duration
	historyLimit int
	pollLimit    int
	syncOnStart  bool
	resync       cron.Schedule
	log          *log.Logger
	now          func() time.Time

	known map[models.TS]struct{}
}

// Opts holds parameters for creating a Listener.
type Opts struct {
	Provider        Provider
	Store           Store
	Channel         string        // channel id to poll
	ReceiptReaction string        // defaults to DefaultReaction
	Interval        time.Duration // defaults to DefaultInterval
	HistoryLimit    int           // defaults to DefaultHistoryLimit
	PollLimit       int           // defaults to DefaultPollLimit
	SyncOnStart     bool          // back-fill history before the first poll
	Resync          cron.Schedule // optional periodic history back-fill
	Logger          *log.Logger
	Now             func() time.Time
}

// New creates a Listener.
func New(opts Opts) (*Listener, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("listener: provider is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("listener: store is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("listener: channel is required")
	}
	l := &Listener{
		provider:     opts.Provider,
		store:        opts.Store,
		channel:      opts.Channel,
		reaction:     opts.ReceiptReaction,
		interval:     opts.Interval,
		historyLimit: opts.HistoryLimit,
		pollLimit:    opts.PollLimit,
		syncOnStart:  opts.SyncOnStart,
		resync:       opts.Resync,
		log:          logging.Or(opts.Logger),
		now:          opts.Now,
	}
	if l.reaction == "" {
		l.reaction = DefaultReaction
	}
	if l.interval <= 0 {
		l.interval = DefaultInterval
	}
	if l.historyLimit <= 0 {
		l.historyLimit = DefaultHistoryLimit
	}
	if l.pollLimit <= 0 {
		l.pollLimit = DefaultPollLimit
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// SyncHistory back-fills the most recent HistoryLimit messages. No receipt
// reaction is sent.
func (l *Listener) SyncHistory(ctx context.Context) (Result, error) {
	l.log.Printf("Syncing history from channel %s...", l.channel)
	events, err := l.provider.FetchHistory(ctx, slack.HistoryQuery{
		Channel: l.channel,
		Limit:   l.historyLimit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("listener: sync history: %w", err)
	}
	l.log.Printf("Fetched %d messages from channel", len(events))

	res, err := l.ingest(ctx, events, ingestOpts{})
	if err != nil {
		return res, err
	}
	l.log.Printf("Sync complete: %d new messages added", res.Added)
	return res, nil
}

// PollOnce fetches messages newer than the cursor, stores the new ones and
// reacts to each with the receipt reaction.
func (l *Listener) PollOnce(ctx context.Context) (Result, error) {
	cursor, err := l.store.LastSync(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listener: poll: %w", err)
	}
	events, err := l.provider.FetchHistory(ctx, slack.HistoryQuery{
		Channel: l.channel,
		Oldest:  cursor,
		Limit:   l.pollLimit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("listener: poll: %w", err)
	}
	return l.ingest(ctx, events, ingestOpts{react: true})
}

// Run polls until ctx is cancelled. A failed cycle is logged and retried
// after the interval; a cycle in progress finishes before Run returns.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Printf("Starting poll mode (every %s) on channel %s", l.interval, l.channel)

	// Cycles run detached from ctx so a shutdown never interrupts a batch.
	work := context.WithoutCancel(ctx)

	if l.syncOnStart {
		l.log.Printf("Syncing channel history to catch missed messages...")
		if res, err := l.SyncHistory(work); err != nil {
			l.log.Printf("[ERROR] Failed to sync history: %v", err)
		} else if res.Added > 0 {
			l.log.Printf("Found %d missed messages", res.Added)
		}
	}

	var nextResync time.Time
	if l.resync != nil {
		nextResync = l.resync.Next(l.now())
	}
	lastBeat := l.now()

	for {
		res, err := l.PollOnce(work)
		switch {
		case err != nil:
			l.log.Printf("[ERROR] Poll failed: %v", err)
		case res.Added > 0:
			l.log.Printf("Found %d new message(s)", res.Added)
		default:
			if now := l.now(); now.Sub(lastBeat) >= heartbeatEvery {
				l.log.Printf("Listening...")
				lastBeat = now
			}
		}

		if l.resync != nil && !l.now().Before(nextResync) {
			if _, err := l.SyncHistory(work); err != nil {
				l.log.Printf("[ERROR] Scheduled resync failed: %v", err)
			}
			nextResync = l.resync.Next(l.now())
		}

		select {
		case <-ctx.Done():
			l.log.Printf("Poll mode stopped.")
			return nil
		case <-time.After(l.interval):
		}
	}
}

// RunSocket ingests pushed message events until ctx is cancelled. Channel
// names are resolved for the stored channel label.
func (l *Listener) RunSocket(ctx context.Context) error {
	events, err := l.provider.Socket(ctx)
	if err != nil {
		return fmt.Errorf("listener: socket: %w", err)
	}
	l.log.Printf("Listening for messages. Press Ctrl+C to stop.")

	work := context.WithoutCancel(ctx)
	for e := range events {
		if _, err := l.ingest(work, []slack.Event{e}, ingestOpts{react: true, resolveChannel: true}); err != nil {
			l.log.Printf("[ERROR] Failed to store message %s: %v", e.TS, err)
		}
	}
	if ctx.Err() != nil {
		l.log.Printf("Listener stopped.")
		return nil
	}
	return fmt.Errorf("listener: socket closed")
}

type ingestOpts struct {
	react          bool // send the receipt reaction after storing
	resolveChannel bool // store the channel name instead of its id
}

// ingest stores each event oldest-first, then advances the cursor to the
// newest handled timestamp. One event's failure never aborts the batch, but
// the cursor stops short of the first event that could not be stored so the
// next poll fetches it again.
func (l *Listener) ingest(ctx context.Context, events []slack.Event, opt ingestOpts) (Result, error) {
	if err := l.loadKnown(ctx); err != nil {
		return Result{}, err
	}

	res := Result{Fetched: len(events)}
	var latest models.TS
	blocked := false
	// advance folds a handled event into the cursor. The cursor tracks the
	// polled channel only.
	advance := func(e slack.Event) {
		if !blocked && (e.Channel == "" || e.Channel == l.channel) {
			latest = models.MaxTS(latest, e.TS)
		}
	}

	for _, e := range events {
		if err := e.TS.Validate(); err != nil {
			l.log.Printf("[ERROR] Skipping message: %v", err)
			res.Skipped++
			continue
		}
		if e.IsBotOrEdit() {
			res.Skipped++
			advance(e)
			continue
		}
		if _, ok := l.known[e.TS]; ok {
			res.Skipped++
			advance(e)
			continue
		}

		added, err := l.persist(ctx, e, opt.resolveChannel, &res)
		if err != nil {
			l.log.Printf("[ERROR] Failed to store message %s: %v", e.TS, err)
			if e.Channel == "" || e.Channel == l.channel {
				blocked = true
			}
			continue
		}
		advance(e)
		if added && opt.react {
			l.react(ctx, e)
		}
	}

	if !latest.IsZero() {
		if _, err := l.store.SetLastSync(ctx, latest); err != nil {
			l.log.Printf("[ERROR] Failed to save cursor: %v", err)
		}
	}
	cursor, err := l.store.LastSync(ctx)
	if err != nil {
		return res, fmt.Errorf("listener: read cursor: %w", err)
	}
	res.Cursor = cursor
	return res, nil
}

// persist appends one event and reports whether it was newly stored. A
// timestamp already in the inbox is not an error.
func (l *Listener) persist(ctx context.Context, e slack.Event, resolveChannel bool, res *Result) (bool, error) {
	msg := models.Message{
		User:      l.provider.DisplayName(ctx, e.User),
		Channel:   "#" + l.channelLabel(ctx, e, resolveChannel),
		Text:      e.Text,
		Timestamp: e.TS,
		Files:     e.Files,
	}
	stored, err := l.store.Append(ctx, msg)
	if errors.Is(err, store.ErrDuplicate) {
		l.known[e.TS] = struct{}{}
		res.Skipped++
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.known[e.TS] = struct{}{}
	res.Added++
	l.log.Printf("New message from %s: %s", stored.User, preview(stored.Text))
	return true, nil
}

// react sends the receipt reaction. Failure is logged only; the message is
// already stored.
func (l *Listener) react(ctx context.Context, e slack.Event) {
	channel := e.Channel
	if channel == "" {
		channel = l.channel
	}
	err := l.provider.AddReaction(ctx, channel, e.TS, l.reaction)
	if err != nil && !slack.IsAlreadyReacted(err) {
		l.log.Printf("Failed to add reaction: %v", err)
	}
}

// channelLabel is the stored channel name: the polled channel id for
// history events, the resolved name for pushed events.
func (l *Listener) channelLabel(ctx context.Context, e slack.Event, resolve bool) string {
	if e.Channel == "" {
		return l.channel
	}
	if resolve {
		return l.provider.ChannelName(ctx, e.Channel)
	}
	return e.Channel
}

// loadKnown builds the known-timestamp set from the inbox once per process.
func (l *Listener) loadKnown(ctx context.Context) error {
	if l.known != nil {
		return nil
	}
	known, err := l.store.KnownTimestamps(ctx)
	if err != nil {
		return fmt.Errorf("listener: load known timestamps: %w", err)
	}
	l.known = known
	return nil
}

// ResetKnown drops the known-timestamp set so the next cycle rebuilds it,
// for use after the inbox is cleared.
func (l *Listener) ResetKnown() { l.known = nil }

func preview(text string) string {
	r := []rune(text)
	if len(r) <= previewLen {
		return text
	}
	return string(r[:previewLen]) + "..."
}
