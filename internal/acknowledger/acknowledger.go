// Package acknowledger confirms read messages upstream. A message is pending
// when it is read, not in the ledger and not a channel system event; each
// pending message gets the acknowledgment reaction and is then recorded.
package acknowledger

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/store"
)

// Default acknowledger settings.
const (
	DefaultInterval = 5 * time.Second
	DefaultReaction = "white_check_mark"

	heartbeatEvery = time.Minute
	previewLen     = 40
)

// Provider is the subset of the chat client the Acknowledger needs.
type Provider interface {
	AddReaction(ctx context.Context, channel string, ts models.TS, name string) error
}

// Store is the persistence the Acknowledger reads and writes.
type Store interface {
	Load(ctx context.Context) ([]models.Message, error)
	store.Ledger
}

// Status is a snapshot of acknowledgment progress.
type Status struct {
	Total        int
	Read         int
	Acknowledged int
	Pending      []models.Message
}

// Acknowledger reacts to read messages and records them in the ledger.
type Acknowledger struct {
	provider       Provider
	store          Store
	defaultChannel string
	reaction       string
	interval       time.Duration
	watchPath      string
	isAlready      func(error) bool
	log            *log.Logger
	now            func() time.Time
}

// Opts holds parameters for creating an Acknowledger.
type Opts struct {
	Provider       Provider
	Store          Store
	DefaultChannel string        // used when a message has no channel id
	Reaction       string        // defaults to DefaultReaction
	Interval       time.Duration // defaults to DefaultInterval
	// WatchPath, when set, is an inbox document whose changes trigger an
	// immediate cycle in addition to the interval.
	WatchPath string
	// IsAlreadyDone recognizes the provider's duplicate-reaction error.
	IsAlreadyDone func(error) bool
	Logger        *log.Logger
	Now           func() time.Time
}

// New creates an Acknowledger.
func New(opts Opts) (*Acknowledger, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("acknowledger: provider is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("acknowledger: store is required")
	}
	if opts.DefaultChannel == "" {
		return nil, fmt.Errorf("acknowledger: default channel is required")
	}
	a := &Acknowledger{
		provider:       opts.Provider,
		store:          opts.Store,
		defaultChannel: opts.DefaultChannel,
		reaction:       opts.Reaction,
		interval:       opts.Interval,
		watchPath:      opts.WatchPath,
		isAlready:      opts.IsAlreadyDone,
		log:            logging.Or(opts.Logger),
		now:            opts.Now,
	}
	if a.reaction == "" {
		a.reaction = DefaultReaction
	}
	if a.interval <= 0 {
		a.interval = DefaultInterval
	}
	if a.isAlready == nil {
		a.isAlready = func(error) bool { return false }
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Pending returns the messages awaiting acknowledgment.
func (a *Acknowledger) Pending(ctx context.Context) ([]models.Message, error) {
	msgs, acked, err := a.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return pending(msgs, acked), nil
}

func pending(msgs []models.Message, acked map[models.TS]struct{}) []models.Message {
	var out []models.Message
	for _, m := range msgs {
		if !m.Read || m.IsSystemEvent() {
			continue
		}
		if _, ok := acked[m.Timestamp]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Acknowledge reacts to the message at ts. The duplicate-reaction error
// counts as success; any other failure is logged and reported as false.
func (a *Acknowledger) Acknowledge(ctx context.Context, channel string, ts models.TS) bool {
	err := a.provider.AddReaction(ctx, channel, ts, a.reaction)
	if err == nil || a.isAlready(err) {
		return true
	}
	a.log.Printf("[ERROR] Failed to acknowledge %s: %v", ts, err)
	return false
}

// Cycle acknowledges every pending message and saves the ledger once at the
// end. It returns the number newly acknowledged.
func (a *Acknowledger) Cycle(ctx context.Context) (int, error) {
	msgs, acked, err := a.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	todo := pending(msgs, acked)
	if len(todo) == 0 {
		return 0, nil
	}

	done := make(map[models.TS]struct{}, len(todo))
	for _, m := range todo {
		if m.Timestamp.IsZero() {
			continue
		}
		if !a.Acknowledge(ctx, a.ResolveChannel(m.Channel), m.Timestamp) {
			continue
		}
		done[m.Timestamp] = struct{}{}
		a.log.Printf("Acknowledged message %d: %s", m.ID, preview(m.Text))
	}

	if len(done) > 0 {
		if err := a.store.SaveAcknowledged(ctx, done); err != nil {
			return 0, fmt.Errorf("acknowledger: save ledger: %w", err)
		}
	}
	return len(done), nil
}

// Status reports inbox and ledger totals and the pending messages.
func (a *Acknowledger) Status(ctx context.Context) (Status, error) {
	msgs, acked, err := a.snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Total:        len(msgs),
		Read:         store.CountRead(msgs),
		Acknowledged: len(acked),
		Pending:      pending(msgs, acked),
	}, nil
}

// Run cycles until ctx is cancelled. Errors are logged and the loop
// continues; a cycle in progress finishes before Run returns.
func (a *Acknowledger) Run(ctx context.Context) error {
	a.log.Printf("Starting acknowledger (checking every %s)", a.interval)

	wake, stop := a.watch()
	defer stop()

	work := context.WithoutCancel(ctx)
	lastBeat := a.now()
	for {
		n, err := a.Cycle(work)
		switch {
		case err != nil:
			a.log.Printf("[ERROR] Acknowledgment cycle failed: %v", err)
		case n == 0:
			if now := a.now(); now.Sub(lastBeat) >= heartbeatEvery {
				a.log.Printf("Watching for read messages...")
				lastBeat = now
			}
		}

		select {
		case <-ctx.Done():
			a.log.Printf("Acknowledger stopped.")
			return nil
		case <-time.After(a.interval):
		case <-wake:
		}
	}
}

// ResolveChannel maps a stored channel label to a channel id: a leading "#"
// is stripped and anything that is not a channel id falls back to the
// default channel.
func (a *Acknowledger) ResolveChannel(label string) string {
	ch := strings.TrimPrefix(label, "#")
	if ch == "" || !strings.HasPrefix(ch, "C") {
		return a.defaultChannel
	}
	return ch
}

func (a *Acknowledger) snapshot(ctx context.Context) ([]models.Message, map[models.TS]struct{}, error) {
	msgs, err := a.store.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acknowledger: load inbox: %w", err)
	}
	acked, err := a.store.LoadAcknowledged(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acknowledger: load ledger: %w", err)
	}
	return msgs, acked, nil
}

// watch returns a channel that receives after the watched inbox changes.
// Without a watch path, or if the watcher cannot start, the channel never
// fires and the loop falls back to the interval alone.
func (a *Acknowledger) watch() (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	if a.watchPath == "" {
		return wake, func() {}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Printf("[ERROR] Inbox watch disabled: %v", err)
		return wake, func() {}
	}
	// The inbox is replaced by rename, so watch its directory.
	if err := w.Add(filepath.Dir(a.watchPath)); err != nil {
		a.log.Printf("[ERROR] Inbox watch disabled: %v", err)
		w.Close()
		return wake, func() {}
	}

	name := filepath.Clean(a.watchPath)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.log.Printf("[ERROR] Inbox watch: %v", err)
			}
		}
	}()
	return wake, func() { w.Close() }
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= previewLen {
		return text
	}
	return string(r[:previewLen]) + "..."
}
