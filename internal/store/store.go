// Package store persists the inbox, the acknowledgment ledger and the sync
// cursor. Two backends implement Store: JSONStore keeps the human-readable
// documents on disk, SQLStore keeps them in a GORM database.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/models"
)

// ErrDuplicate is returned by Append when a message with the same timestamp
// is already stored.
var ErrDuplicate = errors.New("store: duplicate timestamp")

// ErrNotFound is returned when a file or message id does not exist.
var ErrNotFound = errors.New("store: not found")

// ReceivedAtLayout is the local ISO-8601 layout of Message.ReceivedAt.
const ReceivedAtLayout = "2006-01-02T15:04:05.000000"

// Inbox is the durable, ordered record of inbound messages.
type Inbox interface {
	// Load returns all messages in insertion order.
	Load(ctx context.Context) ([]models.Message, error)
	// Save replaces the whole inbox.
	Save(ctx context.Context, msgs []models.Message) error
	// Append stores msg with ID = count+1 and ReceivedAt set if empty.
	// It returns ErrDuplicate if msg.Timestamp is already present.
	Append(ctx context.Context, msg models.Message) (models.Message, error)
	// MarkRead sets read=true on the given ids and returns how many changed.
	MarkRead(ctx context.Context, ids ...int) (int, error)
	// MarkAllRead sets read=true everywhere and returns how many changed.
	MarkAllRead(ctx context.Context) (int, error)
	// Clear truncates the inbox.
	Clear(ctx context.Context) error
	// KnownTimestamps returns the set of all stored timestamps.
	KnownTimestamps(ctx context.Context) (map[models.TS]struct{}, error)
	// MarkFileDownloaded records a successful download of fileID.
	MarkFileDownloaded(ctx context.Context, fileID, localPath string) error
}

// Ledger is the durable set of acknowledged message timestamps.
type Ledger interface {
	LoadAcknowledged(ctx context.Context) (map[models.TS]struct{}, error)
	// SaveAcknowledged records every timestamp in set. Entries already in
	// the ledger are kept; the ledger never shrinks.
	SaveAcknowledged(ctx context.Context, set map[models.TS]struct{}) error
}

// Cursor is the Listener's persisted watermark.
type Cursor interface {
	// LastSync returns the cursor, or the zero TS when never synced.
	LastSync(ctx context.Context) (models.TS, error)
	// SetLastSync stores ts if it sorts after the current cursor and
	// reports whether the cursor moved.
	SetLastSync(ctx context.Context, ts models.TS) (bool, error)
}

// Store bundles the three persisted documents.
type Store interface {
	Inbox
	Ledger
	Cursor
	Close() error
}

// Open returns the backend selected by cfg.Storage.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverJSON:
		return NewJSONStore(JSONOpts{
			InboxPath:  cfg.Path(config.InboxFileName),
			LedgerPath: cfg.Path(config.AckFileName),
			CursorPath: cfg.Path(config.LastSyncFileName),
		})
	case config.DriverSQLite, config.DriverMySQL:
		gormDB, err := db.Connect(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: open: %w", err)
		}
		return NewSQLStore(SQLOpts{DB: gormDB})
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Storage.Driver)
	}
}

// Unread returns the messages with read=false.
func Unread(msgs []models.Message) []models.Message {
	var unread []models.Message
	for _, m := range msgs {
		if !m.Read {
			unread = append(unread, m)
		}
	}
	return unread
}

// CountRead returns the number of messages with read=true.
func CountRead(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Read {
			n++
		}
	}
	return n
}

// prepareAppend fills the insertion-time fields of msg.
func prepareAppend(msg models.Message, count int, now func() time.Time) models.Message {
	msg.ID = count + 1
	if msg.ReceivedAt == "" {
		msg.ReceivedAt = now().Format(ReceivedAtLayout)
	}
	return msg
}

// markFile sets the download fields of fileID across msgs and reports
// whether any file matched.
func markFile(msgs []models.Message, fileID, localPath string, now time.Time) bool {
	found := false
	for i := range msgs {
		for j := range msgs[i].Files {
			f := &msgs[i].Files[j]
			if f.ID != fileID {
				continue
			}
			f.Downloaded = true
			f.LocalPath = localPath
			f.DownloadedAt = now.Format(ReceivedAtLayout)
			found = true
		}
	}
	return found
}
