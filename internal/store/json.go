package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"golang.org/x/sys/unix"
)

// JSONStore keeps the inbox and ledger as JSON documents and the cursor as a
// one-line text file. Every read-modify-write runs under an exclusive flock
// on "<document>.lock" and every write is a temp file renamed into place, so
// concurrent processes never lose updates and readers never see torn files.
type JSONStore struct {
	inboxPath  string
	ledgerPath string
	cursorPath string
	now        func() time.Time
}

// JSONOpts holds parameters for creating a JSONStore.
type JSONOpts struct {
	InboxPath  string
	LedgerPath string
	CursorPath string
	Now        func() time.Time // defaults to time.Now
}

// ledgerDoc is the on-disk acknowledgment ledger.
type ledgerDoc struct {
	Acknowledged []models.TS `json:"acknowledged"`
	UpdatedAt    string      `json:"updated_at"`
}

// NewJSONStore creates a JSONStore. The parent directories are created.
func NewJSONStore(opts JSONOpts) (*JSONStore, error) {
	if opts.InboxPath == "" || opts.LedgerPath == "" || opts.CursorPath == "" {
		return nil, fmt.Errorf("store: inbox, ledger and cursor paths are required")
	}
	for _, p := range []string{opts.InboxPath, opts.LedgerPath, opts.CursorPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("store: create directory for %s: %w", p, err)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &JSONStore{
		inboxPath:  opts.InboxPath,
		ledgerPath: opts.LedgerPath,
		cursorPath: opts.CursorPath,
		now:        now,
	}, nil
}

// InboxPath returns the inbox document path.
func (s *JSONStore) InboxPath() string { return s.inboxPath }

// Load returns the inbox. A missing or unparsable document is an empty inbox.
func (s *JSONStore) Load(ctx context.Context) ([]models.Message, error) {
	return s.readInbox()
}

// Save overwrites the inbox document.
func (s *JSONStore) Save(ctx context.Context, msgs []models.Message) error {
	return withLock(s.inboxPath, func() error {
		return s.writeInbox(msgs)
	})
}

// Append adds msg to the inbox under the document lock.
func (s *JSONStore) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	var stored models.Message
	err := s.updateInbox(func(msgs []models.Message) ([]models.Message, bool, error) {
		for _, m := range msgs {
			if m.Timestamp == msg.Timestamp {
				return nil, false, fmt.Errorf("%w: %s", ErrDuplicate, msg.Timestamp)
			}
		}
		stored = prepareAppend(msg, len(msgs), s.now)
		return append(msgs, stored), true, nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return stored, nil
}

// MarkRead sets read=true on the given ids.
func (s *JSONStore) MarkRead(ctx context.Context, ids ...int) (int, error) {
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return s.markRead(func(m *models.Message) bool { return want[m.ID] })
}

// MarkAllRead sets read=true on every message.
func (s *JSONStore) MarkAllRead(ctx context.Context) (int, error) {
	return s.markRead(func(*models.Message) bool { return true })
}

func (s *JSONStore) markRead(match func(*models.Message) bool) (int, error) {
	changed := 0
	err := s.updateInbox(func(msgs []models.Message) ([]models.Message, bool, error) {
		for i := range msgs {
			if !msgs[i].Read && match(&msgs[i]) {
				msgs[i].Read = true
				changed++
			}
		}
		return msgs, changed > 0, nil
	})
	return changed, err
}

// Clear truncates the inbox to an empty array.
func (s *JSONStore) Clear(ctx context.Context) error {
	return s.Save(ctx, []models.Message{})
}

// KnownTimestamps returns every stored timestamp.
func (s *JSONStore) KnownTimestamps(ctx context.Context) (map[models.TS]struct{}, error) {
	msgs, err := s.readInbox()
	if err != nil {
		return nil, err
	}
	known := make(map[models.TS]struct{}, len(msgs))
	for _, m := range msgs {
		if !m.Timestamp.IsZero() {
			known[m.Timestamp] = struct{}{}
		}
	}
	return known, nil
}

// MarkFileDownloaded records a download in the message that owns fileID.
func (s *JSONStore) MarkFileDownloaded(ctx context.Context, fileID, localPath string) error {
	return s.updateInbox(func(msgs []models.Message) ([]models.Message, bool, error) {
		if !markFile(msgs, fileID, localPath, s.now()) {
			return nil, false, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
		}
		return msgs, true, nil
	})
}

// LoadAcknowledged returns the ledger. A missing or unparsable document is an
// empty ledger.
func (s *JSONStore) LoadAcknowledged(ctx context.Context) (map[models.TS]struct{}, error) {
	doc, err := s.readLedger()
	if err != nil {
		return nil, err
	}
	set := make(map[models.TS]struct{}, len(doc.Acknowledged))
	for _, ts := range doc.Acknowledged {
		set[ts] = struct{}{}
	}
	return set, nil
}

// SaveAcknowledged merges set into the ledger document.
func (s *JSONStore) SaveAcknowledged(ctx context.Context, set map[models.TS]struct{}) error {
	return withLock(s.ledgerPath, func() error {
		doc, err := s.readLedger()
		if err != nil {
			return err
		}
		merged := make(map[models.TS]struct{}, len(doc.Acknowledged)+len(set))
		for _, ts := range doc.Acknowledged {
			merged[ts] = struct{}{}
		}
		for ts := range set {
			merged[ts] = struct{}{}
		}

		out := ledgerDoc{
			Acknowledged: make([]models.TS, 0, len(merged)),
			UpdatedAt:    s.now().Format(ReceivedAtLayout),
		}
		for ts := range merged {
			out.Acknowledged = append(out.Acknowledged, ts)
		}
		sort.Slice(out.Acknowledged, func(i, j int) bool {
			return out.Acknowledged[i].Compare(out.Acknowledged[j]) < 0
		})

		data, err := marshalDoc(out)
		if err != nil {
			return fmt.Errorf("store: marshal ledger: %w", err)
		}
		return WriteAtomic(s.ledgerPath, data)
	})
}

// LastSync reads the cursor file.
func (s *JSONStore) LastSync(ctx context.Context) (models.TS, error) {
	data, err := os.ReadFile(s.cursorPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read cursor: %w", err)
	}
	return models.TS(strings.TrimSpace(string(data))), nil
}

// SetLastSync advances the cursor file; it never moves backwards and
// rejects tokens that are not Valid.
func (s *JSONStore) SetLastSync(ctx context.Context, ts models.TS) (bool, error) {
	if err := ts.Validate(); err != nil {
		return false, fmt.Errorf("store: set cursor: %w", err)
	}
	moved := false
	err := withLock(s.cursorPath, func() error {
		current, err := s.LastSync(ctx)
		if err != nil {
			return err
		}
		if !ts.After(current) {
			return nil
		}
		if err := WriteAtomic(s.cursorPath, []byte(ts.String())); err != nil {
			return err
		}
		moved = true
		return nil
	})
	return moved, err
}

// Close is a no-op; JSONStore holds no open handles.
func (s *JSONStore) Close() error { return nil }

// updateInbox runs a read-modify-write of the inbox under its lock. fn
// returns the new inbox and whether it should be written.
func (s *JSONStore) updateInbox(fn func([]models.Message) ([]models.Message, bool, error)) error {
	return withLock(s.inboxPath, func() error {
		msgs, err := s.readInbox()
		if err != nil {
			return err
		}
		updated, write, err := fn(msgs)
		if err != nil || !write {
			return err
		}
		return s.writeInbox(updated)
	})
}

func (s *JSONStore) readInbox() ([]models.Message, error) {
	data, err := os.ReadFile(s.inboxPath)
	if errors.Is(err, fs.ErrNotExist) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read inbox: %w", err)
	}
	var msgs []models.Message
	if err := json.Unmarshal(data, &msgs); err != nil || msgs == nil {
		return []models.Message{}, nil
	}
	return msgs, nil
}

func (s *JSONStore) writeInbox(msgs []models.Message) error {
	if msgs == nil {
		msgs = []models.Message{}
	}
	data, err := marshalDoc(msgs)
	if err != nil {
		return fmt.Errorf("store: marshal inbox: %w", err)
	}
	return WriteAtomic(s.inboxPath, data)
}

func (s *JSONStore) readLedger() (ledgerDoc, error) {
	var doc ledgerDoc
	data, err := os.ReadFile(s.ledgerPath)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("store: read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return ledgerDoc{}, nil
	}
	return doc, nil
}

// marshalDoc encodes v with two-space indentation and without HTML escaping,
// keeping the documents readable.
func marshalDoc(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteAtomic writes data to a temp file in the same directory, syncs it and
// renames it over path, so readers see either the old or the new document.
func WriteAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("store: sync %s: %w", path, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		cleanup()
		return fmt.Errorf("store: chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename %s: %w", path, err)
	}
	return nil
}

// withLock holds an exclusive flock on path+".lock" while fn runs.
func withLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("store: open lock %s: %w", lockPath, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("store: lock %s: %w", lockPath, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}
