package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore keeps the inbox, ledger and cursor in a GORM database. The unique
// index on messages.timestamp makes Append idempotent across processes.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// SQLOpts holds parameters for creating a SQLStore.
type SQLOpts struct {
	DB  *gorm.DB         // migrated connection, see db.Connect
	Now func() time.Time // defaults to time.Now
}

// NewSQLStore creates a SQLStore over an open connection.
func NewSQLStore(opts SQLOpts) (*SQLStore, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SQLStore{db: opts.DB, now: now}, nil
}

// Load returns all messages ordered by id.
func (s *SQLStore) Load(ctx context.Context) ([]models.Message, error) {
	var msgs []models.Message
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: load inbox: %w", err)
	}
	return msgs, nil
}

// Save replaces every message row.
func (s *SQLStore) Save(ctx context.Context, msgs []models.Message) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		return tx.CreateInBatches(msgs, 100).Error
	})
	if err != nil {
		return fmt.Errorf("store: save inbox: %w", err)
	}
	return nil
}

// Append inserts msg with the next id.
func (s *SQLStore) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	var stored models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.Message{}).Where("timestamp = ?", msg.Timestamp).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicate, msg.Timestamp)
		}
		var count int64
		if err := tx.Model(&models.Message{}).Count(&count).Error; err != nil {
			return err
		}
		stored = prepareAppend(msg, int(count), s.now)
		return tx.Create(&stored).Error
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return models.Message{}, err
		}
		return models.Message{}, fmt.Errorf("store: append: %w", err)
	}
	return stored, nil
}

// MarkRead sets read=true on the given ids.
func (s *SQLStore) MarkRead(ctx context.Context, ids ...int) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id IN ?", ids).
		Where(map[string]interface{}{"read": false}).
		Update("read", true)
	if result.Error != nil {
		return 0, fmt.Errorf("store: mark read: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// MarkAllRead sets read=true on every unread message.
func (s *SQLStore) MarkAllRead(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).Model(&models.Message{}).
		Where(map[string]interface{}{"read": false}).
		Update("read", true)
	if result.Error != nil {
		return 0, fmt.Errorf("store: mark all read: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// Clear deletes every message.
func (s *SQLStore) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&models.Message{}).Error; err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}

// KnownTimestamps returns every stored timestamp.
func (s *SQLStore) KnownTimestamps(ctx context.Context) (map[models.TS]struct{}, error) {
	var tss []models.TS
	if err := s.db.WithContext(ctx).Model(&models.Message{}).Pluck("timestamp", &tss).Error; err != nil {
		return nil, fmt.Errorf("store: known timestamps: %w", err)
	}
	known := make(map[models.TS]struct{}, len(tss))
	for _, ts := range tss {
		known[ts] = struct{}{}
	}
	return known, nil
}

// MarkFileDownloaded records a download in the message that owns fileID.
func (s *SQLStore) MarkFileDownloaded(ctx context.Context, fileID, localPath string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msgs []models.Message
		if err := tx.Where("files <> ?", "").Find(&msgs).Error; err != nil {
			return err
		}
		if !markFile(msgs, fileID, localPath, s.now()) {
			return fmt.Errorf("%w: file %s", ErrNotFound, fileID)
		}
		for i := range msgs {
			if err := tx.Model(&msgs[i]).Update("files", msgs[i].Files).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("store: mark file downloaded: %w", err)
	}
	return nil
}

// LoadAcknowledged returns the ledger.
func (s *SQLStore) LoadAcknowledged(ctx context.Context) (map[models.TS]struct{}, error) {
	var entries []models.AckEntry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("store: load ledger: %w", err)
	}
	set := make(map[models.TS]struct{}, len(entries))
	for _, e := range entries {
		set[e.Timestamp] = struct{}{}
	}
	return set, nil
}

// SaveAcknowledged inserts any timestamps not yet in the ledger.
func (s *SQLStore) SaveAcknowledged(ctx context.Context, set map[models.TS]struct{}) error {
	if len(set) == 0 {
		return nil
	}
	now := s.now()
	entries := make([]models.AckEntry, 0, len(set))
	for ts := range set {
		entries = append(entries, models.AckEntry{Timestamp: ts, AcknowledgedAt: now})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(entries, 100).Error
	if err != nil {
		return fmt.Errorf("store: save ledger: %w", err)
	}
	return nil
}

// LastSync returns the stored cursor.
func (s *SQLStore) LastSync(ctx context.Context) (models.TS, error) {
	var state models.SyncState
	err := s.db.WithContext(ctx).Where(&models.SyncState{Key: models.SyncStateKey}).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read cursor: %w", err)
	}
	return state.LastSync, nil
}

// SetLastSync advances the cursor row; it never moves backwards and
// rejects tokens that are not Valid.
func (s *SQLStore) SetLastSync(ctx context.Context, ts models.TS) (bool, error) {
	if err := ts.Validate(); err != nil {
		return false, fmt.Errorf("store: set cursor: %w", err)
	}
	moved := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state models.SyncState
		err := tx.Where(&models.SyncState{Key: models.SyncStateKey}).First(&state).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !ts.After(state.LastSync) {
			return nil
		}
		state.Key = models.SyncStateKey
		state.LastSync = ts
		state.UpdatedAt = s.now()
		if err := tx.Save(&state).Error; err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: set cursor: %w", err)
	}
	return moved, nil
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	return db.Close(s.db)
}
