package models

import "time"

// SyncStateKey is the key of the Listener's cursor row.
const SyncStateKey = "listener"

// AckEntry is one acknowledged message timestamp in the SQL-backed ledger.
type AckEntry struct {
	Timestamp      TS `gorm:"primaryKey;size:32"`
	AcknowledgedAt time.Time
}

// SyncState holds the sync cursor in the SQL backend.
type SyncState struct {
	Key       string `gorm:"primaryKey;size:32"`
	LastSync  TS     `gorm:"size:32"`
	UpdatedAt time.Time
}
