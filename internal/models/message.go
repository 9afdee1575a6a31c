package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// systemEventMarkers are text fragments of Slack channel notifications that
// are stored but never acknowledged.
var systemEventMarkers = []string{
	"has joined the channel",
	"has renamed the channel",
}

// Message is one inbound chat message in the inbox. The JSON layout is the
// on-disk inbox document format.
type Message struct {
	ID         int    `json:"id" gorm:"primaryKey;autoIncrement:false"`
	User       string `json:"user" gorm:"size:128"`
	Channel    string `json:"channel" gorm:"size:128"`
	Text       string `json:"text" gorm:"type:text"`
	Timestamp  TS     `json:"timestamp" gorm:"size:32;not null;uniqueIndex"`
	ReceivedAt string `json:"received_at" gorm:"size:40"`
	Read       bool   `json:"read" gorm:"default:false;index"`
	Files      Files  `json:"files,omitempty" gorm:"type:text"`
}

// IsSystemEvent reports whether the message is a join/rename notification.
func (m *Message) IsSystemEvent() bool {
	for _, marker := range systemEventMarkers {
		if strings.Contains(m.Text, marker) {
			return true
		}
	}
	return false
}

// File is a Slack file attached to a Message.
type File struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	Mimetype           string `json:"mimetype"`
	URLPrivate         string `json:"url_private,omitempty"`
	URLPrivateDownload string `json:"url_private_download,omitempty"`
	IsImage            bool   `json:"is_image,omitempty"`
	OriginalW          int    `json:"original_w,omitempty"`
	OriginalH          int    `json:"original_h,omitempty"`
	Downloaded         bool   `json:"downloaded"`
	LocalPath          string `json:"local_path,omitempty"`
	DownloadedAt       string `json:"downloaded_at,omitempty"`
}

// DownloadURL prefers the direct-download URL over the private view URL.
func (f *File) DownloadURL() string {
	if f.URLPrivateDownload != "" {
		return f.URLPrivateDownload
	}
	return f.URLPrivate
}

// Pending reports whether the file still needs downloading.
func (f *File) Pending() bool {
	return !f.Downloaded && f.DownloadURL() != ""
}

// Files is the attachment list of a Message. It is stored as a JSON column by
// the SQL backend.
type Files []File

// Value implements driver.Valuer.
func (f Files) Value() (driver.Value, error) {
	if len(f) == 0 {
		return "", nil
	}
	data, err := json.Marshal([]File(f))
	if err != nil {
		return nil, fmt.Errorf("models: marshal files: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (f *Files) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*f = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("models: scan files: unsupported type %T", src)
	}
	if len(data) == 0 {
		*f = nil
		return nil
	}
	var files []File
	if err := json.Unmarshal(data, &files); err != nil {
		return fmt.Errorf("models: scan files: %w", err)
	}
	*f = files
	return nil
}
