// Package files downloads Slack attachments referenced by the inbox to a
// local directory, one file plus a ".meta.json" sidecar per download, so
// large attachments never have to be read through the inbox itself.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/store"
)

// DefaultMaxBytes is the default download size cap (10 MB).
const DefaultMaxBytes = 10 << 20

// nameLayout prefixes every saved file name.
const nameLayout = "20060102_150405"

// MetaSuffix is appended to a downloaded file's path for its sidecar.
const MetaSuffix = ".meta.json"

var (
	// ErrTooLarge is returned when a file exceeds the size cap.
	ErrTooLarge = errors.New("files: file too large")
	// ErrNoURL is returned for attachments without a download URL.
	ErrNoURL = errors.New("files: no download URL available")
	// ErrHTML is returned when Slack answers with a web page instead of the
	// file, which happens when the bot lacks the files:read scope.
	ErrHTML = errors.New("files: got HTML instead of file, bot may need 'files:read' scope")
)

// Provider streams a private file.
type Provider interface {
	DownloadFile(ctx context.Context, url string, w io.Writer) error
}

// Store is the inbox access the Downloader needs.
type Store interface {
	Load(ctx context.Context) ([]models.Message, error)
	MarkFileDownloaded(ctx context.Context, fileID, localPath string) error
}

// Item is an attachment together with the message that carried it.
type Item struct {
	File       models.File
	MessageID  int
	MessageTS  models.TS
	From       string
	ReceivedAt string
}

// Metadata is the sidecar written next to every download.
type Metadata struct {
	OriginalName       string      `json:"original_name"`
	FileID             string      `json:"file_id"`
	Mimetype           string      `json:"mimetype"`
	Size               int64       `json:"size"`
	DownloadedAt       string      `json:"downloaded_at"`
	SlackURL           string      `json:"slack_url"`
	OriginalDimensions *Dimensions `json:"original_dimensions,omitempty"`
}

// Dimensions are image width and height in pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// All returns every attachment in msgs in inbox order.
func All(msgs []models.Message) []Item {
	var items []Item
	for _, m := range msgs {
		for _, f := range m.Files {
			items = append(items, Item{
				File:       f,
				MessageID:  m.ID,
				MessageTS:  m.Timestamp,
				From:       m.User,
				ReceivedAt: m.ReceivedAt,
			})
		}
	}
	return items
}

// Pending returns the downloadable attachments that have not been saved yet.
func Pending(msgs []models.Message) []Item {
	var items []Item
	for _, it := range All(msgs) {
		if it.File.Pending() {
			items = append(items, it)
		}
	}
	return items
}

// Downloader saves attachments to Dir and records them in the inbox.
type Downloader struct {
	provider Provider
	store    Store
	dir      string
	maxBytes int64
	log      *log.Logger
	now      func() time.Time
}

// Opts holds parameters for creating a Downloader.
type Opts struct {
	Provider Provider
	Store    Store
	Dir      string // download directory, created on demand
	MaxBytes int64  // defaults to DefaultMaxBytes
	Logger   *log.Logger
	Now      func() time.Time
}

// New creates a Downloader.
func New(opts Opts) (*Downloader, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("files: provider is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("files: store is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("files: download directory is required")
	}
	d := &Downloader{
		provider: opts.Provider,
		store:    opts.Store,
		dir:      opts.Dir,
		maxBytes: opts.MaxBytes,
		log:      logging.Or(opts.Logger),
		now:      opts.Now,
	}
	if d.maxBytes <= 0 {
		d.maxBytes = DefaultMaxBytes
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Download saves f and its sidecar and returns the local path. It does not
// touch the inbox; see DownloadAll and DownloadByID.
func (d *Downloader) Download(ctx context.Context, f models.File) (string, error) {
	url := f.DownloadURL()
	if url == "" {
		return "", ErrNoURL
	}
	if f.Size > d.maxBytes {
		return "", fmt.Errorf("%w (%.1fMB > %.0fMB limit)", ErrTooLarge, mb(f.Size), mb(d.maxBytes))
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", fmt.Errorf("files: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("files: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := &capWriter{w: tmp, max: d.maxBytes}
	dlErr := d.provider.DownloadFile(ctx, url, w)
	closeErr := tmp.Close()
	switch {
	case w.exceeded:
		return "", fmt.Errorf("%w (over %.0fMB limit)", ErrTooLarge, mb(d.maxBytes))
	case dlErr != nil:
		return "", fmt.Errorf("files: download %s: %w", f.ID, dlErr)
	case closeErr != nil:
		return "", fmt.Errorf("files: write %s: %w", f.ID, closeErr)
	}

	mt, err := mimetype.DetectFile(tmpName)
	if err != nil {
		return "", fmt.Errorf("files: detect type: %w", err)
	}
	if mt.Is("text/html") {
		return "", ErrHTML
	}

	now := d.now()
	path := d.localPath(f, now)
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("files: save %s: %w", path, err)
	}

	meta := Metadata{
		OriginalName: displayName(f),
		FileID:       f.ID,
		Mimetype:     f.Mimetype,
		Size:         w.n,
		DownloadedAt: now.Format(store.ReceivedAtLayout),
		SlackURL:     url,
	}
	if f.IsImage {
		meta.OriginalDimensions = &Dimensions{Width: f.OriginalW, Height: f.OriginalH}
	}
	if err := writeMeta(path+MetaSuffix, meta); err != nil {
		return path, err
	}
	return path, nil
}

// DownloadAll downloads every pending attachment, marking each success in
// the inbox. A failure is logged and does not stop the others. It returns
// the number saved and the number attempted.
func (d *Downloader) DownloadAll(ctx context.Context) (int, int, error) {
	msgs, err := d.store.Load(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("files: load inbox: %w", err)
	}
	pending := Pending(msgs)
	saved := 0
	for _, it := range pending {
		if err := ctx.Err(); err != nil {
			return saved, len(pending), err
		}
		if _, err := d.fetch(ctx, it.File); err == nil {
			saved++
		}
	}
	return saved, len(pending), nil
}

// DownloadByID downloads the attachment with the given Slack file id,
// whether or not it was downloaded before.
func (d *Downloader) DownloadByID(ctx context.Context, fileID string) (string, error) {
	msgs, err := d.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("files: load inbox: %w", err)
	}
	for _, it := range All(msgs) {
		if it.File.ID != fileID {
			continue
		}
		return d.fetch(ctx, it.File)
	}
	return "", fmt.Errorf("files: file %s: %w", fileID, store.ErrNotFound)
}

func (d *Downloader) fetch(ctx context.Context, f models.File) (string, error) {
	d.log.Printf("Downloading: %s", displayName(f))
	path, err := d.Download(ctx, f)
	if err != nil {
		d.log.Printf("  FAILED: %v", err)
		return "", err
	}
	if err := d.store.MarkFileDownloaded(ctx, f.ID, path); err != nil {
		d.log.Printf("  FAILED: %v", err)
		return "", fmt.Errorf("files: mark %s downloaded: %w", f.ID, err)
	}
	d.log.Printf("  Saved to: %s", path)
	return path, nil
}

// localPath returns a fresh destination for f in the download directory.
func (d *Downloader) localPath(f models.File, now time.Time) string {
	base := now.Format(nameLayout) + "_" + SafeName(displayName(f))
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	path := filepath.Join(d.dir, base)
	for i := 1; ; i++ {
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(d.dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}
}

// SafeName replaces every character other than letters, digits, '.', '-'
// and '_' with '_'.
func SafeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func displayName(f models.File) string {
	if f.Name != "" {
		return f.Name
	}
	return "file_" + f.ID
}

func writeMeta(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("files: marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("files: write metadata: %w", err)
	}
	return nil
}

// LocalInfo describes a downloaded file on disk.
type LocalInfo struct {
	Path       string
	Size       int64
	Type       string
	Dimensions *Dimensions
	Meta       *Metadata // nil when there is no sidecar
}

// Info inspects a downloaded file and its sidecar.
func Info(path string) (*LocalInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("files: stat %s: %w", path, err)
	}
	info := &LocalInfo{Path: path, Size: st.Size(), Type: "unknown"}

	if mt, err := mimetype.DetectFile(path); err == nil {
		info.Type = mt.String()
		if strings.HasPrefix(mt.String(), "image/") {
			info.Dimensions = imageDimensions(path)
		}
	}

	data, err := os.ReadFile(path + MetaSuffix)
	if err == nil {
		var meta Metadata
		if json.Unmarshal(data, &meta) == nil {
			info.Meta = &meta
		}
	}
	return info, nil
}

func imageDimensions(path string) *Dimensions {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil
	}
	return &Dimensions{Width: cfg.Width, Height: cfg.Height}
}

func mb(n int64) float64 { return float64(n) / (1 << 20) }

// capWriter fails once more than max bytes have been written.
type capWriter struct {
	w        io.Writer
	max      int64
	n        int64
	exceeded bool
}

func (c *capWriter) Write(p []byte) (int, error) {
	if c.n+int64(len(p)) > c.max {
		c.exceeded = true
		return 0, ErrTooLarge
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
