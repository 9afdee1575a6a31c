// Package logging builds the per-process loggers: wall-clock prefixed lines
// written to stdout and to a size-rotated log file.
package logging

import (
	"bytes"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TimeLayout is the wall-clock prefix of every log line.
const TimeLayout = "2006-01-02 15:04:05"

// Opts configures New.
type Opts struct {
	Path   string           // rotating log file; empty disables file output
	Out    io.Writer        // console writer; defaults to os.Stdout
	Rotate config.LogConfig // rotation limits
	Now    func() time.Time // clock; defaults to time.Now
}

// New returns a logger writing "[YYYY-MM-DD HH:MM:SS] message" lines to Out
// and, when Path is set, to a lumberjack-rotated file. The returned closer
// releases the file.
func New(opts Opts) (*log.Logger, io.Closer) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	var closer io.Closer = nopCloser{}
	if opts.Path != "" {
		file := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.Rotate.MaxSizeMB,
			MaxBackups: opts.Rotate.MaxBackups,
			MaxAge:     opts.Rotate.MaxAgeDays,
		}
		out = io.MultiWriter(out, file)
		closer = file
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return log.New(&stampWriter{w: out, now: now}, "", 0), closer
}

// stampWriter prefixes every line with the bracketed wall-clock time.
type stampWriter struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func (s *stampWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := "[" + s.now().Format(TimeLayout) + "] "
	var buf bytes.Buffer
	for _, line := range bytes.SplitAfter(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		buf.WriteString(stamp)
		buf.Write(line)
	}
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Or returns l, or the standard logger when l is nil.
func Or(l *log.Logger) *log.Logger {
	if l == nil {
		return log.Default()
	}
	return l
}
