// Package supervisor starts, stops and reports on the Listener and
// Acknowledger background processes. Process ids are kept in a small JSON
// handle file; liveness is probed with signal 0.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/store"
)

// Roles in the handle file.
const (
	RoleListener     = "listener"
	RoleAcknowledger = "acknowledger"
)

// Default timings.
const (
	DefaultGrace        = 500 * time.Millisecond
	DefaultRestartDelay = time.Second
)

// Handles is the on-disk handle file.
type Handles struct {
	Listener     int    `json:"listener,omitempty"`
	Acknowledger int    `json:"acknowledger,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// Spawner launches and signals detached processes.
type Spawner interface {
	Spawn(name string, args []string) (int, error)
	Alive(pid int) bool
	Signal(pid int, sig syscall.Signal) error
}

// Inbox is the read access Status needs.
type Inbox interface {
	Load(ctx context.Context) ([]models.Message, error)
}

// RoleStatus is the liveness of one child.
type RoleStatus struct {
	PID     int
	Running bool
}

// Report is the result of Status.
type Report struct {
	Listener     RoleStatus
	Acknowledger RoleStatus
	UpdatedAt    string
	Total        int
	Unread       int
	InboxErr     error
}

// Supervisor manages the two background children.
type Supervisor struct {
	handleFile   string
	executable   string
	extraArgs    []string
	spawner      Spawner
	inbox        Inbox
	out          io.Writer
	grace        time.Duration
	restartDelay time.Duration
	now          func() time.Time
}

// Opts holds parameters for creating a Supervisor.
type Opts struct {
	HandleFile   string   // path of the JSON handle file
	Executable   string   // binary to re-exec for the children
	ExtraArgs    []string // appended to each child's arguments, e.g. --config
	Spawner      Spawner  // defaults to ExecSpawner
	Inbox        Inbox    // optional, for unread counts in Status
	Out          io.Writer
	Grace        time.Duration // SIGTERM to SIGKILL delay; defaults to DefaultGrace
	RestartDelay time.Duration // pause between stop and start; defaults to DefaultRestartDelay
	Now          func() time.Time
}

// New creates a Supervisor.
func New(opts Opts) (*Supervisor, error) {
	if opts.HandleFile == "" {
		return nil, fmt.Errorf("supervisor: handle file is required")
	}
	if opts.Executable == "" {
		return nil, fmt.Errorf("supervisor: executable is required")
	}
	s := &Supervisor{
		handleFile:   opts.HandleFile,
		executable:   opts.Executable,
		extraArgs:    opts.ExtraArgs,
		spawner:      opts.Spawner,
		inbox:        opts.Inbox,
		out:          opts.Out,
		grace:        opts.Grace,
		restartDelay: opts.RestartDelay,
		now:          opts.Now,
	}
	if s.spawner == nil {
		s.spawner = ExecSpawner{}
	}
	if s.out == nil {
		s.out = io.Discard
	}
	if s.grace <= 0 {
		s.grace = DefaultGrace
	}
	if s.restartDelay <= 0 {
		s.restartDelay = DefaultRestartDelay
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// child describes one managed process.
type child struct {
	role  string
	label string
	args  []string
	pid   *int
}

func (s *Supervisor) children(h *Handles) []child {
	return []child{
		{RoleListener, "Listener", []string{"listen", "--poll", "-i", "15"}, &h.Listener},
		{RoleAcknowledger, "Acknowledger", []string{"ack", "-i", "5"}, &h.Acknowledger},
	}
}

// Start launches both children detached from the terminal and records their
// pids. A child that is already running is left alone.
func (s *Supervisor) Start(ctx context.Context) (Handles, error) {
	fmt.Fprintln(s.out, "Starting Slack bot services...")
	h, err := s.LoadHandles()
	if err != nil {
		return Handles{}, err
	}

	var errs []error
	for _, c := range s.children(&h) {
		if *c.pid > 0 && s.spawner.Alive(*c.pid) {
			fmt.Fprintf(s.out, "  %s already running (PID: %d)\n", c.label, *c.pid)
			continue
		}
		args := append(append([]string{}, c.args...), s.extraArgs...)
		pid, err := s.spawner.Spawn(s.executable, args)
		if err != nil {
			*c.pid = 0
			errs = append(errs, fmt.Errorf("supervisor: start %s: %w", c.role, err))
			fmt.Fprintf(s.out, "  Failed to start %s: %v\n", c.label, err)
			continue
		}
		*c.pid = pid
		fmt.Fprintf(s.out, "  Started %s (PID: %d)\n", c.label, pid)
	}

	if err := s.saveHandles(&h); err != nil {
		return h, err
	}
	if len(errs) > 0 {
		return h, errors.Join(errs...)
	}
	fmt.Fprintln(s.out, "\nBoth services started. Use 'sb status' to check.")
	return h, nil
}

// Stop terminates both children, SIGTERM first and SIGKILL after the grace
// period, then removes the handle file.
func (s *Supervisor) Stop(ctx context.Context) error {
	fmt.Fprintln(s.out, "Stopping Slack bot services...")
	h, err := s.LoadHandles()
	if err != nil {
		return err
	}
	for _, c := range s.children(&h) {
		if *c.pid <= 0 {
			continue
		}
		if err := s.stop(ctx, *c.pid); err != nil {
			fmt.Fprintf(s.out, "  Failed to stop %s: %v\n", c.label, err)
			continue
		}
		fmt.Fprintf(s.out, "  Stopped %s (PID: %d)\n", c.label, *c.pid)
	}
	if err := os.Remove(s.handleFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("supervisor: remove handle file: %w", err)
	}
	fmt.Fprintln(s.out, "\nAll services stopped.")
	return nil
}

func (s *Supervisor) stop(ctx context.Context, pid int) error {
	if !s.spawner.Alive(pid) {
		return fmt.Errorf("process %d is not running", pid)
	}
	if err := s.spawner.Signal(pid, syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.grace):
	}
	if s.spawner.Alive(pid) {
		return s.spawner.Signal(pid, syscall.SIGKILL)
	}
	return nil
}

// Restart stops both children, waits briefly and starts them again.
func (s *Supervisor) Restart(ctx context.Context) (Handles, error) {
	if err := s.Stop(ctx); err != nil {
		return Handles{}, err
	}
	select {
	case <-ctx.Done():
		return Handles{}, ctx.Err()
	case <-time.After(s.restartDelay):
	}
	return s.Start(ctx)
}

// Status probes both children and counts unread inbox messages.
func (s *Supervisor) Status(ctx context.Context) (Report, error) {
	h, err := s.LoadHandles()
	if err != nil {
		return Report{}, err
	}
	r := Report{
		Listener:     RoleStatus{PID: h.Listener, Running: h.Listener > 0 && s.spawner.Alive(h.Listener)},
		Acknowledger: RoleStatus{PID: h.Acknowledger, Running: h.Acknowledger > 0 && s.spawner.Alive(h.Acknowledger)},
		UpdatedAt:    h.UpdatedAt,
	}
	if s.inbox != nil {
		msgs, err := s.inbox.Load(ctx)
		if err != nil {
			r.InboxErr = err
		} else {
			r.Total = len(msgs)
			r.Unread = len(store.Unread(msgs))
		}
	}
	return r, nil
}

// LoadHandles reads the handle file. A missing or unparsable file yields
// empty handles.
func (s *Supervisor) LoadHandles() (Handles, error) {
	var h Handles
	data, err := os.ReadFile(s.handleFile)
	if errors.Is(err, fs.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return h, fmt.Errorf("supervisor: read handle file: %w", err)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return Handles{}, nil
	}
	return h, nil
}

func (s *Supervisor) saveHandles(h *Handles) error {
	h.UpdatedAt = s.now().Format(store.ReceivedAtLayout)
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("supervisor: marshal handles: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.handleFile), 0755); err != nil {
		return fmt.Errorf("supervisor: create directory: %w", err)
	}
	if err := store.WriteAtomic(s.handleFile, append(data, '\n')); err != nil {
		return fmt.Errorf("supervisor: write handle file: %w", err)
	}
	return nil
}
