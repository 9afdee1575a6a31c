package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// --- Fake spawner ---

type spawnCall struct {
	name string
	args []string
}

type fakeSpawner struct {
	nextPID  int
	spawned  []spawnCall
	alive    map[int]bool
	signals  map[int][]syscall.Signal
	spawnErr error
	// ignoreTerm keeps a process alive after SIGTERM.
	ignoreTerm map[int]bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		nextPID:    4000,
		alive:      map[int]bool{},
		signals:    map[int][]syscall.Signal{},
		ignoreTerm: map[int]bool{},
	}
}

func (f *fakeSpawner) Spawn(name string, args []string) (int, error) {
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.nextPID++
	f.spawned = append(f.spawned, spawnCall{name: name, args: args})
	f.alive[f.nextPID] = true
	return f.nextPID, nil
}

func (f *fakeSpawner) Alive(pid int) bool { return f.alive[pid] }

func (f *fakeSpawner) Signal(pid int, sig syscall.Signal) error {
	f.signals[pid] = append(f.signals[pid], sig)
	if sig == syscall.SIGKILL || !f.ignoreTerm[pid] {
		f.alive[pid] = false
	}
	return nil
}

type fakeInbox struct {
	msgs []models.Message
	err  error
}

func (f fakeInbox) Load(ctx context.Context) ([]models.Message, error) { return f.msgs, f.err }

func newTestSupervisor(t *testing.T, sp *fakeSpawner, inbox Inbox) (*Supervisor, *bytes.Buffer, string) {
	t.Helper()
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "slack_bot_pids.json")
	s, err := New(Opts{
		HandleFile:   path,
		Executable:   "/usr/local/bin/sb",
		ExtraArgs:    []string{"--config", "/etc/sb.yaml"},
		Spawner:      sp,
		Inbox:        inbox,
		Out:          &out,
		Grace:        time.Millisecond,
		RestartDelay: time.Millisecond,
		Now:          func() time.Time { return time.Date(2026, 1, 17, 9, 0, 0, 0, time.Local) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, &out, path
}

// --- Tests ---

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{Executable: "sb"}); err == nil {
		t.Error("expected error without handle file")
	}
	if _, err := New(Opts{HandleFile: "x.json"}); err == nil {
		t.Error("expected error without executable")
	}
}

func TestStart_SpawnsBothAndWritesHandles(t *testing.T) {
	sp := newFakeSpawner()
	s, out, path := newTestSupervisor(t, sp, nil)

	h, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.Listener != 4001 || h.Acknowledger != 4002 {
		t.Errorf("handles = %+v", h)
	}
	if len(sp.spawned) != 2 {
		t.Fatalf("spawned = %+v", sp.spawned)
	}
	wantListener := "listen --poll -i 15 --config /etc/sb.yaml"
	if got := strings.Join(sp.spawned[0].args, " "); got != wantListener {
		t.Errorf("listener args = %q, want %q", got, wantListener)
	}
	wantAck := "ack -i 5 --config /etc/sb.yaml"
	if got := strings.Join(sp.spawned[1].args, " "); got != wantAck {
		t.Errorf("acknowledger args = %q, want %q", got, wantAck)
	}
	if sp.spawned[0].name != "/usr/local/bin/sb" {
		t.Errorf("executable = %q", sp.spawned[0].name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("handle file: %v", err)
	}
	for _, want := range []string{`"listener": 4001`, `"acknowledger": 4002`, `"updated_at": "2026-01-17T09:00:00.000000"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("handle file missing %s:\n%s", want, data)
		}
	}
	if !strings.Contains(out.String(), "Started Listener (PID: 4001)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStart_ReplacesHandleFileAtomically(t *testing.T) {
	sp := newFakeSpawner()
	s, _, path := newTestSupervisor(t, sp, nil)
	old := []byte(`{"listener": 1, "acknowledger": 2}`)
	if err := os.WriteFile(path, old, 0644); err != nil {
		t.Fatal(err)
	}
	// A second link to the old file sees it untouched when the new
	// document is renamed into place rather than written over it.
	snapshot := path + ".prev"
	if err := os.Link(path, snapshot); err != nil {
		t.Skipf("hard links unsupported: %v", err)
	}

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got, _ := os.ReadFile(snapshot); string(got) != string(old) {
		t.Errorf("old handle file modified in place: %s", got)
	}
	if got, _ := os.ReadFile(path); !strings.Contains(string(got), `"listener": 4001`) {
		t.Errorf("handle file = %s", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 2 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory = %v, want only the handle file and its link", names)
	}
}

func TestStart_SkipsRunningChild(t *testing.T) {
	sp := newFakeSpawner()
	s, out, _ := newTestSupervisor(t, sp, nil)
	s.Start(context.Background())
	sp.alive[4002] = false // acknowledger crashed

	h, err := s.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.Listener != 4001 {
		t.Errorf("listener restarted: %+v", h)
	}
	if h.Acknowledger != 4003 {
		t.Errorf("acknowledger = %d, want respawn 4003", h.Acknowledger)
	}
	if !strings.Contains(out.String(), "Listener already running") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStart_SpawnError(t *testing.T) {
	sp := newFakeSpawner()
	sp.spawnErr = fmt.Errorf("exec format error")
	s, _, _ := newTestSupervisor(t, sp, nil)
	if _, err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStop_GracefulThenForceful(t *testing.T) {
	sp := newFakeSpawner()
	s, out, path := newTestSupervisor(t, sp, nil)
	s.Start(context.Background())
	sp.ignoreTerm[4002] = true

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := sp.signals[4001]; len(got) != 1 || got[0] != syscall.SIGTERM {
		t.Errorf("listener signals = %v, want [SIGTERM]", got)
	}
	if got := sp.signals[4002]; len(got) != 2 || got[1] != syscall.SIGKILL {
		t.Errorf("acknowledger signals = %v, want SIGTERM then SIGKILL", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("handle file still present: %v", err)
	}
	if !strings.Contains(out.String(), "All services stopped.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStop_NothingRunning(t *testing.T) {
	s, out, _ := newTestSupervisor(t, newFakeSpawner(), nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if strings.Contains(out.String(), "Stopped") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStop_DeadPID(t *testing.T) {
	sp := newFakeSpawner()
	s, out, _ := newTestSupervisor(t, sp, nil)
	s.Start(context.Background())
	sp.alive[4001] = false

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Failed to stop Listener") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRestart(t *testing.T) {
	sp := newFakeSpawner()
	s, _, _ := newTestSupervisor(t, sp, nil)
	s.Start(context.Background())

	h, err := s.Restart(context.Background())
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if h.Listener != 4003 || h.Acknowledger != 4004 {
		t.Errorf("handles = %+v", h)
	}
	if sp.alive[4001] || sp.alive[4002] {
		t.Error("old children still alive")
	}
}

func TestStatus(t *testing.T) {
	sp := newFakeSpawner()
	inbox := fakeInbox{msgs: []models.Message{{ID: 1, Read: true}, {ID: 2}, {ID: 3}}}
	s, _, _ := newTestSupervisor(t, sp, inbox)
	s.Start(context.Background())
	sp.alive[4002] = false

	r, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !r.Listener.Running || r.Listener.PID != 4001 {
		t.Errorf("listener = %+v", r.Listener)
	}
	if r.Acknowledger.Running || r.Acknowledger.PID != 4002 {
		t.Errorf("acknowledger = %+v", r.Acknowledger)
	}
	if r.Total != 3 || r.Unread != 2 {
		t.Errorf("inbox = %d/%d", r.Total, r.Unread)
	}
	if r.UpdatedAt == "" {
		t.Error("UpdatedAt empty")
	}
}

func TestStatus_NoHandleFile(t *testing.T) {
	s, _, _ := newTestSupervisor(t, newFakeSpawner(), fakeInbox{err: fmt.Errorf("boom")})
	r, err := s.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Listener.Running || r.Acknowledger.Running || r.Listener.PID != 0 {
		t.Errorf("report = %+v", r)
	}
	if r.InboxErr == nil {
		t.Error("expected inbox error in report")
	}
}

func TestLoadHandles_Corrupt(t *testing.T) {
	s, _, path := newTestSupervisor(t, newFakeSpawner(), nil)
	os.WriteFile(path, []byte("{bad"), 0644)
	h, err := s.LoadHandles()
	if err != nil {
		t.Fatal(err)
	}
	if h != (Handles{}) {
		t.Errorf("handles = %+v", h)
	}
}

func TestExecSpawner_Alive(t *testing.T) {
	var e ExecSpawner
	if !e.Alive(os.Getpid()) {
		t.Error("own process should be alive")
	}
	if e.Alive(0) || e.Alive(-1) {
		t.Error("non-positive pids should not be alive")
	}
}

func TestExecSpawner_SpawnAndSignal(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	var e ExecSpawner
	pid, err := e.Spawn(sleep, []string{"5"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !e.Alive(pid) {
		t.Error("spawned process not alive")
	}
	if err := e.Signal(pid, syscall.SIGKILL); err != nil {
		t.Errorf("Signal: %v", err)
	}
}
