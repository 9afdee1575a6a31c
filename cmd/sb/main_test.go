package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/slack"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/supervisor"
)

// testEnv is a state directory with a config file pointing at it.
type testEnv struct {
	dir     string
	cfgPath string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	t.Setenv("SLACK_BOT_TOKEN", "")
	t.Setenv("SLACK_APP_TOKEN", "")
	t.Setenv("SLACK_CHANNEL_ID", "")
	t.Setenv("SIGNALBOX_STATE_DIR", "")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "signalbox.yaml")
	yaml := "state_dir: " + dir + "\nslack:\n  channel_id: C0TEAM\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	return testEnv{dir: dir, cfgPath: cfgPath}
}

func (e testEnv) store(t *testing.T) *store.JSONStore {
	t.Helper()
	s, err := store.NewJSONStore(store.JSONOpts{
		InboxPath:  filepath.Join(e.dir, config.InboxFileName),
		LedgerPath: filepath.Join(e.dir, config.AckFileName),
		CursorPath: filepath.Join(e.dir, config.LastSyncFileName),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (e testEnv) seed(t *testing.T, msgs ...models.Message) {
	t.Helper()
	s := e.store(t)
	for _, m := range msgs {
		if _, err := s.Append(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
}

func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append(args, "--config", e.cfgPath))
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "sb dev") || !strings.Contains(out, "commit: none") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if out := buf.String(); !strings.Contains(out, "sb 1.0.0 (commit: abc123, built: 2026-01-01)") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"listen", "ack", "start", "stop", "restart", "status", "files", "notify", "serve", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help missing %q", sub)
		}
	}
}

func TestExecute_ExitCodes(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"version"})
	if code := execute(cmd); code != 0 {
		t.Errorf("exit = %d, want 0", code)
	}

	cmd = newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"no-such-command"})
	if code := execute(cmd); code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
}

// --- listen ---

func TestListen_Check(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t,
		models.Message{User: "Dana Scully", Channel: "#C0TEAM", Text: "deploy done?", Timestamp: "100.1"},
		models.Message{User: "Lee", Channel: "#C0TEAM", Text: "read me", Timestamp: "100.2", Read: true},
	)
	out, err := env.run(t, "listen", "--check")
	if err != nil {
		t.Fatalf("listen --check: %v", err)
	}
	for _, want := range []string{"Total messages: 2", "Unread messages: 1", "[1] From: Dana Scully", "Message: deploy done?"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "read me") {
		t.Error("read message listed as unread")
	}
}

func TestListen_CheckEmpty(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "listen", "--check")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No unread messages.") {
		t.Errorf("output = %s", out)
	}
}

func TestListen_MarkReadAndClear(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, models.Message{Text: "a", Timestamp: "1.1"}, models.Message{Text: "b", Timestamp: "1.2"})

	out, err := env.run(t, "listen", "--mark-read")
	if err != nil || !strings.Contains(out, "All messages marked as read.") {
		t.Fatalf("mark-read = %q, %v", out, err)
	}
	msgs, _ := env.store(t).Load(context.Background())
	if store.CountRead(msgs) != 2 {
		t.Errorf("read = %d", store.CountRead(msgs))
	}

	out, err = env.run(t, "listen", "--clear")
	if err != nil || !strings.Contains(out, "Inbox cleared.") {
		t.Fatalf("clear = %q, %v", out, err)
	}
	msgs, _ = env.store(t).Load(context.Background())
	if len(msgs) != 0 {
		t.Errorf("inbox not cleared: %d", len(msgs))
	}
}

func TestListen_MissingTokenFails(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "listen", "--poll", "--once")
	if err == nil || !strings.Contains(err.Error(), "SLACK_BOT_TOKEN") {
		t.Errorf("err = %v", err)
	}
}

func TestListen_ExclusiveFlags(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.run(t, "listen", "--check", "--clear"); err == nil {
		t.Error("expected error for --check with --clear")
	}
}

// --- credentials ---

// fakeSlackAPI answers the Slack calls the listen and ack commands make.
type fakeSlackAPI struct {
	authErr error
}

func (f *fakeSlackAPI) AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slackapi.AuthTestResponse{UserID: "U0BOT"}, nil
}

func (f *fakeSlackAPI) GetConversationHistoryContext(ctx context.Context, params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error) {
	return &slackapi.GetConversationHistoryResponse{}, nil
}

func (f *fakeSlackAPI) AddReactionContext(ctx context.Context, name string, item slackapi.ItemRef) error {
	return nil
}

func (f *fakeSlackAPI) GetUserInfoContext(ctx context.Context, user string) (*slackapi.User, error) {
	return &slackapi.User{ID: user, Name: user}, nil
}

func (f *fakeSlackAPI) GetConversationInfoContext(ctx context.Context, input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error) {
	return &slackapi.Channel{}, nil
}

func (f *fakeSlackAPI) PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	return channelID, "1.0", nil
}

func (f *fakeSlackAPI) GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error {
	return nil
}

// withFakeSlack routes newSlackClient to api for the rest of the test.
func withFakeSlack(t *testing.T, api *fakeSlackAPI) {
	t.Helper()
	orig := newSlackClient
	newSlackClient = func(cfg *config.Config, logger *log.Logger) (*slack.Client, error) {
		return slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, Logger: logger, Client: api})
	}
	t.Cleanup(func() { newSlackClient = orig })
}

func (e testEnv) exitCode(t *testing.T, args ...string) (int, string) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append(args, "--config", e.cfgPath))
	return execute(cmd), buf.String()
}

func TestInvalidTokenIsFatal(t *testing.T) {
	for _, args := range [][]string{
		{"listen", "--poll", "--once"},
		{"listen", "--poll", "--no-sync"},
		{"ack", "--once"},
		{"ack"},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			env := newTestEnv(t)
			t.Setenv("SLACK_BOT_TOKEN", "xoxb-revoked")
			withFakeSlack(t, &fakeSlackAPI{authErr: slackapi.SlackErrorResponse{Err: "invalid_auth"}})

			code, out := env.exitCode(t, args...)
			if code != 1 {
				t.Errorf("exit = %d, want 1", code)
			}
			if !strings.Contains(out, "invalid_auth") {
				t.Errorf("output = %q, want invalid_auth", out)
			}
		})
	}
}

func TestValidTokenRunsOnce(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-good")
	withFakeSlack(t, &fakeSlackAPI{})

	out, err := env.run(t, "listen", "--poll", "--once")
	if err != nil {
		t.Fatalf("listen --once: %v", err)
	}
	if !strings.Contains(out, "Found 0 new message(s)") {
		t.Errorf("output = %q", out)
	}
	out, err = env.run(t, "ack", "--once")
	if err != nil {
		t.Fatalf("ack --once: %v", err)
	}
	if !strings.Contains(out, "Acknowledged 0 message(s)") {
		t.Errorf("output = %q", out)
	}
}

// --- ack ---

func TestAck_Status(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t,
		models.Message{Text: "acked", Timestamp: "2.1", Read: true},
		models.Message{Text: "waiting for the acknowledger", Timestamp: "2.2", Read: true},
		models.Message{Text: "unread", Timestamp: "2.3"},
	)
	env.store(t).SaveAcknowledged(context.Background(), map[models.TS]struct{}{"2.1": {}})

	out, err := env.run(t, "ack", "--status")
	if err != nil {
		t.Fatalf("ack --status: %v", err)
	}
	for _, want := range []string{
		"Total messages in inbox: 3",
		"Read messages: 2",
		"Acknowledged in Slack: 1",
		"Pending acknowledgment: 1",
		"[2] waiting for the acknowledger",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAck_MissingTokenFails(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "ack", "--once")
	if err == nil || !strings.Contains(err.Error(), "SLACK_BOT_TOKEN") {
		t.Errorf("err = %v", err)
	}
}

// --- supervisor ---

type fakeSpawner struct {
	next    int
	alive   map[int]bool
	spawned [][]string
}

func (f *fakeSpawner) Spawn(name string, args []string) (int, error) {
	f.next++
	f.alive[f.next] = true
	f.spawned = append(f.spawned, args)
	return f.next, nil
}

func (f *fakeSpawner) Alive(pid int) bool { return f.alive[pid] }

func (f *fakeSpawner) Signal(pid int, sig syscall.Signal) error {
	f.alive[pid] = false
	return nil
}

func withFakeSpawner(t *testing.T) *fakeSpawner {
	t.Helper()
	sp := &fakeSpawner{next: 700, alive: map[int]bool{}}
	origSpawner, origExe := spawnerFor, executablePath
	spawnerFor = func() supervisor.Spawner { return sp }
	executablePath = func() (string, error) { return "/opt/bin/sb", nil }
	t.Cleanup(func() { spawnerFor, executablePath = origSpawner, origExe })
	return sp
}

func TestStartStatusStop(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, models.Message{Text: "x", Timestamp: "3.1"})
	sp := withFakeSpawner(t)

	out, err := env.run(t, "start")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(out, "Started Listener (PID: 701)") || !strings.Contains(out, "Started Acknowledger (PID: 702)") {
		t.Errorf("start output:\n%s", out)
	}
	if got := strings.Join(sp.spawned[0], " "); got != "listen --poll -i 15 --config "+env.cfgPath {
		t.Errorf("listener args = %q", got)
	}
	if _, err := os.Stat(filepath.Join(env.dir, config.HandleFileName)); err != nil {
		t.Errorf("handle file: %v", err)
	}

	out, err = env.run(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Listener:     RUNNING (PID: 701)", "Acknowledger: RUNNING (PID: 702)", "Inbox: 1 messages (1 unread)"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}

	out, err = env.run(t, "stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(out, "Stopped Listener (PID: 701)") || !strings.Contains(out, "All services stopped.") {
		t.Errorf("stop output:\n%s", out)
	}

	out, _ = env.run(t, "status")
	if !strings.Contains(out, "Listener:     STOPPED (PID: N/A)") {
		t.Errorf("status after stop:\n%s", out)
	}
}

// --- notify ---

func TestNotify_Validation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.run(t, "notify"); err == nil || !strings.Contains(err.Error(), "message required") {
		t.Errorf("err = %v", err)
	}
	if _, err := env.run(t, "notify", "--react"); err == nil || !strings.Contains(err.Error(), "--timestamp") {
		t.Errorf("err = %v", err)
	}
	if _, err := env.run(t, "notify", "hello"); err == nil || !strings.Contains(err.Error(), "SLACK_BOT_TOKEN") {
		t.Errorf("err = %v", err)
	}
}

// --- files ---

func TestFiles_List(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, models.Message{User: "Dana", Text: "see attached", Timestamp: "4.1", Files: models.Files{
		{ID: "F0AACFKB4E4", Name: "diagram.png", Mimetype: "image/png", Size: 2048, URLPrivate: "u", IsImage: true, OriginalW: 800, OriginalH: 600},
	}})
	out, err := env.run(t, "files", "--list")
	if err != nil {
		t.Fatalf("files --list: %v", err)
	}
	for _, want := range []string{"[PENDING] diagram.png", "ID: F0AACFKB4E4", "Size: 2.0 KB", "Dimensions: 800x600", "Total: 1 file(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFiles_Info(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "note.txt")
	os.WriteFile(path, []byte("plain text content"), 0644)

	out, err := env.run(t, "files", "--info", path)
	if err != nil {
		t.Fatalf("files --info: %v", err)
	}
	if !strings.Contains(out, "No metadata file found.") || !strings.Contains(out, "Type: text/plain") {
		t.Errorf("output:\n%s", out)
	}
	if _, err := env.run(t, "files", "--info", filepath.Join(env.dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
