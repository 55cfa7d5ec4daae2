package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/TaskPipe/internal/backend"
	"github.com/BTreeMap/TaskPipe/internal/config"
	"github.com/BTreeMap/TaskPipe/internal/conversation"
	"github.com/BTreeMap/TaskPipe/internal/lockfile"
)

const (
	clarifyBody = `{"success":true,"needs_verification":true,"complete_count":0,"incomplete_count":1,
		"verification_message":"Which client, and what was discussed?"}`
	completeBody = `{"success":true,"message":"Got it, thanks!","has_pending_tasks":false,
		"processed_tasks":[{"id":7,"task":"Client call with ACME","status":"Completed","category":"Sales"}],
		"coaching":"Great follow-through."}`
)

// isolateEnv keeps the developer's environment out of the tests.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"TASKPIPE_CONFIG", "TASKPIPE_TOKEN", "TASKPIPE_BACKEND_URL", "TASKPIPE_STATE_DIR",
		"TASKPIPE_STORE_DSN", "DATABASE_URL", "TASKPIPE_CHANNEL", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "REDIS_ADDR"} {
		t.Setenv(key, "")
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// scriptPrompts answers prompts in order, then reports EOF. It returns the
// titles of the prompts shown.
func scriptPrompts(t *testing.T, answers ...string) *[]string {
	t.Helper()
	var titles []string
	orig := promptInput
	t.Cleanup(func() { promptInput = orig })
	promptInput = func(in io.Reader, out io.Writer, kind promptKind, title string) (string, error) {
		titles = append(titles, title)
		if len(answers) == 0 {
			return "", io.EOF
		}
		answer := answers[0]
		answers = answers[1:]
		return answer, nil
	}
	return &titles
}

type fakeBackend struct {
	*httptest.Server
	hits atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case backend.ProcessUpdatePath:
			fmt.Fprint(w, clarifyBody)
		case backend.ChatPath:
			var req backend.ChatRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			fmt.Fprint(w, completeBody)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fb.Close)
	return fb
}

func TestChatConversation(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	fb := newFakeBackend(t)
	base := []string{"--state-dir", dir, "--backend-url", fb.URL}

	out, err := runCLI(t, append(base, "token", "set", "Bearer tok123")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Token stored.")

	titles := scriptPrompts(t, "talked to client", "ACME, pricing")
	out, err = runCLI(t, append(base, "chat")...)
	require.NoError(t, err)
	assert.Equal(t, []string{promptUpdate, promptReply}, *titles)
	assert.Contains(t, out, "Which client, and what was discussed?")
	assert.Contains(t, out, "Got it, thanks!")
	assert.Contains(t, out, "Processed Tasks (1)")
	assert.Contains(t, out, "Client call with ACME")
	assert.NotContains(t, out, "You: ACME", "user turns are not echoed")

	out, err = runCLI(t, append(base, "session", "show")...)
	require.NoError(t, err)
	assert.Contains(t, out, "State:   COMPLETE")
	assert.Contains(t, out, "Update: talked to client")
	assert.Contains(t, out, "You: ACME, pricing")
	assert.Contains(t, out, "Great follow-through.")

	out, err = runCLI(t, append(base, "session", "list")...)
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETE")

	_, err = runCLI(t, append(base, "session", "reset")...)
	require.NoError(t, err)
	out, err = runCLI(t, append(base, "session", "show")...)
	require.NoError(t, err)
	assert.Contains(t, out, "No session yet")
}

func TestChatResumesClarification(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TASKPIPE_TOKEN", "tok123")
	dir := t.TempDir()
	fb := newFakeBackend(t)
	base := []string{"--state-dir", dir, "--backend-url", fb.URL}

	scriptPrompts(t, "talked to client")
	_, err := runCLI(t, append(base, "chat")...)
	require.NoError(t, err)

	titles := scriptPrompts(t, "ACME")
	out, err := runCLI(t, append(base, "chat")...)
	require.NoError(t, err)
	assert.Equal(t, []string{promptReply}, *titles)
	assert.Contains(t, out, "Resuming your unfinished conversation")
	assert.Contains(t, out, "Update: talked to client\nAssistant: Which client, and what was discussed?")
	assert.Contains(t, out, "Processed Tasks (1)")
}

func TestChatUpdateFlag(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TASKPIPE_TOKEN", "tok123")
	fb := newFakeBackend(t)

	titles := scriptPrompts(t)
	out, err := runCLI(t, "--state-dir", t.TempDir(), "--backend-url", fb.URL, "chat", "-u", "talked to client")
	require.NoError(t, err)
	assert.Equal(t, []string{promptReply}, *titles)
	assert.Contains(t, out, "Which client")
}

func TestChatWithoutTokenExitsAuthExpired(t *testing.T) {
	isolateEnv(t)
	fb := newFakeBackend(t)

	scriptPrompts(t, "talked to client")
	_, err := runCLI(t, "--state-dir", t.TempDir(), "--backend-url", fb.URL, "chat")
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrAuthExpired)
	assert.Equal(t, ExitAuthExpired, exitCode(err))
	assert.Zero(t, fb.hits.Load(), "no request is sent without a token")
}

func TestChatValidationErrorReprompts(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TASKPIPE_TOKEN", "tok123")
	fb := newFakeBackend(t)

	titles := scriptPrompts(t, "   ", "talked to client")
	_, err := runCLI(t, "--state-dir", t.TempDir(), "--backend-url", fb.URL, "chat")
	require.NoError(t, err)
	assert.Equal(t, []string{promptUpdate, promptUpdate, promptReply}, *titles)
	assert.EqualValues(t, 1, fb.hits.Load())
}

func TestTokenStatusAndClear(t *testing.T) {
	isolateEnv(t)
	base := []string{"--state-dir", t.TempDir()}

	_, err := runCLI(t, append(base, "token", "status")...)
	require.Error(t, err)
	assert.Equal(t, ExitAuthExpired, exitCode(err))

	_, err = runCLI(t, append(base, "token", "set", "opaque-token")...)
	require.NoError(t, err)
	out, err := runCLI(t, append(base, "token", "status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Token set.")

	_, err = runCLI(t, append(base, "token", "clear")...)
	require.NoError(t, err)
	_, err = runCLI(t, append(base, "token", "status")...)
	assert.Error(t, err)
}

func TestInvalidConfigExitCode(t *testing.T) {
	isolateEnv(t)
	_, err := runCLI(t, "--state-dir", t.TempDir(), "--backend-url", "not-a-url", "session", "show")
	require.Error(t, err)
	assert.Equal(t, ExitConfig, exitCode(err))

	_, err = runCLI(t, "--state-dir", t.TempDir(), "relay", "--channel", "twilio")
	require.Error(t, err)
	assert.Equal(t, ExitConfig, exitCode(err))

	_, err = runCLI(t, "--state-dir", t.TempDir(), "relay", "--channel", "carrier-pigeon")
	require.Error(t, err)
	assert.Equal(t, ExitConfig, exitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", fmt.Errorf("load: %w", config.ErrInvalidConfig), ExitConfig},
		{"auth", fmt.Errorf("chat: %w", conversation.ErrAuthExpired), ExitAuthExpired},
		{"locked", &lockfile.LockError{LockPath: "/tmp/x"}, ExitLocked},
		{"transport", &conversation.TransportError{Op: backend.OpChat, Err: errors.New("boom")}, ExitUnavailable},
		{"other", errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRootFlagsStateDirMovesDerivedPaths(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = "/old"
	cfg.Finalize()

	f := &rootFlags{stateDir: "/new", timeout: 5 * time.Second}
	cmd := newRootCommand()
	require.NoError(t, cmd.PersistentFlags().Set("state-dir", "/new"))
	require.NoError(t, cmd.PersistentFlags().Set("timeout", "5s"))
	f.apply(cmd.PersistentFlags(), &cfg)

	assert.Equal(t, filepath.Join("/new", config.DefaultStoreFileName), cfg.StoreDSN)
	assert.Equal(t, filepath.Join("/new", config.DefaultWhatsAppDBName), cfg.WhatsApp.DSN)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)

	explicit := config.Default()
	explicit.StoreDSN = "postgres://db/taskpipe"
	explicit.Finalize()
	f.apply(cmd.PersistentFlags(), &explicit)
	assert.Equal(t, "postgres://db/taskpipe", explicit.StoreDSN)
}

func TestWhatsAppDSN(t *testing.T) {
	assert.Equal(t, "file:/s/whatsapp.db?_foreign_keys=on",
		whatsAppDSN(config.WhatsAppConfig{DBDriver: "sqlite3", DSN: "/s/whatsapp.db"}))
	assert.Equal(t, "file:/s/wa.db?_foreign_keys=on",
		whatsAppDSN(config.WhatsAppConfig{DBDriver: "sqlite3", DSN: "file:/s/wa.db?_foreign_keys=on"}))
	assert.Equal(t, "postgres://db/wa",
		whatsAppDSN(config.WhatsAppConfig{DBDriver: "postgres", DSN: "postgres://db/wa"}))
}

func TestIsRelaySession(t *testing.T) {
	assert.True(t, isRelaySession("wa_15551234567"))
	assert.False(t, isRelaySession("user_abc123xyz"))
}
