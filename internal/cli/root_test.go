package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
	"github.com/agentworkforce/deliverytrack/internal/metrics"
	"github.com/agentworkforce/deliverytrack/internal/tracking"
)

type cliEnv struct {
	dir        string
	configPath string
	keyPath    string
	env        map[string]string
	recorder   *metrics.Recorder
}

func newCLIEnv(t *testing.T, providerURL string) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	e := &cliEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "deliverytrack.yaml"),
		keyPath:    filepath.Join(dir, "keys", "keys.yaml"),
		env:        map[string]string{"CARRIER_A_TOKEN": "secret"},
		recorder:   metrics.NewRecorder(),
	}
	body := fmt.Sprintf(`
store:
  dsn: sqlite://%s
polling:
  initial_delay: 0s
crypto:
  enabled: true
  key_file: %s
  fields:
    - path: to
      mode: encrypt+hash
providers:
  - id: carrier-a
    base_url: %s
    token_env: CARRIER_A_TOKEN
    max_retries: 0
    status_map:
      DELIVRD: delivered
      UNDELIV: failed
`, filepath.Join(dir, "tracking.db"), e.keyPath, providerURL)
	require.NoError(t, os.WriteFile(e.configPath, []byte(body), 0o600))
	_, err := e.run("keys", "init", e.keyPath)
	require.NoError(t, err)
	return e
}

func (e *cliEnv) run(args ...string) (string, error) {
	opts := &RootOptions{
		LogWriter: io.Discard,
		Getenv:    func(name string) string { return e.env[name] },
		Metrics:   e.recorder,
	}
	cmd := newRootCommand(opts, "test")
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeData[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func statusServer(t *testing.T, word string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":%q}`, word)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand("1.2.3")
	assert.Equal(t, "deliverytrack", cmd.Use)
	assert.Equal(t, "1.2.3", cmd.Version)

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"record", "get", "list", "count", "count-by", "poll", "run", "config", "keys"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	for _, flag := range []string{"config", "format", "log-level", "log-format", "verbose"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestRootRejectsInvalidFormat(t *testing.T) {
	cmd := newRootCommand(&RootOptions{LogWriter: io.Discard}, "test")
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--format", "xml", "count"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestUnknownFlagIsCommandError(t *testing.T) {
	cmd := newRootCommand(&RootOptions{LogWriter: io.Discard}, "test")
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"list", "--bogus"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "bad", assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.ErrorIs(t, wrapped, assert.AnError)
}

func TestRecordGetAndQueryEncryptedRecipient(t *testing.T) {
	srv, _ := statusServer(t, "DELIVRD")
	e := newCLIEnv(t, srv.URL)

	out, err := e.run("--format", "json", "record",
		"--id", "msg-1",
		"--tenant", "acme",
		"--provider", "carrier-a",
		"--provider-message-id", "pm-1",
		"--type", "sms",
		"--to", "+15550001111",
		"--metadata", "orderId=o-9",
	)
	require.NoError(t, err, out)
	recorded := decodeData[tracking.TrackingRecord](t, out)
	assert.Equal(t, "msg-1", recorded.MessageID)
	assert.Equal(t, tracking.StatusSent, recorded.Status)

	out, err = e.run("--format", "json", "get", "msg-1")
	require.NoError(t, err, out)
	got := decodeData[tracking.TrackingRecord](t, out)
	assert.Equal(t, "+15550001111", got.To)
	assert.Equal(t, fieldcrypto.StateEncrypted, got.CryptoState)
	assert.Equal(t, "k1", got.CryptoKid)
	assert.Equal(t, "o-9", got.Metadata["orderId"])

	out, err = e.run("--format", "json", "list", "--to", "+15550001111")
	require.NoError(t, err, out)
	listed := decodeData[[]tracking.TrackingRecord](t, out)
	require.Len(t, listed, 1)
	assert.Equal(t, "msg-1", listed[0].MessageID)

	out, err = e.run("--format", "json", "count", "--to", "+15550002222")
	require.NoError(t, err, out)
	assert.Equal(t, map[string]int{"count": 0}, decodeData[map[string]int](t, out))

	out, err = e.run("get", "msg-1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "msg-1")
	assert.Contains(t, out, "SENT")
	assert.Contains(t, out, "encrypted k1")
}

func TestGetMissingRecordIsFailure(t *testing.T) {
	srv, _ := statusServer(t, "DELIVRD")
	e := newCLIEnv(t, srv.URL)
	_, err := e.run("get", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "not found")
}

func TestRecordRequiresProvider(t *testing.T) {
	srv, _ := statusServer(t, "DELIVRD")
	e := newCLIEnv(t, srv.URL)
	_, err := e.run("record", "--to", "+15550001111")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}

func TestListRejectsBadFilters(t *testing.T) {
	srv, _ := statusServer(t, "DELIVRD")
	e := newCLIEnv(t, srv.URL)
	for _, args := range [][]string{
		{"list", "--status", "LOST"},
		{"list", "--since", "yesterday"},
		{"list", "--metadata", "novalue"},
		{"list", "--order", "to"},
		{"count-by", "--by", "tenantId"},
	} {
		_, err := e.run(args...)
		require.Error(t, err, args)
		assert.Equal(t, ExitCommandError, GetExitCode(err), args)
	}
}

func TestPollReconcilesThroughHTTPProvider(t *testing.T) {
	srv, calls := statusServer(t, "DELIVRD")
	e := newCLIEnv(t, srv.URL)

	for i, provider := range []string{"carrier-a", "carrier-a", "carrier-z"} {
		_, err := e.run("record",
			"--id", fmt.Sprintf("msg-%d", i),
			"--provider", provider,
			"--provider-message-id", fmt.Sprintf("pm-%d", i),
			"--type", "sms",
			"--to", "+15550001111",
		)
		require.NoError(t, err)
	}

	e.recorder.Reset()
	out, err := e.run("--format", "json", "poll")
	require.NoError(t, err, out)
	summary := decodeData[pollSummary](t, out)
	assert.Equal(t, 3, summary.Due)
	assert.Equal(t, 3, summary.Updated)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, tracking.CodeProviderNotFound, summary.Errors[0].Code)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, float64(3), e.recorder.Sum(metrics.TrackingPollRecords))

	out, err = e.run("--format", "json", "count-by", "--by", "providerId,status")
	require.NoError(t, err, out)
	groups := decodeData[[]tracking.GroupCount](t, out)
	counts := map[string]int{}
	for _, g := range groups {
		counts[g.Key[tracking.GroupProviderID]+"/"+g.Key[tracking.GroupStatus]] = g.Count
	}
	assert.Equal(t, map[string]int{"carrier-a/DELIVERED": 2, "carrier-z/UNKNOWN": 1}, counts)

	out, err = e.run("count-by", "--by", "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "DELIVERED")
	assert.True(t, strings.HasPrefix(out, "STATUS"), out)
}

func TestConfigInitAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "deliverytrack.yaml")
	run := func(args ...string) (string, error) {
		cmd := newRootCommand(&RootOptions{LogWriter: io.Discard}, "test")
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetErr(out)
		cmd.SetArgs(args)
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run("config", "init", path, "--profile", "local")
	require.NoError(t, err, out)
	assert.Contains(t, out, "wrote "+path)

	_, err = run("config", "init", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = run("--format", "json", "config", "validate", path)
	require.NoError(t, err, out)
	result := decodeData[map[string]any](t, out)
	assert.Equal(t, true, result["valid"])
	assert.Equal(t, "sqlite://.deliverytrack/tracking.db", result["store"])

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("polling:\n  interval: soon\n"), 0o600))
	_, err = run("config", "validate", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = run("config", "validate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deliverytrack.yaml")
	body := "store:\n  dsn: postgres://track:hunter2@db/track\napi:\n  addr: 127.0.0.1:8080\n  jwt_secret: swordfish\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cmd := newRootCommand(&RootOptions{LogWriter: io.Discard}, "test")
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--config", path, "config", "show"})
	require.NoError(t, cmd.Execute())
	assert.NotContains(t, out.String(), "hunter2")
	assert.Contains(t, out.String(), "postgres://track:xxxxx@db/track")
	assert.Contains(t, out.String(), "batch_size: 100")
	assert.NotContains(t, out.String(), "swordfish")
	assert.Contains(t, out.String(), "jwt_secret: xxxxx")
}

func TestKeysInitAndRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	run := func(args ...string) (string, error) {
		cmd := newRootCommand(&RootOptions{LogWriter: io.Discard}, "test")
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetErr(out)
		cmd.SetArgs(args)
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run("keys", "init", path, "--kid", "k1")
	require.NoError(t, err, out)

	_, err = run("keys", "init", path)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = run("keys", "rotate", path, "--kid", "k2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "active kid k2 (was k1)")

	_, err = run("keys", "rotate", path, "--kid", "k2")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "memory:", redactDSN("memory:"))
	assert.Equal(t, "sqlite:///var/lib/t.db", redactDSN("sqlite:///var/lib/t.db"))
	assert.Equal(t, "postgres://u:xxxxx@h/db", redactDSN("postgres://u:pw@h/db"))
	assert.Equal(t, "redis://h:6379/0", redactDSN("redis://h:6379/0"))
}
