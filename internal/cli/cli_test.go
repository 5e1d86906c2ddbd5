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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// testEnv is a config file pointing at a temp SQLite database.
type testEnv struct {
	config string
	db     string
	rules  string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		config: filepath.Join(dir, "fieldsync.yaml"),
		db:     filepath.Join(dir, "fieldsync.db"),
		rules:  filepath.Join(dir, "rules"),
	}
	require.NoError(t, os.MkdirAll(env.rules, 0o755))
	cfg := fmt.Sprintf(`database:
  driver: sqlite
  dsn: %s
servicetitan:
  tenant_id: t1
rules:
  dir: %s
log:
  level: warn
`, env.db, env.rules)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o644))
	return env
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func (e testEnv) openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(e.db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func (e testEnv) writeRule(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.rules, name), []byte(body), 0o644))
}

const webhookRuleYAML = `id: quote-ping
tenantId: t1
name: Quote ping
trigger:
  type: webhook
steps:
  - order: 1
    type: create_task
    title: Call {{.customer_name}}
`

const loopingRuleYAML = `id: poll-status
tenantId: t1
name: Poll status
trigger:
  type: job_completed
steps:
  - order: 1
    type: wait
    delayMinutes: 30
  - order: 2
    type: condition
    conditionField: status
    conditionOperator: equals
    conditionValue: Paid
    onFalseGoToStep: 0
`

func TestCommandPresence(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "fieldsync", root.Use)
	assert.Equal(t, model.ServiceVersion, root.Version)

	for _, path := range [][]string{
		{"serve"},
		{"sync", "full"},
		{"sync", "incremental"},
		{"sync", "state"},
		{"transform"},
		{"rules", "validate"},
		{"rules", "sync"},
		{"rules", "list"},
		{"runs", "get"},
		{"runs", "cancel"},
		{"customers", "sync"},
	} {
		sub, _, err := root.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	config := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, config)
	assert.Equal(t, "c", config.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "rules", "validate", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestRulesValidate(t *testing.T) {
	env := newTestEnv(t)
	env.writeRule(t, "ping.yaml", webhookRuleYAML)
	env.writeRule(t, "poll.yml", loopingRuleYAML)

	out, err := execute(t, "rules", "validate", env.rules)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All rules valid (2)")
	assert.Contains(t, out, "! poll-status:")

	out, err = execute(t, "--format", "json", "rules", "validate", env.rules)
	require.NoError(t, err)
	var resp struct {
		Status string          `json:"status"`
		Data   RulesValidation `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.ElementsMatch(t, []string{"quote-ping", "poll-status"}, resp.Data.Rules)
	require.Len(t, resp.Data.Warnings, 1)
	assert.Equal(t, "poll-status", resp.Data.Warnings[0].RuleID)
}

func TestRulesValidate_Invalid(t *testing.T) {
	env := newTestEnv(t)
	env.writeRule(t, "bad.yaml", `id: broken
tenantId: t1
trigger:
  type: schedule
  schedule: "every tuesday"
steps:
  - order: 1
    type: create_task
    title: x
`)

	out, err := execute(t, "rules", "validate", env.rules)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trigger.schedule")

	out, err = execute(t, "--format", "json", "rules", "validate", env.rules)
	require.Error(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E_INVALID_RULES", resp.Error.Code)
}

func TestRulesValidate_MissingDir(t *testing.T) {
	_, err := execute(t, "rules", "validate", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRulesSyncAndList(t *testing.T) {
	env := newTestEnv(t)
	env.writeRule(t, "ping.yaml", webhookRuleYAML)
	env.writeRule(t, "poll.yaml", loopingRuleYAML)

	out, err := execute(t, "--config", env.config, "rules", "sync", env.rules)
	require.NoError(t, err)
	assert.Contains(t, out, "2 rule(s) stored")

	require.NoError(t, os.Remove(filepath.Join(env.rules, "poll.yaml")))
	out, err = execute(t, "--config", env.config, "rules", "sync", env.rules)
	require.NoError(t, err)
	assert.Contains(t, out, "archived poll-status")

	out, err = execute(t, "--config", env.config, "--format", "json", "rules", "list", "--tenant", "t1")
	require.NoError(t, err)
	var resp struct {
		Data []model.AutomationRule `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	status := map[string]model.RuleStatus{}
	for _, r := range resp.Data {
		status[r.ID] = r.Status
	}
	assert.Equal(t, map[string]model.RuleStatus{
		"poll-status": model.RuleStatusArchived,
		"quote-ping":  model.RuleStatusActive,
	}, status)
}

func TestSyncState(t *testing.T) {
	env := newTestEnv(t)
	s := env.openStore(t)
	require.NoError(t, s.UpdateSyncState(context.Background(), "t1", "customers", model.SyncTypeFull, 42))

	out, err := execute(t, "--config", env.config, "sync", "state")
	require.NoError(t, err)
	assert.Contains(t, out, "customers")
	assert.Contains(t, out, "42")

	out, err = execute(t, "--config", env.config, "sync", "state", "--tenant", "t2")
	require.NoError(t, err)
	assert.Contains(t, out, "no sync state for tenant t2")
}

func TestSyncFull_UnknownEntity(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("FIELDSYNC_SYNC_ENTITIES", "customers,spaceships")

	_, err := execute(t, "--config", env.config, "sync", "full")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "spaceships")
}

// A page the ERP keeps failing is requested once per configured attempt.
func TestSyncFull_FailingPageUsesConfiguredAttempts(t *testing.T) {
	var calls atomic.Int32
	erp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer erp.Close()

	env := newTestEnv(t)
	cfg := fmt.Sprintf(`database:
  driver: sqlite
  dsn: %s
servicetitan:
  tenant_id: t1
  base_url: %s
sync:
  entities: [customers]
  page_delay: 0s
  retry:
    initial: 1ms
    max: 2ms
log:
  level: error
`, env.db, erp.URL)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o644))

	_, err := execute(t, "--config", env.config, "sync", "full")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, int32(5), calls.Load())
}

func TestRuns(t *testing.T) {
	env := newTestEnv(t)
	s := env.openStore(t)
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateRun(context.Background(), model.ExecutionRun{
		ID:        "run-1",
		RuleID:    "quote-ping",
		TenantID:  "t1",
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
		StepResults: []model.StepResult{
			{Index: 0, Type: model.StepCreateTask, Outcome: model.OutcomeSuccess, Attempts: 1, At: now},
		},
	}))

	out, err := execute(t, "--config", env.config, "runs", "get", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "run run-1 (rule quote-ping, tenant t1): running")
	assert.Contains(t, out, "step 0 create_task")

	out, err = execute(t, "--config", env.config, "runs", "cancel", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "run run-1 cancelled")

	_, err = execute(t, "--config", env.config, "runs", "cancel", "run-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, "--config", env.config, "runs", "get", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCustomersSync(t *testing.T) {
	env := newTestEnv(t)

	_, err := execute(t, "--config", env.config, "customers", "sync", "--direction", "sideways")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := execute(t, "--config", env.config, "customers", "sync", "--direction", "from")
	require.NoError(t, err)
	assert.Contains(t, out, "0 created")
}

func TestTransform_UnknownEntity(t *testing.T) {
	env := newTestEnv(t)
	_, err := execute(t, "--config", env.config, "transform", "spaceships")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "sync", "state")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := newLogger(configLog("warn", "json"), false, buf)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "k", 1)
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])

	buf.Reset()
	log, err = newLogger(configLog("warn", "text"), true, buf)
	require.NoError(t, err)
	log.Debug("verbose wins")
	assert.Contains(t, buf.String(), "verbose wins")

	_, err = newLogger(configLog("loud", "text"), false, buf)
	assert.Error(t, err)
	_, err = newLogger(configLog("info", "xml"), false, buf)
	assert.Error(t, err)
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	err := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "bad flag", assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestOutputFormatter(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Success("done", map[string]int{"n": 1}))
	assert.Equal(t, "done\n", buf.String())

	buf.Reset()
	f.Format = "json"
	require.NoError(t, f.Error("E1", "broken", map[string]string{"file": "a.yaml"}))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "broken", resp.Error.Message)
	assert.Equal(t, map[string]any{"file": "a.yaml"}, resp.Error.Details)
}

func configLog(level, format string) config.LogConfig {
	return config.LogConfig{Level: level, Format: format}
}
