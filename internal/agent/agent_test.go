package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/chronos/am"
	chronostest "github.com/teranos/chronos/internal/testing"
	"github.com/teranos/chronos/pulse/async"
	"github.com/teranos/chronos/pulse/clock"
	"github.com/teranos/chronos/pulse/jobs"
)

const tickYAML = `
jobs:
  - name: tick
    type: script
    code: echo hi
    schedule: "* * * * *"
`

const tickAndTockYAML = `
jobs:
  - name: tick
    type: script
    code: echo hi
    schedule: "* * * * *"
  - name: tock
    type: script
    code: echo ho
    parent: tick
`

func testConfig(t *testing.T, defs string) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)

	cfg.Agent.SchedulerInterval = 20 * time.Millisecond
	cfg.Agent.ExecutorInterval = 20 * time.Millisecond
	cfg.Agent.StopTimeout = 2 * time.Second
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Definitions.Paths = []string{defs}
	cfg.Definitions.CacheDir = t.TempDir()
	return cfg
}

func writeDefs(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func succeeded(a *Agent, name string) int {
	count := 0
	for _, run := range a.Executor().Runs(async.ViewSucceeded, nil, 0) {
		if run.JobName == name {
			count++
		}
	}
	return count
}

func TestAgent_RunsScheduledJob(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script payloads need /bin/sh")
	}

	defs := filepath.Join(t.TempDir(), "jobs.yaml")
	writeDefs(t, defs, tickYAML)
	cfg := testConfig(t, defs)

	clk := clock.NewManual(time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC))
	a, err := New(cfg, chronostest.CreateTestDB(t), Options{Clock: clk}, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	require.Eventually(t, func() bool {
		return succeeded(a, "tick") == 1
	}, 5*time.Second, 20*time.Millisecond)

	// One admission per minute while the clock stands still
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, succeeded(a, "tick"))

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return succeeded(a, "tick") == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NotNil(t, a.Server())
	resp, err := http.Get("http://" + a.Server().Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
}

func TestAgent_WatchResyncsDefinitions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script payloads need /bin/sh")
	}

	defs := filepath.Join(t.TempDir(), "jobs.yaml")
	writeDefs(t, defs, tickYAML)
	cfg := testConfig(t, defs)
	cfg.Definitions.Watch = true

	clk := clock.NewManual(time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC))
	a, err := New(cfg, chronostest.CreateTestDB(t), Options{Clock: clk, NoServer: true}, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Nil(t, a.Server())

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	writeDefs(t, defs, tickAndTockYAML)

	var tock *jobs.Spec
	require.Eventually(t, func() bool {
		spec, lookupErr := a.Store().GetSpecByName(context.Background(), "tock")
		tock = spec
		return lookupErr == nil
	}, 5*time.Second, 50*time.Millisecond)
	require.NotNil(t, tock.ParentID)

	// The child runs after its parent's next success
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return succeeded(a, "tock") >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAgent_StartFailsOnMissingDefinitions(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.yaml"))

	a, err := New(cfg, chronostest.CreateTestDB(t), Options{NoServer: true}, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Error(t, a.Start(context.Background()))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Definitions.Paths = nil
	cfg.Script.Shell = `/bin/sh -c "`

	_, err := New(cfg, chronostest.CreateTestDB(t), Options{NoServer: true}, zap.NewNop().Sugar())
	assert.Error(t, err)
}
