package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waterbender/internal/config"
	"waterbender/internal/scheduler"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := map[string]any{
		"logging":   map[string]any{"level": "warn", "console": false},
		"scheduler": map[string]any{"enabled": true, "timezone": "Asia/Jakarta"},
		"storage":   map[string]any{"driver": "sqlite", "path": filepath.Join(dir, "wb.db")},
		"mqtt":      map[string]any{"broker": "", "topic_prefix": "garden"},
		"http":      map[string]any{"addr": "127.0.0.1:0"},
		"telegram":  map[string]any{"token": "", "owner_user_ids": []int64{}},
		"weather":   map[string]any{"api_key": ""},
		"ai":        map[string]any{"api_key": ""},
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

type notifications struct {
	mu     sync.Mutex
	states []string
}

func (n *notifications) record(s string) {
	n.mu.Lock()
	n.states = append(n.states, s)
	n.mu.Unlock()
}

func (n *notifications) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgm := config.NewManager(writeConfig(t, dir))

	a, err := New(context.Background(), cfgm)
	require.NoError(t, err)
	assert.Nil(t, a.bot)
	assert.Nil(t, a.planner)
	assert.Equal(t, "garden/control", a.topics.Control)

	var n notifications
	a.notify = n.record

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	base := "http://" + a.HTTPAddr()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/api/schedules", "application/json",
		strings.NewReader(`{"type":"daily","datetime":"06:30","duration":10}`))
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), created["active_jobs"])

	// auto-schedule is unavailable without api keys
	resp, err = http.Post(base+"/api/auto-schedule", "application/json", strings.NewReader(`{"soil":20,"rain":0}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Live reload: a new zone reaches the engine and triggers survive.
	prev := cfgm.Get()
	next := *prev
	next.Scheduler.Timezone = "UTC"
	next.Scheduler.Overlap = "skip"
	a.applyConfig(ctx, prev, &next)
	snap := a.sched.Snapshot()
	assert.Equal(t, "UTC", snap.Timezone)
	assert.Equal(t, scheduler.OverlapSkip, snap.Overlap)
	assert.Equal(t, 1, snap.ActiveJobs)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	assert.Equal(t, []string{"READY=1", "STOPPING=1"}, n.all())
	assert.NoError(t, a.Err())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"timezone":"Mars/Olympus"}}`), 0o600))

	_, err := New(context.Background(), config.NewManager(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Mars/Olympus")
}

func TestMappings(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.MQTT.TopicPrefix = "farm"
	cfg.MQTT.QoS = 2
	cfg.Scheduler.Overlap = "serialize"

	st := StoreConfig(cfg)
	assert.Equal(t, "sqlite", st.Driver)
	assert.Equal(t, defaultSQLitePath, st.Path)

	sc, err := mapScheduler(cfg)
	require.NoError(t, err)
	assert.Equal(t, "farm/control", sc.CommandTopic)
	assert.Equal(t, scheduler.OverlapSerialize, sc.Overlap)
	assert.Equal(t, config.DefaultTimezone, sc.Timezone)
	assert.Equal(t, 5*time.Second, sc.ShutdownOffTimeout)

	cfg.Scheduler.CommandTopic = "custom/pump"
	sc, err = mapScheduler(cfg)
	require.NoError(t, err)
	assert.Equal(t, "custom/pump", sc.CommandTopic)

	assert.Equal(t, byte(2), mapMQTT(cfg).QoS)
	assert.Equal(t, 10*time.Second, mapBot(cfg).PollTimeout)
}

func TestReasonFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StopSIGINT, ReasonFor(os.Interrupt))
	assert.Equal(t, StopSIGTERM, ReasonFor(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, ReasonFor(syscall.SIGHUP))
}
