package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eewbot/internal/config"
	"eewbot/internal/observability/debug"
)

type upstream struct {
	mu   sync.Mutex
	body string
}

func (u *upstream) set(body string) {
	u.mu.Lock()
	u.body = body
	u.mu.Unlock()
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	body := u.body
	u.mu.Unlock()
	_, _ = w.Write([]byte(body))
}

const alertJSON = `[{"id":"1130700","author":"CWA","serial":1,"final":0,"eq":{"lat":23.9,"lon":121.6,"depth":20,"loc":"Hualien County","mag":6.1,"time":1700000000000,"max":5},"time":1700000001000}]`

func TestAppPollsAndJournals(t *testing.T) {
	up := &upstream{body: "[]"}
	srv := httptest.NewServer(up)
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	body := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "feed": {"nodes": [%q], "poll_interval": "50ms"},
  "derive": {"workers": 1},
  "journal": {"enabled": true},
  "storage": {"driver": "file", "path": %q},
  "debug": {"enabled": true, "addr": "127.0.0.1:0"}
}`, srv.URL+"/api/v2", filepath.Join(dir, "eewbot"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	a, err := NewApp(cfgPath)
	require.NoError(t, err)
	require.Nil(t, a.tg, "no component needs telegram")
	require.Len(t, a.dispatch.Backends(), 1)

	require.NoError(t, a.Start(context.Background()))

	kinds := func() []string {
		entries, err := a.store.Events(context.Background(), 10)
		if err != nil {
			return nil
		}
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Kind)
		}
		return out
	}

	up.set(alertJSON)
	require.Eventually(t, func() bool { return len(kinds()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"new"}, kinds())
	assert.Equal(t, map[string]int{"1130700": 1}, a.Status().Alerts)

	resp, err := http.Get("http://" + a.dbg.Addr() + "/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, 1, st.Feed.Known)
	assert.Len(t, st.Schedules, 2)

	up.set("[]")
	require.Eventually(t, func() bool { return len(kinds()) == 2 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"lift", "new"}, kinds())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still alive after Stop")
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"feed": {"nodes": []}}`), 0o600))
	_, err := NewApp(cfgPath)
	assert.Error(t, err)
}

func TestMappingDefaults(t *testing.T) {
	cfg := &config.Config{
		Telegram: config.TelegramConfig{GroupLog: -1001},
		Logging:  config.LoggingConfig{Telegram: config.LoggingTelegram{Enabled: true, ThreadID: 7}},
		Feed:     config.FeedConfig{Nodes: []string{"http://x/api/v2"}},
		Push:     config.PushConfig{Targets: []config.PushTarget{{ChatID: 5, ThreadID: 2}}},
	}

	lc := mapLogConfig(cfg)
	assert.Equal(t, int64(-1001), lc.Telegram.ChatID)
	assert.Equal(t, 7, lc.Telegram.ThreadID)
	assert.True(t, needsTelegram(cfg))

	fc, every, err := mapFeedConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, fc.Retry)
	assert.Equal(t, time.Second, every)
	assert.Equal(t, 5*time.Second, fc.RequestTimeout)

	zero := 0
	cfg.Feed.Retry = &zero
	fc, _, err = mapFeedConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, fc.Retry, "an explicit zero disables retries")

	pc, err := mapPushConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, pc.RetryMax)
	assert.Equal(t, 10*time.Minute, pc.DedupWindow)
	require.Len(t, pc.Targets, 1)
	assert.Equal(t, int64(5), pc.Targets[0].ChatID)

	ec, err := mapEngineConfig(cfg)
	require.NoError(t, err)
	assert.Positive(t, ec.Workers)

	_, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestCheckMappingsRejectsBadDurations(t *testing.T) {
	cfg := &config.Config{Live: config.LiveConfig{RefreshInterval: "often"}}
	assert.ErrorContains(t, checkMappings(cfg), "live.refresh_interval")

	cfg = &config.Config{Push: config.PushConfig{DedupWindow: "-1s"}}
	assert.ErrorContains(t, checkMappings(cfg), "push.dedup_window")

	cfg = &config.Config{Debug: config.DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}}
	assert.ErrorIs(t, checkMappings(cfg), debug.ErrInsecureBind)
	cfg.Debug.Token = "tok"
	assert.NoError(t, checkMappings(cfg))
}

func TestDrainLatest(t *testing.T) {
	ch := make(chan *config.Config, 3)
	a, b, c := &config.Config{}, &config.Config{Timezone: "b"}, &config.Config{Timezone: "c"}
	ch <- b
	ch <- c
	assert.Same(t, c, drainLatest(ch, a))
	assert.Same(t, a, drainLatest(ch, a))
}
