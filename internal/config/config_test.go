package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "eewbot/pkg/logx"
)

const sampleJSON = `{
  "telegram": {"token": "123:abc"},
  "logging": {"level": "info", "console": true},
  "feed": {"nodes": ["https://api-1.exptech.dev/api/v2"], "retry": 2},
  "live": {"enabled": true, "destinations": [{"chat_id": -100, "mention": "@here"}]},
  "journal": {"enabled": true},
  "storage": {"driver": "file", "path": "./data/eewbot"}
}`

const sampleYAML = `
telegram:
  token: "123:abc"
logging:
  level: debug
feed:
  nodes: ["http://127.0.0.1:8000/api/v2"]
  poll_interval: 500ms
push:
  enabled: true
  on_lift: true
  targets:
    - chat_id: 42
      thread_id: 3
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadJSON(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, []string{"https://api-1.exptech.dev/api/v2"}, cfg.Feed.Nodes)
	require.NotNil(t, cfg.Feed.Retry)
	assert.Equal(t, 2, *cfg.Feed.Retry)
	assert.Equal(t, "@here", cfg.Live.Destinations[0].Mention)
	assert.Equal(t, "file", cfg.Storage.Driver)
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "500ms", cfg.Feed.PollInterval)
	assert.True(t, cfg.Push.OnLift)
	assert.Equal(t, []PushTarget{{ChatID: 42, ThreadID: 3}}, cfg.Push.Targets)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", `{"feed": {"nodes": ["http://x"], "interval": "1s"}}`))
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")

	m = NewConfigManager(writeFile(t, "config.json", `{} {}`))
	_, err = m.Parse()
	assert.Error(t, err)
}

func TestEnvTokenOverride(t *testing.T) {
	t.Setenv(EnvToken, "999:env")
	m := NewConfigManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "999:env", cfg.Telegram.Token)
}

func TestValidate(t *testing.T) {
	retry := -1
	cfg := &Config{
		Feed:    FeedConfig{Nodes: []string{"ftp://nope"}, Retry: &retry, PollInterval: "soon"},
		Live:    LiveConfig{Enabled: true},
		Push:    PushConfig{Enabled: true, PersistDedup: true},
		Journal: JournalConfig{Enabled: true},
		Storage: &StorageConfig{Driver: "mongo"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"feed.nodes[0]", "feed.retry", "feed.poll_interval", "telegram.token",
		"live.destinations", "push.targets", "storage.driver", "journal.enabled", "push.persist_dedup",
	} {
		assert.Contains(t, msg, want)
	}

	ok := &Config{Feed: FeedConfig{Nodes: []string{"http://127.0.0.1:8000/api/v2"}}}
	assert.NoError(t, ok.Validate())
}

func TestLocation(t *testing.T) {
	c := &Config{Timezone: "Not/AZone"}
	_, off := time.Date(2024, 1, 1, 0, 0, 0, 0, c.Location()).Zone()
	assert.Equal(t, 8*3600, off)
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "secret-old"}, Logging: LoggingConfig{Level: "info"}}
	b := &Config{Telegram: TelegramConfig{Token: "secret-new"}, Logging: LoggingConfig{Level: "debug"},
		Storage: &StorageConfig{Driver: "sqlite", Path: "x.db"}}

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"telegram", "logging", "storage"}, changed)
	assert.Equal(t, []string{"telegram", "storage"}, RestartRequired(changed))
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	assert.Contains(t, buf.String(), `"telegram.token_changed":true`)
	assert.NotContains(t, buf.String(), "secret")

	changed, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, changed)
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "config.json", sampleJSON)
	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	updated := `{"feed": {"nodes": ["http://127.0.0.1:9000/api/v2"]}, "logging": {"level": "debug"}}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}

	// an invalid file is not committed
	require.NoError(t, os.WriteFile(path, []byte(`{"feed": {"nodes": []}}`), 0o600))
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}
