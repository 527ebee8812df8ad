package logx

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "eewbot/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	to   []kit.ChatTarget
	msgs []string
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to = append(c.to, to)
	c.msgs = append(c.msgs, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(c.msgs)}, nil
}

func (c *captureSender) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestWriterFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "feed"))
	log.Debug("hidden")
	log.Info("poll failed", Int("attempt", 2), Err(errors.New("timeout")), Duration("took", 1500*time.Millisecond))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"comp":"feed"`)
	assert.Contains(t, out, `"attempt":2`)
	assert.Contains(t, out, `"err":"timeout"`)
	assert.Contains(t, out, `"message":"poll failed"`)
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("must not panic")
	assert.False(t, Nop().IsZero())
}

func TestServiceFileAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eewbot.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}}, nil)
	defer svc.Close()

	log.Info("dropped")
	log.Warn("kept")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("after apply")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "dropped")
	assert.Contains(t, string(b), "kept")
	assert.Contains(t, string(b), "after apply")
}

func TestTelegramSink(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "x.log")},
		Telegram: TelegramConfig{
			Enabled: true, ChatID: -100, ThreadID: 4, MinLevel: "warn", RatePerSec: 10,
		},
	}, sender)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("dispatch failing", String("backend", "live"))

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := sender.sent()[0]
	assert.Contains(t, msg, "[WARN] dispatch failing")
	assert.Contains(t, msg, "- backend=live")
	sender.mu.Lock()
	to := sender.to[0]
	sender.mu.Unlock()
	assert.Equal(t, kit.ChatTarget{ChatID: -100, ThreadID: 4}, to)
}

func TestFormatTelegramJSON(t *testing.T) {
	assert.Equal(t, "[ERROR] boom\n- a=1\n- b=x", formatTelegramJSON([]byte(`{"level":"error","message":"boom","time":"t","b":"x","a":1}`)))
	assert.Equal(t, "not json", formatTelegramJSON([]byte("not json\n")))
	assert.Equal(t, "[WARN] fail to edit alert message\n- dest=main\n- id=1130700\n- serial=2\n- a=b",
		formatTelegramJSON([]byte(`{"level":"warn","message":"fail to edit alert message","a":"b","serial":2,"id":"1130700","dest":"main"}`)))

	long := formatTelegramJSON([]byte(`{"level":"error","message":"x","loc":"` + strings.Repeat("花蓮", 400) + `"}`))
	assert.True(t, utf8.ValidString(long), "truncation keeps runes whole")
	assert.Less(t, utf8.RuneCountInString(long), 700)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" WARNING ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.TraceLevel, parseLevel("trace", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud", zerolog.InfoLevel))
}

func TestFileSinkCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nested", "eewbot.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	log.Info("hello")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"caller":"logging_test.go:`)
}
