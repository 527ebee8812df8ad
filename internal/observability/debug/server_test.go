package debug

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "eewbot/pkg/logx"
)

func get(t *testing.T, h http.Handler, path, bearer string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestRoutes(t *testing.T) {
	s := New(Config{}, logx.Nop(), func() any { return map[string]int{"alerts": 2} })
	h := s.Routes()

	code, body := get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, h, "/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"alerts": 2}`, body)

	code, _ = get(t, h, "/debug/pprof/cmdline", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestToken(t *testing.T) {
	h := New(Config{Token: "s3cret"}, logx.Nop(), nil).Routes()

	code, _ := get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/healthz", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/healthz", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/healthz?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestBindCheck(t *testing.T) {
	assert.True(t, IsLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, IsLoopbackAddr("localhost:6060"))
	assert.True(t, IsLoopbackAddr("[::1]:6060"))
	assert.False(t, IsLoopbackAddr(":6060"))
	assert.False(t, IsLoopbackAddr("0.0.0.0:6060"))

	assert.ErrorIs(t, CheckBind(":6060", ""), ErrInsecureBind)
	assert.NoError(t, CheckBind(":6060", "tok"))

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Start(context.Background()), ErrInsecureBind)
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Stop(context.Background()))

	disabled := New(Config{}, logx.Nop(), nil)
	require.NoError(t, disabled.Start(context.Background()))
	assert.Empty(t, disabled.Addr())
}
