package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "eewbot/pkg/logx"
)

func fetch(t *testing.T, url string) []record {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSimulatedAlertLifecycle(t *testing.T) {
	sim := newSimulator(simConfig{
		MinStep: 5 * time.Millisecond,
		MaxStep: 10 * time.Millisecond,
		Linger:  200 * time.Millisecond,
	}, logx.Nop())
	srv := httptest.NewServer(sim.routes())
	defer srv.Close()
	feed := srv.URL + "/api/v2/eq/eew"

	assert.Empty(t, fetch(t, feed))

	resp, err := http.Post(srv.URL+"/post", "text/plain", nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, string(body), "1130700")

	var last record
	require.Eventually(t, func() bool {
		recs := fetch(t, feed)
		if len(recs) != 1 {
			return false
		}
		last = recs[0]
		return last.Final == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "1130700", last.ID)
	assert.Equal(t, 5, last.Serial)
	assert.GreaterOrEqual(t, last.EQ.Depth, 5.0)

	require.Eventually(t, func() bool { return len(fetch(t, feed)) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownRoute(t *testing.T) {
	srv := httptest.NewServer(newSimulator(simConfig{}, logx.Nop()).routes())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/v1/eq/eew")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
