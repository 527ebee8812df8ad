package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"eewbot/internal/eew"
	"eewbot/internal/eventbus"
	logx "eewbot/pkg/logx"
)

const maxBody = 4 << 20

var ErrNoNodes = errors.New("feed: no API nodes configured")

type Config struct {
	// Nodes are API base URLs (".../api/v2"); a failed attempt rotates to the next.
	Nodes          []string
	Type           string
	Retry          int // retries after the first attempt
	RequestTimeout time.Duration
}

// Deriver starts the derived-data computation for an alert version.
type Deriver interface {
	Start(a *eew.Alert) eew.Job
}

// Broadcaster delivers lifecycle events downstream.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev eew.Event)
}

type Deps struct {
	Log        logx.Logger
	Bus        eventbus.Bus
	Deriver    Deriver
	Dispatcher Broadcaster
	// Go runs a background fetch; defaults to a plain goroutine.
	Go func(name string, fn func(ctx context.Context))
	// NewHTTPClient builds the client used for fetching; it is rebuilt
	// after every failed attempt.
	NewHTTPClient func(timeout time.Duration) *http.Client
}

type Stats struct {
	Polls        uint64
	Failures     uint64
	SkippedTicks uint64
	Known        int
}

// Client polls the upstream feed and turns each snapshot into new, update
// and lift events. The known set is touched only while pollMu is held.
type Client struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	hmu  sync.Mutex
	http *http.Client
	node int

	inflight atomic.Bool

	pollMu sync.Mutex
	known  map[string]*eew.Record

	polls    atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
	tracked  atomic.Int64
}

func New(cfg Config, deps Deps) (*Client, error) {
	nodes := make([]string, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if n = strings.TrimRight(strings.TrimSpace(n), "/"); n != "" {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	cfg.Nodes = nodes
	if cfg.Type == "" {
		cfg.Type = "cwa"
	}
	if cfg.Retry < 0 {
		cfg.Retry = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Deriver == nil {
		return nil, errors.New("feed: deriver is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("feed: dispatcher is required")
	}
	if deps.NewHTTPClient == nil {
		deps.NewHTTPClient = func(timeout time.Duration) *http.Client {
			return &http.Client{Timeout: timeout}
		}
	}
	c := &Client{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Log,
		known: map[string]*eew.Record{},
	}
	c.http = deps.NewHTTPClient(cfg.RequestTimeout)
	return c, nil
}

// Tick starts a background poll unless one is still in flight, in which
// case the tick is dropped.
func (c *Client) Tick(ctx context.Context) {
	if !c.inflight.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		c.log.Trace("poll still in flight; tick skipped")
		return
	}
	run := func(ctx context.Context) {
		defer c.inflight.Store(false)
		_ = c.Poll(ctx)
	}
	if c.deps.Go != nil {
		c.deps.Go("feed.poll", run)
		return
	}
	go run(ctx)
}

// Poll fetches one snapshot and applies it. When every attempt fails the
// known set is left exactly as it was and the last error is returned.
func (c *Client) Poll(ctx context.Context) error {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	c.polls.Add(1)

	alerts, err := c.fetchWithRetry(ctx)
	if err != nil {
		c.failures.Add(1)
		if ctx.Err() == nil {
			c.log.Error("fail to get eew data", logx.Err(err), logx.Int("attempts", c.cfg.Retry+1))
			c.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeFetchFailed, Data: err.Error()})
		}
		return err
	}
	c.apply(ctx, alerts)
	return nil
}

func (c *Client) fetchWithRetry(ctx context.Context) (snapshot, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retry; attempt++ {
		if err := ctx.Err(); err != nil {
			return snapshot{}, err
		}
		if attempt > 0 {
			c.recreate()
		}
		s, err := c.fetch(ctx)
		if err == nil {
			return s, nil
		}
		lastErr = err
		c.log.Debug("fetch attempt failed", logx.Int("attempt", attempt+1), logx.Err(err))
	}
	return snapshot{}, lastErr
}

// recreate drops the pooled connections and moves to the next node.
func (c *Client) recreate() {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
	c.http = c.deps.NewHTTPClient(c.cfg.RequestTimeout)
	c.node = (c.node + 1) % len(c.cfg.Nodes)
}

type snapshot struct {
	alerts  []*eew.Alert
	skipped []*eew.RecordError
}

func (c *Client) fetch(ctx context.Context) (snapshot, error) {
	c.hmu.Lock()
	hc, node := c.http, c.cfg.Nodes[c.node]
	c.hmu.Unlock()

	u := node + "/eq/eew?type=" + url.QueryEscape(c.cfg.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return snapshot{}, fmt.Errorf("%s: unexpected status %s", node, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return snapshot{}, fmt.Errorf("%s: read body: %w", node, err)
	}
	alerts, skipped, err := eew.ParseSnapshot(body)
	if err != nil {
		return snapshot{}, fmt.Errorf("%s: %w", node, err)
	}
	return snapshot{alerts: alerts, skipped: skipped}, nil
}

// apply diffs s against the known set. Each id's record is stored before
// its event is dispatched.
func (c *Client) apply(ctx context.Context, s snapshot) {
	present := make(map[string]struct{}, len(s.alerts)+len(s.skipped))

	// A malformed record that still names its id keeps that alert alive
	// at its last good version.
	for _, re := range s.skipped {
		c.log.Warn("malformed eew record skipped", logx.Err(re))
		if re.ID != "" {
			present[re.ID] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(s.alerts))
	for _, a := range s.alerts {
		if _, dup := seen[a.ID]; dup {
			c.log.Warn("duplicate eew record skipped", logx.String("id", a.ID), logx.Int("serial", a.Serial))
			continue
		}
		seen[a.ID] = struct{}{}
		present[a.ID] = struct{}{}

		rec, ok := c.known[a.ID]
		switch {
		case !ok:
			c.start(ctx, eew.EventNew, a)
		case a.Serial > rec.Alert.Serial:
			rec.Cancel()
			c.start(ctx, eew.EventUpdate, a)
		case a.Serial < rec.Alert.Serial:
			c.log.Debug("stale eew record ignored",
				logx.String("id", a.ID),
				logx.Int("serial", a.Serial),
				logx.Int("known_serial", rec.Alert.Serial),
			)
		}
	}

	for id, rec := range c.known {
		if _, ok := present[id]; ok {
			continue
		}
		delete(c.known, id)
		rec.Cancel()
		c.log.Info("eew alert lifted", logx.String("id", id), logx.Int("serial", rec.Alert.Serial))
		c.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeAlertLift, Data: rec.Alert.Version()})
		c.deps.Dispatcher.Broadcast(ctx, eew.Event{Kind: eew.EventLift, Alert: rec.Alert})
	}
	c.tracked.Store(int64(len(c.known)))
}

func (c *Client) start(ctx context.Context, kind eew.EventKind, a *eew.Alert) {
	rec := &eew.Record{Alert: a}
	c.known[a.ID] = rec
	rec.Job = c.deps.Deriver.Start(a)

	msg, typ := "new eew alert detected", eventbus.TypeAlertNew
	if kind == eew.EventUpdate {
		msg, typ = "eew alert updated", eventbus.TypeAlertUpdate
	}
	eq := a.Earthquake
	c.log.Info(msg,
		logx.String("id", a.ID),
		logx.Int("serial", a.Serial),
		logx.Bool("final", a.Final),
		logx.String("location", eq.Location),
		logx.String("epicenter", fmt.Sprintf("%.2f,%.2f", eq.Lon, eq.Lat)),
		logx.Float64("magnitude", eq.Magnitude),
		logx.Float64("depth_km", eq.Depth),
		logx.String("origin", eq.Time.Format("2006/01/02 15:04:05")),
	)
	c.deps.Bus.Publish(eventbus.Event{Type: typ, Data: a.Version()})
	c.deps.Dispatcher.Broadcast(ctx, eew.Event{Kind: kind, Alert: a})
}

// Known returns id -> serial for the alerts currently tracked.
func (c *Client) Known() map[string]int {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	out := make(map[string]int, len(c.known))
	for id, rec := range c.known {
		out[id] = rec.Alert.Serial
	}
	return out
}

// Stats never waits for an in-flight poll.
func (c *Client) Stats() Stats {
	return Stats{
		Polls:        c.polls.Load(),
		Failures:     c.failures.Load(),
		SkippedTicks: c.skipped.Load(),
		Known:        int(c.tracked.Load()),
	}
}

// Close cancels every outstanding computation and releases connections.
func (c *Client) Close() {
	c.pollMu.Lock()
	for _, rec := range c.known {
		rec.Cancel()
	}
	c.pollMu.Unlock()
	c.hmu.Lock()
	c.http.CloseIdleConnections()
	c.hmu.Unlock()
}
