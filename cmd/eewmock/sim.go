package main

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "eewbot/pkg/logx"
)

type quake struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Depth float64 `json:"depth"`
	Loc   string  `json:"loc"`
	Mag   float64 `json:"mag"`
	Time  int64   `json:"time"`
	Max   int     `json:"max"`
}

type record struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Serial int    `json:"serial"`
	Final  int    `json:"final"`
	EQ     quake  `json:"eq"`
	Time   int64  `json:"time"`
}

type simConfig struct {
	Delay      time.Duration // before the first report appears
	MinStep    time.Duration
	MaxStep    time.Duration
	Linger     time.Duration // how long the final report stays listed
	LastSerial int
}

// simulator serves a feed snapshot and evolves fake alerts on demand.
type simulator struct {
	cfg simConfig
	log logx.Logger
	now func() time.Time

	mu     sync.Mutex
	nextID int
	active []*record
}

func newSimulator(cfg simConfig, log logx.Logger) *simulator {
	if cfg.LastSerial <= 0 {
		cfg.LastSerial = 5
	}
	if cfg.MaxStep < cfg.MinStep {
		cfg.MaxStep = cfg.MinStep
	}
	return &simulator{cfg: cfg, log: log, now: time.Now, nextID: 1130699}
}

func (s *simulator) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/v2/eq/eew", s.handleSnapshot)
	r.Get("/post", s.handlePost)
	r.Post("/post", s.handlePost)
	return r
}

func (s *simulator) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.snapshot())
}

func (s *simulator) handlePost(w http.ResponseWriter, r *http.Request) {
	// outlive the request
	id := s.start(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("simulating alert " + id + "\n"))
}

func (s *simulator) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, *r)
	}
	b, _ := json.Marshal(out)
	return b
}

// start schedules a new alert and returns its id.
func (s *simulator) start(ctx context.Context) string {
	s.mu.Lock()
	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.mu.Unlock()
	go s.run(ctx, id)
	return id
}

func (s *simulator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *simulator) step() time.Duration {
	span := s.cfg.MaxStep - s.cfg.MinStep
	if span <= 0 {
		return s.cfg.MinStep
	}
	return s.cfg.MinStep + rand.N(span)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func (s *simulator) run(ctx context.Context, id string) {
	if !s.sleep(ctx, s.cfg.Delay) {
		return
	}
	now := s.now()
	rec := &record{
		ID:     id,
		Author: "mock",
		Serial: 1,
		EQ: quake{
			Lat: 24.23, Lon: 122.16, Depth: 40, Loc: "Hualien County offshore", Mag: 6.9, Max: 5,
			Time: now.Add(-12500 * time.Millisecond).UnixMilli(),
		},
		Time: now.UnixMilli(),
	}
	s.mu.Lock()
	s.active = append(s.active, rec)
	s.mu.Unlock()
	s.log.Info("alert issued", logx.String("id", id))

	for rec.Serial < s.cfg.LastSerial {
		if !s.sleep(ctx, s.step()) {
			return
		}
		s.mu.Lock()
		rec.Serial++
		rec.EQ.Mag = round(rec.EQ.Mag+rand.Float64()*0.15-0.05, 1)
		rec.EQ.Depth = max(rec.EQ.Depth+float64(rand.IntN(5)-1)*5, 5)
		rec.EQ.Lat = round(rec.EQ.Lat+rand.Float64()*0.3-0.2, 2)
		rec.EQ.Lon = round(rec.EQ.Lon+rand.Float64()*0.3-0.2, 2)
		rec.Time = s.now().UnixMilli()
		if rec.Serial >= s.cfg.LastSerial {
			rec.Final = 1
		}
		serial := rec.Serial
		s.mu.Unlock()
		s.log.Info("alert revised", logx.String("id", id), logx.Int("serial", serial))
	}

	s.sleep(ctx, s.cfg.Linger)
	s.mu.Lock()
	for i, r := range s.active {
		if r == rec {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.log.Info("alert removed", logx.String("id", id))
}
