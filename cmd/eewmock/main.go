// Command eewmock serves a fake upstream feed for local runs. GET or POST
// /post starts a simulated alert that is revised a few times, marked final
// and then withdrawn.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logx "eewbot/pkg/logx"
)

func main() {
	var (
		addr   string
		delay  time.Duration
		linger time.Duration
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	flag.DurationVar(&delay, "delay", 10*time.Second, "delay before a posted alert appears")
	flag.DurationVar(&linger, "linger", 20*time.Second, "how long the final report stays listed")
	flag.Parse()

	log := logx.NewConsole("info").With(logx.String("comp", "eewmock"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sim := newSimulator(simConfig{
		Delay:   delay,
		MinStep: 500 * time.Millisecond,
		MaxStep: 3 * time.Second,
		Linger:  linger,
	}, log)

	srv := &http.Server{
		Addr:              addr,
		Handler:           sim.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("mock feed listening", logx.String("addr", addr), logx.String("nodes", "http://"+addr+"/api/v2"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", logx.Err(err))
		os.Exit(1)
	}
}
