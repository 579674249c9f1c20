package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/roomchat/go-chat-server/internal/metrics"
	"github.com/roomchat/go-chat-server/internal/queue"
	"github.com/roomchat/go-chat-server/internal/reactor"
	"github.com/roomchat/go-chat-server/internal/state"
	"github.com/roomchat/go-chat-server/internal/worker"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("chat-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	logicQ := queue.New(queue.DefaultCapacity)
	ioQ := queue.New(queue.DefaultCapacity)
	rx, err := reactor.New(logicQ, ioQ,
		reactor.WithListenAddr(cfg.listenAddr),
		reactor.WithLogger(l),
		reactor.WithMaxClients(cfg.maxClients),
		reactor.WithWorkers(cfg.workers),
	)
	if err != nil {
		l.Error("reactor_init_error", "error", err)
		os.Exit(1)
	}
	st := state.NewStore(state.WithPoster(rx), state.WithLogger(l))
	pool := worker.NewPool(logicQ, st,
		worker.WithWorkers(cfg.workers),
		worker.WithLogger(l),
	)
	pool.Start()
	l.Info("ready", "addr", rx.Addr(), "workers", pool.Workers(), "max_clients", cfg.maxClients)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	if cfg.mdnsEnable {
		cleanupMDNS, merr := startMDNS(ctx, cfg, rx.Port())
		if merr != nil {
			l.Warn("mdns_start_failed", "error", merr)
		} else {
			defer cleanupMDNS()
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", rx.Port())
		}
	}

	signal.Ignore(syscall.SIGPIPE)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		rx.Terminate()
	}()

	rx.Run()
	pool.Wait()
	cancel()
	wg.Wait()
	l.Info("server_exit")
}
