// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command devrtd runs the temperature monitor on the device runtime, and
// serves the runtime's statistics as Prometheus metrics.
//
// The monitor runs on its own thread; threshold crossings are delivered to a
// second, alerting, thread. See internal/config for configuration.
//
// Usage:
//
//	devrtd [-config devrtd.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-devrt/diag"
	"github.com/joeycumines/go-devrt/eventloop"
	"github.com/joeycumines/go-devrt/internal/config"
	"github.com/joeycumines/go-devrt/internal/tempmon"
	"github.com/joeycumines/go-devrt/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "devrtd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("devrtd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	diag.SetLogger(diag.NewLogger(stderr, level))
	logger := diag.Logger()

	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	alerts, err := eventloop.StartThread(ctx, "alerts", func(*eventloop.Loop) {})
	if err != nil {
		return err
	}
	collector.AddLoop(alerts.Loop())

	started := make(chan error, 1)
	monitor, err := eventloop.StartThread(ctx, "tempmon", func(loop *eventloop.Loop) {
		started <- startMonitor(loop, alerts.Loop(), cfg.Monitor)
	})
	if err != nil {
		stopThreads(cfg.Shutdown, alerts)
		return err
	}
	collector.AddLoop(monitor.Loop())
	if err := <-started; err != nil {
		stopThreads(cfg.Shutdown, monitor, alerts)
		return err
	}

	var srv *http.Server
	serveErr := make(chan error, 1)
	if cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			stopThreads(cfg.Shutdown, monitor, alerts)
			return fmt.Errorf("metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		logger.Info().
			Str("addr", ln.Addr().String()).
			Str("path", cfg.Metrics.Path).
			Log("devrtd: serving metrics")
		go func() { serveErr <- srv.Serve(ln) }()
	}

	logger.Info().Log("devrtd: running")
	select {
	case <-ctx.Done():
	case <-monitor.Done():
		err = monitor.Join()
	case <-alerts.Done():
		err = alerts.Join()
	case err = <-serveErr:
	}
	logger.Info().Log("devrtd: shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warning().Err(err).Log("devrtd: metrics server shutdown")
		}
		cancel()
	}
	stopThreads(cfg.Shutdown, monitor, alerts)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// startMonitor runs on the monitor's loop. Crossings are handled on alerts.
func startMonitor(loop, alerts *eventloop.Loop, cfg config.Monitor) error {
	src := tempmon.ThermalSource{Root: cfg.ThermalRoot}
	svc, err := tempmon.New(loop, src, tempmon.WithPollInterval(cfg.PollInterval))
	if err != nil {
		return err
	}

	sensors := cfg.Sensors
	if len(sensors) == 0 {
		for _, name := range src.Zones() {
			sensors = append(sensors, config.Sensor{Name: name})
		}
	}
	for _, s := range sensors {
		ref, err := svc.Request(s.Name)
		if err != nil {
			diag.Logger().Warning().
				Str("sensor", s.Name).
				Err(err).
				Log("devrtd: sensor unavailable")
			continue
		}
		for threshold, celsius := range s.Thresholds {
			if err := svc.SetThreshold(ref, threshold, celsius); err != nil {
				return fmt.Errorf("sensor %q: %w", s.Name, err)
			}
		}
	}

	svc.AddThresholdHandler(alerts, func(sensor tempmon.SensorRef, threshold string, celsius int32, _ any) {
		diag.Logger().Warning().
			Str("sensor", svc.SensorName(sensor)).
			Str("threshold", threshold).
			Int64("celsius", int64(celsius)).
			Log("devrtd: temperature alert")
	}, nil)

	return svc.StartMonitoring()
}

func stopThreads(timeout time.Duration, threads ...*eventloop.Thread) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, th := range threads {
		if err := th.Stop(ctx); err != nil {
			diag.Logger().Err().
				Str("thread", th.Loop().Name()).
				Err(err).
				Log("devrtd: thread stop")
		}
	}
}
