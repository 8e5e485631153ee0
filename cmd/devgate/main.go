package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/devgate/internal/config"
	"github.com/gaspardpetit/devgate/internal/directory"
	"github.com/gaspardpetit/devgate/internal/endpoint"
	"github.com/gaspardpetit/devgate/internal/hub"
	"github.com/gaspardpetit/devgate/internal/inflight"
	"github.com/gaspardpetit/devgate/internal/logx"
	"github.com/gaspardpetit/devgate/internal/metrics"
	"github.com/gaspardpetit/devgate/internal/secret"
	"github.com/gaspardpetit/devgate/internal/server"
	"github.com/gaspardpetit/devgate/internal/serverstate"
	"github.com/gaspardpetit/devgate/internal/session"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func deviceTypes(cfgs []config.DeviceTypeConfig) ([]hub.DeviceType, error) {
	out := make([]hub.DeviceType, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Name == "" {
			return nil, errors.New("device type without a name")
		}
		dt := hub.DeviceType{Name: c.Name}
		seen := map[string]bool{}
		for _, m := range c.Endpoints {
			v, err := endpoint.Parse(m)
			if err != nil {
				return nil, fmt.Errorf("device type %s: %w", c.Name, err)
			}
			id := v.Descriptor().ID
			if seen[id] {
				return nil, fmt.Errorf("device type %s: duplicate endpoint %s", c.Name, id)
			}
			seen[id] = true
			dt.Endpoints = append(dt.Endpoints, v)
		}
		out = append(out, dt)
	}
	return out, nil
}

func main() {
	fs := flag.NewFlagSet("devgate", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "devgate version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		fs.PrintDefaults()
	}
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	if *showVersion {
		fmt.Printf("devgate version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dirStore := directory.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		serverstate.UseStore(rs)
		dirStore, err = directory.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis state and directory store")
	}

	types, err := deviceTypes(cfg.DeviceTypes)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("device types")
	}
	h := hub.New(session.NewRegistry(), directory.New(dirStore), hub.Options{DeviceTypes: types, RequireKnownType: cfg.RequireKnownType})
	var inf inflight.Counter

	handler := server.New(ctx, cfg, h, &inf)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	terminate := func() { stopOnce.Do(func() { close(stop) }) }
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				terminate()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Int64("inflight", inf.Load()).Msg("draining; send SIGTERM again to terminate immediately")
			go func(d time.Duration) {
				wctx := ctx
				if d > 0 {
					var wcancel context.CancelFunc
					wctx, wcancel = context.WithTimeout(ctx, d)
					defer wcancel()
				}
				if inf.WaitForZero(wctx) {
					logx.Log.Info().Msg("drain complete")
				} else {
					logx.Log.Warn().Msg("drain timeout exceeded; terminating")
				}
				terminate()
			}(cfg.DrainTimeout)
		}
	}()

	go func() {
		<-stop
		h.Shutdown()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
		cancel()
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Str("key", secret.Mask(cfg.APIKey)).Msg("API key auth enabled")
	}
	if cfg.ClientKey != "" {
		logx.Log.Info().Str("key", secret.Mask(cfg.ClientKey)).Msg("client key required")
	}
	logx.Log.Info().Int("port", cfg.Port).Int("device_types", len(types)).Msg("server starting")
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-ctx.Done()
}
