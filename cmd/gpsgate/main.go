package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsgate/internal/config"
	"github.com/shaunagostinho/gpsgate/internal/gate"
	"github.com/shaunagostinho/gpsgate/internal/gps"
	"github.com/shaunagostinho/gpsgate/internal/locate"
	"github.com/shaunagostinho/gpsgate/internal/logger"
	"github.com/shaunagostinho/gpsgate/internal/obs"
	"github.com/shaunagostinho/gpsgate/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/gpsgate/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Use the simulated provider")
	listenAddr := flag.String("listen", "", "Serve HTTP on this address instead of running one request")
	mode := flag.String("mode", "", "last_known or current")
	priority := flag.String("priority", "", "high, balanced, low, passive or default")
	required := flag.String("required", "", "Wait for the location (true or false)")
	timeout := flag.Duration("timeout", 0, "Maximum wait for the location")
	kind := flag.String("kind", string(server.DefaultKind), "Request kind to format")
	flag.Parse()

	cfg := config.Load(*configPath, logger.New(logger.Config{Level: os.Getenv("LOG_LEVEL")}))
	if *demo {
		cfg.Provider.Type = config.ProviderDemo
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(reg)

	prov, err := newProvider(cfg, log)
	if err != nil {
		log.Fatal("provider setup failed", zap.Error(err))
	}
	log.Info("gpsgate starting", zap.String("provider", prov.Name()))

	coord := locate.New(prov,
		locate.WithLogger(log),
		locate.WithMetrics(metrics),
		locate.WithConnectTimeout(cfg.Request.ConnectTimeout()),
		locate.WithFixTimeout(cfg.Request.FixTimeout()),
	)

	if *listenAddr != "" {
		srv := server.New(cfg, server.Deps{
			Locator:  coord,
			Provider: prov.Name(),
			Log:      log,
			Metrics:  metrics,
			Gatherer: reg,
		})
		if err := srv.Run(ctx); err != nil {
			log.Fatal("server exited", zap.Error(err))
		}
		return
	}

	q := url.Values{}
	set := func(key, val string) {
		if val != "" {
			q.Set(key, val)
		}
	}
	set("mode", *mode)
	set("priority", *priority)
	set("required", *required)
	if *timeout > 0 {
		q.Set("timeout_ms", strconv.FormatInt(timeout.Milliseconds(), 10))
	}
	req, err := server.RequestFromQuery(cfg.Request, q)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	p := server.NewParams(coord, gate.QueryFormatter{}, req, log, metrics)
	params, err := p.Format(ctx, gate.RequestKind(*kind))
	if err != nil {
		log.Fatal("format failed", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(server.Response(prov.Name(), p, params)); err != nil {
		log.Fatal("write failed", zap.Error(err))
	}
}

// newProvider builds the configured provider. Every provider shares one
// last-known cache.
func newProvider(cfg *config.Config, log *zap.Logger) (gps.Provider, error) {
	log = log.Named("gps")
	cache := gps.NewCache(gps.CacheConfig{
		Path:   cfg.Provider.CachePath,
		MaxAge: cfg.Provider.CacheMaxAge(),
		Log:    log,
	})

	switch cfg.Provider.Type {
	case config.ProviderNMEA:
		return gps.NewNMEA(gps.NMEAConfig{
			PortPath: cfg.Provider.PortPath,
			BaudRate: cfg.Provider.BaudRate,
		}, cache, log), nil
	case config.ProviderFeed:
		return gps.NewFeed(gps.FeedConfig{URL: cfg.Provider.FeedURL}, cache, log), nil
	case config.ProviderIPAPI:
		return gps.NewIP(gps.IPConfig{URL: cfg.Provider.IPAPIURL}, cache, log), nil
	case config.ProviderDisabled:
		return gps.Disabled{}, nil
	case config.ProviderDemo:
		dc := gps.DemoConfig{}
		if cfg.Provider.DemoCoords != "" {
			loc, err := config.ParseCoords(cfg.Provider.DemoCoords)
			if err != nil {
				return nil, err
			}
			dc.Fixed = &loc
		}
		return gps.NewDemo(dc, cache), nil
	}
	return nil, fmt.Errorf("unknown provider type %q", cfg.Provider.Type)
}
