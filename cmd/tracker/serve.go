package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/privtracker/privtracker/config"
	"github.com/privtracker/privtracker/swarm"
	httpTrackerServer "github.com/privtracker/privtracker/tracker/http/server"
	trackerServer "github.com/privtracker/privtracker/tracker/server"
)

type ServeCmd struct {
	ShutdownTimeout time.Duration `default:"10s" help:"time allowed for in-flight announces on exit"`
}

type SweepCmd struct{}

// Watches the config file if one was given so policy changes apply without a restart.
func settingsSource(logger log.Logger) (config.Source, func(), error) {
	if flags.Config == "" {
		return config.Default(), func() {}, nil
	}
	w, err := config.Watch(flags.Config, logger, func(*config.Settings) {
		logger.Levelf(log.Info, "reloaded %q", flags.Config)
	})
	if err != nil {
		return nil, nil, err
	}
	return w, func() { w.Close() }, nil
}

func serve() error {
	logger := rootLogger()
	src, closeSource, err := settingsSource(logger)
	if err != nil {
		return err
	}
	defer closeSource()
	// Listen address and storage are only read at startup.
	settings := src.Snapshot()
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := swarm.New()
	metrics := trackerServer.NewMetrics(reg.Collector())
	announce := trackerServer.NewAnnounceHandler(store, src, reg)
	announce.Metrics = metrics
	announce.Logger = logger.WithNames("announce")
	sweeper := trackerServer.NewSweeper(store, src, reg)
	sweeper.Metrics = metrics
	sweeper.Logger = logger.WithNames("sweep")

	handler := httpTrackerServer.NewHandler(announce)
	handler.Logger = logger.WithNames("http")
	router := httpTrackerServer.NewRouter(handler, httpTrackerServer.RouterOpts{
		Metrics:           metrics.Registry,
		FloodRate:         settings.HTTP.FloodRate,
		FloodBurst:        settings.HTTP.FloodBurst,
		TrustProxyHeaders: settings.HTTP.TrustProxyHeaders,
	})

	l, err := net.Listen("tcp", settings.HTTP.Listen)
	if err != nil {
		return err
	}
	if settings.HTTP.MaxConnections > 0 {
		l = netutil.LimitListener(l, settings.HTTP.MaxConnections)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Levelf(log.Info, "serving announces on %v", l.Addr())

	var stop missinggo.SynchronizedEvent
	go exitSignalHandlers(&stop)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		err := srv.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := sweeper.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		select {
		case <-stop.C():
		case <-ctx.Done():
		}
		sweeper.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), flags.ServeCmd.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Runs a single sweep. Without a running server there is no swarm, so only hit-and-run records are
// judged.
func sweep() error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()
	sweeper := trackerServer.NewSweeper(store, settings, nil)
	sweeper.Logger = rootLogger().WithNames("sweep")
	res, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		return err
	}
	sweeper.Logger.Levelf(log.Info, "marked %d hit and runs", res.HitAndRunsMarked)
	return nil
}
