package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/treepeck/roomcast/internal/config"
	"github.com/treepeck/roomcast/internal/dispatch"
	"github.com/treepeck/roomcast/internal/logging"
	"github.com/treepeck/roomcast/internal/metrics"
	"github.com/treepeck/roomcast/internal/mq"
	"github.com/treepeck/roomcast/internal/ws"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	cfgName := flag.String("config", "roomcast", "config file name without extension")
	flag.Parse()

	// The config decides the log level, so bootstrap with a default logger.
	boot, err := logging.New("info")
	if err != nil {
		log.Fatalf("cannot create logger: %s", err)
	}

	cfg, err := config.Load(boot, *envFile, *cfgName)
	if err != nil {
		boot.Fatal("cannot load config", zap.Error(err))
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		boot.Fatal("cannot create logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("roomcast stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var feed dispatch.Feed
	if cfg.RabbitMQ.URL != "" {
		f, release, err := openFeed(cfg, m, logger)
		if err != nil {
			return err
		}
		defer release()
		feed = f
	} else {
		logger.Info("presence feed is disabled")
	}

	g := ws.NewGatekeeper(cfg, feed, m, logger)
	routed := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(routed)
	}()

	srv := ws.NewServer(cfg.Server.Addr, ws.NewRouter(g, reg))
	served := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		served <- srv.ListenAndServe()
	}()

	select {
	case err := <-served:
		stop()
		<-routed
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil

	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; the
	// gatekeeper closes them on its own once ctx is done.
	err := srv.Shutdown(shutdownCtx)
	select {
	case <-routed:
	case <-shutdownCtx.Done():
		logger.Warn("gatekeeper did not stop in time")
	}
	return err
}

/*
openFeed connects to RabbitMQ and declares the presence exchange.  release
drains the feed and closes the connection.
*/
func openFeed(
	cfg config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*mq.Feed, func(), error) {
	d, err := mq.NewDialer(cfg.RabbitMQ.URL)
	if err != nil {
		return nil, nil, err
	}

	ch, err := d.OpenChannel()
	if err != nil {
		d.Release()
		return nil, nil, err
	}
	exchange := cfg.RabbitMQ.Exchange
	if err := mq.DeclareExchange(ch, exchange); err != nil {
		d.Release()
		return nil, nil, err
	}

	f := mq.NewFeed(ch, exchange, cfg.RabbitMQ.Buffer, m, logger)
	logger.Info("presence feed is enabled", zap.String("exchange", exchange))

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := f.Close(ctx); err != nil {
			logger.Warn("feed closed with pending events", zap.Error(err))
		}
		d.Release()
	}
	return f, release, nil
}
