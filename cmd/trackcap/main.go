package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/trackcap/internal/catalog"
	"github.com/shaunagostinho/trackcap/internal/gps"
	"github.com/shaunagostinho/trackcap/internal/metrics"
	"github.com/shaunagostinho/trackcap/internal/server"
	"github.com/shaunagostinho/trackcap/internal/session"
	"github.com/shaunagostinho/trackcap/web"
)

func main() {
	configPath := flag.String("config", server.DefaultPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run with simulated location sources")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	autostart := flag.Bool("autostart", false, "Start capturing from the default source on launch")
	flag.Parse()

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Polling.Type = "demo"
		cfg.Push.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *autostart {
		cfg.Capture.Autostart = true
	}

	logger := setupLogging(cfg.Logging)
	log := logger.WithField("component", "main")
	log.Info("trackcap starting")

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := catalog.Open(cfg.Catalog.Path, logger)
	if err != nil {
		log.WithError(err).Warn("session catalog unavailable, sessions will not be indexed")
	}

	var sessCatalog session.Catalog
	var lister server.SessionLister
	if store != nil {
		defer store.Close()
		sessCatalog = store
		lister = store
	}

	sess := session.New(session.Config{
		Dir:       cfg.Capture.Dir,
		QueueSize: cfg.Capture.QueueSize,
		Creator:   cfg.Capture.Creator,
		Device:    cfg.Device,
		Catalog:   sessCatalog,
		Metrics:   m,
		Logger:    logger,
	}, pollingSource(cfg, logger), pushSource(cfg, logger))
	defer sess.Close()

	if cfg.Capture.Autostart {
		kind, err := gps.ParseKind(cfg.Capture.DefaultSource)
		if err != nil {
			log.WithError(err).Error("autostart disabled")
		} else {
			go startWithRetry(ctx, log, sess, kind, 10)
		}
	}

	srv := server.New(cfg, sess, server.Options{
		Sessions: lister,
		WebFS:    web.FS,
		Gatherer: reg,
		Logger:   logger,
	})
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited")
	}
}

func setupLogging(cfg server.LoggingConfig) *logrus.Logger {
	logger := logrus.StandardLogger()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Warn("invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func pollingSource(cfg *server.Config, logger logrus.FieldLogger) gps.Source {
	switch cfg.Polling.Type {
	case "nmea":
		return gps.NewNMEA(gps.NMEAConfig{
			PortPath:   cfg.Polling.PortPath,
			BaudRate:   cfg.Polling.BaudRate,
			IntervalMs: cfg.Polling.IntervalMs,
		}, gps.WithNMEALogger(logger))
	default:
		return gps.NewDemo(gps.KindPolling, time.Duration(cfg.Polling.IntervalMs)*time.Millisecond)
	}
}

func pushSource(cfg *server.Config, logger logrus.FieldLogger) gps.Source {
	switch cfg.Push.Type {
	case "mqtt":
		return gps.NewMQTT(gps.MQTTConfig{
			Broker:   cfg.Push.Broker,
			Topic:    cfg.Push.Topic,
			ClientID: cfg.Push.ClientID,
			QoS:      cfg.Push.QoS,
		}, logger)
	default:
		return gps.NewDemo(gps.KindPush, gps.UpdateInterval)
	}
}

// startWithRetry starts a capture with exponential backoff while the location
// provider is disabled. Starts at 1s, doubles each attempt up to 60s, logs
// each attempt up to maxAttempts then continues quietly at max interval.
func startWithRetry(ctx context.Context, log logrus.FieldLogger, sess *session.Session, kind gps.Kind, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := sess.Start(kind)
		switch {
		case err == nil:
			log.WithFields(logrus.Fields{"source": kind, "attempt": attempt + 1}).Info("autostart capture running")
			return
		case errors.Is(err, session.ErrAlreadyCapturing):
			return
		case !errors.Is(err, gps.ErrProviderDisabled):
			log.WithError(err).WithField("source", kind).Error("autostart failed")
			return
		}

		attempt++
		entry := log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "retry_in": delay})
		if attempt <= maxAttempts {
			entry.Warn("location provider disabled")
		} else {
			entry.Debug("location provider disabled")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
