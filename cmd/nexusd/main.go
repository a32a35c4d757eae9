// Command nexusd is the Nexus bulletin-board/chat server process: it
// wires together the Listener + TLS Terminator, Session State Machine,
// Presence Registry, Message Router, and User/Config/Chat-State Store
// (spec.md §2) and runs until signaled to shut down.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/zquestz/nexus/internal/config"
	"github.com/zquestz/nexus/internal/locale"
	"github.com/zquestz/nexus/internal/metrics"
	"github.com/zquestz/nexus/internal/presence"
	"github.com/zquestz/nexus/internal/protocol"
	"github.com/zquestz/nexus/internal/router"
	"github.com/zquestz/nexus/internal/server"
	"github.com/zquestz/nexus/internal/store"
	"github.com/zquestz/nexus/internal/tlscert"
	"github.com/zquestz/nexus/internal/upnp"
)

// serverVersion is the protocol major/minor this build implements
// (spec.md §4.2 handshake compatibility check).
var serverVersion = protocol.Version{Major: 1, Minor: 0, Patch: 0}

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("nexusd exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:], config.DefaultDataDir())
	if err != nil {
		return trace.Wrap(err)
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField(trace.Component, "nexusd")

	st, err := store.Open(cfg.DatabasePath, logrus.WithField(trace.Component, "store"))
	if err != nil {
		return trace.Wrap(err, "opening database")
	}
	defer st.Close()

	cert, err := tlscert.LoadOrGenerate(cfg.CertPath, cfg.KeyPath, logrus.WithField(trace.Component, "tlscert"))
	if err != nil {
		return trace.Wrap(err, "loading TLS certificate")
	}

	fmtr, err := locale.NewFormatter()
	if err != nil {
		return trace.Wrap(err, "loading locale catalogs")
	}

	clock := clockwork.NewRealClock()
	m := metrics.New()
	reg := presence.New(clock, logrus.WithField(trace.Component, "presence"))
	rt := router.New(reg, m, clock, logrus.WithField(trace.Component, "router"))
	defer rt.Stop()

	srv, err := server.New(server.Config{
		Binds:          cfg.Binds,
		Port:           cfg.Port,
		TLSCert:        cert,
		Store:          st,
		Registry:       reg,
		Router:         rt,
		Formatter:      fmtr,
		Metrics:        m,
		Clock:          clock,
		Log:            logrus.WithField(trace.Component, "listener"),
		ServerVersion:  serverVersion,
		ServerFeatures: []string{"avatars", "chat-topic"},
	})
	if err != nil {
		return trace.Wrap(err, "constructing server")
	}

	var mapping *upnp.Mapping
	if cfg.UPnP {
		mapping, err = upnp.RequestMapping(uint16(cfg.Port), logrus.WithField(trace.Component, "upnp"))
		if err != nil {
			// Non-fatal per spec.md §6 ("--upnp: ... failure to
			// establish a mapping is non-fatal").
			log.WithError(err).Warn("UPnP port mapping failed, continuing without it")
		}
	}
	defer mapping.Close()

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m.MustRegister(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		defer metricsSrv.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return trace.Wrap(err, "server failed")
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("error during shutdown")
	}
	return nil
}
