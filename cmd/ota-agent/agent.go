package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ota-agent/internal/api"
	"ota-agent/internal/config"
	"ota-agent/internal/ddi"
	"ota-agent/internal/engine"
	"ota-agent/internal/journal"
	"ota-agent/internal/ledger"
	"ota-agent/internal/mdns"
	"ota-agent/internal/ostree"
	"ota-agent/internal/poller"
	"ota-agent/internal/system"
	"ota-agent/internal/systemd"
	"ota-agent/internal/unitlog"

	"golang.org/x/sync/errgroup"
)

const discoveryTimeout = 5 * time.Second

func runAgent(parent context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel()
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.HostName == "" {
		host, err := mdns.ResolveHost(ctx, cfg.Server.MDNSService, discoveryTimeout)
		if err != nil {
			return fmt.Errorf("failed to discover update server: %w", err)
		}
		logger.Info("discovered update server", "host", host, "service", cfg.Server.MDNSService)
		cfg.Server.HostName = host
	}

	client := ddi.NewClient(ddi.ClientConfig{
		ServerURL:  cfg.ServerURL(cfg.ServerHost()),
		TenantID:   cfg.Client.TenantID,
		TargetName: cfg.Client.TargetName,
		AuthToken:  cfg.Client.AuthToken,
	}, logger.With("component", "ddi"))

	run := ostree.NewExecRunner(logger.With("component", "ostree"))

	supervisor, err := systemd.New(ctx, cfg.Agent.SystemdSocket, cfg.Agent.UnitsDir, logger)
	if err != nil {
		return err
	}
	defer supervisor.Close()

	rebootJournal, err := journal.New(cfg.Agent.RebootJournal)
	if err != nil {
		return err
	}
	revisions, err := ledger.New(cfg.Agent.RevisionLedger)
	if err != nil {
		return err
	}
	logs := unitlog.NewReader()

	eng := engine.New(engine.Config{
		OSRemote:      cfg.OSTree.RemoteName,
		RemoteURL:     cfg.OSTreeURL(cfg.OSTreeHost()),
		GPGVerify:     cfg.OSTree.GPGVerify,
		AppsDir:       cfg.Agent.AppsDir,
		ContainerUID:  cfg.Agent.ContainerUID,
		ContainerGID:  cfg.Agent.ContainerGID,
		RebootPolicy:  cfg.Agent.RebootPolicy,
		NotifyTimeout: cfg.Agent.NotifyTimeout,
		JournalLines:  cfg.Agent.JournalLines,
		Attributes:    system.Attributes(cfg.Client.TargetName, version),
	}, engine.Deps{
		Server:     client,
		OSStore:    ostree.NewRepo(cfg.OSTree.OSRepo, run, logger),
		AppStore:   ostree.NewRepo(cfg.AppsRepo(), run, logger),
		Sysroot:    ostree.NewSysroot(run, cfg.OSTree.OSName, logger),
		BootMarker: ostree.NewBootMarker(run, cfg.Agent.BootMarkerVar),
		Supervisor: supervisor,
		Rebooter:   supervisor,
		Journal:    rebootJournal,
		Ledger:     revisions,
		Notifier:   engine.NewSocketNotifier(cfg.Agent.NotifyDir),
		UnitLog:    logs,
	}, logger)

	if err := eng.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap incomplete", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return poller.New(client, eng, cfg.Agent.RetryBackoff, logger).Run(gctx)
	})

	if cfg.Agent.APIPort > 0 {
		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Agent.APIPort),
			Handler: api.NewRouter(api.Sources{
				Status:    eng,
				Revisions: revisions,
				Units:     supervisor,
				Logs:      logs,
			}, version, logger),
		}

		g.Go(func() error {
			logger.Info("starting server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if cfg.Agent.MDNSAnnounce {
			announcer := mdns.NewService(logger)
			if err := announcer.Register(ctx, cfg.Agent.APIPort, cfg.Client.TargetName, version); err != nil {
				logger.Warn("mDNS announcement disabled", "error", err)
			} else {
				defer announcer.Shutdown()
			}
		}
	}

	err = g.Wait()
	logger.Info("agent stopped")
	return err
}
