package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/vmnetd/internal/api"
	"github.com/jbweber/homelab/vmnetd/internal/config"
	"github.com/jbweber/homelab/vmnetd/internal/logging"
	"github.com/jbweber/homelab/vmnetd/internal/network"
	"github.com/jbweber/homelab/vmnetd/internal/reconciler"
	"github.com/jbweber/homelab/vmnetd/internal/resolver"
	"github.com/jbweber/homelab/vmnetd/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, reconciler and DNS responder",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	config.AddServeFlags(serveCmd.Flags())
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := cfg.InitializeDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.New(db, log)
	defer st.Close()

	var adapter network.Adapter
	switch cfg.NetworkBackend {
	case config.BackendMemory:
		log.Warn("using the in-memory network backend; no kernel state will change")
		adapter = network.NewMemory()
	default:
		nl, err := network.NewNetlink(log)
		if err != nil {
			return fmt.Errorf("failed to open netlink: %w", err)
		}
		defer nl.Close()
		adapter = nl
	}
	adapter = network.Instrument(adapter)

	ctrl := reconciler.New(st, log, reconciler.Options{
		Workers:        cfg.Workers,
		ResyncInterval: cfg.ResyncInterval,
		BackoffBase:    reconciler.DefaultOptions().BackoffBase,
		BackoffMax:     reconciler.DefaultOptions().BackoffMax,
	}, reconciler.NewBridge(adapter, st))

	responder := resolver.NewResponder(st, log, resolver.Options{
		TTL:             cfg.DNSTTL,
		UpstreamTimeout: cfg.UpstreamTimeout,
		RebuildInterval: cfg.ResyncInterval,
	})

	st.Watch(ctrl.HandleEvent)
	st.Watch(responder.HandleEvent)

	apiServer, err := api.Listen(cfg.SocketPath, api.NewAPI(st, responder, log).Router(), log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return responder.Run(gctx) })
	g.Go(func() error { return apiServer.Serve(gctx) })

	if cfg.DNSListen != "" {
		dnsServer, err := resolver.Listen(cfg.DNSListen, responder, log)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return dnsServer.Serve(gctx) })
	}

	log.WithField("backend", cfg.NetworkBackend).Info("vmnetd started")
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("vmnetd stopped")
	return nil
}
