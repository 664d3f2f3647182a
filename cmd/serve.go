package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sandchest/sandchest/internal/artifactctl"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/config"
	"github.com/sandchest/sandchest/internal/eventsink"
	"github.com/sandchest/sandchest/internal/execctl"
	"github.com/sandchest/sandchest/internal/filectl"
	"github.com/sandchest/sandchest/internal/httpapi"
	"github.com/sandchest/sandchest/internal/identity"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/metrics"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/node/devnode"
	"github.com/sandchest/sandchest/internal/objectstore"
	"github.com/sandchest/sandchest/internal/orchestrator"
	"github.com/sandchest/sandchest/internal/replay"
	"github.com/sandchest/sandchest/internal/repo"
	"github.com/sandchest/sandchest/internal/scheduler"
	"github.com/sandchest/sandchest/internal/sessionctl"
)

var allowedOrigins string
var nodeRPCPort int

// serveCmd wires the full service graph and runs the control plane's HTTP
// server until a termination signal arrives, then drains in place,
// adapted from the teacher's signal-channel shutdown.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Sandchest control plane HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		config.SetGlobalLogger(cfg.NewLogger())

		store, err := repo.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer store.Close()

		kvClient := kv.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

		objects, err := objectstore.New(objectstore.Config{
			Bucket: cfg.ObjectStoreBucket, Region: cfg.ObjectStoreRegion, Endpoint: cfg.ObjectStoreEndpoint,
			AccessKeyID: cfg.ObjectStoreAccessKeyID, SecretAccessKey: cfg.ObjectStoreSecretAccessKey,
			ForcePathStyle: cfg.ObjectStoreForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("object store connection failed: %w", err)
		}

		bill := billing.New(nil, store.OrgQuotas)
		sched := scheduler.New(store.Nodes, kvClient)
		orch := orchestrator.New(store.Sandboxes, store.Nodes, store.OrgQuotas, bill, sched, nil, kvClient)

		sink := eventsink.New(orch, store.Execs, store.Artifacts, kvClient, objects)
		registry := node.NewRegistry(sink)

		var resolver node.ClientResolver
		if strings.EqualFold(cfg.NodeEnv, "development") {
			devClient, err := devnode.New(sink)
			if err != nil {
				return fmt.Errorf("dev node client failed: %w", err)
			}
			resolver = node.SingleClientResolver{Client: devClient}
		} else {
			transport, err := node.NewTransport(node.TLSConfig{
				CAFile: cfg.NodeTLSCAFile, CertFile: cfg.NodeTLSCertFile, KeyFile: cfg.NodeTLSKeyFile,
			})
			if err != nil {
				return fmt.Errorf("node mTLS transport: %w", err)
			}
			resolver = node.FleetResolver{Lookup: store.Nodes, Transport: transport, Port: nodeRPCPort}
		}
		orch.NodeResolver = resolver

		sweeper := orchestrator.NewSweeper(orch)
		sweeper.Start()
		defer sweeper.Stop()

		execs := execctl.New(store.Execs, store.Sandboxes, bill, resolver, kvClient)
		sessions := sessionctl.New(store.Sessions, store.Sandboxes, bill, resolver)
		files := filectl.New(store.Sandboxes, bill, resolver)
		artifacts := artifactctl.New(store.Artifacts, store.Sandboxes, bill, kvClient, objects)
		replayCtl := replay.New(store.Sandboxes, store.Execs, store.Sessions, store.Artifacts, kvClient)

		verifier := identity.NewVerifier(cfg.JWTSigningSecret)
		m := metrics.Init()

		var origins []string
		if allowedOrigins != "" {
			origins = strings.Split(allowedOrigins, ",")
		}

		srv := httpapi.New(store, kvClient, orch, execs, sessions, files, artifacts, replayCtl, bill,
			verifier, m, registry, resolver, cfg.AdminToken, origins)

		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: srv.Router(),
		}

		serveErr := make(chan error, 1)
		go func() {
			log.Info().Int("port", cfg.Port).Str("env", cfg.NodeEnv).Msg("starting sandchestd")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		select {
		case err := <-serveErr:
			return fmt.Errorf("server failed: %w", err)
		case <-sigCh:
		}

		log.Info().Msg("shutdown signal received, draining")
		srv.BeginDrain()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown did not complete in time")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&allowedOrigins, "allowed-origins", "", "comma-separated list of allowed CORS origins")
	serveCmd.Flags().IntVar(&nodeRPCPort, "node-rpc-port", 7443, "port a node's RPC listener is reachable on")
	rootCmd.AddCommand(serveCmd)
}
