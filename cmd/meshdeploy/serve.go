package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshdeploy/pkg/metrics"
	"meshdeploy/pkg/node"
	"meshdeploy/pkg/registry"
	"meshdeploy/pkg/seal"
)

func serveCmd() *cobra.Command {
	var (
		listen      string
		metricsAddr string
		artifactDir string
		advertise   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a receiving node",
		Long: `Accept artifacts and control signals on the listen address, serve the
knowledge store over gRPC and, when configured, health and metrics over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddress = listen
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddress = metricsAddr
			}
			if cmd.Flags().Changed("artifact-dir") {
				cfg.ArtifactDir = artifactDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			key, err := cfg.Key()
			if err != nil {
				return err
			}
			cipher, err := seal.New(key)
			if err != nil {
				return err
			}

			n, err := node.New(node.Config{
				ListenAddress:    cfg.ListenAddress,
				KnowledgeAddress: cfg.KnowledgeAddress,
				MetricsAddress:   cfg.MetricsAddress,
				ArtifactDir:      cfg.ArtifactDir,
				IOTimeout:        cfg.IOTimeout.Std(),
				MaxArtifactSize:  int64(cfg.MaxArtifactSize),
				Policy:           cfg.Policy(),
				SyncKey:          key,
				AdvertiseAddress: advertise,
			}, cipher, nil, logger)
			if err != nil {
				return err
			}
			n.SetMetrics(metrics.New(nil), nil)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Registry.RedisAddr != "" && advertise != "" {
				dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				provider, err := registry.DialRedis(dialCtx, cfg.Registry.RedisAddr, cfg.Registry.RedisKey, logger.Named("registry"))
				cancel()
				if err != nil {
					logger.Warn("Peer registry unavailable, not announcing", zap.Error(err))
				} else {
					defer provider.Close()
					n.SetAnnouncer(provider)
				}
			}

			logger.Info("Starting node",
				zap.String("listen", cfg.ListenAddress),
				zap.String("knowledge", cfg.KnowledgeAddress),
				zap.String("artifact_dir", cfg.ArtifactDir))
			return n.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8888", "artifact and control listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "health and metrics listen address")
	cmd.Flags().StringVar(&artifactDir, "artifact-dir", "./artifacts", "directory for received artifacts")
	cmd.Flags().StringVar(&advertise, "advertise", "", "host:port announced to the Redis peer registry")
	return cmd
}
