package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshdeploy/pkg/config"
	"meshdeploy/pkg/discovery"
	"meshdeploy/pkg/metrics"
	"meshdeploy/pkg/orchestrator"
	"meshdeploy/pkg/registry"
	"meshdeploy/pkg/transfer"
	"meshdeploy/pkg/types"
)

// fleet bundles the outbound side used by the orchestration commands.
type fleet struct {
	cfg       *config.Config
	client    *transfer.Client
	discovery *discovery.Discovery
	orch      *orchestrator.Orchestrator
	closers   []func() error
	logger    *zap.Logger
}

// newFleet loads the config, lets override adjust it, and wires the
// transfer client, discovery, registry providers and orchestrator.
func newFleet(ctx context.Context, logger *zap.Logger, extraPeers []string, override func(*config.Config) error) (*fleet, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if override != nil {
		if err := override(cfg); err != nil {
			return nil, err
		}
	}
	cipher, err := cfg.Cipher()
	if err != nil {
		return nil, err
	}

	m := metrics.New(nil)
	client := transfer.NewClient(cipher, int(cfg.ChunkSize), logger.Named("transfer"))
	client.SetTimeout(cfg.IOTimeout.Std())
	client.SetMetrics(m)

	disc := discovery.New(client, logger.Named("discovery"))
	disc.SetConcurrency(cfg.Discovery.Concurrency)
	disc.SetMetrics(m)

	orch := orchestrator.New(cfg.Orchestrator(), client, disc, nil, logger.Named("orchestrator"))
	orch.SetMetrics(m)

	f := &fleet{cfg: cfg, client: client, discovery: disc, orch: orch, logger: logger}

	var providers registry.Multi
	peers := append(append([]string(nil), cfg.Registry.Peers...), extraPeers...)
	if len(peers) > 0 {
		static, err := registry.NewStaticProvider(peers)
		if err != nil {
			return nil, err
		}
		providers = append(providers, static)
	}
	if cfg.Registry.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		redisProvider, err := registry.DialRedis(dialCtx, cfg.Registry.RedisAddr, cfg.Registry.RedisKey, logger.Named("registry"))
		cancel()
		if err != nil {
			logger.Warn("Peer registry unavailable", zap.Error(err))
		} else {
			providers = append(providers, redisProvider)
			f.closers = append(f.closers, redisProvider.Close)
		}
	}
	if len(providers) > 0 {
		orch.SetRegistry(providers)
	}
	return f, nil
}

func (f *fleet) Close() {
	for _, c := range f.closers {
		if err := c(); err != nil {
			f.logger.Debug("Close failed", zap.Error(err))
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// targets resolves explicit peers, falling back to discovery.
func (f *fleet) targets(ctx context.Context, args []string) ([]types.Peer, error) {
	if len(args) == 0 {
		return f.orch.DiscoverPeers(ctx)
	}
	peers := make([]types.Peer, 0, len(args))
	for _, a := range args {
		p, err := types.ParsePeer(a)
		if err != nil {
			return nil, types.ConfigErrorf("%v", err)
		}
		peers = append(peers, p)
	}
	f.discovery.Add("cli", peers...)
	return peers, nil
}

func discoverCmd() *cobra.Command {
	var (
		base       string
		start, end int
		cidr       string
		prune      bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Probe the configured range for reachable peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			ctx, stop := signalContext()
			defer stop()

			f, err := newFleet(ctx, logger, nil, func(cfg *config.Config) error {
				if cidr != "" {
					r, err := discovery.RangeFromCIDR(cidr)
					if err != nil {
						return err
					}
					cfg.Discovery.Base, cfg.Discovery.Start, cfg.Discovery.End = r.Base, r.Start, r.End
				}
				if cmd.Flags().Changed("base") {
					cfg.Discovery.Base = base
				}
				if cmd.Flags().Changed("start") {
					cfg.Discovery.Start = start
				}
				if cmd.Flags().Changed("end") {
					cfg.Discovery.End = end
				}
				if cfg.Discovery.Base == "" {
					return nil
				}
				return cfg.Range().Validate()
			})
			if err != nil {
				return err
			}
			defer f.Close()

			if _, err := f.orch.DiscoverPeers(ctx); err != nil {
				return err
			}
			if prune {
				f.discovery.Prune(ctx, f.cfg.Discovery.Timeout.Std())
			}

			topo := f.discovery.Topology()
			if outputJSON {
				return printJSON(topo)
			}
			renderTopology(topo)
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "range base, e.g. 192.168.1")
	cmd.Flags().IntVar(&start, "start", 2, "first host offset")
	cmd.Flags().IntVar(&end, "end", 254, "last host offset")
	cmd.Flags().StringVar(&cidr, "cidr", "", "probe every host in a CIDR block instead")
	cmd.Flags().BoolVar(&prune, "prune", false, "drop peers that fail a health check")
	return cmd
}

func deployCmd() *cobra.Command {
	var (
		name    string
		peers   []string
		plan    []string
		install string
	)
	cmd := &cobra.Command{
		Use:   "deploy <file>",
		Short: "Replicate an artifact to every peer and activate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			ctx, stop := signalContext()
			defer stop()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return types.ResourceError("read artifact", err)
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			artifact := types.NewArtifact(name, data)

			expansion, err := parsePlan(plan)
			if err != nil {
				return err
			}

			f, err := newFleet(ctx, logger, peers, nil)
			if err != nil {
				return err
			}
			defer f.Close()

			if install != "" {
				if _, err := f.orch.Install(artifact, install); err != nil {
					return err
				}
			}

			report, err := f.orch.Deploy(ctx, artifact, expansion)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(report)
			}
			renderArtifact(artifact)
			renderSummary(report.Replication)
			renderSummary(report.Activation)
			if report.Expansion != nil {
				renderSummary(*report.Expansion)
			}
			if report.Replication.Failed > 0 {
				return fmt.Errorf("%d of %d peers did not receive %s", report.Replication.Failed, report.Replication.Total, artifact.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "artifact name on the receivers (default file name)")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "additional peers (host:port)")
	cmd.Flags().StringSliceVar(&plan, "expand", nil, "expansion plan entries, e.g. compute=10")
	cmd.Flags().StringVar(&install, "install", "", "also install locally into this directory")
	return cmd
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping [peer...]",
		Short: "Ping peers and show their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			ctx, stop := signalContext()
			defer stop()

			f, err := newFleet(ctx, logger, nil, nil)
			if err != nil {
				return err
			}
			defer f.Close()
			peers, err := f.targets(ctx, args)
			if err != nil {
				return err
			}

			rows := make([]nodeRow, 0, len(peers))
			for _, p := range peers {
				info, err := f.client.Ping(ctx, p)
				row := nodeRow{Peer: p, Info: info, Err: err}
				if err != nil {
					row.Error = err.Error()
				}
				rows = append(rows, row)
			}
			if outputJSON {
				return printJSON(rows)
			}
			renderNodes("PEERS", rows)
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health [peer...]",
		Short: "Health-check peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			ctx, stop := signalContext()
			defer stop()

			f, err := newFleet(ctx, logger, nil, nil)
			if err != nil {
				return err
			}
			defer f.Close()
			peers, err := f.targets(ctx, args)
			if err != nil {
				return err
			}
			for _, p := range peers {
				f.discovery.CheckHealth(ctx, p, timeout)
			}
			topo := f.discovery.Topology()
			if outputJSON {
				return printJSON(topo)
			}
			renderTopology(topo)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "per-peer timeout")
	return cmd
}

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate [peer...]",
		Short: "Send an activation signal to peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			ctx, stop := signalContext()
			defer stop()

			f, err := newFleet(ctx, logger, nil, nil)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := f.targets(ctx, args); err != nil {
				return err
			}
			sum := f.orch.ActivateAll(ctx)
			if outputJSON {
				return printJSON(sum)
			}
			renderSummary(sum)
			return nil
		},
	}
}

func expandCmd() *cobra.Command {
	var (
		plan         []string
		requirements []string
	)
	cmd := &cobra.Command{
		Use:   "expand [peer...]",
		Short: "Send an expansion plan to peers",
		Long: `Send a capability expansion plan. With --require the plan is derived from
the local shortfall against the requirements; with neither flag the default
plan (compute=10, memory=20) is sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			ctx, stop := signalContext()
			defer stop()

			p, err := parsePlan(plan)
			if err != nil {
				return err
			}
			req, err := parsePlan(requirements)
			if err != nil {
				return err
			}

			f, err := newFleet(ctx, logger, nil, nil)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := f.targets(ctx, args); err != nil {
				return err
			}
			if req != nil {
				if _, err := f.orch.Assessor().Assess(ctx); err != nil {
					return err
				}
				p = f.orch.PlanExpansion(req)
			}
			sum := f.orch.ExpandAll(ctx, p)
			if outputJSON {
				return printJSON(sum)
			}
			renderSummary(sum)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&plan, "plan", nil, "plan entries, e.g. compute=10")
	cmd.Flags().StringSliceVar(&requirements, "require", nil, "derive the plan from requirements, e.g. memory=32")
	return cmd
}
