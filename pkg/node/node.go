// Package node runs the receiving side of a peer: the artifact and control
// listener, the knowledge sync service and the health/metrics endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"meshdeploy/pkg/auth"
	"meshdeploy/pkg/capability"
	"meshdeploy/pkg/knowledge"
	"meshdeploy/pkg/knowledge/syncsvc"
	"meshdeploy/pkg/metrics"
	"meshdeploy/pkg/seal"
	"meshdeploy/pkg/transfer"
	"meshdeploy/pkg/types"
)

type Config struct {
	ListenAddress    string
	KnowledgeAddress string // empty disables knowledge sync
	MetricsAddress   string // empty disables the HTTP endpoint
	ArtifactDir      string
	IOTimeout        time.Duration
	MaxArtifactSize  int64
	Policy           knowledge.ConflictPolicy

	// SyncKey, when set, requires knowledge sync callers to present the
	// token derived from it.
	SyncKey []byte

	// AdvertiseAddress is the host:port announced to the peer registry.
	AdvertiseAddress  string
	HeartbeatInterval time.Duration
}

// Announcer publishes this node to an external peer list.
type Announcer interface {
	Register(ctx context.Context, peer types.Peer) error
	Deregister(ctx context.Context, peer types.Peer) error
}

type Node struct {
	cfg       Config
	store     *transfer.DiskStore
	server    *transfer.Server
	assessor  *capability.Assessor
	knowledge *knowledge.Store

	announcer Announcer
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	logger    *zap.Logger

	listener     net.Listener
	syncListener net.Listener
	httpListener net.Listener
	grpcServer   *grpc.Server
	httpServer   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New prepares a node. A nil sampler measures the host.
func New(cfg Config, cipher *seal.Cipher, sampler capability.Sampler, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cipher == nil {
		return nil, types.ConfigErrorf("node requires a channel key")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = HeartbeatInterval
	}
	store, err := transfer.NewDiskStore(cfg.ArtifactDir)
	if err != nil {
		return nil, types.ResourceError("artifact store", err)
	}

	assessor := capability.NewAssessor(sampler, logger.Named("capability"))
	server := transfer.NewServer(cipher, store, assessor, logger.Named("transfer"))
	server.SetIOTimeout(cfg.IOTimeout)
	server.SetMaxArtifactSize(cfg.MaxArtifactSize)

	ks := knowledge.NewStore(logger.Named("knowledge"))
	ks.SetPolicy(cfg.Policy)

	return &Node{
		cfg:       cfg,
		store:     store,
		server:    server,
		assessor:  assessor,
		knowledge: ks,
		logger:    logger,
	}, nil
}

// SetMetrics wires m into every component. gatherer backs /metrics.
func (n *Node) SetMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) {
	n.metrics = m
	n.gatherer = gatherer
	n.server.SetMetrics(m)
	n.assessor.SetMetrics(m)
	n.knowledge.SetMetrics(m)
}

// SetAnnouncer registers the node with an external peer list while it runs.
func (n *Node) SetAnnouncer(a Announcer) { n.announcer = a }

func (n *Node) Assessor() *capability.Assessor { return n.assessor }

func (n *Node) Knowledge() *knowledge.Store { return n.knowledge }

func (n *Node) Store() *transfer.DiskStore { return n.store }

func (n *Node) Active() bool { return n.server.Active() }

func (n *Node) Healthy() bool { return n.server.Healthy() }

func (n *Node) Received() []types.ReceivedArtifact { return n.server.Received() }

// Addr is the bound transfer listener address, nil before Start.
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// KnowledgeAddr is the bound knowledge sync address, nil when disabled.
func (n *Node) KnowledgeAddr() net.Addr {
	if n.syncListener == nil {
		return nil
	}
	return n.syncListener.Addr()
}

// MetricsAddr is the bound health/metrics address, nil when disabled.
func (n *Node) MetricsAddr() net.Addr {
	if n.httpListener == nil {
		return nil
	}
	return n.httpListener.Addr()
}

// Start binds every listener and serves in the background. A failed
// initial capability assessment is logged and the node still starts.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	if _, err := n.assessor.Assess(n.ctx); err != nil {
		n.logger.Warn("Initial capability assessment failed", zap.Error(err))
	}

	ln, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		n.cancel()
		return types.ResourceError("listen", fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddress, err))
	}
	n.listener = ln

	if n.cfg.KnowledgeAddress != "" {
		sl, err := net.Listen("tcp", n.cfg.KnowledgeAddress)
		if err != nil {
			ln.Close()
			n.cancel()
			return types.ResourceError("listen", fmt.Errorf("failed to listen on %s: %w", n.cfg.KnowledgeAddress, err))
		}
		n.syncListener = sl
		var opts []grpc.ServerOption
		if len(n.cfg.SyncKey) > 0 {
			opts = append(opts, auth.NewInterceptor(n.cfg.SyncKey, n.logger.Named("auth")).ServerOption())
		}
		n.grpcServer = grpc.NewServer(opts...)
		syncsvc.RegisterKnowledgeSyncServer(n.grpcServer, syncsvc.NewServer(n.knowledge, n.logger.Named("syncsvc")))
	}

	if n.cfg.MetricsAddress != "" {
		httpLn, err := net.Listen("tcp", n.cfg.MetricsAddress)
		if err != nil {
			n.closeListeners()
			n.cancel()
			return types.ResourceError("listen", fmt.Errorf("failed to listen on %s: %w", n.cfg.MetricsAddress, err))
		}
		n.httpListener = httpLn
		n.httpServer = metrics.NewHTTPServer(n.cfg.MetricsAddress, n, n.gatherer, n.logger.Named("metrics"))
	}

	n.logger.Info("Node starting",
		zap.Stringer("address", ln.Addr()),
		zap.String("knowledge", addrString(n.syncListener)),
		zap.String("metrics", addrString(n.httpListener)),
		zap.String("artifact_dir", n.store.Dir()))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(n.ctx, ln); err != nil {
			n.logger.Error("Transfer server stopped", zap.Error(err))
		}
	}()

	if n.grpcServer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.grpcServer.Serve(n.syncListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				n.logger.Error("Knowledge sync server stopped", zap.Error(err))
			}
		}()
	}

	if n.httpServer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.httpServer.Serve(n.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.heartbeatLoop()
	}()
	return nil
}

// Run starts the node and blocks until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	n.Stop()
	return nil
}

// Stop shuts every server down and waits for in-flight work.
func (n *Node) Stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()

	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
	}
	if n.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.httpServer.Shutdown(shutdownCtx); err != nil {
			n.logger.Debug("Metrics server shutdown", zap.Error(err))
		}
		cancel()
	}
	n.wg.Wait()
	n.deregister()
	n.logger.Info("Node stopped")
}

func (n *Node) closeListeners() {
	if n.listener != nil {
		n.listener.Close()
	}
	if n.syncListener != nil {
		n.syncListener.Close()
	}
}

func addrString(ln net.Listener) string {
	if ln == nil {
		return "disabled"
	}
	return ln.Addr().String()
}
