// Package orchestrator drives deployment waves across the known peers:
// discovery, artifact replication, activation and capability expansion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"meshdeploy/pkg/allocator"
	"meshdeploy/pkg/capability"
	"meshdeploy/pkg/discovery"
	"meshdeploy/pkg/metrics"
	"meshdeploy/pkg/protocol"
	"meshdeploy/pkg/registry"
	"meshdeploy/pkg/types"
)

// Wave operations, also used as deployment log events.
const (
	OpDiscover  = "discover"
	OpReplicate = "replicate"
	OpActivate  = "activate"
	OpExpand    = "expand"
	OpInstall   = "install"
	OpRollback  = "rollback"
	OpAnalytics = "analytics"
)

const (
	DefaultBreakerThreshold = 6
	DefaultBreakerCooldown  = time.Minute
)

// DefaultExpansionPlan is sent by ExpandAll when no plan is given.
func DefaultExpansionPlan() map[string]float64 {
	return map[string]float64{types.CapCompute: 10, types.CapMemory: 20}
}

// Transport carries artifacts and control signals to a peer.
type Transport interface {
	Send(ctx context.Context, peer types.Peer, artifact types.Artifact) error
	Activate(ctx context.Context, peer types.Peer) (*protocol.NodeInfo, error)
	Expand(ctx context.Context, peer types.Peer, plan map[string]float64) (types.CapabilityProfile, error)
}

// LocalNode is the receiving side running in the same process, if any.
type LocalNode interface {
	Active() bool
	Received() []types.ReceivedArtifact
}

type Config struct {
	Range         discovery.Range
	Port          int
	ProbeTimeout  time.Duration
	HealthTimeout time.Duration
	Retry         RetryPolicy

	// BreakerThreshold consecutive failed attempts open a peer's breaker
	// for BreakerCooldown.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:             types.DefaultPort,
		ProbeTimeout:     discovery.DefaultProbeTimeout,
		HealthTimeout:    discovery.DefaultProbeTimeout,
		Retry:            DefaultRetryPolicy(),
		BreakerThreshold: DefaultBreakerThreshold,
		BreakerCooldown:  DefaultBreakerCooldown,
	}
}

// PeerResult is the outcome of one wave for one peer.
type PeerResult struct {
	Peer         types.Peer               `json:"peer"`
	Success      bool                     `json:"success"`
	Attempts     int                      `json:"attempts"`
	Error        string                   `json:"error,omitempty"`
	Class        string                   `json:"class,omitempty"`
	Capabilities *types.CapabilityProfile `json:"capabilities,omitempty"`
}

// Summary aggregates a wave. A wave never aborts on a per-peer failure.
type Summary struct {
	WaveID     string       `json:"wave_id"`
	Operation  string       `json:"operation"`
	Total      int          `json:"total"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Results    []PeerResult `json:"results"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Status reports the outcome as a log status.
func (s Summary) Status() types.LogStatus {
	switch {
	case s.Total == 0:
		return types.StatusSkipped
	case s.Failed == 0:
		return types.StatusSuccess
	case s.Succeeded == 0:
		return types.StatusFailed
	}
	return types.StatusPartial
}

// SucceededPeers returns the peers the wave reached.
func (s Summary) SucceededPeers() []types.Peer {
	var out []types.Peer
	for _, r := range s.Results {
		if r.Success {
			out = append(out, r.Peer)
		}
	}
	return out
}

// DeployReport chains the waves of one Deploy call.
type DeployReport struct {
	Discovered  int      `json:"discovered"`
	Replication Summary  `json:"replication"`
	Activation  Summary  `json:"activation"`
	Expansion   *Summary `json:"expansion,omitempty"`
}

// Report is a point-in-time view of the orchestrator.
type Report struct {
	Active       bool                     `json:"active"`
	Peers        []types.Peer             `json:"peers"`
	Topology     discovery.Topology       `json:"topology"`
	LastWave     *Summary                 `json:"last_wave,omitempty"`
	Capabilities types.CapabilityProfile  `json:"capabilities"`
	Installed    *InstallRecord           `json:"installed,omitempty"`
	Received     []types.ReceivedArtifact `json:"received"`
	Log          []types.LogEntry         `json:"log"`
	Timestamp    time.Time                `json:"timestamp"`
}

type Orchestrator struct {
	cfg       Config
	transport Transport
	discovery *discovery.Discovery
	assessor  *capability.Assessor
	allocator *allocator.Allocator
	installer *Installer
	log       *DeploymentLog
	analytics analyticsRegistry

	registry registry.Provider
	node     LocalNode
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	lastWave *Summary
}

// New wires an orchestrator. The discovery and assessor instances are owned
// by the caller and may be shared with a node running in the same process.
func New(cfg Config, transport Transport, disc *discovery.Discovery, assessor *capability.Assessor, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if disc == nil {
		disc = discovery.New(nil, logger.Named("discovery"))
	}
	if assessor == nil {
		assessor = capability.NewAssessor(nil, logger.Named("capability"))
	}
	if cfg.Port == 0 {
		cfg.Port = types.DefaultPort
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}
	return &Orchestrator{
		cfg:       cfg,
		transport: transport,
		discovery: disc,
		assessor:  assessor,
		allocator: allocator.New(assessor, logger.Named("allocator")),
		installer: NewInstaller(),
		log:       NewDeploymentLog(),
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SetRegistry adds an external peer-list provider consulted by DiscoverPeers.
func (o *Orchestrator) SetRegistry(p registry.Provider) { o.registry = p }

func (o *Orchestrator) SetLocalNode(n LocalNode) { o.node = n }

func (o *Orchestrator) SetMetrics(m *metrics.Metrics) { o.metrics = m }

func (o *Orchestrator) Log() *DeploymentLog { return o.log }

func (o *Orchestrator) Discovery() *discovery.Discovery { return o.discovery }

func (o *Orchestrator) Assessor() *capability.Assessor { return o.assessor }

func (o *Orchestrator) Installer() *Installer { return o.installer }

// DiscoverPeers scans the configured range and merges registry peers into
// the peer set. Only configuration errors are returned; registry failures
// are logged and the scan result is kept.
func (o *Orchestrator) DiscoverPeers(ctx context.Context) ([]types.Peer, error) {
	var scanned []types.Peer
	if o.cfg.Range.Base != "" {
		found, err := o.discovery.Discover(ctx, o.cfg.Range, o.cfg.Port, o.cfg.ProbeTimeout)
		if err != nil {
			o.log.Failure(OpDiscover, err, map[string]any{"range": o.cfg.Range.String()})
			if errors.Is(err, types.ErrConfig) {
				return nil, err
			}
		}
		scanned = found
	}

	var listed int
	if o.registry != nil {
		// Providers may fail partially; whatever peers came back are kept.
		peers, err := o.registry.Peers(ctx)
		if err != nil {
			o.logger.Warn("Peer registry unavailable", zap.Error(err))
			o.log.Failure(OpDiscover, err, map[string]any{"source": "registry"})
			if errors.Is(err, types.ErrConfig) {
				return nil, err
			}
		}
		o.discovery.Add("registry", peers...)
		listed = len(peers)
	}

	peers := o.discovery.Peers()
	o.log.Append(OpDiscover, types.StatusCompleted, map[string]any{
		"scanned":    len(scanned),
		"registered": listed,
		"known":      len(peers),
	})
	return peers, nil
}

// ReplicateToAll sends artifact to every known peer.
func (o *Orchestrator) ReplicateToAll(ctx context.Context, artifact types.Artifact) Summary {
	return o.wave(ctx, OpReplicate, o.discovery.Peers(), func(ctx context.Context, peer types.Peer, res *PeerResult) error {
		return o.transport.Send(ctx, peer, artifact)
	}, map[string]any{"artifact": artifact.Name, "hash": artifact.Hash})
}

// ActivateAll sends an activation signal to every known peer.
func (o *Orchestrator) ActivateAll(ctx context.Context) Summary {
	return o.activate(ctx, o.discovery.Peers())
}

func (o *Orchestrator) activate(ctx context.Context, peers []types.Peer) Summary {
	return o.wave(ctx, OpActivate, peers, func(ctx context.Context, peer types.Peer, res *PeerResult) error {
		info, err := o.transport.Activate(ctx, peer)
		if err == nil && info != nil {
			caps := info.Capabilities
			res.Capabilities = &caps
		}
		return err
	}, nil)
}

// ExpandAll sends plan to every known peer. A nil plan sends
// DefaultExpansionPlan.
func (o *Orchestrator) ExpandAll(ctx context.Context, plan map[string]float64) Summary {
	return o.expand(ctx, o.discovery.Peers(), plan)
}

func (o *Orchestrator) expand(ctx context.Context, peers []types.Peer, plan map[string]float64) Summary {
	if plan == nil {
		plan = DefaultExpansionPlan()
	}
	return o.wave(ctx, OpExpand, peers, func(ctx context.Context, peer types.Peer, res *PeerResult) error {
		caps, err := o.transport.Expand(ctx, peer, plan)
		if err == nil {
			res.Capabilities = &caps
		}
		return err
	}, map[string]any{"plan": plan})
}

// PlanExpansion turns the local shortfalls for requirements into a percent
// increase per capability, capped at 100.
func (o *Orchestrator) PlanExpansion(requirements map[string]float64) map[string]float64 {
	profile := o.assessor.Profile()
	plan := make(map[string]float64)
	for name, short := range o.allocator.Shortfalls(requirements) {
		have, _ := profile.Get(name)
		if have <= 0 {
			plan[name] = 100
			continue
		}
		plan[name] = min(short/have*100, 100)
	}
	return plan
}

// Allocate grants requirements against the local profile.
func (o *Orchestrator) Allocate(requirements map[string]float64) map[string]float64 {
	return o.allocator.Allocate(requirements)
}

// Deploy runs discovery, replicates artifact, activates the peers that
// received it and, when plan is non-nil, expands them.
func (o *Orchestrator) Deploy(ctx context.Context, artifact types.Artifact, plan map[string]float64) (DeployReport, error) {
	var report DeployReport
	peers, err := o.DiscoverPeers(ctx)
	if err != nil {
		return report, fmt.Errorf("deploy %s: %w", artifact.Name, err)
	}
	report.Discovered = len(peers)

	report.Replication = o.ReplicateToAll(ctx, artifact)
	reached := report.Replication.SucceededPeers()
	report.Activation = o.activate(ctx, reached)
	if plan != nil {
		expansion := o.expand(ctx, report.Activation.SucceededPeers(), plan)
		report.Expansion = &expansion
	}
	return report, nil
}

// Install verifies and installs artifact locally.
func (o *Orchestrator) Install(artifact types.Artifact, dir string) (InstallRecord, error) {
	rec, err := o.installer.Install(artifact, dir)
	if err != nil {
		o.log.Failure(OpInstall, err, map[string]any{"artifact": artifact.Name, "dir": dir})
		return rec, err
	}
	o.log.Append(OpInstall, types.StatusSuccess, map[string]any{
		"artifact": artifact.Name,
		"hash":     rec.Hash,
		"version":  rec.Version,
		"dir":      dir,
	})
	return rec, nil
}

// Rollback re-selects an earlier local install.
func (o *Orchestrator) Rollback(hash string, version int) (InstallRecord, error) {
	rec, err := o.installer.Rollback(hash, version)
	if err != nil {
		o.log.Failure(OpRollback, err, map[string]any{"hash": hash, "version": version})
		return rec, err
	}
	o.log.Append(OpRollback, types.StatusSuccess, map[string]any{"hash": hash, "version": version})
	return rec, nil
}

// RegisterAnalytics makes fn invocable by name.
func (o *Orchestrator) RegisterAnalytics(name string, fn AnalyticsFunc) error {
	return o.analytics.register(name, fn)
}

func (o *Orchestrator) AnalyticsNames() []string { return o.analytics.names() }

// InvokeAnalytics runs a registered analytics function and logs the outcome.
func (o *Orchestrator) InvokeAnalytics(ctx context.Context, name string, input any) (any, error) {
	fn, ok := o.analytics.lookup(name)
	if !ok {
		err := types.ConfigErrorf("analytics function %q is not registered", name)
		o.log.Failure(OpAnalytics, err, map[string]any{"name": name})
		return nil, err
	}
	out, err := fn(ctx, input)
	if err != nil {
		o.log.Failure(OpAnalytics, err, map[string]any{"name": name})
		return nil, err
	}
	o.log.Append(OpAnalytics, types.StatusSuccess, map[string]any{"name": name})
	return out, nil
}

// Status builds a report of the current state.
func (o *Orchestrator) Status() Report {
	r := Report{
		Peers:        o.discovery.Peers(),
		Topology:     o.discovery.Topology(),
		Capabilities: o.assessor.Profile(),
		Log:          o.log.Entries(),
		Timestamp:    time.Now(),
	}
	if o.node != nil {
		r.Active = o.node.Active()
		r.Received = o.node.Received()
	}
	if rec, ok := o.installer.Current(); ok {
		r.Installed = &rec
	}
	o.mu.Lock()
	if o.lastWave != nil {
		last := *o.lastWave
		r.LastWave = &last
	}
	o.mu.Unlock()
	return r
}

// BreakerState reports the breaker state for peer.
func (o *Orchestrator) BreakerState(peer types.Peer) gobreaker.State {
	return o.breaker(peer).State()
}

func (o *Orchestrator) breaker(peer types.Peer) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cb, ok := o.breakers[peer.Address]; ok {
		return cb
	}
	threshold := o.cfg.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    peer.Address,
		Timeout: o.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Info("Peer breaker state changed",
				zap.String("peer", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	o.breakers[peer.Address] = cb
	return cb
}

type peerOp func(ctx context.Context, peer types.Peer, res *PeerResult) error

// wave runs op against peers sequentially with retries, records each
// outcome in the deployment log and returns the summary.
func (o *Orchestrator) wave(ctx context.Context, operation string, peers []types.Peer, op peerOp, detail map[string]any) Summary {
	summary := Summary{
		WaveID:    uuid.NewString(),
		Operation: operation,
		Total:     len(peers),
		Results:   make([]PeerResult, 0, len(peers)),
		StartedAt: time.Now(),
	}
	logger := o.logger.With(zap.String("wave", summary.WaveID), zap.String("operation", operation))
	logger.Info("Starting wave", zap.Int("peers", len(peers)))

	for _, peer := range peers {
		res := PeerResult{Peer: peer}
		cb := o.breaker(peer)
		attempts, err := retry(ctx, o.cfg.Retry, func(int) error {
			_, err := cb.Execute(func() (interface{}, error) {
				return nil, op(ctx, peer, &res)
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				if o.metrics != nil {
					o.metrics.BreakerRejects.Inc()
				}
			}
			return err
		}, func(attempt int, err error, delay time.Duration) {
			if o.metrics != nil {
				o.metrics.TransferRetries.Inc()
			}
			logger.Debug("Retrying peer",
				zap.String("peer", peer.String()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		})
		res.Attempts = attempts

		entry := map[string]any{"peer": peer.String(), "attempts": attempts, "wave": summary.WaveID}
		for k, v := range detail {
			entry[k] = v
		}
		if err != nil {
			res.Error = err.Error()
			res.Class = types.Classify(err)
			summary.Failed++
			o.log.Failure(operation, err, entry)
			logger.Warn("Peer failed",
				zap.String("peer", peer.String()),
				zap.Int("attempts", attempts),
				zap.String("class", res.Class),
				zap.Error(err))
		} else {
			res.Success = true
			summary.Succeeded++
			o.log.Append(operation, types.StatusSuccess, entry)
		}
		summary.Results = append(summary.Results, res)
	}

	summary.FinishedAt = time.Now()
	o.log.Append(operation+"_wave", summary.Status(), map[string]any{
		"wave":      summary.WaveID,
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	})
	logger.Info("Wave finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)))

	o.mu.Lock()
	last := summary
	o.lastWave = &last
	o.mu.Unlock()
	return summary
}
