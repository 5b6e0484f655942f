// Package discovery finds reachable peers on an address range and owns the
// resulting peer set.
package discovery

import (
	"bytes"
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshdeploy/pkg/metrics"
	"meshdeploy/pkg/types"
)

const (
	DefaultConcurrency  = 50
	DefaultProbeTimeout = time.Second
)

// PeerStatus is the last known health of a peer.
type PeerStatus int

const (
	PeerUnknown PeerStatus = iota
	PeerAlive
	PeerUnhealthy
)

func (s PeerStatus) String() string {
	switch s {
	case PeerAlive:
		return "alive"
	case PeerUnhealthy:
		return "unhealthy"
	}
	return "unknown"
}

// PeerState is the bookkeeping kept for each peer in the set.
type PeerState struct {
	Peer         types.Peer `json:"peer"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	LastSeen     time.Time  `json:"last_seen"`
	Status       PeerStatus `json:"status"`
	Source       string     `json:"source"` // scan, registry or static
}

// Topology is a point-in-time view of the peer set.
type Topology struct {
	Peers     []PeerState `json:"peers"`
	Total     int         `json:"total"`
	Timestamp time.Time   `json:"timestamp"`
}

// Dialer opens probe connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// HealthChecker answers whether a peer responds to a health check.
type HealthChecker interface {
	CheckHealth(ctx context.Context, peer types.Peer, timeout time.Duration) bool
}

// Discovery probes address ranges and maintains the peer set. The set is
// keyed by address; rediscovering a peer refreshes it in place.
type Discovery struct {
	mu    sync.RWMutex
	peers map[string]*PeerState

	dialer      Dialer
	health      HealthChecker
	concurrency int

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(health HealthChecker, logger *zap.Logger) *Discovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{
		peers:       make(map[string]*PeerState),
		dialer:      &net.Dialer{},
		health:      health,
		concurrency: DefaultConcurrency,
		logger:      logger,
	}
}

func (d *Discovery) SetDialer(dialer Dialer) { d.dialer = dialer }

func (d *Discovery) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// SetConcurrency bounds the number of probes in flight.
func (d *Discovery) SetConcurrency(n int) {
	if n > 0 {
		d.concurrency = n
	}
}

// Discover probes every address in r on port and merges the responders
// into the peer set. Individual probe failures are not errors. The peers
// found by this call are returned in address order.
func (d *Discovery) Discover(ctx context.Context, r Range, port int, timeout time.Duration) ([]types.Peer, error) {
	addrs, err := r.Addresses()
	if err != nil {
		return nil, err
	}
	if port <= 0 || port > 65535 {
		return nil, types.ConfigErrorf("invalid discovery port %d", port)
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	d.logger.Info("Starting discovery",
		zap.Stringer("range", r),
		zap.Int("port", port),
		zap.Int("addresses", len(addrs)),
		zap.Duration("timeout", timeout))

	var (
		mu    sync.Mutex
		found []types.Peer
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, addr := range addrs {
		if gctx.Err() != nil {
			break
		}
		peer := types.Peer{Address: addr, Port: port}
		g.Go(func() error {
			if d.probe(gctx, peer, timeout) {
				mu.Lock()
				found = append(found, peer)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sortPeers(found)
	d.merge(found, "scan")

	d.logger.Info("Discovery finished",
		zap.Stringer("range", r),
		zap.Int("found", len(found)),
		zap.Int("known", d.Len()))
	return found, ctx.Err()
}

func (d *Discovery) probe(ctx context.Context, peer types.Peer, timeout time.Duration) bool {
	if d.metrics != nil {
		d.metrics.ProbesTotal.Inc()
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.dialer.DialContext(pctx, "tcp", peer.String())
	if err != nil {
		if d.metrics != nil {
			d.metrics.ProbeFailures.Inc()
		}
		return false
	}
	conn.Close()
	d.logger.Debug("Peer responded", zap.String("peer", peer.String()))
	return true
}

// Add merges peers supplied from outside a scan.
func (d *Discovery) Add(source string, peers ...types.Peer) {
	d.merge(peers, source)
}

func (d *Discovery) merge(peers []types.Peer, source string) {
	now := time.Now()
	d.mu.Lock()
	for _, p := range peers {
		if st, ok := d.peers[p.Address]; ok {
			st.Peer = p
			st.LastSeen = now
			st.Status = PeerAlive
			continue
		}
		d.peers[p.Address] = &PeerState{
			Peer:         p,
			DiscoveredAt: now,
			LastSeen:     now,
			Status:       PeerAlive,
			Source:       source,
		}
	}
	n := len(d.peers)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.PeersDiscovered.Set(float64(n))
	}
}

// Remove drops address from the set.
func (d *Discovery) Remove(address string) {
	d.mu.Lock()
	delete(d.peers, address)
	n := len(d.peers)
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.PeersDiscovered.Set(float64(n))
	}
}

func (d *Discovery) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Peers returns the known peers in address order.
func (d *Discovery) Peers() []types.Peer {
	d.mu.RLock()
	out := make([]types.Peer, 0, len(d.peers))
	for _, st := range d.peers {
		out = append(out, st.Peer)
	}
	d.mu.RUnlock()
	sortPeers(out)
	return out
}

// CheckHealth reports whether peer answers a health check as healthy. It
// never returns an error; any failure reads as unhealthy.
func (d *Discovery) CheckHealth(ctx context.Context, peer types.Peer, timeout time.Duration) bool {
	if d.health == nil {
		return false
	}
	ok := d.health.CheckHealth(ctx, peer, timeout)

	d.mu.Lock()
	if st, exists := d.peers[peer.Address]; exists {
		if ok {
			st.Status = PeerAlive
			st.LastSeen = time.Now()
		} else {
			st.Status = PeerUnhealthy
		}
	}
	d.mu.Unlock()
	return ok
}

// Prune health-checks every known peer and removes the ones that fail.
// The removed peers are returned.
func (d *Discovery) Prune(ctx context.Context, timeout time.Duration) []types.Peer {
	peers := d.Peers()

	var (
		mu      sync.Mutex
		removed []types.Peer
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if !d.CheckHealth(gctx, p, timeout) {
				mu.Lock()
				removed = append(removed, p)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range removed {
		d.Remove(p.Address)
	}
	if d.metrics != nil {
		d.metrics.PeersPruned.Add(float64(len(removed)))
	}
	sortPeers(removed)

	if len(removed) > 0 {
		d.logger.Info("Pruned unhealthy peers", zap.Int("removed", len(removed)), zap.Int("remaining", d.Len()))
	}
	return removed
}

// Topology snapshots the peer set.
func (d *Discovery) Topology() Topology {
	d.mu.RLock()
	states := make([]PeerState, 0, len(d.peers))
	for _, st := range d.peers {
		states = append(states, *st)
	}
	d.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool {
		return lessAddress(states[i].Peer.Address, states[j].Peer.Address)
	})
	return Topology{Peers: states, Total: len(states), Timestamp: time.Now()}
}

func sortPeers(peers []types.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		return lessAddress(peers[i].Address, peers[j].Address)
	})
}

// lessAddress orders IPv4 addresses numerically and anything else lexically after them.
func lessAddress(a, b string) bool {
	ia, aok := ipToUint32(net.ParseIP(a))
	ib, bok := ipToUint32(net.ParseIP(b))
	switch {
	case aok && bok:
		return ia < ib
	case aok != bok:
		return aok
	}
	if ip1, ip2 := net.ParseIP(a), net.ParseIP(b); ip1 != nil && ip2 != nil {
		return bytes.Compare(ip1, ip2) < 0
	}
	return a < b
}
