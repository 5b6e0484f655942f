package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meshdeploy/pkg/types"
)

const (
	HeartbeatInterval = 30 * time.Second
	announceTimeout   = 5 * time.Second
)

// heartbeatLoop refreshes the capability profile and keeps the node
// announced to the peer registry until the node stops.
func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	announced := n.announce()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.refreshCapabilities()
			// Re-announce every beat; the registry may have been flushed.
			if ok := n.announce(); ok != announced {
				if ok {
					n.logger.Info("Re-registered with peer registry")
				}
				announced = ok
			}
		}
	}
}

// refreshCapabilities re-assesses the host and applies utilization feedback.
func (n *Node) refreshCapabilities() {
	if _, err := n.assessor.Assess(n.ctx); err != nil {
		n.logger.Warn("Capability assessment failed", zap.Error(err))
		return
	}
	plan, err := n.assessor.Optimize(n.ctx)
	if err != nil {
		n.logger.Warn("Capability optimization failed", zap.Error(err))
		return
	}
	for _, action := range plan.Actions {
		n.logger.Info("Capability optimization",
			zap.String("action", action.Type),
			zap.String("reason", action.Reason))
	}
}

func (n *Node) advertised() (types.Peer, bool) {
	if n.announcer == nil || n.cfg.AdvertiseAddress == "" {
		return types.Peer{}, false
	}
	peer, err := types.ParsePeer(n.cfg.AdvertiseAddress)
	if err != nil {
		n.logger.Warn("Invalid advertise address", zap.String("address", n.cfg.AdvertiseAddress), zap.Error(err))
		return types.Peer{}, false
	}
	return peer, true
}

func (n *Node) announce() bool {
	peer, ok := n.advertised()
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(n.ctx, announceTimeout)
	defer cancel()
	if err := n.announcer.Register(ctx, peer); err != nil {
		n.logger.Warn("Failed to announce node",
			zap.String("peer", peer.String()),
			zap.Error(err))
		return false
	}
	return true
}

func (n *Node) deregister() {
	peer, ok := n.advertised()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	if err := n.announcer.Deregister(ctx, peer); err != nil {
		n.logger.Warn("Failed to deregister node", zap.String("peer", peer.String()), zap.Error(err))
	}
}
