// Package registry supplies peer lists from outside the network scan.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshdeploy/pkg/types"
)

// DefaultRedisKey is the set holding "host:port" members.
const DefaultRedisKey = "meshdeploy:peers"

// Provider returns the peers an external system knows about.
type Provider interface {
	Peers(ctx context.Context) ([]types.Peer, error)
}

// StaticProvider serves a fixed list, typically from configuration.
type StaticProvider struct {
	peers []types.Peer
}

// NewStaticProvider parses "host[:port]" entries.
func NewStaticProvider(entries []string) (*StaticProvider, error) {
	p := &StaticProvider{}
	for _, e := range entries {
		peer, err := types.ParsePeer(e)
		if err != nil {
			return nil, types.ConfigErrorf("static peer %q: %v", e, err)
		}
		p.peers = append(p.peers, peer)
	}
	return p, nil
}

func (p *StaticProvider) Peers(context.Context) ([]types.Peer, error) {
	return append([]types.Peer(nil), p.peers...), nil
}

// RedisProvider reads peers from a Redis set so that a fleet can share one
// membership list.
type RedisProvider struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

func NewRedisProvider(client *redis.Client, key string, logger *zap.Logger) *RedisProvider {
	if key == "" {
		key = DefaultRedisKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisProvider{client: client, key: key, logger: logger}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, key string, logger *zap.Logger) (*RedisProvider, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, types.NetworkError("redis ping", addr, err)
	}
	return NewRedisProvider(client, key, logger), nil
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}

// Peers returns the set members in a stable order. Malformed members are
// logged and skipped.
func (p *RedisProvider) Peers(ctx context.Context) ([]types.Peer, error) {
	members, err := p.client.SMembers(ctx, p.key).Result()
	if err != nil {
		return nil, types.NetworkError("redis smembers", p.key, err)
	}
	sort.Strings(members)

	peers := make([]types.Peer, 0, len(members))
	for _, m := range members {
		peer, err := types.ParsePeer(m)
		if err != nil {
			p.logger.Warn("Skipping malformed registry entry", zap.String("entry", m), zap.Error(err))
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// Register adds peer to the set.
func (p *RedisProvider) Register(ctx context.Context, peer types.Peer) error {
	if err := p.client.SAdd(ctx, p.key, peer.String()).Err(); err != nil {
		return types.NetworkError("redis sadd", p.key, err)
	}
	return nil
}

// Deregister removes peer from the set.
func (p *RedisProvider) Deregister(ctx context.Context, peer types.Peer) error {
	if err := p.client.SRem(ctx, p.key, peer.String()).Err(); err != nil {
		return types.NetworkError("redis srem", p.key, err)
	}
	return nil
}

// Multi merges several providers, deduplicating by address. Later providers
// win on conflicting ports. Peers from the providers that answered are
// returned together with the joined errors of those that did not.
type Multi []Provider

func (m Multi) Peers(ctx context.Context) ([]types.Peer, error) {
	byAddr := make(map[string]types.Peer)
	var (
		order []string
		errs  []error
	)
	for i, p := range m {
		peers, err := p.Peers(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
			continue
		}
		for _, peer := range peers {
			if _, seen := byAddr[peer.Address]; !seen {
				order = append(order, peer.Address)
			}
			byAddr[peer.Address] = peer
		}
	}
	out := make([]types.Peer, 0, len(order))
	for _, a := range order {
		out = append(out, byAddr[a])
	}
	return out, errors.Join(errs...)
}
