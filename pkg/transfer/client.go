package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"meshdeploy/pkg/metrics"
	"meshdeploy/pkg/protocol"
	"meshdeploy/pkg/seal"
	"meshdeploy/pkg/types"
)

// DefaultTimeout bounds one outbound exchange when the context has no deadline.
const DefaultTimeout = 30 * time.Second

// Dialer opens outbound connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client sends artifacts and control signals to peers.
type Client struct {
	cipher    *seal.Cipher
	chunkSize int
	dialer    Dialer
	timeout   time.Duration

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewClient(cipher *seal.Cipher, chunkSize int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultChunkSize
	}
	return &Client{
		cipher:    cipher,
		chunkSize: chunkSize,
		dialer:    &net.Dialer{},
		timeout:   DefaultTimeout,
		logger:    logger,
	}
}

func (c *Client) SetDialer(d Dialer) { c.dialer = d }

func (c *Client) SetMetrics(m *metrics.Metrics) { c.metrics = m }

func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

func (c *Client) dial(ctx context.Context, op string, peer types.Peer) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", peer.String())
	if err != nil {
		return nil, types.NetworkError(op, peer.String(), err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	_ = conn.SetDeadline(deadline)

	// Unblock reads and writes when ctx is cancelled early.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	return &ctxConn{Conn: conn, stop: stop}, nil
}

type ctxConn struct {
	net.Conn
	stop func() bool
}

func (c *ctxConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// Send pushes artifact to peer and waits for the receiver's verdict.
func (c *Client) Send(ctx context.Context, peer types.Peer, artifact types.Artifact) error {
	start := time.Now()
	err := c.send(ctx, peer, artifact)

	result := "success"
	if err != nil {
		result = "failed"
	}
	if c.metrics != nil {
		c.metrics.Transfers.WithLabelValues("out", result).Inc()
		c.metrics.TransferLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			c.metrics.TransferBytes.WithLabelValues("out").Add(float64(artifact.Size))
		}
	}
	if err != nil {
		c.logger.Warn("Artifact send failed",
			zap.String("peer", peer.String()),
			zap.String("artifact", artifact.Name),
			zap.String("class", types.Classify(err)),
			zap.Error(err))
		return err
	}
	c.logger.Info("Artifact sent",
		zap.String("peer", peer.String()),
		zap.String("artifact", artifact.Name),
		zap.Int64("size", artifact.Size),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (c *Client) send(ctx context.Context, peer types.Peer, artifact types.Artifact) error {
	conn, err := c.dial(ctx, "send", peer)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := protocol.NewEnvelopeWriter(conn, c.cipher, c.chunkSize)
	if err := w.WriteArtifact(artifact, nil); err != nil {
		if errors.Is(err, protocol.ErrMalformedInfo) {
			return types.ProtocolError("send", peer.String(), err)
		}
		return types.NetworkError("send", peer.String(), err)
	}

	reply, err := readReply(conn)
	if err != nil {
		return types.NetworkError("send", peer.String(), err)
	}
	return replyError("send", peer, reply)
}

// Signal sends one control signal and returns the decoded reply.
func (c *Client) Signal(ctx context.Context, peer types.Peer, sig protocol.Signal) (protocol.Reply, error) {
	kind := protocol.SignalType(sig)
	reply, err := c.signal(ctx, peer, sig)
	if c.metrics != nil {
		result := reply.Status
		if err != nil && result == "" {
			result = "error"
		}
		c.metrics.ControlSignals.WithLabelValues(kind, result).Inc()
	}
	if err != nil {
		c.logger.Debug("Control signal failed",
			zap.String("peer", peer.String()),
			zap.String("type", kind),
			zap.Error(err))
	}
	return reply, err
}

func (c *Client) signal(ctx context.Context, peer types.Peer, sig protocol.Signal) (protocol.Reply, error) {
	op := "signal " + protocol.SignalType(sig)
	raw, err := protocol.MarshalSignal(sig)
	if err != nil {
		return protocol.Reply{}, types.ProtocolError(op, peer.String(), err)
	}

	conn, err := c.dial(ctx, op, peer)
	if err != nil {
		return protocol.Reply{}, err
	}
	defer conn.Close()

	if _, err := conn.Write(raw); err != nil {
		return protocol.Reply{}, types.NetworkError(op, peer.String(), err)
	}
	reply, err := readReply(conn)
	if err != nil {
		return protocol.Reply{}, types.NetworkError(op, peer.String(), err)
	}
	return reply, replyError(op, peer, reply)
}

func readReply(conn net.Conn) (protocol.Reply, error) {
	var reply protocol.Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return protocol.Reply{}, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}

func replyError(op string, peer types.Peer, reply protocol.Reply) error {
	switch reply.Status {
	case protocol.StatusError:
		return &types.Error{Kind: types.KindByName(reply.ErrorKind), Op: op, Peer: peer.String(), Err: errors.New(reply.Message)}
	case protocol.StatusUnknown:
		return types.ProtocolError(op, peer.String(), errors.New(reply.Message))
	}
	return nil
}

// Ping returns the peer's node info.
func (c *Client) Ping(ctx context.Context, peer types.Peer) (*protocol.NodeInfo, error) {
	reply, err := c.Signal(ctx, peer, protocol.Ping{})
	if err != nil {
		return nil, err
	}
	return reply.NodeInfo, nil
}

// Activate marks the peer active and returns its node info.
func (c *Client) Activate(ctx context.Context, peer types.Peer) (*protocol.NodeInfo, error) {
	reply, err := c.Signal(ctx, peer, protocol.Activation{})
	if err != nil {
		return nil, err
	}
	return reply.NodeInfo, nil
}

// Expand applies plan on the peer and returns its updated capabilities.
func (c *Client) Expand(ctx context.Context, peer types.Peer, plan map[string]float64) (types.CapabilityProfile, error) {
	reply, err := c.Signal(ctx, peer, protocol.ExpansionPlan{Plan: plan})
	if err != nil {
		return types.CapabilityProfile{}, err
	}
	if reply.UpdatedCapabilities == nil {
		return types.CapabilityProfile{}, types.ProtocolError("expand", peer.String(), errors.New("reply missing updated capabilities"))
	}
	return *reply.UpdatedCapabilities, nil
}

// CheckHealth reports whether peer answers a health check with "healthy"
// within timeout. It never returns an error.
func (c *Client) CheckHealth(ctx context.Context, peer types.Peer, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	reply, err := c.Signal(ctx, peer, protocol.HealthCheck{})
	return err == nil && reply.Status == protocol.StatusHealthy
}
