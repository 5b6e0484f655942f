package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshdeploy/pkg/metrics"
	"meshdeploy/pkg/protocol"
	"meshdeploy/pkg/seal"
	"meshdeploy/pkg/types"
)

// DefaultIOTimeout bounds a single inbound connection.
const DefaultIOTimeout = 30 * time.Second

const lingerTimeout = time.Second

// Capabilities is the node state control signals act on.
type Capabilities interface {
	Profile() types.CapabilityProfile
	Expand(plan map[string]float64) types.CapabilityProfile
}

// Server accepts artifact envelopes and control signals on one listener.
type Server struct {
	cipher       *seal.Cipher
	store        *DiskStore
	capabilities Capabilities
	ioTimeout    time.Duration
	maxArtifact  int64

	mu       sync.RWMutex
	active   bool
	received []types.ReceivedArtifact

	wg      sync.WaitGroup
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewServer(cipher *seal.Cipher, store *DiskStore, caps Capabilities, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cipher:       cipher,
		store:        store,
		capabilities: caps,
		ioTimeout:    DefaultIOTimeout,
		logger:       logger,
	}
}

func (s *Server) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetMaxArtifactSize rejects envelopes declaring more than n bytes. Zero
// disables the limit.
func (s *Server) SetMaxArtifactSize(n int64) {
	if n >= 0 {
		s.maxArtifact = n
	}
}

// SetIOTimeout changes the per-connection deadline.
func (s *Server) SetIOTimeout(d time.Duration) {
	if d > 0 {
		s.ioTimeout = d
	}
}

func (s *Server) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Healthy reports whether the server can still persist artifacts.
func (s *Server) Healthy() bool {
	return s.store != nil && s.store.Writable()
}

// Received returns metadata for every artifact persisted since start.
func (s *Server) Received() []types.ReceivedArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ReceivedArtifact(nil), s.received...)
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// In-flight connections are drained before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("Transfer server listening", zap.String("address", ln.Addr().String()))
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	_ = conn.SetDeadline(time.Now().Add(s.ioTimeout))

	r := bufio.NewReader(conn)
	prefix, err := r.Peek(protocol.PrefixSize)
	if err != nil && len(prefix) == 0 {
		s.logger.Debug("Connection closed before any data", zap.String("remote", remote), zap.Error(err))
		return
	}

	var reply protocol.Reply
	if protocol.PlausibleInfoLength(prefix) {
		reply, err = s.receiveArtifact(r, remote)
		if err != nil {
			s.logger.Warn("Artifact receive failed",
				zap.String("remote", remote),
				zap.String("class", types.Classify(err)),
				zap.Error(err))
		}
	} else {
		reply = s.handleSignal(r, remote)
	}
	s.writeReply(conn, remote, reply)
	lingerClose(conn, r)
}

// lingerClose half-closes conn and discards whatever the peer is still
// sending, so an early reply is not lost to a reset.
func lingerClose(conn net.Conn, r io.Reader) {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, r)
}

func (s *Server) writeReply(conn net.Conn, remote string, reply protocol.Reply) {
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		s.logger.Debug("Failed to write reply", zap.String("remote", remote), zap.Error(err))
	}
}

func (s *Server) receiveArtifact(r io.Reader, remote string) (protocol.Reply, error) {
	start := time.Now()
	env := protocol.NewEnvelopeReader(r, s.cipher)

	info, err := env.ReadInfo()
	if err != nil {
		err = classifyRead("receive info", remote, err)
		s.observe("failed", 0, start)
		return protocol.ErrorReply(err), err
	}

	if s.maxArtifact > 0 && info.Size > s.maxArtifact {
		err := types.ResourceError("receive", fmt.Errorf("%s declares %d bytes, limit is %d", info.Name, info.Size, s.maxArtifact))
		s.observe("rejected", 0, start)
		return protocol.ErrorReply(err), err
	}

	pending, err := s.store.Begin(info.Name)
	if err != nil {
		err = types.ProtocolError("receive", remote, err)
		s.observe("failed", 0, start)
		return protocol.ErrorReply(err), err
	}
	defer pending.Abort()

	if _, err := env.ReadChunks(info.Size, func(p []byte) error {
		if _, err := pending.Write(p); err != nil {
			return types.ResourceError("write artifact", err)
		}
		return nil
	}); err != nil {
		if !errors.Is(err, types.ErrResource) {
			err = classifyRead("receive chunks", remote, err)
		}
		s.observe("failed", pending.Size(), start)
		return protocol.ErrorReply(err), err
	}

	if got := pending.Hash(); got != info.Hash || pending.Size() != info.Size {
		err := types.IntegrityError("receive", remote,
			fmt.Errorf("hash mismatch for %s: declared %s, computed %s", info.Name, info.Hash, got))
		s.observe("integrity", pending.Size(), start)
		return protocol.ErrorReply(err), err
	}

	path, err := pending.Commit()
	if err != nil {
		err = types.ResourceError("persist artifact", err)
		s.observe("failed", pending.Size(), start)
		return protocol.ErrorReply(err), err
	}

	rec := types.ReceivedArtifact{
		Name:       info.Name,
		Path:       path,
		Size:       info.Size,
		Hash:       info.Hash,
		Source:     remote,
		ReceivedAt: time.Now(),
	}
	s.mu.Lock()
	s.received = append(s.received, rec)
	count := len(s.received)
	s.mu.Unlock()

	s.observe("success", info.Size, start)
	if s.metrics != nil {
		s.metrics.ArtifactsStored.Set(float64(count))
	}
	s.logger.Info("Artifact received",
		zap.String("name", info.Name),
		zap.Int64("size", info.Size),
		zap.String("hash", info.Hash),
		zap.String("remote", remote))
	return protocol.Reply{Status: protocol.StatusSuccess, Message: "artifact received"}, nil
}

// classifyRead separates tampered or malformed frames from broken connections.
func classifyRead(op, remote string, err error) error {
	switch {
	case errors.Is(err, seal.ErrOpen),
		errors.Is(err, protocol.ErrMalformedInfo),
		errors.Is(err, protocol.ErrFrameTooLarge):
		return types.ProtocolError(op, remote, err)
	}
	return types.NetworkError(op, remote, err)
}

func (s *Server) observe(result string, n int64, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.Transfers.WithLabelValues("in", result).Inc()
	s.metrics.TransferBytes.WithLabelValues("in").Add(float64(n))
	s.metrics.TransferLatency.Observe(time.Since(start).Seconds())
}

func (s *Server) handleSignal(r io.Reader, remote string) protocol.Reply {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		s.countSignal("malformed", "error")
		return protocol.ErrorReply(types.ProtocolError("decode signal", remote, err))
	}
	sig, err := protocol.UnmarshalSignal(raw)
	if err != nil {
		s.countSignal("unknown", "error")
		if errors.Is(err, protocol.ErrUnknownSignal) {
			return protocol.Reply{Status: protocol.StatusUnknown, Message: err.Error()}
		}
		return protocol.ErrorReply(types.ProtocolError("decode signal", remote, err))
	}

	reply := s.dispatch(sig)
	s.countSignal(protocol.SignalType(sig), reply.Status)
	s.logger.Debug("Control signal handled",
		zap.String("type", protocol.SignalType(sig)),
		zap.String("status", reply.Status),
		zap.String("remote", remote))
	return reply
}

func (s *Server) dispatch(sig protocol.Signal) protocol.Reply {
	switch sig := sig.(type) {
	case protocol.Ping:
		return protocol.Reply{Status: protocol.StatusSuccess, Message: "pong", NodeInfo: s.nodeInfo()}
	case protocol.Activation:
		s.mu.Lock()
		s.active = true
		s.mu.Unlock()
		s.logger.Info("Node activated")
		return protocol.Reply{Status: protocol.StatusSuccess, Message: "node activated", NodeInfo: s.nodeInfo()}
	case protocol.ExpansionPlan:
		if s.capabilities == nil {
			return protocol.ErrorReply(fmt.Errorf("no capability state"))
		}
		updated := s.capabilities.Expand(sig.Plan)
		return protocol.Reply{Status: protocol.StatusSuccess, Message: "capabilities expanded", UpdatedCapabilities: &updated}
	case protocol.HealthCheck:
		if s.Healthy() {
			return protocol.Reply{Status: protocol.StatusHealthy}
		}
		return protocol.Reply{Status: protocol.StatusUnhealthy, Message: "artifact store unavailable"}
	default:
		panic(fmt.Sprintf("unhandled signal %T", sig))
	}
}

func (s *Server) nodeInfo() *protocol.NodeInfo {
	info := &protocol.NodeInfo{IsActive: s.Active()}
	if s.capabilities != nil {
		info.Capabilities = s.capabilities.Profile()
	}
	return info
}

func (s *Server) countSignal(kind, result string) {
	if s.metrics != nil {
		s.metrics.ControlSignals.WithLabelValues(kind, result).Inc()
	}
}
