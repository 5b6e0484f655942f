package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"
)

const DefaultPort = 8888

// Capability names understood by assessment, allocation and expansion.
const (
	CapCompute = "compute"
	CapMemory  = "memory"
	CapStorage = "storage"
	CapNetwork = "network"
)

// Peer is a network-addressable node. Identity is the address alone.
type Peer struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (p Peer) String() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// ParsePeer parses "host:port", falling back to DefaultPort when the port is omitted.
func ParsePeer(s string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		if s == "" {
			return Peer{}, fmt.Errorf("peer address cannot be empty")
		}
		return Peer{Address: s, Port: DefaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Peer{}, fmt.Errorf("invalid port in peer address %q", s)
	}
	if host == "" {
		return Peer{}, fmt.Errorf("peer host cannot be empty in %q", s)
	}
	return Peer{Address: host, Port: port}, nil
}

// Artifact describes an opaque payload. Data is never mutated after hashing.
type Artifact struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash"` // hex sha256 over Data
	Data []byte `json:"-"`
}

// NewArtifact hashes data and wraps it as an artifact.
func NewArtifact(name string, data []byte) Artifact {
	sum := sha256.Sum256(data)
	return Artifact{
		Name: name,
		Size: int64(len(data)),
		Hash: hex.EncodeToString(sum[:]),
		Data: data,
	}
}

// ReceivedArtifact is the in-memory companion record kept for a persisted artifact.
type ReceivedArtifact struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Hash       string    `json:"hash"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
}

// CapabilityProfile is a snapshot of local headroom.
type CapabilityProfile struct {
	Compute float64 `json:"compute"` // 0-100 idle percentage
	Memory  float64 `json:"memory"`  // GB available
	Storage float64 `json:"storage"` // GB free
	Network float64 `json:"network"` // Mbps nominal
}

// Get returns the named capability value.
func (c CapabilityProfile) Get(name string) (float64, bool) {
	switch name {
	case CapCompute:
		return c.Compute, true
	case CapMemory:
		return c.Memory, true
	case CapStorage:
		return c.Storage, true
	case CapNetwork:
		return c.Network, true
	}
	return 0, false
}

// Set updates the named capability, clamping to zero. Unknown names report false.
func (c *CapabilityProfile) Set(name string, v float64) bool {
	if v < 0 {
		v = 0
	}
	switch name {
	case CapCompute:
		c.Compute = v
	case CapMemory:
		c.Memory = v
	case CapStorage:
		c.Storage = v
	case CapNetwork:
		c.Network = v
	default:
		return false
	}
	return true
}

// Map returns the profile keyed by capability name.
func (c CapabilityProfile) Map() map[string]float64 {
	return map[string]float64{
		CapCompute: c.Compute,
		CapMemory:  c.Memory,
		CapStorage: c.Storage,
		CapNetwork: c.Network,
	}
}

type LogStatus string

const (
	StatusSuccess   LogStatus = "success"
	StatusFailed    LogStatus = "failed"
	StatusPartial   LogStatus = "partial"
	StatusCompleted LogStatus = "completed"
	StatusSkipped   LogStatus = "skipped"
)

// LogEntry is one append-only deployment log record.
type LogEntry struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Status    LogStatus      `json:"status"`
	Detail    map[string]any `json:"detail,omitempty"`
}
