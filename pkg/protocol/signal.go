package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"meshdeploy/pkg/types"
)

// Signal type discriminators.
const (
	TypePing        = "ping"
	TypeActivation  = "activation"
	TypeExpansion   = "expansion"
	TypeHealthCheck = "health_check"
)

var ErrUnknownSignal = errors.New("unknown signal type")

// Signal is a control message. The concrete types are Ping, Activation,
// ExpansionPlan and HealthCheck.
type Signal interface {
	signalType() string
}

type Ping struct{}

type Activation struct{}

// ExpansionPlan maps capability names to a percent increase.
type ExpansionPlan struct {
	Plan map[string]float64
}

type HealthCheck struct{}

func (Ping) signalType() string          { return TypePing }
func (Activation) signalType() string    { return TypeActivation }
func (ExpansionPlan) signalType() string { return TypeExpansion }
func (HealthCheck) signalType() string   { return TypeHealthCheck }

// SignalType returns the wire discriminator of s.
func SignalType(s Signal) string { return s.signalType() }

type wireSignal struct {
	Type string             `json:"type"`
	Plan map[string]float64 `json:"plan,omitempty"`
}

func MarshalSignal(s Signal) ([]byte, error) {
	w := wireSignal{Type: s.signalType()}
	if p, ok := s.(ExpansionPlan); ok {
		w.Plan = p.Plan
		if w.Plan == nil {
			w.Plan = map[string]float64{}
		}
	}
	return json.Marshal(w)
}

func UnmarshalSignal(data []byte) (Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	switch w.Type {
	case TypePing:
		return Ping{}, nil
	case TypeActivation:
		return Activation{}, nil
	case TypeExpansion:
		if w.Plan == nil {
			w.Plan = map[string]float64{}
		}
		return ExpansionPlan{Plan: w.Plan}, nil
	case TypeHealthCheck:
		return HealthCheck{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSignal, w.Type)
}

// Reply statuses.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeInfo describes the replying node.
type NodeInfo struct {
	IsActive     bool                    `json:"is_active"`
	Capabilities types.CapabilityProfile `json:"capabilities"`
}

// Reply answers both artifact transfers and control signals.
type Reply struct {
	Status              string                   `json:"status"`
	Message             string                   `json:"message,omitempty"`
	ErrorKind           string                   `json:"error_kind,omitempty"`
	NodeInfo            *NodeInfo                `json:"node_info,omitempty"`
	UpdatedCapabilities *types.CapabilityProfile `json:"updated_capabilities,omitempty"`
}

func (r Reply) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusHealthy
}

// ErrorReply reports err together with its failure class.
func ErrorReply(err error) Reply {
	return Reply{Status: StatusError, Message: err.Error(), ErrorKind: types.Classify(err)}
}
