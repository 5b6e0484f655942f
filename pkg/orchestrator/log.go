package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"meshdeploy/pkg/types"
)

// DeploymentLog is an append-only record of orchestration outcomes.
type DeploymentLog struct {
	mu      sync.RWMutex
	entries []types.LogEntry
	now     func() time.Time
}

func NewDeploymentLog() *DeploymentLog {
	return &DeploymentLog{now: time.Now}
}

// Append records an event and returns the stored entry.
func (l *DeploymentLog) Append(event string, status types.LogStatus, detail map[string]any) types.LogEntry {
	entry := types.LogEntry{
		ID:        uuid.NewString(),
		Event:     event,
		Timestamp: l.now(),
		Status:    status,
		Detail:    detail,
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	return entry
}

// Failure records err with its failure class.
func (l *DeploymentLog) Failure(event string, err error, detail map[string]any) types.LogEntry {
	if detail == nil {
		detail = make(map[string]any, 2)
	}
	detail["error"] = err.Error()
	detail["class"] = types.Classify(err)
	return l.Append(event, types.StatusFailed, detail)
}

// Entries returns a copy of the log, oldest first.
func (l *DeploymentLog) Entries() []types.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.LogEntry(nil), l.entries...)
}

// Filter returns the entries for event.
func (l *DeploymentLog) Filter(event string) []types.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.LogEntry
	for _, e := range l.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (l *DeploymentLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
