package telemetry

import (
	"context"
	"sync"
)

const defaultMemoryRetention = 1024

// MemoryLog keeps the most recent snapshots per device in process memory.
// It is the default backend when no database is configured.
type MemoryLog struct {
	mu        sync.RWMutex
	retention int
	byDevice  map[string][]Snapshot
}

// NewMemoryLog returns a MemoryLog keeping at most retention snapshots per device.
func NewMemoryLog(retention int) *MemoryLog {
	if retention <= 0 {
		retention = defaultMemoryRetention
	}
	return &MemoryLog{retention: retention, byDevice: make(map[string][]Snapshot)}
}

func (m *MemoryLog) Save(ctx context.Context, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.byDevice[s.DeviceID], s)
	if over := len(list) - m.retention; over > 0 {
		list = append([]Snapshot(nil), list[over:]...)
	}
	m.byDevice[s.DeviceID] = list
	return nil
}

// Snapshots returns a copy of the retained snapshots for deviceID, oldest first.
func (m *MemoryLog) Snapshots(deviceID string) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Snapshot(nil), m.byDevice[deviceID]...)
}

func (m *MemoryLog) Ping(ctx context.Context) error {
	return ctx.Err()
}
