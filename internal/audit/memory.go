package audit

import (
	"context"
	"log"
	"sync"
)

// MemoryLog keeps entries in process and echoes them to a logger.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	logger  *log.Logger
}

// NewMemoryLog constructs an in-memory audit log. logger may be nil.
func NewMemoryLog(logger *log.Logger) *MemoryLog {
	return &MemoryLog{logger: logger}
}

// Log stores entry.
func (m *MemoryLog) Log(ctx context.Context, entry Entry) error {
	_ = ctx
	entry = normalize(entry)
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Printf("audit: action=%s actor=%s resource=%s/%s order=%s", entry.Action, entry.Actor, entry.ResourceType, entry.ResourceID, entry.OrderNumber)
	}
	return nil
}

// Entries returns a copy of the stored entries.
func (m *MemoryLog) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
