// Package attrbus provides attribute bus implementations for simulation
// benches. On real hardware the attribute interface is a register block;
// here it is an in-memory slot table that bench tooling can read back.
package attrbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/apbridge/bootid/interfaces"
)

// LocalBus is an in-memory attribute bus. Writes land in a slot table
// readable by the bench HTTP server and tests.
type LocalBus struct {
	mu    sync.RWMutex
	slots map[interfaces.AttributeID]uint32
	log   *slog.Logger
}

// NewLocalBus creates an empty local attribute bus.
func NewLocalBus(log *slog.Logger) *LocalBus {
	if log == nil {
		log = slog.Default()
	}
	return &LocalBus{
		slots: make(map[interfaces.AttributeID]uint32),
		log:   log,
	}
}

// WriteAttribute stores value in the slot. The local bus has no transport,
// so writes cannot fault.
func (b *LocalBus) WriteAttribute(ctx context.Context, id interfaces.AttributeID, value uint32, peer uint16, scope interfaces.AttrScope) error {
	b.mu.Lock()
	b.slots[id] = value
	b.mu.Unlock()

	b.log.Debug("Attribute written",
		slog.String("attr", attrName(id)),
		slog.Uint64("value", uint64(value)))
	return nil
}

// ReadAttribute returns the slot's value and whether it has been written.
func (b *LocalBus) ReadAttribute(id interfaces.AttributeID) (uint32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.slots[id]
	return value, ok
}

// WriteCount returns the number of distinct slots written. Bench
// assertions use it to prove that failed runs published nothing.
func (b *LocalBus) WriteCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.slots)
}

func attrName(id interfaces.AttributeID) string {
	switch id {
	case interfaces.EndpointIDLowAttr:
		return "endpoint_id_l"
	case interfaces.EndpointIDHighAttr:
		return "endpoint_id_h"
	default:
		return "unknown"
	}
}

// FaultInjector wraps an attribute bus and fails a configured write. Used
// to exercise the partial-publish contract: the orchestrator performs two
// independent writes with no rollback.
type FaultInjector struct {
	Bus interfaces.AttributeBus

	// FailOn is the 1-based index of the write that faults. Zero disables
	// injection.
	FailOn int

	// Err is returned for the faulted write. A generic transport fault
	// is used when nil.
	Err error

	writes int
}

// WriteAttribute counts writes and faults the configured one.
func (f *FaultInjector) WriteAttribute(ctx context.Context, id interfaces.AttributeID, value uint32, peer uint16, scope interfaces.AttrScope) error {
	f.writes++
	if f.FailOn != 0 && f.writes == f.FailOn {
		if f.Err != nil {
			return f.Err
		}
		return errTransportFault
	}
	return f.Bus.WriteAttribute(ctx, id, value, peer, scope)
}

// Writes returns how many writes were attempted, including the faulted one.
func (f *FaultInjector) Writes() int {
	return f.writes
}

var errTransportFault = &transportFault{}

type transportFault struct{}

func (*transportFault) Error() string { return "attribute transport fault" }
