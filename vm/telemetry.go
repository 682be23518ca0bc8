package vm

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Telemetry snapshots
// ---------------------------------------------------------------------------

// cborEncMode uses canonical options so equal snapshots encode to equal
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is a point-in-time view of a VM's counters, taken between
// Execute calls. It carries everything the host needs to chart allocation
// pressure, collection cost and dispatch behavior.
type Snapshot struct {
	VMID       string        `cbor:"vm_id"`
	CapturedAt time.Time     `cbor:"captured_at"`
	Uptime     time.Duration `cbor:"uptime"`

	Ticks       uint64 `cbor:"ticks"`
	CacheHits   uint64 `cbor:"cache_hits"`
	CacheMisses uint64 `cbor:"cache_misses"`

	Memory MemoryStats `cbor:"memory"`
}

// Snapshot captures the VM's current statistics.
func (vm *VM) Snapshot() *Snapshot {
	return &Snapshot{
		VMID:        vm.ID.String(),
		CapturedAt:  time.Now(),
		Uptime:      time.Since(vm.startTime),
		Ticks:       vm.ticksExecuted,
		CacheHits:   vm.cache.Hits(),
		CacheMisses: vm.cache.Misses(),
		Memory:      vm.mm.Stats(),
	}
}

// MarshalSnapshot serializes a Snapshot to canonical CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
