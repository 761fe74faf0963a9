// Package resource implements the runner agent's local resource
// accounting (spec §5.1): CPU/memory pools with a hard reserve, an
// optional instance cap, and scoped IP/CID allocation for VM networking.
// Every grant returns a Guard whose Release is safe to call more than
// once, following the RAII-guard convention lib/rpc/server/server.go uses
// for its per-connection cleanup closures.
package resource

import (
	"sync"

	"github.com/gravitational/trace"
)

// Hard reserve kept free at all times so the host itself (and the agent
// process) never starves, per spec §5.1.
const (
	reservedCPU      = 1
	reservedMemoryMB = 100
)

// RejectReason enumerates why a Reserve call failed, so callers can report
// a specific reason back to the dispatcher rather than a bare error.
type RejectReason string

const (
	ReasonInsufficientCPU      RejectReason = "insufficient_cpu"
	ReasonInsufficientMemory   RejectReason = "insufficient_memory"
	ReasonInstanceLimitReached RejectReason = "instance_limit_reached"
)

// RejectedError wraps a RejectReason so callers can type-switch or use
// trace.Unwrap without losing the structured reason.
type RejectedError struct {
	Reason RejectReason
}

func (e *RejectedError) Error() string {
	return string(e.Reason)
}

// Manager tracks the local CPU/memory/instance pools. All mutation goes
// through a single mutex; grants are expected to be infrequent relative to
// the VM lifetimes they bound.
type Manager struct {
	mu sync.Mutex

	totalCPU      int
	totalMemoryMB int
	maxInstances  int // 0 means unbounded

	usedCPU      int
	usedMemoryMB int
	usedInstances int

	ips *ipPool
	cids *cidPool
}

// New builds a Manager with the given totals. maxInstances of 0 means no
// cap, per spec §5.1.
func New(totalCPU, totalMemoryMB, maxInstances int) *Manager {
	return &Manager{
		totalCPU:      totalCPU,
		totalMemoryMB: totalMemoryMB,
		maxInstances:  maxInstances,
		ips:           newIPPool(),
		cids:          newCIDPool(),
	}
}

// Guard is a scoped resource grant. Release returns the grant to the pool
// it came from; it is idempotent so deferred and explicit release sites
// can coexist safely.
type Guard struct {
	release func()
	once    sync.Once
	// Value carries the allocated resource itself (a string IP or a
	// uint32 CID) for guards returned by the IP/CID pools.
	Value interface{}
}

// Release returns the guarded resource. Safe to call multiple times or
// concurrently; only the first call has effect.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// ReservationGuard bundles the CPU+memory release with the IP and CID guards it
// was allocated alongside, so the VM manager can hold one object for the
// whole lifetime of a job.
type ReservationGuard struct {
	*Guard
	IP  *Guard
	CID *Guard
}

// HasMinimalCapacity reports whether the pool could admit the smallest
// legal VM (1 cpu, 1 MiB) above the hard reserve; the runner agent checks
// this before sending RequestJob (spec §5.2).
func (m *Manager) HasMinimalCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableCPU() >= 1 && m.availableMemoryMB() >= 1 && m.availableInstances() >= 1
}

func (m *Manager) availableCPU() int {
	return m.totalCPU - reservedCPU - m.usedCPU
}

func (m *Manager) availableMemoryMB() int {
	return m.totalMemoryMB - reservedMemoryMB - m.usedMemoryMB
}

func (m *Manager) availableInstances() int {
	if m.maxInstances == 0 {
		return 1 << 30
	}
	return m.maxInstances - m.usedInstances
}

// Reserve attempts to grant cpus/memoryMB plus one IP and one CID,
// atomically. If CPU, memory or the instance cap is short it returns a
// *RejectedError naming the first constraint that failed, checked in that
// order; an exhausted IP or CID pool returns a trace.LimitExceeded error.
func (m *Manager) Reserve(cpus, memoryMB int) (*ReservationGuard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.availableCPU() < cpus {
		return nil, trace.Wrap(&RejectedError{Reason: ReasonInsufficientCPU})
	}
	if m.availableMemoryMB() < memoryMB {
		return nil, trace.Wrap(&RejectedError{Reason: ReasonInsufficientMemory})
	}
	if m.availableInstances() < 1 {
		return nil, trace.Wrap(&RejectedError{Reason: ReasonInstanceLimitReached})
	}

	ip, err := m.ips.acquire()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cid, err := m.cids.acquire()
	if err != nil {
		ip.Release()
		return nil, trace.Wrap(err)
	}

	m.usedCPU += cpus
	m.usedMemoryMB += memoryMB
	m.usedInstances++

	released := false
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if released {
			return
		}
		released = true
		m.usedCPU -= cpus
		m.usedMemoryMB -= memoryMB
		m.usedInstances--
		ip.Release()
		cid.Release()
	}

	return &ReservationGuard{
		Guard: &Guard{release: release},
		IP:    ip,
		CID:   cid,
	}, nil
}

// Snapshot is the point-in-time view the runner reports to the control
// plane every second as ReportMetrics (spec §5.2, §6).
type Snapshot struct {
	CPUCount      int
	MemorySizeMB  int
	UsedCPUCount  int
	UsedMemoryMB  int
	ActiveJobs    int
	MaxInstances  *int
}

// Snapshot takes a consistent read of the current pool state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		CPUCount:     m.totalCPU,
		MemorySizeMB: m.totalMemoryMB,
		UsedCPUCount: m.usedCPU,
		UsedMemoryMB: m.usedMemoryMB,
		ActiveJobs:   m.usedInstances,
	}
	if m.maxInstances > 0 {
		max := m.maxInstances
		s.MaxInstances = &max
	}
	return s
}
