// Package scheduler tracks the worker node fleet and reserves node capacity
// for capability work. Each node has finite compute and memory budgets; a
// reservation atomically claims a capability's costs on one node and a
// release returns them. Selection is greedy best-fit: the node left with the
// most combined headroom wins, ties broken by lowest node ID so placement is
// deterministic.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxmeter/voxmeter/internal/registry"
)

var (
	// ErrBusy is returned when no node has capacity for the capability.
	ErrBusy = errors.New("no node capacity available")

	// ErrReservationReleased indicates a reservation was released twice.
	// This is a programming error, not an expected condition.
	ErrReservationReleased = errors.New("reservation already released")

	// ErrNodeNotFound is returned when a reservation references a node that
	// the pool no longer tracks.
	ErrNodeNotFound = errors.New("node not found")
)

// node is one pool member. Loads are mutated only under the pool mutex.
type node struct {
	id              uuid.UUID
	address         string
	computeCapacity uint32
	memoryCapacity  uint32
	computeLoad     uint32
	memoryLoad      uint32
	capabilities    map[string]bool
}

// NodeStatus is a read-only snapshot of one node's load.
type NodeStatus struct {
	ID              uuid.UUID
	Address         string
	ComputeCapacity uint32
	MemoryCapacity  uint32
	ComputeLoad     uint32
	MemoryLoad      uint32
}

// Reservation pairs a session with claimed capacity on a specific node.
// It is consumed exactly once, by Release.
type Reservation struct {
	ID         uuid.UUID
	NodeID     uuid.UUID
	Address    string
	Capability string

	compute  uint32
	memory   uint32
	released bool
}

// Config holds the bounded-wait parameters for ReserveWait.
type Config struct {
	// Retries is the number of reservation attempts before giving up.
	Retries int
	// Backoff is the pause between attempts.
	Backoff time.Duration
}

// Pool is the node pool and scheduler. One mutex covers selection and load
// mutation: best-fit needs a consistent view of every candidate, and the
// critical section is a few integer comparisons per node.
type Pool struct {
	cfg    Config
	logger *log.Logger

	mu    sync.Mutex
	nodes []*node
}

// NewPool builds a pool from the registry's node inventory.
func NewPool(specs []registry.NodeSpec, cfg Config, logger *log.Logger) *Pool {
	if cfg.Retries <= 0 {
		cfg.Retries = 10
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}

	nodes := make([]*node, 0, len(specs))
	for _, spec := range specs {
		id := spec.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		caps := make(map[string]bool, len(spec.Capabilities))
		for _, name := range spec.Capabilities {
			caps[name] = true
		}
		nodes = append(nodes, &node{
			id:              id,
			address:         spec.Address,
			computeCapacity: spec.ComputeCapacity,
			memoryCapacity:  spec.MemoryCapacity,
			capabilities:    caps,
		})
	}

	return &Pool{cfg: cfg, logger: logger, nodes: nodes}
}

// Reserve claims the capability's compute and memory costs on the best
// candidate node, or returns ErrBusy when no node has room. The check and
// the load increments happen in one indivisible step under the pool mutex,
// so concurrent reservations can never jointly exceed a node's capacity.
func (p *Pool) Reserve(cap registry.Capability) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *node
	var bestHeadroom int64
	for _, n := range p.nodes {
		if !n.capabilities[cap.Name] {
			continue
		}
		computeFree := int64(n.computeCapacity) - int64(n.computeLoad)
		memoryFree := int64(n.memoryCapacity) - int64(n.memoryLoad)
		if computeFree < int64(cap.ComputeCost) || memoryFree < int64(cap.MemoryCost) {
			continue
		}
		headroom := (computeFree - int64(cap.ComputeCost)) + (memoryFree - int64(cap.MemoryCost))
		if best == nil || headroom > bestHeadroom ||
			(headroom == bestHeadroom && n.id.String() < best.id.String()) {
			best = n
			bestHeadroom = headroom
		}
	}
	if best == nil {
		return nil, ErrBusy
	}

	best.computeLoad += cap.ComputeCost
	best.memoryLoad += cap.MemoryCost

	res := &Reservation{
		ID:         uuid.New(),
		NodeID:     best.id,
		Address:    best.address,
		Capability: cap.Name,
		compute:    cap.ComputeCost,
		memory:     cap.MemoryCost,
	}
	p.logger.Printf("scheduler: reserved %s (%s on %s, %d/%d)",
		res.ID, cap.Name, best.id, best.computeLoad, best.memoryLoad)
	return res, nil
}

// ReserveWait retries Reserve with a fixed backoff until a node frees up,
// the attempt budget runs out, or the context is done. The wait is bounded:
// callers are never queued indefinitely.
func (p *Pool) ReserveWait(ctx context.Context, cap registry.Capability) (*Reservation, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.Backoff):
			}
		}

		res, err := p.Reserve(cap)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Release returns the reservation's capacity to its node. Each reservation
// is released exactly once; a second call is surfaced as an internal error.
func (p *Pool) Release(res *Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res.released {
		return fmt.Errorf("release %s: %w", res.ID, ErrReservationReleased)
	}

	var owner *node
	for _, n := range p.nodes {
		if n.id == res.NodeID {
			owner = n
			break
		}
	}
	if owner == nil {
		return fmt.Errorf("release %s: node %s: %w", res.ID, res.NodeID, ErrNodeNotFound)
	}

	owner.computeLoad -= res.compute
	owner.memoryLoad -= res.memory
	res.released = true
	p.logger.Printf("scheduler: released %s (%s on %s, %d/%d)",
		res.ID, res.Capability, owner.id, owner.computeLoad, owner.memoryLoad)
	return nil
}

// Snapshot returns the current load of every node.
func (p *Pool) Snapshot() []NodeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]NodeStatus, 0, len(p.nodes))
	for _, n := range p.nodes {
		statuses = append(statuses, NodeStatus{
			ID:              n.id,
			Address:         n.address,
			ComputeCapacity: n.computeCapacity,
			MemoryCapacity:  n.memoryCapacity,
			ComputeLoad:     n.computeLoad,
			MemoryLoad:      n.memoryLoad,
		})
	}
	return statuses
}
