// Package registry tracks which live connection currently drives which bus.
package registry

import "sync"

// Outcome is the result of a Claim.
type Outcome int

const (
	Claimed Outcome = iota
	NoOp
	AlreadyClaimedByOther
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case NoOp:
		return "noop"
	case AlreadyClaimedByOther:
		return "already_claimed"
	default:
		return "unknown"
	}
}

// ClaimResult describes a Claim. Released is the bus the connection held
// before switching to a new one, if any.
type ClaimResult struct {
	Outcome  Outcome
	Released *int
	// Holder is the connection holding the bus when Outcome is AlreadyClaimedByOther.
	Holder string
}

// Registry is a 1:1 bidirectional map connection <-> bus. All operations run
// under one mutex so that claim-then-check is atomic.
type Registry struct {
	mu     sync.Mutex
	byConn map[string]int
	byBus  map[int]string
}

func New() *Registry {
	return &Registry{
		byConn: make(map[string]int),
		byBus:  make(map[int]string),
	}
}

// Claim binds busID to connID. Re-claiming the same bus is a NoOp; claiming a
// different bus releases the previous one first. A bus held by another
// connection is rejected without touching the caller's existing claim.
func (r *Registry) Claim(connID string, busID int) ClaimResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, holds := r.byConn[connID]
	if holds && current == busID {
		return ClaimResult{Outcome: NoOp}
	}
	if holder, taken := r.byBus[busID]; taken && holder != connID {
		return ClaimResult{Outcome: AlreadyClaimedByOther, Holder: holder}
	}

	var released *int
	if holds {
		delete(r.byBus, current)
		delete(r.byConn, connID)
		prev := current
		released = &prev
	}
	r.byConn[connID] = busID
	r.byBus[busID] = connID
	return ClaimResult{Outcome: Claimed, Released: released}
}

// Release drops connID's claim and returns the freed bus.
func (r *Registry) Release(connID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	busID, ok := r.byConn[connID]
	if !ok {
		return 0, false
	}
	delete(r.byConn, connID)
	delete(r.byBus, busID)
	return busID, true
}

// BusClaimedBy returns the bus connID is driving.
func (r *Registry) BusClaimedBy(connID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	busID, ok := r.byConn[connID]
	return busID, ok
}

// ConnectionFor returns the connection driving busID.
func (r *Registry) ConnectionFor(busID int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byBus[busID]
	return connID, ok
}

// Count returns the number of active claims.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
