// Package peer tracks known mesh peers and the work groups this worker
// belongs to.
package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/protocol"
)

// Info is everything the worker knows about one peer.
type Info struct {
	WorkerID     string
	Name         string
	ListenAddr   string
	Capabilities protocol.WorkerCapabilities
	Status       protocol.WorkerStatus
	LastSeen     time.Time
	LatencyMs    *uint32
	Groups       []string
}

// Registry is the concurrent table of known peers.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Info
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Info)}
}

// Register inserts or replaces a peer and stamps its last-seen time.
func (r *Registry) Register(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info.LastSeen = time.Now()
	if prev, ok := r.peers[info.WorkerID]; ok {
		info.Groups = prev.Groups
		if info.LatencyMs == nil {
			info.LatencyMs = prev.LatencyMs
		}
	}
	r.peers[info.WorkerID] = &info
}

// Remove deletes a peer. Returns false when the peer is unknown.
func (r *Registry) Remove(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[workerID]; !ok {
		return false
	}
	delete(r.peers, workerID)
	return true
}

// Get returns a snapshot of one peer.
func (r *Registry) Get(workerID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[workerID]
	if !ok {
		return Info{}, false
	}
	return cloneInfo(p), true
}

// AllPeers returns snapshots of every known peer, sorted by worker id.
func (r *Registry) AllPeers() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, cloneInfo(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// PeersWithCapability lists peers that support a task type.
func (r *Registry) PeersWithCapability(t task.Type) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Info
	for _, p := range r.peers {
		if p.Capabilities.SupportsTask(t) {
			out = append(out, cloneInfo(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// PeersInGroup lists peers that are members of a group.
func (r *Registry) PeersInGroup(groupID string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Info
	for _, p := range r.peers {
		for _, g := range p.Groups {
			if g == groupID {
				out = append(out, cloneInfo(p))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// UpdateStatus records a peer's advertised status.
func (r *Registry) UpdateStatus(workerID string, status protocol.WorkerStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[workerID]
	if !ok {
		return false
	}
	p.Status = status
	p.LastSeen = time.Now()
	return true
}

// UpdateLatency records a measured round-trip latency.
func (r *Registry) UpdateLatency(workerID string, latencyMs uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[workerID]
	if !ok {
		return false
	}
	p.LatencyMs = &latencyMs
	return true
}

// Touch refreshes a peer's last-seen time.
func (r *Registry) Touch(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[workerID]
	if !ok {
		return false
	}
	p.LastSeen = time.Now()
	return true
}

// AddToGroup records a peer's group membership.
func (r *Registry) AddToGroup(workerID, groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[workerID]
	if !ok {
		return false
	}
	for _, g := range p.Groups {
		if g == groupID {
			return true
		}
	}
	p.Groups = append(p.Groups, groupID)
	return true
}

// RemoveFromGroup drops a peer's group membership.
func (r *Registry) RemoveFromGroup(workerID, groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[workerID]
	if !ok {
		return false
	}
	for i, g := range p.Groups {
		if g == groupID {
			p.Groups = append(p.Groups[:i], p.Groups[i+1:]...)
			return true
		}
	}
	return false
}

// PruneStale removes peers not seen within the timeout and returns
// their worker ids. A zero timeout removes every peer.
func (r *Registry) PruneStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var removed []string
	for id, p := range r.peers {
		if !p.LastSeen.After(cutoff) {
			removed = append(removed, id)
			delete(r.peers, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// BestPeerForTask returns the Ready peer with the lowest known latency
// that supports the task type. Peers with unknown latency rank last.
func (r *Registry) BestPeerForTask(t task.Type) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Info
	for _, p := range r.peers {
		if p.Status != protocol.StatusReady || !p.Capabilities.SupportsTask(t) {
			continue
		}
		if best == nil || lowerLatency(p, best) {
			best = p
		}
	}
	if best == nil {
		return Info{}, false
	}
	return cloneInfo(best), true
}

func lowerLatency(a, b *Info) bool {
	switch {
	case a.LatencyMs == nil:
		return false
	case b.LatencyMs == nil:
		return true
	default:
		return *a.LatencyMs < *b.LatencyMs
	}
}

func cloneInfo(p *Info) Info {
	out := *p
	out.Groups = append([]string(nil), p.Groups...)
	return out
}
