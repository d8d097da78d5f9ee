package task

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ai4all/worker/internal/errs"
)

// State is a task's position in its lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// OriginKind tags where an assignment came from, which decides the
// result's return path.
type OriginKind string

const (
	OriginCoordinator OriginKind = "coordinator"
	OriginHTTPPolled  OriginKind = "http_polled"
	OriginPeer        OriginKind = "peer"
)

// Origin identifies the source of an assignment.
type Origin struct {
	Kind OriginKind
	// PeerWorkerID is set only for OriginPeer.
	PeerWorkerID string
}

// Active is the tracker's record of one task.
type Active struct {
	Assignment  Assignment
	State       State
	Origin      Origin
	ReceivedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ErrMessage  string
	Tokens      uint32

	cancel chan struct{}
}

// Metrics summarises a task's timing.
type Metrics struct {
	QueueTime       time.Duration
	ExecutionTime   time.Duration
	TotalTime       time.Duration
	TokensProcessed uint32
	TokensPerSecond float64
}

// Tracker owns the table of every task the worker has seen and enforces
// the concurrency admission cap. All methods are safe for concurrent use;
// write critical sections are O(1) per update.
type Tracker struct {
	mu            sync.RWMutex
	tasks         map[string]*Active
	maxConcurrent int

	totalCompleted uint64
	totalFailed    uint64
}

// NewTracker creates a tracker admitting at most maxConcurrent tasks in
// the Queued or Running states combined.
func NewTracker(maxConcurrent int) *Tracker {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Tracker{
		tasks:         make(map[string]*Active),
		maxConcurrent: maxConcurrent,
	}
}

// Add admits an assignment in the Queued state. It fails with a
// capacity error when running+queued is at the cap, and rejects a
// duplicate task id unless the previous entry is terminal.
func (t *Tracker) Add(a Assignment, origin Origin) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.tasks[a.TaskID]; ok && !prev.State.Terminal() {
		return errs.Newf(errs.CodeExecutionFailed, "task %s is already active", a.TaskID)
	}
	if t.activeCountLocked() >= t.maxConcurrent {
		return errs.Newf(errs.CodeResourceCapacity,
			"capacity exhausted: %d tasks active (max %d)", t.activeCountLocked(), t.maxConcurrent)
	}

	t.tasks[a.TaskID] = &Active{
		Assignment: a,
		State:      StateQueued,
		Origin:     origin,
		ReceivedAt: time.Now(),
		cancel:     make(chan struct{}),
	}
	return nil
}

// MarkRunning transitions Queued -> Running.
func (t *Tracker) MarkRunning(id string) bool {
	return t.transition(id, StateRunning, StateQueued)
}

// MarkCompleted transitions Running -> Completed and records the number
// of tokens the task processed.
func (t *Tracker) MarkCompleted(id string, tokens uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.tasks[id]
	if !ok || entry.State != StateRunning {
		t.dropTransition(id, entry, StateCompleted)
		return false
	}
	now := time.Now()
	entry.State = StateCompleted
	entry.CompletedAt = &now
	entry.Tokens = tokens
	t.totalCompleted++
	return true
}

// MarkFailed transitions Queued|Running -> Failed.
func (t *Tracker) MarkFailed(id, errMessage string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.tasks[id]
	if !ok || entry.State.Terminal() {
		t.dropTransition(id, entry, StateFailed)
		return false
	}
	now := time.Now()
	entry.State = StateFailed
	entry.CompletedAt = &now
	entry.ErrMessage = errMessage
	t.totalFailed++
	return true
}

// Cancel fires the task's one-shot cancel signal and moves it to
// Cancelled. Returns false when the task is unknown or already terminal.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.tasks[id]
	if !ok || entry.State.Terminal() {
		return false
	}
	now := time.Now()
	entry.State = StateCancelled
	entry.CompletedAt = &now
	close(entry.cancel)
	return true
}

// CancelSignal returns the task's cancel channel, closed when the task
// is cancelled. Returns nil for unknown ids.
func (t *Tracker) CancelSignal(id string) <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if entry, ok := t.tasks[id]; ok {
		return entry.cancel
	}
	return nil
}

// Get returns a snapshot of the task's record.
func (t *Tracker) Get(id string) (Active, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.tasks[id]
	if !ok {
		return Active{}, false
	}
	return *entry, true
}

// Origin returns the recorded origin for a task id.
func (t *Tracker) Origin(id string) (Origin, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.tasks[id]
	if !ok {
		return Origin{}, false
	}
	return entry.Origin, true
}

// RunningIDs lists the ids of tasks currently in the Running state.
func (t *Tracker) RunningIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, entry := range t.tasks {
		if entry.State == StateRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount returns running+queued.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeCountLocked()
}

// CanAccept reports whether another task would be admitted.
func (t *Tracker) CanAccept() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeCountLocked() < t.maxConcurrent
}

// MaxConcurrent returns the admission cap.
func (t *Tracker) MaxConcurrent() int {
	return t.maxConcurrent
}

// TotalCompleted returns the lifetime completed counter.
func (t *Tracker) TotalCompleted() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalCompleted
}

// TotalFailed returns the lifetime failed counter.
func (t *Tracker) TotalFailed() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalFailed
}

// Metrics computes the timing metrics for a task. Open intervals are
// measured against the current time.
func (t *Tracker) Metrics(id string) (Metrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.tasks[id]
	if !ok {
		return Metrics{}, false
	}

	now := time.Now()
	end := now
	if entry.CompletedAt != nil {
		end = *entry.CompletedAt
	}

	var m Metrics
	m.TotalTime = end.Sub(entry.ReceivedAt)
	m.TokensProcessed = entry.Tokens
	if entry.StartedAt != nil {
		m.QueueTime = entry.StartedAt.Sub(entry.ReceivedAt)
		m.ExecutionTime = end.Sub(*entry.StartedAt)
		if secs := m.ExecutionTime.Seconds(); secs > 0 && entry.Tokens > 0 {
			m.TokensPerSecond = float64(entry.Tokens) / secs
		}
	}
	return m, true
}

// CleanupOld retains only the keep most recent terminal entries, sorted
// by completion time. Returns the number of entries removed.
func (t *Tracker) CleanupOld(keep int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	type terminal struct {
		id          string
		completedAt time.Time
	}
	var done []terminal
	for id, entry := range t.tasks {
		if entry.State.Terminal() && entry.CompletedAt != nil {
			done = append(done, terminal{id, *entry.CompletedAt})
		}
	}
	if len(done) <= keep {
		return 0
	}

	sort.Slice(done, func(i, j int) bool {
		return done[i].completedAt.After(done[j].completedAt)
	})
	removed := 0
	for _, old := range done[keep:] {
		delete(t.tasks, old.id)
		removed++
	}
	return removed
}

func (t *Tracker) transition(id string, to State, from ...State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.tasks[id]
	if !ok {
		t.dropTransition(id, nil, to)
		return false
	}
	allowed := false
	for _, f := range from {
		if entry.State == f {
			allowed = true
			break
		}
	}
	if !allowed {
		t.dropTransition(id, entry, to)
		return false
	}

	entry.State = to
	if to == StateRunning {
		now := time.Now()
		entry.StartedAt = &now
	}
	return true
}

// dropTransition logs an illegal transition; the caller has already
// decided to ignore it.
func (t *Tracker) dropTransition(id string, entry *Active, to State) {
	current := State("unknown")
	if entry != nil {
		current = entry.State
	}
	log.Printf("tracker: dropping illegal transition %s -> %s for task %s", current, to, id)
}

func (t *Tracker) activeCountLocked() int {
	n := 0
	for _, entry := range t.tasks {
		if entry.State == StateQueued || entry.State == StateRunning {
			n++
		}
	}
	return n
}
