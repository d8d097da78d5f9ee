package peer

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ai4all/worker/internal/protocol"
)

// Role is a worker's position in a group.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleMember      Role = "member"
)

// Member is one worker's slot in a group.
type Member struct {
	WorkerID      string
	Role          Role
	ShardIndex    *uint32
	PipelineStage *uint32
	Ready         bool
}

// Group is a set of workers cooperating on shared work.
type Group struct {
	ID      string
	Purpose protocol.GroupPurpose
	Members []Member
}

// memberIndex returns the member's slot or -1.
func (g *Group) memberIndex(workerID string) int {
	for i, m := range g.Members {
		if m.WorkerID == workerID {
			return i
		}
	}
	return -1
}

// GroupManager tracks every group this worker belongs to.
type GroupManager struct {
	mu       sync.RWMutex
	workerID string
	groups   map[string]*Group
}

// NewGroupManager creates a group manager for the given local worker id.
func NewGroupManager(workerID string) *GroupManager {
	return &GroupManager{
		workerID: workerID,
		groups:   make(map[string]*Group),
	}
}

// CreateGroup starts a new group with this worker as its coordinator
// and returns the generated group id.
func (m *GroupManager) CreateGroup(purpose protocol.GroupPurpose) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := "grp-" + uuid.NewString()[:8]
	m.groups[id] = &Group{
		ID:      id,
		Purpose: purpose,
		Members: []Member{{WorkerID: m.workerID, Role: RoleCoordinator}},
	}
	return id
}

// AddGroup records a group assigned by the coordinator, replacing any
// previous state for the same id.
func (m *GroupManager) AddGroup(g Group) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cloned := g
	cloned.Members = append([]Member(nil), g.Members...)
	m.groups[g.ID] = &cloned
}

// JoinGroup adds this worker to a known group as a plain member. A
// no-op when already a member.
func (m *GroupManager) JoinGroup(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	if g.memberIndex(m.workerID) >= 0 {
		return true
	}
	g.Members = append(g.Members, Member{WorkerID: m.workerID, Role: RoleMember})
	return true
}

// LeaveGroup removes this worker from a group, dropping the group
// entirely when it becomes empty.
func (m *GroupManager) LeaveGroup(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	i := g.memberIndex(m.workerID)
	if i < 0 {
		return false
	}
	g.Members = append(g.Members[:i], g.Members[i+1:]...)
	if len(g.Members) == 0 {
		delete(m.groups, groupID)
	}
	return true
}

// RemoveGroup drops a group unconditionally.
func (m *GroupManager) RemoveGroup(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[groupID]; !ok {
		return false
	}
	delete(m.groups, groupID)
	return true
}

// MyGroups lists the ids of groups this worker belongs to, sorted.
func (m *GroupManager) MyGroups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, g := range m.groups {
		if g.memberIndex(m.workerID) >= 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetGroup returns a snapshot of one group.
func (m *GroupManager) GetGroup(groupID string) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[groupID]
	if !ok {
		return Group{}, false
	}
	out := *g
	out.Members = append([]Member(nil), g.Members...)
	return out, true
}

// AddMember inserts a member into a group, deduplicating by worker id.
func (m *GroupManager) AddMember(groupID string, member Member) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	if i := g.memberIndex(member.WorkerID); i >= 0 {
		g.Members[i] = member
		return true
	}
	g.Members = append(g.Members, member)
	return true
}

// RemoveMember drops a member from a group.
func (m *GroupManager) RemoveMember(groupID, workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	i := g.memberIndex(workerID)
	if i < 0 {
		return false
	}
	g.Members = append(g.Members[:i], g.Members[i+1:]...)
	return true
}

// SetMemberReady marks a member's readiness.
func (m *GroupManager) SetMemberReady(groupID, workerID string, ready bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	i := g.memberIndex(workerID)
	if i < 0 {
		return false
	}
	g.Members[i].Ready = ready
	return true
}

// AllMembersReady reports whether every member of a group is ready.
// False for unknown or empty groups.
func (m *GroupManager) AllMembersReady(groupID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[groupID]
	if !ok || len(g.Members) == 0 {
		return false
	}
	for _, member := range g.Members {
		if !member.Ready {
			return false
		}
	}
	return true
}

// SetShardIndex assigns a member's shard index.
func (m *GroupManager) SetShardIndex(groupID, workerID string, index uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	i := g.memberIndex(workerID)
	if i < 0 {
		return false
	}
	g.Members[i].ShardIndex = &index
	return true
}

// SetPipelineStage assigns a member's pipeline stage.
func (m *GroupManager) SetPipelineStage(groupID, workerID string, stage uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	i := g.memberIndex(workerID)
	if i < 0 {
		return false
	}
	g.Members[i].PipelineStage = &stage
	return true
}

// NextInPipeline returns the member at stage+1 of a pipeline group.
func (m *GroupManager) NextInPipeline(groupID string, stage uint32) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[groupID]
	if !ok {
		return Member{}, false
	}
	next := stage + 1
	for _, member := range g.Members {
		if member.PipelineStage != nil && *member.PipelineStage == next {
			return member, true
		}
	}
	return Member{}, false
}

// ShardOwner returns the member holding a shard index.
func (m *GroupManager) ShardOwner(groupID string, shardIndex uint32) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[groupID]
	if !ok {
		return Member{}, false
	}
	for _, member := range g.Members {
		if member.ShardIndex != nil && *member.ShardIndex == shardIndex {
			return member, true
		}
	}
	return Member{}, false
}
