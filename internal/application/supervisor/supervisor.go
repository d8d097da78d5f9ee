// Package supervisor runs the worker's main event loop, fanning in
// coordinator traffic, executor results, mesh events and periodic
// maintenance over a single select.
package supervisor

import (
	"context"
	"encoding/json"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/ai4all/worker/internal/adapters/coordinator"
	"github.com/ai4all/worker/internal/adapters/httppoll"
	"github.com/ai4all/worker/internal/adapters/mesh"
	"github.com/ai4all/worker/internal/adapters/metrics"
	"github.com/ai4all/worker/internal/application/executor"
	"github.com/ai4all/worker/internal/domain/backend"
	"github.com/ai4all/worker/internal/domain/peer"
	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
	"github.com/ai4all/worker/internal/infrastructure/config"
	"github.com/ai4all/worker/internal/protocol"
)

const (
	healthTick      = 60 * time.Second
	cleanupTick     = 300 * time.Second
	cleanupKeep     = 100
	pageForwardSize = 50
)

// PageSpool persists crawled pages until the poller forwards them.
type PageSpool interface {
	SpoolPages(ctx context.Context, taskID string, pages []task.CrawledPage) error
}

// Deps bundles everything the supervisor drives.
type Deps struct {
	Config       *config.Config
	Backends     *backend.Registry
	Tracker      *task.Tracker
	Executor     *executor.Executor
	Session      *coordinator.Session
	Poller       *httppoll.Poller
	Mesh         *mesh.Manager
	Peers        *peer.Registry
	Groups       *peer.GroupManager
	Spool        PageSpool
	Capabilities protocol.WorkerCapabilities
}

// Supervisor owns the worker status transitions and the shutdown
// sequence.
type Supervisor struct {
	cfg          *config.Config
	backends     *backend.Registry
	tracker      *task.Tracker
	executor     *executor.Executor
	session      *coordinator.Session
	poller       *httppoll.Poller
	mesh         *mesh.Manager
	peers        *peer.Registry
	groups       *peer.GroupManager
	spool        PageSpool
	capabilities protocol.WorkerCapabilities

	// mu guards workerID and status: both are written by the
	// supervisor loop and read by HeartbeatSnapshot on the session
	// goroutine.
	mu        sync.RWMutex
	workerID  string
	status    protocol.WorkerStatus
	startedAt time.Time
}

// New creates a supervisor. Run does all the work.
func New(deps Deps) *Supervisor {
	return &Supervisor{
		cfg:          deps.Config,
		backends:     deps.Backends,
		tracker:      deps.Tracker,
		executor:     deps.Executor,
		session:      deps.Session,
		poller:       deps.Poller,
		mesh:         deps.Mesh,
		peers:        deps.Peers,
		groups:       deps.Groups,
		spool:        deps.Spool,
		capabilities: deps.Capabilities,
		status:       protocol.StatusReady,
		startedAt:    time.Now(),
	}
}

// SetSession attaches the coordinator session. The session needs the
// supervisor as its heartbeat source, so it is constructed second.
func (s *Supervisor) SetSession(session *coordinator.Session) {
	s.session = session
}

// HeartbeatSnapshot builds the live heartbeat payload for the session.
func (s *Supervisor) HeartbeatSnapshot() protocol.Heartbeat {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return protocol.Heartbeat{
		Status: s.currentStatus(),
		Resources: protocol.ResourceUsageReport{
			MemoryUsedMB:      memStats.Alloc / (1 << 20),
			MemoryAvailableMB: s.cfg.Resources.MaxMemoryMB,
			ActiveThreads:     uint32(runtime.NumGoroutine()),
		},
		ActiveTasks:        s.tracker.RunningIDs(),
		CompletedTaskCount: uint32(s.tracker.TotalCompleted()),
		UptimeSecs:         uint64(time.Since(s.startedAt).Seconds()),
	}
}

func (s *Supervisor) currentStatus() protocol.WorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// setStatus reports whether the status actually changed, so callers
// only notify the coordinator on transitions.
func (s *Supervisor) setStatus(status protocol.WorkerStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == status {
		return false
	}
	s.status = status
	return true
}

func (s *Supervisor) setWorkerID(id string) {
	s.mu.Lock()
	s.workerID = id
	s.mu.Unlock()
}

func (s *Supervisor) currentWorkerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerID
}

// Run drives the loop until the context is cancelled or the session
// fails fatally. Returns the fatal error, if any.
func (s *Supervisor) Run(ctx context.Context) error {
	sessionCtx, stopSession := context.WithCancel(context.Background())
	defer stopSession()
	go s.session.Run(sessionCtx)

	pollTicker := time.NewTicker(s.cfg.API.PollInterval())
	defer pollTicker.Stop()
	healthTicker := time.NewTicker(healthTick)
	defer healthTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupTick)
	defer cleanupTicker.Stop()

	var meshEvents <-chan mesh.Event
	if s.mesh != nil {
		meshEvents = s.mesh.Events()
	}
	results := s.executor.Results()

	for {
		select {
		case <-ctx.Done():
			s.shutdown("interrupted")
			return nil

		case ev, ok := <-s.session.Events():
			if !ok {
				s.shutdown("session closed")
				return nil
			}
			stop, fatal := s.handleSessionEvent(ev)
			if fatal != nil {
				s.shutdown("fatal session error")
				return fatal
			}
			if stop {
				s.shutdown("coordinator request")
				return nil
			}

		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			s.routeResult(result)

		case ev, ok := <-meshEvents:
			if !ok {
				meshEvents = nil
				continue
			}
			s.handleMeshEvent(ev)

		case <-pollTicker.C:
			s.pollHTTP(ctx)

		case <-healthTicker.C:
			s.checkHealth()

		case <-cleanupTicker.C:
			removed := s.tracker.CleanupOld(cleanupKeep)
			if removed > 0 {
				log.Printf("supervisor: dropped %d old task records", removed)
			}
		}
	}
}

// handleSessionEvent processes one coordinator event. stop asks for an
// orderly exit; a non-nil error terminates the worker with a failure.
func (s *Supervisor) handleSessionEvent(ev coordinator.Event) (stop bool, fatal error) {
	switch ev.Kind {
	case coordinator.EventRegistered:
		s.setWorkerID(ev.WorkerID)
		log.Printf("supervisor: registered with the coordinator as %s", ev.WorkerID)
		s.announceMeshAddr()

	case coordinator.EventDisconnected:
		log.Printf("supervisor: coordinator connection lost, session is reconnecting")

	case coordinator.EventFatal:
		return false, ev.Err

	case coordinator.EventMessage:
		return s.dispatchCoordinatorMessage(ev.Message), nil
	}
	return false, nil
}

// announceMeshAddr publishes this worker's mesh listener so peers can
// dial it.
func (s *Supervisor) announceMeshAddr() {
	if s.mesh == nil {
		return
	}
	s.session.Send(protocol.PeerDiscover{
		WorkerID:     s.currentWorkerID(),
		ListenAddr:   s.mesh.ListenAddr(),
		Capabilities: s.capabilities,
	})
}

// dispatchCoordinatorMessage returns true when the coordinator asked
// this worker to shut down.
func (s *Supervisor) dispatchCoordinatorMessage(msg protocol.Message) bool {
	switch m := msg.(type) {
	case *protocol.TaskAssignment:
		s.submitAssignment(m.Assignment, task.Origin{Kind: task.OriginCoordinator})

	case *protocol.TaskCancel:
		if !s.executor.Cancel(m.TaskID) {
			log.Printf("supervisor: cancel for unknown task %s", m.TaskID)
		}

	case *protocol.ConfigUpdate:
		log.Printf("supervisor: coordinator pushed a config update (persist=%v), restart to apply", m.Persist)

	case *protocol.Shutdown:
		log.Printf("supervisor: coordinator requested shutdown: %s", m.Reason)
		return true

	case *protocol.PeerDirectory:
		s.mergePeerDirectory(m)

	case *protocol.GroupAssigned:
		s.adoptGroup(m)

	case *protocol.GroupUpdate:
		s.applyGroupUpdate(m)

	case *protocol.ErrorMessage:
		log.Printf("supervisor: coordinator error %s: %s", m.Code, m.Message)

	case *protocol.HeartbeatAck:
		// Nothing to do; liveness only

	default:
		log.Printf("supervisor: ignoring unexpected %s message", msg.MessageType())
	}
	return false
}

// submitAssignment hands a task to the executor and reports immediate
// rejections back to the task's origin.
func (s *Supervisor) submitAssignment(a task.Assignment, origin task.Origin) {
	if err := s.executor.Submit(a, origin); err != nil {
		log.Printf("supervisor: rejecting task %s: %v", a.TaskID, err)
		s.deliverResult(executor.Result{TaskID: a.TaskID, Origin: origin, Err: err})
		return
	}

	metrics.SetActiveTasks(s.tracker.ActiveCount())
	if !s.tracker.CanAccept() && s.setStatus(protocol.StatusBusy) {
		s.session.UpdateStatus(protocol.StatusBusy)
	}
}

// routeResult sends a finished task wherever it came from and flips
// the worker back to Ready when the tracker drains.
func (s *Supervisor) routeResult(result executor.Result) {
	s.spoolCrawlPages(result)
	s.deliverResult(result)

	metrics.SetActiveTasks(s.tracker.ActiveCount())
	if entry, ok := s.tracker.Get(result.TaskID); ok {
		if taskType := entry.Assignment.Input.Kind(); taskType != "" {
			metrics.RecordTaskCompletion(string(taskType), result.Succeeded(),
				result.Metrics.ExecutionTime.Seconds(), result.Metrics.TokensProcessed)
		}
	}

	if s.tracker.ActiveCount() == 0 && s.setStatus(protocol.StatusReady) {
		s.session.UpdateStatus(protocol.StatusReady)
	}
}

// spoolCrawlPages persists a crawl result so pages survive until the
// poller ships them to the API.
func (s *Supervisor) spoolCrawlPages(result executor.Result) {
	if s.spool == nil || result.Output == nil || result.Output.WebCrawl == nil {
		return
	}
	pages := result.Output.WebCrawl.Pages
	if len(pages) == 0 {
		return
	}
	if err := s.spool.SpoolPages(context.Background(), result.TaskID, pages); err != nil {
		log.Printf("supervisor: spooling %d pages for %s failed: %v", len(pages), result.TaskID, err)
		return
	}
	metrics.RecordSpooledPages(len(pages))
}

func (s *Supervisor) deliverResult(result executor.Result) {
	switch result.Origin.Kind {
	case task.OriginHTTPPolled:
		if s.poller != nil && s.poller.TakePolled(result.TaskID) {
			if err := s.poller.PostResult(context.Background(), s.toProtocolResult(result)); err != nil {
				log.Printf("supervisor: posting result for %s failed: %v", result.TaskID, err)
			}
			return
		}
		s.session.SubmitResult(s.toProtocolResult(result))

	case task.OriginPeer:
		s.forwardResultToPeer(result)

	default:
		s.session.SubmitResult(s.toProtocolResult(result))
	}
}

func (s *Supervisor) forwardResultToPeer(result executor.Result) {
	if s.mesh == nil {
		return
	}
	output, err := json.Marshal(s.toProtocolResult(result))
	if err != nil {
		log.Printf("supervisor: encoding peer result %s failed: %v", result.TaskID, err)
		return
	}
	forward := protocol.PeerMessage{TaskResultForward: &protocol.TaskResultForward{
		TaskID: result.TaskID,
		Output: output,
	}}
	if err := s.mesh.Send(result.Origin.PeerWorkerID, forward); err != nil {
		log.Printf("supervisor: returning result %s to peer %s failed: %v",
			result.TaskID, result.Origin.PeerWorkerID, err)
	}
}

func (s *Supervisor) toProtocolResult(result executor.Result) protocol.TaskResult {
	out := protocol.TaskResult{
		TaskID:   result.TaskID,
		WorkerID: s.currentWorkerID(),
		Success:  result.Succeeded(),
		Output:   result.Output,
		Metrics: protocol.TaskMetrics{
			QueueTimeMs:     uint64(result.Metrics.QueueTime.Milliseconds()),
			ExecutionTimeMs: uint64(result.Metrics.ExecutionTime.Milliseconds()),
			TotalTimeMs:     uint64(result.Metrics.TotalTime.Milliseconds()),
		},
	}
	if result.Metrics.TokensProcessed > 0 {
		tokens := result.Metrics.TokensProcessed
		perSecond := float32(result.Metrics.TokensPerSecond)
		out.Metrics.TokensProcessed = &tokens
		out.Metrics.TokensPerSecond = &perSecond
	}
	if result.Err != nil {
		out.Error = &protocol.TaskError{
			Code:      errs.CodeOf(result.Err).String(),
			Message:   result.Err.Error(),
			Retryable: errs.IsRetryable(result.Err),
		}
	}
	return out
}

// mergePeerDirectory registers directory entries and dials new peers
// when auto-connect is on.
func (s *Supervisor) mergePeerDirectory(directory *protocol.PeerDirectory) {
	selfID := s.currentWorkerID()
	for _, entry := range directory.Peers {
		if entry.WorkerID == selfID {
			continue
		}
		s.peers.Register(peer.Info{
			WorkerID:     entry.WorkerID,
			Name:         entry.Name,
			ListenAddr:   entry.ListenAddr,
			Capabilities: entry.Capabilities,
			Status:       entry.Status,
		})

		if s.mesh != nil && s.cfg.Peer.AutoConnect && entry.ListenAddr != "" {
			go func(addr, id string) {
				if err := s.mesh.Connect(addr); err != nil {
					log.Printf("supervisor: dialing peer %s at %s failed: %v", id, addr, err)
				}
			}(entry.ListenAddr, entry.WorkerID)
		}
	}
	metrics.SetConnectedPeers(s.peers.Count())
}

func (s *Supervisor) adoptGroup(assigned *protocol.GroupAssigned) {
	members := make([]peer.Member, 0, len(assigned.Members))
	for _, m := range assigned.Members {
		members = append(members, peer.Member{
			WorkerID:      m.WorkerID,
			Role:          peer.Role(m.Role),
			ShardIndex:    m.ShardIndex,
			PipelineStage: m.PipelineStage,
		})
		if m.WorkerID != s.currentWorkerID() {
			s.peers.AddToGroup(m.WorkerID, assigned.GroupID)
		}
	}
	s.groups.AddGroup(peer.Group{
		ID:      assigned.GroupID,
		Purpose: assigned.Purpose,
		Members: members,
	})
	log.Printf("supervisor: joined group %s with %d members", assigned.GroupID, len(members))
}

func (s *Supervisor) applyGroupUpdate(update *protocol.GroupUpdate) {
	if update.Disbanded {
		s.groups.RemoveGroup(update.GroupID)
		for _, info := range s.peers.PeersInGroup(update.GroupID) {
			s.peers.RemoveFromGroup(info.WorkerID, update.GroupID)
		}
		return
	}
	for _, m := range update.Members {
		s.groups.AddMember(update.GroupID, peer.Member{
			WorkerID:      m.WorkerID,
			Role:          peer.Role(m.Role),
			ShardIndex:    m.ShardIndex,
			PipelineStage: m.PipelineStage,
		})
	}
}

// handleMeshEvent processes one peer event.
func (s *Supervisor) handleMeshEvent(ev mesh.Event) {
	switch ev.Kind {
	case mesh.EventPeerConnected, mesh.EventPeerDisconnected:
		metrics.SetConnectedPeers(s.mesh.PeerCount())

	case mesh.EventPeerMessage:
		s.dispatchPeerMessage(ev.PeerID, ev.Message)
	}
}

func (s *Supervisor) dispatchPeerMessage(peerID string, msg protocol.PeerMessage) {
	switch {
	case msg.TaskOffer != nil:
		s.answerTaskOffer(peerID, msg.TaskOffer)

	case msg.TaskData != nil:
		s.acceptPeerTask(peerID, msg.TaskData)

	case msg.GroupJoin != nil:
		s.peers.AddToGroup(peerID, msg.GroupJoin.GroupID)
		s.groups.AddMember(msg.GroupJoin.GroupID, peer.Member{
			WorkerID: peerID,
			Role:     peer.Role(msg.GroupJoin.Role),
		})

	case msg.GroupLeave != nil:
		s.peers.RemoveFromGroup(peerID, msg.GroupLeave.GroupID)
		s.groups.RemoveMember(msg.GroupLeave.GroupID, peerID)

	case msg.ShardReady != nil:
		s.groups.SetMemberReady(msg.ShardReady.GroupID, peerID, true)

	case msg.PeerStatus != nil:
		// Registry already updated by the mesh reader

	default:
		log.Printf("supervisor: unhandled %s from peer %s", msg.Kind(), peerID)
	}
}

// answerTaskOffer accepts work from a peer if there is capacity.
func (s *Supervisor) answerTaskOffer(peerID string, offer *protocol.TaskOffer) {
	_, err := s.backends.FindForTask(offer.TaskType)
	if s.tracker.CanAccept() && err == nil {
		s.sendToPeer(peerID, protocol.PeerMessage{TaskAccept: &protocol.TaskAccept{TaskID: offer.TaskID}})
		return
	}
	s.sendToPeer(peerID, protocol.PeerMessage{TaskReject: &protocol.TaskReject{
		TaskID: offer.TaskID,
		Reason: "no capacity",
	}})
}

// acceptPeerTask decodes a delegated assignment and runs it locally.
func (s *Supervisor) acceptPeerTask(peerID string, data *protocol.TaskData) {
	var assignment task.Assignment
	if err := json.Unmarshal(data.Data, &assignment); err != nil {
		log.Printf("supervisor: undecodable task payload from peer %s: %v", peerID, err)
		return
	}
	if assignment.TaskID == "" {
		assignment.TaskID = data.TaskID
	}
	s.submitAssignment(assignment, task.Origin{Kind: task.OriginPeer, PeerWorkerID: peerID})
}

func (s *Supervisor) sendToPeer(peerID string, msg protocol.PeerMessage) {
	if s.mesh == nil {
		return
	}
	if err := s.mesh.Send(peerID, msg); err != nil {
		log.Printf("supervisor: send to peer %s failed: %v", peerID, err)
	}
}

// pollHTTP pulls one task over HTTP and ships any spooled crawl pages.
func (s *Supervisor) pollHTTP(ctx context.Context) {
	if s.poller == nil || !s.poller.Enabled() {
		return
	}

	if s.tracker.CanAccept() {
		assignment, err := s.poller.Poll(ctx)
		if err != nil {
			log.Printf("supervisor: http poll failed: %v", err)
		} else if assignment != nil {
			s.submitAssignment(*assignment, task.Origin{Kind: task.OriginHTTPPolled})
		}
	}

	sent, err := s.poller.ForwardPages(ctx, pageForwardSize)
	if err != nil {
		log.Printf("supervisor: forwarding crawl pages failed: %v", err)
	} else if sent > 0 {
		log.Printf("supervisor: forwarded %d crawled pages", sent)
	}
}

// checkHealth warns on unhealthy backends and prunes stale peers.
func (s *Supervisor) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, kind := range s.backends.Kinds() {
		b, ok := s.backends.Get(kind)
		if !ok {
			continue
		}
		health := b.Health(ctx)
		if !health.Operational {
			detail := "no detail"
			if health.Error != nil {
				detail = *health.Error
			}
			log.Printf("supervisor: backend %s unhealthy: %s", kind, detail)
		}
	}

	if removed := s.peers.PruneStale(s.cfg.Peer.StaleTimeout()); len(removed) > 0 {
		log.Printf("supervisor: pruned %d stale peers", len(removed))
		metrics.SetConnectedPeers(s.peers.Count())
	}
}

// shutdown runs the orderly exit sequence. In-flight tasks are not
// pre-empted; their ids are reported as abandoned.
func (s *Supervisor) shutdown(reason string) {
	s.setStatus(protocol.StatusDraining)
	abandoned := s.tracker.RunningIDs()
	s.session.Shutdown(reason, abandoned)

	// The session goroutine closes its event channel once the farewell
	// is flushed and the socket is down; wait for that so the SHUTDOWN
	// envelope is not cut off mid-write.
	for range s.session.Events() {
	}

	if s.mesh != nil {
		s.mesh.Shutdown()
	}
	s.executor.Shutdown()
	log.Printf("supervisor: shut down (%s), %d tasks abandoned", reason, len(abandoned))
}
