package mesh

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ai4all/worker/internal/domain/peer"
	"github.com/ai4all/worker/internal/errs"
	"github.com/ai4all/worker/internal/infrastructure/config"
	"github.com/ai4all/worker/internal/protocol"
)

const (
	connectTimeout = 10 * time.Second
	handshakeWait  = 5 * time.Second
	writeTimeout   = 10 * time.Second
	eventBuffer    = 100
	sendBuffer     = 64
)

// EventKind discriminates mesh events.
type EventKind string

const (
	EventPeerConnected    EventKind = "PEER_CONNECTED"
	EventPeerDisconnected EventKind = "PEER_DISCONNECTED"
	EventPeerMessage      EventKind = "PEER_MESSAGE"
)

// Event is delivered to the supervisor for every mesh occurrence.
type Event struct {
	Kind    EventKind
	PeerID  string
	Message protocol.PeerMessage
}

// peerConn is one live connection. The writer drains send; the reader
// owns teardown.
type peerConn struct {
	workerID string
	conn     net.Conn
	send     chan protocol.PeerMessage

	mu     sync.Mutex
	closed bool

	pingMu     sync.Mutex
	pingSeq    uint64
	pingSentAt time.Time
}

func (p *peerConn) trySend(msg protocol.PeerMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (p *peerConn) markClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	close(p.send)
	return true
}

// Manager owns the mesh listener and all peer connections.
type Manager struct {
	workerID     string
	capabilities protocol.WorkerCapabilities
	registry     *peer.Registry
	cfg          config.PeerConfig

	listener net.Listener
	events   chan Event
	done     chan struct{}

	mu    sync.Mutex
	conns map[string]*peerConn

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewManager creates a mesh manager. Start must be called before any
// connection activity.
func NewManager(workerID string, capabilities protocol.WorkerCapabilities, registry *peer.Registry, cfg config.PeerConfig) *Manager {
	return &Manager{
		workerID:     workerID,
		capabilities: capabilities,
		registry:     registry,
		cfg:          cfg,
		events:       make(chan Event, eventBuffer),
		done:         make(chan struct{}),
		conns:        make(map[string]*peerConn),
	}
}

// Start opens the mesh listener and begins accepting peers. A listen
// port of zero lets the OS pick one.
func (m *Manager) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", m.cfg.ListenPort))
	if err != nil {
		return errs.Wrap(errs.CodeConnectionFailed, "opening mesh listener", err)
	}
	m.listener = listener

	m.wg.Add(2)
	go m.acceptLoop()
	go m.pingLoop()
	return nil
}

// ListenAddr returns the bound listener address.
func (m *Manager) ListenAddr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Events returns the channel the supervisor consumes.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// PeerCount returns the number of live connections.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.done:
			default:
				log.Printf("mesh: accept failed: %v", err)
			}
			return
		}

		if m.PeerCount() >= int(m.cfg.MaxPeers) {
			log.Printf("mesh: rejecting %s, peer limit %d reached", conn.RemoteAddr(), m.cfg.MaxPeers)
			conn.Close()
			continue
		}

		m.wg.Add(1)
		go m.handleInbound(conn)
	}
}

// handleInbound performs the server side of the handshake. The first
// frame must be a Hello.
func (m *Manager) handleInbound(conn net.Conn) {
	defer m.wg.Done()

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	msg, err := ReadFrame(conn)
	if err != nil || msg.Hello == nil {
		log.Printf("mesh: handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	ack := protocol.PeerMessage{HelloAck: &protocol.HelloAck{WorkerID: m.workerID}}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := WriteFrame(conn, ack); err != nil {
		log.Printf("mesh: hello ack to %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Time{})

	m.adoptPeer(conn, msg.Hello.WorkerID, msg.Hello.Capabilities)
}

// Connect dials a peer, performs the client side of the handshake and
// registers the connection.
func (m *Manager) Connect(addr string) error {
	select {
	case <-m.done:
		return errs.New(errs.CodeConnectionFailed, "mesh is shut down")
	default:
	}

	if m.PeerCount() >= int(m.cfg.MaxPeers) {
		return errs.Newf(errs.CodeResourceCapacity, "peer limit %d reached, not dialing %s", m.cfg.MaxPeers, addr)
	}

	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return errs.Wrap(errs.CodeConnectionRefused, "dialing peer "+addr, err)
	}

	hello := protocol.PeerMessage{Hello: &protocol.Hello{
		WorkerID:     m.workerID,
		Capabilities: m.capabilities,
	}}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := WriteFrame(conn, hello); err != nil {
		conn.Close()
		return err
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	msg, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return errs.Wrap(errs.CodeConnectionFailed, "waiting for hello ack from "+addr, err)
	}
	if msg.HelloAck == nil {
		conn.Close()
		return errs.Newf(errs.CodeProtocolUnexpected, "peer %s answered hello with %s", addr, msg.Kind())
	}
	conn.SetReadDeadline(time.Time{})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.adoptPeer(conn, msg.HelloAck.WorkerID, protocol.WorkerCapabilities{})
	}()
	return nil
}

// adoptPeer registers a handshaken connection and runs its loops until
// the reader exits.
func (m *Manager) adoptPeer(conn net.Conn, workerID string, capabilities protocol.WorkerCapabilities) {
	p := &peerConn{
		workerID: workerID,
		conn:     conn,
		send:     make(chan protocol.PeerMessage, sendBuffer),
	}

	m.mu.Lock()
	if previous, ok := m.conns[workerID]; ok {
		// A reconnecting peer supersedes its old connection
		if previous.markClosed() {
			previous.conn.Close()
		}
	}
	m.conns[workerID] = p
	m.mu.Unlock()

	m.registry.Register(peer.Info{
		WorkerID:     workerID,
		ListenAddr:   conn.RemoteAddr().String(),
		Capabilities: capabilities,
		Status:       protocol.StatusReady,
	})
	m.emit(Event{Kind: EventPeerConnected, PeerID: workerID})

	m.wg.Add(1)
	go m.writeLoop(p)
	m.readLoop(p)
	m.dropPeer(p)
}

func (m *Manager) writeLoop(p *peerConn) {
	defer m.wg.Done()
	for msg := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := WriteFrame(p.conn, msg); err != nil {
			log.Printf("mesh: write to %s failed: %v", p.workerID, err)
			p.conn.Close()
			return
		}
	}
}

func (m *Manager) readLoop(p *peerConn) {
	for {
		msg, err := ReadFrame(p.conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("mesh: connection to %s lost: %v", p.workerID, err)
			}
			return
		}
		m.registry.Touch(p.workerID)

		switch {
		case msg.Ping != nil:
			p.trySend(protocol.PeerMessage{Pong: &protocol.Pong{Seq: msg.Ping.Seq}})

		case msg.Pong != nil:
			p.pingMu.Lock()
			if msg.Pong.Seq == p.pingSeq && !p.pingSentAt.IsZero() {
				latency := uint32(time.Since(p.pingSentAt).Milliseconds())
				m.registry.UpdateLatency(p.workerID, latency)
			}
			p.pingMu.Unlock()

		case msg.PeerStatus != nil:
			m.registry.UpdateStatus(p.workerID, msg.PeerStatus.Status)
			m.emit(Event{Kind: EventPeerMessage, PeerID: p.workerID, Message: msg})

		default:
			m.emit(Event{Kind: EventPeerMessage, PeerID: p.workerID, Message: msg})
		}
	}
}

// dropPeer tears down one connection after its reader exited.
func (m *Manager) dropPeer(p *peerConn) {
	if !p.markClosed() {
		return
	}
	p.conn.Close()

	m.mu.Lock()
	if current, ok := m.conns[p.workerID]; ok && current == p {
		delete(m.conns, p.workerID)
	}
	m.mu.Unlock()

	m.registry.Remove(p.workerID)
	m.emit(Event{Kind: EventPeerDisconnected, PeerID: p.workerID})
}

func (m *Manager) pingLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PingInterval())
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			seq++
			m.mu.Lock()
			conns := make([]*peerConn, 0, len(m.conns))
			for _, p := range m.conns {
				conns = append(conns, p)
			}
			m.mu.Unlock()

			for _, p := range conns {
				p.pingMu.Lock()
				p.pingSeq = seq
				p.pingSentAt = time.Now()
				p.pingMu.Unlock()
				p.trySend(protocol.PeerMessage{Ping: &protocol.Ping{Seq: seq}})
			}
		}
	}
}

// Send queues a message for one peer.
func (m *Manager) Send(workerID string, msg protocol.PeerMessage) error {
	m.mu.Lock()
	p, ok := m.conns[workerID]
	m.mu.Unlock()
	if !ok {
		return errs.Newf(errs.CodeConnectionFailed, "no connection to peer %s", workerID)
	}
	if !p.trySend(msg) {
		return errs.Newf(errs.CodeResourceCapacity, "send queue for peer %s is full", workerID)
	}
	return nil
}

// Broadcast queues a message on every peer best-effort and returns the
// number of peers it reached. Full or closed queues are skipped.
func (m *Manager) Broadcast(msg protocol.PeerMessage) int {
	m.mu.Lock()
	conns := make([]*peerConn, 0, len(m.conns))
	for _, p := range m.conns {
		conns = append(conns, p)
	}
	m.mu.Unlock()

	sent := 0
	for _, p := range conns {
		if p.trySend(msg) {
			sent++
		} else {
			log.Printf("mesh: skipping %s on broadcast, queue unavailable", p.workerID)
		}
	}
	return sent
}

// SendToGroup queues a message on every connected member of a group.
func (m *Manager) SendToGroup(groupID string, msg protocol.PeerMessage) int {
	sent := 0
	for _, info := range m.registry.PeersInGroup(groupID) {
		if err := m.Send(info.WorkerID, msg); err == nil {
			sent++
		}
	}
	return sent
}

// Shutdown drops every connection and stops the listener. Safe to call
// more than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.done)
		if m.listener != nil {
			m.listener.Close()
		}

		m.mu.Lock()
		conns := make([]*peerConn, 0, len(m.conns))
		for _, p := range m.conns {
			conns = append(conns, p)
		}
		m.mu.Unlock()

		for _, p := range conns {
			if p.markClosed() {
				p.conn.Close()
			}
		}
		m.wg.Wait()
		close(m.events)
	})
}

// emit delivers an event unless the mesh is shutting down.
func (m *Manager) emit(ev Event) {
	select {
	case <-m.done:
	case m.events <- ev:
	}
}
