// Package coordinator maintains the reconnecting WebSocket session to
// the central coordinator.
package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ai4all/worker/internal/adapters/metrics"
	"github.com/ai4all/worker/internal/errs"
	"github.com/ai4all/worker/internal/infrastructure/config"
	"github.com/ai4all/worker/internal/protocol"
)

const (
	registerAckWait     = 30 * time.Second
	maxReconnectBackoff = 60 * time.Second
	sessionWriteTimeout = 10 * time.Second
	eventBuffer         = 100
	commandBuffer       = 100
)

// ConnectionState tracks where the session is in its lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateRegistered   ConnectionState = "REGISTERED"
	StateReconnecting ConnectionState = "RECONNECTING"
	StateShuttingDown ConnectionState = "SHUTTING_DOWN"
)

// EventKind discriminates session events.
type EventKind string

const (
	EventRegistered   EventKind = "REGISTERED"
	EventMessage      EventKind = "MESSAGE"
	EventDisconnected EventKind = "DISCONNECTED"
	EventFatal        EventKind = "FATAL"
)

// Event is what the supervisor receives from the session.
type Event struct {
	Kind     EventKind
	WorkerID string
	Message  protocol.Message
	Err      error
}

// Identity is what the worker presents at registration.
type Identity struct {
	WorkerID  string
	Name      string
	Tags      []string
	AuthToken string
}

// HeartbeatSource supplies the live heartbeat payload. The session
// fills in the worker id.
type HeartbeatSource interface {
	HeartbeatSnapshot() protocol.Heartbeat
}

type cmdSend struct{ msg protocol.Message }
type cmdStatus struct{ status protocol.WorkerStatus }
type cmdResult struct{ result protocol.TaskResult }
type cmdShutdown struct {
	reason    string
	abandoned []string
}

// Session is the reconnecting coordinator connection. Run drives the
// whole lifecycle; commands arrive via the exported methods.
type Session struct {
	cfg          config.CoordinatorConfig
	identity     Identity
	capabilities protocol.WorkerCapabilities
	source       HeartbeatSource

	events   chan Event
	commands chan any

	state    ConnectionState
	workerID string

	// results buffered while disconnected, flushed after registration
	pending []protocol.TaskResult
}

// NewSession creates a session. Run must be called to connect.
func NewSession(cfg config.CoordinatorConfig, identity Identity, capabilities protocol.WorkerCapabilities, source HeartbeatSource) *Session {
	return &Session{
		cfg:          cfg,
		identity:     identity,
		capabilities: capabilities,
		source:       source,
		events:       make(chan Event, eventBuffer),
		commands:     make(chan any, commandBuffer),
		state:        StateDisconnected,
	}
}

// Events returns the channel the supervisor consumes.
func (s *Session) Events() <-chan Event {
	return s.events
}

// WorkerID returns the coordinator-assigned id, empty before the first
// successful registration.
func (s *Session) WorkerID() string {
	return s.workerID
}

// Send queues an arbitrary message for the coordinator.
func (s *Session) Send(msg protocol.Message) {
	s.commands <- cmdSend{msg: msg}
}

// UpdateStatus queues a status change notification.
func (s *Session) UpdateStatus(status protocol.WorkerStatus) {
	s.commands <- cmdStatus{status: status}
}

// SubmitResult queues a task result. Results are buffered across
// reconnects.
func (s *Session) SubmitResult(result protocol.TaskResult) {
	s.commands <- cmdResult{result: result}
}

// Shutdown asks the session to announce a graceful shutdown and stop.
func (s *Session) Shutdown(reason string, abandonedTasks []string) {
	s.commands <- cmdShutdown{reason: reason, abandoned: abandonedTasks}
}

// Run drives the reconnect loop until shutdown or a fatal error. It
// closes the event channel on exit.
func (s *Session) Run(ctx context.Context) {
	defer close(s.events)

	backoff := s.cfg.ReconnectInterval()
	var failures uint32

	for {
		s.state = StateConnecting
		conn, err := s.connectAndRegister(ctx)
		if err != nil {
			if errs.IsFatal(err) {
				s.state = StateDisconnected
				s.events <- Event{Kind: EventFatal, Err: err}
				return
			}

			failures++
			if s.cfg.MaxReconnectAttempts > 0 && failures >= s.cfg.MaxReconnectAttempts {
				s.state = StateDisconnected
				s.events <- Event{Kind: EventFatal, Err: errs.Newf(errs.CodeConnectionFailed,
					"giving up on the coordinator after %d attempts", failures)}
				return
			}

			s.state = StateReconnecting
			metrics.RecordReconnect()
			log.Printf("coordinator: connect failed (%v), retrying in %s", err, backoff)
			if !s.waitBackoff(ctx, backoff) {
				s.state = StateShuttingDown
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Registration succeeded
		failures = 0
		backoff = s.cfg.ReconnectInterval()
		metrics.SetConnectionState(true)

		shuttingDown := s.operate(ctx, conn)
		metrics.SetConnectionState(false)
		conn.close()
		if shuttingDown {
			s.state = StateShuttingDown
			return
		}

		s.state = StateReconnecting
		metrics.RecordReconnect()
		s.events <- Event{Kind: EventDisconnected}
		if !s.waitBackoff(ctx, backoff) {
			s.state = StateShuttingDown
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// waitBackoff sleeps between reconnect cycles. Shutdown commands and
// context cancellation are honoured; returns false to stop the loop.
func (s *Session) waitBackoff(ctx context.Context, backoff time.Duration) bool {
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case cmd := <-s.commands:
			switch c := cmd.(type) {
			case cmdShutdown:
				return false
			case cmdResult:
				s.pending = append(s.pending, c.result)
			default:
				// Other commands are meaningless while disconnected
			}
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxReconnectBackoff {
		return maxReconnectBackoff
	}
	return next
}

// session wraps one live connection.
type session struct {
	conn              *websocket.Conn
	inbound           chan protocol.Message
	readErr           chan error
	heartbeatInterval time.Duration
}

func (c *session) close() {
	c.conn.Close()
}

// connectAndRegister dials the coordinator and completes registration,
// returning a live connection ready for steady-state operation.
func (s *Session) connectAndRegister(ctx context.Context) (*session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout()}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnectionFailed, "dialing coordinator", err)
	}
	s.state = StateConnected

	register := protocol.Register{
		Name:         s.identity.Name,
		Capabilities: s.capabilities,
		Tags:         s.identity.Tags,
	}
	if s.identity.WorkerID != "" {
		register.WorkerID = &s.identity.WorkerID
	}
	if s.identity.AuthToken != "" {
		register.AuthToken = &s.identity.AuthToken
	}
	if err := writeEnvelope(conn, register); err != nil {
		conn.Close()
		return nil, err
	}

	ack, err := awaitRegisterAck(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if !protocol.Current.CompatibleWith(ack.CoordinatorVersion) {
		conn.Close()
		return nil, errs.Newf(errs.CodeProtocolVersion,
			"coordinator speaks protocol %s, this worker requires %s-compatible",
			ack.CoordinatorVersion, protocol.Current)
	}

	s.workerID = ack.WorkerID
	s.state = StateRegistered

	interval := s.cfg.HeartbeatInterval()
	if ack.HeartbeatIntervalSecs > 0 {
		interval = time.Duration(ack.HeartbeatIntervalSecs) * time.Second
	}

	c := &session{
		conn:              conn,
		inbound:           make(chan protocol.Message, eventBuffer),
		readErr:           make(chan error, 1),
		heartbeatInterval: interval,
	}
	go c.readLoop()

	s.events <- Event{Kind: EventRegistered, WorkerID: ack.WorkerID}
	return c, nil
}

// awaitRegisterAck reads until the registration ack arrives. An Error
// message or a refusal during this window is an authentication failure
// and is not retried.
func awaitRegisterAck(conn *websocket.Conn) (*protocol.RegisterAck, error) {
	conn.SetReadDeadline(time.Now().Add(registerAckWait))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, errs.New(errs.CodeAuthenticationFailed, "registration ack timed out")
			}
			return nil, errs.Wrap(errs.CodeConnectionLost, "waiting for registration ack", err)
		}
		envelope, err := protocol.DecodeEnvelope(data)
		if err != nil {
			return nil, err
		}

		switch msg := envelope.Message.(type) {
		case *protocol.RegisterAck:
			if !msg.Success {
				reason := "registration refused"
				if msg.Error != nil {
					reason = *msg.Error
				}
				return nil, errs.New(errs.CodeAuthenticationFailed, reason)
			}
			return msg, nil

		case *protocol.ErrorMessage:
			return nil, errs.Newf(errs.CodeAuthenticationFailed,
				"coordinator rejected registration: %s", msg.Message)

		default:
			// Anything else before the ack is dropped
		}
	}
}

func (c *session) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr <- err
			close(c.inbound)
			return
		}
		envelope, err := protocol.DecodeEnvelope(data)
		if err != nil {
			log.Printf("coordinator: dropping malformed frame: %v", err)
			continue
		}
		c.inbound <- envelope.Message
	}
}

// operate runs the steady-state loop on one registered connection.
// Returns true when the session should shut down for good.
func (s *Session) operate(ctx context.Context, c *session) bool {
	// Flush results buffered while disconnected. Each result leaves
	// the buffer as soon as its write succeeds so a mid-flush failure
	// never re-sends delivered results on the next connection.
	for len(s.pending) > 0 {
		result := s.pending[0]
		if err := writeEnvelope(c.conn, result); err != nil {
			log.Printf("coordinator: flushing buffered result %s failed: %v", result.TaskID, err)
			return false
		}
		s.pending = s.pending[1:]
	}

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.announceShutdown(c, "interrupted", nil)
			return true

		case <-ticker.C:
			heartbeat := s.source.HeartbeatSnapshot()
			heartbeat.WorkerID = s.workerID
			if err := writeEnvelope(c.conn, heartbeat); err != nil {
				log.Printf("coordinator: heartbeat failed: %v", err)
				return false
			}
			metrics.RecordHeartbeat()

		case err := <-c.readErr:
			log.Printf("coordinator: connection lost: %v", err)
			return false

		case msg, ok := <-c.inbound:
			if !ok {
				continue
			}
			if fatal := s.dispatch(msg); fatal {
				return true
			}

		case cmd := <-s.commands:
			switch command := cmd.(type) {
			case cmdSend:
				if err := writeEnvelope(c.conn, command.msg); err != nil {
					return false
				}
			case cmdStatus:
				update := protocol.StatusUpdate{WorkerID: s.workerID, Status: command.status}
				if err := writeEnvelope(c.conn, update); err != nil {
					return false
				}
			case cmdResult:
				if err := writeEnvelope(c.conn, command.result); err != nil {
					s.pending = append(s.pending, command.result)
					return false
				}
			case cmdShutdown:
				s.announceShutdown(c, command.reason, command.abandoned)
				return true
			}
		}
	}
}

// dispatch forwards an inbound message to the supervisor. Returns true
// for a fatal coordinator error.
func (s *Session) dispatch(msg protocol.Message) bool {
	if errMsg, ok := msg.(*protocol.ErrorMessage); ok && errMsg.Fatal {
		s.events <- Event{Kind: EventFatal, Err: errs.Newf(errs.CodeConnectionLost,
			"coordinator reported fatal error %s: %s", errMsg.Code, errMsg.Message)}
		return true
	}
	s.events <- Event{Kind: EventMessage, Message: msg}
	return false
}

func (s *Session) announceShutdown(c *session, reason string, abandoned []string) {
	s.state = StateShuttingDown
	shutdown := protocol.Shutdown{
		WorkerID:       s.workerID,
		Reason:         reason,
		Graceful:       true,
		AbandonedTasks: abandoned,
	}
	if abandoned == nil {
		shutdown.AbandonedTasks = []string{}
	}
	if err := writeEnvelope(c.conn, shutdown); err != nil {
		return
	}
	deadline := time.Now().Add(sessionWriteTimeout)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"), deadline)
}

func writeEnvelope(conn *websocket.Conn, msg protocol.Message) error {
	data, err := json.Marshal(protocol.NewEnvelope(msg))
	if err != nil {
		return errs.Wrap(errs.CodeProtocolMalformed, "encoding envelope", err)
	}
	conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.Wrap(errs.CodeConnectionLost, "writing to coordinator", err)
	}
	return nil
}
