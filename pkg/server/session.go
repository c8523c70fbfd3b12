package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/security"
)

// sessionState tracks a robot connection through its lifecycle.
type sessionState string

const (
	stateConnected      sessionState = "connected"
	stateAuthenticating sessionState = "authenticating"
	stateAuthenticated  sessionState = "authenticated"
	stateRunning        sessionState = "running"
	stateFailed         sessionState = "failed"
	stateClosed         sessionState = "closed"
)

// session is one robot connection. Outbound writes are serialized and
// carry per-session monotonic message ids; job acks are routed back to
// the waiting SendJob call through the pending map.
type session struct {
	id     string
	conn   net.Conn
	signer *security.Signer

	mu      sync.Mutex
	state   sessionState
	robotID string
	nextID  uint64
	pending map[string]chan ackResult

	writeMu sync.Mutex
}

// ackResult pairs the robot's answer with the outcome of binding the
// accepted job on the read goroutine.
type ackResult struct {
	msg *protocol.Message
	err error
}

func newSession(id string, conn net.Conn, signer *security.Signer) *session {
	return &session{
		id:      id,
		conn:    conn,
		signer:  signer,
		state:   stateConnected,
		pending: make(map[string]chan ackResult),
	}
}

func (s *session) setState(state sessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// send frames one message to the robot.
func (s *session) send(msgType protocol.MessageType, payload any) error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	msg, err := protocol.New(msgType, id, payload)
	if err != nil {
		return err
	}
	if s.signer != nil {
		if err := msg.Sign(s.signer); err != nil {
			return err
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteMessage(s.conn, msg)
}

// expectAck registers interest in the ack for a job before the job is
// sent, so the response cannot race past the waiter.
func (s *session) expectAck(jobID string) chan ackResult {
	ch := make(chan ackResult, 1)
	s.mu.Lock()
	s.pending[jobID] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) forgetAck(jobID string) {
	s.mu.Lock()
	delete(s.pending, jobID)
	s.mu.Unlock()
}

// resolveAck hands an inbound ack and its bind outcome to the waiter.
// Returns false when no SendJob call is waiting for that job.
func (s *session) resolveAck(jobID string, msg *protocol.Message, bindErr error) bool {
	s.mu.Lock()
	ch, ok := s.pending[jobID]
	if ok {
		delete(s.pending, jobID)
	}
	s.mu.Unlock()
	if ok {
		ch <- ackResult{msg: msg, err: bindErr}
	}
	return ok
}

// awaitAck blocks until the robot answers or the context expires.
func (s *session) awaitAck(ctx context.Context, jobID string, ch chan ackResult) (*protocol.Message, error) {
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		s.forgetAck(jobID)
		return nil, fmt.Errorf("robot %s did not answer for job %s: %w", s.robotID, jobID, ctx.Err())
	}
}

func (s *session) close() {
	s.setState(stateClosed)
	s.conn.Close()
}
