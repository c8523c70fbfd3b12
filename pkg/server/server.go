package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/security"
	"github.com/drover-io/drover/pkg/types"
)

// ErrRobotNotConnected is returned when a send targets a robot without
// an active session.
var ErrRobotNotConnected = errors.New("robot not connected")

// ErrJobRejected is wrapped when a robot declines a job.
var ErrJobRejected = errors.New("job rejected")

// handshakeDeadline bounds how long a fresh connection may take to
// authenticate.
const handshakeDeadline = 30 * time.Second

// Callbacks hook session events into the engine. Nil callbacks are
// skipped.
type Callbacks struct {
	// Authenticate validates the handshake; a non-nil error rejects the
	// connection.
	Authenticate func(hs protocol.HandshakePayload, remoteAddr string) error

	// JobAccepted binds an accepted job to its robot. It runs on the
	// session's read goroutine before any later message from the robot is
	// handled, so a completion sent right behind the accept cannot outrun
	// the binding. A non-nil error fails the pending SendJob.
	JobAccepted func(jobID, robotID string) error

	RobotConnected    func(robot *types.Robot)
	RobotDisconnected func(robotID string)
	Heartbeat         func(hb types.Heartbeat)
	JobProgress       func(jobID string, progress float64, currentNode string)
	JobCompleted      func(jobID string, result json.RawMessage)
	JobFailed         func(jobID string, errorMessage string)
	JobCancelled      func(jobID string)
}

// Config tunes the robot listener.
type Config struct {
	ListenAddr          string
	Signer              *security.Signer // nil disables message signing
	DistributionTimeout time.Duration    // bound on the execute/ack round trip
}

// Server accepts robot connections and speaks the framed wire protocol.
// One session exists per robot; a robot reconnecting replaces its old
// session.
type Server struct {
	cfg Config
	cb  Callbacks

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]*session
	running  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a server.
func New(cfg Config, cb Callbacks) *Server {
	if cfg.DistributionTimeout <= 0 {
		cfg.DistributionTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		cb:       cb,
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
}

// Start binds the listener and begins accepting robots.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop()

	log.WithComponent("server").Info().Str("addr", ln.Addr().String()).Msg("robot listener started")
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every session, then waits for the
// connection handlers to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.ln
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	close(s.stopCh)
	err := ln.Close()
	for _, sess := range sessions {
		sess.close()
	}
	s.wg.Wait()
	return err
}

// SendJob delivers a job to its robot and waits for the accept/reject
// answer, bounded by the distribution timeout. When the JobAccepted
// callback rejects the binding, its error is the send outcome.
func (s *Server) SendJob(ctx context.Context, job *types.Job, robotID string) error {
	sess := s.session(robotID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrRobotNotConnected, robotID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DistributionTimeout)
	defer cancel()

	ch := sess.expectAck(job.ID)
	if err := sess.send(protocol.TypeExecuteJob, protocol.ExecuteJobPayload{Job: job}); err != nil {
		sess.forgetAck(job.ID)
		return err
	}

	msg, err := sess.awaitAck(ctx, job.ID, ch)
	if err != nil {
		return err
	}
	if msg.Type == protocol.TypeJobRejected {
		var ack protocol.JobAckPayload
		if err := msg.DecodePayload(&ack); err != nil {
			return fmt.Errorf("%w by %s", ErrJobRejected, robotID)
		}
		return fmt.Errorf("%w by %s: %s", ErrJobRejected, robotID, ack.Reason)
	}
	return nil
}

// CancelJob sets the cancel flag on the robot running a job. The robot
// reports the eventual termination through a job_cancelled message.
func (s *Server) CancelJob(robotID, jobID, reason string) error {
	sess := s.session(robotID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrRobotNotConnected, robotID)
	}
	return sess.send(protocol.TypeCancelJob, protocol.CancelJobPayload{JobID: jobID, Reason: reason})
}

// ConnectedRobots lists robots with an active session.
func (s *Server) ConnectedRobots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) session(robotID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[robotID]
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			log.WithComponent("server").Warn().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn walks one connection through the session lifecycle:
// handshake, steady-state message loop, teardown.
func (s *Server) handleConn(conn net.Conn) {
	logger := log.WithComponent("server").With().Str("remote", conn.RemoteAddr().String()).Logger()
	sess := newSession(uuid.New().String(), conn, s.cfg.Signer)
	defer conn.Close()

	robot, err := s.handshake(sess)
	if err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		sess.setState(stateFailed)
		s.sendError(sess, "handshake_failed", err.Error())
		return
	}

	s.register(robot.ID, sess)
	sess.setState(stateRunning)
	logger.Info().Str("robot_id", robot.ID).Msg("robot connected")
	if s.cb.RobotConnected != nil {
		s.cb.RobotConnected(robot)
	}

	s.readLoop(sess)

	// Teardown: a replaced session must not unregister its successor.
	replaced := s.unregister(robot.ID, sess)
	sess.setState(stateClosed)
	logger.Info().Str("robot_id", robot.ID).Msg("robot disconnected")
	if !replaced && s.cb.RobotDisconnected != nil {
		s.cb.RobotDisconnected(robot.ID)
	}
}

func (s *Server) handshake(sess *session) (*types.Robot, error) {
	sess.conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	defer sess.conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(sess.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake: %w", err)
	}
	if msg.Type != protocol.TypeHandshake {
		return nil, fmt.Errorf("expected handshake, got %s", msg.Type)
	}
	if s.cfg.Signer != nil && !msg.VerifySignature(s.cfg.Signer) {
		return nil, errors.New("invalid handshake signature")
	}

	sess.setState(stateAuthenticating)

	var hs protocol.HandshakePayload
	if err := msg.DecodePayload(&hs); err != nil {
		return nil, err
	}
	if hs.RobotID == "" {
		return nil, errors.New("handshake missing robot_id")
	}
	if s.cb.Authenticate != nil {
		if err := s.cb.Authenticate(hs, sess.conn.RemoteAddr().String()); err != nil {
			return nil, err
		}
	}

	sess.mu.Lock()
	sess.robotID = hs.RobotID
	sess.state = stateAuthenticated
	sess.mu.Unlock()

	ack := protocol.HandshakeAckPayload{SessionID: sess.id, ServerVersion: protocol.Version}
	if err := sess.send(protocol.TypeHandshakeAck, ack); err != nil {
		return nil, err
	}

	maxJobs := hs.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &types.Robot{
		ID:                hs.RobotID,
		Name:              hs.Name,
		Status:            types.RobotStatusOnline,
		Environment:       hs.Environment,
		Tags:              hs.Tags,
		Capabilities:      hs.Capabilities,
		MaxConcurrentJobs: maxJobs,
		LastHeartbeat:     time.Now(),
	}, nil
}

func (s *Server) readLoop(sess *session) {
	for {
		msg, err := protocol.ReadMessage(sess.conn)
		if err != nil {
			return
		}
		if s.cfg.Signer != nil && !msg.VerifySignature(s.cfg.Signer) {
			log.WithRobotID(sess.robotID).Warn().Msg("dropping message with bad signature")
			s.sendError(sess, "bad_signature", "message signature verification failed")
			return
		}
		s.handleMessage(sess, msg)
	}
}

func (s *Server) handleMessage(sess *session, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.HeartbeatPayload
		if err := msg.DecodePayload(&hb); err != nil {
			return
		}
		metrics.HeartbeatsReceived.Inc()
		if s.cb.Heartbeat != nil {
			s.cb.Heartbeat(types.Heartbeat{
				RobotID:       sess.robotID,
				CPUPercent:    hb.CPUPercent,
				MemoryPercent: hb.MemoryPercent,
				DiskPercent:   hb.DiskPercent,
				ActiveJobs:    hb.ActiveJobs,
				Timestamp:     time.Now(),
			})
		}

	case protocol.TypeJobAccepted, protocol.TypeJobRejected:
		var ack protocol.JobAckPayload
		if err := msg.DecodePayload(&ack); err != nil {
			return
		}
		var bindErr error
		if msg.Type == protocol.TypeJobAccepted && s.cb.JobAccepted != nil {
			bindErr = s.cb.JobAccepted(ack.JobID, sess.robotID)
		}
		if !sess.resolveAck(ack.JobID, msg, bindErr) {
			log.WithRobotID(sess.robotID).Warn().
				Str("job_id", ack.JobID).
				Msg("ack for unknown job, likely a timed-out dispatch")
		}

	case protocol.TypeJobProgress:
		var p protocol.JobProgressPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		if s.cb.JobProgress != nil {
			s.cb.JobProgress(p.JobID, p.Progress, p.CurrentNode)
		}

	case protocol.TypeJobCompleted:
		var c protocol.JobCompletedPayload
		if err := msg.DecodePayload(&c); err != nil {
			return
		}
		if s.cb.JobCompleted != nil {
			s.cb.JobCompleted(c.JobID, c.Result)
		}

	case protocol.TypeJobFailed:
		var f protocol.JobFailedPayload
		if err := msg.DecodePayload(&f); err != nil {
			return
		}
		if s.cb.JobFailed != nil {
			s.cb.JobFailed(f.JobID, f.ErrorMessage)
		}

	case protocol.TypeJobCancelled:
		var c protocol.JobCancelledPayload
		if err := msg.DecodePayload(&c); err != nil {
			return
		}
		if s.cb.JobCancelled != nil {
			s.cb.JobCancelled(c.JobID)
		}

	default:
		log.WithRobotID(sess.robotID).Debug().
			Str("type", string(msg.Type)).
			Msg("ignoring unexpected message")
	}
}

func (s *Server) register(robotID string, sess *session) {
	s.mu.Lock()
	old := s.sessions[robotID]
	s.sessions[robotID] = sess
	s.mu.Unlock()

	if old != nil {
		log.WithRobotID(robotID).Info().Msg("replacing existing session")
		old.close()
	}
}

// unregister removes the session and reports whether a newer session for
// the same robot has already taken its place.
func (s *Server) unregister(robotID string, sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[robotID]
	if !ok {
		return false
	}
	if current != sess {
		return true
	}
	delete(s.sessions, robotID)
	return false
}

func (s *Server) sendError(sess *session, code, message string) {
	_ = sess.send(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}
