package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/security"
	"github.com/drover-io/drover/pkg/types"
)

// ExecutorFunc runs one job on the robot. report pushes progress to the
// server; the returned raw message becomes the job result. A context
// cancellation means the server cancelled the job.
type ExecutorFunc func(ctx context.Context, job *types.Job, report func(progress float64, node string)) (json.RawMessage, error)

// Telemetry samples local resource usage for heartbeats.
type Telemetry func() (cpuPercent, memoryPercent, diskPercent float64)

// Config identifies the robot and tunes its connection.
type Config struct {
	ServerAddr        string
	RobotID           string
	Name              string
	Token             string
	Capabilities      []string
	Tags              []string
	Environment       string
	MaxJobs           int
	HeartbeatInterval time.Duration    // default 30s
	Signer            *security.Signer // must match the server's secret when signing is on
	Executor          ExecutorFunc     // nil runs the built-in simulated executor
	Telemetry         Telemetry        // nil reports zeros
}

// Robot is the agent side of the wire protocol: it dials the server,
// handshakes, heartbeats, and executes assigned jobs, gating acceptance
// on its concurrent-job capacity.
type Robot struct {
	cfg Config

	mu        sync.Mutex
	conn      net.Conn
	sessionID string
	nextID    uint64
	active    map[string]context.CancelFunc
	connected bool

	writeMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a robot agent.
func New(cfg Config) *Robot {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Executor == nil {
		cfg.Executor = simulateExecution
	}
	return &Robot{
		cfg:    cfg,
		active: make(map[string]context.CancelFunc),
		stopCh: make(chan struct{}),
	}
}

// Connect dials the server and completes the handshake, then starts the
// heartbeat and message loops.
func (r *Robot) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", r.cfg.ServerAddr, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	if err := r.handshake(); err != nil {
		conn.Close()
		return err
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()

	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.readLoop()

	log.WithRobotID(r.cfg.RobotID).Info().Str("server", r.cfg.ServerAddr).Msg("connected")
	return nil
}

// SessionID returns the id assigned by the server's handshake ack.
func (r *Robot) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// ActiveJobs returns the number of jobs currently executing.
func (r *Robot) ActiveJobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close cancels running jobs, closes the connection and waits for the
// loops to finish.
func (r *Robot) Close() error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	r.connected = false
	conn := r.conn
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()

	close(r.stopCh)
	err := conn.Close()
	r.wg.Wait()
	return err
}

func (r *Robot) handshake() error {
	err := r.send(protocol.TypeHandshake, protocol.HandshakePayload{
		RobotID:      r.cfg.RobotID,
		Name:         r.cfg.Name,
		Token:        r.cfg.Token,
		Capabilities: r.cfg.Capabilities,
		Tags:         r.cfg.Tags,
		Environment:  r.cfg.Environment,
		MaxJobs:      r.cfg.MaxJobs,
	})
	if err != nil {
		return err
	}

	r.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer r.conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(r.conn)
	if err != nil {
		return fmt.Errorf("failed to read handshake answer: %w", err)
	}
	switch msg.Type {
	case protocol.TypeHandshakeAck:
		var ack protocol.HandshakeAckPayload
		if err := msg.DecodePayload(&ack); err != nil {
			return err
		}
		r.mu.Lock()
		r.sessionID = ack.SessionID
		r.mu.Unlock()
		return nil
	case protocol.TypeError:
		var e protocol.ErrorPayload
		if err := msg.DecodePayload(&e); err != nil {
			return errors.New("handshake rejected")
		}
		return fmt.Errorf("handshake rejected: %s", e.Message)
	default:
		return fmt.Errorf("unexpected handshake answer %s", msg.Type)
	}
}

func (r *Robot) send(msgType protocol.MessageType, payload any) error {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	conn := r.conn
	r.mu.Unlock()

	msg, err := protocol.New(msgType, id, payload)
	if err != nil {
		return err
	}
	if r.cfg.Signer != nil {
		if err := msg.Sign(r.cfg.Signer); err != nil {
			return err
		}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return protocol.WriteMessage(conn, msg)
}

func (r *Robot) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	r.sendHeartbeat()
	for {
		select {
		case <-ticker.C:
			r.sendHeartbeat()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Robot) sendHeartbeat() {
	var cpu, mem, disk float64
	if r.cfg.Telemetry != nil {
		cpu, mem, disk = r.cfg.Telemetry()
	}
	err := r.send(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
		CPUPercent:    cpu,
		MemoryPercent: mem,
		DiskPercent:   disk,
		ActiveJobs:    r.ActiveJobs(),
	})
	if err != nil {
		log.WithRobotID(r.cfg.RobotID).Debug().Err(err).Msg("heartbeat send failed")
	}
}

func (r *Robot) readLoop() {
	defer r.wg.Done()
	for {
		msg, err := protocol.ReadMessage(r.conn)
		if err != nil {
			select {
			case <-r.stopCh:
			default:
				log.WithRobotID(r.cfg.RobotID).Warn().Err(err).Msg("connection lost")
			}
			return
		}
		if r.cfg.Signer != nil && !msg.VerifySignature(r.cfg.Signer) {
			log.WithRobotID(r.cfg.RobotID).Warn().Msg("dropping message with bad signature")
			continue
		}

		switch msg.Type {
		case protocol.TypeExecuteJob:
			r.handleExecute(msg)
		case protocol.TypeCancelJob:
			r.handleCancel(msg)
		case protocol.TypeError:
			var e protocol.ErrorPayload
			if err := msg.DecodePayload(&e); err == nil {
				log.WithRobotID(r.cfg.RobotID).Warn().Str("code", e.Code).Str("message", e.Message).Msg("server error")
			}
		}
	}
}

// handleExecute gates acceptance on capacity and runs accepted jobs.
func (r *Robot) handleExecute(msg *protocol.Message) {
	var payload protocol.ExecuteJobPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Job == nil {
		return
	}
	job := payload.Job

	r.mu.Lock()
	if len(r.active) >= r.cfg.MaxJobs {
		r.mu.Unlock()
		_ = r.send(protocol.TypeJobRejected, protocol.JobAckPayload{JobID: job.ID, Reason: "at capacity"})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active[job.ID] = cancel
	r.mu.Unlock()

	if err := r.send(protocol.TypeJobAccepted, protocol.JobAckPayload{JobID: job.ID}); err != nil {
		r.finishJob(job.ID)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.finishJob(job.ID)
		r.execute(ctx, job)
	}()
}

func (r *Robot) execute(ctx context.Context, job *types.Job) {
	report := func(progress float64, node string) {
		_ = r.send(protocol.TypeJobProgress, protocol.JobProgressPayload{
			JobID:       job.ID,
			Progress:    progress,
			CurrentNode: node,
		})
	}

	result, err := r.cfg.Executor(ctx, job, report)
	switch {
	case ctx.Err() != nil:
		_ = r.send(protocol.TypeJobCancelled, protocol.JobCancelledPayload{JobID: job.ID, Reason: "cancelled by server"})
	case err != nil:
		_ = r.send(protocol.TypeJobFailed, protocol.JobFailedPayload{JobID: job.ID, ErrorMessage: err.Error()})
	default:
		_ = r.send(protocol.TypeJobCompleted, protocol.JobCompletedPayload{JobID: job.ID, Result: result})
	}
}

func (r *Robot) handleCancel(msg *protocol.Message) {
	var payload protocol.CancelJobPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return
	}
	r.mu.Lock()
	cancel, ok := r.active[payload.JobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Robot) finishJob(jobID string) {
	r.mu.Lock()
	if cancel, ok := r.active[jobID]; ok {
		cancel()
		delete(r.active, jobID)
	}
	r.mu.Unlock()
}

// simulateExecution walks the workflow in fixed steps. It stands in when
// no real executor is configured, which keeps `drover robot` useful for
// exercising a server without real hardware.
func simulateExecution(ctx context.Context, job *types.Job, report func(float64, string)) (json.RawMessage, error) {
	steps := []struct {
		progress float64
		node     string
	}{
		{25, "prepare"},
		{50, "execute"},
		{75, "verify"},
	}
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		report(step.progress, step.node)
	}
	return json.RawMessage(`{"status":"ok"}`), nil
}
