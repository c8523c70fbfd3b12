package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/drover-io/drover/pkg/security"
	"github.com/drover-io/drover/pkg/types"
)

// Version is the wire protocol version carried by every message.
const Version = "1.0"

// MessageType discriminates the payload of a message
type MessageType string

const (
	TypeHandshake    MessageType = "handshake"
	TypeHandshakeAck MessageType = "handshake_ack"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeRobotStatus  MessageType = "robot_status"
	TypeExecuteJob   MessageType = "execute_job"
	TypeJobAccepted  MessageType = "job_accepted"
	TypeJobRejected  MessageType = "job_rejected"
	TypeJobProgress  MessageType = "job_progress"
	TypeJobCompleted MessageType = "job_completed"
	TypeJobFailed    MessageType = "job_failed"
	TypeJobCancelled MessageType = "job_cancelled"
	TypeCancelJob    MessageType = "cancel_job"
	TypeError        MessageType = "error"
)

// Message is one framed record on the wire. IDs increase monotonically per
// sender within a session; the signature, when signing is enabled, covers
// the serialized message with the signature field empty.
type Message struct {
	Version   string          `json:"version"`
	Type      MessageType     `json:"type"`
	ID        uint64          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// New builds a message of the given type with payload marshalled to JSON.
func New(msgType MessageType, id uint64, payload any) (*Message, error) {
	msg := &Message{
		Version:   Version,
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// DecodePayload unmarshals the message payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// signingBytes serializes the message with the signature field cleared.
func (m *Message) signingBytes() ([]byte, error) {
	clone := *m
	clone.Signature = ""
	return json.Marshal(&clone)
}

// Sign computes and attaches the message signature.
func (m *Message) Sign(signer *security.Signer) error {
	data, err := m.signingBytes()
	if err != nil {
		return err
	}
	m.Signature = signer.Sign(data)
	return nil
}

// VerifySignature checks the attached signature against the message body.
func (m *Message) VerifySignature(signer *security.Signer) bool {
	if m.Signature == "" {
		return false
	}
	data, err := m.signingBytes()
	if err != nil {
		return false
	}
	return signer.Verify(data, m.Signature)
}

// HandshakePayload opens a session; the token is validated server-side.
type HandshakePayload struct {
	RobotID      string   `json:"robot_id"`
	Name         string   `json:"name"`
	Token        string   `json:"token"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Environment  string   `json:"environment,omitempty"`
	MaxJobs      int      `json:"max_jobs,omitempty"`
}

// HandshakeAckPayload confirms a successful handshake.
type HandshakeAckPayload struct {
	SessionID     string `json:"session_id"`
	ServerVersion string `json:"server_version"`
}

// HeartbeatPayload carries robot telemetry.
type HeartbeatPayload struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	ActiveJobs    int     `json:"active_jobs"`
}

// ExecuteJobPayload is the server-originated job assignment.
type ExecuteJobPayload struct {
	Job *types.Job `json:"job"`
}

// JobAckPayload answers an execute_job with acceptance or rejection.
type JobAckPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// JobProgressPayload reports execution progress.
type JobProgressPayload struct {
	JobID       string  `json:"job_id"`
	Progress    float64 `json:"progress"`
	CurrentNode string  `json:"current_node,omitempty"`
}

// JobCompletedPayload carries the opaque result of a finished job.
type JobCompletedPayload struct {
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// JobFailedPayload reports a robot-side execution failure.
type JobFailedPayload struct {
	JobID        string `json:"job_id"`
	ErrorMessage string `json:"error_message"`
}

// JobCancelledPayload confirms a cancel request took effect on the robot.
type JobCancelledPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// CancelJobPayload is the server-originated cancel flag for a running job.
type CancelJobPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload reports a protocol-level error before closing.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
