package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/drover-io/drover/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	msg, err := New(TypeHeartbeat, 7, HeartbeatPayload{CPUPercent: 42.5, ActiveJobs: 2})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, TypeHeartbeat, got.Type)
	assert.Equal(t, uint64(7), got.ID)

	var hb HeartbeatPayload
	require.NoError(t, got.DecodePayload(&hb))
	assert.Equal(t, 42.5, hb.CPUPercent)
	assert.Equal(t, 2, hb.ActiveJobs)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		msg, err := New(TypeJobProgress, i, JobProgressPayload{JobID: "j1", Progress: float64(i * 10)})
		require.NoError(t, err)
		require.NoError(t, WriteMessage(&buf, msg))
	}

	for i := uint64(1); i <= 3; i++ {
		msg, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, i, msg.ID)
	}
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:])

	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func TestReadRejectsZeroFrame(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, err := ReadMessage(buf)
	assert.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	signer := security.NewSigner([]byte("wire-secret"))

	msg, err := New(TypeJobCompleted, 3, JobCompletedPayload{JobID: "j1"})
	require.NoError(t, err)

	require.NoError(t, msg.Sign(signer))
	assert.NotEmpty(t, msg.Signature)
	assert.True(t, msg.VerifySignature(signer))

	// Signature covers everything but itself, so it survives a frame trip.
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.True(t, got.VerifySignature(signer))

	// Tampering breaks verification.
	got.ID = 99
	assert.False(t, got.VerifySignature(signer))

	// A different secret does not verify.
	other := security.NewSigner([]byte("other-secret"))
	assert.False(t, msg.VerifySignature(other))
}

func TestUnsignedMessageDoesNotVerify(t *testing.T) {
	signer := security.NewSigner([]byte("s"))
	msg, err := New(TypeError, 1, ErrorPayload{Code: "auth_failed", Message: "bad token"})
	require.NoError(t, err)
	assert.False(t, msg.VerifySignature(signer))
}

func TestDecodePayloadErrors(t *testing.T) {
	msg := &Message{Type: TypeHeartbeat}
	var hb HeartbeatPayload
	assert.Error(t, msg.DecodePayload(&hb))
}
