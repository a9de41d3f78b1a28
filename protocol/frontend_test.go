package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueryMessageWireFormat(t *testing.T) {
	m := QueryMessage{SQL: "SELECT 1"}
	got := m.WriteTo(nil)
	require.Equal(t, m.Length(), len(got))
	require.Equal(t, TagQuery, got[0])
	require.Equal(t, uint32(len(got)-1), beUint32(got[1:5]))
	require.Equal(t, "SELECT 1\x00", string(got[5:]))
}

func TestPasswordMessageWireFormat(t *testing.T) {
	m := PasswordMessage{Password: "md5abcdef"}
	got := m.WriteTo(nil)
	require.Equal(t, TagPassword, got[0])
	require.Equal(t, "md5abcdef\x00", string(got[5:]))
}

func TestSyncMessageIsFixedFiveBytes(t *testing.T) {
	got := SyncMessage{}.WriteTo(nil)
	require.Equal(t, []byte{TagSync, 0, 0, 0, 4}, got)
}

func TestStartupMessageHasNoTypeByte(t *testing.T) {
	m := StartupMessage{Parameters: map[string]string{"user": "alice"}}
	got := m.Encode()

	require.Equal(t, uint32(len(got)), beUint32(got[0:4]))
	require.Equal(t, uint32(ProtocolVersion), beUint32(got[4:8]))
	require.Equal(t, byte(0), got[len(got)-1])
	require.Contains(t, string(got), "user\x00alice\x00")
}

func TestCopyFailMessageIncludesReason(t *testing.T) {
	m := CopyFailMessage{Reason: "aborted"}
	got := m.WriteTo(nil)
	require.Equal(t, TagCopyFail, got[0])
	require.Equal(t, "aborted\x00", string(got[5:]))
}

func TestCopyDataMessageSmallPayloadGoesThroughBuffer(t *testing.T) {
	m := &CopyDataMessage{Data: []byte("chunk")}
	buf, direct, done, err := m.Step(nil)
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, direct)
	require.Equal(t, TagCopyData, buf[0])
	require.Equal(t, "chunk", string(buf[5:]))
}

func TestCopyDataMessageLargePayloadGoesDirect(t *testing.T) {
	payload := make([]byte, 100)
	m := &CopyDataMessage{Data: payload, directThreshold: 10}
	header, direct, done, err := m.Step(nil)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, payload, direct)
	require.Equal(t, uint32(4+len(payload)), beUint32(header[1:5]))
}

func TestCopyDataMessageStepIsOneShot(t *testing.T) {
	m := &CopyDataMessage{Data: []byte("x")}
	_, _, _, err := m.Step(nil)
	require.NoError(t, err)
	buf, direct, done, err := m.Step([]byte{9})
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, direct)
	require.Equal(t, []byte{9}, buf)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
