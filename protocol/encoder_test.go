package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"pgcore/buffer"
)

func TestEncoderEncodesSimpleMessage(t *testing.T) {
	var out bytes.Buffer
	buf := buffer.New(&stubStream{w: &out}, 64)
	enc := NewEncoder(buf)

	require.NoError(t, enc.Encode(QueryMessage{SQL: "SELECT 1"}))
	require.NoError(t, buf.Flush())

	require.Equal(t, TagQuery, out.Bytes()[0])
}

func TestEncoderEncodesStartupMessage(t *testing.T) {
	var out bytes.Buffer
	buf := buffer.New(&stubStream{w: &out}, 64)
	enc := NewEncoder(buf)

	require.NoError(t, enc.Encode(StartupMessage{Parameters: map[string]string{"user": "u"}}))
	require.NoError(t, buf.Flush())
	require.Contains(t, out.String(), "user\x00u\x00")
}

func TestEncoderEncodesChunkingMessage(t *testing.T) {
	var out bytes.Buffer
	buf := buffer.New(&stubStream{w: &out}, 64)
	enc := NewEncoder(buf)

	require.NoError(t, enc.Encode(&CopyDataMessage{Data: []byte("payload")}))
	require.NoError(t, buf.Flush())
	require.Equal(t, TagCopyData, out.Bytes()[0])
	require.Contains(t, out.String(), "payload")
}

// stubStream is a minimal io.ReadWriter used to capture Buffer writes
// without a real network socket.
type stubStream struct {
	w *bytes.Buffer
}

func (s *stubStream) Read(p []byte) (int, error)  { return 0, bytes.ErrTooLarge }
func (s *stubStream) Write(p []byte) (int, error) { return s.w.Write(p) }
