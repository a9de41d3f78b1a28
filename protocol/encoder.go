package protocol

import "pgcore/buffer"

// Encoder writes frontend messages to a buffer.Buffer, honoring the
// Simple/Chunking dichotomy the two message interfaces expose.
type Encoder struct {
	buf   *buffer.Buffer
	stage []byte // scratch reused across Encode calls
}

// NewEncoder wraps buf.
func NewEncoder(buf *buffer.Buffer) *Encoder {
	return &Encoder{buf: buf, stage: make([]byte, 0, 256)}
}

// Encode writes msg. Any error breaks the connector; the caller is
// responsible for that transition.
func (e *Encoder) Encode(msg FrontendMessage) error {
	switch m := msg.(type) {
	case StartupMessage:
		return e.buf.WriteRaw(m.Encode())
	case Simple:
		return e.encodeSimple(m)
	case Chunking:
		return e.encodeChunking(m)
	default:
		return &UnsupportedMessageError{Message: msg}
	}
}

func (e *Encoder) encodeSimple(m Simple) error {
	if e.buf.WriteSpaceLeft() < m.Length() {
		if err := e.buf.Flush(); err != nil {
			return err
		}
	}
	e.stage = m.WriteTo(e.stage[:0])
	return e.buf.WriteRaw(e.stage)
}

func (e *Encoder) encodeChunking(m Chunking) error {
	for {
		out, direct, done, err := m.Step(e.stage[:0])
		if err != nil {
			return err
		}
		if len(out) > 0 {
			if err := e.buf.WriteRaw(out); err != nil {
				return err
			}
		}
		if direct != nil {
			if err := e.buf.WriteDirect(direct); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
		if err := e.buf.Flush(); err != nil {
			return err
		}
	}
}

// UnsupportedMessageError is returned when Encode is given a
// FrontendMessage that implements neither Simple nor Chunking.
type UnsupportedMessageError struct {
	Message FrontendMessage
}

func (e *UnsupportedMessageError) Error() string {
	return "protocol: message does not implement Simple or Chunking"
}
