package protocol

import (
	"encoding/binary"
)

// FrontendMessage is the closed sum type over messages a client sends.
// Every variant except StartupMessage (which the Encoder writes through
// its own Encode method) implements one of two encoding contracts: Simple
// messages fit wholly into the buffer and declare a fixed Length; Chunking
// messages may only partially write per call and resume across a flush.
type FrontendMessage interface {
	isFrontendMessage()
}

// Simple is implemented by frontend messages whose entire encoded form is
// written in one WriteTo call once enough write space is available.
type Simple interface {
	FrontendMessage
	// Length returns the number of bytes WriteTo will write, used to
	// decide whether the buffer needs a flush first.
	Length() int
	// WriteTo appends the message's encoded bytes to buf and returns it.
	WriteTo(buf []byte) []byte
}

// Chunking is implemented by frontend messages whose payload may exceed
// a single buffer fill (bulk COPY data, out-of-line parameter bytes).
// Step is called repeatedly: it appends as much as fits in buf (returned)
// and reports done=false when the caller must flush and call Step again.
// If part of the payload should bypass the buffer (e.g. very large COPY
// chunks) it also returns a non-nil direct slice; the caller writes out
// through the buffer, flushes, writes direct straight to the transport,
// and calls Step again only if done is false.
type Chunking interface {
	FrontendMessage
	Step(buf []byte) (out []byte, direct []byte, done bool, err error)
}

// --- Simple messages -------------------------------------------------

// PasswordMessage carries a plaintext, MD5-hashed, or SASL-encoded
// password response.
type PasswordMessage struct {
	Password string
}

func (PasswordMessage) isFrontendMessage() {}

func (m PasswordMessage) Length() int { return 5 + len(m.Password) + 1 }

func (m PasswordMessage) WriteTo(buf []byte) []byte {
	return appendSimple(buf, TagPassword, func(b []byte) []byte {
		b = append(b, m.Password...)
		return append(b, 0)
	})
}

// QueryMessage runs sql via the simple query protocol.
type QueryMessage struct {
	SQL string
}

func (QueryMessage) isFrontendMessage() {}

func (m QueryMessage) Length() int { return 5 + len(m.SQL) + 1 }

func (m QueryMessage) WriteTo(buf []byte) []byte {
	return appendSimple(buf, TagQuery, func(b []byte) []byte {
		b = append(b, m.SQL...)
		return append(b, 0)
	})
}

// ParseMessage names and parses a prepared statement.
type ParseMessage struct {
	StatementName string
	SQL           string
	ParamOIDs     []uint32
}

func (ParseMessage) isFrontendMessage() {}

func (m ParseMessage) Length() int {
	return 5 + len(m.StatementName) + 1 + len(m.SQL) + 1 + 2 + 4*len(m.ParamOIDs)
}

func (m ParseMessage) WriteTo(buf []byte) []byte {
	return appendSimple(buf, TagParse, func(b []byte) []byte {
		b = append(b, m.StatementName...)
		b = append(b, 0)
		b = append(b, m.SQL...)
		b = append(b, 0)
		b = binary.BigEndian.AppendUint16(b, uint16(len(m.ParamOIDs)))
		for _, oid := range m.ParamOIDs {
			b = binary.BigEndian.AppendUint32(b, oid)
		}
		return b
	})
}

// BindMessage binds parameter values to a portal derived from a prepared
// statement.
type BindMessage struct {
	DestinationPortal string
	StatementName     string
	ParamFormats      []int16
	ParamValues       [][]byte
	ResultFormats     []int16
}

func (BindMessage) isFrontendMessage() {}

func (m BindMessage) Length() int {
	n := 5 + len(m.DestinationPortal) + 1 + len(m.StatementName) + 1
	n += 2 + 2*len(m.ParamFormats)
	n += 2
	for _, v := range m.ParamValues {
		n += 4
		if v != nil {
			n += len(v)
		}
	}
	n += 2 + 2*len(m.ResultFormats)
	return n
}

func (m BindMessage) WriteTo(buf []byte) []byte {
	return appendSimple(buf, TagBind, func(b []byte) []byte {
		b = append(b, m.DestinationPortal...)
		b = append(b, 0)
		b = append(b, m.StatementName...)
		b = append(b, 0)
		b = binary.BigEndian.AppendUint16(b, uint16(len(m.ParamFormats)))
		for _, f := range m.ParamFormats {
			b = binary.BigEndian.AppendUint16(b, uint16(f))
		}
		b = binary.BigEndian.AppendUint16(b, uint16(len(m.ParamValues)))
		for _, v := range m.ParamValues {
			if v == nil {
				b = binary.BigEndian.AppendUint32(b, uint32(0xFFFFFFFF))
				continue
			}
			b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
			b = append(b, v...)
		}
		b = binary.BigEndian.AppendUint16(b, uint16(len(m.ResultFormats)))
		for _, f := range m.ResultFormats {
			b = binary.BigEndian.AppendUint16(b, uint16(f))
		}
		return b
	})
}

// DescribeMessage asks the server to describe a statement or portal.
type DescribeMessage struct {
	Target byte // DescribeStatement or DescribePortal
	Name   string
}

func (DescribeMessage) isFrontendMessage() {}

func (m DescribeMessage) Length() int { return 5 + 1 + len(m.Name) + 1 }

func (m DescribeMessage) WriteTo(buf []byte) []byte {
	return appendSimple(buf, TagDescribe, func(b []byte) []byte {
		b = append(b, m.Target)
		b = append(b, m.Name...)
		return append(b, 0)
	})
}

// ExecuteMessage executes a bound portal, optionally limiting row count.
type ExecuteMessage struct {
	Portal  string
	MaxRows uint32
}

func (ExecuteMessage) isFrontendMessage() {}

func (m ExecuteMessage) Length() int { return 5 + len(m.Portal) + 1 + 4 }

func (m ExecuteMessage) WriteTo(buf []byte) []byte {
	return appendSimple(buf, TagExecute, func(b []byte) []byte {
		b = append(b, m.Portal...)
		b = append(b, 0)
		return binary.BigEndian.AppendUint32(b, m.MaxRows)
	})
}

// CloseMessage closes a prepared statement or portal.
type CloseMessage struct {
	Target byte // CloseStatement or ClosePortal
	Name   string
}

func (CloseMessage) isFrontendMessage() {}

func (m CloseMessage) Length() int { return 5 + 1 + len(m.Name) + 1 }

func (m CloseMessage) WriteTo(buf []byte) []byte {
	return appendSimple(buf, TagClose, func(b []byte) []byte {
		b = append(b, m.Target)
		b = append(b, m.Name...)
		return append(b, 0)
	})
}

// SyncMessage delimits an extended-query message chain.
type SyncMessage struct{}

func (SyncMessage) isFrontendMessage()   {}
func (SyncMessage) Length() int          { return 5 }
func (SyncMessage) WriteTo(b []byte) []byte {
	return appendSimple(b, TagSync, func(b []byte) []byte { return b })
}

// FlushMessage asks the server to deliver any pending results without a
// Sync.
type FlushMessage struct{}

func (FlushMessage) isFrontendMessage() {}
func (FlushMessage) Length() int        { return 5 }
func (FlushMessage) WriteTo(b []byte) []byte {
	return appendSimple(b, TagFlush, func(b []byte) []byte { return b })
}

// TerminateMessage gracefully ends the session.
type TerminateMessage struct{}

func (TerminateMessage) isFrontendMessage() {}
func (TerminateMessage) Length() int        { return 5 }
func (TerminateMessage) WriteTo(b []byte) []byte {
	return appendSimple(b, TagTerminate, func(b []byte) []byte { return b })
}

// CopyDoneMessage signals the end of a COPY data stream.
type CopyDoneMessage struct{}

func (CopyDoneMessage) isFrontendMessage() {}
func (CopyDoneMessage) Length() int        { return 5 }
func (CopyDoneMessage) WriteTo(b []byte) []byte {
	return appendSimple(b, TagCopyDone, func(b []byte) []byte { return b })
}

// CopyFailMessage aborts a COPY-in operation with an explanatory message.
type CopyFailMessage struct {
	Reason string
}

func (CopyFailMessage) isFrontendMessage() {}
func (m CopyFailMessage) Length() int      { return 5 + len(m.Reason) + 1 }
func (m CopyFailMessage) WriteTo(b []byte) []byte {
	return appendSimple(b, TagCopyFail, func(b []byte) []byte {
		b = append(b, m.Reason...)
		return append(b, 0)
	})
}

// StartupMessage is the untyped (no leading type byte) message that opens
// a session.
type StartupMessage struct {
	Parameters map[string]string
}

func (StartupMessage) isFrontendMessage() {}

// Encode returns the full wire image of the startup message. It has no
// type byte, unlike every other frontend message.
func (m StartupMessage) Encode() []byte {
	buf := make([]byte, 4, 64)
	buf = binary.BigEndian.AppendUint32(buf, uint32(ProtocolVersion))
	for k, v := range m.Parameters {
		buf = append(buf, k...)
		buf = append(buf, 0)
		buf = append(buf, v...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf
}

// appendSimple writes a type byte, a length placeholder, invokes body to
// append the payload, then backpatches the length (which is inclusive of
// itself but not the type byte).
func appendSimple(buf []byte, tag byte, body func([]byte) []byte) []byte {
	buf = append(buf, tag)
	lenPos := len(buf)
	buf = append(buf, 0, 0, 0, 0)
	buf = body(buf)
	binary.BigEndian.PutUint32(buf[lenPos:lenPos+4], uint32(len(buf)-lenPos))
	return buf
}

// --- Chunking messages -------------------------------------------------

// CopyDataMessage carries one chunk of COPY payload. Large payloads are
// written directly to the transport, bypassing the buffer, to avoid an
// extra copy; small ones are folded into the buffered write path.
type CopyDataMessage struct {
	Data []byte

	// directThreshold gates the zero-copy path; large enough payloads
	// skip the intermediate buffer entirely. Exposed for tests.
	directThreshold int

	wrote bool
}

func (m *CopyDataMessage) isFrontendMessage() {}

const copyDataDirectThreshold = 65536

// Step implements Chunking. CopyDataMessage never needs more than one
// call: either it fits the small-payload path (returns via buf) or it is
// large enough to hand the caller a direct slice.
func (m *CopyDataMessage) Step(buf []byte) ([]byte, []byte, bool, error) {
	if m.wrote {
		return buf, nil, true, nil
	}
	m.wrote = true

	threshold := m.directThreshold
	if threshold <= 0 {
		threshold = copyDataDirectThreshold
	}

	if len(m.Data) < threshold {
		buf = appendSimple(buf, TagCopyData, func(b []byte) []byte {
			return append(b, m.Data...)
		})
		return buf, nil, true, nil
	}

	// Zero-copy: build only the 5-byte header through the buffer, then
	// hand the payload to the caller for a direct transport write.
	header := appendSimple(buf, TagCopyData, func(b []byte) []byte { return b })
	// Correct the length to include the (not-yet-appended) payload.
	binary.BigEndian.PutUint32(header[len(header)-4:], uint32(4+len(m.Data)))
	return header, m.Data, true, nil
}
