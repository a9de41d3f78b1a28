// Package mockserver is a scriptable single-connection PostgreSQL-wire
// stand-in used by the pgcore test suite to drive end-to-end connection
// scenarios without depending on a real PostgreSQL install. It mirrors
// the accept-a-connection-then-drive-its-lifecycle shape of the original
// server package this module started from, but plays a scripted
// sequence of backend messages instead of running a query engine.
package mockserver

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"pgcore/buffer"
	"pgcore/protocol"
)

// encode.go supplies encodeBackend, the raw wire-format writer scripted
// Sessions use to reply with backend messages (this module's protocol
// package only decodes them, since a real client never sends them).

// Server listens on a loopback port and hands off accepted connections as
// Sessions for a test to script.
type Server struct {
	ln net.Listener
}

// Listen opens a loopback listener on an OS-assigned port.
func Listen() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("mockserver: listen: %w", err)
	}
	return &Server{ln: ln}, nil
}

// Addr returns the "host:port" string a Connector can dial.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the numeric listen port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

// Accept blocks for one client connection and wraps it as a Session.
func (s *Server) Accept() (*Session, error) {
	conn, err := s.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, buf: buffer.New(conn, buffer.DefaultSize)}, nil
}

// Session drives one accepted connection through a scripted handshake and
// message exchange.
type Session struct {
	conn net.Conn
	buf  *buffer.Buffer
}

// Close closes the underlying connection.
func (sess *Session) Close() error { return sess.conn.Close() }

// PeekPreamble reads the first 8 bytes of a connection attempt and
// reports whether it is an SSL-request preamble (length=8,
// code=80877103) as opposed to a StartupMessage (whose first 4 bytes are
// its own total length, followed by the protocol version).
func (sess *Session) PeekPreamble() (isSSLRequest bool, versionOrLength int32, err error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(sess.conn, header); err != nil {
		return false, 0, fmt.Errorf("mockserver: read preamble: %w", err)
	}
	length := int32(binary.BigEndian.Uint32(header[0:4]))
	code := int32(binary.BigEndian.Uint32(header[4:8]))
	if length == 8 && code == protocol.SSLRequestCode {
		return true, code, nil
	}
	return false, length, nil
}

// RefuseSSL writes the 'N' (SSL not supported) reply byte.
func (sess *Session) RefuseSSL() error {
	_, err := sess.conn.Write([]byte{'N'})
	return err
}

// AcceptSSL writes the 'S' reply byte and completes a TLS server
// handshake, replacing the session's connection and buffer with the
// encrypted wrapper.
func (sess *Session) AcceptSSL(cfg *tls.Config) error {
	if _, err := sess.conn.Write([]byte{'S'}); err != nil {
		return err
	}
	tlsConn := tls.Server(sess.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("mockserver: tls handshake: %w", err)
	}
	sess.conn = tlsConn
	sess.buf = buffer.New(tlsConn, buffer.DefaultSize)
	return nil
}

// ReadStartupMessage reads a full StartupMessage body (whose first 4
// bytes, its own length, were already consumed by PeekPreamble as
// versionOrLength) and returns its key/value parameters.
func (sess *Session) ReadStartupMessage(totalLength int32) (map[string]string, error) {
	rest := make([]byte, totalLength-8) // 4 length + 4 version already read
	if _, err := io.ReadFull(sess.conn, rest); err != nil {
		return nil, fmt.Errorf("mockserver: read startup body: %w", err)
	}
	params := make(map[string]string)
	for len(rest) > 1 {
		key, tail := splitCString(rest)
		if key == "" {
			break
		}
		val, tail2 := splitCString(tail)
		params[key] = val
		rest = tail2
	}
	return params, nil
}

func splitCString(b []byte) (string, []byte) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:]
		}
	}
	return string(b), nil
}

// ReadFrontendMessage reads one generic tagged frontend message: a 1-byte
// tag, a 4-byte big-endian length (inclusive of itself), and the payload.
func (sess *Session) ReadFrontendMessage() (tag byte, body []byte, err error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(sess.conn, header); err != nil {
		return 0, nil, fmt.Errorf("mockserver: read message header: %w", err)
	}
	tag = header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	body = make([]byte, length-4)
	if len(body) > 0 {
		if _, err := io.ReadFull(sess.conn, body); err != nil {
			return 0, nil, fmt.Errorf("mockserver: read message body: %w", err)
		}
	}
	return tag, body, nil
}

// ReadRawCancelPacket reads exactly 16 raw bytes, as sent by
// Connector.CancelRequest, and returns the decoded pid/secret.
func (sess *Session) ReadRawCancelPacket() (pid, secret uint32, err error) {
	packet := make([]byte, 16)
	if _, err := io.ReadFull(sess.conn, packet); err != nil {
		return 0, 0, fmt.Errorf("mockserver: read cancel packet: %w", err)
	}
	length := binary.BigEndian.Uint32(packet[0:4])
	code := binary.BigEndian.Uint32(packet[4:8])
	if length != 16 || int32(code) != protocol.CancelRequestCode {
		return 0, 0, fmt.Errorf("mockserver: malformed cancel packet %x", packet)
	}
	pid = binary.BigEndian.Uint32(packet[8:12])
	secret = binary.BigEndian.Uint32(packet[12:16])
	return pid, secret, nil
}

// Send writes and flushes one or more scripted backend messages in order.
func (sess *Session) Send(msgs ...protocol.BackendMessage) error {
	for _, m := range msgs {
		if err := sess.buf.WriteRaw(encodeBackend(m)); err != nil {
			return err
		}
	}
	return sess.buf.Flush()
}
