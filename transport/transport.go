// Package transport implements the raw TCP connect (with a bounded,
// per-address-partitioned timeout across resolved addresses) and the
// optional in-band TLS upgrade negotiated via the PostgreSQL SSL-request
// preamble.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// SSLMode governs whether and how an in-band TLS upgrade is attempted.
type SSLMode int

const (
	// Disable never sends an SSL-request preamble.
	Disable SSLMode = iota
	// Prefer sends an SSL-request preamble but falls back to plaintext
	// if the server refuses.
	Prefer
	// Require sends an SSL-request preamble and fails the connection if
	// the server refuses.
	Require
)

// TLSOptions configures the in-band TLS handshake.
type TLSOptions struct {
	// Certificates are presented to the server for client-certificate
	// authentication.
	Certificates []tls.Certificate
	// RootCAs, if non-nil, replaces the system trust store.
	RootCAs *x509.CertPool
	// ServerName overrides the SNI/verification name; defaults to the
	// dialed host.
	ServerName string
	// ValidateRemoteCertificate, if set, is consulted after the
	// standard chain validation and may override a failure by returning
	// true. The default (nil) rejects on any validation error.
	ValidateRemoteCertificate func(cert *x509.Certificate, chain [][]*x509.Certificate, verifyErr error) bool
}

// DefaultBufferedReadSize sizes the internal bufio.Reader used to make
// HasBufferedData accurate for TLS connections.
const DefaultBufferedReadSize = 4096

// sslRequestPreamble is length=8, code=80877103
var sslRequestPreamble = []byte{0, 0, 0, 8, 4, 210, 22, 47}

// Conn is the raw byte stream a buffer.Buffer sits on top of, plus the
// bookkeeping the connector needs (whether TLS is active, and access to
// the pre-TLS socket).
//
// Reads are routed through an internal bufio.Reader so that
// HasBufferedData can answer "are there decrypted-but-unconsumed bytes"
// even when the wrapped stream is a *tls.Conn, whose ciphertext framing
// otherwise hides availability from a socket-level check.
type Conn struct {
	net.Conn
	IsSecure bool

	// base is the pre-TLS net.Conn. When IsSecure is false, base == Conn.
	base net.Conn

	br *bufio.Reader
}

// Read implements io.Reader via the internal bufio.Reader so
// HasBufferedData stays accurate.
func (c *Conn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// HasBufferedData reports whether bytes are already sitting in the
// read-side buffer, decrypted if this is a TLS connection. Used by the
// notification listener's release-time drain so it never
// strands an async message that arrived mid-request.
func (c *Conn) HasBufferedData() bool {
	return c.br.Buffered() > 0
}

// BaseConn returns the pre-TLS socket. Probing it for available bytes is
// only meaningful when !IsSecure; when IsSecure is true the socket only
// sees ciphertext and HasBufferedData is the accurate check.
func (c *Conn) BaseConn() net.Conn { return c.base }

// Open resolves host, dials the first address that accepts a connection
// within the remaining budget of timeout, and optionally negotiates an
// in-band TLS upgrade.
func Open(ctx context.Context, host string, port int, timeout time.Duration, mode SSLMode, tlsOpts *TLSOptions) (*Conn, error) {
	deadline := time.Now().Add(timeout)

	resolveCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		resolveCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	addrs, err := net.DefaultResolver.LookupHost(resolveCtx, host)
	if err != nil {
		return nil, &TimeoutError{Op: "resolve", Err: err}
	}
	if len(addrs) == 0 {
		return nil, &TimeoutError{Op: "resolve", Err: fmt.Errorf("no addresses for host %q", host)}
	}

	var lastErr error
	var conn net.Conn
	for i, addr := range addrs {
		remaining := time.Until(deadline)
		if timeout > 0 && remaining <= 0 {
			return nil, &TimeoutError{Op: "connect", Err: fmt.Errorf("timed out before trying %s", addr)}
		}
		perAddr := remaining
		if timeout > 0 {
			perAddr = remaining / time.Duration(len(addrs)-i)
		}
		dialCtx := ctx
		if timeout > 0 {
			var dialCancel context.CancelFunc
			dialCtx, dialCancel = context.WithTimeout(ctx, perAddr)
			defer dialCancel()
		}
		d := net.Dialer{}
		conn, lastErr = d.DialContext(dialCtx, "tcp", net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
		if lastErr == nil {
			break
		}
	}
	if conn == nil {
		return nil, &TransportError{Op: "connect", Err: lastErr}
	}

	c := &Conn{Conn: conn, base: conn}

	if mode != Disable {
		secured, err := negotiateTLS(conn, host, mode, tlsOpts)
		if err != nil {
			closeAll(conn)
			return nil, err
		}
		if secured != nil {
			c.Conn = secured
			c.IsSecure = true
		}
	}
	c.br = bufio.NewReaderSize(c.Conn, DefaultBufferedReadSize)

	return c, nil
}

// negotiateTLS sends the SSL-request preamble and, if the server agrees,
// performs the TLS client handshake. It returns (nil, nil) when the
// server refused and mode allows plaintext fallback.
func negotiateTLS(conn net.Conn, host string, mode SSLMode, opts *TLSOptions) (*tls.Conn, error) {
	if _, err := conn.Write(sslRequestPreamble); err != nil {
		return nil, &TransportError{Op: "ssl-request", Err: err}
	}

	reply := make([]byte, 1)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return nil, &TransportError{Op: "ssl-request-reply", Err: err}
	}

	if reply[0] != 'S' {
		if mode == Require {
			return nil, &TransportError{Op: "ssl-request", Err: errors.New("server refused SSL connection")}
		}
		return nil, nil
	}

	cfg := &tls.Config{}
	if opts != nil {
		cfg.Certificates = opts.Certificates
		cfg.RootCAs = opts.RootCAs
		cfg.ServerName = opts.ServerName
		if opts.ValidateRemoteCertificate != nil {
			cfg.InsecureSkipVerify = true
			validate := opts.ValidateRemoteCertificate
			cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				certs := make([]*x509.Certificate, 0, len(rawCerts))
				for _, raw := range rawCerts {
					cert, err := x509.ParseCertificate(raw)
					if err != nil {
						return err
					}
					certs = append(certs, cert)
				}
				var leaf *x509.Certificate
				if len(certs) > 0 {
					leaf = certs[0]
				}
				verifyErr := errors.New("transport: server presented no certificate")
				if leaf != nil {
					intermediates := x509.NewCertPool()
					for _, ic := range certs[1:] {
						intermediates.AddCert(ic)
					}
					_, verifyErr = leaf.Verify(x509.VerifyOptions{Roots: cfg.RootCAs, DNSName: cfg.ServerName, Intermediates: intermediates})
				}
				if verifyErr == nil {
					return nil
				}
				if !validate(leaf, [][]*x509.Certificate{certs}, verifyErr) {
					return errors.New("transport: server certificate rejected by validation callback")
				}
				return nil
			}
		}
	}

	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, &TransportError{Op: "tls-handshake", Err: err}
	}
	return tlsConn, nil
}

// LoadTLSOptions builds TLSOptions from PEM file paths, mirroring the
// sslcert/sslkey/sslrootcert connection-string options.
func LoadTLSOptions(certFile, keyFile, rootCertFile string) (*TLSOptions, error) {
	opts := &TLSOptions{}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, &TransportError{Op: "load-client-cert", Err: err}
		}
		opts.Certificates = append(opts.Certificates, cert)
	}
	if rootCertFile != "" {
		pem, err := os.ReadFile(rootCertFile)
		if err != nil {
			return nil, &TransportError{Op: "load-root-cert", Err: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &TransportError{Op: "load-root-cert", Err: fmt.Errorf("no certificates found in %s", rootCertFile)}
		}
		opts.RootCAs = pool
	}
	return opts, nil
}

// closeAll closes conn, swallowing errors: cleanup on the failure path
// never masks the original error.
func closeAll(conn net.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

// TransportError wraps a failure from DNS, dial, or TLS handshake.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError wraps a failure specifically attributable to the connect
// budget being exhausted (DNS or dial phase).
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("transport: timeout during %s: %v", e.Op, e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }
func (e *TimeoutError) Timeout() bool { return true }
