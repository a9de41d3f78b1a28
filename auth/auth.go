// Package auth drives the PostgreSQL AuthenticationRequest sub-dialog:
// cleartext and MD5 password exchange, a pluggable GSS/SSPI provider,
// and SCRAM-SHA-256.
package auth

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"pgcore/protocol"
)

// SaslProvider abstracts an OS-integrated or library-backed
// challenge/response authentication mechanism so this package never
// depends on a particular platform API. Step is called with each server
// token (empty on the first call for mechanisms that speak first) and
// returns the next client token to send, or an empty token to signal
// the client side is done.
type SaslProvider interface {
	Step(serverToken []byte) (clientToken []byte, done bool, err error)
}

// MessageSender abstracts sending a PasswordMessage and reading the next
// backend message, decoupling this package from the connector's exact
// buffer/decoder wiring.
type MessageSender interface {
	SendPassword(password string) error
	ReceiveMessage() (protocol.BackendMessage, error)
}

// Options configures Run.
type Options struct {
	User     string
	Password string

	// GSSProvider/SSPIProvider back AuthGSS/AuthSSPI. Left nil, those
	// challenges fail with UnsupportedError.
	GSSProvider  func(host, krbSrvName string) (SaslProvider, error)
	SSPIProvider func(host, krbSrvName string) (SaslProvider, error)
	Host         string
	KrbSrvName   string

	// SCRAMProvider backs AuthSASL when the server offers
	// SCRAM-SHA-256. Left nil, that challenge fails with
	// UnsupportedError.
	SCRAMProvider func(user, password string) (SCRAMConversation, error)
}

// SCRAMConversation is the minimal surface auth.go needs from a SCRAM
// client library, kept separate from SaslProvider because SCRAM's three
// message kinds (client-first, client-final, server-final verification)
// don't map cleanly onto a single Step method.
type SCRAMConversation interface {
	// FirstMessage returns the client-first-message (GS2 header included),
	// wrapped by the caller in a SASLInitialResponse naming the mechanism.
	FirstMessage() ([]byte, error)
	// Step feeds the server-first message and returns the client-final
	// message.
	Step(serverFirst []byte) ([]byte, error)
	// Final verifies the server-final message.
	Final(serverFinal []byte) error
}

// UnsupportedError reports an authentication request kind this build
// cannot satisfy, either because it is not implemented at all or because
// the corresponding provider was not configured.
type UnsupportedError struct {
	Kind int32
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("auth: unsupported authentication request kind %d", e.Kind)
}

// ServerError wraps an ErrorResponse received during authentication,
// before any ReadyForQuery has been observed.
type ServerError struct {
	Fields protocol.NoticeFields
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("auth: %s: %s (%s)", e.Fields.Severity, e.Fields.Message, e.Fields.Code)
}

// Run drives the sub-dialog to completion, reading messages via sender
// until AuthenticationOk (or a fatal error) is observed. It does not
// itself read the trailing ReadyForQuery/BackendKeyData/ParameterStatus
// messages that follow AuthenticationOk during startup — the connector's
// ordinary message pump continues from there.
func Run(sender MessageSender, opts Options) error {
	var gss, sspi SaslProvider
	var scram SCRAMConversation

	for {
		msg, err := sender.ReceiveMessage()
		if err != nil {
			return err
		}

		if errMsg, ok := msg.(*protocol.ErrorResponse); ok {
			// An ErrorResponse during authentication terminates the
			// session without a ReadyForQuery; the server is expected to
			// close the socket next.
			return &ServerError{Fields: errMsg.NoticeFields}
		}

		if _, ok := msg.(*protocol.AuthenticationOk); ok {
			return nil
		}

		req, ok := msg.(*protocol.AuthenticationRequest)
		if !ok {
			return fmt.Errorf("auth: expected AuthenticationRequest, got %T", msg)
		}

		switch req.Kind {
		case protocol.AuthOK:
			return nil

		case protocol.AuthCleartextPassword:
			if err := sender.SendPassword(opts.Password); err != nil {
				return err
			}

		case protocol.AuthMD5Password:
			if len(req.Data) < 4 {
				return fmt.Errorf("auth: MD5 challenge missing salt")
			}
			digest := "md5" + hexMD5(hexMD5(opts.Password+opts.User)+string(req.Data[:4]))
			if err := sender.SendPassword(digest); err != nil {
				return err
			}

		case protocol.AuthGSS:
			if opts.GSSProvider == nil {
				return &UnsupportedError{Kind: req.Kind}
			}
			gss, err = opts.GSSProvider(opts.Host, opts.KrbSrvName)
			if err != nil {
				return err
			}
			token, _, err := gss.Step(nil)
			if err != nil {
				return err
			}
			if err := sendToken(sender, token); err != nil {
				return err
			}

		case protocol.AuthSSPI:
			if opts.SSPIProvider == nil {
				return &UnsupportedError{Kind: req.Kind}
			}
			sspi, err = opts.SSPIProvider(opts.Host, opts.KrbSrvName)
			if err != nil {
				return err
			}
			token, _, err := sspi.Step(nil)
			if err != nil {
				return err
			}
			if err := sendToken(sender, token); err != nil {
				return err
			}

		case protocol.AuthGSSContinue:
			provider := gss
			if provider == nil {
				provider = sspi
			}
			if provider == nil {
				return fmt.Errorf("auth: GSSContinue received without an active provider")
			}
			token, done, err := provider.Step(req.Data)
			if err != nil {
				return err
			}
			if !done && len(token) > 0 {
				if err := sendToken(sender, token); err != nil {
					return err
				}
			}
			// An empty token (or done) means the client side finished;
			// keep reading for the server's verdict.

		case protocol.AuthSASL:
			if opts.SCRAMProvider == nil {
				return &UnsupportedError{Kind: req.Kind}
			}
			if !containsMechanism(req.Mechanisms, "SCRAM-SHA-256") {
				return fmt.Errorf("auth: server offered no supported SASL mechanism (got %v)", req.Mechanisms)
			}
			scram, err = opts.SCRAMProvider(opts.User, opts.Password)
			if err != nil {
				return err
			}
			first, err := scram.FirstMessage()
			if err != nil {
				return err
			}
			if err := sender.SendPassword(saslInitialResponse("SCRAM-SHA-256", first)); err != nil {
				return err
			}

		case protocol.AuthSASLContinue:
			if scram == nil {
				return fmt.Errorf("auth: SASLContinue received without an active SCRAM conversation")
			}
			final, err := scram.Step(req.Data)
			if err != nil {
				return err
			}
			if err := sender.SendPassword(string(final)); err != nil {
				return err
			}

		case protocol.AuthSASLFinal:
			if scram == nil {
				return fmt.Errorf("auth: SASLFinal received without an active SCRAM conversation")
			}
			if err := scram.Final(req.Data); err != nil {
				return err
			}
			// No reply; keep reading for AuthenticationOk.

		default:
			return &UnsupportedError{Kind: req.Kind}
		}
	}
}

func sendToken(sender MessageSender, token []byte) error {
	// PasswordMessage's payload is normally a NUL-terminated string, but
	// GSS/SSPI tokens are opaque binary; SendPassword accepts the raw
	// string form since Go strings are byte-transparent.
	return sender.SendPassword(string(token))
}

func containsMechanism(mechs []string, want string) bool {
	for _, m := range mechs {
		if m == want {
			return true
		}
	}
	return false
}

// saslInitialResponse builds the payload of a SASLInitialResponse
// PasswordMessage: mechanism name, NUL, then a length-prefixed initial
// client message.
func saslInitialResponse(mechanism string, initial []byte) string {
	buf := make([]byte, 0, len(mechanism)+5+len(initial))
	buf = append(buf, mechanism...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(initial)))
	buf = append(buf, initial...)
	return string(buf)
}

func hexMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
