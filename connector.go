// Package pgcore is a client-side driver core for a PostgreSQL-compatible
// backend: it owns the connection state machine, the framed byte buffer,
// the message codec, and transaction-status tracking that higher-level
// commands, readers, and pooling build on.
package pgcore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pgcore/auth"
	"pgcore/buffer"
	"pgcore/config"
	"pgcore/protocol"
	"pgcore/transport"
)

// Connector is one physical wire session with a PostgreSQL-compatible
// backend
type Connector struct {
	id  string
	log *logrus.Entry
	cfg *config.Config

	transportConn *transport.Conn
	buf           *buffer.Buffer
	enc           *protocol.Encoder
	dec           *protocol.Decoder

	state    ConnectorState
	txStatus TransactionStatus

	backendPID       uint32
	backendSecretKey uint32
	backendParams    map[string]string
	serverVersion    string
	features         ServerFeatures

	prepended            []protocol.FrontendMessage
	pending              []protocol.FrontendMessage
	pendingRFQPrepended  int
	sentRFQPrepended     int
	pendingErr           error

	reader *activeReader

	statementCounter int
	portalCounter    int

	sessionCommandTimeout time.Duration

	sem          chan struct{}
	blockDepth   int
	listenerStop chan struct{}
	listenerDone chan struct{}

	noticeHandler       func(protocol.NoticeFields)
	notificationHandler func(protocol.NotificationResponse)
}

// Open drives the full startup sequence: transport
// connect (with optional in-band TLS), Startup message, the
// Authenticator sub-dialog, draining BackendKeyData/ParameterStatus up to
// the first ReadyForQuery, Server-Feature detection, and — if configured
// — starting the asynchronous notification listener.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Connector, error) {
	log, id := newConnectorLogger(logger, cfg.Host, cfg.Port)
	c := &Connector{
		id:                    id,
		log:                   log,
		cfg:                   cfg,
		state:                 StateClosed,
		txStatus:              TxStatusIdle,
		backendParams:         make(map[string]string),
		sessionCommandTimeout: cfg.CommandTimeout,
		sem:                   make(chan struct{}, 1),
	}
	c.sem <- struct{}{}
	c.setState(StateConnecting)

	if err := c.dial(ctx); err != nil {
		c.setState(StateClosed)
		return nil, err
	}

	if err := c.sendStartup(); err != nil {
		c.breakWith(err)
		return nil, err
	}

	if err := c.runAuthenticator(); err != nil {
		c.breakWith(err)
		return nil, classifyAuthError(err)
	}

	if err := c.drainStartupTail(); err != nil {
		return nil, err
	}

	c.applyFeatureDetection()

	if cfg.SyncNotification {
		c.startNotificationListener()
	}

	c.log.WithFields(logrus.Fields{
		"backend_pid":    c.backendPID,
		"server_version": c.serverVersion,
		"secure":         c.transportConn.IsSecure,
	}).Info("connector ready")

	return c, nil
}

func (c *Connector) dial(ctx context.Context) error {
	mode := sslModeFor(c.cfg)
	tlsOpts, err := loadTLSOptions(c.cfg)
	if err != nil {
		return err
	}
	conn, err := transport.Open(ctx, c.cfg.Host, c.cfg.Port, c.cfg.Timeout, mode, tlsOpts)
	if err != nil {
		return err
	}
	c.transportConn = conn
	c.buf = buffer.New(conn, c.cfg.BufferSize)
	c.enc = protocol.NewEncoder(c.buf)
	c.dec = protocol.NewDecoder(c.buf)
	return nil
}

func (c *Connector) sendStartup() error {
	params := map[string]string{"user": c.cfg.User}
	database := c.cfg.Database
	if database == "" {
		database = c.cfg.User
	}
	params["database"] = database
	if c.cfg.ApplicationName != "" {
		params["application_name"] = c.cfg.ApplicationName
	}
	if c.cfg.SearchPath != "" {
		params["search_path"] = c.cfg.SearchPath
	}
	if c.cfg.ServerCompatibility != config.CompatRedshift {
		params["ssl_renegotiation_limit"] = "0"
	}

	startup := protocol.StartupMessage{Parameters: params}
	encoded := startup.Encode()
	if len(encoded) > c.cfg.BufferSize {
		return &ProtocolError{Err: fmt.Errorf("startup message of %d bytes exceeds buffer size %d", len(encoded), c.cfg.BufferSize)}
	}
	if err := c.buf.WriteRaw(encoded); err != nil {
		return &TransportError{Err: err}
	}
	if err := c.buf.Flush(); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// startupSender adapts a Connector to auth.MessageSender for the duration
// of the AuthenticationRequest sub-dialog.
type startupSender struct{ c *Connector }

func (s *startupSender) SendPassword(password string) error {
	if err := s.c.enc.Encode(protocol.PasswordMessage{Password: password}); err != nil {
		return err
	}
	return s.c.buf.Flush()
}

func (s *startupSender) ReceiveMessage() (protocol.BackendMessage, error) {
	return s.c.dec.Decode(protocol.NonSequential)
}

func (c *Connector) runAuthenticator() error {
	opts := auth.Options{
		User:          c.cfg.User,
		Password:      c.cfg.Password,
		Host:          c.cfg.Host,
		KrbSrvName:    c.cfg.KrbSrvName,
		SCRAMProvider: auth.NewSCRAMProvider,
	}
	if c.cfg.IntegratedSecurity {
		opts.GSSProvider = auth.NewGSSProvider
		opts.SSPIProvider = auth.NewGSSProvider
	}
	return auth.Run(&startupSender{c: c}, opts)
}

// drainStartupTail reads BackendKeyData/ParameterStatus messages until
// the ReadyForQuery that closes out authentication arrives.
func (c *Connector) drainStartupTail() error {
	for {
		msg, err := c.dec.Decode(protocol.NonSequential)
		if err != nil {
			c.breakWith(err)
			return wrapReadError(err)
		}
		if handled, _ := c.applySideEffect(msg); handled {
			continue
		}
		if rfq, ok := msg.(*protocol.ReadyForQuery); ok {
			c.updateTransactionStatus(rfq.TxStatus)
			c.setState(StateReady)
			return nil
		}
	}
}

func (c *Connector) applyFeatureDetection() {
	if v, ok := c.backendParams["server_version"]; ok {
		c.serverVersion = v
		c.features = detectFeatures(v)
	}
	if v, ok := c.backendParams["standard_conforming_strings"]; ok {
		c.features.UseConformantStrings = strings.EqualFold(v, "on")
	}
}

func classifyAuthError(err error) error {
	var se *auth.ServerError
	if errors.As(err, &se) {
		return newServerError(se.Fields)
	}
	var ue *auth.UnsupportedError
	if errors.As(err, &ue) {
		return &AuthenticationError{Err: ue}
	}
	return &AuthenticationError{Err: err}
}

func sslModeFor(cfg *config.Config) transport.SSLMode {
	switch cfg.SSLMode {
	case config.SSLRequire:
		return transport.Require
	case config.SSLDisable:
		if cfg.SSL {
			return transport.Require
		}
		return transport.Disable
	default:
		return transport.Prefer
	}
}

func loadTLSOptions(cfg *config.Config) (*transport.TLSOptions, error) {
	if cfg.SSLCert == "" && cfg.SSLKey == "" && cfg.SSLRootCert == "" {
		return nil, nil
	}
	return transport.LoadTLSOptions(cfg.SSLCert, cfg.SSLKey, cfg.SSLRootCert)
}

// AddMessage enqueues msg to be transmitted on the next SendAll, after any
// currently queued prepended messages.
func (c *Connector) AddMessage(msg protocol.FrontendMessage) {
	c.pending = append(c.pending, msg)
}

// Prepend enqueues a setup message (ROLLBACK, DISCARD ALL, UNLISTEN *,
// SET statement_timeout) ahead of the caller's next message chain. Only
// messages that elicit their own ReadyForQuery count toward
// pendingRFQPrepended.
func (c *Connector) Prepend(msg protocol.FrontendMessage) {
	c.prepended = append(c.prepended, msg)
	if elicitsRFQ(msg) {
		c.pendingRFQPrepended++
	}
}

func elicitsRFQ(msg protocol.FrontendMessage) bool {
	switch msg.(type) {
	case protocol.QueryMessage, protocol.SyncMessage:
		return true
	}
	return false
}

// SendAll writes every prepended message (in prepend order) followed by
// every added message (in add order), then flushes once.
func (c *Connector) SendAll() error {
	if c.state == StateClosed || c.state == StateBroken {
		return &UsageError{Msg: "SendAll on a " + c.state.String() + " connector"}
	}
	block := c.BeginNotificationBlock()
	defer block.Dispose()

	for _, m := range c.prepended {
		if err := c.enc.Encode(m); err != nil {
			c.breakWith(err)
			return &ProtocolError{Err: err}
		}
	}
	for _, m := range c.pending {
		if err := c.enc.Encode(m); err != nil {
			c.breakWith(err)
			return &ProtocolError{Err: err}
		}
	}
	if err := c.buf.Flush(); err != nil {
		c.breakWith(err)
		return &TransportError{Err: err}
	}

	c.sentRFQPrepended += c.pendingRFQPrepended
	c.pendingRFQPrepended = 0
	c.prepended = c.prepended[:0]
	c.pending = c.pending[:0]

	if c.state == StateReady {
		c.setState(StateExecuting)
	}
	return nil
}

// ReadSingle returns the next message not hidden by a prepended-RFQ drain
// and not itself a pure side effect (ParameterStatus, NoticeResponse,
// NotificationResponse, BackendKeyData). A RowDescription moves Executing
// to Fetching and a CopyIn/Out/BothResponse moves Executing to Copy; both
// return to Ready only when their closing ReadyForQuery arrives.
func (c *Connector) ReadSingle(mode protocol.DataRowLoadingMode) (protocol.BackendMessage, error) {
	if c.state == StateClosed || c.state == StateBroken {
		return nil, &UsageError{Msg: "ReadSingle on a " + c.state.String() + " connector"}
	}
	block := c.BeginNotificationBlock()
	defer block.Dispose()

	if err := c.drainPrependedRFQs(); err != nil {
		return nil, err
	}

	for {
		msg, err := c.dec.Decode(mode)
		if err != nil {
			c.breakWith(err)
			return nil, wrapReadError(err)
		}
		if handled, sideEffect := c.applySideEffect(msg); handled {
			if sideEffect {
				continue
			}
		}
		if _, ok := msg.(*protocol.RowDescription); ok {
			if c.state == StateExecuting {
				c.setState(StateFetching)
			}
			return msg, nil
		}
		switch msg.(type) {
		case *protocol.CopyInResponse, *protocol.CopyOutResponse, *protocol.CopyBothResponse:
			if c.state == StateExecuting {
				c.setState(StateCopy)
			}
			return msg, nil
		}
		if rfq, ok := msg.(*protocol.ReadyForQuery); ok {
			c.updateTransactionStatus(rfq.TxStatus)
			c.setState(StateReady)
			if c.pendingErr != nil {
				err := c.pendingErr
				c.pendingErr = nil
				return nil, err
			}
			return msg, nil
		}
		return msg, nil
	}
}

// drainPrependedRFQs silently consumes exactly sentRFQPrepended
// ReadyForQuery messages, and everything that precedes each one,
// surfacing nothing to the caller.
func (c *Connector) drainPrependedRFQs() error {
	for c.sentRFQPrepended > 0 {
		msg, err := c.dec.Decode(protocol.Skip)
		if err != nil {
			c.breakWith(err)
			return wrapReadError(err)
		}
		if _, sideEffect := c.applySideEffect(msg); sideEffect {
			continue
		}
		if rfq, ok := msg.(*protocol.ReadyForQuery); ok {
			c.updateTransactionStatus(rfq.TxStatus)
			c.sentRFQPrepended--
			continue
		}
		// Any other synchronous message belonging to a prepended
		// command (CommandComplete, RowDescription, ...) is discarded.
	}
	return nil
}

// applySideEffect processes the message kinds that never surface as a
// ReadSingle result on their own. handled reports whether msg matched one
// of these kinds; sideEffect reports whether msg should never be returned
// to any caller. Every kind handled here, BackendKeyData and ErrorResponse
// included, reports both as true; an ErrorResponse is recorded in
// pendingErr and raised when the trailing ReadyForQuery arrives.
func (c *Connector) applySideEffect(msg protocol.BackendMessage) (handled, sideEffect bool) {
	switch m := msg.(type) {
	case *protocol.ParameterStatus:
		c.applyParameterStatus(m)
		return true, true
	case *protocol.NoticeResponse:
		c.emitNotice(m.NoticeFields)
		return true, true
	case *protocol.NotificationResponse:
		c.emitNotification(*m)
		return true, true
	case *protocol.BackendKeyData:
		c.backendPID = m.ProcessID
		c.backendSecretKey = m.SecretKey
		return true, true
	case *protocol.ErrorResponse:
		// Buffered and raised when the trailing ReadyForQuery arrives;
		// the connector remains Ready.
		c.pendingErr = newServerError(m.NoticeFields)
		return true, true
	}
	return false, false
}

func (c *Connector) applyParameterStatus(m *protocol.ParameterStatus) {
	c.backendParams[m.Name] = m.Value
	switch m.Name {
	case "server_version":
		c.serverVersion = m.Value
		c.features = detectFeatures(m.Value)
	case "standard_conforming_strings":
		c.features.UseConformantStrings = strings.EqualFold(m.Value, "on")
	}
}

func (c *Connector) emitNotice(f protocol.NoticeFields) {
	if c.noticeHandler == nil {
		return
	}
	defer func() { _ = recover() }()
	c.noticeHandler(f)
}

func (c *Connector) emitNotification(n protocol.NotificationResponse) {
	if c.notificationHandler == nil {
		return
	}
	defer func() { _ = recover() }()
	c.notificationHandler(n)
}

// RegisterNoticeHandler sets the callback invoked for each NoticeResponse.
// May be called from either the request goroutine or the notification
// listener goroutine; handler panics are swallowed.
func (c *Connector) RegisterNoticeHandler(h func(protocol.NoticeFields)) {
	c.noticeHandler = h
}

// RegisterNotificationHandler sets the callback invoked for each
// NotificationResponse (LISTEN/NOTIFY payload).
func (c *Connector) RegisterNotificationHandler(h func(protocol.NotificationResponse)) {
	c.notificationHandler = h
}

func (c *Connector) updateTransactionStatus(indicator byte) {
	var next TransactionStatus
	switch indicator {
	case protocol.TxIdle:
		next = TxStatusIdle
	case protocol.TxInTx:
		next = TxStatusInTransactionBlock
	case protocol.TxFailed:
		next = TxStatusInFailedTransactionBlock
	default:
		c.breakWith(fmt.Errorf("pgcore: unknown transaction status indicator %q", indicator))
		return
	}

	if next == c.txStatus {
		return
	}
	if next == TxStatusIdle {
		if c.txStatus == TxStatusPending {
			// The BEGIN's own RFQ has not arrived yet; this Idle
			// belongs to a prepended message that preceded it.
			return
		}
		c.clearTransaction()
		return
	}
	c.txStatus = next
}

func (c *Connector) clearTransaction() {
	c.txStatus = TxStatusIdle
}

// MarkTransactionPending records that a BEGIN has been prepended but not
// yet acknowledged by its own ReadyForQuery.
func (c *Connector) MarkTransactionPending() {
	c.txStatus = TxStatusPending
}

// ID returns the connector's stable identifier, the same value carried in
// its log fields, so callers can correlate a cancellation with the
// session it targets.
func (c *Connector) ID() string { return c.id }

// State returns the connector's current lifecycle state.
func (c *Connector) State() ConnectorState { return c.state }

// TransactionStatus returns the connector's current transaction status.
func (c *Connector) TransactionStatus() TransactionStatus { return c.txStatus }

// BackendProcessID returns the backend pid reported at startup, used for
// cancellation.
func (c *Connector) BackendProcessID() uint32 { return c.backendPID }

// BackendSecretKey returns the cancel secret reported at startup.
func (c *Connector) BackendSecretKey() uint32 { return c.backendSecretKey }

// ServerVersion returns the raw server_version string.
func (c *Connector) ServerVersion() string { return c.serverVersion }

// Features returns the capability flags derived from server_version.
func (c *Connector) Features() ServerFeatures { return c.features }

// IsSecure reports whether the connection is TLS-protected.
func (c *Connector) IsSecure() bool {
	return c.transportConn != nil && c.transportConn.IsSecure
}

// NextStatementName returns a fresh, connector-scoped prepared-statement
// name.
func (c *Connector) NextStatementName() string {
	c.statementCounter++
	return fmt.Sprintf("pgcore_stmt_%d", c.statementCounter)
}

// NextPortalName returns a fresh, connector-scoped portal name.
func (c *Connector) NextPortalName() string {
	c.portalCounter++
	return fmt.Sprintf("pgcore_portal_%d", c.portalCounter)
}

// SetCommandTimeout re-prepends a SET statement_timeout only when d
// differs from the timeout currently in effect for the session (initially
// the commandtimeout recorded at Open, afterwards the last value set here).
func (c *Connector) SetCommandTimeout(d time.Duration) {
	if d == c.sessionCommandTimeout {
		return
	}
	c.sessionCommandTimeout = d
	c.Prepend(protocol.QueryMessage{SQL: fmt.Sprintf("SET statement_timeout = %d", d.Milliseconds())})
}

// Reset prepares the connector for return to a pool: rolls back any open
// transaction, discards session state (DISCARD ALL if supported, else
// UNLISTEN * plus a local counter reset), and detaches the caller. It
// does not flush; the next real operation transmits these transparently
// alongside its own messages.
func (c *Connector) Reset() error {
	if c.state != StateReady {
		return &UsageError{Msg: "Reset requires state Ready, got " + c.state.String()}
	}
	if c.reader != nil {
		c.reader.close()
		c.reader = nil
	}

	if c.txStatus == TxStatusInTransactionBlock || c.txStatus == TxStatusInFailedTransactionBlock {
		c.Prepend(protocol.QueryMessage{SQL: "ROLLBACK"})
	}
	c.clearTransaction()

	if c.features.SupportsDiscard {
		c.Prepend(protocol.QueryMessage{SQL: "DISCARD ALL"})
	} else {
		c.Prepend(protocol.QueryMessage{SQL: "UNLISTEN *"})
		c.statementCounter = 0
		c.portalCounter = 0
	}
	return nil
}

// Close gracefully ends the session: best-effort Terminate if Ready, then
// full cleanup.
func (c *Connector) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.cleanup(true)
	c.setState(StateClosed)
	return nil
}

// breakWith transitions to Broken and runs the same cleanup as Close, but
// without attempting a Terminate.
func (c *Connector) breakWith(err error) {
	if c.state == StateBroken || c.state == StateClosed {
		return
	}
	c.log.WithError(err).Warn("connector broken")
	c.cleanup(false)
	c.setState(StateBroken)
}

func (c *Connector) cleanup(sendTerminate bool) {
	if sendTerminate && c.state == StateReady && c.enc != nil {
		_ = c.enc.Encode(protocol.TerminateMessage{})
		_ = c.buf.Flush()
	}
	c.stopNotificationListener()
	if c.reader != nil {
		c.reader.close()
		c.reader = nil
	}
	c.txStatus = TxStatusIdle
	if c.transportConn != nil {
		_ = c.transportConn.Close()
	}
	c.transportConn = nil
	c.buf = nil
	c.enc = nil
	c.dec = nil
	c.backendParams = nil
	c.serverVersion = ""
}

func wrapReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransportError{Err: err}
	}
	return &ProtocolError{Err: err}
}
