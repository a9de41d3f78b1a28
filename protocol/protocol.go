// Package protocol implements the PostgreSQL frontend/backend wire
// protocol, version 3: message type constants, the tagged frontend and
// backend message sum types, and their codecs against a buffer.Buffer.
package protocol

// ProtocolVersion is protocol version 3.0, sent in the StartupMessage.
const ProtocolVersion int32 = 196608 // 3 << 16

// SSLRequestCode is sent as a length-8 preamble before StartupMessage to
// request an in-band TLS upgrade.
const SSLRequestCode int32 = 80877103

// CancelRequestCode identifies a CancelRequest preamble on a fresh
// connection, in place of a StartupMessage.
const CancelRequestCode int32 = 80877102

// Frontend message type bytes.
const (
	TagPassword     byte = 'p'
	TagQuery        byte = 'Q'
	TagParse        byte = 'P'
	TagBind         byte = 'B'
	TagDescribe     byte = 'D'
	TagExecute      byte = 'E'
	TagSync         byte = 'S'
	TagClose        byte = 'C'
	TagTerminate    byte = 'X'
	TagCopyData     byte = 'd'
	TagCopyDone     byte = 'c'
	TagCopyFail     byte = 'f'
	TagFunctionCall byte = 'F'
	TagFlush        byte = 'H'
)

// Backend message type bytes.
const (
	TagAuthentication     byte = 'R'
	TagBackendKeyData     byte = 'K'
	TagParameterStatus    byte = 'S'
	TagReadyForQuery      byte = 'Z'
	TagRowDescription     byte = 'T'
	TagDataRow            byte = 'D'
	TagCommandComplete    byte = 'C'
	TagEmptyQueryResponse byte = 'I'
	TagParseComplete      byte = '1'
	TagBindComplete       byte = '2'
	TagCloseComplete      byte = '3'
	TagParameterDesc      byte = 't'
	TagNoData             byte = 'n'
	TagPortalSuspended    byte = 's'
	TagNoticeResponse     byte = 'N'
	TagNotificationResp   byte = 'A'
	TagErrorResponse      byte = 'E'
	TagCopyInResponse     byte = 'G'
	TagCopyOutResponse    byte = 'H'
	TagCopyBothResponse   byte = 'W'
	// TagCopyData and TagCopyDone are shared with the frontend set above.
	TagNegotiateProtoVer byte = 'v'
)

// Authentication request sub-type codes carried in an Authentication
// message's first int32.
const (
	AuthOK                int32 = 0
	AuthKerberosV5        int32 = 2
	AuthCleartextPassword int32 = 3
	AuthMD5Password       int32 = 5
	AuthSCMCredential     int32 = 6
	AuthGSS               int32 = 7
	AuthGSSContinue       int32 = 8
	AuthSSPI              int32 = 9
	AuthSASL              int32 = 10
	AuthSASLContinue      int32 = 11
	AuthSASLFinal         int32 = 12
)

// Transaction-status indicator bytes carried by ReadyForQuery.
const (
	TxIdle   byte = 'I'
	TxInTx   byte = 'T'
	TxFailed byte = 'E'
)

// DescribeTarget selects what a Describe message asks about.
const (
	DescribeStatement byte = 'S'
	DescribePortal    byte = 'P'
)

// CloseTarget selects what a Close message closes.
const (
	CloseStatement byte = 'S'
	ClosePortal    byte = 'P'
)

// FormatCode selects text (0) or binary (1) encoding for a parameter or
// result column.
const (
	FormatText   int16 = 0
	FormatBinary int16 = 1
)
