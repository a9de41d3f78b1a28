package protocol

import (
	"encoding/binary"
	"fmt"

	"pgcore/buffer"
)

// BackendMessage is the closed sum type over messages a server sends.
type BackendMessage interface {
	isBackendMessage()
}

// Stateless singleton backend messages carry no payload and never need
// per-message allocation.
type (
	ParseComplete      struct{}
	BindComplete       struct{}
	NoData             struct{}
	CloseComplete      struct{}
	EmptyQueryResponse struct{}
	AuthenticationOk   struct{}
	CopyDone           struct{}
	PortalSuspended    struct{}
)

func (ParseComplete) isBackendMessage()      {}
func (BindComplete) isBackendMessage()       {}
func (NoData) isBackendMessage()             {}
func (CloseComplete) isBackendMessage()      {}
func (EmptyQueryResponse) isBackendMessage() {}
func (AuthenticationOk) isBackendMessage()   {}
func (CopyDone) isBackendMessage()           {}
func (PortalSuspended) isBackendMessage()    {}

// Shared stateless instances, returned directly by Decode instead of
// being reallocated per message.
var (
	singletonParseComplete      = ParseComplete{}
	singletonBindComplete       = BindComplete{}
	singletonNoData             = NoData{}
	singletonCloseComplete      = CloseComplete{}
	singletonEmptyQueryResponse = EmptyQueryResponse{}
	singletonAuthenticationOk   = AuthenticationOk{}
	singletonCopyDone           = CopyDone{}
	singletonPortalSuspended    = PortalSuspended{}
)

// AuthenticationRequest carries a non-OK authentication challenge.
type AuthenticationRequest struct {
	Kind int32
	// Data holds the salt (MD5) or the GSS/SSPI/SCRAM continuation token,
	// depending on Kind; it is nil for AuthSASL.
	Data []byte
	// Mechanisms is populated only for AuthSASL.
	Mechanisms []string
}

func (*AuthenticationRequest) isBackendMessage() {}

// BackendKeyData carries the process id and secret key used later for
// query cancellation.
type BackendKeyData struct {
	ProcessID uint32
	SecretKey uint32
}

func (*BackendKeyData) isBackendMessage() {}

// ParameterStatus reports a runtime parameter's current value.
type ParameterStatus struct {
	Name, Value string
}

func (*ParameterStatus) isBackendMessage() {}

// ReadyForQuery delimits a synchronous request/response boundary.
type ReadyForQuery struct {
	TxStatus byte
}

func (*ReadyForQuery) isBackendMessage() {}

// FieldDescription describes one column of a RowDescription.
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnAttr   int16
	DataTypeOID  uint32
	DataTypeSize int16
	TypeModifier int32
	FormatCode   int16
}

// RowDescription describes the columns of an upcoming set of DataRows.
type RowDescription struct {
	Fields []FieldDescription
}

func (*RowDescription) isBackendMessage() {}

// DataRow carries one row of query results. In Sequential loading mode
// Values remains nil and columns are read lazily via the reader that
// owns the buffer; in NonSequential mode Values is fully populated.
type DataRow struct {
	Values [][]byte
}

func (*DataRow) isBackendMessage() {}

// CommandComplete reports the tag of a just-finished command.
type CommandComplete struct {
	Tag string
}

func (*CommandComplete) isBackendMessage() {}

// ParameterDescription reports the inferred types of a prepared
// statement's parameters.
type ParameterDescription struct {
	ParamOIDs []uint32
}

func (*ParameterDescription) isBackendMessage() {}

// NoticeResponse and ErrorResponse share the same field-tag encoding.
type NoticeFields struct {
	Severity, Code, Message, Detail, Hint string
	Position, InternalPosition            int32
	InternalQuery, Where                  string
	SchemaName, TableName, ColumnName     string
	DataTypeName, ConstraintName          string
	File                                  string
	Line                                  int32
	Routine                               string
}

type NoticeResponse struct{ NoticeFields }
type ErrorResponse struct{ NoticeFields }

func (*NoticeResponse) isBackendMessage() {}
func (*ErrorResponse) isBackendMessage()  {}

// NotificationResponse carries an asynchronous LISTEN/NOTIFY payload.
type NotificationResponse struct {
	ProcessID uint32
	Channel   string
	Payload   string
}

func (*NotificationResponse) isBackendMessage() {}

// CopyInResponse / CopyOutResponse / CopyBothResponse announce the start
// of a COPY sub-protocol.
type CopyInResponse struct {
	OverallFormat byte
	ColumnFormats []int16
}
type CopyOutResponse struct {
	OverallFormat byte
	ColumnFormats []int16
}
type CopyBothResponse struct {
	OverallFormat byte
	ColumnFormats []int16
}

func (*CopyInResponse) isBackendMessage()   {}
func (*CopyOutResponse) isBackendMessage()  {}
func (*CopyBothResponse) isBackendMessage() {}

// CopyDataMsg carries one chunk of COPY payload from the server. Named
// distinctly from the frontend CopyDataMessage since the two travel in
// opposite directions and have different lifetimes (this one may alias
// the connector's reusable buffer).
type CopyDataMsg struct {
	Data []byte
}

func (*CopyDataMsg) isBackendMessage() {}

// DataRowLoadingMode controls how DataRow/CopyData payload bytes are
// consumed from the buffer.
type DataRowLoadingMode int

const (
	// NonSequential fully materializes DataRow.Values.
	NonSequential DataRowLoadingMode = iota
	// Sequential leaves the payload in the buffer for lazy per-column
	// reads by a higher-layer reader.
	Sequential
	// Skip discards the payload without materializing it.
	Skip
)

// Decoder reads and decodes backend messages, reusing per-connector
// instances for hot variants (DataRow, CopyData, RowDescription,
// CommandComplete, ReadyForQuery, ParameterDescription, CopyIn/Out) to
// avoid per-message allocation.
type Decoder struct {
	buf *buffer.Buffer

	rowDescription       RowDescription
	dataRow              DataRow
	commandComplete      CommandComplete
	readyForQuery        ReadyForQuery
	parameterDescription ParameterDescription
	copyInResponse       CopyInResponse
	copyOutResponse      CopyOutResponse
	copyDataMsg          CopyDataMsg
	authRequest          AuthenticationRequest
}

// NewDecoder wraps buf.
func NewDecoder(buf *buffer.Buffer) *Decoder {
	return &Decoder{buf: buf}
}

// Decode reads one backend message. mode controls DataRow/CopyData
// payload handling; it is ignored for every other message kind.
func (d *Decoder) Decode(mode DataRowLoadingMode) (BackendMessage, error) {
	tag, err := d.buf.ReadByte()
	if err != nil {
		return nil, err
	}
	length, err := d.buf.ReadInt32()
	if err != nil {
		return nil, err
	}
	if length < 4 {
		return nil, fmt.Errorf("protocol: message %q has invalid length %d", tag, length)
	}
	payloadLen := int(length) - 4

	if tag == TagDataRow && mode != NonSequential {
		if mode == Skip {
			if err := d.buf.Skip(payloadLen); err != nil {
				return nil, err
			}
			return d.Decode(mode)
		}
		d.dataRow.Values = nil
		return &d.dataRow, nil // caller reads columns lazily via d.buf
	}
	if tag == TagCopyData && mode != NonSequential {
		if mode == Skip {
			if err := d.buf.Skip(payloadLen); err != nil {
				return nil, err
			}
			return d.Decode(mode)
		}
		return &d.copyDataMsg, nil
	}

	tmp, err := d.buf.EnsureOrAllocateTemp(payloadLen)
	if err != nil {
		return nil, err
	}
	var body []byte
	if tmp != nil {
		body = tmp
	} else {
		body = d.buf.ReadBytes(payloadLen)
	}

	return d.decodeBody(tag, body)
}

func (d *Decoder) decodeBody(tag byte, body []byte) (BackendMessage, error) {
	switch tag {
	case TagAuthentication:
		return d.decodeAuthentication(body)
	case TagBackendKeyData:
		if len(body) < 8 {
			return nil, fmt.Errorf("protocol: short BackendKeyData")
		}
		return &BackendKeyData{
			ProcessID: binary.BigEndian.Uint32(body[0:4]),
			SecretKey: binary.BigEndian.Uint32(body[4:8]),
		}, nil
	case TagParameterStatus:
		name, rest := readCString(body)
		value, _ := readCString(rest)
		return &ParameterStatus{Name: name, Value: value}, nil
	case TagReadyForQuery:
		if len(body) < 1 {
			return nil, fmt.Errorf("protocol: short ReadyForQuery")
		}
		d.readyForQuery.TxStatus = body[0]
		return &d.readyForQuery, nil
	case TagRowDescription:
		return d.decodeRowDescription(body)
	case TagDataRow:
		return d.decodeDataRow(body)
	case TagCommandComplete:
		tagStr, _ := readCString(body)
		d.commandComplete.Tag = tagStr
		return &d.commandComplete, nil
	case TagEmptyQueryResponse:
		return &singletonEmptyQueryResponse, nil
	case TagParseComplete:
		return &singletonParseComplete, nil
	case TagBindComplete:
		return &singletonBindComplete, nil
	case TagParameterDesc:
		return d.decodeParameterDescription(body)
	case TagNoData:
		return &singletonNoData, nil
	case TagCloseComplete:
		return &singletonCloseComplete, nil
	case TagPortalSuspended:
		return &singletonPortalSuspended, nil
	case TagNoticeResponse:
		return &NoticeResponse{NoticeFields: decodeNoticeFields(body)}, nil
	case TagNotificationResp:
		return d.decodeNotification(body)
	case TagErrorResponse:
		return &ErrorResponse{NoticeFields: decodeNoticeFields(body)}, nil
	case TagCopyInResponse:
		return d.decodeCopyResponse(body, &d.copyInResponse)
	case TagCopyOutResponse:
		return d.decodeCopyResponseOut(body)
	case TagCopyBothResponse:
		return d.decodeCopyBothResponse(body)
	case TagCopyData:
		d.copyDataMsg.Data = body
		return &d.copyDataMsg, nil
	case TagCopyDone:
		return &singletonCopyDone, nil
	default:
		return nil, fmt.Errorf("protocol: unknown backend message type %q", tag)
	}
}

func (d *Decoder) decodeAuthentication(body []byte) (BackendMessage, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("protocol: short Authentication message")
	}
	kind := int32(binary.BigEndian.Uint32(body[0:4]))
	d.authRequest.Kind = kind
	d.authRequest.Data = nil
	d.authRequest.Mechanisms = nil

	if kind == AuthOK {
		return &singletonAuthenticationOk, nil
	}

	rest := body[4:]
	switch kind {
	case AuthMD5Password:
		if len(rest) < 4 {
			return nil, fmt.Errorf("protocol: short MD5 salt")
		}
		d.authRequest.Data = append([]byte(nil), rest[:4]...)
	case AuthGSSContinue, AuthSASLContinue, AuthSASLFinal:
		d.authRequest.Data = append([]byte(nil), rest...)
	case AuthSASL:
		var mechs []string
		for len(rest) > 1 {
			m, tail := readCString(rest)
			if m == "" {
				break
			}
			mechs = append(mechs, m)
			rest = tail
		}
		d.authRequest.Mechanisms = mechs
	}
	return &d.authRequest, nil
}

func (d *Decoder) decodeRowDescription(body []byte) (BackendMessage, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("protocol: short RowDescription")
	}
	n := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]
	fields := d.rowDescription.Fields[:0]
	if cap(fields) < n {
		fields = make([]FieldDescription, 0, n)
	}
	for i := 0; i < n; i++ {
		var f FieldDescription
		f.Name, body = readCString(body)
		if len(body) < 18 {
			return nil, fmt.Errorf("protocol: truncated RowDescription field")
		}
		f.TableOID = binary.BigEndian.Uint32(body[0:4])
		f.ColumnAttr = int16(binary.BigEndian.Uint16(body[4:6]))
		f.DataTypeOID = binary.BigEndian.Uint32(body[6:10])
		f.DataTypeSize = int16(binary.BigEndian.Uint16(body[10:12]))
		f.TypeModifier = int32(binary.BigEndian.Uint32(body[12:16]))
		f.FormatCode = int16(binary.BigEndian.Uint16(body[16:18]))
		body = body[18:]
		fields = append(fields, f)
	}
	d.rowDescription.Fields = fields
	return &d.rowDescription, nil
}

func (d *Decoder) decodeDataRow(body []byte) (BackendMessage, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("protocol: short DataRow")
	}
	n := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]
	values := d.dataRow.Values[:0]
	if cap(values) < n {
		values = make([][]byte, 0, n)
	}
	for i := 0; i < n; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("protocol: truncated DataRow")
		}
		l := int32(binary.BigEndian.Uint32(body[0:4]))
		body = body[4:]
		if l < 0 {
			values = append(values, nil)
			continue
		}
		values = append(values, body[:l])
		body = body[l:]
	}
	d.dataRow.Values = values
	return &d.dataRow, nil
}

func (d *Decoder) decodeParameterDescription(body []byte) (BackendMessage, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("protocol: short ParameterDescription")
	}
	n := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]
	oids := d.parameterDescription.ParamOIDs[:0]
	for i := 0; i < n && len(body) >= 4; i++ {
		oids = append(oids, binary.BigEndian.Uint32(body[0:4]))
		body = body[4:]
	}
	d.parameterDescription.ParamOIDs = oids
	return &d.parameterDescription, nil
}

func (d *Decoder) decodeCopyResponse(body []byte, into *CopyInResponse) (BackendMessage, error) {
	fmtCode, cols := decodeCopyHeader(body)
	into.OverallFormat = fmtCode
	into.ColumnFormats = cols
	return into, nil
}

func (d *Decoder) decodeCopyResponseOut(body []byte) (BackendMessage, error) {
	fmtCode, cols := decodeCopyHeader(body)
	d.copyOutResponse.OverallFormat = fmtCode
	d.copyOutResponse.ColumnFormats = cols
	return &d.copyOutResponse, nil
}

func (d *Decoder) decodeCopyBothResponse(body []byte) (BackendMessage, error) {
	fmtCode, cols := decodeCopyHeader(body)
	return &CopyBothResponse{OverallFormat: fmtCode, ColumnFormats: cols}, nil
}

func decodeCopyHeader(body []byte) (byte, []int16) {
	if len(body) < 3 {
		return 0, nil
	}
	overall := body[0]
	n := int(binary.BigEndian.Uint16(body[1:3]))
	body = body[3:]
	cols := make([]int16, 0, n)
	for i := 0; i < n && len(body) >= 2; i++ {
		cols = append(cols, int16(binary.BigEndian.Uint16(body[0:2])))
		body = body[2:]
	}
	return overall, cols
}

func (d *Decoder) decodeNotification(body []byte) (BackendMessage, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("protocol: short NotificationResponse")
	}
	pid := binary.BigEndian.Uint32(body[0:4])
	channel, rest := readCString(body[4:])
	payload, _ := readCString(rest)
	return &NotificationResponse{ProcessID: pid, Channel: channel, Payload: payload}, nil
}

func decodeNoticeFields(body []byte) NoticeFields {
	var f NoticeFields
	for len(body) > 0 {
		fieldType := body[0]
		if fieldType == 0 {
			break
		}
		body = body[1:]
		var value string
		value, body = readCString(body)
		switch fieldType {
		case 'S':
			f.Severity = value
		case 'C':
			f.Code = value
		case 'M':
			f.Message = value
		case 'D':
			f.Detail = value
		case 'H':
			f.Hint = value
		case 'P':
			f.Position = parseInt32(value)
		case 'p':
			f.InternalPosition = parseInt32(value)
		case 'q':
			f.InternalQuery = value
		case 'W':
			f.Where = value
		case 's':
			f.SchemaName = value
		case 't':
			f.TableName = value
		case 'c':
			f.ColumnName = value
		case 'd':
			f.DataTypeName = value
		case 'n':
			f.ConstraintName = value
		case 'F':
			f.File = value
		case 'L':
			f.Line = parseInt32(value)
		case 'R':
			f.Routine = value
		}
	}
	return f
}

func parseInt32(s string) int32 {
	var v int32
	for _, c := range s {
		if c < '0' || c > '9' {
			return v
		}
		v = v*10 + int32(c-'0')
	}
	return v
}

func readCString(b []byte) (string, []byte) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:]
		}
	}
	return string(b), nil
}
