package mockserver

import (
	"bytes"
	"encoding/binary"

	"pgcore/protocol"
)

// encodeBackend serializes one scripted backend message into its wire
// representation: a 1-byte tag, a 4-byte big-endian length (inclusive of
// itself), and the payload. Untagged messages (there are none on the
// backend side) would omit the tag; every backend message here carries
// one.
func encodeBackend(msg protocol.BackendMessage) []byte {
	var body bytes.Buffer
	var tag byte

	switch m := msg.(type) {
	case protocol.AuthenticationOk:
		tag = protocol.TagAuthentication
		writeInt32(&body, protocol.AuthOK)
	case *protocol.AuthenticationRequest:
		tag = protocol.TagAuthentication
		writeInt32(&body, m.Kind)
		if m.Kind == protocol.AuthSASL {
			for _, mech := range m.Mechanisms {
				body.WriteString(mech)
				body.WriteByte(0)
			}
			body.WriteByte(0)
		} else {
			body.Write(m.Data)
		}
	case *protocol.BackendKeyData:
		tag = protocol.TagBackendKeyData
		writeUint32(&body, m.ProcessID)
		writeUint32(&body, m.SecretKey)
	case *protocol.ParameterStatus:
		tag = protocol.TagParameterStatus
		writeCString(&body, m.Name)
		writeCString(&body, m.Value)
	case *protocol.ReadyForQuery:
		tag = protocol.TagReadyForQuery
		body.WriteByte(m.TxStatus)
	case *protocol.RowDescription:
		tag = protocol.TagRowDescription
		writeInt16(&body, int16(len(m.Fields)))
		for _, f := range m.Fields {
			writeCString(&body, f.Name)
			writeUint32(&body, f.TableOID)
			writeInt16(&body, f.ColumnAttr)
			writeUint32(&body, f.DataTypeOID)
			writeInt16(&body, f.DataTypeSize)
			writeInt32(&body, f.TypeModifier)
			writeInt16(&body, f.FormatCode)
		}
	case *protocol.DataRow:
		tag = protocol.TagDataRow
		writeInt16(&body, int16(len(m.Values)))
		for _, v := range m.Values {
			if v == nil {
				writeInt32(&body, -1)
				continue
			}
			writeInt32(&body, int32(len(v)))
			body.Write(v)
		}
	case *protocol.CommandComplete:
		tag = protocol.TagCommandComplete
		writeCString(&body, m.Tag)
	case protocol.EmptyQueryResponse:
		tag = protocol.TagEmptyQueryResponse
	case *protocol.ParameterDescription:
		tag = protocol.TagParameterDesc
		writeInt16(&body, int16(len(m.ParamOIDs)))
		for _, oid := range m.ParamOIDs {
			writeUint32(&body, oid)
		}
	case protocol.NoData:
		tag = protocol.TagNoData
	case protocol.ParseComplete:
		tag = protocol.TagParseComplete
	case protocol.BindComplete:
		tag = protocol.TagBindComplete
	case protocol.CloseComplete:
		tag = protocol.TagCloseComplete
	case protocol.PortalSuspended:
		tag = protocol.TagPortalSuspended
	case *protocol.NoticeResponse:
		tag = protocol.TagNoticeResponse
		writeNoticeFields(&body, m.NoticeFields)
	case *protocol.ErrorResponse:
		tag = protocol.TagErrorResponse
		writeNoticeFields(&body, m.NoticeFields)
	case *protocol.NotificationResponse:
		tag = protocol.TagNotificationResp
		writeUint32(&body, m.ProcessID)
		writeCString(&body, m.Channel)
		writeCString(&body, m.Payload)
	case *protocol.CopyInResponse:
		tag = protocol.TagCopyInResponse
		writeCopyFormat(&body, m.OverallFormat, m.ColumnFormats)
	case *protocol.CopyOutResponse:
		tag = protocol.TagCopyOutResponse
		writeCopyFormat(&body, m.OverallFormat, m.ColumnFormats)
	case *protocol.CopyBothResponse:
		tag = protocol.TagCopyBothResponse
		writeCopyFormat(&body, m.OverallFormat, m.ColumnFormats)
	case *protocol.CopyDataMsg:
		tag = protocol.TagCopyData
		body.Write(m.Data)
	case protocol.CopyDone:
		tag = protocol.TagCopyDone
	default:
		panic("mockserver: unsupported scripted backend message type")
	}

	out := make([]byte, 0, 5+body.Len())
	out = append(out, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()+4))
	out = append(out, lenBuf[:]...)
	out = append(out, body.Bytes()...)
	return out
}

func writeCopyFormat(body *bytes.Buffer, overall byte, columnFormats []int16) {
	body.WriteByte(overall)
	writeInt16(body, int16(len(columnFormats)))
	for _, f := range columnFormats {
		writeInt16(body, f)
	}
}

func writeNoticeFields(body *bytes.Buffer, f protocol.NoticeFields) {
	writeField(body, 'S', f.Severity)
	writeField(body, 'C', f.Code)
	writeField(body, 'M', f.Message)
	writeField(body, 'D', f.Detail)
	writeField(body, 'H', f.Hint)
	writeField(body, 's', f.SchemaName)
	writeField(body, 't', f.TableName)
	writeField(body, 'c', f.ColumnName)
	writeField(body, 'd', f.DataTypeName)
	writeField(body, 'n', f.ConstraintName)
	writeField(body, 'F', f.File)
	writeField(body, 'R', f.Routine)
	writeField(body, 'q', f.InternalQuery)
	writeField(body, 'W', f.Where)
	body.WriteByte(0)
}

func writeField(body *bytes.Buffer, code byte, value string) {
	if value == "" {
		return
	}
	body.WriteByte(code)
	body.WriteString(value)
	body.WriteByte(0)
}

func writeCString(body *bytes.Buffer, s string) {
	body.WriteString(s)
	body.WriteByte(0)
}

func writeInt16(body *bytes.Buffer, v int16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	body.Write(b[:])
}

func writeInt32(body *bytes.Buffer, v int32) {
	writeUint32(body, uint32(v))
}

func writeUint32(body *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	body.Write(b[:])
}
