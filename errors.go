package pgcore

import (
	"fmt"

	"pgcore/protocol"
)

// TransportError wraps a DNS/TCP/TLS failure.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("pgcore: transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError wraps an ordering violation or unknown message code.
type ProtocolError struct{ Err error }

func (e *ProtocolError) Error() string { return fmt.Sprintf("pgcore: protocol: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// ServerError wraps a decoded ErrorResponse.
// Field layout mirrors jackc-pgx's PgError.
type ServerError struct {
	Severity         string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	SchemaName       string
	TableName        string
	ColumnName       string
	DataTypeName     string
	ConstraintName   string
	File             string
	Line             int32
	Routine          string
}

func newServerError(f protocol.NoticeFields) *ServerError {
	return &ServerError{
		Severity: f.Severity, Code: f.Code, Message: f.Message, Detail: f.Detail,
		Hint: f.Hint, Position: f.Position, InternalPosition: f.InternalPosition,
		InternalQuery: f.InternalQuery, Where: f.Where, SchemaName: f.SchemaName,
		TableName: f.TableName, ColumnName: f.ColumnName, DataTypeName: f.DataTypeName,
		ConstraintName: f.ConstraintName, File: f.File, Line: f.Line, Routine: f.Routine,
	}
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Severity, e.Message, e.Code)
}

// AuthenticationError wraps an unsupported method or SASL/GSS failure.
type AuthenticationError struct{ Err error }

func (e *AuthenticationError) Error() string { return fmt.Sprintf("pgcore: authentication: %v", e.Err) }
func (e *AuthenticationError) Unwrap() error { return e.Err }

// TimeoutError wraps a DNS/connect-phase timeout.
type TimeoutError struct{ Err error }

func (e *TimeoutError) Error() string { return fmt.Sprintf("pgcore: timeout: %v", e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }
func (e *TimeoutError) Timeout() bool { return true }

// UsageError reports an operation attempted in the wrong connector state.
// It never breaks the connector.
type UsageError struct{ Msg string }

func (e *UsageError) Error() string { return "pgcore: usage: " + e.Msg }
