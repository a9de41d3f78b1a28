package pgcore

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"pgcore/config"
	"pgcore/internal/mockserver"
	"pgcore/protocol"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testConfig(port int) *config.Config {
	return &config.Config{
		Host:       "127.0.0.1",
		Port:       port,
		User:       "tester",
		Database:   "testdb",
		Timeout:    2 * time.Second,
		BufferSize: 8192,
		SSLMode:    config.SSLDisable,
	}
}

// acceptAndAuthenticate drives the mock server side of one Open call: it
// reads the plaintext StartupMessage and replies with a minimal, ready
// backend startup sequence (AuthenticationOk, server_version, BackendKeyData,
// ReadyForQuery), sandwiching extraBeforeRFQ between the parameter status
// and the final ReadyForQuery.
func acceptAndAuthenticate(t *testing.T, mock *mockserver.Server, extraBeforeRFQ ...protocol.BackendMessage) *mockserver.Session {
	t.Helper()
	sess, err := mock.Accept()
	require.NoError(t, err)

	isSSL, length, err := sess.PeekPreamble()
	require.NoError(t, err)
	require.False(t, isSSL)

	_, err = sess.ReadStartupMessage(length)
	require.NoError(t, err)

	msgs := []protocol.BackendMessage{
		protocol.AuthenticationOk{},
		&protocol.ParameterStatus{Name: "server_version", Value: "15.3"},
		&protocol.BackendKeyData{ProcessID: 4242, SecretKey: 99887766},
	}
	msgs = append(msgs, extraBeforeRFQ...)
	msgs = append(msgs, &protocol.ReadyForQuery{TxStatus: protocol.TxIdle})
	require.NoError(t, sess.Send(msgs...))
	return sess
}

func openOverMock(t *testing.T, mock *mockserver.Server) *Connector {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Open(ctx, testConfig(mock.Port()), testLogger())
	require.NoError(t, err)
	return conn
}

func TestOpenCompletesStartupAndReachesReady(t *testing.T) {
	mock, err := mockserver.Listen()
	require.NoError(t, err)
	defer mock.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess := acceptAndAuthenticate(t, mock)
		defer sess.Close()
	}()

	conn := openOverMock(t, mock)
	defer conn.Close()
	<-done

	require.Equal(t, StateReady, conn.State())
	require.Equal(t, uint32(4242), conn.BackendProcessID())
	require.Equal(t, "15.3", conn.ServerVersion())
	require.True(t, conn.Features().SupportsDiscard)
}

// TestPrependedSetupIsHiddenFromCaller exercises the "hidden drain"
// property: a prepended message that elicits its own ReadyForQuery must
// vanish entirely from the caller's view, including every synchronous
// reply that precedes that ReadyForQuery, not just the ReadyForQuery
// itself.
func TestPrependedSetupIsHiddenFromCaller(t *testing.T) {
	mock, err := mockserver.Listen()
	require.NoError(t, err)
	defer mock.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess := acceptAndAuthenticate(t, mock)
		defer sess.Close()

		// The prepended "SET" query followed by the caller's real query,
		// sent back to back by a single SendAll.
		_, setBody, err := sess.ReadFrontendMessage()
		require.NoError(t, err)
		require.Contains(t, string(setBody), "SET statement_timeout")

		_, selectBody, err := sess.ReadFrontendMessage()
		require.NoError(t, err)
		require.Contains(t, string(selectBody), "SELECT 1")

		require.NoError(t, sess.Send(
			&protocol.CommandComplete{Tag: "SET"},
			&protocol.ReadyForQuery{TxStatus: protocol.TxIdle},
			&protocol.RowDescription{Fields: []protocol.FieldDescription{{Name: "one"}}},
			&protocol.DataRow{Values: [][]byte{[]byte("1")}},
			&protocol.CommandComplete{Tag: "SELECT 1"},
			&protocol.ReadyForQuery{TxStatus: protocol.TxIdle},
		))
	}()

	conn := openOverMock(t, mock)
	defer conn.Close()

	conn.Prepend(protocol.QueryMessage{SQL: "SET statement_timeout = 0"})
	conn.AddMessage(protocol.QueryMessage{SQL: "SELECT 1"})
	require.NoError(t, conn.SendAll())

	msg, err := conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	rd, ok := msg.(*protocol.RowDescription)
	require.True(t, ok, "expected RowDescription, got %T", msg)
	require.Equal(t, "one", rd.Fields[0].Name)

	msg, err = conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	dr, ok := msg.(*protocol.DataRow)
	require.True(t, ok, "expected DataRow, got %T", msg)
	require.Equal(t, "1", string(dr.Values[0]))

	msg, err = conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	cc, ok := msg.(*protocol.CommandComplete)
	require.True(t, ok, "expected CommandComplete, got %T", msg)
	require.Equal(t, "SELECT 1", cc.Tag)

	msg, err = conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	_, ok = msg.(*protocol.ReadyForQuery)
	require.True(t, ok, "expected ReadyForQuery, got %T", msg)

	<-done
}

// TestErrorResponseSurfacesExactlyOnceAtReadyForQuery exercises the
// property that an ErrorResponse never surfaces on its own: it is
// buffered until the trailing ReadyForQuery arrives, then returned
// exactly once as the ReadSingle error, and the connector stays Ready.
func TestErrorResponseSurfacesExactlyOnceAtReadyForQuery(t *testing.T) {
	mock, err := mockserver.Listen()
	require.NoError(t, err)
	defer mock.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess := acceptAndAuthenticate(t, mock)
		defer sess.Close()

		_, _, err := sess.ReadFrontendMessage()
		require.NoError(t, err)

		require.NoError(t, sess.Send(
			&protocol.ErrorResponse{NoticeFields: protocol.NoticeFields{
				Severity: "ERROR", Code: "42601", Message: "syntax error",
			}},
			&protocol.ReadyForQuery{TxStatus: protocol.TxIdle},
		))
	}()

	conn := openOverMock(t, mock)
	defer conn.Close()

	conn.AddMessage(protocol.QueryMessage{SQL: "SELEC 1"})
	require.NoError(t, conn.SendAll())

	msg, err := conn.ReadSingle(protocol.NonSequential)
	require.Nil(t, msg)
	require.Error(t, err)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, "42601", serverErr.Code)

	require.Equal(t, StateReady, conn.State())
	<-done
}

// TestCancelRequestUsesIndependentSideChannel exercises the property
// that cancellation never touches the original connector's socket or
// state: it opens a brand-new connection carrying the backend pid/secret
// learned at startup.
func TestCancelRequestUsesIndependentSideChannel(t *testing.T) {
	mock, err := mockserver.Listen()
	require.NoError(t, err)
	defer mock.Close()

	testDone := make(chan struct{})
	defer close(testDone)
	go func() {
		sess := acceptAndAuthenticate(t, mock)
		defer sess.Close()
		<-testDone // keep the primary session open for the test's duration
	}()

	conn := openOverMock(t, mock)
	defer conn.Close()

	cancelDone := make(chan struct{})
	var gotPID, gotSecret uint32
	go func() {
		defer close(cancelDone)
		sess, err := mock.Accept()
		if err != nil {
			return
		}
		defer sess.Close()
		gotPID, gotSecret, err = sess.ReadRawCancelPacket()
		require.NoError(t, err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = conn.CancelRequest(ctx)
	require.NoError(t, err)

	<-cancelDone
	require.Equal(t, conn.BackendProcessID(), gotPID)
	require.Equal(t, conn.BackendSecretKey(), gotSecret)
	require.Equal(t, StateReady, conn.State())
}

// TestReadSingleEntersAndLeavesCopyState exercises the Executing→Copy→
// Ready leg of the lifecycle: a CopyOutResponse moves the connector into
// Copy, the CopyData/CopyDone/CommandComplete stream in between are
// returned to the caller untouched, and the closing ReadyForQuery
// returns it to Ready.
func TestReadSingleEntersAndLeavesCopyState(t *testing.T) {
	mock, err := mockserver.Listen()
	require.NoError(t, err)
	defer mock.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess := acceptAndAuthenticate(t, mock)
		defer sess.Close()

		_, _, err := sess.ReadFrontendMessage()
		require.NoError(t, err)

		require.NoError(t, sess.Send(
			&protocol.CopyOutResponse{OverallFormat: 0, ColumnFormats: []int16{protocol.FormatText}},
			&protocol.CopyDataMsg{Data: []byte("1\t2\n")},
			protocol.CopyDone{},
			&protocol.CommandComplete{Tag: "COPY 1"},
			&protocol.ReadyForQuery{TxStatus: protocol.TxIdle},
		))
	}()

	conn := openOverMock(t, mock)
	defer conn.Close()

	conn.AddMessage(protocol.QueryMessage{SQL: "COPY t TO STDOUT"})
	require.NoError(t, conn.SendAll())

	msg, err := conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	_, ok := msg.(*protocol.CopyOutResponse)
	require.True(t, ok, "expected CopyOutResponse, got %T", msg)
	require.Equal(t, StateCopy, conn.State())

	msg, err = conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	cd, ok := msg.(*protocol.CopyDataMsg)
	require.True(t, ok, "expected CopyDataMsg, got %T", msg)
	require.Equal(t, "1\t2\n", string(cd.Data))
	require.Equal(t, StateCopy, conn.State())

	msg, err = conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	_, ok = msg.(*protocol.CopyDone)
	require.True(t, ok, "expected CopyDone, got %T", msg)
	require.Equal(t, StateCopy, conn.State())

	msg, err = conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	cc, ok := msg.(*protocol.CommandComplete)
	require.True(t, ok, "expected CommandComplete, got %T", msg)
	require.Equal(t, "COPY 1", cc.Tag)
	require.Equal(t, StateCopy, conn.State())

	msg, err = conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	_, ok = msg.(*protocol.ReadyForQuery)
	require.True(t, ok, "expected ReadyForQuery, got %T", msg)
	require.Equal(t, StateReady, conn.State())

	<-done
}

// TestTwoPrependsPendingStatusSurvivesFirstIdleRFQ exercises a caller
// prepending two setup messages ahead of a real query, where the second
// (a BEGIN) marks the transaction Pending: the Idle ReadyForQuery
// belonging to the *first* prepended message (a SET) must not clear that
// Pending status, only the BEGIN's own InTransactionBlock RFQ does.
func TestTwoPrependsPendingStatusSurvivesFirstIdleRFQ(t *testing.T) {
	mock, err := mockserver.Listen()
	require.NoError(t, err)
	defer mock.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess := acceptAndAuthenticate(t, mock)
		defer sess.Close()

		_, setBody, err := sess.ReadFrontendMessage()
		require.NoError(t, err)
		require.Contains(t, string(setBody), "SET statement_timeout")

		_, beginBody, err := sess.ReadFrontendMessage()
		require.NoError(t, err)
		require.Contains(t, string(beginBody), "BEGIN")

		_, selectBody, err := sess.ReadFrontendMessage()
		require.NoError(t, err)
		require.Contains(t, string(selectBody), "SELECT 1")

		require.NoError(t, sess.Send(
			&protocol.CommandComplete{Tag: "SET"},
			&protocol.ReadyForQuery{TxStatus: protocol.TxIdle},
			&protocol.CommandComplete{Tag: "BEGIN"},
			&protocol.ReadyForQuery{TxStatus: protocol.TxInTx},
			&protocol.RowDescription{Fields: []protocol.FieldDescription{{Name: "one"}}},
			&protocol.DataRow{Values: [][]byte{[]byte("1")}},
			&protocol.CommandComplete{Tag: "SELECT 1"},
			&protocol.ReadyForQuery{TxStatus: protocol.TxInTx},
		))
	}()

	conn := openOverMock(t, mock)
	defer conn.Close()

	conn.Prepend(protocol.QueryMessage{SQL: "SET statement_timeout = 0"})
	conn.Prepend(protocol.QueryMessage{SQL: "BEGIN"})
	conn.MarkTransactionPending()
	conn.AddMessage(protocol.QueryMessage{SQL: "SELECT 1"})
	require.NoError(t, conn.SendAll())

	require.Equal(t, TxStatusPending, conn.TransactionStatus())

	msg, err := conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	rd, ok := msg.(*protocol.RowDescription)
	require.True(t, ok, "expected RowDescription, got %T", msg)
	require.Equal(t, "one", rd.Fields[0].Name)

	// The BEGIN's own RFQ (InTransactionBlock) has already been drained
	// ahead of the RowDescription, so Pending has cleared by now.
	require.Equal(t, TxStatusInTransactionBlock, conn.TransactionStatus())

	msg, err = conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	_, ok = msg.(*protocol.DataRow)
	require.True(t, ok, "expected DataRow, got %T", msg)

	msg, err = conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	cc, ok := msg.(*protocol.CommandComplete)
	require.True(t, ok, "expected CommandComplete, got %T", msg)
	require.Equal(t, "SELECT 1", cc.Tag)

	msg, err = conn.ReadSingle(protocol.NonSequential)
	require.NoError(t, err)
	_, ok = msg.(*protocol.ReadyForQuery)
	require.True(t, ok, "expected ReadyForQuery, got %T", msg)
	require.Equal(t, TxStatusInTransactionBlock, conn.TransactionStatus())

	<-done
}

// TestConnectorBreaksOnTransportFailure exercises the property that a
// mid-request transport failure moves the connector to Broken and that
// every subsequent operation then fails with UsageError rather than
// touching the dead socket again.
func TestConnectorBreaksOnTransportFailure(t *testing.T) {
	mock, err := mockserver.Listen()
	require.NoError(t, err)
	defer mock.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess := acceptAndAuthenticate(t, mock)
		_, _, err := sess.ReadFrontendMessage()
		require.NoError(t, err)
		sess.Close() // hang up mid-response instead of replying
	}()

	conn := openOverMock(t, mock)
	defer conn.Close()

	conn.AddMessage(protocol.QueryMessage{SQL: "SELECT 1"})
	require.NoError(t, conn.SendAll())

	_, err = conn.ReadSingle(protocol.NonSequential)
	require.Error(t, err)
	require.Equal(t, StateBroken, conn.State())

	sendErr := conn.SendAll()
	var usageErr *UsageError
	require.ErrorAs(t, sendErr, &usageErr)

	<-done
}
