package pgcore

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"pgcore/protocol"
)

func newBareConnector(state ConnectorState) *Connector {
	log := logrus.NewEntry(logrus.New())
	return &Connector{state: state, log: log, txStatus: TxStatusIdle}
}

func TestUpdateTransactionStatusPendingIgnoresIdle(t *testing.T) {
	c := newBareConnector(StateReady)
	c.txStatus = TxStatusPending

	c.updateTransactionStatus(protocol.TxIdle)
	require.Equal(t, TxStatusPending, c.TransactionStatus())

	c.updateTransactionStatus(protocol.TxInTx)
	require.Equal(t, TxStatusInTransactionBlock, c.TransactionStatus())
}

func TestUpdateTransactionStatusIdleClearsNormally(t *testing.T) {
	c := newBareConnector(StateReady)
	c.txStatus = TxStatusInTransactionBlock

	c.updateTransactionStatus(protocol.TxIdle)
	require.Equal(t, TxStatusIdle, c.TransactionStatus())
}

func TestSendAllOnBrokenConnectorReturnsUsageError(t *testing.T) {
	c := newBareConnector(StateBroken)
	err := c.SendAll()
	var usageErr *UsageError
	require.ErrorAs(t, err, &usageErr)
}

func TestSendAllOnClosedConnectorReturnsUsageError(t *testing.T) {
	c := newBareConnector(StateClosed)
	err := c.SendAll()
	var usageErr *UsageError
	require.ErrorAs(t, err, &usageErr)
}

func TestReadSingleOnBrokenConnectorReturnsUsageError(t *testing.T) {
	c := newBareConnector(StateBroken)
	_, err := c.ReadSingle(protocol.NonSequential)
	var usageErr *UsageError
	require.ErrorAs(t, err, &usageErr)
}

func TestResetRequiresReadyState(t *testing.T) {
	c := newBareConnector(StateExecuting)
	err := c.Reset()
	var usageErr *UsageError
	require.ErrorAs(t, err, &usageErr)
}

func TestSetStateToReadyClosesActiveReader(t *testing.T) {
	c := newBareConnector(StateFetching)
	closed := false
	c.reader = &activeReader{onClose: func() { closed = true }}

	c.setState(StateReady)

	require.True(t, closed)
	require.Nil(t, c.reader)
}

func TestBeginReadingHandleDoneClosesOnce(t *testing.T) {
	c := newBareConnector(StateFetching)
	calls := 0
	handle := c.BeginReading(func() { calls++ })
	handle.Done()
	handle.Done()
	require.Equal(t, 1, calls)
}

func TestConnectorStateStringUnknown(t *testing.T) {
	require.Equal(t, "unknown", ConnectorState(99).String())
}

func TestTransactionStatusStringUnknown(t *testing.T) {
	require.Equal(t, "unknown", TransactionStatus(99).String())
}
