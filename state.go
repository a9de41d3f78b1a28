package pgcore

// ConnectorState is the connector's lifecycle state.
type ConnectorState int

const (
	StateClosed ConnectorState = iota
	StateConnecting
	StateReady
	StateExecuting
	StateFetching
	StateCopy
	StateBroken
)

func (s ConnectorState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateFetching:
		return "fetching"
	case StateCopy:
		return "copy"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// setState centralizes every state transition so the Ready-transition's
// reader-cleanup side effect happens exactly once, no
// matter which code path triggers it.
func (c *Connector) setState(next ConnectorState) {
	prev := c.state
	c.state = next
	if next == StateReady && c.reader != nil {
		c.reader.close()
		c.reader = nil
	}
	if c.log != nil && prev != next {
		c.log.WithField("from", prev).WithField("to", next).Debug("state transition")
	}
}

// TransactionStatus mirrors the indicator carried by ReadyForQuery, plus
// the client-side-only Pending value.
type TransactionStatus int

const (
	TxStatusIdle TransactionStatus = iota
	TxStatusInTransactionBlock
	TxStatusInFailedTransactionBlock
	// TxStatusPending marks that a BEGIN has been prepended but its own
	// ReadyForQuery has not yet arrived. It is never reported by the
	// server; it is purely client-side bookkeeping.
	TxStatusPending
)

func (s TransactionStatus) String() string {
	switch s {
	case TxStatusIdle:
		return "idle"
	case TxStatusInTransactionBlock:
		return "in-transaction"
	case TxStatusInFailedTransactionBlock:
		return "in-failed-transaction"
	case TxStatusPending:
		return "pending"
	default:
		return "unknown"
	}
}
