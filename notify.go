package pgcore

import (
	"errors"
	"fmt"
	"net"
	"time"

	"pgcore/protocol"
)

// listenerPollInterval is how often the notification listener wakes to
// check for server-pushed bytes when idle.
const listenerPollInterval = 200 * time.Millisecond

// listenerReadAttempt bounds each wake's opportunistic read so an idle
// connection never blocks the listener goroutine indefinitely.
const listenerReadAttempt = 50 * time.Millisecond

// NotificationBlock is a reentrant critical section that
// excludes the asynchronous notification listener from the wire for the
// duration of a synchronous request/response.
type NotificationBlock struct {
	c *Connector
}

// BeginNotificationBlock acquires (or, if already held by the current
// call chain, reenters) the notification semaphore.
func (c *Connector) BeginNotificationBlock() *NotificationBlock {
	if c.sem != nil && c.blockDepth == 0 {
		<-c.sem
	}
	c.blockDepth++
	return &NotificationBlock{c: c}
}

// Dispose releases the block. On the outermost release, if the connector
// is Ready (no request/response in flight), it drains any bytes still
// buffered so no async message is stranded until the listener's next wake.
func (b *NotificationBlock) Dispose() {
	c := b.c
	if c.blockDepth == 0 {
		return
	}
	c.blockDepth--
	if c.blockDepth > 0 {
		return
	}
	if c.state == StateReady {
		c.drainAvailable()
	}
	if c.sem != nil {
		c.sem <- struct{}{}
	}
}

// drainAvailable dispatches every message already sitting in the framed
// buffer without blocking on the network, per the notification block's
// release-time drain. Any non-side-effect message here is a
// protocol violation: a real request/response should have consumed its
// own synchronous replies before releasing the block.
func (c *Connector) drainAvailable() {
	if c.transportConn == nil || c.buf == nil {
		return
	}
	for c.transportConn.HasBufferedData() {
		msg, err := c.dec.Decode(protocol.Skip)
		if err != nil {
			c.breakWith(err)
			return
		}
		if handled, _ := c.applySideEffect(msg); !handled {
			c.breakWith(&ProtocolError{Err: fmt.Errorf("unexpected synchronous message %T while draining notification block", msg)})
			return
		}
	}
}

// startNotificationListener launches the background goroutine that
// watches for asynchronous server messages (ParameterStatus,
// NoticeResponse, NotificationResponse) arriving outside a
// request/response cycle, active only when syncnotification is enabled.
func (c *Connector) startNotificationListener() {
	c.listenerStop = make(chan struct{})
	c.listenerDone = make(chan struct{})
	go c.notificationLoop()
}

func (c *Connector) stopNotificationListener() {
	if c.listenerStop == nil {
		return
	}
	close(c.listenerStop)
	<-c.listenerDone
	c.listenerStop = nil
	c.listenerDone = nil
}

func (c *Connector) notificationLoop() {
	defer close(c.listenerDone)
	ticker := time.NewTicker(listenerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.listenerStop:
			return
		case <-ticker.C:
		}

		// Take the semaphore directly: the reentrancy depth counter of
		// BeginNotificationBlock belongs to the request goroutine.
		<-c.sem
		c.pollOnce()
		c.sem <- struct{}{}

		if c.state == StateBroken || c.state == StateClosed {
			return
		}
	}
}

// pollOnce dispatches whatever the server has already delivered, then
// makes one short-deadline probe read to detect bytes that arrived
// exactly at wake time. It never blocks longer than listenerReadAttempt,
// so a request thread waiting on the semaphore is not starved. It does
// nothing unless the connector is Ready, i.e. between request/response
// cycles.
func (c *Connector) pollOnce() {
	if c.transportConn == nil || c.state != StateReady {
		return
	}
	c.drainAvailable()
	if c.state == StateBroken || c.state == StateClosed {
		return
	}

	if !c.transportConn.HasBufferedData() && !c.probeForData() {
		return
	}

	// A message header is known to be available; decoding it fully with
	// no deadline is safe since the server writes messages atomically
	// onto the wire.
	msg, err := c.dec.Decode(protocol.Skip)
	if err != nil {
		c.breakWith(err)
		return
	}
	if handled, _ := c.applySideEffect(msg); !handled {
		c.breakWith(&ProtocolError{Err: fmt.Errorf("pgcore: unexpected synchronous message %T on notification channel", msg)})
		return
	}
	c.drainAvailable()
}

// probeForData makes a short-deadline, non-consuming peek to detect
// server-pushed bytes: Ensure(1) either fills the read buffer without
// moving the read cursor (data was available) or times out leaving the
// buffer untouched, so a timed-out probe never desyncs message framing.
func (c *Connector) probeForData() bool {
	_ = c.transportConn.SetReadDeadline(time.Now().Add(listenerReadAttempt))
	defer c.transportConn.SetReadDeadline(time.Time{})

	if err := c.buf.Ensure(1); err != nil {
		if isTimeout(err) {
			return false
		}
		c.breakWith(err)
		return false
	}
	return true
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
