package pgcore

import (
	"context"
	"encoding/binary"

	"pgcore/protocol"
	"pgcore/transport"
)

// CancelRequest opens a fresh side-channel transport using the same
// connection settings, writes a single 16-byte CancelRequest(pid, secret)
// packet, and closes it. It never touches the original connector's state.
func (c *Connector) CancelRequest(ctx context.Context) error {
	mode := sslModeFor(c.cfg)
	tlsOpts, err := loadTLSOptions(c.cfg)
	if err != nil {
		return err
	}

	conn, err := transport.Open(ctx, c.cfg.Host, c.cfg.Port, c.cfg.Timeout, mode, tlsOpts)
	if err != nil {
		return err
	}
	defer conn.Close()

	packet := make([]byte, 16)
	binary.BigEndian.PutUint32(packet[0:4], 16)
	binary.BigEndian.PutUint32(packet[4:8], uint32(protocol.CancelRequestCode))
	binary.BigEndian.PutUint32(packet[8:12], c.backendPID)
	binary.BigEndian.PutUint32(packet[12:16], c.backendSecretKey)

	if _, err := conn.Write(packet); err != nil {
		return &TransportError{Err: err}
	}
	c.log.WithField("backend_pid", c.backendPID).Info("cancel request sent")
	return nil
}
