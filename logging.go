package pgcore

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pgcore/version"
)

// newConnectorLogger builds the per-connector structured logger, tagged
// with a stable connector id so log lines from concurrent connectors in
// the same process can be told apart.
func newConnectorLogger(base *logrus.Logger, host string, port int) (*logrus.Entry, string) {
	if base == nil {
		base = logrus.StandardLogger()
	}
	id := uuid.NewString()
	return base.WithFields(logrus.Fields{
		"connector_id": id,
		"remote_addr":  host,
		"remote_port":  port,
		"client":       version.ClientInfo(),
	}), id
}
