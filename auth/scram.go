package auth

import (
	"fmt"

	"github.com/xdg-go/scram"
)

// scramConversation adapts xdg-go/scram's client conversation to the
// SCRAMConversation interface, the same library jackc/pgx uses for
// SCRAM-SHA-256.
type scramConversation struct {
	conv *scram.ClientConversation
}

// NewSCRAMProvider builds a SCRAMConversation for the given credentials.
func NewSCRAMProvider(user, password string) (SCRAMConversation, error) {
	client, err := scram.SHA256.NewClient(user, password, "")
	if err != nil {
		return nil, fmt.Errorf("auth: init scram client: %w", err)
	}
	return &scramConversation{conv: client.NewConversation()}, nil
}

func (c *scramConversation) FirstMessage() ([]byte, error) {
	msg, err := c.conv.Step("")
	if err != nil {
		return nil, fmt.Errorf("auth: scram client-first: %w", err)
	}
	return []byte(msg), nil
}

func (c *scramConversation) Step(serverFirst []byte) ([]byte, error) {
	msg, err := c.conv.Step(string(serverFirst))
	if err != nil {
		return nil, fmt.Errorf("auth: scram client-final: %w", err)
	}
	return []byte(msg), nil
}

func (c *scramConversation) Final(serverFinal []byte) error {
	if _, err := c.conv.Step(string(serverFinal)); err != nil {
		return fmt.Errorf("auth: scram verify server-final: %w", err)
	}
	if !c.conv.Valid() {
		return fmt.Errorf("auth: scram server-final verification failed")
	}
	return nil
}
