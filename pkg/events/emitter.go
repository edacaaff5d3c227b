package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

type Emitter interface {
	Emit(event Event) error
	Close()
}

type natsEmitter struct {
	conn    *nats.Conn
	subject string
}

// NewNATSEmitter publishes events on "<subjectPrefix>.events". All chains
// share the subject; consumers filter on the envelope's chain field.
func NewNATSEmitter(conn *nats.Conn, subjectPrefix string) Emitter {
	return &natsEmitter{
		conn:    conn,
		subject: subjectPrefix + ".events",
	}
}

func (e *natsEmitter) Emit(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return e.conn.Publish(e.subject, data)
}

// Close is a no-op, the NATS connection is owned by the caller.
func (e *natsEmitter) Close() {}

// NopEmitter drops every event. Used when no NATS connection is
// configured and in tests.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) error { return nil }
func (NopEmitter) Close()           {}
