// Package notify drains the transactional outbox. Lifecycle code only ever
// enqueues inside its own transaction; delivery to the outside world happens
// here, after commit, so a crashed notification is retried instead of lost.
package notify

import (
	"context"
	"encoding/json"
	"log"
)

// Message is one committed outbox row ready for delivery.
type Message struct {
	ID      int64
	Topic   string
	Payload json.RawMessage
}

// Notifier delivers one message. Returning an error leaves the row pending
// for a later drain pass.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the process log. It stands in wherever no
// real downstream (ops chat, email relay) is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, msg Message) error {
	log.Printf("notify: %s %s", msg.Topic, string(msg.Payload))
	return nil
}
