package api

import (
	"context"
	"time"
)

// Engine executes pipeline stages. It holds no per-message state; every
// call resolves the entity afresh from the store.
type Engine interface {
	// Pipeline returns the stage table the engine was built from.
	Pipeline() Pipeline

	// Handle runs the stage consuming channel for one delivery of m.
	// attempt is 1 for the first delivery.
	//
	// A nil return means the message is consumed, including when it was
	// dead-ended because its entity does not exist. Errors marked with
	// Permanent must not be retried; any other error asks the transport to
	// redeliver.
	Handle(ctx context.Context, channel string, m Message, attempt int) error

	// Publish sends m to channel. It is how external actors start a
	// workflow on Pipeline().Entry().
	Publish(ctx context.Context, channel string, m Message) error
}

// DeadLetter records a message that will not be processed again.
//
// Raw carries the original payload when it could not be decoded into
// Message.
type DeadLetter struct {
	Channel  string    `json:"channel"`
	Stage    string    `json:"stage,omitempty"`
	Message  Message   `json:"message"`
	Raw      string    `json:"raw,omitempty"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterSink receives dead-lettered messages for operator visibility.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}
