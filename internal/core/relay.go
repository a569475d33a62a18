package core

import "context"

// EnvelopeKind selects how a relayed event is routed on the receiving instance.
type EnvelopeKind string

const (
	EnvelopeRoom EnvelopeKind = "room"
	EnvelopeUser EnvelopeKind = "user"
)

// Envelope is an event addressed to a room or to a user, exchanged between instances.
type Envelope struct {
	Kind          EnvelopeKind `json:"kind"`
	Target        string       `json:"target"`
	ExcludeConnID string       `json:"excludeConnId,omitempty"`
	Event         *Event       `json:"event"`
}

// Relay fans envelopes out to every server instance, this one included.
// When a hub has a relay, local delivery happens only from Subscribe.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe blocks, calling deliver for each envelope, until ctx is done.
	Subscribe(ctx context.Context, deliver func(Envelope)) error
}
