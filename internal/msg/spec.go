package msg

import "time"

// PublishSpec declares how a command type is published: its queue TTL
// and, when set, the dead-letter event the publisher raises for
// deliveries that expire or are rejected before a consumer settles
// them.
type PublishSpec struct {
	// TTL bounds how long a delivery may sit in the consumer queue.
	// Zero means no per-message expiration.
	TTL time.Duration
	// DeadEvent builds the event published when a delivery of this
	// command dead-letters. It receives the original command and the
	// mapped death reason.
	DeadEvent func(orig Message, reason string) Message
}

// ConsumeSpec declares how a consumed command is settled when its
// handler errors.
type ConsumeSpec struct {
	// ErrorEvent builds the event published when the handler fails
	// with a domain error. Nil means no error event.
	ErrorEvent func(orig Message, reason string) Message
	// Requeue allows one redelivery for infrastructure faults.
	Requeue bool
	// RaiseAfterAck escalates domain errors to the connection error
	// log even after the delivery is settled with an error event.
	RaiseAfterAck bool
}

var (
	publishSpecs = map[string]PublishSpec{}
	consumeSpecs = map[string]ConsumeSpec{}
)

// SetPublishSpec registers publish behavior for a command name.
func SetPublishSpec(name string, spec PublishSpec) {
	publishSpecs[name] = spec
}

// SetConsumeSpec registers consume behavior for a command name.
func SetConsumeSpec(name string, spec ConsumeSpec) {
	consumeSpecs[name] = spec
}

// PublishSpecFor returns the publish spec for name, if one was set.
func PublishSpecFor(name string) (PublishSpec, bool) {
	spec, ok := publishSpecs[name]
	return spec, ok
}

// ConsumeSpecFor returns the consume spec for name, if one was set.
func ConsumeSpecFor(name string) (ConsumeSpec, bool) {
	spec, ok := consumeSpecs[name]
	return spec, ok
}
