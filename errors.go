package brokercore

import (
	"errors"
	"fmt"

	cockroachdberrors "github.com/cockroachdb/errors"
)

// Sentinel errors returned by the core. Callers compare with errors.Is;
// BrokerError additionally carries the ReasonCode the packet layer should
// place on the wire response.
var (
	// ErrUnknownClient is returned when a client_id has no Session.
	ErrUnknownClient = errors.New("unknown client")

	// ErrUnknownConnection is returned when a connect_id has no Connection.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrAlreadyBound is returned by Session.BindConnection when the
	// session is already bound to a different, still-live connect_id.
	ErrAlreadyBound = errors.New("session already bound to another connection")

	// ErrNotLoggedIn is returned by operations that require a logged-in
	// connection (e.g. PUBLISH before CONNACK).
	ErrNotLoggedIn = errors.New("connection not logged in")

	// ErrAliasOutOfRange is returned when a topic alias exceeds the
	// connection's negotiated topic_alias_max, or is zero.
	ErrAliasOutOfRange = errors.New("topic alias out of range")

	// ErrMaxPacketSizeExceeded is returned when a frame exceeds the
	// connection's negotiated max_packet_size.
	ErrMaxPacketSizeExceeded = errors.New("packet size exceeds connection limit")

	// ErrPkidExhausted is returned by the packet-id allocator after its
	// retry budget is spent with no id reclaimed.
	ErrPkidExhausted = errors.New("no packet identifiers available")

	// ErrUnknownWaiter is returned when an ack arrives for a
	// (client_id, pkid) with no registered AckWaiter; treated as a late
	// or duplicate ack by callers, not as a crash.
	ErrUnknownWaiter = errors.New("no waiter registered for packet identifier")

	// ErrDuplicateInbound is returned (informationally) when a QoS 2
	// PUBLISH repeats a packet-id already recorded as inbound; the
	// idempotent path re-sends PUBREC without re-delivery.
	ErrDuplicateInbound = errors.New("duplicate inbound packet identifier")

	// ErrUnauthorized is returned by ACL evaluation.
	ErrUnauthorized = errors.New("not authorized")

	// ErrTransientControlPlane wraps a recoverable failure talking to the
	// Control-Plane Store; callers retry with backoff.
	ErrTransientControlPlane = errors.New("control plane temporarily unavailable")

	// ErrAdmissionRejected is returned when the admission layer refuses a
	// new CONNECT (hard connection cap or rate limit).
	ErrAdmissionRejected = errors.New("connection admission rejected")
)

// BrokerError pairs a sentinel with the ReasonCode the packet layer should
// use when turning it into a CONNACK/PUBACK/DISCONNECT. Mirrors the
// teacher's *MqttError, generalized to the broker side: Parent is one of
// the sentinels above, an error wrapping one of them with %w, or nil.
type BrokerError struct {
	ReasonCode ReasonCode
	Message    string
	Parent     error
}

func (e *BrokerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("broker error (0x%02X): %s", uint8(e.ReasonCode), e.Message)
	}
	if e.Parent != nil {
		return fmt.Sprintf("broker error (0x%02X): %s", uint8(e.ReasonCode), e.Parent.Error())
	}
	return fmt.Sprintf("broker error (0x%02X)", uint8(e.ReasonCode))
}

func (e *BrokerError) Unwrap() error {
	return e.Parent
}

// Is implements errors.Is against the wrapped sentinel, so callers can
// write errors.Is(err, brokercore.ErrUnauthorized) and it matches whether
// err is the sentinel itself or a *BrokerError wrapping it. Comparing a
// BrokerError's ReasonCode is a separate, non-error-valued field; callers
// do that with a plain equality check against err.(*BrokerError).ReasonCode.
func (e *BrokerError) Is(target error) bool {
	if e.Parent != nil {
		return errors.Is(e.Parent, target)
	}
	return false
}

func newBrokerError(rc ReasonCode, parent error) *BrokerError {
	return &BrokerError{ReasonCode: rc, Parent: parent}
}

// FatalBootstrapError aborts process startup (spec.md §4.8): any failure
// hydrating cluster config, topics, users, or ACLs from the Control-Plane
// Store at startup. Wrapped with cockroachdb/errors so the one error class
// that crashes the broker keeps a stack trace for the operator.
func FatalBootstrapError(resource string, cause error) error {
	return cockroachdberrors.Wrapf(cause, "fatal bootstrap: failed to hydrate %s", resource)
}
