package brokercore

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// GenerateClientID synthesizes a client identifier for a CONNECT packet
// that arrived with an empty one (spec.md §8 scenario 1: "CONNECT with
// empty client-id"). The result is a UUID, which trivially satisfies
// MQTT's uniqueness requirement without coordinating with any other
// broker state.
func GenerateClientID() string {
	return uuid.NewString()
}

// connID is the monotonic, broker-lifetime-unique connect_id generator
// backing Connection's key (spec.md §3: "Key = connect_id (monotonic,
// globally unique for the broker's lifetime)").
type connID struct {
	next atomic.Uint64
}

func (g *connID) next_() uint64 {
	return g.next.Add(1)
}

// ackKey serializes the composite (client_id, packet_id) key used by the
// AckWaiter and inbound-pkid maps (spec.md §4.10). The format is
// "<client_id>_<pkid>"; client-ids containing '_' are permitted because
// the numeric pkid suffix is an unambiguous terminator and these keys are
// never parsed back apart, only compared and deleted by value.
func ackKey(clientID string, pkid uint16) string {
	return fmt.Sprintf("%s_%d", clientID, pkid)
}
