package brokercore

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MatchTopic reports whether topic matches filter under MQTT wildcard
// rules ('+' matches exactly one level, '#' matches any number of
// trailing levels and must be the last character). Used by the
// Subscription Index to decide whether a PUBLISH matches a client's
// subscription, and adapted directly from the teacher's client-side
// local-dispatch matcher (the rule is symmetric between client and
// server).
func MatchTopic(filter, topic string) bool {
	// MQTT-4.7.2-1: a Topic Filter starting with a wildcard character
	// (# or +) must not match a Topic Name beginning with '$'.
	if len(topic) > 0 && topic[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false
		}
	}

	fIdx := 0
	tIdx := 0
	fLen := len(filter)
	tLen := len(topic)

	for fIdx <= fLen {
		var fLevel string
		var fNext int

		if idx := strings.IndexByte(filter[fIdx:], '/'); idx >= 0 {
			fNext = fIdx + idx
			fLevel = filter[fIdx:fNext]
		} else {
			fNext = fLen
			fLevel = filter[fIdx:]
		}

		if fLevel == "#" {
			return true
		}

		if tIdx > tLen {
			return false
		}

		var tLevel string
		var tNext int

		if idx := strings.IndexByte(topic[tIdx:], '/'); idx >= 0 {
			tNext = tIdx + idx
			tLevel = topic[tIdx:tNext]
		} else {
			tNext = tLen
			tLevel = topic[tIdx:]
		}

		if fLevel == "+" {
			// single-level wildcard matches this level
		} else if fLevel != tLevel {
			return false
		}

		if fNext == fLen {
			fIdx = fLen + 1
		} else {
			fIdx = fNext + 1
		}

		if tNext == tLen {
			tIdx = tLen + 1
		} else {
			tIdx = tNext + 1
		}
	}

	return tIdx > tLen
}

// MQTT protocol-level limits used as defaults when a ClusterConfig leaves
// the corresponding field at zero.
const (
	DefaultMaxTopicLength = 65535
	DefaultMaxPacketSize  = 268435455 // 256MB - 1
	DefaultReceiveMax     = 65535
	DefaultTopicAliasMax  = 0
	MaxClientIDLength     = 23
	MinPacketID           = 1
	MaxPacketID           = 65535
)

func getLimit(configured, defaultLimit uint32) uint32 {
	if configured > 0 {
		return configured
	}
	return defaultLimit
}

// ValidatePublishTopic validates a topic name used in PUBLISH. Publish
// topics must not contain wildcards.
func ValidatePublishTopic(topic string, maxLen uint32) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	limit := getLimit(maxLen, DefaultMaxTopicLength)
	if uint32(len(topic)) > limit {
		return fmt.Errorf("topic length %d exceeds maximum %d", len(topic), limit)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("topic must not contain wildcard characters")
	}
	if strings.Contains(topic, "\x00") {
		return fmt.Errorf("topic contains null byte which is not allowed")
	}
	if !utf8.ValidString(topic) {
		return fmt.Errorf("topic is not valid UTF-8")
	}
	return nil
}

// ValidateSubscribeFilter validates a topic filter used in SUBSCRIBE.
// Filters may contain wildcards subject to MQTT placement rules.
func ValidateSubscribeFilter(filter string, maxLen uint32) error {
	if filter == "" {
		return fmt.Errorf("topic filter cannot be empty")
	}
	limit := getLimit(maxLen, DefaultMaxTopicLength)
	if uint32(len(filter)) > limit {
		return fmt.Errorf("topic filter length %d exceeds maximum %d", len(filter), limit)
	}
	if strings.Contains(filter, "\x00") {
		return fmt.Errorf("topic filter contains null byte which is not allowed")
	}
	if !utf8.ValidString(filter) {
		return fmt.Errorf("topic filter is not valid UTF-8")
	}

	parts := strings.Split(filter, "/")
	for i, part := range parts {
		if strings.Contains(part, "+") && part != "+" {
			return fmt.Errorf("single-level wildcard '+' must occupy entire topic level")
		}
		if strings.Contains(part, "#") {
			if part != "#" {
				return fmt.Errorf("multi-level wildcard '#' must occupy entire topic level")
			}
			if i != len(parts)-1 {
				return fmt.Errorf("multi-level wildcard '#' must be the last level")
			}
		}
	}
	return nil
}

// ValidatePayloadSize checks an outbound/inbound payload against a
// connection's negotiated max_packet_size.
func ValidatePayloadSize(payload []byte, maxPacketSize uint32) error {
	limit := getLimit(maxPacketSize, DefaultMaxPacketSize)
	if uint32(len(payload)) > limit {
		return &BrokerError{ReasonCode: ReasonCodePacketTooLarge, Parent: ErrMaxPacketSizeExceeded}
	}
	return nil
}

// ValidatePayloadFormat checks a payload against the PUBLISH
// PayloadFormat indicator (1 = must be valid UTF-8).
func ValidatePayloadFormat(payload []byte, props *Properties) error {
	if props == nil || props.PayloadFormat == nil || *props.PayloadFormat == PayloadFormatBytes {
		return nil
	}
	if !utf8.Valid(payload) {
		return fmt.Errorf("payload is not valid UTF-8 as required by PayloadFormat indicator")
	}
	return nil
}
