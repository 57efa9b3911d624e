package ingestion

import (
	"fmt"

	"EqualisLedger/internal/event"
)

// ParseRawEvent converts a RawEvent into a typed event.Event. The type comes
// from raw.EventType when set, otherwise from the subject. A pool id in the
// subject must agree with the payload.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	t := raw.EventType
	var subjectPool *uint32
	if raw.Subject != "" {
		st, pool, err := ParseSubject(raw.Subject)
		if err != nil && t == event.EventTypeUnknown {
			return nil, err
		}
		if err == nil {
			if t == event.EventTypeUnknown {
				t = st
			} else if st != t {
				return nil, fmt.Errorf("subject %q carries %s, message claims %s", raw.Subject, st, t)
			}
			subjectPool = pool
		}
	}
	if t == event.EventTypeUnknown {
		return nil, fmt.Errorf("unknown event type")
	}

	evt, err := event.Decode(t, raw.Data)
	if err != nil {
		return nil, err
	}
	if subjectPool != nil && *subjectPool != evt.PoolID() {
		return nil, fmt.Errorf("subject %q routes pool %d, payload names pool %d", raw.Subject, *subjectPool, evt.PoolID())
	}
	if evt.SourceSequence() < 0 {
		return nil, fmt.Errorf("sequence %d: must be >= 0", evt.SourceSequence())
	}
	if evt.Timestamp() <= 0 {
		return nil, fmt.Errorf("timestamp_us %d: must be positive", evt.Timestamp())
	}
	return evt, nil
}

// ParseNamed decodes a payload whose event type is given by name, as on the
// gRPC and HTTP submit paths.
func ParseNamed(eventType string, data []byte) (event.Event, error) {
	t, ok := event.ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	return ParseRawEvent(RawEvent{EventType: t, Data: data})
}
