// Package stream carries generation output from the worker that produces it to
// every client watching the same chat. Each chat owns one logical broadcast
// channel; publishers and subscribers never learn of each other.
package stream

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the three wire shapes a channel may carry.
type EventType string

const (
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one published payload. Chunk and error events carry data; done
// carries none. Anything outside these three shapes is rejected by Decode and
// must never reach a client as if it were valid content.
type Event struct {
	Type EventType `json:"type"`
	Data string    `json:"data,omitempty"`
}

// Chunk builds a chunk event carrying a batch of generated text.
func Chunk(data string) Event {
	return Event{Type: EventChunk, Data: data}
}

// Done builds the terminal success event.
func Done() Event {
	return Event{Type: EventDone}
}

// Error builds the terminal failure event. The description must already be
// sanitized; it is forwarded to clients verbatim.
func Error(description string) Event {
	return Event{Type: EventError, Data: description}
}

// Terminal reports whether the event ends the stream for subscribers.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Encode serializes the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a wire payload. It enforces the shape contract:
// a known type, data present on chunk and error, and absent on done.
func Decode(payload []byte) (Event, error) {
	var raw struct {
		Type EventType `json:"type"`
		Data *string   `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("malformed event payload: %w", err)
	}

	switch raw.Type {
	case EventChunk:
		if raw.Data == nil {
			return Event{}, fmt.Errorf("chunk event missing data")
		}
		return Event{Type: EventChunk, Data: *raw.Data}, nil
	case EventError:
		if raw.Data == nil {
			return Event{}, fmt.Errorf("error event missing data")
		}
		return Event{Type: EventError, Data: *raw.Data}, nil
	case EventDone:
		if raw.Data != nil {
			return Event{}, fmt.Errorf("done event must not carry data")
		}
		return Event{Type: EventDone}, nil
	default:
		return Event{}, fmt.Errorf("unknown event type %q", raw.Type)
	}
}
