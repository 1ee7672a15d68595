package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType defines the event tag of a server message
type EventType string

// Supported server events
const (
	EventReady    EventType = "ready"
	EventResult   EventType = "result"
	EventFinished EventType = "finished"
	EventError    EventType = "error"
	EventClosed   EventType = "closed"
)

// ActionStop is the only control action a client sends.
const ActionStop = "stop"

var (
	// ErrMalformed is returned for payloads that are not a JSON object.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownEvent is returned for event tags outside the closed set.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMissingSentence is returned for result messages without a sentence object.
	ErrMissingSentence = errors.New("result message without sentence")
	// ErrUnknownAction is returned for control messages other than stop.
	ErrUnknownAction = errors.New("unknown action")
)

// SentencePayload is the recognition update carried by a result event.
// BeginTime and EndTime are whatever the server reported; clients do not trust them.
type SentencePayload struct {
	Text       string   `json:"text"`
	BeginTime  *float64 `json:"beginTime,omitempty"`
	EndTime    *float64 `json:"endTime,omitempty"`
	IsFinal    bool     `json:"isFinal"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Event is the decoded form of one server message. Exactly one variant is
// populated, selected by Type.
type Event struct {
	Type     EventType
	Sentence SentencePayload // EventResult
	Message  string          // EventError
}

// serverMessage is the JSON shape shared by every server message
type serverMessage struct {
	Event    EventType        `json:"event,omitempty"`
	Sentence *SentencePayload `json:"sentence,omitempty"`
	Error    *string          `json:"error,omitempty"`
}

// ControlMessage is a client to server text message
type ControlMessage struct {
	Action string `json:"action"`
}

// Decode turns one server message into an Event. A top-level error field
// always yields EventError, whatever the event tag or the other fields say.
func Decode(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if raw, ok := fields["error"]; ok && string(raw) != "null" {
		return Event{Type: EventError, Message: errorText(raw)}, nil
	}

	var event EventType
	if raw, ok := fields["event"]; ok {
		if err := json.Unmarshal(raw, &event); err != nil {
			return Event{}, fmt.Errorf("%w: event: %v", ErrMalformed, err)
		}
	}

	switch event {
	case EventReady, EventFinished, EventClosed:
		return Event{Type: event}, nil

	case EventResult:
		raw, ok := fields["sentence"]
		if !ok || string(raw) == "null" {
			return Event{}, ErrMissingSentence
		}
		var sentence SentencePayload
		if err := json.Unmarshal(raw, &sentence); err != nil {
			return Event{}, fmt.Errorf("%w: sentence: %v", ErrMalformed, err)
		}
		return Event{Type: EventResult, Sentence: sentence}, nil

	case EventError:
		// event:error without an error field
		return Event{Type: EventError, Message: unspecifiedError}, nil

	case "":
		return Event{}, fmt.Errorf("%w: message has neither event nor error", ErrMalformed)

	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}

const unspecifiedError = "unspecified upstream error"

// errorText returns the error field as text; non-string values are kept verbatim.
func errorText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	if text == "" {
		return unspecifiedError
	}
	return text
}

// DecodeControl parses a client control message.
func DecodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Action != ActionStop {
		return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}
	return msg, nil
}

// StopRequest returns the encoded {"action":"stop"} control message.
func StopRequest() []byte {
	return mustMarshal(ControlMessage{Action: ActionStop})
}

// Ready encodes a ready event
func Ready() []byte {
	return mustMarshal(serverMessage{Event: EventReady})
}

// Finished encodes a finished event
func Finished() []byte {
	return mustMarshal(serverMessage{Event: EventFinished})
}

// Closed encodes a server-initiated closure notice
func Closed() []byte {
	return mustMarshal(serverMessage{Event: EventClosed})
}

// Result encodes a recognition update
func Result(sentence SentencePayload) []byte {
	return mustMarshal(serverMessage{Event: EventResult, Sentence: &sentence})
}

// ErrorMessage encodes an upstream error report
func ErrorMessage(message string) []byte {
	return mustMarshal(serverMessage{Event: EventError, Error: &message})
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return b
}
