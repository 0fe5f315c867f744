package ami

import (
	"strconv"
)

// Event represents a parsed AMI frame as an ordered set of key-value pairs.
// Both asynchronous events and action responses arrive in this shape; unknown
// keys are preserved so callers can tolerate fields they do not understand.
type Event struct {
	headers []header
}

type header struct {
	Key   string
	Value string
}

// NewEvent creates an Event from a slice of key-value pairs.
func NewEvent(kvs ...string) Event {
	e := Event{}
	for i := 0; i+1 < len(kvs); i += 2 {
		e.headers = append(e.headers, header{Key: kvs[i], Value: kvs[i+1]})
	}
	return e
}

// Get returns the value for the given key, or empty string if not found.
func (e Event) Get(key string) string {
	for _, h := range e.headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Type returns the Event header value (the AMI event type).
func (e Event) Type() string {
	return e.Get("Event")
}

// ActionID returns the ActionID header, which correlates a response (or a
// response-scoped event) to the action that caused it.
func (e Event) ActionID() string {
	return e.Get("ActionID")
}

// GetInt returns the integer value for the given key, or 0 if not found/parseable.
func (e Event) GetInt(key string) int {
	v, _ := strconv.Atoi(e.Get(key))
	return v
}

// Headers returns all headers as key-value pairs.
func (e Event) Headers() []header {
	return e.headers
}

// IsResponse returns true if this is an AMI response rather than an event.
func (e Event) IsResponse() bool {
	return e.Get("Response") != ""
}

// IsSuccess reports whether a response frame carries a non-error Response
// header. AMI answers accepted async Originates with "Success" and logoffs
// with "Goodbye"; only an explicit "Error" is a rejection.
func (e Event) IsSuccess() bool {
	return e.Get("Response") != "" && e.Get("Response") != "Error"
}

// Message returns the human-readable Message header of a response.
func (e Event) Message() string {
	return e.Get("Message")
}
