package ami

import (
	"fmt"
	"strings"
)

// Action is an outgoing AMI request: an ordered list of headers. Keys may
// repeat — an Originate carries one Variable header per channel variable.
type Action struct {
	headers []header
}

// NewAction creates an Action with the given Action header value
// (for example "Login" or "Originate").
func NewAction(name string) *Action {
	return &Action{headers: []header{{Key: "Action", Value: name}}}
}

// Name returns the Action header value.
func (a *Action) Name() string {
	return a.get("Action")
}

// ActionID returns the caller-supplied ActionID header, if any.
func (a *Action) ActionID() string {
	return a.get("ActionID")
}

// Set appends a header and returns the action for chaining.
func (a *Action) Set(key, value string) *Action {
	a.headers = append(a.headers, header{Key: key, Value: value})
	return a
}

// SetInt appends an integer-valued header.
func (a *Action) SetInt(key string, value int) *Action {
	return a.Set(key, fmt.Sprintf("%d", value))
}

// Variable appends a "Variable: name=value" header. Asterisk hands these to
// the dialplan; a name prefixed with "__" is inherited by every child channel
// of the call, which is what lets the far end echo our identifiers back.
func (a *Action) Variable(name, value string) *Action {
	return a.Set("Variable", name+"="+value)
}

func (a *Action) get(key string) string {
	for _, h := range a.headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Marshal renders the action in AMI wire format: one "Key: Value\r\n" line
// per header, terminated by a blank line.
func (a *Action) Marshal() []byte {
	var b strings.Builder
	for _, h := range a.headers {
		b.WriteString(h.Key)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
