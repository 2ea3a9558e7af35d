// Package protocol defines the tunnel wire messages exchanged between the
// cloud relay and a desktop bridge. Messages form a tagged union carried as
// JSON records with a "type" discriminator; requests and responses are
// correlated strictly by id.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the tunnel message union.
type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypePing     MessageType = "ping"
	MessageTypePong     MessageType = "pong"
	MessageTypeError    MessageType = "error"
)

// Message is implemented by every tunnel message variant.
type Message interface {
	// Type returns the discriminator for this message.
	Type() MessageType

	// CorrelationID returns the id this message is matched by.
	CorrelationID() string
}

// LLMHints carries optional routing hints attached to a forwarded request.
type LLMHints struct {
	PreferredProvider string `json:"preferredProvider,omitempty"`
	Streaming         bool   `json:"streaming,omitempty"`
}

// Request is an HTTP-shaped request forwarded from the cloud to the bridge.
type Request struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	LLM     *LLMHints         `json:"llm,omitempty"`
}

// Type implements Message.
func (r *Request) Type() MessageType { return MessageTypeRequest }

// CorrelationID implements Message.
func (r *Request) CorrelationID() string { return r.ID }

// Response is the terminal success outcome for a forwarded request.
type Response struct {
	ID       string            `json:"id"`
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Provider string            `json:"provider,omitempty"`
	Fallback bool              `json:"fallback,omitempty"`
}

// Type implements Message.
func (r *Response) Type() MessageType { return MessageTypeResponse }

// CorrelationID implements Message.
func (r *Response) CorrelationID() string { return r.ID }

// Ping is a liveness probe. The receiver must answer with a Pong carrying
// the same id.
type Ping struct {
	ID string `json:"id"`
}

// Type implements Message.
func (p *Ping) Type() MessageType { return MessageTypePing }

// CorrelationID implements Message.
func (p *Ping) CorrelationID() string { return p.ID }

// Pong answers a Ping.
type Pong struct {
	ID string `json:"id"`
}

// Type implements Message.
func (p *Pong) Type() MessageType { return MessageTypePong }

// CorrelationID implements Message.
func (p *Pong) CorrelationID() string { return p.ID }

// ErrorMessage is the terminal failure outcome for a forwarded request.
type ErrorMessage struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Type implements Message.
func (e *ErrorMessage) Type() MessageType { return MessageTypeError }

// CorrelationID implements Message.
func (e *ErrorMessage) CorrelationID() string { return e.ID }

// envelope is the self-describing wire record wrapping every variant.
type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes a message as a self-describing wire record.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot marshal nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.Type(), err)
	}
	return json.Marshal(envelope{Type: msg.Type(), Data: data})
}

// ParseMessage decodes a wire record into its concrete variant.
func ParseMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed tunnel record: %w", err)
	}

	var msg Message
	switch env.Type {
	case MessageTypeRequest:
		msg = &Request{}
	case MessageTypeResponse:
		msg = &Response{}
	case MessageTypePing:
		msg = &Ping{}
	case MessageTypePong:
		msg = &Pong{}
	case MessageTypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown tunnel message type: %q", env.Type)
	}

	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
	}
	if msg.CorrelationID() == "" {
		return nil, fmt.Errorf("%s message missing id", env.Type)
	}
	return msg, nil
}

// IsRequest checks whether a raw wire record is a forwarded request.
func IsRequest(raw []byte) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	return env.Type == MessageTypeRequest
}

// IsResponse checks whether a raw wire record is a response.
func IsResponse(raw []byte) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	return env.Type == MessageTypeResponse
}

// IsTerminal reports whether the message is a terminal outcome for a request.
func IsTerminal(msg Message) bool {
	switch msg.Type() {
	case MessageTypeResponse, MessageTypeError:
		return true
	}
	return false
}

// NewErrorMessage builds the terminal error outcome for a request id.
func NewErrorMessage(id, code, message string) *ErrorMessage {
	return &ErrorMessage{ID: id, Code: code, Message: message}
}
