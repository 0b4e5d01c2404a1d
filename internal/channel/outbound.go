// ABOUTME: Server-to-agent message types
// ABOUTME: Each type stamps its wire "type" field when marshaled

package channel

import (
	"encoding/json"
	"errors"
)

// Outbound message types.
const (
	TypeAuthSuccess    = "auth-success"
	TypeError          = "error"
	TypeHeartbeatAck   = "heartbeat-ack"
	TypeTaskAssignment = "task-assignment"
	TypeTaskCancel     = "task-cancel"
	TypeShutdown       = "shutdown"
	TypeAck            = "ack"
)

// Error codes carried in error messages.
const (
	CodeSchemaInvalid    = "schema-invalid"
	CodeMessageTooLarge  = "message-too-large"
	CodeRateLimited      = "rate-limited"
	CodeNotAuthenticated = "not-authenticated"
	CodeRejected         = "rejected"
	CodeInternal         = "internal"
)

// Outbound is a message the coordinator sends to an agent.
type Outbound interface {
	json.Marshaler
	OutboundType() string
}

// AuthSuccess confirms a verified credential.
type AuthSuccess struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	// HeartbeatInterval is in milliseconds.
	HeartbeatInterval int64 `json:"heartbeatInterval"`
}

// ErrorMessage reports a rejected frame. The frame is not processed.
type ErrorMessage struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// HeartbeatAck answers an application heartbeat.
type HeartbeatAck struct {
	Timestamp int64 `json:"timestamp"`
}

// TaskAssignment pushes a task to its assigned agent.
type TaskAssignment struct {
	TaskID         string          `json:"taskId"`
	TaskType       string          `json:"taskType"`
	RequiredSkills []string        `json:"requiredSkills"`
	Priority       string          `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Attempt        int             `json:"attempt"`
	// Deadline is unix milliseconds.
	Deadline int64 `json:"deadline"`
}

// TaskCancel withdraws a task from an agent.
type TaskCancel struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// Shutdown announces that the coordinator is stopping.
type Shutdown struct {
	Reason string `json:"reason"`
}

// Ack confirms a processed request.
type Ack struct {
	RequestID string `json:"requestId"`
}

func (AuthSuccess) OutboundType() string    { return TypeAuthSuccess }
func (ErrorMessage) OutboundType() string   { return TypeError }
func (HeartbeatAck) OutboundType() string   { return TypeHeartbeatAck }
func (TaskAssignment) OutboundType() string { return TypeTaskAssignment }
func (TaskCancel) OutboundType() string     { return TypeTaskCancel }
func (Shutdown) OutboundType() string       { return TypeShutdown }
func (Ack) OutboundType() string            { return TypeAck }

func (m AuthSuccess) MarshalJSON() ([]byte, error) {
	type alias AuthSuccess
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeAuthSuccess, alias(m)})
}

func (m ErrorMessage) MarshalJSON() ([]byte, error) {
	type alias ErrorMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeError, alias(m)})
}

func (m HeartbeatAck) MarshalJSON() ([]byte, error) {
	type alias HeartbeatAck
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeHeartbeatAck, alias(m)})
}

func (m TaskAssignment) MarshalJSON() ([]byte, error) {
	type alias TaskAssignment
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeTaskAssignment, alias(m)})
}

func (m TaskCancel) MarshalJSON() ([]byte, error) {
	type alias TaskCancel
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeTaskCancel, alias(m)})
}

func (m Shutdown) MarshalJSON() ([]byte, error) {
	type alias Shutdown
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeShutdown, alias(m)})
}

func (m Ack) MarshalJSON() ([]byte, error) {
	type alias Ack
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeAck, alias(m)})
}

// errorFor maps an ingestion error onto the wire error message.
func errorFor(err error, requestID string) ErrorMessage {
	code := CodeSchemaInvalid
	if errors.Is(err, ErrMessageTooLarge) {
		code = CodeMessageTooLarge
	}
	return ErrorMessage{Code: code, Message: err.Error(), RequestID: requestID}
}
