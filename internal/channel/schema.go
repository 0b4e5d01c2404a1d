// ABOUTME: Schema registry and typed messages for the agent wire protocol
// ABOUTME: Every inbound type lists its required and optional fields with their JSON kinds

package channel

import "encoding/json"

// Inbound message types.
const (
	TypeAuthenticate  = "authenticate"
	TypeAgentRegister = "agent-register"
	TypeTaskProgress  = "task-progress"
	TypeTaskCompleted = "task-completed"
	TypeTaskFailed    = "task-failed"
	TypeHeartbeat     = "heartbeat"
	TypeAgentAlert    = "agent-alert"
)

// kind is the JSON value class a field must hold.
type kind int

const (
	kindAny kind = iota
	kindString
	kindNumber
	kindBool
	kindArray
)

// field describes one key of a message schema.
type field struct {
	kind     kind
	required bool
}

// schema maps field names to their descriptions. The "type" key is implied.
type schema map[string]field

func req(k kind) field { return field{kind: k, required: true} }
func opt(k kind) field { return field{kind: k} }

var schemas = map[string]schema{
	TypeAuthenticate: {
		"token":     req(kindString),
		"agentId":   req(kindString),
		"agentType": req(kindString),
		"requestId": opt(kindString),
	},
	TypeAgentRegister: {
		"agentId":      req(kindString),
		"agentType":    req(kindString),
		"capabilities": req(kindArray),
		"requestId":    opt(kindString),
		"version":      opt(kindString),
	},
	TypeTaskProgress: {
		"taskId":         req(kindString),
		"progress":       req(kindNumber),
		"status":         req(kindString),
		"requestId":      opt(kindString),
		"completedSteps": opt(kindNumber),
		"totalSteps":     opt(kindNumber),
		"message":        opt(kindString),
	},
	TypeTaskCompleted: {
		"taskId":    req(kindString),
		"result":    req(kindAny),
		"requestId": opt(kindString),
		"duration":  opt(kindNumber),
	},
	TypeTaskFailed: {
		"taskId":    req(kindString),
		"error":     req(kindString),
		"requestId": opt(kindString),
		"retryable": opt(kindBool),
	},
	TypeHeartbeat: {
		"timestamp":   req(kindNumber),
		"requestId":   opt(kindString),
		"cpuUsage":    opt(kindNumber),
		"memoryUsage": opt(kindNumber),
		"activeTasks": opt(kindNumber),
	},
	TypeAgentAlert: {
		"severity":  req(kindString),
		"message":   req(kindString),
		"requestId": opt(kindString),
		"alertType": opt(kindString),
		"details":   opt(kindAny),
	},
}

// KnownTypes returns the inbound message types accepted by the channel.
func KnownTypes() []string {
	out := make([]string, 0, len(schemas))
	for t := range schemas {
		out = append(out, t)
	}
	return out
}

// Message is a validated inbound message.
type Message interface {
	MessageType() string
	Request() string
}

// Envelope carries the fields shared by every inbound message.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// MessageType returns the wire type of the message.
func (e Envelope) MessageType() string { return e.Type }

// Request returns the caller-supplied request id, if any.
func (e Envelope) Request() string { return e.RequestID }

// Authenticate is the first message on every connection.
type Authenticate struct {
	Envelope
	Token     string `json:"token"`
	AgentID   string `json:"agentId"`
	AgentType string `json:"agentType"`
}

// AgentRegister announces an authenticated agent's capabilities.
type AgentRegister struct {
	Envelope
	AgentID      string   `json:"agentId"`
	AgentType    string   `json:"agentType"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version,omitempty"`
}

// TaskProgress reports incremental progress on an assigned task.
type TaskProgress struct {
	Envelope
	TaskID         string  `json:"taskId"`
	Progress       float64 `json:"progress"`
	Status         string  `json:"status"`
	CompletedSteps *int    `json:"completedSteps,omitempty"`
	TotalSteps     *int    `json:"totalSteps,omitempty"`
	Message        string  `json:"message,omitempty"`
}

// TaskCompleted reports a successful task result.
type TaskCompleted struct {
	Envelope
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result"`
	// Duration is the agent-measured run time in milliseconds.
	Duration *float64 `json:"duration,omitempty"`
}

// TaskFailed reports a task failure.
type TaskFailed struct {
	Envelope
	TaskID    string `json:"taskId"`
	Error     string `json:"error"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// Heartbeat is the application-level liveness report, with optional usage.
type Heartbeat struct {
	Envelope
	// Timestamp is the agent clock in unix milliseconds.
	Timestamp   int64    `json:"timestamp"`
	CPUUsage    *float64 `json:"cpuUsage,omitempty"`
	MemoryUsage *float64 `json:"memoryUsage,omitempty"`
	ActiveTasks *int     `json:"activeTasks,omitempty"`
}

// AgentAlert raises an agent-side condition to the coordinator.
type AgentAlert struct {
	Envelope
	Severity  string          `json:"severity"`
	Message   string          `json:"message"`
	AlertType string          `json:"alertType,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

func newMessage(msgType string) Message {
	switch msgType {
	case TypeAuthenticate:
		return &Authenticate{}
	case TypeAgentRegister:
		return &AgentRegister{}
	case TypeTaskProgress:
		return &TaskProgress{}
	case TypeTaskCompleted:
		return &TaskCompleted{}
	case TypeTaskFailed:
		return &TaskFailed{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeAgentAlert:
		return &AgentAlert{}
	}
	return nil
}
