// Package protocol defines the structured message envelope carried in the
// bus's content field, and the closed set of message types the supervisor
// and daemons emit or consume.
//
// Wire format: the bus content field is a UTF-8 JSON record. Unknown types
// and parse failures are not protocol errors — callers are expected to
// ignore them silently, per spec.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/agentctl/swarm/internal/ids"
)

// MessageType identifies the structured message kind carried on the bus.
type MessageType string

const (
	// TypeTaskAvailable announces an unclaimed unit of work to every
	// daemon on the channel. Sent in/out.
	TypeTaskAvailable MessageType = "TASK_AVAILABLE"

	// TypeAssign directs a specific agent to promote and take the
	// attached task. Sent in/out.
	TypeAssign MessageType = "ASSIGN"

	// TypeClaim is emitted by the supervisor when a daemon claims a
	// TASK_AVAILABLE. Out only.
	TypeClaim MessageType = "CLAIM"

	// TypeTaskDone reports a successful executor exit. Out only.
	TypeTaskDone MessageType = "TASK_DONE"

	// TypeTaskFail reports a failed or crashed executor exit. Out only.
	TypeTaskFail MessageType = "TASK_FAIL"
)

// ErrUnknownMessageType is returned by Decode when the content's "type"
// field does not match a known MessageType. Callers route this to the
// "ignore silently" path rather than treating it as fatal.
var ErrUnknownMessageType = errors.New("protocol: unknown message type")

// Task is the unit of work referenced by TASK_AVAILABLE and ASSIGN.
type Task struct {
	Role      string `json:"role,omitempty"`
	Component string `json:"component,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	ID        string `json:"id,omitempty"`
}

// envelope is the wire shape shared by every message type; individual
// Payload types below embed only the fields they need, and Encode/Decode
// translate between the two.
type envelope struct {
	Type      MessageType `json:"type"`
	AgentID   ids.AgentID `json:"agentId,omitempty"`
	Task      *Task       `json:"task,omitempty"`
	Component string      `json:"component,omitempty"`
	Role      string      `json:"role,omitempty"`
	Success   bool        `json:"success,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// TaskAvailablePayload is the content of a TASK_AVAILABLE message.
type TaskAvailablePayload struct {
	Task Task
}

// AssignPayload is the content of an ASSIGN message.
type AssignPayload struct {
	AgentID ids.AgentID
	Task    Task
}

// ClaimPayload is the content of a CLAIM message.
type ClaimPayload struct {
	AgentID   ids.AgentID
	Component string
	Role      string
}

// TaskDonePayload is the content of a TASK_DONE message.
type TaskDonePayload struct {
	AgentID ids.AgentID
	Task    Task
}

// TaskFailPayload is the content of a TASK_FAIL message.
type TaskFailPayload struct {
	AgentID ids.AgentID
	Task    Task
	Error   string
}

// EncodeTaskAvailable marshals a TASK_AVAILABLE message body.
func EncodeTaskAvailable(p TaskAvailablePayload) ([]byte, error) {
	return json.Marshal(envelope{Type: TypeTaskAvailable, Task: &p.Task})
}

// EncodeAssign marshals an ASSIGN message body.
func EncodeAssign(p AssignPayload) ([]byte, error) {
	return json.Marshal(envelope{Type: TypeAssign, AgentID: p.AgentID, Task: &p.Task})
}

// EncodeClaim marshals a CLAIM message body.
func EncodeClaim(p ClaimPayload) ([]byte, error) {
	return json.Marshal(envelope{Type: TypeClaim, AgentID: p.AgentID, Component: p.Component, Role: p.Role})
}

// EncodeTaskDone marshals a TASK_DONE message body.
func EncodeTaskDone(p TaskDonePayload) ([]byte, error) {
	return json.Marshal(envelope{Type: TypeTaskDone, AgentID: p.AgentID, Task: &p.Task, Success: true})
}

// EncodeTaskFail marshals a TASK_FAIL message body.
func EncodeTaskFail(p TaskFailPayload) ([]byte, error) {
	return json.Marshal(envelope{Type: TypeTaskFail, AgentID: p.AgentID, Task: &p.Task, Error: p.Error})
}

// Decoded is the result of parsing a bus content payload: the type tag
// plus whichever concrete payload applies. Exactly one of the *Payload
// fields is non-nil for TaskAvailable/Assign; Claim/Done/Fail only ever
// appear outbound, and decoding them sets only Type (mainly useful for
// tests).
type Decoded struct {
	Type          MessageType
	TaskAvailable *TaskAvailablePayload
	Assign        *AssignPayload
}

// Decode parses a bus content payload. It returns ErrUnknownMessageType
// for any type outside the known set, and a json error for malformed
// content — both cases the router treats identically: ignore.
func Decode(content []byte) (Decoded, error) {
	var env envelope
	if err := json.Unmarshal(content, &env); err != nil {
		return Decoded{}, err
	}
	switch env.Type {
	case TypeTaskAvailable:
		task := Task{}
		if env.Task != nil {
			task = *env.Task
		}
		return Decoded{Type: env.Type, TaskAvailable: &TaskAvailablePayload{Task: task}}, nil
	case TypeAssign:
		task := Task{}
		if env.Task != nil {
			task = *env.Task
		}
		return Decoded{Type: env.Type, Assign: &AssignPayload{AgentID: env.AgentID, Task: task}}, nil
	case TypeClaim, TypeTaskDone, TypeTaskFail:
		return Decoded{Type: env.Type}, nil
	default:
		return Decoded{}, ErrUnknownMessageType
	}
}
