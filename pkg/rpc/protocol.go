// Package rpc implements the wire protocol between an engine and its remote
// resource workers: newline-delimited JSON messages over a TCP stream.
//
// A worker announces itself with READY, the engine sends CHECK requests, and
// the worker answers each with DONE or ERROR. Requests are correlated by id,
// so many checks can be in flight on one connection.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openstratus/stratus/pkg/engine"
)

// MessageType identifies a protocol frame.
type MessageType string

const (
	// MessageTypeReady is sent by the worker once per connection, before any
	// commands are accepted.
	MessageTypeReady MessageType = "READY"
	// MessageTypeCheck carries a resource check request to the worker.
	MessageTypeCheck MessageType = "CHECK"
	// MessageTypeDone carries a finished node output back to the engine.
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError reports a request that failed before producing output.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeBye is sent by the worker before it closes the connection.
	MessageTypeBye MessageType = "BYE"
)

// Validate rejects unknown frame types.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCheck, MessageTypeDone, MessageTypeError, MessageTypeBye:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Message is the envelope every frame travels in.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces a worker and its identity.
type ReadyMessage struct {
	EngineID string `json:"engine_id"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	PID      int    `json:"pid"`
}

// CheckMessage is one dispatched graph node. ID correlates the eventual DONE
// or ERROR frame.
type CheckMessage struct {
	ID      string                      `json:"id"`
	Request *engine.CheckResourceRequest `json:"request"`
}

// Validate checks the frame for structural problems.
func (c *CheckMessage) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("check id is required")
	}
	if c.Request == nil {
		return fmt.Errorf("check request is required")
	}
	return c.Request.Validate()
}

// DoneMessage carries the node output of a finished check. A nil Output means
// the worker discarded the request as stale.
type DoneMessage struct {
	ID       string             `json:"id"`
	Output   *engine.NodeOutput `json:"output,omitempty"`
	Duration float64            `json:"duration"` // seconds
}

// ErrorMessage reports a check that failed outright on the worker.
type ErrorMessage struct {
	ID        string `json:"id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ByeMessage is the worker's parting frame.
type ByeMessage struct {
	Reason        string `json:"reason"`
	ChecksServed  int64  `json:"checks_served"`
}
