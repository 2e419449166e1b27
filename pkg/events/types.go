// Package events defines execution events and the publishers that emit them.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/morezero/capability-router/pkg/envelope"
)

// Kind distinguishes single executions from chains.
type Kind string

const (
	KindTask  Kind = "task"
	KindChain Kind = "chain"
)

// ExecutionEvent is emitted after a task or chain finishes.
type ExecutionEvent struct {
	ID           string             `json:"id"`
	Kind         Kind               `json:"kind"`
	CapabilityID string             `json:"capabilityId"`
	Ok           bool               `json:"ok"`
	Status       string             `json:"status,omitempty"`
	ErrorCode    string             `json:"errorCode,omitempty"`
	RouteUsed    envelope.Route     `json:"routeUsed,omitempty"`
	Reason       envelope.Reason    `json:"reason,omitempty"`
	Attempts     []envelope.Attempt `json:"attempts,omitempty"`
	Steps        int                `json:"steps,omitempty"`
	DurationMs   int64              `json:"durationMs"`
	Timestamp    string             `json:"timestamp"`
}

// NewTaskEvent describes one finished task execution.
func NewTaskEvent(env *envelope.Envelope, elapsed time.Duration) *ExecutionEvent {
	ev := &ExecutionEvent{
		ID:           uuid.NewString(),
		Kind:         KindTask,
		CapabilityID: env.Meta.CapabilityID,
		Ok:           env.Ok,
		RouteUsed:    env.Meta.RouteUsed,
		Reason:       env.Meta.Reason,
		Attempts:     env.Meta.Attempts,
		DurationMs:   elapsed.Milliseconds(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if env.Error != nil {
		ev.ErrorCode = string(env.Error.Code)
	}
	return ev
}

// NewChainEvent describes one finished chain. capabilityID is the first step's task.
func NewChainEvent(capabilityID, status string, route envelope.Route, steps int, elapsed time.Duration) *ExecutionEvent {
	return &ExecutionEvent{
		ID:           uuid.NewString(),
		Kind:         KindChain,
		CapabilityID: capabilityID,
		Ok:           status == "success",
		Status:       status,
		RouteUsed:    route,
		Steps:        steps,
		DurationMs:   elapsed.Milliseconds(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}
}
