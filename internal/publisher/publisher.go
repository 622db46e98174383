// Package publisher announces finished shots to downstream consumers.
package publisher

import (
	"context"
	"time"
)

// Publisher sends one payload to topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ShotEvent is published once per finished shot.
type ShotEvent struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	Kind       string    `json:"kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Artifacts  []string  `json:"artifacts,omitempty"`
	Checksums  []string  `json:"checksums,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, any) (string, error) { return "", nil }
