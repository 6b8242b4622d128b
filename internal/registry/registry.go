// Package registry records sessions in persistent storage so the web client
// can validate a pairing code before joining its channel.
package registry

import (
	"context"
	"errors"
	"time"
)

// SessionType distinguishes the two pairing flows.
type SessionType string

const (
	TypeScreenRecording SessionType = "screen_recording"
	TypeCodeEditor      SessionType = "code_editor"
)

// Status is the lifecycle status of a session row.
type Status string

const (
	StatusRecording Status = "recording"
	StatusStopped   Status = "stopped"
)

var (
	// ErrCodeTaken reports a pairing code collision on insert.
	// The caller surfaces it; a fresh code requires a fresh pairing attempt.
	ErrCodeTaken = errors.New("registry: pairing code already taken")

	// ErrNotFound reports a lookup for an unknown code.
	ErrNotFound = errors.New("registry: session not found")
)

// Session is one pairing lifetime. A new code always means a new row;
// rows are never reused across reconnects.
type Session struct {
	Code      string
	OwnerID   string
	Type      SessionType
	Status    Status
	CreatedAt time.Time
}

// Registry is the storage surface the orchestrator needs.
type Registry interface {
	// Create inserts a new session row. It fails with ErrCodeTaken when the
	// code is already present.
	Create(ctx context.Context, s *Session) error

	// UpdateStatus sets the status of an existing row.
	UpdateStatus(ctx context.Context, code string, status Status) error

	// Get returns the session stored under code.
	Get(ctx context.Context, code string) (*Session, error)
}
