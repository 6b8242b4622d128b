package session

import "time"

// ConfigOptions is config options for the session orchestrator.
type ConfigOptions struct {
	// OwnerID is the authenticated user the session belongs to. Pairing
	// refuses to start without it.
	OwnerID string `json:"owner_id"`

	// PresenceTimeout bounds the wait for the web peer during pairing.
	// Zero means the channel package default.
	PresenceTimeout time.Duration `json:"presence_timeout"`
}
