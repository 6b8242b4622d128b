// Package relay abstracts the realtime channel substrate a session runs on:
// named channels carrying broadcast events plus a presence roster.
// The production implementation maps channels onto MQTT topics; tests use
// the in-memory fake from the relaytest package.
package relay

// Status is the subscription status reported to a channel's status handler.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
)

// PresenceEvent names a presence roster transition.
type PresenceEvent string

const (
	PresenceSync  PresenceEvent = "sync"
	PresenceJoin  PresenceEvent = "join"
	PresenceLeave PresenceEvent = "leave"
)

// PresenceMeta is the payload a client declares when tracking presence.
type PresenceMeta struct {
	OnlineAt    string `json:"online_at"`
	ClientType  string `json:"client_type"`
	SessionCode string `json:"session_code"`
	UserID      string `json:"user_id"`
}

// BroadcastOptions configures broadcast delivery for a channel.
type BroadcastOptions struct {
	// Self controls whether the channel delivers the client's own broadcasts
	// back to it.
	Self bool
}

// PresenceOptions configures presence tracking for a channel.
type PresenceOptions struct {
	// Key identifies this client in the presence roster.
	Key string
}

// ChannelOptions configures a named channel on creation.
type ChannelOptions struct {
	Broadcast BroadcastOptions
	Presence  PresenceOptions
}

// StatusHandler observes subscription status transitions. err is non-nil
// only for StatusChannelError.
type StatusHandler func(status Status, err error)

// BroadcastHandler receives the raw payload of one broadcast event.
type BroadcastHandler func(payload []byte)

// PresenceHandler receives a presence event together with a snapshot of the
// roster at that point.
type PresenceHandler func(event PresenceEvent, state map[string]PresenceMeta)

// Channel is one named realtime channel. Broadcast and presence handlers may
// be registered before or after Subscribe; handlers registered before never
// miss a message.
type Channel interface {
	// Subscribe opens the channel. The status handler is invoked with
	// StatusSubscribed on success and with StatusTimedOut or
	// StatusChannelError on failure; StatusClosed follows Unsubscribe.
	Subscribe(fn StatusHandler) error

	// Track declares this client's presence to the roster.
	Track(meta PresenceMeta) error

	// Untrack withdraws this client's presence.
	Untrack() error

	// PresenceState returns a copy of the current roster keyed by presence key.
	PresenceState() map[string]PresenceMeta

	// OnPresence registers a handler for one presence event kind.
	OnPresence(event PresenceEvent, fn PresenceHandler)

	// OnBroadcast registers a handler for one broadcast event and returns a
	// function that removes it. The returned function is idempotent.
	OnBroadcast(event string, fn BroadcastHandler) (remove func())

	// Send broadcasts payload (JSON-marshaled) under the given event name.
	Send(event string, payload any) error

	// Unsubscribe closes the channel. Safe to call more than once.
	Unsubscribe() error
}

// Client creates and releases named channels.
type Client interface {
	Channel(name string, opts ChannelOptions) Channel
	RemoveChannel(ch Channel) error
}
