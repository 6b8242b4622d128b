// Package relaytest provides an in-memory relay implementation for tests.
// Test code drives the remote side of a channel with Join, Leave and
// Broadcast, and inspects what the code under test sent and tracked.
package relaytest

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/handlebauer/snippets-mobile-sub001/internal/relay"
)

// Client is an in-memory relay.Client.
type Client struct {
	mu       sync.Mutex
	channels map[string]*Channel
	removed  map[string]bool
}

// NewClient returns an empty in-memory relay client.
func NewClient() *Client {
	return &Client{
		channels: make(map[string]*Channel),
		removed:  make(map[string]bool),
	}
}

// Channel implements relay.Client.
func (c *Client) Channel(name string, opts relay.ChannelOptions) relay.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := &Channel{
		Name:        name,
		Opts:        opts,
		broadcast:   make(map[string]map[int]relay.BroadcastHandler),
		presenceFns: make(map[relay.PresenceEvent][]relay.PresenceHandler),
		presence:    make(map[string]relay.PresenceMeta),
	}
	c.channels[name] = ch
	return ch
}

// RemoveChannel implements relay.Client.
func (c *Client) RemoveChannel(ch relay.Channel) error {
	tch, ok := ch.(*Channel)
	if !ok {
		return fmt.Errorf("relaytest: foreign channel")
	}
	c.mu.Lock()
	c.removed[tch.Name] = true
	c.mu.Unlock()
	return tch.Unsubscribe()
}

// Get returns the channel created under name, or nil.
func (c *Client) Get(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

// WaitChannel polls until a channel named name exists or the timeout expires.
func (c *Client) WaitChannel(name string, timeout time.Duration) *Channel {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ch := c.Get(name); ch != nil {
			return ch
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Removed reports whether RemoveChannel was called for name.
func (c *Client) Removed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed[name]
}

// ChannelCount returns how many channels were ever created.
func (c *Client) ChannelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// SentMessage records one broadcast sent by the code under test.
type SentMessage struct {
	Event   string
	Payload []byte
}

// Channel is an in-memory relay.Channel.
type Channel struct {
	Name string
	Opts relay.ChannelOptions

	// SubscribeStatus overrides the status reported by Subscribe.
	// Zero value means relay.StatusSubscribed.
	SubscribeStatus relay.Status
	// SubscribeErr is passed to the status handler with StatusChannelError.
	SubscribeErr error

	mu           sync.Mutex
	statusFn     relay.StatusHandler
	subscribed   bool
	closed       bool
	nextID       int
	broadcast    map[string]map[int]relay.BroadcastHandler
	presenceFns  map[relay.PresenceEvent][]relay.PresenceHandler
	presence     map[string]relay.PresenceMeta
	tracked      []relay.PresenceMeta
	untracked    int
	unsubscribed int
	sent         []SentMessage
}

// Subscribe implements relay.Channel.
func (ch *Channel) Subscribe(fn relay.StatusHandler) error {
	ch.mu.Lock()
	ch.statusFn = fn
	status := ch.SubscribeStatus
	if status == "" {
		status = relay.StatusSubscribed
	}
	ch.subscribed = status == relay.StatusSubscribed
	err := ch.SubscribeErr
	ch.mu.Unlock()

	fn(status, err)
	if status != relay.StatusSubscribed {
		return fmt.Errorf("relaytest: subscribe failed with %s", status)
	}
	ch.dispatchPresence(relay.PresenceSync)
	return nil
}

// Track implements relay.Channel. The local client's presence joins the
// roster the way a round-tripped retained message would.
func (ch *Channel) Track(meta relay.PresenceMeta) error {
	ch.mu.Lock()
	ch.tracked = append(ch.tracked, meta)
	ch.presence[ch.Opts.Presence.Key] = meta
	ch.mu.Unlock()
	ch.dispatchPresence(relay.PresenceJoin)
	ch.dispatchPresence(relay.PresenceSync)
	return nil
}

// Untrack implements relay.Channel.
func (ch *Channel) Untrack() error {
	ch.mu.Lock()
	ch.untracked++
	delete(ch.presence, ch.Opts.Presence.Key)
	ch.mu.Unlock()
	ch.dispatchPresence(relay.PresenceLeave)
	ch.dispatchPresence(relay.PresenceSync)
	return nil
}

// PresenceState implements relay.Channel.
func (ch *Channel) PresenceState() map[string]relay.PresenceMeta {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	state := make(map[string]relay.PresenceMeta, len(ch.presence))
	for k, v := range ch.presence {
		state[k] = v
	}
	return state
}

// OnPresence implements relay.Channel.
func (ch *Channel) OnPresence(event relay.PresenceEvent, fn relay.PresenceHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.presenceFns[event] = append(ch.presenceFns[event], fn)
}

// OnBroadcast implements relay.Channel.
func (ch *Channel) OnBroadcast(event string, fn relay.BroadcastHandler) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextID
	ch.nextID++
	if ch.broadcast[event] == nil {
		ch.broadcast[event] = make(map[int]relay.BroadcastHandler)
	}
	ch.broadcast[event][id] = fn
	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		delete(ch.broadcast[event], id)
	}
}

// Send implements relay.Channel.
func (ch *Channel) Send(event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("relaytest: send on closed channel")
	}
	ch.sent = append(ch.sent, SentMessage{Event: event, Payload: body})
	return nil
}

// Unsubscribe implements relay.Channel.
func (ch *Channel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.unsubscribed++
	fn := ch.statusFn
	ch.mu.Unlock()
	if fn != nil {
		fn(relay.StatusClosed, nil)
	}
	return nil
}

// Join simulates a remote peer joining the presence roster.
func (ch *Channel) Join(key string, meta relay.PresenceMeta) {
	ch.mu.Lock()
	ch.presence[key] = meta
	ch.mu.Unlock()
	ch.dispatchPresence(relay.PresenceJoin)
	ch.dispatchPresence(relay.PresenceSync)
}

// Leave simulates a remote peer leaving the presence roster.
func (ch *Channel) Leave(key string) {
	ch.mu.Lock()
	delete(ch.presence, key)
	ch.mu.Unlock()
	ch.dispatchPresence(relay.PresenceLeave)
	ch.dispatchPresence(relay.PresenceSync)
}

// Broadcast simulates an inbound broadcast from the remote peer.
func (ch *Channel) Broadcast(event string, payload []byte) {
	ch.mu.Lock()
	handlers := make([]relay.BroadcastHandler, 0, len(ch.broadcast[event]))
	for _, fn := range ch.broadcast[event] {
		handlers = append(handlers, fn)
	}
	ch.mu.Unlock()
	for _, fn := range handlers {
		fn(payload)
	}
}

// BroadcastJSON marshals v and delivers it like Broadcast.
func (ch *Channel) BroadcastJSON(event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ch.Broadcast(event, payload)
	return nil
}

// Sent returns a copy of every message sent on this channel.
func (ch *Channel) Sent() []SentMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]SentMessage(nil), ch.sent...)
}

// SentFor returns the messages sent under one event name.
func (ch *Channel) SentFor(event string) []SentMessage {
	var out []SentMessage
	for _, m := range ch.Sent() {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Tracked returns every presence payload the code under test tracked.
func (ch *Channel) Tracked() []relay.PresenceMeta {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]relay.PresenceMeta(nil), ch.tracked...)
}

// Untracked returns how many times Untrack was called.
func (ch *Channel) Untracked() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.untracked
}

// Unsubscribed returns how many times Unsubscribe took effect.
func (ch *Channel) Unsubscribed() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.unsubscribed
}

func (ch *Channel) dispatchPresence(event relay.PresenceEvent) {
	ch.mu.Lock()
	state := make(map[string]relay.PresenceMeta, len(ch.presence))
	for k, v := range ch.presence {
		state[k] = v
	}
	handlers := append([]relay.PresenceHandler(nil), ch.presenceFns[event]...)
	ch.mu.Unlock()
	for _, fn := range handlers {
		fn(event, state)
	}
}
