package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/handlebauer/snippets-mobile-sub001/pkg/mqttclient"
)

const (
	subscribeTimeout = 10 * time.Second
	publishTimeout   = 5 * time.Second
)

// ConfigOptions is config options for the MQTT-backed relay.
type ConfigOptions struct {
	// TopicPrefix is prepended to every channel topic.
	TopicPrefix string
	Qos         uint
}

// MQTTClient implements Client on top of an MQTT broker.
//
// A channel named c maps onto two topic families:
//
//	<prefix>/<c>/broadcast/<event>  broadcast messages, JSON envelope
//	<prefix>/<c>/presence/<key>     retained presence payloads, one per client
//
// Presence tracking publishes a retained message under the client's key;
// untracking publishes a retained empty payload, which clears it. Each
// subscriber replays the retained set on subscribe and synthesizes
// sync/join/leave events from it.
type MQTTClient struct {
	client mqtt.Client
	logger zerolog.Logger
	config ConfigOptions

	mu       sync.Mutex
	channels map[*mqttChannel]struct{}
}

// NewMQTTClient returns a relay client using the MQTT connection stored in ctx.
func NewMQTTClient(ctx context.Context, config ConfigOptions) *MQTTClient {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "realtime"
	}
	return &MQTTClient{
		client:   mqttclient.FromContext(ctx),
		logger:   log.Ctx(ctx).With().Str("component", "relay").Logger(),
		config:   config,
		channels: make(map[*mqttChannel]struct{}),
	}
}

// Channel creates a named channel. The channel is inert until Subscribe.
func (c *MQTTClient) Channel(name string, opts ChannelOptions) Channel {
	ch := &mqttChannel{
		name:        name,
		opts:        opts,
		client:      c.client,
		logger:      c.logger.With().Str("channel", name).Logger(),
		config:      c.config,
		broadcast:   make(map[string]map[int]BroadcastHandler),
		presenceFns: make(map[PresenceEvent][]PresenceHandler),
		presence:    make(map[string]PresenceMeta),
	}
	c.mu.Lock()
	c.channels[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// RemoveChannel unsubscribes the channel if needed and releases it.
func (c *MQTTClient) RemoveChannel(ch Channel) error {
	mch, ok := ch.(*mqttChannel)
	if !ok {
		return fmt.Errorf("relay: channel does not belong to this client")
	}
	c.mu.Lock()
	delete(c.channels, mch)
	c.mu.Unlock()
	return mch.Unsubscribe()
}

// broadcastEnvelope wraps a broadcast payload with its sender's presence key
// so receivers can honor BroadcastOptions.Self.
type broadcastEnvelope struct {
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type mqttChannel struct {
	name   string
	opts   ChannelOptions
	client mqtt.Client
	logger zerolog.Logger
	config ConfigOptions

	mu         sync.Mutex
	subscribed bool
	closed     bool
	statusFn   StatusHandler

	nextHandlerID int
	broadcast     map[string]map[int]BroadcastHandler
	presenceFns   map[PresenceEvent][]PresenceHandler
	presence      map[string]PresenceMeta
}

func (ch *mqttChannel) broadcastFilter() string {
	return ch.config.TopicPrefix + "/" + ch.name + "/broadcast/+"
}

func (ch *mqttChannel) presenceFilter() string {
	return ch.config.TopicPrefix + "/" + ch.name + "/presence/+"
}

func (ch *mqttChannel) broadcastTopic(event string) string {
	return ch.config.TopicPrefix + "/" + ch.name + "/broadcast/" + event
}

func (ch *mqttChannel) presenceTopic(key string) string {
	return ch.config.TopicPrefix + "/" + ch.name + "/presence/" + key
}

func (ch *mqttChannel) Subscribe(fn StatusHandler) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return fmt.Errorf("relay: channel %s is closed", ch.name)
	}
	ch.statusFn = fn
	ch.mu.Unlock()

	for topic, handler := range map[string]mqtt.MessageHandler{
		ch.broadcastFilter(): ch.handleBroadcast,
		ch.presenceFilter():  ch.handlePresence,
	} {
		t := ch.client.Subscribe(topic, byte(ch.config.Qos), handler)
		if !t.WaitTimeout(subscribeTimeout) {
			fn(StatusTimedOut, nil)
			return fmt.Errorf("relay: timed out subscribing to %s", topic)
		}
		if t.Error() != nil {
			fn(StatusChannelError, t.Error())
			return fmt.Errorf("relay: could not subscribe to %s: %w", topic, t.Error())
		}
		ch.logger.Debug().Str("topic", topic).Msg("subscribed")
	}

	ch.mu.Lock()
	ch.subscribed = true
	ch.mu.Unlock()

	fn(StatusSubscribed, nil)
	// Retained presence payloads replay asynchronously after this point;
	// every roster change fires another sync.
	ch.dispatchPresence(PresenceSync)
	return nil
}

func (ch *mqttChannel) Track(meta PresenceMeta) error {
	payload, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("relay: could not encode presence: %w", err)
	}
	return ch.publish(ch.presenceTopic(ch.opts.Presence.Key), payload, true)
}

func (ch *mqttChannel) Untrack() error {
	// A retained empty payload clears the presence entry for every subscriber.
	return ch.publish(ch.presenceTopic(ch.opts.Presence.Key), []byte{}, true)
}

func (ch *mqttChannel) PresenceState() map[string]PresenceMeta {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return copyRoster(ch.presence)
}

func (ch *mqttChannel) OnPresence(event PresenceEvent, fn PresenceHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.presenceFns[event] = append(ch.presenceFns[event], fn)
}

func (ch *mqttChannel) OnBroadcast(event string, fn BroadcastHandler) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextHandlerID
	ch.nextHandlerID++
	if ch.broadcast[event] == nil {
		ch.broadcast[event] = make(map[int]BroadcastHandler)
	}
	ch.broadcast[event][id] = fn
	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		delete(ch.broadcast[event], id)
	}
}

func (ch *mqttChannel) Send(event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relay: could not encode payload: %w", err)
	}
	env, err := json.Marshal(&broadcastEnvelope{
		Sender:  ch.opts.Presence.Key,
		Payload: body,
	})
	if err != nil {
		return fmt.Errorf("relay: could not encode envelope: %w", err)
	}
	return ch.publish(ch.broadcastTopic(event), env, false)
}

func (ch *mqttChannel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	subscribed := ch.subscribed
	fn := ch.statusFn
	ch.mu.Unlock()

	if subscribed {
		t := ch.client.Unsubscribe(ch.broadcastFilter(), ch.presenceFilter())
		if !t.WaitTimeout(publishTimeout) {
			ch.logger.Warn().Msg("timed out unsubscribing")
		} else if t.Error() != nil {
			ch.logger.Err(t.Error()).Msg("could not unsubscribe")
		}
	}
	if fn != nil {
		fn(StatusClosed, nil)
	}
	return nil
}

func (ch *mqttChannel) publish(topic string, payload []byte, retained bool) error {
	t := ch.client.Publish(topic, byte(ch.config.Qos), retained, payload)
	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("relay: timed out publishing to %s", topic)
	}
	if t.Error() != nil {
		return fmt.Errorf("relay: could not publish to %s: %w", topic, t.Error())
	}
	return nil
}

func (ch *mqttChannel) handleBroadcast(_ mqtt.Client, m mqtt.Message) {
	event := m.Topic()[strings.LastIndex(m.Topic(), "/")+1:]

	var env broadcastEnvelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		ch.logger.Warn().Err(err).Str("event", event).Msg("could not decode broadcast envelope")
		return
	}
	if !ch.opts.Broadcast.Self && env.Sender != "" && env.Sender == ch.opts.Presence.Key {
		return
	}

	ch.mu.Lock()
	handlers := make([]BroadcastHandler, 0, len(ch.broadcast[event]))
	for _, fn := range ch.broadcast[event] {
		handlers = append(handlers, fn)
	}
	ch.mu.Unlock()

	for _, fn := range handlers {
		fn(env.Payload)
	}
}

func (ch *mqttChannel) handlePresence(_ mqtt.Client, m mqtt.Message) {
	key := m.Topic()[strings.LastIndex(m.Topic(), "/")+1:]

	if len(m.Payload()) == 0 {
		ch.mu.Lock()
		_, existed := ch.presence[key]
		delete(ch.presence, key)
		ch.mu.Unlock()
		if existed {
			ch.dispatchPresence(PresenceLeave)
			ch.dispatchPresence(PresenceSync)
		}
		return
	}

	var meta PresenceMeta
	if err := json.Unmarshal(m.Payload(), &meta); err != nil {
		ch.logger.Warn().Err(err).Str("key", key).Msg("could not decode presence payload")
		return
	}

	ch.mu.Lock()
	_, existed := ch.presence[key]
	ch.presence[key] = meta
	ch.mu.Unlock()

	if !existed {
		ch.dispatchPresence(PresenceJoin)
	}
	ch.dispatchPresence(PresenceSync)
}

func (ch *mqttChannel) dispatchPresence(event PresenceEvent) {
	ch.mu.Lock()
	state := copyRoster(ch.presence)
	handlers := append([]PresenceHandler(nil), ch.presenceFns[event]...)
	ch.mu.Unlock()

	for _, fn := range handlers {
		fn(event, state)
	}
}

func copyRoster(roster map[string]PresenceMeta) map[string]PresenceMeta {
	state := make(map[string]PresenceMeta, len(roster))
	for k, v := range roster {
		state[k] = v
	}
	return state
}
