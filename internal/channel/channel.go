// Package channel owns the realtime channel of one session: it subscribes,
// declares local presence, and gates on the web peer actually being there
// before the session is considered paired.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/handlebauer/snippets-mobile-sub001/internal/relay"
)

const (
	clientTypeMobile = "mobile"
	clientTypeWeb    = "web"

	defaultPresenceTimeout = 2 * time.Minute
)

var (
	// ErrUnauthenticated reports a missing authenticated identity.
	ErrUnauthenticated = errors.New("channel: no authenticated identity")

	// ErrSubscriptionFailed reports that the channel never reached the
	// subscribed state or failed afterwards.
	ErrSubscriptionFailed = errors.New("channel: subscription failed")

	// ErrPresenceTimeout reports that no web peer showed up in time.
	ErrPresenceTimeout = errors.New("channel: timed out waiting for web peer")
)

// ConfigOptions is config options for opening a signaling channel.
type ConfigOptions struct {
	// PresenceTimeout bounds the wait for the web peer after subscribing.
	PresenceTimeout time.Duration
}

// Hooks carries broadcast handlers that must be registered before the
// subscription opens, so no message racing the subscription is lost.
type Hooks struct {
	Broadcast map[string]relay.BroadcastHandler
}

// Handle exclusively owns one relay channel for the lifetime of a session.
type Handle struct {
	name   string
	client relay.Client
	ch     relay.Channel
	logger zerolog.Logger

	mu         sync.Mutex
	tracked    bool
	cleaningUp bool
	closed     bool
}

// Open subscribes to the named channel, tracks local presence and blocks
// until a presence sync has fired at least once and a peer with client type
// "web" is present. It fails with ErrPresenceTimeout when the web peer does
// not appear within the configured window.
func Open(
	ctx context.Context,
	client relay.Client,
	name, code, userID string,
	hooks Hooks,
	config ConfigOptions,
	logger *zerolog.Logger,
) (*Handle, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	timeout := config.PresenceTimeout
	if timeout <= 0 {
		timeout = defaultPresenceTimeout
	}

	h := &Handle{
		name:   name,
		client: client,
		logger: logger.With().Str("channel", name).Logger(),
	}
	h.ch = client.Channel(name, relay.ChannelOptions{
		Broadcast: relay.BroadcastOptions{Self: false},
		Presence:  relay.PresenceOptions{Key: userID},
	})

	for event, fn := range hooks.Broadcast {
		h.ch.OnBroadcast(event, fn)
	}

	// Pairing is ready once a sync has fired at least once and the roster
	// holds a web peer. Both handlers re-check the predicate; whichever one
	// satisfies it first closes the ready channel.
	ready := make(chan struct{})
	var readyOnce sync.Once
	var gateMu sync.Mutex
	synced := false
	check := func(state map[string]relay.PresenceMeta) {
		gateMu.Lock()
		defer gateMu.Unlock()
		if !synced || !hasWebPeer(state) {
			return
		}
		readyOnce.Do(func() { close(ready) })
	}
	h.ch.OnPresence(relay.PresenceSync, func(_ relay.PresenceEvent, state map[string]relay.PresenceMeta) {
		gateMu.Lock()
		synced = true
		gateMu.Unlock()
		check(state)
	})
	h.ch.OnPresence(relay.PresenceJoin, func(_ relay.PresenceEvent, state map[string]relay.PresenceMeta) {
		check(state)
	})

	subscribed := make(chan struct{})
	var subOnce sync.Once
	errCh := make(chan error, 4)
	err := h.ch.Subscribe(func(status relay.Status, err error) {
		switch status {
		case relay.StatusSubscribed:
			subOnce.Do(func() { close(subscribed) })
		case relay.StatusTimedOut:
			errCh <- fmt.Errorf("%w: subscription timed out", ErrSubscriptionFailed)
		case relay.StatusChannelError:
			errCh <- fmt.Errorf("%w: %v", ErrSubscriptionFailed, err)
		case relay.StatusClosed:
			h.mu.Lock()
			cleaning := h.cleaningUp
			h.mu.Unlock()
			if cleaning {
				h.logger.Debug().Msg("channel closed during cleanup")
			} else {
				errCh <- fmt.Errorf("%w: channel closed unexpectedly", ErrSubscriptionFailed)
			}
		}
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionFailed, err)
	}

	select {
	case <-subscribed:
	case err := <-errCh:
		h.Close()
		return nil, err
	case <-ctx.Done():
		h.Close()
		return nil, ctx.Err()
	}

	if err := h.ch.Track(relay.PresenceMeta{
		OnlineAt:    time.Now().UTC().Format(time.RFC3339),
		ClientType:  clientTypeMobile,
		SessionCode: code,
		UserID:      userID,
	}); err != nil {
		h.Close()
		return nil, fmt.Errorf("could not track presence: %w", err)
	}
	h.mu.Lock()
	h.tracked = true
	h.mu.Unlock()
	h.logger.Debug().Msg("tracked local presence")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
	case err := <-errCh:
		h.Close()
		return nil, err
	case <-timer.C:
		h.Close()
		return nil, ErrPresenceTimeout
	case <-ctx.Done():
		h.Close()
		return nil, ctx.Err()
	}

	h.logger.Info().Msg("web peer present, channel ready")
	return h, nil
}

// Name returns the channel name.
func (h *Handle) Name() string {
	return h.name
}

// Send broadcasts payload under the given event name.
func (h *Handle) Send(event string, payload any) error {
	return h.ch.Send(event, payload)
}

// OnBroadcast registers a broadcast handler and returns its remover.
func (h *Handle) OnBroadcast(event string, fn relay.BroadcastHandler) func() {
	return h.ch.OnBroadcast(event, fn)
}

// PresenceState returns a copy of the current presence roster.
func (h *Handle) PresenceState() map[string]relay.PresenceMeta {
	return h.ch.PresenceState()
}

// Close untracks presence, unsubscribes and releases the channel. Every step
// is best-effort: failures are logged, never returned, and calling Close more
// than once has no effect.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.cleaningUp = true
	tracked := h.tracked
	h.mu.Unlock()

	if tracked {
		if err := h.ch.Untrack(); err != nil {
			h.logger.Warn().Err(err).Msg("could not untrack presence")
		}
	}
	if err := h.ch.Unsubscribe(); err != nil {
		h.logger.Warn().Err(err).Msg("could not unsubscribe")
	}
	if err := h.client.RemoveChannel(h.ch); err != nil {
		h.logger.Warn().Err(err).Msg("could not remove channel")
	}
	h.logger.Debug().Msg("released channel")
}

func hasWebPeer(state map[string]relay.PresenceMeta) bool {
	for _, meta := range state {
		if meta.ClientType == clientTypeWeb {
			return true
		}
	}
	return false
}
