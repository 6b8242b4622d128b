package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/handlebauer/snippets-mobile-sub001/internal/relay"
	"github.com/handlebauer/snippets-mobile-sub001/internal/relay/relaytest"
)

const testTimeout = 2 * time.Second

type openResult struct {
	handle *Handle
	err    error
}

func openAsync(t *testing.T, client relay.Client, name, code, userID string, config ConfigOptions) <-chan openResult {
	t.Helper()
	logger := zerolog.Nop()
	results := make(chan openResult, 1)
	go func() {
		h, err := Open(context.Background(), client, name, code, userID, Hooks{}, config, &logger)
		results <- openResult{h, err}
	}()
	return results
}

func waitTracked(t *testing.T, ch *relaytest.Channel) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if len(ch.Tracked()) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("presence was never tracked")
}

func TestOpenRequiresIdentity(t *testing.T) {
	logger := zerolog.Nop()
	_, err := Open(context.Background(), relaytest.NewClient(), "session:AB23CD", "AB23CD", "", Hooks{}, ConfigOptions{}, &logger)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("want ErrUnauthenticated, got %v", err)
	}
}

func TestOpenGatesOnWebPeer(t *testing.T) {
	client := relaytest.NewClient()
	results := openAsync(t, client, "session:AB23CD", "AB23CD", "user-1", ConfigOptions{})

	ch := client.WaitChannel("session:AB23CD", testTimeout)
	if ch == nil {
		t.Fatal("channel was never created")
	}

	// Local presence alone must not resolve the open.
	select {
	case r := <-results:
		t.Fatalf("open resolved without web peer: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	// Another mobile peer must not resolve it either.
	ch.Join("other-mobile", relay.PresenceMeta{ClientType: "mobile"})
	select {
	case r := <-results:
		t.Fatalf("open resolved on mobile peer: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	ch.Join("web-user", relay.PresenceMeta{ClientType: "web"})
	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("open failed: %v", r.err)
		}
		defer r.handle.Close()
	case <-time.After(testTimeout):
		t.Fatal("open did not resolve after web peer joined")
	}

	tracked := ch.Tracked()
	if len(tracked) != 1 {
		t.Fatalf("track count is incorrect, got %d want 1", len(tracked))
	}
	meta := tracked[0]
	if meta.ClientType != "mobile" || meta.SessionCode != "AB23CD" || meta.UserID != "user-1" {
		t.Fatalf("presence payload is incorrect: %+v", meta)
	}
	if meta.OnlineAt == "" {
		t.Fatal("presence payload is missing online_at")
	}
}

func TestOpenPresenceTimeout(t *testing.T) {
	client := relaytest.NewClient()
	results := openAsync(t, client, "session:AB23CD", "AB23CD", "user-1", ConfigOptions{PresenceTimeout: 30 * time.Millisecond})

	select {
	case r := <-results:
		if !errors.Is(r.err, ErrPresenceTimeout) {
			t.Fatalf("want ErrPresenceTimeout, got %v", r.err)
		}
	case <-time.After(testTimeout):
		t.Fatal("open did not time out")
	}

	ch := client.Get("session:AB23CD")
	if ch.Unsubscribed() != 1 {
		t.Fatal("channel was not released after timeout")
	}
}

func TestOpenSubscriptionError(t *testing.T) {
	client := relaytest.NewClient()
	pre := client.Channel("session:AB23CD", relay.ChannelOptions{}).(*relaytest.Channel)
	pre.SubscribeStatus = relay.StatusChannelError
	pre.SubscribeErr = errors.New("broker unavailable")

	logger := zerolog.Nop()
	_, err := Open(context.Background(), client, "session:AB23CD", "AB23CD", "user-1", Hooks{}, ConfigOptions{}, &logger)
	if !errors.Is(err, ErrSubscriptionFailed) {
		t.Fatalf("want ErrSubscriptionFailed, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client := relaytest.NewClient()
	results := openAsync(t, client, "session:AB23CD", "AB23CD", "user-1", ConfigOptions{})

	ch := client.WaitChannel("session:AB23CD", testTimeout)
	ch.Join("web-user", relay.PresenceMeta{ClientType: "web"})

	r := <-results
	if r.err != nil {
		t.Fatalf("open failed: %v", r.err)
	}

	r.handle.Close()
	r.handle.Close()

	if got := ch.Untracked(); got != 1 {
		t.Fatalf("untrack count is incorrect, got %d want 1", got)
	}
	if got := ch.Unsubscribed(); got != 1 {
		t.Fatalf("unsubscribe count is incorrect, got %d want 1", got)
	}
	if !client.Removed("session:AB23CD") {
		t.Fatal("channel was not removed")
	}
}

func TestHooksRegisteredBeforeSubscribe(t *testing.T) {
	client := relaytest.NewClient()
	logger := zerolog.Nop()

	received := make(chan []byte, 1)
	hooks := Hooks{Broadcast: map[string]relay.BroadcastHandler{
		"video_processing": func(payload []byte) { received <- payload },
	}}

	results := make(chan openResult, 1)
	go func() {
		h, err := Open(context.Background(), client, "session:AB23CD", "AB23CD", "user-1", hooks, ConfigOptions{}, &logger)
		results <- openResult{h, err}
	}()

	ch := client.WaitChannel("session:AB23CD", testTimeout)
	waitTracked(t, ch)
	// Deliver before the open resolves: the hook must already be attached.
	ch.Broadcast("video_processing", []byte(`{"status":"processing"}`))
	ch.Join("web-user", relay.PresenceMeta{ClientType: "web"})

	r := <-results
	if r.err != nil {
		t.Fatalf("open failed: %v", r.err)
	}
	defer r.handle.Close()

	select {
	case payload := <-received:
		if string(payload) != `{"status":"processing"}` {
			t.Fatalf("payload is incorrect: %s", payload)
		}
	case <-time.After(testTimeout):
		t.Fatal("hook never received the broadcast")
	}
}
