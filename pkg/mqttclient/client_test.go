package mqttclient_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog/log"

	mc "github.com/handlebauer/snippets-mobile-sub001/pkg/mqttclient"
)

func TestClientContextRoundTrip(t *testing.T) {
	ctx := log.Logger.WithContext(context.Background())
	client := mc.NewClient(ctx, mc.ConfigOptions{})
	newCtx := mc.WithContext(ctx, client)
	if mc.FromContext(newCtx) == nil {
		t.Fatal("client should round-trip through context")
	}
}

func TestFromContextMissing(t *testing.T) {
	if mc.FromContext(context.Background()) != nil {
		t.Fatal("empty context should hold no client")
	}
}
