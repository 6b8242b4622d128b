// Package mqttclient builds the shared MQTT client the relay layer runs on,
// on top of github.com/eclipse/paho.mqtt.golang.
// Signaling traffic is ephemeral, so sessions are clean and nothing is
// queued for offline clients except retained presence messages.
package mqttclient

import (
	"context"
	stdlog "log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func init() {
	if env := os.Getenv("DEBUG_MQTT_CLIENT"); strings.ToLower(env) == "true" {
		// MQTT internal logging.
		mqtt.ERROR = stdlog.New(os.Stdout, "[ERROR] ", 0)
		mqtt.CRITICAL = stdlog.New(os.Stdout, "[CRITICAL] ", 0)
		mqtt.WARN = stdlog.New(os.Stdout, "[WARN]  ", 0)
		mqtt.DEBUG = stdlog.New(os.Stdout, "[DEBUG] ", 0)
	}
}

type contextKey string

const clientKey = contextKey("mqtt_client")

// Client options.
const (
	writeTimeout = 1 * time.Second
	pingTimeout  = 10 * time.Second
)

var (
	messagePubHandler mqtt.MessageHandler = func(client mqtt.Client, msg mqtt.Message) {
		log.Info().Str("msg", string(msg.Payload())).Str("topic", msg.Topic()).Msg("Received a message without a route")
	}

	connectHandler mqtt.OnConnectHandler = func(client mqtt.Client) {
		log.Info().Msg("Client connected to broker")
	}

	connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
		log.Info().Err(err).Msg("Connection lost")
	}

	reconnectHandler mqtt.ReconnectHandler = func(mqtt.Client, *mqtt.ClientOptions) {
		log.Info().Msg("Attempting to reconnect")
	}
)

// ConfigOptions is config options for an MQTT client.
type ConfigOptions struct {
	Server   string
	ClientID string
	Username string
	Password string
}

// NewClient returns an unconnected MQTT client. The client id gets a uuid
// suffix so several devices under one account never clash on the broker.
func NewClient(ctx context.Context, config ConfigOptions) mqtt.Client {
	// Set global logger.
	setLogger(ctx)

	opts := mqtt.NewClientOptions()

	opts.AddBroker(config.Server)
	opts.SetClientID(config.ClientID + "-" + uuid.NewString())

	// Ordered delivery is not needed across topics, and blocking message
	// handlers with SetOrderMatters(true) can deadlock the paho router.
	opts.SetOrderMatters(false)

	// Stale queued messages from a previous pairing must not replay into a
	// new one.
	opts.SetCleanSession(true)

	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(messagePubHandler)
	opts.OnConnectionLost = connectLostHandler
	opts.OnReconnecting = reconnectHandler
	opts.OnConnect = connectHandler

	opts.WriteTimeout = writeTimeout
	opts.PingTimeout = pingTimeout

	// Keep trying to connect and reconnect if the mobile network drops.
	opts.ConnectRetry = true
	opts.AutoReconnect = true

	return mqtt.NewClient(opts)
}

// setLogger sets a customized input logger for MQTT client from context.
// By this way, user can decide the log level.
func setLogger(ctx context.Context) {
	log.Logger = log.Ctx(ctx).With().Str("component", "mqtt-client").Logger()
}

// CheckConnectivity checks MQTT client connectivity with a timeout.
func CheckConnectivity(client mqtt.Client, timeout time.Duration) error {
	if token := client.Connect(); token.WaitTimeout(timeout) && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// WithContext returns a context with the MQTT client attached.
func WithContext(ctx context.Context, client mqtt.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// FromContext returns the MQTT client stored in context. If no such client exists, it returns nil.
func FromContext(ctx context.Context) mqtt.Client {
	if client, ok := ctx.Value(clientKey).(mqtt.Client); ok {
		return client
	}
	return nil
}
