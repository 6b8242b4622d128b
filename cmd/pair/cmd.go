package pair

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"github.com/williamlsh/logging"

	"github.com/handlebauer/snippets-mobile-sub001/internal/registry"
	"github.com/handlebauer/snippets-mobile-sub001/internal/relay"
	"github.com/handlebauer/snippets-mobile-sub001/internal/session"
	"github.com/handlebauer/snippets-mobile-sub001/internal/stateapi"
	rtc "github.com/handlebauer/snippets-mobile-sub001/internal/webrtc"
	"github.com/handlebauer/snippets-mobile-sub001/pkg/mqttclient"
)

const configFlagName = "config"

// Command returns a pair command.
func Command() *cli.Command {
	ctx := context.Background()

	var (
		logger zerolog.Logger

		mc  mqtt.Client
		reg *registry.RedisRegistry

		mqttConfigOptions   mqttclient.ConfigOptions
		relayConfigOptions  relay.ConfigOptions
		redisConfigOptions  registry.RedisConfigOptions
		webRTCConfigOptions rtc.ConfigOptions
		sessionConfig       session.ConfigOptions
		stateConfigOptions  stateapi.ConfigOptions

		sessionType string
		sessionCode string
	)

	flags := func() (flags []cli.Flag) {
		for _, v := range [][]cli.Flag{
			loadConfigFlag(),
			mqttFlags(&mqttConfigOptions),
			relayFlags(&relayConfigOptions),
			redisFlags(&redisConfigOptions),
			webRTCFlags(&webRTCConfigOptions),
			sessionFlags(&sessionConfig, &sessionType, &sessionCode),
			stateServerFlags(&stateConfigOptions),
		} {
			flags = append(flags, v...)
		}
		return
	}()

	return &cli.Command{
		Name:  "pair",
		Usage: "pair this device with the snippets web client and run one session",
		Flags: flags,
		Before: func(c *cli.Context) error {
			if err := altsrc.InitInputSourceWithContext(
				flags,
				altsrc.NewTomlSourceFromFlagFunc(configFlagName),
			)(c); err != nil {
				return err
			}

			// Set up logger.
			debug := c.Bool("debug")
			logging.Debug(debug)
			logger = log.With().Str("service", "snippets-companion").Str("command", "pair").Logger()
			ctx = logger.WithContext(ctx)

			// Initializes MQTT client.
			mc = mqttclient.NewClient(ctx, mqttConfigOptions)
			if err := mqttclient.CheckConnectivity(mc, 3*time.Second); err != nil {
				return err
			}
			ctx = mqttclient.WithContext(ctx, mc)

			// Connects the session registry.
			var err error
			reg, err = registry.NewRedis(ctx, redisConfigOptions)
			return err
		},
		Action: func(c *cli.Context) error {
			kind, err := session.KindFromString(sessionType)
			if err != nil {
				return err
			}

			relayClient := relay.NewMQTTClient(ctx, relayConfigOptions)
			orch := session.New(sessionConfig, reg, relayClient, func() (rtc.Transport, error) {
				return rtc.NewPionTransport(webRTCConfigOptions, &logger)
			}, &logger)

			serverCtx, stopServer := context.WithCancel(ctx)
			defer stopServer()
			server := stateapi.New(orch, stateConfigOptions, &logger)
			go func() {
				if err := server.Run(serverCtx); err != nil {
					logger.Err(err).Msg("state API server stopped")
				}
			}()

			if err := orch.Start(ctx, kind, sessionCode); err != nil {
				orch.Cleanup(ctx)
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			<-sigs

			orch.Cleanup(ctx)
			return nil
		},
		After: func(c *cli.Context) error {
			if reg != nil {
				if err := reg.Close(); err != nil {
					logger.Warn().Err(err).Msg("could not close registry")
				}
			}
			if mc != nil {
				mc.Disconnect(250)
			}
			logger.Info().Msg("exits")
			return nil
		},
	}
}

// loadConfigFlag sets a config file path for app command.
// Note: you can't set any other flags' `Required` value to `true`,
// As it conflicts with this flag. You can set only either this flag or specifically the other flags but not both.
func loadConfigFlag() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        configFlagName,
			Aliases:     []string{"c"},
			Usage:       "Config file path",
			Value:       "config/config.toml",
			DefaultText: "config/config.toml",
		},
	}
}

func mqttFlags(options *mqttclient.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.server",
			Usage:       "MQTT server address",
			Value:       "tcp://mosquitto:1883",
			DefaultText: "tcp://mosquitto:1883",
			Destination: &options.Server,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.clientID",
			Usage:       "MQTT client id",
			Value:       "snippets_mobile",
			DefaultText: "snippets_mobile",
			Destination: &options.ClientID,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.username",
			Usage:       "MQTT broker username",
			Value:       "",
			Destination: &options.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.password",
			Usage:       "MQTT broker password",
			Value:       "",
			Destination: &options.Password,
		}),
	}
}

func relayFlags(options *relay.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "relay.topic_prefix",
			Usage:       "MQTT topic prefix for realtime channels",
			Value:       "realtime",
			DefaultText: "realtime",
			Destination: &options.TopicPrefix,
		}),
		altsrc.NewUintFlag(&cli.UintFlag{
			Name:        "relay.qos",
			Usage:       "MQTT qos for channel traffic",
			Value:       1,
			DefaultText: "1",
			Destination: &options.Qos,
		}),
	}
}

func redisFlags(options *registry.RedisConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "redis.addr",
			Usage:       "Redis server address for the session registry",
			Value:       "localhost:6379",
			DefaultText: "localhost:6379",
			Destination: &options.Addr,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "redis.password",
			Usage:       "Redis password",
			Value:       "",
			Destination: &options.Password,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "redis.db",
			Usage:       "Redis database number",
			Value:       0,
			DefaultText: "0",
			Destination: &options.DB,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "redis.session_ttl",
			Usage:       "Expiry for abandoned session rows, 0 keeps them forever",
			Value:       24 * time.Hour,
			DefaultText: "24h",
			Destination: &options.SessionTTL,
		}),
	}
}

func webRTCFlags(options *rtc.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server",
			Usage:       "ICE server address for webRTC",
			Value:       "stun:stun.l.google.com:19302",
			DefaultText: "stun:stun.l.google.com:19302",
			Destination: &options.ICEServer,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server_username",
			Usage:       "ICE server username",
			Value:       "",
			DefaultText: "",
			Destination: &options.ICEUsername,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server_credential",
			Usage:       "ICE server credential",
			Value:       "",
			DefaultText: "",
			Destination: &options.ICECredential,
		}),
	}
}

func sessionFlags(options *session.ConfigOptions, sessionType, sessionCode *string) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "session.owner_id",
			Usage:       "Authenticated user id owning the session",
			Value:       "",
			Destination: &options.OwnerID,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "session.presence_timeout",
			Usage:       "How long to wait for the web client during pairing",
			Value:       2 * time.Minute,
			DefaultText: "2m",
			Destination: &options.PresenceTimeout,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "session.type",
			Usage:       "Session type, screen_recording or code_editor",
			Value:       "screen_recording",
			DefaultText: "screen_recording",
			Destination: sessionType,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "session.code",
			Usage:       "Pairing code to reuse, empty generates a fresh one",
			Value:       "",
			Destination: sessionCode,
		}),
	}
}

func stateServerFlags(options *stateapi.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "state_server.host",
			Usage:       "Host of the session state API server",
			Value:       "127.0.0.1",
			DefaultText: "127.0.0.1",
			Destination: &options.Host,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "state_server.port",
			Usage:       "Port of the session state API server",
			Value:       8080,
			DefaultText: "8080",
			Destination: &options.Port,
		}),
	}
}
