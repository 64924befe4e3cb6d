package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/monstermq/monstermq"
	"github.com/monstermq/monstermq/auth"
	"github.com/monstermq/monstermq/bus"
	"github.com/monstermq/monstermq/cluster"
	"github.com/monstermq/monstermq/store/kafkasink"
	"github.com/monstermq/monstermq/store/mongostore"
	"github.com/monstermq/monstermq/store/pgstore"
	"github.com/monstermq/monstermq/store/redisstore"
)

type config struct {
	NodeID   string `env:"NODE_ID"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	MQTTURL string `env:"MQTT_URL" envDefault:"mqtt://:1883"`
	TLSURL  string `env:"MQTTS_URL"`
	WSURL   string `env:"WS_URL"`
	HTTPURL string `env:"HTTP_URL" envDefault:"http://:8080"`

	CertFile string `env:"TLS_CERT_FILE"`
	KeyFile  string `env:"TLS_KEY_FILE"`

	MaxPacketSize     uint32 `env:"MAX_PACKET_SIZE" envDefault:"524288"`
	ReceiveMaximum    uint16 `env:"RECEIVE_MAXIMUM" envDefault:"100"`
	TopicAliasMaximum uint16 `env:"TOPIC_ALIAS_MAXIMUM" envDefault:"10"`
	MaxSessionExpiry  uint32 `env:"MAX_SESSION_EXPIRY"`
	MaxKeepAlive      uint16 `env:"MAX_KEEPALIVE"`
	QueuedMessagesMax int    `env:"QUEUED_MESSAGES_MAX"`

	DisconnectOnUnauthorized bool `env:"DISCONNECT_ON_UNAUTHORIZED"`

	PostgresDSN string `env:"POSTGRES_DSN"`
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisPass   string `env:"REDIS_PASSWORD"`
	RedisDB     int    `env:"REDIS_DB"`
	NatsURL     string `env:"NATS_URL"`
	MongoURI    string `env:"MONGODB_URI"`
	MongoDB     string `env:"MONGODB_DATABASE" envDefault:"monstermq"`

	// Archive groups, e.g. "sensors=sensor/#,factory/+/telemetry".
	ArchiveGroup        string   `env:"ARCHIVE_GROUP"`
	ArchiveEnabled      bool     `env:"ARCHIVE_ENABLED" envDefault:"true"`
	ArchiveFilters      []string `env:"ARCHIVE_FILTERS" envSeparator:","`
	ArchiveRetainedOnly bool     `env:"ARCHIVE_RETAINED_ONLY"`
	ArchiveRetention    string   `env:"ARCHIVE_RETENTION"`
	ArchiveSink      string   `env:"ARCHIVE_SINK" envDefault:"postgres"` // postgres, mongodb, kafka
	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string   `env:"KAFKA_TOPIC" envDefault:"monstermq-archive"`

	AuthRefresh time.Duration `env:"AUTH_REFRESH" envDefault:"60s"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("parse environment")
	}
	if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, cleanup, err := buildCollaborators(ctx, &cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("wire backends")
	}
	defer cleanup()

	s, err := monstermq.NewServer(ctx, monstermq.Config{
		NodeID:                   cfg.NodeID,
		MaxPacketSize:            cfg.MaxPacketSize,
		ReceiveMaximum:           cfg.ReceiveMaximum,
		TopicAliasMaximum:        cfg.TopicAliasMaximum,
		MaxSessionExpiry:         cfg.MaxSessionExpiry,
		MaxKeepAlive:             cfg.MaxKeepAlive,
		QueuedMessagesMax:        cfg.QueuedMessagesMax,
		DisconnectOnUnauthorized: cfg.DisconnectOnUnauthorized,
	}, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("start broker")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.ListenAndServe(cfg.MQTTURL)
	})
	group.Go(func() error {
		if cfg.TLSURL == "" {
			return nil
		}
		return s.ListenAndServeTLS(cfg.TLSURL, cfg.CertFile, cfg.KeyFile)
	})
	group.Go(func() error {
		if cfg.WSURL == "" {
			return nil
		}
		return s.ListenAndServeWebsocket(cfg.WSURL)
	})
	group.Go(func() error {
		if cfg.HTTPURL == "" {
			return nil
		}
		return monstermq.Httpd(ctx, cfg.HTTPURL)
	})
	if err := group.Wait(); err != nil {
		log.Fatal().Err(err).Msg("broker stopped")
	}
}

// buildCollaborators wires the configured backends: Postgres for sessions,
// users and archives, Redis for retained state and cluster coordination,
// NATS for the bus, MongoDB or Kafka as alternative archive sinks.
func buildCollaborators(ctx context.Context, cfg *config) ([]monstermq.ServerOption, func(), error) {
	var opts []monstermq.ServerOption
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var pg *pgstore.Store
	if cfg.PostgresDSN != "" {
		var err error
		pg, err = pgstore.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, pg.Close)
		opts = append(opts, monstermq.WithSessionStore(pg))
		opts = append(opts, monstermq.WithMetricsStore(pg))
		opts = append(opts, monstermq.WithAuthenticator(auth.NewAuthenticator(pgstore.NewUsers(pg), cfg.AuthRefresh)))
	}

	if cfg.RedisAddr != "" {
		retained, err := redisstore.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = retained.Close() })
		opts = append(opts, monstermq.WithRetainedStore(retained))

		coord, err := cluster.NewRedis(cfg.NodeID, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = coord.Close() })
		opts = append(opts, monstermq.WithCoordinator(coord))
	}

	if cfg.NatsURL != "" {
		b, err := bus.ConnectNats(cfg.NatsURL, "monstermq-"+cfg.NodeID)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = b.Close() })
		opts = append(opts, monstermq.WithBus(b))
	}

	if cfg.ArchiveGroup != "" {
		group := &monstermq.ArchiveGroup{
			Name:         cfg.ArchiveGroup,
			Enabled:      cfg.ArchiveEnabled,
			Filters:      cfg.ArchiveFilters,
			RetainedOnly: cfg.ArchiveRetainedOnly,
		}
		if cfg.ArchiveRetention != "" {
			retention, err := monstermq.ParseRetention(cfg.ArchiveRetention)
			if err != nil {
				return nil, cleanup, err
			}
			group.Retention = retention
		}
		switch cfg.ArchiveSink {
		case "postgres":
			if pg == nil {
				log.Warn().Msg("archive sink postgres selected without POSTGRES_DSN, using memory")
				group.Store = monstermq.NewMemoryArchiveStore()
				break
			}
			group.Store = pgstore.NewArchive(pg)
		case "mongodb":
			ms, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
			if err != nil {
				return nil, cleanup, err
			}
			closers = append(closers, func() { _ = ms.Close(context.Background()) })
			archive, err := ms.NewArchive(ctx, cfg.ArchiveGroup)
			if err != nil {
				return nil, cleanup, err
			}
			lastValue, err := ms.NewLastValue(ctx, cfg.ArchiveGroup+"_lastval")
			if err != nil {
				return nil, cleanup, err
			}
			group.Store = archive
			group.LastValue = lastValue
		case "kafka":
			sink := kafkasink.New(cfg.KafkaBrokers, cfg.KafkaTopic)
			closers = append(closers, func() { _ = sink.Close() })
			group.Store = sink
		default:
			group.Store = monstermq.NewMemoryArchiveStore()
		}
		opts = append(opts, monstermq.WithArchiver(monstermq.NewArchiver(group)))
	}

	return opts, cleanup, nil
}
