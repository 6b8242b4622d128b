package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const connectTimeout = 3 * time.Second

// RedisConfigOptions is config options for the Redis-backed registry.
type RedisConfigOptions struct {
	Addr     string
	Password string
	DB       int

	// SessionTTL bounds how long an abandoned session row lingers.
	// Zero means no expiry.
	SessionTTL time.Duration
}

// RedisRegistry stores each session as a hash under session:<code>.
type RedisRegistry struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies connectivity.
func NewRedis(ctx context.Context, config RedisConfigOptions) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}

	return &RedisRegistry{
		client: client,
		logger: log.Ctx(ctx).With().Str("component", "registry").Logger(),
		ttl:    config.SessionTTL,
	}, nil
}

func sessionKey(code string) string {
	return "session:" + code
}

// Create implements Registry. HSetNX on the code field doubles as the
// uniqueness check: losing the race surfaces ErrCodeTaken.
func (r *RedisRegistry) Create(ctx context.Context, s *Session) error {
	key := sessionKey(s.Code)

	set, err := r.client.HSetNX(ctx, key, "code", s.Code).Result()
	if err != nil {
		return fmt.Errorf("could not insert session: %w", err)
	}
	if !set {
		return ErrCodeTaken
	}

	if err := r.client.HSet(ctx, key,
		"owner_id", s.OwnerID,
		"type", string(s.Type),
		"status", string(s.Status),
		"created_at", s.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("could not write session fields: %w", err)
	}

	if r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			r.logger.Warn().Err(err).Str("code", s.Code).Msg("could not set session expiry")
		}
	}

	r.logger.Debug().Str("code", s.Code).Str("type", string(s.Type)).Msg("created session")
	return nil
}

// UpdateStatus implements Registry.
func (r *RedisRegistry) UpdateStatus(ctx context.Context, code string, status Status) error {
	key := sessionKey(code)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("could not check session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := r.client.HSet(ctx, key, "status", string(status)).Err(); err != nil {
		return fmt.Errorf("could not update session status: %w", err)
	}
	return nil
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, code string) (*Session, error) {
	fields, err := r.client.HGetAll(ctx, sessionKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("could not read session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return sessionFromFields(fields)
}

// Close releases the Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func sessionFromFields(fields map[string]string) (*Session, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("could not parse created_at: %w", err)
	}
	return &Session{
		Code:      fields["code"],
		OwnerID:   fields["owner_id"],
		Type:      SessionType(fields["type"]),
		Status:    Status(fields["status"]),
		CreatedAt: createdAt,
	}, nil
}
