// SPDX-License-Identifier: MIT

package evbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/internal/metrics"
)

// DefaultKeyPrefix namespaces bus traffic on a shared Redis instance.
const DefaultKeyPrefix = "events:"

const (
	redisDialTimeout  = 5 * time.Second
	redisReadTimeout  = 3 * time.Second
	redisWriteTimeout = 3 * time.Second
	redisPingTimeout  = 2 * time.Second
)

// RedisConfig holds Redis connection configuration. URL takes precedence over
// the discrete host fields when both are set.
type RedisConfig struct {
	URL      string // redis:// URL, overrides Host/Port/Password/DB
	Host     string // Redis server host (default localhost)
	Port     int    // Redis server port (default 6379)
	Password string // Redis password (optional)
	DB       int    // Redis database number

	// KeyPrefix is prepended to event names to form channel names
	// (default "events:").
	KeyPrefix string
	// MaxRetriesPerRequest caps command retries inside the client.
	MaxRetriesPerRequest int
	// Source is the producing service name stamped into envelopes.
	Source string
}

func (c RedisConfig) addr() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// RedisBus is the Redis pub/sub adapter. It keeps two clients: one for
// PUBLISH and one exclusively for SUBSCRIBE fan-in, because a subscribed
// connection cannot issue regular commands. Delivery is at-most-once and
// best-effort: a message published while no process is subscribed is lost,
// and nothing is persisted or replayed.
type RedisBus struct {
	*core
	cfg RedisConfig

	stateMu sync.Mutex
	pub     *redis.Client
	sub     *redis.Client
	timers  *timerSet

	psMu      sync.Mutex
	pubsubs   map[string]*redis.PubSub
	consumers sync.WaitGroup
}

// NewRedisBus constructs the adapter. Initialize opens the connections.
func NewRedisBus(cfg RedisConfig, logger zerolog.Logger) *RedisBus {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	r := &RedisBus{cfg: cfg}
	r.core = newCore(TypePubSub, cfg.Source, r, logger)
	return r
}

var _ EventBus = (*RedisBus)(nil)

func (r *RedisBus) clientOptions() (*redis.Options, error) {
	if r.cfg.URL != "" {
		opts, err := redis.ParseURL(r.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.MaxRetries = r.cfg.MaxRetriesPerRequest
		return opts, nil
	}
	return &redis.Options{
		Addr:         r.cfg.addr(),
		Password:     r.cfg.Password,
		DB:           r.cfg.DB,
		MaxRetries:   r.cfg.MaxRetriesPerRequest,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisReadTimeout,
		WriteTimeout: redisWriteTimeout,
		PoolSize:     10,
		MinIdleConns: 5,
	}, nil
}

// Initialize opens the publish and subscribe connections and verifies both
// with a PING. A failure is reported as *ConnectionError and leaves the
// adapter uninitialized.
func (r *RedisBus) Initialize(ctx context.Context) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.isInitialized() {
		return nil
	}

	opts, err := r.clientOptions()
	if err != nil {
		return &ConnectionError{Adapter: TypePubSub, Err: err}
	}

	pub := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	for _, client := range []*redis.Client{pub, sub} {
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = sub.Close()
			_ = pub.Close()
			return &ConnectionError{Adapter: TypePubSub, Err: err}
		}
	}

	r.pub = pub
	r.sub = sub
	r.pubsubs = make(map[string]*redis.PubSub)
	r.timers = newTimerSet()

	r.markInitialized()
	r.logger.Info().
		Str(log.FieldEvent, "bus.initialized").
		Str(log.FieldAdapter, TypePubSub).
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Str("key_prefix", r.cfg.KeyPrefix).
		Msg("redis pub/sub bus ready")
	return nil
}

// Cleanup cancels pending delayed publishes, closes every channel
// subscription, waits for the consumer goroutines and closes both clients.
// It never fails and may run twice.
func (r *RedisBus) Cleanup(ctx context.Context) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if !r.isInitialized() {
		return nil
	}

	r.timers.stopAll()

	r.psMu.Lock()
	pubsubs := r.pubsubs
	r.pubsubs = make(map[string]*redis.PubSub)
	r.psMu.Unlock()
	for name, ps := range pubsubs {
		if err := ps.Close(); err != nil {
			r.logger.Warn().Err(err).
				Str(log.FieldEvent, "bus.channel_close_failed").
				Str(log.FieldEventName, name).
				Msg("failed to close channel subscription")
		}
	}
	r.consumers.Wait()

	if err := r.sub.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to close subscribe client")
	}
	if err := r.pub.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to close publish client")
	}

	r.markClosed()
	r.logger.Info().
		Str(log.FieldEvent, "bus.cleaned_up").
		Str(log.FieldAdapter, TypePubSub).
		Msg("redis pub/sub bus stopped")
	return nil
}

// Health pings both connections. One side down degrades the adapter, both
// down make it unhealthy; either way the report never fails.
func (r *RedisBus) Health(ctx context.Context) Health {
	if !r.isInitialized() {
		return r.healthSnapshot(StatusUnhealthy, map[string]any{"reason": "not initialized"})
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	details := map[string]any{
		"keyPrefix": r.cfg.KeyPrefix,
		"channels":  r.channelCount(),
	}

	up := 0
	if err := r.pub.Ping(pingCtx).Err(); err != nil {
		details["publisher"] = err.Error()
	} else {
		details["publisher"] = "up"
		up++
	}
	if err := r.sub.Ping(pingCtx).Err(); err != nil {
		details["subscriber"] = err.Error()
	} else {
		details["subscriber"] = "up"
		up++
	}

	status := StatusHealthy
	switch up {
	case 0:
		status = StatusUnhealthy
	case 1:
		status = StatusDegraded
	}
	return r.healthSnapshot(status, details)
}

// Type reports the adapter identifier.
func (r *RedisBus) Type() string { return TypePubSub }

func (r *RedisBus) channelName(eventName string) string {
	return r.cfg.KeyPrefix + eventName
}

func (r *RedisBus) channelCount() int {
	r.psMu.Lock()
	defer r.psMu.Unlock()
	return len(r.pubsubs)
}

// doPublish serializes the envelope and PUBLISHes it to the event's channel.
// Redis pub/sub has no native delay, so Delay>0 defers the PUBLISH with an
// in-process timer; deferred publishes do not survive Cleanup.
func (r *RedisBus) doPublish(ctx context.Context, env *envelope) error {
	payload, err := env.encode()
	if err != nil {
		return err
	}

	opts := env.options()
	if opts != nil && opts.Delay > 0 {
		if !r.timers.schedule(opts.Delay, func() { r.publishDeferred(env.EventName, env.EventID, payload) }) {
			return &NotInitializedError{Adapter: TypePubSub}
		}
		r.logger.Debug().
			Str(log.FieldEvent, "bus.publish_delayed").
			Str(log.FieldEventName, env.EventName).
			Str(log.FieldEventID, env.EventID).
			Int64(log.FieldDelay, opts.Delay.Milliseconds()).
			Msg("publish deferred")
		return nil
	}

	return r.pub.Publish(ctx, r.channelName(env.EventName), payload).Err()
}

// publishDeferred runs from a timer callback, after the publisher's call has
// already returned. Failures are counted and logged instead of surfaced.
func (r *RedisBus) publishDeferred(eventName, eventID string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	if err := r.pub.Publish(ctx, r.channelName(eventName), payload).Err(); err != nil {
		r.stats.errors.Add(1)
		metrics.IncPublishError(TypePubSub, eventName)
		r.logger.Error().Err(err).
			Str(log.FieldEvent, "bus.deferred_publish_failed").
			Str(log.FieldEventName, eventName).
			Str(log.FieldEventID, eventID).
			Msg("deferred publish failed")
	}
}

// doSubscribe opens the channel subscription for an event name. It waits for
// the server's subscribe confirmation so a publish issued right after
// Subscribe returns is already routed to this consumer.
func (r *RedisBus) doSubscribe(ctx context.Context, eventName string) error {
	channel := r.channelName(eventName)
	ps := r.sub.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return &ConnectionError{Adapter: TypePubSub, Err: fmt.Errorf("subscribe %s: %w", channel, err)}
	}

	r.psMu.Lock()
	r.pubsubs[eventName] = ps
	r.psMu.Unlock()

	r.consumers.Add(1)
	go r.consume(eventName, ps)

	r.logger.Debug().
		Str(log.FieldEvent, "bus.channel_opened").
		Str(log.FieldEventName, eventName).
		Str(log.FieldChannel, channel).
		Msg("channel subscription opened")
	return nil
}

// doUnsubscribe closes the channel subscription after the last handler for
// the name is removed. The consumer goroutine drains and exits on its own.
func (r *RedisBus) doUnsubscribe(ctx context.Context, eventName string) error {
	r.psMu.Lock()
	ps, ok := r.pubsubs[eventName]
	delete(r.pubsubs, eventName)
	r.psMu.Unlock()
	if !ok {
		return nil
	}

	r.logger.Debug().
		Str(log.FieldEvent, "bus.channel_closed").
		Str(log.FieldEventName, eventName).
		Str(log.FieldChannel, r.channelName(eventName)).
		Msg("channel subscription closed")
	return ps.Close()
}

// consume reads inbound messages for one event name until the subscription
// closes. Messages are parsed, TTL-checked and fanned out through the shared
// dispatcher; handler outcomes are resolved there.
func (r *RedisBus) consume(eventName string, ps *redis.PubSub) {
	defer r.consumers.Done()
	for msg := range ps.Channel() {
		env, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			r.stats.errors.Add(1)
			metrics.IncDropped(TypePubSub, "decode_error")
			r.logger.Warn().Err(err).
				Str(log.FieldEvent, "bus.decode_failed").
				Str(log.FieldChannel, msg.Channel).
				Msg("dropping undecodable message")
			continue
		}
		if env.expired(time.Now()) {
			metrics.IncDropped(TypePubSub, "ttl_expired")
			r.logger.Debug().
				Str(log.FieldEvent, "bus.ttl_expired").
				Str(log.FieldEventName, env.EventName).
				Str(log.FieldEventID, env.EventID).
				Msg("dropping expired event")
			continue
		}

		env.deliveryAttempt++
		r.executeHandlers(context.Background(), env)
	}
}
