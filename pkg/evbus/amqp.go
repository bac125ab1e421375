// SPDX-License-Identifier: MIT

package evbus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/internal/metrics"
)

// Broker topology defaults. One topic exchange routes live traffic, a second
// one captures dead letters; both survive broker restarts.
const (
	DefaultExchange           = "evbus.events"
	DefaultExchangeType       = "topic"
	DefaultDeadLetterExchange = "evbus.dlx"
	DefaultPrefetch           = 10
	DefaultBrokerMaxRetries   = 3
)

// Wire headers shared with other bus deployments. The delay header is a hint
// for the broker's delayed-message plugin and a no-op without it.
const (
	headerRetryCount = "x-retry-count"
	headerDelay      = "x-delay"
)

var errPublishNacked = errors.New("broker nacked publish confirm")

// AMQPConfig holds RabbitMQ connection and topology configuration. URL takes
// precedence over the discrete fields when both are set.
type AMQPConfig struct {
	URL      string // amqp:// URL, overrides Host/Port/Username/Password/VHost
	Host     string // broker host (default localhost)
	Port     int    // broker port (default 5672)
	Username string // default guest
	Password string // default guest
	VHost    string // default /

	// Exchange is the topic exchange for live routing (default evbus.events).
	Exchange string
	// ExchangeType is the exchange kind (default topic).
	ExchangeType string
	// DeadLetterExchange captures exhausted messages (default evbus.dlx).
	DeadLetterExchange string
	// Prefetch bounds unacknowledged in-flight deliveries per consumer
	// (default 10).
	Prefetch int
	// MaxRetries is the default redelivery budget per message before it is
	// dead-lettered (default 3, yielding 4 delivery attempts). Per-publish
	// RetryAttempts overrides it.
	MaxRetries int
	// Source is the producing service name stamped into envelopes.
	Source string
}

func (c AMQPConfig) brokerURL() string {
	if c.URL != "" {
		return c.URL
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 5672
	}
	user := c.Username
	if user == "" {
		user = "guest"
	}
	pass := c.Password
	if pass == "" {
		pass = "guest"
	}
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(user, pass),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + strings.TrimPrefix(vhost, "/"),
	}
	return u.String()
}

// queueName returns the durable queue for an event name.
func queueName(eventName string) string { return "queue." + eventName }

// deadLetterKey returns the dead-letter routing key for an event name.
func deadLetterKey(eventName string) string { return "dlx." + eventName }

// AMQPBus is the durable-broker adapter. Publishes go through a confirm-mode
// channel into a topic exchange; each subscribed event name gets a durable
// queue wired to a dead-letter exchange, consumed with manual acknowledgment
// and bounded by prefetch. Delivery is at-least-once: consumers must be
// idempotent, and poison messages land in the dead-letter exchange after the
// retry budget is spent.
type AMQPBus struct {
	*core
	cfg AMQPConfig

	stateMu sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	conCh   *amqp.Channel

	qMu       sync.Mutex
	consumerT map[string]string
	consumers sync.WaitGroup

	attempts *attemptLedger
}

// NewAMQPBus constructs the adapter. Initialize dials the broker and asserts
// the exchange topology.
func NewAMQPBus(cfg AMQPConfig, logger zerolog.Logger) *AMQPBus {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = DefaultExchangeType
	}
	if cfg.DeadLetterExchange == "" {
		cfg.DeadLetterExchange = DefaultDeadLetterExchange
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultBrokerMaxRetries
	}
	b := &AMQPBus{cfg: cfg, attempts: newAttemptLedger()}
	b.core = newCore(TypeBroker, cfg.Source, b, logger)
	return b
}

var _ EventBus = (*AMQPBus)(nil)

// Initialize dials the broker, opens the confirm-mode publish channel and the
// prefetch-bounded consume channel, and declares both exchanges. Failures are
// reported as *ConnectionError and leave the adapter uninitialized.
func (b *AMQPBus) Initialize(ctx context.Context) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.isInitialized() {
		return nil
	}

	conn, err := amqp.Dial(b.cfg.brokerURL())
	if err != nil {
		return &ConnectionError{Adapter: TypeBroker, Err: fmt.Errorf("dial: %w", err)}
	}

	pubCh, err := conn.Channel()
	if err == nil {
		err = pubCh.Confirm(false)
	}
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Adapter: TypeBroker, Err: fmt.Errorf("publish channel: %w", err)}
	}

	conCh, err := conn.Channel()
	if err == nil {
		err = conCh.Qos(b.cfg.Prefetch, 0, false)
	}
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Adapter: TypeBroker, Err: fmt.Errorf("consume channel: %w", err)}
	}

	if err := pubCh.ExchangeDeclare(b.cfg.Exchange, b.cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return &ConnectionError{Adapter: TypeBroker, Err: fmt.Errorf("declare exchange %s: %w", b.cfg.Exchange, err)}
	}
	if err := pubCh.ExchangeDeclare(b.cfg.DeadLetterExchange, DefaultExchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return &ConnectionError{Adapter: TypeBroker, Err: fmt.Errorf("declare dead-letter exchange %s: %w", b.cfg.DeadLetterExchange, err)}
	}

	b.conn = conn
	b.pubCh = pubCh
	b.conCh = conCh
	b.consumerT = make(map[string]string)

	b.markInitialized()
	b.logger.Info().
		Str(log.FieldEvent, "bus.initialized").
		Str(log.FieldAdapter, TypeBroker).
		Str(log.FieldExchange, b.cfg.Exchange).
		Str("dead_letter_exchange", b.cfg.DeadLetterExchange).
		Int("prefetch", b.cfg.Prefetch).
		Msg("durable broker bus ready")
	return nil
}

// Cleanup cancels every consumer, waits for in-flight deliveries, closes the
// channels and the connection, and resets counters and the attempts ledger.
// It never fails and may run twice.
func (b *AMQPBus) Cleanup(ctx context.Context) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if !b.isInitialized() {
		return nil
	}

	b.qMu.Lock()
	tags := b.consumerT
	b.consumerT = make(map[string]string)
	b.qMu.Unlock()
	for name, tag := range tags {
		if err := b.conCh.Cancel(tag, false); err != nil {
			b.logger.Warn().Err(err).
				Str(log.FieldEvent, "bus.consumer_cancel_failed").
				Str(log.FieldEventName, name).
				Msg("failed to cancel consumer")
		}
	}
	b.consumers.Wait()

	if err := b.conCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.logger.Warn().Err(err).Msg("failed to close consume channel")
	}
	if err := b.pubCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.logger.Warn().Err(err).Msg("failed to close publish channel")
	}
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.logger.Warn().Err(err).Msg("failed to close broker connection")
	}

	b.attempts.reset()
	b.markClosed()
	b.logger.Info().
		Str(log.FieldEvent, "bus.cleaned_up").
		Str(log.FieldAdapter, TypeBroker).
		Msg("durable broker bus stopped")
	return nil
}

// Health reports connection and channel liveness. A dropped connection on an
// initialized adapter is degraded rather than unhealthy: the broker retains
// the durable queues and a restart of this process resumes consumption.
func (b *AMQPBus) Health(ctx context.Context) Health {
	if !b.isInitialized() {
		return b.healthSnapshot(StatusUnhealthy, map[string]any{"reason": "not initialized"})
	}

	details := map[string]any{
		"exchange":           b.cfg.Exchange,
		"deadLetterExchange": b.cfg.DeadLetterExchange,
		"prefetch":           b.cfg.Prefetch,
		"queues":             b.queueCount(),
	}

	status := StatusHealthy
	switch {
	case b.conn.IsClosed():
		details["connection"] = "closed"
		status = StatusDegraded
	case b.pubCh.IsClosed() || b.conCh.IsClosed():
		details["connection"] = "open"
		details["channel"] = "closed"
		status = StatusDegraded
	default:
		details["connection"] = "open"
	}
	return b.healthSnapshot(status, details)
}

// Type reports the adapter identifier.
func (b *AMQPBus) Type() string { return TypeBroker }

func (b *AMQPBus) queueCount() int {
	b.qMu.Lock()
	defer b.qMu.Unlock()
	return len(b.consumerT)
}

// doPublish serializes the envelope and publishes it through the confirm
// channel. The call returns once the broker confirms; a nacked confirm is a
// publish failure surfaced to the caller.
func (b *AMQPBus) doPublish(ctx context.Context, env *envelope) error {
	payload, err := env.encode()
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     env.EventID,
		Type:          env.EventName,
		AppId:         env.Source,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.Timestamp,
		DeliveryMode:  amqp.Transient,
		Headers:       amqp.Table{headerRetryCount: int32(0)},
		Body:          payload,
	}
	if opts := env.options(); opts != nil {
		if opts.Persistent {
			pub.DeliveryMode = amqp.Persistent
		}
		pub.Priority = opts.Priority
		if opts.TTL > 0 {
			pub.Expiration = strconv.FormatInt(opts.TTL.Milliseconds(), 10)
		}
		if opts.Delay > 0 {
			pub.Headers[headerDelay] = opts.Delay.Milliseconds()
		}
	}

	dc, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, b.cfg.Exchange, env.EventName, false, false, pub)
	if err != nil {
		return err
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return errPublishNacked
	}
	return nil
}

// doSubscribe asserts the durable queue for an event name, binds it to the
// exchange and starts a manual-ack consumer. The queue's dead-letter
// arguments route exhausted messages to the dead-letter exchange under
// dlx.<eventName>.
func (b *AMQPBus) doSubscribe(ctx context.Context, eventName string) error {
	queue := queueName(eventName)
	args := amqp.Table{
		"x-dead-letter-exchange":    b.cfg.DeadLetterExchange,
		"x-dead-letter-routing-key": deadLetterKey(eventName),
	}
	if _, err := b.conCh.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return &ConnectionError{Adapter: TypeBroker, Err: fmt.Errorf("declare queue %s: %w", queue, err)}
	}
	if err := b.conCh.QueueBind(queue, eventName, b.cfg.Exchange, false, nil); err != nil {
		return &ConnectionError{Adapter: TypeBroker, Err: fmt.Errorf("bind queue %s: %w", queue, err)}
	}

	tag := fmt.Sprintf("evbus.%s.%d", eventName, time.Now().UnixNano())
	deliveries, err := b.conCh.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return &ConnectionError{Adapter: TypeBroker, Err: fmt.Errorf("consume queue %s: %w", queue, err)}
	}

	b.qMu.Lock()
	b.consumerT[eventName] = tag
	b.qMu.Unlock()

	b.consumers.Add(1)
	go b.consume(eventName, deliveries)

	b.logger.Debug().
		Str(log.FieldEvent, "bus.queue_bound").
		Str(log.FieldEventName, eventName).
		Str(log.FieldQueue, queue).
		Str(log.FieldExchange, b.cfg.Exchange).
		Msg("durable queue bound")
	return nil
}

// doUnsubscribe cancels the consumer for an event name. The durable queue and
// its binding stay declared so messages keep accumulating for the next
// subscriber; that is the at-least-once contract of this adapter.
func (b *AMQPBus) doUnsubscribe(ctx context.Context, eventName string) error {
	b.qMu.Lock()
	tag, ok := b.consumerT[eventName]
	delete(b.consumerT, eventName)
	b.qMu.Unlock()
	if !ok {
		return nil
	}

	b.logger.Debug().
		Str(log.FieldEvent, "bus.queue_released").
		Str(log.FieldEventName, eventName).
		Str(log.FieldQueue, queueName(eventName)).
		Msg("consumer cancelled")
	return b.conCh.Cancel(tag, false)
}

// consume drains one queue until its consumer is cancelled or the channel
// closes.
func (b *AMQPBus) consume(eventName string, deliveries <-chan amqp.Delivery) {
	defer b.consumers.Done()
	for d := range deliveries {
		b.handleDelivery(eventName, d)
	}
}

// handleDelivery executes the handler set for one delivery and settles it:
// ack on success, nack-with-requeue while the retry budget lasts, and
// nack-without-requeue afterwards so the broker dead-letters the message.
func (b *AMQPBus) handleDelivery(eventName string, d amqp.Delivery) {
	env, err := decodeEnvelope(d.Body)
	if err != nil {
		// Undecodable payloads can never succeed; dead-letter immediately.
		b.stats.errors.Add(1)
		metrics.IncDropped(TypeBroker, "decode_error")
		b.logger.Warn().Err(err).
			Str(log.FieldEvent, "bus.decode_failed").
			Str(log.FieldQueue, queueName(eventName)).
			Msg("dead-lettering undecodable message")
		b.settle(d, false)
		return
	}

	if env.expired(time.Now()) {
		metrics.IncDropped(TypeBroker, "ttl_expired")
		b.logger.Debug().
			Str(log.FieldEvent, "bus.ttl_expired").
			Str(log.FieldEventName, env.EventName).
			Str(log.FieldEventID, env.EventID).
			Msg("discarding expired event")
		if ackErr := d.Ack(false); ackErr != nil {
			b.logger.Warn().Err(ackErr).Msg("failed to ack expired message")
		}
		return
	}

	seed := headerInt(d.Headers[headerRetryCount])
	env.deliveryAttempt = b.attempts.peek(env.EventID, seed) + 1

	failures := b.executeHandlers(context.Background(), env)
	if len(failures) == 0 {
		b.attempts.clear(env.EventID)
		if ackErr := d.Ack(false); ackErr != nil {
			b.logger.Warn().Err(ackErr).
				Str(log.FieldEventID, env.EventID).
				Msg("failed to ack delivery")
		}
		return
	}

	retries := b.attempts.fail(env.EventID, seed)
	maxRetries := b.cfg.MaxRetries
	if opts := env.options(); opts != nil && opts.RetryAttempts > 0 {
		maxRetries = opts.RetryAttempts
	}

	if retries > maxRetries {
		b.attempts.clear(env.EventID)
		metrics.IncDropped(TypeBroker, "dead_lettered")
		b.logger.Warn().
			Str(log.FieldEvent, "bus.dead_lettered").
			Str(log.FieldEventName, env.EventName).
			Str(log.FieldEventID, env.EventID).
			Int(log.FieldAttempt, env.deliveryAttempt).
			Str("dead_letter_key", deadLetterKey(env.EventName)).
			Msg("retry budget exhausted, dead-lettering")
		b.settle(d, false)
		return
	}

	metrics.IncRetry(TypeBroker, env.EventName)
	b.logger.Warn().
		Str(log.FieldEvent, "bus.redelivery_scheduled").
		Str(log.FieldEventName, env.EventName).
		Str(log.FieldEventID, env.EventID).
		Int(log.FieldAttempt, env.deliveryAttempt).
		Int("retries_left", maxRetries-retries).
		Msg("handler set failed, requeueing")
	b.settle(d, true)
}

func (b *AMQPBus) settle(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		b.logger.Warn().Err(err).
			Bool("requeue", requeue).
			Msg("failed to nack delivery")
	}
}

// headerInt coerces an AMQP table value into an int. Brokers and clients
// disagree on the numeric type headers deserialize to.
func headerInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// attemptLedger tracks failed delivery counts per event ID. Basic nack-with-
// requeue does not mutate message headers, so the count lives here, seeded
// from the x-retry-count header when a message arrives with prior history.
// Entries are cleared on ack and on final nack; stale entries from messages
// that never return are swept once the ledger grows past its high-water mark.
type attemptLedger struct {
	mu      sync.Mutex
	entries map[string]attemptEntry
}

type attemptEntry struct {
	failures int
	at       time.Time
}

const (
	ledgerSweepSize = 4096
	ledgerMaxAge    = time.Hour
)

func newAttemptLedger() *attemptLedger {
	return &attemptLedger{entries: make(map[string]attemptEntry)}
}

// peek returns the failures recorded so far without mutating the ledger.
func (l *attemptLedger) peek(eventID string, seed int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[eventID]; ok {
		return e.failures
	}
	return seed
}

// fail records one more failed delivery and returns the running count.
func (l *attemptLedger) fail(eventID string, seed int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[eventID]
	if !ok {
		e = attemptEntry{failures: seed}
	}
	e.failures++
	e.at = time.Now()
	l.entries[eventID] = e

	if len(l.entries) > ledgerSweepSize {
		l.sweepLocked()
	}
	return e.failures
}

func (l *attemptLedger) clear(eventID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, eventID)
}

func (l *attemptLedger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]attemptEntry)
}

func (l *attemptLedger) sweepLocked() {
	cutoff := time.Now().Add(-ledgerMaxAge)
	for id, e := range l.entries {
		if e.at.Before(cutoff) {
			delete(l.entries, id)
		}
	}
}

func (l *attemptLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
