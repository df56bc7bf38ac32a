package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	rtsup "shopd/internal/runtime/supervisor"
	"shopd/internal/task/engine"
	"shopd/pkg/logx"
)

// delayQueueIdle is how long an empty delay queue outlives its TTL.
const delayQueueIdle = time.Minute

type AMQPConfig struct {
	URL         string
	QueuePrefix string
	// Prefetch bounds unacknowledged deliveries per consumer channel.
	Prefetch int
}

// amqpChannel is the subset of *amqp.Channel the broker uses.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type dialedConnection struct{ *amqp.Connection }

func (c dialedConnection) Channel() (amqpChannel, error) { return c.Connection.Channel() }

func dialAMQP(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return dialedConnection{conn}, nil
}

// AMQPBroker routes messages through one durable RabbitMQ queue per named
// queue. Deliveries are acked when the engine finishes them; a failed task
// with retries left is republished with its countdown and the original
// delivery acked.
type AMQPBroker struct {
	cfg  AMQPConfig
	log  logx.Logger
	dial func(url string) (amqpConnection, error)
	now  func() time.Time
	tag  string

	mu       sync.Mutex
	conn     amqpConnection
	pub      amqpChannel
	declared map[string]bool
	sup      *rtsup.Supervisor
}

func NewAMQPBroker(cfg AMQPConfig, log logx.Logger) *AMQPBroker {
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "shopd."
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 4
	}
	return &AMQPBroker{
		cfg:      cfg,
		log:      log.Component("amqp"),
		dial:     dialAMQP,
		now:      time.Now,
		tag:      "shopd-" + uuid.NewString()[:8],
		declared: map[string]bool{},
	}
}

func (b *AMQPBroker) Name() string { return "amqp" }

func (b *AMQPBroker) queueName(q string) string {
	if q == "" {
		q = DefaultQueue
	}
	return b.cfg.QueuePrefix + q
}

// connection returns the shared connection, dialing when needed.
// Call with b.mu held.
func (b *AMQPBroker) connectionLocked() (amqpConnection, error) {
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	conn, err := b.dial(b.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	b.conn = conn
	b.pub = nil
	b.declared = map[string]bool{}
	b.log.Info("amqp connected", logx.String("url", redactURL(b.cfg.URL)))
	return conn, nil
}

func (b *AMQPBroker) channel() (amqpChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, err := b.connectionLocked()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// resetLocked drops the connection so the next use redials.
func (b *AMQPBroker) resetLocked() {
	if b.pub != nil {
		_ = b.pub.Close()
		b.pub = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.declared = map[string]bool{}
}

// Publish sends msg to its queue. A message with a future ETA is parked in
// a per-delay queue whose TTL dead-letters it back to the work queue, so
// waiting messages hold no consumer prefetch slot.
func (b *AMQPBroker) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	name := b.queueName(msg.Queue)
	key := name

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub == nil {
		conn, err := b.connectionLocked()
		if err != nil {
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			b.resetLocked()
			return fmt.Errorf("amqp channel: %w", err)
		}
		b.pub = ch
	}
	if err := b.declareLocked(name, nil); err != nil {
		return err
	}
	if msg.ETA != nil {
		if wait := msg.ETA.Sub(b.now()); wait > 0 {
			key, err = b.declareDelayLocked(name, wait)
			if err != nil {
				return err
			}
		}
	}

	err = b.pub.PublishWithContext(ctx, "", key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.SentAt,
		Type:         msg.Task,
		Body:         body,
	})
	if err != nil {
		b.resetLocked()
		return fmt.Errorf("amqp publish %s: %w", msg.Task, err)
	}
	return nil
}

// Redeliver republishes a retry. It satisfies Redeliverer.
func (b *AMQPBroker) Redeliver(ctx context.Context, msg Message) error {
	return b.Publish(ctx, msg)
}

func (b *AMQPBroker) declareLocked(name string, args amqp.Table) error {
	if b.declared[name] {
		return nil
	}
	if _, err := b.pub.QueueDeclare(name, true, false, false, false, args); err != nil {
		b.resetLocked()
		return fmt.Errorf("amqp declare %s: %w", name, err)
	}
	b.declared[name] = true
	return nil
}

// declareDelayLocked declares the delay queue for wait, rounded up to whole
// seconds so retries share a bounded set of queues. Idle delay queues
// expire on their own.
func (b *AMQPBroker) declareDelayLocked(target string, wait time.Duration) (string, error) {
	secs := int64((wait + time.Second - 1) / time.Second)
	ttl := secs * 1000
	name := target + ".delay." + strconv.FormatInt(secs, 10) + "s"
	err := b.declareLocked(name, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": target,
		"x-message-ttl":             ttl,
		"x-expires":                 ttl + delayQueueIdle.Milliseconds(),
	})
	return name, err
}

// Start consumes each queue in its own restart loop; a lost connection is
// redialed with backoff.
func (b *AMQPBroker) Start(ctx context.Context, queues []string, d Dispatcher) error {
	b.mu.Lock()
	if b.sup != nil {
		b.mu.Unlock()
		return nil
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(b.log), rtsup.WithCancelOnError(false))
	b.sup = sup
	b.mu.Unlock()

	for _, q := range queues {
		name := b.queueName(q)
		sup.GoRestart("consume."+q, func(c context.Context) error {
			return b.consume(c, name, d)
		},
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithStopOnCleanExit(false),
		)
	}
	return nil
}

func (b *AMQPBroker) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.mu.Unlock()

	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	b.mu.Lock()
	b.resetLocked()
	b.mu.Unlock()
	return err
}

func (b *AMQPBroker) consume(ctx context.Context, name string, d Dispatcher) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return b.fail(fmt.Errorf("amqp qos: %w", err))
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return b.fail(fmt.Errorf("amqp declare %s: %w", name, err))
	}
	deliveries, err := ch.Consume(name, b.tag, false, false, false, false, nil)
	if err != nil {
		return b.fail(fmt.Errorf("amqp consume %s: %w", name, err))
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	b.log.Info("consuming", logx.String("queue", name), logx.Int("prefetch", b.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-closed:
			return b.fail(fmt.Errorf("amqp channel closed: %v", e))
		case dlv, ok := <-deliveries:
			if !ok {
				return b.fail(errors.New("amqp deliveries closed"))
			}
			b.handle(ctx, dlv, d)
		}
	}
}

func (b *AMQPBroker) fail(err error) error {
	b.mu.Lock()
	b.resetLocked()
	b.mu.Unlock()
	return err
}

func (b *AMQPBroker) handle(ctx context.Context, dlv amqp.Delivery, d Dispatcher) {
	var msg Message
	if err := json.Unmarshal(dlv.Body, &msg); err != nil || msg.Task == "" {
		b.log.Warn("dropping undecodable message", logx.String("message_id", dlv.MessageId), logx.Err(err))
		_ = dlv.Nack(false, false)
		return
	}

	err := d.Dispatch(ctx, msg, func(err error) { settle(dlv, err) })
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, ErrUnknownTask):
		b.log.Warn("dropping message for unknown task", logx.String("task", msg.Task), logx.String("id", msg.ID))
		_ = dlv.Nack(false, false)
	case errors.Is(err, engine.ErrOverlapSkip), errors.Is(err, engine.ErrCircuitOpen):
		b.log.Debug("periodic run skipped", logx.String("task", msg.Task), logx.String("schedule", msg.Schedule), logx.Err(err))
		_ = dlv.Ack(false)
	default:
		b.log.Warn("message requeued", logx.String("task", msg.Task), logx.String("id", msg.ID), logx.Err(err))
		_ = dlv.Nack(false, true)
	}
}

// settle acks a finished delivery, including one whose retry was already
// republished. Work interrupted by shutdown goes back to the queue.
func settle(dlv amqp.Delivery, err error) {
	if errors.Is(err, engine.ErrStopped) {
		_ = dlv.Nack(false, true)
		return
	}
	_ = dlv.Ack(false)
}

func redactURL(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
