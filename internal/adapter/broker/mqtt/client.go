package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/observability"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// Handler consumes one ingress message. Handlers must return promptly;
// slow consumers cost them their oldest buffered messages, never the
// adapter's socket.
type Handler func(topic string, payload []byte)

// Will configures the Last-Will-and-Testament announced by the broker when
// the client disconnects ungracefully.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Options configures a Client.
type Options struct {
	URL      string
	Username string
	Password string
	ClientID string

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	JitterFrac     float64

	// IngressBuffer bounds each subscription's channel; zero means 128.
	IngressBuffer int
	// OutboundBuffer bounds the publish queue; zero means 256.
	OutboundBuffer int

	Will *Will
}

type subscription struct {
	pattern string
	handler Handler
	buf     chan ingressMsg
}

type ingressMsg struct {
	topic   string
	payload []byte
}

type outMsg struct {
	topic   string
	payload []byte
	qos     byte
}

// connector is the narrow slice of paho.Client the adapter uses; tests
// substitute a fake.
type connector interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Client is the process-wide broker adapter. One background goroutine owns
// the socket for writes; publishers only enqueue.
type Client struct {
	opts Options
	log  *slog.Logger

	newConn func(onConnect func(), onLost func(error)) connector

	mu    sync.Mutex
	conn  connector
	subs  []*subscription
	ready chan struct{}

	// Outbound queue. A deque rather than a channel so overflow can evict the
	// oldest entry of the same topic instead of whatever sits at the head.
	outMu  sync.Mutex
	outq   []outMsg
	outCap int
	outSig chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewClient builds a Client over a real paho connection.
func NewClient(opts Options, log *slog.Logger) *Client {
	c := newClient(opts, log)
	c.newConn = func(onConnect func(), onLost func(error)) connector {
		po := paho.NewClientOptions().
			AddBroker(opts.URL).
			SetClientID(opts.ClientID).
			SetUsername(opts.Username).
			SetPassword(opts.Password).
			SetAutoReconnect(false).
			SetCleanSession(true).
			SetKeepAlive(15 * time.Second).
			SetOnConnectHandler(func(paho.Client) { onConnect() }).
			SetConnectionLostHandler(func(_ paho.Client, err error) { onLost(err) })
		if opts.Will != nil {
			po.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, opts.Will.QoS, opts.Will.Retained)
		}
		return paho.NewClient(po)
	}
	return c
}

func newClient(opts Options, log *slog.Logger) *Client {
	if opts.IngressBuffer <= 0 {
		opts.IngressBuffer = 128
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 256
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 120 * time.Second
	}
	if opts.JitterFrac <= 0 {
		opts.JitterFrac = 0.2
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		opts:    opts,
		log:     log,
		outCap:  opts.OutboundBuffer,
		outSig:  make(chan struct{}, 1),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Subscribe registers a handler for a topic pattern. It must be called before
// Run; subscriptions are (re)established on every connect.
func (c *Client) Subscribe(pattern string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, &subscription{
		pattern: pattern,
		handler: h,
		buf:     make(chan ingressMsg, c.opts.IngressBuffer),
	})
}

// Publish enqueues a message for the wire. It never blocks on the socket;
// when the outbound queue is full the oldest queued message on the same topic
// is dropped and counted, so a flood on one stream cannot evict another
// stream's samples. Only when no same-topic entry is queued does the global
// head go.
func (c *Client) Publish(ctx domain.Context, topic string, payload []byte, qos byte) error {
	select {
	case <-c.stopped:
		return fmt.Errorf("op=mqtt.Publish: %w", domain.ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.outMu.Lock()
	if len(c.outq) >= c.outCap {
		victim := 0
		for i, q := range c.outq {
			if q.topic == topic {
				victim = i
				break
			}
		}
		observability.BrokerDroppedTotal.WithLabelValues(c.outq[victim].topic, "egress").Inc()
		c.outq = append(c.outq[:victim], c.outq[victim+1:]...)
	}
	c.outq = append(c.outq, outMsg{topic: topic, payload: payload, qos: qos})
	c.outMu.Unlock()
	select {
	case c.outSig <- struct{}{}:
	default:
	}
	return nil
}

// popOut dequeues the oldest pending message.
func (c *Client) popOut() (outMsg, bool) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if len(c.outq) == 0 {
		return outMsg{}, false
	}
	m := c.outq[0]
	c.outq = c.outq[1:]
	return m, true
}

// Run connects and serves until ctx is cancelled. Subscriptions are restored
// after every reconnect; reconnects use capped exponential backoff with
// jitter.
func (c *Client) Run(ctx context.Context) error {
	lost := make(chan error, 1)
	connected := make(chan struct{}, 1)

	c.mu.Lock()
	c.conn = c.newConn(
		func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		func(err error) {
			select {
			case lost <- err:
			default:
			}
		},
	)
	conn := c.conn
	subs := c.subs
	c.mu.Unlock()

	if err := c.connect(ctx, conn, subs); err != nil {
		return err
	}
	close(c.ready)

	// Single writer: this goroutine owns all socket writes.
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			c.drain(ctx, s)
		}(s)
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown(conn)
			wg.Wait()
			return ctx.Err()
		case err := <-lost:
			c.log.Warn("broker connection lost", slog.Any("error", err))
			observability.BrokerReconnectsTotal.Inc()
			if err := c.connect(ctx, conn, subs); err != nil {
				c.shutdown(conn)
				wg.Wait()
				return err
			}
		case <-c.outSig:
			for {
				m, ok := c.popOut()
				if !ok {
					break
				}
				tok := conn.Publish(m.topic, m.qos, false, m.payload)
				tok.Wait()
				if err := tok.Error(); err != nil {
					c.log.Warn("publish failed", slog.String("topic", m.topic), slog.Any("error", err))
				}
			}
		}
	}
}

// Ready unblocks once the first connect has succeeded.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// IsConnected reports current socket state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) connect(ctx context.Context, conn connector, subs []*subscription) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffInitial
	bo.MaxInterval = c.opts.BackoffMax
	bo.RandomizationFactor = c.opts.JitterFrac
	bo.MaxElapsedTime = 0 // retry until cancelled

	op := func() error {
		tok := conn.Connect()
		tok.Wait()
		if err := tok.Error(); err != nil {
			c.log.Warn("broker connect failed", slog.String("url", c.opts.URL), slog.Any("error", err))
			return err
		}
		for _, s := range subs {
			s := s
			st := conn.Subscribe(s.pattern, 1, func(_ paho.Client, msg paho.Message) {
				c.deliver(s, msg.Topic(), msg.Payload())
			})
			st.Wait()
			if err := st.Error(); err != nil {
				return fmt.Errorf("subscribe %s: %w", s.pattern, err)
			}
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=mqtt.connect: %w", err)
	}
	c.log.Info("broker connected", slog.String("url", c.opts.URL), slog.Int("subscriptions", len(subs)))
	return nil
}

// deliver pushes into the subscription buffer, shedding the oldest message
// when full.
func (c *Client) deliver(s *subscription, topic string, payload []byte) {
	m := ingressMsg{topic: topic, payload: payload}
	for {
		select {
		case s.buf <- m:
			return
		default:
		}
		select {
		case <-s.buf:
			observability.BrokerDroppedTotal.WithLabelValues(s.pattern, "ingress").Inc()
		default:
		}
	}
}

func (c *Client) drain(ctx context.Context, s *subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.buf:
			s.handler(m.topic, m.payload)
		}
	}
}

// shutdown drains the outbound queue up to a grace period, then closes the
// socket.
func (c *Client) shutdown(conn connector) {
	c.stopOnce.Do(func() { close(c.stopped) })
	deadline := time.After(2 * time.Second)
	for {
		m, ok := c.popOut()
		if !ok {
			break
		}
		select {
		case <-deadline:
			conn.Disconnect(250)
			return
		default:
		}
		tok := conn.Publish(m.topic, m.qos, false, m.payload)
		tok.Wait()
	}
	conn.Disconnect(250)
}
