package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	payload []byte
	qos     byte
}

type fakeConn struct {
	mu          sync.Mutex
	connects    int
	failFirst   int
	connected   bool
	pubs        []published
	subHandlers map[string]paho.MessageHandler
	onLost      func(error)
}

func (f *fakeConn) Connect() paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.failFirst {
		return &fakeToken{err: assert.AnError}
	}
	f.connected = true
	return &fakeToken{}
}

func (f *fakeConn) Publish(topic string, qos byte, _ bool, payload any) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, published{topic: topic, payload: payload.([]byte), qos: qos})
	return &fakeToken{}
}

func (f *fakeConn) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subHandlers == nil {
		f.subHandlers = map[string]paho.MessageHandler{}
	}
	f.subHandlers[topic] = cb
	return &fakeToken{}
}

func (f *fakeConn) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) publishedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.pubs))
	for _, p := range f.pubs {
		out = append(out, p.topic)
	}
	return out
}

func newTestClient(t *testing.T, fc *fakeConn, opts Options) *Client {
	t.Helper()
	c := newClient(opts, nil)
	c.newConn = func(_ func(), onLost func(error)) connector {
		fc.mu.Lock()
		fc.onLost = onLost
		fc.mu.Unlock()
		return fc
	}
	return c
}

func drainOut(c *Client) []string {
	var topics []string
	for {
		m, ok := c.popOut()
		if !ok {
			return topics
		}
		topics = append(topics, m.topic)
	}
}

func TestPublishShedsOldestWhenFull(t *testing.T) {
	t.Parallel()
	c := newClient(Options{OutboundBuffer: 2}, nil)
	ctx := context.Background()
	require.NoError(t, c.Publish(ctx, "t/a", []byte("1"), 1))
	require.NoError(t, c.Publish(ctx, "t/b", []byte("2"), 1))
	require.NoError(t, c.Publish(ctx, "t/c", []byte("3"), 1))

	// No topic repeats, so the global head was shed; newest two remain in
	// order.
	assert.Equal(t, []string{"t/b", "t/c"}, drainOut(c))
}

func TestPublishEvictsSameTopicBeforeOtherStreams(t *testing.T) {
	t.Parallel()
	c := newClient(Options{OutboundBuffer: 4}, nil)
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "tonypi/status/r1", []byte("s"), 1))
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Publish(ctx, "tonypi/sensors/r1", []byte{byte(i)}, 1))
	}

	// The sensors flood evicts its own oldest sample; the lone status message
	// survives at the head.
	assert.Equal(t, []string{
		"tonypi/status/r1",
		"tonypi/sensors/r1",
		"tonypi/sensors/r1",
		"tonypi/sensors/r1",
	}, drainOut(c))
}

func TestPublishEvictsHeadOnlyWhenStreamUnqueued(t *testing.T) {
	t.Parallel()
	c := newClient(Options{OutboundBuffer: 2}, nil)
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "tonypi/sensors/r1", []byte("1"), 1))
	require.NoError(t, c.Publish(ctx, "tonypi/battery/r1", []byte("2"), 1))
	// A different robot's sensors sample shares no topic with the queue; the
	// global head goes.
	require.NoError(t, c.Publish(ctx, "tonypi/sensors/r2", []byte("3"), 1))

	assert.Equal(t, []string{"tonypi/battery/r1", "tonypi/sensors/r2"}, drainOut(c))
}

func TestRunConnectsSubscribesAndWrites(t *testing.T) {
	t.Parallel()
	fc := &fakeConn{}
	c := newTestClient(t, fc, Options{URL: "tcp://test:1883"})

	got := make(chan string, 1)
	c.Subscribe("tonypi/sensors/+", func(topic string, _ []byte) { got <- topic })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("client never became ready")
	}
	fc.mu.Lock()
	handler := fc.subHandlers["tonypi/sensors/+"]
	fc.mu.Unlock()
	require.NotNil(t, handler)

	require.NoError(t, c.Publish(ctx, "tonypi/status/r1", []byte("{}"), 1))
	require.Eventually(t, func() bool {
		topics := fc.publishedTopics()
		return len(topics) == 1 && topics[0] == "tonypi/status/r1"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunRetriesConnectWithBackoff(t *testing.T) {
	t.Parallel()
	fc := &fakeConn{failFirst: 2}
	c := newTestClient(t, fc, Options{
		URL:            "tcp://test:1883",
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("client never became ready")
	}
	fc.mu.Lock()
	connects := fc.connects
	fc.mu.Unlock()
	assert.Equal(t, 3, connects)
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	t.Parallel()
	fc := &fakeConn{}
	c := newTestClient(t, fc, Options{
		URL:            "tcp://test:1883",
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	})
	c.Subscribe("tonypi/battery/+", func(string, []byte) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	<-c.Ready()

	fc.mu.Lock()
	lost := fc.onLost
	fc.subHandlers = nil
	fc.mu.Unlock()
	lost(assert.AnError)

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.connects >= 2 && fc.subHandlers["tonypi/battery/+"] != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliverDropsOldestPerSubscription(t *testing.T) {
	t.Parallel()
	c := newClient(Options{IngressBuffer: 1}, nil)
	c.Subscribe("tonypi/sensors/+", func(string, []byte) {})
	s := c.subs[0]

	c.deliver(s, "tonypi/sensors/r1", []byte("old"))
	c.deliver(s, "tonypi/sensors/r1", []byte("new"))

	m := <-s.buf
	assert.Equal(t, []byte("new"), m.payload)
	select {
	case <-s.buf:
		t.Fatal("expected a single buffered message")
	default:
	}
}
