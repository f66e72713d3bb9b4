package supervisor

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/coriolis-iot/gateway-client/src/backoff"
	"github.com/coriolis-iot/gateway-client/src/identity"
	"github.com/coriolis-iot/gateway-client/src/pipeline"
	"github.com/coriolis-iot/gateway-client/src/queue"
	"github.com/coriolis-iot/gateway-client/src/router"
	"github.com/coriolis-iot/gateway-client/src/token"
	"github.com/coriolis-iot/gateway-client/src/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient records publishes and lets tests script Publish/Subscribe
// failures one call at a time.
type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	published    []fakePublish
	publishErrs  []error // consumed in order; nil means success
	subscribeErr error
}

type fakePublish struct {
	Topic   string
	Payload []byte
	QoS     byte
}

func (c *fakeClient) Disconnect()      { c.mu.Lock(); c.connected = false; c.mu.Unlock() }
func (c *fakeClient) ForceDisconnect() { c.mu.Lock(); c.connected = false; c.mu.Unlock() }
func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
func (c *fakeClient) Subscribe(topic string, qos byte) error { return c.subscribeErr }
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if len(c.publishErrs) > 0 {
		err = c.publishErrs[0]
		c.publishErrs = c.publishErrs[1:]
	}
	if err == nil {
		c.published = append(c.published, fakePublish{topic, payload, qos})
	}
	return err
}

// fakeDialer hands out fakeClients, one per Dial call, and lets tests
// script a connect-time error for the next N dials.
type fakeDialer struct {
	mu         sync.Mutex
	connectErr []error
	clients    []*fakeClient
	callbacks  []transport.Callbacks
}

func (d *fakeDialer) Dial(opts transport.ConnectOptions, cb transport.Callbacks) (transport.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = append(d.callbacks, cb)
	if len(d.connectErr) > 0 {
		err := d.connectErr[0]
		d.connectErr = d.connectErr[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &fakeClient{connected: true}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) lastClient() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[len(d.clients)-1]
}

func (d *fakeDialer) hasClient() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients) > 0
}

func (d *fakeDialer) lastCallbacks() transport.Callbacks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callbacks[len(d.callbacks)-1]
}

type syncExecutor struct{}

func (syncExecutor) Execute(f func()) { f() }

func newTestSupervisor(t *testing.T, dialer transport.Dialer) (*Supervisor, *[]ConnectionEvent, func()) {
	t.Helper()
	id, err := identity.New("proj", "registry", "dev", "us-central1")
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	minter, err := token.New(key, id.Audience(), time.Hour, nil)
	require.NoError(t, err)

	tq, err := queue.New[pipeline.TopicEvent](10, queue.HeadDrop)
	require.NoError(t, err)
	eq, err := queue.New[pipeline.TopicEvent](10, queue.HeadDrop)
	require.NoError(t, err)
	pipe := pipeline.New(tq, eq)

	r := router.New(id.ConfigTopic(), id.CommandsTopicPrefix())

	bo, err := backoff.New(5, 50, 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var events []ConnectionEvent
	sup := New(Config{
		Identity: id,
		Minter:   minter,
		Pipeline: pipe,
		Router:   r,
		Dialer:   dialer,
		Backoff:  bo,
		OnConnectionEvent: func(ev ConnectionEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		},
		EventExecutor: syncExecutor{},
	})
	return sup, &events, func() {
		sup.Disconnect()
		// give the worker goroutine a moment to observe the stop.
		time.Sleep(20 * time.Millisecond)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSupervisor_HappyTelemetry(t *testing.T) {
	dialer := &fakeDialer{}
	sup, events, cleanup := newTestSupervisor(t, dialer)
	defer cleanup()

	sup.Connect()
	waitFor(t, time.Second, sup.IsConnected)

	ev := pipeline.NewTopicEvent("", "/a", []byte("x"), pipeline.QoSAtLeastOnce)
	assert.True(t, sup.PublishTelemetry(ev))

	waitFor(t, time.Second, func() bool {
		c := dialer.lastClient()
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.published) == 1
	})

	c := dialer.lastClient()
	c.mu.Lock()
	assert.Equal(t, "/devices/dev/events/a", c.published[0].Topic)
	assert.Equal(t, []byte("x"), c.published[0].Payload)
	assert.Equal(t, byte(1), c.published[0].QoS)
	c.mu.Unlock()

	waitFor(t, time.Second, func() bool { return len(*events) >= 1 })
	assert.True(t, (*events)[0].Connected)
}

func TestSupervisor_StateCoalescing(t *testing.T) {
	dialer := &fakeDialer{}
	sup, _, cleanup := newTestSupervisor(t, dialer)
	defer cleanup()

	sup.PublishDeviceState([]byte("s1"))
	sup.PublishDeviceState([]byte("s2"))

	sup.Connect()
	waitFor(t, time.Second, func() bool {
		if !dialer.hasClient() {
			return false
		}
		c := dialer.lastClient()
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.published) == 1
	})

	c := dialer.lastClient()
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "/devices/dev/state", c.published[0].Topic)
	assert.Equal(t, []byte("s2"), c.published[0].Payload)
	assert.Equal(t, byte(1), c.published[0].QoS)
}

func TestSupervisor_HeadDropUnderPressure(t *testing.T) {
	id, err := identity.New("proj", "registry", "dev", "us-central1")
	require.NoError(t, err)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	minter, err := token.New(key, id.Audience(), time.Hour, nil)
	require.NoError(t, err)
	tq, err := queue.New[pipeline.TopicEvent](3, queue.HeadDrop)
	require.NoError(t, err)
	eq, err := queue.New[pipeline.TopicEvent](3, queue.HeadDrop)
	require.NoError(t, err)
	pipe := pipeline.New(tq, eq)
	r := router.New(id.ConfigTopic(), id.CommandsTopicPrefix())
	bo, err := backoff.New(5, 50, 0)
	require.NoError(t, err)
	dialer := &fakeDialer{}

	sup := New(Config{
		Identity: id, Minter: minter, Pipeline: pipe, Router: r, Dialer: dialer, Backoff: bo,
	})

	for i := 1; i <= 5; i++ {
		sup.PublishTelemetry(pipeline.NewTopicEvent("", "", []byte{byte(i)}, pipeline.QoSAtMostOnce))
	}

	sup.Connect()
	defer sup.Disconnect()

	waitFor(t, time.Second, func() bool {
		if !dialer.hasClient() {
			return false
		}
		c := dialer.lastClient()
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.published) == 3
	})

	c := dialer.lastClient()
	c.mu.Lock()
	defer c.mu.Unlock()
	var got []byte
	for _, p := range c.published {
		got = append(got, p.Payload[0])
	}
	assert.Equal(t, []byte{3, 4, 5}, got)
}

func TestSupervisor_RetryThenSuccess(t *testing.T) {
	dialer := &fakeDialer{}
	sup, _, cleanup := newTestSupervisor(t, dialer)
	defer cleanup()

	sup.Connect()
	waitFor(t, time.Second, sup.IsConnected)

	dialer.lastClient().publishErrs = []error{transport.ErrNotConnected}

	sup.PublishTelemetry(pipeline.NewTopicEvent("", "", []byte("only-once"), pipeline.QoSAtMostOnce))

	waitFor(t, 2*time.Second, func() bool {
		var total int
		dialer.mu.Lock()
		clients := append([]*fakeClient(nil), dialer.clients...)
		dialer.mu.Unlock()
		for _, c := range clients {
			c.mu.Lock()
			total += len(c.published)
			c.mu.Unlock()
		}
		return total == 1
	})
}

func TestSupervisor_FatalAuthStopsWithoutSpinning(t *testing.T) {
	dialer := &fakeDialer{connectErr: []error{transport.ErrNotAuthorized}}
	sup, events, cleanup := newTestSupervisor(t, dialer)
	defer cleanup()

	sup.Connect()

	waitFor(t, time.Second, func() bool { return len(*events) >= 1 })
	assert.False(t, (*events)[0].Connected)
	assert.Equal(t, transport.ReasonNotAuthorized, (*events)[0].Reason)

	time.Sleep(30 * time.Millisecond)
	dialer.mu.Lock()
	attempts := len(dialer.callbacks)
	dialer.mu.Unlock()
	assert.Equal(t, 1, attempts, "supervisor must not keep retrying after a fatal auth failure")
}

func TestSupervisor_CommandRoutingEndToEnd(t *testing.T) {
	dialer := &fakeDialer{}
	id, err := identity.New("proj", "registry", "dev", "us-central1")
	require.NoError(t, err)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	minter, err := token.New(key, id.Audience(), time.Hour, nil)
	require.NoError(t, err)
	tq, err := queue.New[pipeline.TopicEvent](10, queue.HeadDrop)
	require.NoError(t, err)
	eq, err := queue.New[pipeline.TopicEvent](10, queue.HeadDrop)
	require.NoError(t, err)
	pipe := pipeline.New(tq, eq)
	r := router.New(id.ConfigTopic(), id.CommandsTopicPrefix())

	var mu sync.Mutex
	var gotSub string
	var gotPayload []byte
	r.SetCommandListener(func(sub string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		gotSub, gotPayload = sub, payload
	}, syncExecutor{})

	bo, err := backoff.New(5, 50, 0)
	require.NoError(t, err)
	sup := New(Config{Identity: id, Minter: minter, Pipeline: pipe, Router: r, Dialer: dialer, Backoff: bo})

	sup.Connect()
	defer sup.Disconnect()
	waitFor(t, time.Second, sup.IsConnected)

	cb := dialer.lastCallbacks()
	cb.OnMessage(transport.Message{Topic: "/devices/dev/commands/lights", Payload: []byte("on")})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotSub == "lights"
	})
	mu.Lock()
	assert.Equal(t, []byte("on"), gotPayload)
	mu.Unlock()
}
