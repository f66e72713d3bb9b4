// Package device is the public entry point for connecting a single IoT
// device to a cloud MQTT gateway: it assembles the identity, token minter,
// outbound pipeline, inbound router and connection supervisor, and exposes
// the non-blocking connect/disconnect/publish surface applications call.
package device

import (
	"fmt"
	"log/slog"

	"github.com/coriolis-iot/gateway-client/src/backoff"
	"github.com/coriolis-iot/gateway-client/src/identity"
	"github.com/coriolis-iot/gateway-client/src/pipeline"
	"github.com/coriolis-iot/gateway-client/src/queue"
	"github.com/coriolis-iot/gateway-client/src/router"
	"github.com/coriolis-iot/gateway-client/src/supervisor"
	"github.com/coriolis-iot/gateway-client/src/token"
	"github.com/coriolis-iot/gateway-client/src/transport"
)

// Reconnect backoff tuning: first retry after half a second, doubling up to
// two minutes, with up to a second of jitter to spread a fleet's reconnects.
const (
	backoffInitialMs = 500
	backoffMaxMs     = 2 * 60 * 1000
	backoffJitterMs  = 1000
)

// Default executor pool shared by listeners registered without their own
// executor.
const (
	defaultExecWorkers = 4
	defaultExecQueue   = 64
)

// Client connects one device to the gateway. Construct it with New,
// register listeners via Options, then call Connect. All methods are safe
// for concurrent use and none of them block on network I/O.
type Client struct {
	id  *identity.Identity
	sup *supervisor.Supervisor
}

// New validates opts, derives the device's connection identity, and wires
// up the client. It performs no I/O; the first network activity happens on
// Connect.
func New(opts Options) (*Client, error) {
	if err := opts.validateOptions(); err != nil {
		return nil, err
	}

	var idOpts []identity.Option
	if opts.BridgeHostname != "" {
		idOpts = append(idOpts, identity.WithHost(opts.BridgeHostname))
	}
	if opts.BridgePort != 0 {
		idOpts = append(idOpts, identity.WithPort(opts.BridgePort))
	}
	if opts.AuthTokenLifetime != 0 {
		idOpts = append(idOpts, identity.WithTokenLifetime(opts.AuthTokenLifetime))
	}
	id, err := identity.New(opts.ProjectID, opts.RegistryID, opts.DeviceID, opts.CloudRegion, idOpts...)
	if err != nil {
		return nil, err
	}

	var clock token.Clock
	if opts.Clock != nil {
		clock = token.Clock(opts.Clock)
	}
	minter, err := token.New(opts.PrivateKey, id.Audience(), id.TokenLifetime, clock)
	if err != nil {
		return nil, err
	}

	telemetryQueue, err := queue.New[pipeline.TopicEvent](opts.telemetryQueueCapacity(), opts.TelemetryQueuePolicy)
	if err != nil {
		return nil, fmt.Errorf("device: telemetry queue: %w", err)
	}
	topicQueue, err := queue.New[pipeline.TopicEvent](opts.topicEventQueueCapacity(), opts.TopicEventQueuePolicy)
	if err != nil {
		return nil, fmt.Errorf("device: topic event queue: %w", err)
	}
	pipe := pipeline.New(telemetryQueue, topicQueue)

	// One pool executor is shared by every listener registered without an
	// explicit executor, so user callbacks never run on the supervisor
	// goroutine and never spawn unbounded goroutines either.
	var sharedExec router.Executor
	defaultExec := func(explicit router.Executor) router.Executor {
		if explicit != nil {
			return explicit
		}
		if sharedExec == nil {
			sharedExec = router.NewPoolExecutor(defaultExecWorkers, defaultExecQueue)
		}
		return sharedExec
	}

	r := router.New(id.ConfigTopic(), id.CommandsTopicPrefix())
	if opts.ConfigListener != nil {
		r.SetConfigListener(opts.ConfigListener, defaultExec(opts.ConfigExecutor))
	}
	if opts.CommandListener != nil {
		r.SetCommandListener(opts.CommandListener, defaultExec(opts.CommandExecutor))
	}

	bo, err := backoff.New(backoffInitialMs, backoffMaxMs, backoffJitterMs)
	if err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewPahoDialer()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := supervisor.Config{
		Identity:  id,
		Minter:    minter,
		Pipeline:  pipe,
		Router:    r,
		Dialer:    dialer,
		KeepAlive: opts.KeepAlive,
		Backoff:   bo,
		Logger:    logger,
	}
	if opts.ConnectionCallback != nil {
		cb := opts.ConnectionCallback
		cfg.OnConnectionEvent = func(ev supervisor.ConnectionEvent) {
			cb(ConnectionEvent{Connected: ev.Connected, Reason: ev.Reason})
		}
		cfg.EventExecutor = defaultExec(opts.ConnectionExecutor)
	}

	return &Client{id: id, sup: supervisor.New(cfg)}, nil
}

// Identity returns the validated connection identity this client was built
// with, including its derived broker URL and topic paths.
func (c *Client) Identity() *identity.Identity { return c.id }

// Connect starts the background connection worker if it is not already
// running. Non-blocking; connection progress is reported through the
// connection callback.
func (c *Client) Connect() { c.sup.Connect() }

// Disconnect asks the worker to shut the session down. Non-blocking; a
// no-op when the worker is not running.
func (c *Client) Disconnect() { c.sup.Disconnect() }

// IsConnected reports the transport's live connected state.
func (c *Client) IsConnected() bool { return c.sup.IsConnected() }

// PublishTelemetry queues payload for the device's events topic under the
// given sub-path and QoS. It reports whether the queue accepted the event;
// delivery happens asynchronously, surviving disconnects.
func (c *Client) PublishTelemetry(subPath string, payload []byte, qos pipeline.QoS) bool {
	return c.sup.PublishTelemetry(pipeline.NewTopicEvent("", subPath, payload, qos))
}

// PublishTopicEvent queues payload for an arbitrary base topic plus
// sub-path at the given QoS.
func (c *Client) PublishTopicEvent(topic, subPath string, payload []byte, qos pipeline.QoS) bool {
	return c.sup.PublishTopicEvent(pipeline.NewTopicEvent(topic, subPath, payload, qos))
}

// PublishDeviceState replaces the pending device state with data. Only the
// most recent state is ever sent; intermediate values written while
// disconnected are coalesced away.
func (c *Client) PublishDeviceState(data []byte) {
	c.sup.PublishDeviceState(data)
}
