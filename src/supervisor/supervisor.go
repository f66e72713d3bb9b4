// Package supervisor owns the MQTT session: it connects, authenticates,
// subscribes, runs the connected dispatch loop, reconnects under backoff,
// classifies transport failures, and reports connection events. It is the
// single writer of the transport session; every other package only ever
// reaches it through the non-blocking entry points below.
package supervisor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coriolis-iot/gateway-client/src/backoff"
	"github.com/coriolis-iot/gateway-client/src/identity"
	"github.com/coriolis-iot/gateway-client/src/pipeline"
	"github.com/coriolis-iot/gateway-client/src/router"
	"github.com/coriolis-iot/gateway-client/src/token"
	"github.com/coriolis-iot/gateway-client/src/transport"
)

// subscribeQoS is the QoS used for the configuration and commands
// subscriptions; the data model only prescribes QoS for publishes.
const subscribeQoS = 1

// ConnectionEvent is delivered to the caller-supplied connection callback.
// Connected is true exactly once per successful session; Reason is only
// meaningful when Connected is false.
type ConnectionEvent struct {
	Connected bool
	Reason    transport.Reason
}

// Config assembles everything a Supervisor needs. Every field is required
// except Logger, KeepAlive, EventExecutor and OnConnectionEvent.
type Config struct {
	Identity *identity.Identity
	Minter   *token.Minter
	Pipeline *pipeline.Pipeline
	Router   *router.Router
	Dialer   transport.Dialer

	KeepAlive time.Duration
	Backoff   *backoff.Backoff
	Logger    *slog.Logger

	OnConnectionEvent func(ConnectionEvent)
	EventExecutor     router.Executor
}

// Supervisor is the background worker described above. The zero value is
// not usable; construct one with New.
type Supervisor struct {
	id        *identity.Identity
	minter    *token.Minter
	pipe      *pipeline.Pipeline
	router    *router.Router
	dialer    transport.Dialer
	keepAlive time.Duration
	bo        *backoff.Backoff
	logger    *slog.Logger
	onEvent   func(ConnectionEvent)
	eventExec router.Executor

	run               atomic.Bool
	observedConnected atomic.Bool
	wake              chan struct{}

	aliveMu sync.Mutex
	alive   bool

	clientMu sync.Mutex
	client   transport.Client
}

// New constructs a Supervisor. It does not start the background worker;
// call Connect for that.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	exec := cfg.EventExecutor
	if exec == nil {
		exec = router.NewPoolExecutor(1, 16)
	}
	return &Supervisor{
		id:        cfg.Identity,
		minter:    cfg.Minter,
		pipe:      cfg.Pipeline,
		router:    cfg.Router,
		dialer:    cfg.Dialer,
		keepAlive: keepAlive,
		bo:        cfg.Backoff,
		logger:    logger.With("component", "supervisor"),
		onEvent:   cfg.OnConnectionEvent,
		eventExec: exec,
		wake:      make(chan struct{}, 1),
	}
}

// Connect sets the run flag and spawns the background worker if one is not
// already alive. Non-blocking.
func (s *Supervisor) Connect() {
	s.run.Store(true)
	s.aliveMu.Lock()
	defer s.aliveMu.Unlock()
	if s.alive {
		return
	}
	s.alive = true
	go s.loop()
}

// Disconnect clears the run flag and wakes the worker, if one is alive.
// No-op otherwise. Non-blocking; it does not wait for the worker to exit.
func (s *Supervisor) Disconnect() {
	s.aliveMu.Lock()
	alive := s.alive
	s.aliveMu.Unlock()
	if !alive {
		return
	}
	s.run.Store(false)
	s.releaseWake()
}

// IsConnected reports the transport's live connected state, distinct from
// the observed-connected flag used for event de-duplication.
func (s *Supervisor) IsConnected() bool {
	return s.isConnectedLocked()
}

// PublishTelemetry offers event onto the telemetry queue and wakes the
// worker on acceptance. It returns whether the queue accepted the event.
func (s *Supervisor) PublishTelemetry(event pipeline.TopicEvent) bool {
	accepted := s.pipe.EnqueueTelemetry(event)
	if accepted {
		s.releaseWake()
	}
	return accepted
}

// PublishTopicEvent is the topic-event analogue of PublishTelemetry.
func (s *Supervisor) PublishTopicEvent(event pipeline.TopicEvent) bool {
	accepted := s.pipe.EnqueueTopicEvent(event)
	if accepted {
		s.releaseWake()
	}
	return accepted
}

// PublishDeviceState atomically replaces the state slot and wakes the
// worker only if the slot was previously empty (otherwise it is already
// scheduled to send the newest value).
func (s *Supervisor) PublishDeviceState(data []byte) {
	wasEmpty := s.pipe.SetPendingState(data)
	if wasEmpty {
		s.releaseWake()
	}
}

func (s *Supervisor) releaseWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) isConnectedLocked() bool {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

func (s *Supervisor) setClient(c transport.Client) {
	s.clientMu.Lock()
	s.client = c
	s.clientMu.Unlock()
}

// clearClient drops the current client reference and force-closes it, if
// any. Safe to call when already cleared.
func (s *Supervisor) clearClient() {
	s.clientMu.Lock()
	c := s.client
	s.client = nil
	s.clientMu.Unlock()
	if c != nil {
		c.ForceDisconnect()
	}
}

// loop is the worker body: the outer connect/reconnect loop.
func (s *Supervisor) loop() {
	defer func() {
		s.aliveMu.Lock()
		s.alive = false
		s.aliveMu.Unlock()
	}()

	for s.run.Load() {
		if !s.isConnectedLocked() {
			if !s.attemptConnect() {
				if !s.run.Load() {
					return
				}
				continue
			}
		}

		switch exit, err := s.connectedLoop(); exit {
		case exitRunFalse:
			s.clearClient()
			s.emitDisconnected(transport.ReasonClientClosed)
			return
		case exitAsyncDisconnect:
			s.clearClient()
		case exitPublishFailure:
			s.logger.Debug("publish failed, backing off before reconnect", "error", err)
			s.clearClient()
			s.sleepBackoff()
		}
	}
}

// attemptConnect mints a fresh token, dials, subscribes, and resets
// backoff on success. It returns true iff the supervisor is now connected
// and should proceed to the connected loop.
func (s *Supervisor) attemptConnect() bool {
	tok, err := s.minter.Mint()
	if err != nil {
		s.logger.Error("token signing failed", "error", err)
		s.run.Store(false)
		s.emitDisconnected(transport.ReasonUnknown)
		return false
	}

	opts := transport.ConnectOptions{
		BrokerURL: s.id.BrokerURL(),
		ClientID:  s.id.ClientID(),
		Username:  "unused",
		Password:  tok,
		KeepAlive: s.keepAlive,
	}
	callbacks := transport.Callbacks{
		OnConnectionLost: s.onConnectionLost,
		OnMessage: func(m transport.Message) {
			s.router.Route(m.Topic, m.Payload)
		},
	}

	client, err := s.dialer.Dial(opts, callbacks)
	if err != nil {
		return s.handleConnectPhaseFailure(err)
	}
	s.setClient(client)

	if s.router.HasConfigListener() {
		if err := client.Subscribe(s.id.ConfigTopic(), subscribeQoS); err != nil {
			return s.handleConnectPhaseFailure(err)
		}
	}
	if s.router.HasCommandListener() {
		if err := client.Subscribe(s.router.CommandsWildcard(), subscribeQoS); err != nil {
			return s.handleConnectPhaseFailure(err)
		}
	}

	s.bo.Reset()
	s.emitConnected()
	return true
}

// handleConnectPhaseFailure classifies a connect- or subscribe-time
// failure and either sleeps the backoff interval and signals retry
// (returns false, loop continues), or marks the session fatally dead.
func (s *Supervisor) handleConnectPhaseFailure(err error) bool {
	reason := transport.ClassifyConnectError(err)
	s.clearClient()

	if transport.Retryable(err) {
		s.logger.Warn("connect failed, retrying", "error", err, "reason", reason.String())
		s.sleepBackoff()
		return false
	}

	s.logger.Error("connect failed fatally", "error", err, "reason", reason.String())
	s.run.Store(false)
	s.emitDisconnected(reason)
	return false
}

// sleepBackoff sleeps the next backoff interval against a monotonic
// deadline, so an early return from the sleep still honors the full delay.
func (s *Supervisor) sleepBackoff() {
	deadline := time.Now().Add(time.Duration(s.bo.Next()) * time.Millisecond)
	for remaining := time.Until(deadline); remaining > 0; remaining = time.Until(deadline) {
		time.Sleep(remaining)
	}
}

type loopExit int

const (
	exitRunFalse loopExit = iota
	exitAsyncDisconnect
	exitPublishFailure
)

// connectedLoop waits on the wake token and dispatches at most one unit of
// work per wake-up, in strict priority order: device state,
// then telemetry, then topic events. After handling a unit it re-releases
// the token, so it keeps draining until the pipeline reports no work.
func (s *Supervisor) connectedLoop() (loopExit, error) {
	for {
		<-s.wake // uninterruptible: a spurious wake must never drop pending work

		if !s.run.Load() {
			return exitRunFalse, nil
		}
		if !s.isConnectedLocked() {
			return exitAsyncDisconnect, nil
		}

		work := s.pipe.TakeNextWork()
		switch work.Kind {
		case pipeline.WorkNone:
			continue

		case pipeline.WorkState:
			err := s.publish(s.id.StateTopic(), work.State, 1)
			if err != nil && transport.Retryable(err) {
				s.releaseWake()
				return exitPublishFailure, err
			}
			if err != nil {
				s.logger.Warn("state publish rejected, dropping", "error", err)
			}
			s.pipe.ClearStateIfEqual(work.State)

		case pipeline.WorkTelemetry:
			topic := s.id.TelemetryTopic() + work.Event.SubPath
			err := s.publish(topic, work.Event.Payload, byte(work.Event.QoS))
			if err != nil && transport.Retryable(err) {
				s.releaseWake()
				return exitPublishFailure, err
			}
			if err != nil {
				s.logger.Warn("telemetry publish rejected, dropping", "error", err)
			}
			s.pipe.ClearUnsentTelemetry()

		case pipeline.WorkTopicEvent:
			topic := work.Event.Topic + work.Event.SubPath
			err := s.publish(topic, work.Event.Payload, byte(work.Event.QoS))
			if err != nil && transport.Retryable(err) {
				s.releaseWake()
				return exitPublishFailure, err
			}
			if err != nil {
				s.logger.Warn("topic event publish rejected, dropping", "error", err)
			}
			s.pipe.ClearUnsentTopicEvent()
		}
		// More work may be queued behind the unit just handled; re-signal so
		// the next iteration checks the pipeline again.
		s.releaseWake()
	}
}

func (s *Supervisor) publish(topic string, payload []byte, qos byte) error {
	s.clientMu.Lock()
	c := s.client
	s.clientMu.Unlock()
	if c == nil {
		return transport.ErrNotConnected
	}
	return c.Publish(topic, qos, false, payload)
}

// onConnectionLost is invoked by the transport on its own goroutine when a
// previously-open session drops asynchronously.
func (s *Supervisor) onConnectionLost(cause error) {
	reason := transport.ClassifyDisconnect(cause, s.run.Load())
	s.logger.Warn("connection lost", "error", cause, "reason", reason.String())
	s.emitDisconnected(reason)
	s.releaseWake()
}

// emitConnected fires on_connected iff the observed-connected flag
// transitions false -> true, de-duplicating repeated notifications.
func (s *Supervisor) emitConnected() {
	if s.observedConnected.CompareAndSwap(false, true) {
		s.fireEvent(ConnectionEvent{Connected: true})
	}
}

// emitDisconnected fires on_disconnected(reason) iff the observed-connected
// flag transitions true -> false, except REASON_NOT_AUTHORIZED always
// fires: it always indicates a misconfiguration the user must fix.
func (s *Supervisor) emitDisconnected(reason transport.Reason) {
	flipped := s.observedConnected.CompareAndSwap(true, false)
	if flipped || reason == transport.ReasonNotAuthorized {
		s.fireEvent(ConnectionEvent{Connected: false, Reason: reason})
	}
}

func (s *Supervisor) fireEvent(ev ConnectionEvent) {
	if s.onEvent == nil {
		return
	}
	cb, exec := s.onEvent, s.eventExec
	exec.Execute(func() { cb(ev) })
}
