package device

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/coriolis-iot/gateway-client/src/queue"
	"github.com/coriolis-iot/gateway-client/src/router"
	"github.com/coriolis-iot/gateway-client/src/transport"
)

// ConnectionEvent is delivered to an optional connection callback: Connected
// is true exactly once per session; Reason is meaningful only when false.
type ConnectionEvent struct {
	Connected bool
	Reason    transport.Reason
}

// Options is the full configuration surface for a device client:
// identity fields, connection tuning, queue tuning, and the optional
// listeners/callback a caller registers before connecting.
type Options struct {
	// Identity, required, non-empty.
	ProjectID   string `validate:"required"`
	RegistryID  string `validate:"required"`
	DeviceID    string `validate:"required"`
	CloudRegion string `validate:"required"`

	// PrivateKey signs authentication tokens; must be *rsa.PrivateKey or
	// *ecdsa.PrivateKey.
	PrivateKey any `validate:"required"`

	// BridgeHostname defaults to "mqtt.googleapis.com".
	BridgeHostname string
	// BridgePort defaults to 8883, must be in 1..65535.
	BridgePort int `validate:"omitempty,min=1,max=65535"`
	// AuthTokenLifetime defaults to one hour, must be in (0, 24h].
	AuthTokenLifetime time.Duration
	// KeepAlive is the MQTT keep-alive interval; defaults to 60s.
	KeepAlive time.Duration

	// TelemetryQueueCapacity defaults to 1000.
	TelemetryQueueCapacity int `validate:"omitempty,min=1"`
	// TelemetryQueuePolicy defaults to HeadDrop.
	TelemetryQueuePolicy queue.Policy
	// TopicEventQueueCapacity defaults to 1000.
	TopicEventQueueCapacity int `validate:"omitempty,min=1"`
	// TopicEventQueuePolicy defaults to HeadDrop.
	TopicEventQueuePolicy queue.Policy

	// ConfigListener, CommandListener and ConnectionCallback are optional;
	// each may carry its own Executor, defaulting to a shared pool executor
	// if left nil.
	ConfigListener     router.ConfigListener
	ConfigExecutor     router.Executor
	CommandListener    router.CommandListener
	CommandExecutor    router.Executor
	ConnectionCallback func(ConnectionEvent)
	ConnectionExecutor router.Executor

	// Dialer overrides the transport; tests supply a fake. Defaults to a
	// real paho.mqtt.golang dialer.
	Dialer transport.Dialer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock overrides the token minter's notion of "now"; defaults to
	// time.Now.
	Clock func() time.Time
}

const (
	defaultTelemetryQueueCapacity  = 1000
	defaultTopicEventQueueCapacity = 1000
)

var validate = validator.New()

func (o *Options) validateOptions() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("device: invalid options: %w", err)
	}
	return nil
}

func (o *Options) telemetryQueueCapacity() int {
	if o.TelemetryQueueCapacity > 0 {
		return o.TelemetryQueueCapacity
	}
	return defaultTelemetryQueueCapacity
}

func (o *Options) topicEventQueueCapacity() int {
	if o.TopicEventQueueCapacity > 0 {
		return o.TopicEventQueueCapacity
	}
	return defaultTopicEventQueueCapacity
}
