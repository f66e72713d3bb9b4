// Package identity computes the broker URL, client identifier, and topic
// paths derived from a device's registration in the cloud gateway.
package identity

import (
	"fmt"
	"time"
)

const (
	// DefaultHost is the default broker hostname.
	DefaultHost = "mqtt.googleapis.com"
	// DefaultPort is the default broker port (MQTT over TLS).
	DefaultPort = 8883
	// DefaultTokenLifetime is the default authentication token lifetime.
	DefaultTokenLifetime = time.Hour
	// MaxTokenLifetime is the maximum permitted authentication token lifetime.
	MaxTokenLifetime = 24 * time.Hour
)

// Identity is an immutable, validated device identity together with its
// derived broker/topic strings, computed once at construction.
type Identity struct {
	ProjectID     string
	RegistryID    string
	DeviceID      string
	CloudRegion   string
	Host          string
	Port          int
	TokenLifetime time.Duration

	brokerURL        string
	clientID         string
	telemetryTopic   string
	stateTopic       string
	configTopic      string
	commandsTopicPfx string
}

// Option configures optional Identity fields at construction.
type Option func(*params)

type params struct {
	host          string
	port          int
	tokenLifetime time.Duration
}

// WithHost overrides the default broker host.
func WithHost(host string) Option { return func(p *params) { p.host = host } }

// WithPort overrides the default broker port.
func WithPort(port int) Option { return func(p *params) { p.port = port } }

// WithTokenLifetime overrides the default authentication token lifetime.
func WithTokenLifetime(d time.Duration) Option { return func(p *params) { p.tokenLifetime = d } }

// New validates the identity fields and computes the derived strings listed
// in the data model: broker URL, client identifier, and topic paths.
func New(projectID, registryID, deviceID, cloudRegion string, opts ...Option) (*Identity, error) {
	p := params{
		host:          DefaultHost,
		port:          DefaultPort,
		tokenLifetime: DefaultTokenLifetime,
	}
	for _, opt := range opts {
		opt(&p)
	}

	if projectID == "" {
		return nil, fmt.Errorf("identity: project id must not be empty")
	}
	if registryID == "" {
		return nil, fmt.Errorf("identity: registry id must not be empty")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("identity: device id must not be empty")
	}
	if cloudRegion == "" {
		return nil, fmt.Errorf("identity: cloud region must not be empty")
	}
	if p.host == "" {
		return nil, fmt.Errorf("identity: host must not be empty")
	}
	if p.port < 1 || p.port > 65535 {
		return nil, fmt.Errorf("identity: port must be in 1..65535, got %d", p.port)
	}
	if p.tokenLifetime <= 0 || p.tokenLifetime > MaxTokenLifetime {
		return nil, fmt.Errorf("identity: token lifetime must be in (0, %s], got %s", MaxTokenLifetime, p.tokenLifetime)
	}

	id := &Identity{
		ProjectID:     projectID,
		RegistryID:    registryID,
		DeviceID:      deviceID,
		CloudRegion:   cloudRegion,
		Host:          p.host,
		Port:          p.port,
		TokenLifetime: p.tokenLifetime,
	}
	id.brokerURL = fmt.Sprintf("ssl://%s:%d", p.host, p.port)
	id.clientID = fmt.Sprintf("projects/%s/locations/%s/registries/%s/devices/%s", projectID, cloudRegion, registryID, deviceID)
	id.telemetryTopic = fmt.Sprintf("/devices/%s/events", deviceID)
	id.stateTopic = fmt.Sprintf("/devices/%s/state", deviceID)
	id.configTopic = fmt.Sprintf("/devices/%s/config", deviceID)
	id.commandsTopicPfx = fmt.Sprintf("/devices/%s/commands", deviceID)
	return id, nil
}

// BrokerURL returns "ssl://<host>:<port>".
func (i *Identity) BrokerURL() string { return i.brokerURL }

// ClientID returns "projects/<p>/locations/<r>/registries/<reg>/devices/<d>".
func (i *Identity) ClientID() string { return i.clientID }

// TelemetryTopic returns "/devices/<device>/events".
func (i *Identity) TelemetryTopic() string { return i.telemetryTopic }

// StateTopic returns "/devices/<device>/state".
func (i *Identity) StateTopic() string { return i.stateTopic }

// ConfigTopic returns "/devices/<device>/config".
func (i *Identity) ConfigTopic() string { return i.configTopic }

// CommandsTopicPrefix returns "/devices/<device>/commands" (no trailing slash).
func (i *Identity) CommandsTopicPrefix() string { return i.commandsTopicPfx }

// Audience returns the string used as the "aud" claim when minting tokens:
// the project id.
func (i *Identity) Audience() string { return i.ProjectID }
