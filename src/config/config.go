// Package config loads the device agent's configuration surface from the
// environment or from a YAML file, validating it with the same
// struct-tag-driven approach the rest of the configuration surface uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DeviceConfig is the full configuration surface enumerated for the device
// agent binary: identity, connection, and queue tuning. Listeners and
// connection callbacks are wired programmatically and are not part of this
// surface.
type DeviceConfig struct {
	ProjectID   string `env:"PROJECT_ID" yaml:"projectId" validate:"required"`
	RegistryID  string `env:"REGISTRY_ID" yaml:"registryId" validate:"required"`
	DeviceID    string `env:"DEVICE_ID" yaml:"deviceId" validate:"required"`
	CloudRegion string `env:"CLOUD_REGION" yaml:"cloudRegion" validate:"required"`

	BridgeHostname string `env:"BRIDGE_HOSTNAME" yaml:"bridgeHostname" envDefault:"mqtt.googleapis.com"`
	BridgePort     int    `env:"BRIDGE_PORT" yaml:"bridgePort" envDefault:"8883" validate:"min=1,max=65535"`

	AuthTokenLifetimeSeconds int `env:"AUTH_TOKEN_LIFETIME_SECONDS" yaml:"authTokenLifetimeSeconds" envDefault:"3600" validate:"min=1,max=86400"`

	PrivateKeyPath string `env:"PRIVATE_KEY_PATH" yaml:"privateKeyPath" validate:"required"`

	TelemetryQueueCapacity int    `env:"TELEMETRY_QUEUE_CAPACITY" yaml:"telemetryQueueCapacity" envDefault:"1000" validate:"min=1"`
	TelemetryQueuePolicy   string `env:"TELEMETRY_QUEUE_POLICY" yaml:"telemetryQueuePolicy" envDefault:"head-drop" validate:"oneof=head-drop tail-reject"`

	TopicEventQueueCapacity int    `env:"TOPIC_EVENT_QUEUE_CAPACITY" yaml:"topicEventQueueCapacity" envDefault:"1000" validate:"min=1"`
	TopicEventQueuePolicy   string `env:"TOPIC_EVENT_QUEUE_POLICY" yaml:"topicEventQueuePolicy" envDefault:"head-drop" validate:"oneof=head-drop tail-reject"`
}

// LoadEnvConfig populates DeviceConfig from the process environment and
// validates it.
func LoadEnvConfig() (*DeviceConfig, error) {
	cfg := new(DeviceConfig)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile populates DeviceConfig from a YAML file at path and
// validates it. Defaults from envDefault tags do not apply here; the file
// is expected to be complete.
func LoadConfigFile(path string) (*DeviceConfig, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolving path: %w", err)
	}
	if ext := strings.ToLower(filepath.Ext(absPath)); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config: unsupported config file extension %q", ext)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: reading file: %w", err)
	}

	cfg := new(DeviceConfig)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding file: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
