// deviceagent connects a single device to the cloud MQTT gateway and keeps
// publishing synthetic telemetry and device state until interrupted, logging
// every configuration push and command it receives. It exists to exercise
// the full client pipeline against a real broker.
package main

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/coriolis-iot/gateway-client/src/config"
	"github.com/coriolis-iot/gateway-client/src/device"
	"github.com/coriolis-iot/gateway-client/src/pipeline"
	"github.com/coriolis-iot/gateway-client/src/queue"
)

func main() {
	var (
		configPath string
		interval   string
	)

	root := &cobra.Command{
		Use:   "deviceagent",
		Short: "Cloud IoT gateway device agent",
		Long:  "Connects one device to the MQTT gateway, publishes periodic telemetry and state, and logs inbound configuration and commands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, interval)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "YAML config file (reads environment when empty)")
	root.Flags().StringVar(&interval, "interval", "10s", "telemetry publish interval")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, interval string) error {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
		}),
	))
	l := slog.Default().With("context", "deviceagent")

	var cfg *config.DeviceConfig
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfigFile(configPath)
	} else {
		cfg, err = config.LoadEnvConfig()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	key, err := loadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("loading private key: %w", err)
	}

	dur, err := time.ParseDuration(interval)
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	client, err := device.New(device.Options{
		ProjectID:   cfg.ProjectID,
		RegistryID:  cfg.RegistryID,
		DeviceID:    cfg.DeviceID,
		CloudRegion: cfg.CloudRegion,
		PrivateKey:  key,

		BridgeHostname:    cfg.BridgeHostname,
		BridgePort:        cfg.BridgePort,
		AuthTokenLifetime: time.Duration(cfg.AuthTokenLifetimeSeconds) * time.Second,

		TelemetryQueueCapacity:  cfg.TelemetryQueueCapacity,
		TelemetryQueuePolicy:    queuePolicy(cfg.TelemetryQueuePolicy),
		TopicEventQueueCapacity: cfg.TopicEventQueueCapacity,
		TopicEventQueuePolicy:   queuePolicy(cfg.TopicEventQueuePolicy),

		ConfigListener: func(payload []byte) {
			l.Info("configuration received", "bytes", len(payload), "payload", string(payload))
		},
		CommandListener: func(subFolder string, payload []byte) {
			l.Info("command received", "subFolder", subFolder, "bytes", len(payload), "payload", string(payload))
		},
		ConnectionCallback: func(ev device.ConnectionEvent) {
			if ev.Connected {
				l.Info("connected to gateway")
			} else {
				l.Warn("disconnected from gateway", "reason", ev.Reason.String())
			}
		},
	})
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}

	l.Info("connecting", "broker", client.Identity().BrokerURL(), "clientId", client.Identity().ClientID())
	client.Connect()
	defer client.Disconnect()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(dur)
	defer ticker.Stop()

	var seq int
	for {
		select {
		case <-ticker.C:
			seq++
			payload := fmt.Appendf(nil, `{"seq":%d,"time":%q}`, seq, time.Now().Format(time.RFC3339))
			if !client.PublishTelemetry("", payload, pipeline.QoSAtLeastOnce) {
				l.Warn("telemetry queue full, event rejected", "seq", seq)
			}
			client.PublishDeviceState(fmt.Appendf(nil, `{"lastSeq":%d}`, seq))
		case sig := <-sigChan:
			l.Info("received signal, shutting down", "signal", sig.String())
			return nil
		}
	}
}

func queuePolicy(name string) queue.Policy {
	if name == "tail-reject" {
		return queue.TailReject
	}
	return queue.HeadDrop
}

// loadPrivateKey reads an RSA or EC private key from a PEM file, accepting
// PKCS#8, PKCS#1 and SEC 1 encodings.
func loadPrivateKey(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported key type %T in %s", key, path)
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("cannot parse private key in %s", path)
}
