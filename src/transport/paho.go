package transport

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PahoDialer implements Dialer on top of github.com/eclipse/paho.mqtt.golang.
// It disables the library's own auto-reconnect and connect-retry knobs
// entirely: the connection supervisor owns reconnection and backoff, and
// a second retry loop underneath it would fight over the same socket and
// hide the failures the supervisor needs to see and classify.
type PahoDialer struct{}

// NewPahoDialer returns a Dialer backed by the real MQTT transport.
func NewPahoDialer() *PahoDialer { return &PahoDialer{} }

// Dial builds a paho client for opts, wires callbacks in, and blocks on
// the initial CONNECT. The returned Client, once obtained, never needs the
// caller to touch paho.mqtt.golang's token-based API directly.
func (PahoDialer) Dial(opts ConnectOptions, callbacks Callbacks) (Client, error) {
	pc := &pahoClient{}

	copts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetKeepAlive(opts.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false)

	if callbacks.OnConnectionLost != nil {
		copts.SetConnectionLostHandler(func(_ mqtt.Client, cause error) {
			callbacks.OnConnectionLost(cause)
		})
	}
	if callbacks.OnMessage != nil {
		copts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			callbacks.OnMessage(Message{Topic: msg.Topic(), Payload: msg.Payload()})
		})
	}

	pc.client = mqtt.NewClient(copts)
	token := pc.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, classifyConnackError(err)
	}
	return pc, nil
}

// classifyConnackError wraps a failed CONNACK in ErrNotAuthorized when its
// text matches a rejected-credentials response, so downstream classify.go
// logic can use errors.Is instead of re-parsing the string itself.
func classifyConnackError(err error) error {
	if isNotAuthorized(err) {
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	return err
}

// pahoClient adapts a connected mqtt.Client to the narrow Client interface.
type pahoClient struct {
	client mqtt.Client
}

func (c *pahoClient) Disconnect() {
	c.client.Disconnect(250)
}

// ForceDisconnect closes the session without a quiesce period and returns
// once the client no longer reports itself connected, waiting at most one
// second for that.
func (c *pahoClient) ForceDisconnect() {
	c.client.Disconnect(0)
	deadline := time.Now().Add(time.Second)
	for c.client.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func (c *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (c *pahoClient) Subscribe(topic string, qos byte) error {
	token := c.client.Subscribe(topic, qos, nil)
	token.Wait()
	return token.Error()
}

func (c *pahoClient) IsConnected() bool {
	return c.client.IsConnected()
}
