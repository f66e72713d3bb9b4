// Package transport narrows github.com/eclipse/paho.mqtt.golang down to
// exactly the operations the connection supervisor needs, so the
// supervisor can be unit-tested against a fake without a live broker, and
// classifies the errors that narrow interface can produce.
package transport

import "time"

// Message is one inbound MQTT message delivered to the supervisor's
// callback.
type Message struct {
	Topic   string
	Payload []byte
}

// Callbacks are invoked by the transport on its own goroutines; the
// supervisor never blocks them and never calls back into the transport
// from within them except to release its wake token.
type Callbacks struct {
	// OnConnectionLost is invoked when a previously-open session drops
	// asynchronously (not as a result of a direct Connect/Publish call).
	OnConnectionLost func(cause error)
	// OnMessage is invoked once per inbound message.
	OnMessage func(Message)
}

// ConnectOptions carries the fields the supervisor fills in fresh before
// every connect attempt, including a newly minted token (tokens live for
// the session; reconnect mints a new one).
type ConnectOptions struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string // the signed JWT
	KeepAlive time.Duration
}

// Client is the narrow surface of a connected MQTT session the supervisor
// drives once Dial has succeeded.
type Client interface {
	Disconnect()
	ForceDisconnect()
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte) error
	IsConnected() bool
}

// Dialer constructs and connects a fresh Client. It exists as its own seam
// (rather than Client.Connect) because paho.mqtt.golang bakes connection
// options, including credentials and callbacks, into client construction:
// a reconnect with a new token means a new underlying client, not
// re-authenticating an existing one.
type Dialer interface {
	Dial(opts ConnectOptions, callbacks Callbacks) (Client, error)
}
