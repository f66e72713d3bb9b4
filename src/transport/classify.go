package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
)

// Reason is the disconnect reason reported to the connection callback
// callback. It never distinguishes between the underlying transport's
// many concrete exception types; the supervisor and its callers only ever
// need this coarser view.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonNotAuthorized
	ReasonConnectionLost
	ReasonConnectionTimeout
	ReasonClientClosed
)

func (r Reason) String() string {
	switch r {
	case ReasonNotAuthorized:
		return "NOT_AUTHORIZED"
	case ReasonConnectionLost:
		return "CONNECTION_LOST"
	case ReasonConnectionTimeout:
		return "CONNECTION_TIMEOUT"
	case ReasonClientClosed:
		return "CLIENT_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotAuthorized is returned or wrapped by a Dialer/Client when the
// broker rejects the device's credentials. paho.mqtt.golang surfaces this
// as a CONNACK return code rather than a typed Go error, so adapters wrap
// it in this sentinel rather than forcing callers to parse error strings.
var ErrNotAuthorized = errors.New("transport: not authorized")

// ErrNotConnected is returned by a Client.Publish/Subscribe call made
// while the underlying session is down. It classifies as retryable,
// matching the "client-not-connected" entry in the retryable table.
var ErrNotConnected = errors.New("transport: client not connected")

// Retryable reports whether a connect or publish attempt that failed with
// err should be retried under backoff (true) or should fail the device
// permanently until reconfigured (false). Authorization failures and
// structurally rejected CONNECTs are fatal; every other error this package
// knows about is transient by nature (DNS hiccup, slow broker, dropped TCP
// session) and is retried.
func Retryable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrNotAuthorized) || isNotAuthorized(err) {
		return false
	}
	return !isRejectedConnack(err)
}

// isRejectedConnack recognizes the CONNACK refusals that no amount of
// retrying fixes: the broker understood the CONNECT and rejected its shape.
func isRejectedConnack(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unacceptable protocol version") ||
		strings.Contains(msg, "identifier rejected")
}

// ClassifyDisconnect maps a connection-lost cause to a Reason, following
// their cause. running is the supervisor's own run flag at the
// moment the disconnect was observed: an EOF observed while the
// supervisor itself initiated the shutdown is a clean close, not a lost
// connection.
func ClassifyDisconnect(cause error, running bool) Reason {
	if cause == nil {
		return ReasonUnknown
	}
	if isNotAuthorized(cause) {
		return ReasonNotAuthorized
	}
	if isTimeout(cause) {
		return ReasonConnectionTimeout
	}
	if isUnknownHost(cause) || isTLSError(cause) {
		return ReasonConnectionLost
	}
	if errors.Is(cause, io.EOF) {
		if running {
			return ReasonConnectionLost
		}
		return ReasonClientClosed
	}
	return ReasonUnknown
}

// ClassifyConnectError maps a failed connect attempt's error to a Reason
// for logging and for the caller's Retryable decision; it shares the same
// signal set as ClassifyDisconnect but a connect attempt is never "clean",
// so there is no running flag to consult.
func ClassifyConnectError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if isNotAuthorized(err) {
		return ReasonNotAuthorized
	}
	if isTimeout(err) {
		return ReasonConnectionTimeout
	}
	if isUnknownHost(err) || isTLSError(err) || errors.Is(err, io.EOF) {
		return ReasonConnectionLost
	}
	return ReasonUnknown
}

func isNotAuthorized(err error) bool {
	if errors.Is(err, ErrNotAuthorized) {
		return true
	}
	// paho.mqtt.golang's token.Error() text for a rejected CONNACK is not a
	// distinct Go type (packets.ConnackReturnCodes' strings), so a direct
	// substring check is the only way to recognize it without depending on
	// the library's internal packet types.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not authorized") || strings.Contains(msg, "bad user name or password")
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") && !strings.Contains(msg, "timeout waiting for connack")
}

func isUnknownHost(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}
