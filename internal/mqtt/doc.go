// Package mqtt establishes and drives the agent's mutually
// authenticated MQTT session.
//
// A [Dialer] performs one connection attempt per call to
// [Dialer.Establish]: TCP (through a SOCKS/HTTP proxy when the
// environment names one), a TLS 1.2+ handshake presenting the device
// certificate and trusting only the configured anchor, then an MQTT
// CONNECT. Failures are classified as [ErrLinkFailed],
// [ErrHandshakeFailed] or [ErrProtocolRejected]. There are no internal
// retries and no automatic reconnection; the agent loop owns both.
//
// Two wire protocols are supported. MQTT v5 uses Eclipse Paho v2
// ([paho.golang]); MQTT 3.1.1, the dialect AWS IoT Core speaks, uses
// the classic [paho.mqtt.golang] client. Both libraries deliver
// inbound messages on their own goroutines. Those goroutines only
// push into a bounded, rate-limited queue; [Session.Poll] drains it on
// the caller's goroutine and invokes the subscription handler there,
// so handlers never run concurrently with the agent loop.
//
// The package also builds Home Assistant discovery payloads for the
// four environmental readings and manages the retained availability
// topic backed by a last-will message.
//
// [paho.golang]: https://github.com/eclipse/paho.golang
// [paho.mqtt.golang]: https://github.com/eclipse/paho.mqtt.golang
package mqtt
