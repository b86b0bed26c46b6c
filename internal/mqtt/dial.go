package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"
)

// TLSConfig builds the client TLS configuration for host: TLS 1.2 or
// newer, the client identity, trustAnchor as the only root, and
// certificate validity judged against now.
func TLSConfig(host string, id Identity, trustAnchor []byte, alpn []string, now func() time.Time) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(id.Certificate, id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("client identity: %w", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(trustAnchor) {
		return nil, fmt.Errorf("trust anchor contains no certificates")
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		ServerName:   host,
		NextProtos:   alpn,
		Time:         now,
	}, nil
}

// dialTLS opens the transport and completes the TLS handshake,
// classifying failures as ErrLinkFailed or ErrHandshakeFailed.
func (d *Dialer) dialTLS(ctx context.Context, ep Endpoint, id Identity, trustAnchor []byte) (*tls.Conn, error) {
	cfg, err := TLSConfig(ep.Host, id, trustAnchor, d.opts.ALPN, d.opts.Clock.Now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	raw, err := d.opts.Dial(ctx, "tcp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLinkFailed, ep, err)
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		if isLinkError(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrLinkFailed, ep, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrHandshakeFailed, ep, err)
	}

	state := conn.ConnectionState()
	d.logger.Debug("tls handshake complete",
		"broker", ep.String(),
		"tls_version", tls.VersionName(state.Version),
		"alpn", state.NegotiatedProtocol,
	)
	return conn, nil
}

// isLinkError reports whether a handshake error is really a transport
// failure (timeout or cancellation) rather than a TLS negotiation failure.
func isLinkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
