// dial.go - Hub dialers.
// Copyright (C) 2026  The Aenigma Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/proxy"
	"gopkg.in/op/go-logging.v1"
)

const (
	// SchemeTCP is a plaintext TCP hub, for local testing.
	SchemeTCP = "tcp"

	// SchemeTLS is a TLS over TCP hub.
	SchemeTLS = "tls"

	// SchemeQUIC is a hub on a single QUIC stream.
	SchemeQUIC = "quic"

	keepAliveInterval = 3 * time.Minute
	defaultTimeout    = 1 * time.Minute
)

// ErrProxyUnsupported is returned when dialing QUIC through a SOCKS5 proxy.
var ErrProxyUnsupported = errors.New("hub: quic cannot be dialed through a proxy")

// ConnectError is the error used to indicate that a connect attempt has
// failed.
type ConnectError struct {
	// Err is the original error that caused the connect attempt to fail.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("hub: connect error: %v", e.Err)
}

// Unwrap returns the original error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

func newConnectError(f string, a ...interface{}) error {
	return &ConnectError{Err: fmt.Errorf(f, a...)}
}

// DialContextFunc dials a stream connection.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SOCKS5 returns a DialContextFunc connecting through the SOCKS5 proxy at
// address, for example a local Tor daemon.
func SOCKS5(network, address string) (DialContextFunc, error) {
	fwd := &net.Dialer{Timeout: defaultTimeout, KeepAlive: keepAliveInterval}
	d, err := proxy.SOCKS5(network, address, nil, fwd)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("hub: SOCKS5 dialer does not support contexts")
	}
	return cd.DialContext, nil
}

// ParseEndpoint resolves a guard hostname and an endpoint name into a hub
// URL.  Hostnames without a scheme use defaultScheme.
func ParseEndpoint(hostname, endpoint, defaultScheme string) (*url.URL, error) {
	if hostname == "" {
		return nil, fmt.Errorf("hub: empty hostname")
	}
	if !strings.Contains(hostname, "://") {
		hostname = defaultScheme + "://" + hostname
	}
	u, err := url.Parse(hostname)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeTCP, SchemeTLS, SchemeQUIC:
	default:
		return nil, fmt.Errorf("hub: unsupported scheme '%v'", u.Scheme)
	}
	if u.Host == "" || u.Port() == "" {
		return nil, fmt.Errorf("hub: '%v' has no host and port", hostname)
	}
	return u.JoinPath(endpoint), nil
}

// Dialer opens hub connections.
type Dialer struct {
	// DialContext dials TCP connections.  If nil a net.Dialer is used.
	DialContext DialContextFunc

	// TLSConfig is used for tls and quic hubs.  ServerName defaults to
	// the URL host.
	TLSConfig *tls.Config

	// Timeout bounds the connect and handshake.
	Timeout time.Duration

	Log *logging.Logger
}

func (d *Dialer) tlsConfig(u *url.URL, quicALPN bool) *tls.Config {
	cfg := new(tls.Config)
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}
	if quicALPN && len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{http3.NextProtoH3}
	}
	return cfg
}

// Dial connects to the hub at rawURL, as returned by ParseEndpoint, and
// performs the handshake for the URL's path.
func (d *Dialer) Dial(ctx context.Context, rawURL string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, newConnectError("invalid URL: %v", err)
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimPrefix(u.Path, "/")
	var conn *Conn
	switch u.Scheme {
	case SchemeTCP, SchemeTLS:
		dial := d.DialContext
		if dial == nil {
			nd := &net.Dialer{KeepAlive: keepAliveInterval}
			dial = nd.DialContext
		}
		nc, err := dial(ctx, "tcp", u.Host)
		if err != nil {
			return nil, newConnectError("%v", err)
		}
		if u.Scheme == SchemeTLS {
			tc := tls.Client(nc, d.tlsConfig(u, false))
			if err := tc.HandshakeContext(ctx); err != nil {
				nc.Close()
				return nil, newConnectError("tls: %v", err)
			}
			nc = tc
		}
		conn, err = NewConn(ctx, nc, endpoint, d.Log)
		if err != nil {
			return nil, err
		}
	case SchemeQUIC:
		if d.DialContext != nil {
			return nil, ErrProxyUnsupported
		}
		qc, err := quic.DialAddr(ctx, u.Host, d.tlsConfig(u, true), &quic.Config{KeepAlivePeriod: keepAliveInterval})
		if err != nil {
			return nil, newConnectError("quic: %v", err)
		}
		stream, err := qc.OpenStreamSync(ctx)
		if err != nil {
			qc.CloseWithError(0, "")
			return nil, newConnectError("quic: %v", err)
		}
		conn, err = NewConn(ctx, &quicConn{conn: qc, stream: stream}, endpoint, d.Log)
		if err != nil {
			return nil, err
		}
	default:
		return nil, newConnectError("unsupported scheme '%v'", u.Scheme)
	}
	d.Log.Debugf("Connected to %v.", u.Redacted())
	return conn, nil
}

// quicConn carries a hub connection on a single QUIC stream.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (q *quicConn) Read(b []byte) (int, error) {
	return q.stream.Read(b)
}

func (q *quicConn) Write(b []byte) (int, error) {
	return q.stream.Write(b)
}

func (q *quicConn) SetDeadline(t time.Time) error {
	return q.stream.SetDeadline(t)
}

// Close closes the stream and then the whole QUIC connection.
func (q *quicConn) Close() error {
	q.stream.Close()
	return q.conn.CloseWithError(0, "")
}
