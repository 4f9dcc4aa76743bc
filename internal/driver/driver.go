package driver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/prologueii14/pqctls/internal/endpoint"
	simerrors "github.com/prologueii14/pqctls/pkg/errors"
)

// Driver performs one simulated connection. Connect returns nil on
// success and a CONNECTION_FAILED error otherwise; it must be safe for
// concurrent use.
type Driver interface {
	Connect(ctx context.Context, payloadSize int) error
}

// Func adapts a function to the Driver interface.
type Func func(ctx context.Context, payloadSize int) error

func (f Func) Connect(ctx context.Context, payloadSize int) error { return f(ctx, payloadSize) }

// TLSDriver opens a TLS 1.3 connection per call, sends the payload and
// waits for the endpoint's acknowledgement.
type TLSDriver struct {
	addr    string
	timeout time.Duration
	config  *tls.Config
}

// Option customizes a TLSDriver.
type Option func(*TLSDriver)

// WithTimeout bounds each attempt, handshake included.
func WithTimeout(d time.Duration) Option {
	return func(t *TLSDriver) { t.timeout = d }
}

// WithTLSConfig replaces the client TLS configuration.
func WithTLSConfig(c *tls.Config) Option {
	return func(t *TLSDriver) { t.config = c }
}

// NewTLSDriver targets addr. Without a CA the endpoint certificate is not
// verified, which matches the self-signed endpoint.
func NewTLSDriver(addr string, opts ...Option) *TLSDriver {
	d := &TLSDriver{
		addr:    addr,
		timeout: 10 * time.Second,
		config: &tls.Config{
			MinVersion:         tls.VersionTLS13,
			NextProtos:         []string{endpoint.ALPN},
			CurvePreferences:   []tls.CurveID{tls.X25519MLKEM768, tls.X25519},
			InsecureSkipVerify: true,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClientTLSConfig trusts the PEM certificate in caFile.
func ClientTLSConfig(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return &tls.Config{
		MinVersion:       tls.VersionTLS13,
		NextProtos:       []string{endpoint.ALPN},
		CurvePreferences: []tls.CurveID{tls.X25519MLKEM768, tls.X25519},
		RootCAs:          pool,
	}, nil
}

func (d *TLSDriver) Connect(ctx context.Context, payloadSize int) error {
	if err := ctx.Err(); err != nil {
		return simerrors.ErrConnectionFailed("dial "+d.addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    d.config,
	}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return simerrors.ErrConnectionFailed("dial "+d.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := endpoint.WriteRequest(conn, payloadSize); err != nil {
		return simerrors.ErrConnectionFailed("send payload", err)
	}
	n, err := endpoint.ReadAck(conn)
	if err != nil {
		return simerrors.ErrConnectionFailed("read acknowledgement", err)
	}
	if n != int64(payloadSize) {
		return simerrors.ErrConnectionFailed(fmt.Sprintf("endpoint acknowledged %d of %d bytes", n, payloadSize), nil)
	}
	return nil
}
