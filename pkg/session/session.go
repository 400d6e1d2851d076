// Package session provides authenticated interactive CLI sessions to
// network devices over SSH or Telnet.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/netmonkey/pkg/netprobe"
)

var (
	ErrAuthFailed   = errors.New("authentication failed")
	ErrEnableFailed = errors.New("failed to enter privileged mode")
	ErrConfigMode   = errors.New("failed to enter configuration mode")
	ErrClosed       = errors.New("session closed")
)

// Session is an interactive CLI bound to one device.
type Session interface {
	Host() string
	Port() int
	DeviceType() string

	// Enable elevates to privileged exec using the enable secret.
	Enable(ctx context.Context) error
	ConfigMode(ctx context.Context) error
	ExitConfigMode(ctx context.Context) error

	// SendCommand sends cmd and waits for the device prompt.
	SendCommand(ctx context.Context, cmd string) (string, error)
	// SendCommandTiming sends cmd and returns once output goes quiet,
	// for commands that end in an interactive question instead of a prompt.
	SendCommandTiming(ctx context.Context, cmd string) (string, error)

	// Disconnect is safe to call more than once.
	Disconnect() error
}

type Auth struct {
	Username string
	Password string
	Secret   string
}

// Dialer opens an authenticated session. Rejected credentials are
// reported by wrapping ErrAuthFailed.
type Dialer interface {
	Dial(ctx context.Context, host string, desc netprobe.Descriptor, auth Auth) (Session, error)
}

type Options struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// IdleDelay is how long output must stay quiet for SendCommandTiming.
	IdleDelay time.Duration
	// LegacyAlgorithms enables the SHA1 key exchanges and CBC ciphers
	// older IOS images still require.
	LegacyAlgorithms bool
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   10 * time.Second,
		CommandTimeout:   30 * time.Second,
		IdleDelay:        2 * time.Second,
		LegacyAlgorithms: true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	if o.IdleDelay <= 0 {
		o.IdleDelay = d.IdleDelay
	}
	return o
}

// ProtocolDialer picks the dialer matching the negotiated protocol.
type ProtocolDialer struct {
	SSH    Dialer
	Telnet Dialer
}

func NewProtocolDialer(opts Options) ProtocolDialer {
	return ProtocolDialer{SSH: SSHDialer{Opts: opts}, Telnet: TelnetDialer{Opts: opts}}
}

func (p ProtocolDialer) Dial(ctx context.Context, host string, desc netprobe.Descriptor, auth Auth) (Session, error) {
	switch desc.Protocol {
	case netprobe.SSH:
		return p.SSH.Dial(ctx, host, desc, auth)
	case netprobe.Telnet:
		return p.Telnet.Dial(ctx, host, desc, auth)
	}
	return nil, errors.New("unsupported protocol " + string(desc.Protocol))
}
