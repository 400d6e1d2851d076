// Package netprobe decides how to reach a device: a single ICMP echo,
// then a TCP probe of the SSH and Telnet ports.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/andrej220/netmonkey/internal/lg"
)

var (
	ErrHostUnreachable = errors.New("host is not network-reachable")
	ErrPortClosed      = errors.New("neither port 22 nor 23 is open")
)

type Protocol string

const (
	SSH    Protocol = "ssh"
	Telnet Protocol = "telnet"
)

// Descriptor is the negotiated port and protocol of one target. It is
// decided once and never re-derived.
type Descriptor struct {
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
}

// DeviceType is the device family tag for the negotiated protocol.
func (d Descriptor) DeviceType() string {
	return "cisco_ios_" + string(d.Protocol)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%d", d.Protocol, d.Port)
}

// Candidate ports in probe order.
var DefaultCandidates = []Descriptor{
	{Port: 22, Protocol: SSH},
	{Port: 23, Protocol: Telnet},
}

type Pinger interface {
	Ping(ctx context.Context, host string) (bool, error)
}

type PortProber interface {
	Open(ctx context.Context, host string, port int) bool
}

// Negotiator runs the reachability probe and the port probe.
type Negotiator struct {
	Pinger     Pinger // nil skips the reachability probe
	Prober     PortProber
	Candidates []Descriptor
}

func NewNegotiator(p Pinger, pp PortProber) *Negotiator {
	return &Negotiator{Pinger: p, Prober: pp, Candidates: DefaultCandidates}
}

func (n *Negotiator) Negotiate(ctx context.Context, host string) (Descriptor, error) {
	logger := lg.FromContext(ctx)

	if n.Pinger != nil {
		ok, err := n.Pinger.Ping(ctx, host)
		if err != nil {
			// the echo never completed, so the host state is unknown
			logger.Warn("reachability check failed", lg.Err(err))
			return Descriptor{}, fmt.Errorf("%s: reachability check: %w", host, err)
		}
		if !ok {
			return Descriptor{}, fmt.Errorf("%s: %w", host, ErrHostUnreachable)
		}
	}

	for _, c := range n.Candidates {
		if n.Prober.Open(ctx, host, c.Port) {
			logger.Debug("port open", lg.Int("port", c.Port), lg.String("protocol", string(c.Protocol)))
			return c, nil
		}
		if err := ctx.Err(); err != nil {
			return Descriptor{}, err
		}
	}
	return Descriptor{}, fmt.Errorf("%s: %w", host, ErrPortClosed)
}

// ICMPPinger sends a single echo request. Unprivileged mode uses UDP
// "ping" sockets, which need net.ipv4.ping_group_range on Linux.
type ICMPPinger struct {
	Timeout    time.Duration
	Privileged bool
}

// Ping reports false with a nil error only when the echo went out and
// nothing came back. Unresolvable names count as unreachable.
func (p ICMPPinger) Ping(ctx context.Context, host string) (bool, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		lg.FromContext(ctx).Debug("name did not resolve", lg.String("host", host), lg.Err(err))
		return false, nil
	}
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	if pinger.Timeout <= 0 {
		pinger.Timeout = 2 * time.Second
	}
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("ping %s: %w", host, err)
	}
	return pinger.Statistics().PacketsRecv > 0, nil
}

// TCPProber reports whether a TCP connection can be opened.
type TCPProber struct {
	Timeout time.Duration
}

func (p TCPProber) Open(ctx context.Context, host string, port int) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
