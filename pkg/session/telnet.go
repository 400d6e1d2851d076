package session

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"

	"github.com/ziutek/telnet"

	"github.com/andrej220/netmonkey/pkg/netprobe"
)

// loginSteps bounds the Username/Password exchange.
const loginSteps = 4

type TelnetDialer struct {
	Opts Options
}

func (d TelnetDialer) Dial(ctx context.Context, host string, desc netprobe.Descriptor, auth Auth) (Session, error) {
	opts := d.Opts.withDefaults()
	addr := net.JoinHostPort(host, strconv.Itoa(desc.Port))

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	tc, err := telnet.NewConn(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("telnet %s: %w", addr, err)
	}
	tc.SetUnixWriteMode(true)

	c := newCLI(host, desc, auth.Secret, tc, tc, tc.Close, opts)
	if err := c.login(ctx, auth); err != nil {
		c.Disconnect()
		return nil, err
	}
	if err := c.prepare(ctx); err != nil {
		c.Disconnect()
		return nil, err
	}
	return c, nil
}

// login answers the Telnet login dialogue. A device that asks for
// credentials again, or answers the password with failure text,
// rejected them.
func (c *cli) login(ctx context.Context, auth Auth) error {
	sentPassword := false
	for step := 0; step < loginSteps; step++ {
		// failure text counts only once the password is sent
		patterns := []*regexp.Regexp{usernamePrompt, passwordPrompt, anyPrompt}
		if sentPassword {
			patterns = []*regexp.Regexp{loginFailure, usernamePrompt, passwordPrompt, anyPrompt}
		}
		i, _, err := c.expect(ctx, c.opts.ConnectTimeout, patterns...)
		if err != nil {
			return err
		}
		switch patterns[i] {
		case loginFailure:
			return fmt.Errorf("%s: %w", c.host, ErrAuthFailed)
		case usernamePrompt:
			if sentPassword {
				return fmt.Errorf("%s: %w", c.host, ErrAuthFailed)
			}
			err = c.write(auth.Username + "\n")
		case passwordPrompt:
			if sentPassword {
				return fmt.Errorf("%s: %w", c.host, ErrAuthFailed)
			}
			sentPassword = true
			err = c.write(auth.Password + "\n")
		case anyPrompt:
			return nil
		}
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: %w: login dialogue did not finish", c.host, ErrAuthFailed)
}
