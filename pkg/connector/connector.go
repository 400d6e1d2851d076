// Package connector opens authenticated sessions, retrying once with the
// fallback password when the primary one is rejected.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrej220/netmonkey/internal/lg"
	"github.com/andrej220/netmonkey/pkg/credential"
	"github.com/andrej220/netmonkey/pkg/netprobe"
	"github.com/andrej220/netmonkey/pkg/session"
)

// AuthRejectedError reports that both passwords were refused.
type AuthRejectedError struct {
	Host string
	Port int
	Err  error
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("%s: authentication rejected on port %d", e.Host, e.Port)
}

func (e *AuthRejectedError) Unwrap() error { return e.Err }

type Connector struct {
	dialer session.Dialer
}

func New(d session.Dialer) *Connector {
	return &Connector{dialer: d}
}

// Connect authenticates with the primary password and, only if that is
// rejected, once more with the fallback password over the same descriptor.
func (c *Connector) Connect(ctx context.Context, host string, desc netprobe.Descriptor, creds credential.Set) (session.Session, error) {
	log := lg.FromContext(ctx)

	primary := session.Auth{Username: creds.Username, Password: creds.Password, Secret: creds.Secret}
	sess, err := c.dialer.Dial(ctx, host, desc, primary)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrAuthFailed) {
		return nil, err
	}

	log.Debug("primary password rejected, trying fallback", lg.String("host", host), lg.Int("port", desc.Port))
	fallback := primary
	fallback.Password = creds.FallbackPassword
	sess, err = c.dialer.Dial(ctx, host, desc, fallback)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, session.ErrAuthFailed) {
		return nil, &AuthRejectedError{Host: host, Port: desc.Port, Err: err}
	}
	return nil, err
}
