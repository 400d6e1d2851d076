package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrej220/netmonkey/pkg/connector"
	"github.com/andrej220/netmonkey/pkg/executor"
	"github.com/andrej220/netmonkey/pkg/netprobe"
	"github.com/andrej220/netmonkey/pkg/result"
)

// FromError turns a per-target failure into its result record. port is
// the negotiated port, zero when none was negotiated yet.
func FromError(host string, port int, err error) result.Record {
	if rec, ok := result.AsCustom(host, port, err); ok {
		return rec
	}
	var rejected *connector.AuthRejectedError
	switch {
	case errors.Is(err, netprobe.ErrHostUnreachable):
		return result.New(host, 0, result.Unreachable, result.MsgUnreachable)
	case errors.Is(err, netprobe.ErrPortClosed):
		return result.New(host, 0, result.PortClosed, result.MsgPortClosed)
	case errors.As(err, &rejected):
		return result.New(host, rejected.Port, result.AuthRejected, rejected.Error())
	case errors.Is(err, executor.ErrInvalidCommandKind):
		return result.New(host, port, result.InvalidCommand, err.Error())
	case errors.Is(err, ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return result.New(host, port, result.Timeout, result.MsgTimeout)
	}
	return result.New(host, port, result.Unknown, fmt.Sprintf("%s %v", result.MsgUnknown, err))
}
