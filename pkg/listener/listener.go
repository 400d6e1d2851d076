// Package listener serves dispatch requests read from a queue.
package listener

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/netmonkey/internal/lg"
	"github.com/andrej220/netmonkey/pkg/consumer"
	"github.com/andrej220/netmonkey/pkg/executor"
	"github.com/andrej220/netmonkey/pkg/request"
	"github.com/andrej220/netmonkey/pkg/result"
	"github.com/andrej220/netmonkey/pkg/sink"
	"github.com/andrej220/netmonkey/pkg/target"
)

const readRetryDelay = time.Second

type Reader interface {
	Read(ctx context.Context) (request.Request, error)
}

type Runner interface {
	Run(ctx context.Context, src target.Source, cmd executor.Command) (*result.Collection, error)
}

type Listener struct {
	reader Reader
	runner Runner
	sink   sink.Sink
	// MaxRequestTime bounds one request, zero disables it.
	MaxRequestTime time.Duration
	retryDelay     time.Duration
}

func New(r Reader, run Runner, s sink.Sink) *Listener {
	return &Listener{reader: r, runner: run, sink: s, retryDelay: readRetryDelay}
}

// Serve handles requests one at a time until ctx is done.
func (l *Listener) Serve(ctx context.Context) error {
	logger := lg.FromContext(ctx)
	for {
		req, err := l.reader.Read(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, consumer.ErrDecode) {
				logger.Warn("dropping malformed request", lg.Err(err))
				continue
			}
			logger.Error("read request", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.retryDelay):
			}
			continue
		}
		l.handle(ctx, req)
	}
}

func (l *Listener) handle(ctx context.Context, req request.Request) {
	logger := lg.FromContext(ctx).With(lg.String("request_id", req.ID.String()))
	if err := req.Validate(); err != nil {
		logger.Warn("rejecting request", lg.Err(err))
		return
	}
	ctx = lg.Attach(ctx, logger)
	if l.MaxRequestTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.MaxRequestTime)
		defer cancel()
	}

	logger.Info("request received", lg.String("kind", string(req.Kind)), lg.String("source", req.Source().String()))
	coll, err := l.runner.Run(ctx, req.Source(), req.Cmd())
	if err != nil {
		logger.Error("request failed", lg.Err(err))
		return
	}
	if err := l.sink.Write(ctx, coll); err != nil {
		logger.Error("deliver results", lg.Err(err))
		return
	}
	logger.Info("request done", lg.Int("records", coll.Len()))
}
