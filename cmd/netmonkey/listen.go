package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/netmonkey/internal/config"
	"github.com/andrej220/netmonkey/internal/lg"
	"github.com/andrej220/netmonkey/internal/serverutil"
	"github.com/andrej220/netmonkey/pkg/consumer"
	"github.com/andrej220/netmonkey/pkg/dispatch"
	"github.com/andrej220/netmonkey/pkg/executor"
	"github.com/andrej220/netmonkey/pkg/listener"
	"github.com/andrej220/netmonkey/pkg/metrics"
	"github.com/andrej220/netmonkey/pkg/request"
	"github.com/andrej220/netmonkey/pkg/result"
	"github.com/andrej220/netmonkey/pkg/target"
)

var errNoQueue = errors.New("listen.kafka.brokers and listen.kafka.topic are required")

func newListenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Serve dispatch requests queued on a Kafka topic",
		Long: `listen consumes show and config requests from listen.kafka.topic, runs
them one at a time and delivers the results to the configured outputs.
Device credentials must come from the environment.

With listen.http_addr set it also serves /metrics and accepts requests
with POST /requests, which are queued on the same topic.

Edits to the config file are picked up for the next request.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listen(cmd.Context())
		},
	}
	fs := cmd.Flags()
	fs.StringSlice("brokers", nil, "Kafka brokers, host:port")
	fs.String("topic", "", "request topic")
	fs.String("group", "netmonkey", "consumer group")
	fs.String("http-addr", "", "address for /metrics and /requests, empty disables it")
	a.bind(fs, map[string]string{
		"brokers":   "listen.kafka.brokers",
		"topic":     "listen.kafka.topic",
		"group":     "listen.kafka.group_id",
		"http-addr": "listen.http_addr",
	})
	return cmd
}

func (a *app) listen(ctx context.Context) error {
	queue := a.cfg.Listen.Kafka
	if !queue.Enabled() {
		return errNoQueue
	}
	logger := a.logger.With(lg.String("topic", queue.Topic))

	m := metrics.New(version)
	creds := a.credentials()
	resolver := newOrionResolver(a.cfg.Inventory, a.prompter)
	runner := &reloadingRunner{}
	runner.swap(a.build(a.cfg, creds, resolver, m, false).dispatcher)

	if a.loader.File() != "" {
		err := a.loader.Watch(func(cfg *config.Config) {
			runner.swap(a.build(cfg, creds, resolver, m, false).dispatcher)
			logger.Info("config reloaded", lg.Int("concurrency", cfg.Concurrency), lg.Duration("task_timeout", cfg.TaskTimeout))
		}, func(err error) {
			logger.Warn("config reload rejected", lg.Err(err))
		})
		if err != nil {
			logger.Warn("config watch disabled", lg.Err(err))
		}
	}

	out, err := a.openSinks(ctx, m)
	if err != nil {
		return err
	}
	defer out.Close()

	reader := consumer.NewConsumer[request.Request](consumer.Config{
		Brokers: queue.Brokers,
		Topic:   queue.Topic,
		GroupID: queue.GroupID,
	})
	defer reader.Close()

	l := listener.New(reader, runner, out)
	l.MaxRequestTime = a.cfg.Listen.MaxRequestTime

	g, ctx := errgroup.WithContext(lg.Attach(ctx, logger))
	g.Go(func() error { return l.Serve(ctx) })

	if addr := a.cfg.Listen.HTTPAddr; addr != "" {
		producer := consumer.NewProducer[request.Request](consumer.Config{Brokers: queue.Brokers, Topic: queue.Topic})
		defer producer.Close()

		srv := serverutil.DefaultServerConfig()
		srv.Addr = addr
		g.Go(func() error { return serverutil.RunServer(ctx, newHTTPHandler(m, producer), srv) })
	}

	logger.Info("listening for requests", lg.Int("brokers", len(queue.Brokers)))
	return g.Wait()
}

// reloadingRunner runs every request on the latest dispatcher.
type reloadingRunner struct {
	current atomic.Pointer[dispatch.Dispatcher]
}

func (r *reloadingRunner) swap(d *dispatch.Dispatcher) { r.current.Store(d) }

func (r *reloadingRunner) Run(ctx context.Context, src target.Source, cmd executor.Command) (*result.Collection, error) {
	return r.current.Load().Run(ctx, src, cmd)
}

type publisher interface {
	Publish(ctx context.Context, key string, req request.Request) error
}

func newHTTPHandler(m *metrics.Metrics, pub publisher) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/requests", serverutil.NewValidationHandler[request.Request](enqueueHandler(pub)))
	return mux
}

type enqueueResponse struct {
	ID uuid.UUID `json:"id"`
}

func enqueueHandler(pub publisher) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		req, ok := serverutil.RequestFrom[request.Request](r.Context())
		if !ok {
			http.Error(rw, "missing request", http.StatusInternalServerError)
			return
		}
		if req.ID == uuid.Nil {
			req.ID = uuid.New()
		}
		if err := pub.Publish(r.Context(), req.ID.String(), req); err != nil {
			lg.FromContext(r.Context()).Error("queue request", lg.Err(err))
			http.Error(rw, "cannot queue request", http.StatusBadGateway)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(rw).Encode(enqueueResponse{ID: req.ID})
	})
}
