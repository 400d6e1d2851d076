package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/andrej220/netmonkey/internal/config"
	"github.com/andrej220/netmonkey/internal/lg"
	"github.com/andrej220/netmonkey/pkg/connector"
	"github.com/andrej220/netmonkey/pkg/credential"
	"github.com/andrej220/netmonkey/pkg/dispatch"
	"github.com/andrej220/netmonkey/pkg/executor"
	"github.com/andrej220/netmonkey/pkg/inventory"
	"github.com/andrej220/netmonkey/pkg/metrics"
	"github.com/andrej220/netmonkey/pkg/netprobe"
	"github.com/andrej220/netmonkey/pkg/progress"
	"github.com/andrej220/netmonkey/pkg/result"
	"github.com/andrej220/netmonkey/pkg/session"
	"github.com/andrej220/netmonkey/pkg/sink"
	"github.com/andrej220/netmonkey/pkg/target"
)

// services is everything one configuration revision builds.
type services struct {
	dispatcher *dispatch.Dispatcher
	executor   *executor.Executor
}

func (a *app) build(cfg *config.Config, creds dispatch.Credentials, resolver target.Resolver, m *metrics.Metrics, showProgress bool) services {
	var pinger netprobe.Pinger
	if cfg.Probe.ICMP {
		pinger = netprobe.ICMPPinger{Timeout: cfg.Probe.PingTimeout, Privileged: cfg.Probe.Privileged}
	}
	negotiator := netprobe.NewNegotiator(pinger, netprobe.TCPProber{Timeout: cfg.Probe.PortTimeout})

	dialer := session.NewProtocolDialer(session.Options{
		ConnectTimeout:   cfg.SSH.Timeout,
		CommandTimeout:   cfg.CLI.CommandTimeout,
		IdleDelay:        cfg.CLI.IdleDelay,
		LegacyAlgorithms: cfg.SSH.LegacyAlgorithms,
	})
	exec := executor.New(executor.Options{
		SaveCommand:   cfg.CLI.SaveCommand,
		BackupCommand: cfg.CLI.BackupCommand,
	})

	opts := dispatch.Options{
		Concurrency:  cfg.Concurrency,
		TaskTimeout:  cfg.TaskTimeout,
		BatchTimeout: cfg.BatchTimeout,
	}
	if showProgress {
		opts.Reporter = func(total int) progress.Reporter { return progress.NewBarReporter(a.stderr, total) }
	}

	d := dispatch.New(dispatch.Deps{
		Resolver:    resolver,
		Credentials: creds,
		Negotiator:  negotiator,
		Connector:   connector.New(dialer),
		Executor:    exec,
		Observer:    m,
	}, opts)
	return services{dispatcher: d, executor: exec}
}

func (a *app) credentials() *credential.Store {
	return credential.NewStore(a.prompter, credential.FromEnv())
}

// orionResolver asks for Orion credentials the first time a filter
// needs the inventory, and again after a failed prompt. Host lists
// never touch it.
type orionResolver struct {
	cfg      config.InventoryConfig
	prompter credential.Prompter

	mu    sync.Mutex
	inner *inventory.Resolver
}

func newOrionResolver(cfg config.InventoryConfig, p credential.Prompter) *orionResolver {
	return &orionResolver{cfg: cfg, prompter: p}
}

func (r *orionResolver) Resolve(ctx context.Context, src target.Source) ([]target.Target, error) {
	if src.Kind != target.Query {
		return target.StaticResolver{}.Resolve(ctx, src)
	}
	if r.cfg.URL == "" {
		return nil, fmt.Errorf("%w: inventory.url is not configured", target.ErrUnsupportedSource)
	}
	inner, err := r.resolver(ctx)
	if err != nil {
		return nil, err
	}
	return inner.Resolve(ctx, src)
}

func (r *orionResolver) resolver(ctx context.Context) (*inventory.Resolver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inner != nil {
		return r.inner, nil
	}
	username, password, err := inventory.PromptCredentials(ctx, r.prompter, r.cfg.Username, r.cfg.Password)
	if err != nil {
		return nil, err
	}
	client := inventory.NewClient(inventory.ClientConfig{
		URL:         r.cfg.URL,
		Username:    username,
		Password:    password,
		InsecureTLS: r.cfg.InsecureTLS,
	})
	r.inner = inventory.NewResolver(client, r.cfg.BaseQuery)
	return r.inner, nil
}

// openSinks adds the configured outputs to base.
func (a *app) openSinks(ctx context.Context, m *metrics.Metrics, base ...sink.Sink) (sink.Multi, error) {
	out := sink.Multi(base)
	o := a.cfg.Output
	if o.JSON != "" {
		out = append(out, sink.NewJSONFile(o.JSON))
	}
	if o.Kafka.Enabled() {
		out = append(out, sink.NewKafka(o.Kafka.Brokers, o.Kafka.Topic))
	}
	if o.Mongo.Enabled() {
		mongo, err := sink.NewMongo(ctx, o.Mongo.URI, o.Mongo.Database, o.Mongo.Collection)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out = append(out, mongo)
	}
	if path := a.cfg.Metrics.Textfile; path != "" {
		out = append(out, textfileSink{metrics: m, path: path})
	}
	return out, nil
}

// textfileSink refreshes the node-exporter textfile after every batch.
type textfileSink struct {
	metrics *metrics.Metrics
	path    string
}

func (t textfileSink) Write(ctx context.Context, _ *result.Collection) error {
	if err := t.metrics.WriteTextfile(t.path); err != nil {
		return err
	}
	lg.FromContext(ctx).Debug("metrics written", lg.String("path", t.path))
	return nil
}

func (textfileSink) Close() error { return nil }
func (textfileSink) Name() string { return "metrics" }
