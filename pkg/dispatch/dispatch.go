// Package dispatch runs one command against many devices with bounded
// concurrency and collects exactly one result per device.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/netmonkey/internal/lg"
	"github.com/andrej220/netmonkey/pkg/credential"
	"github.com/andrej220/netmonkey/pkg/executor"
	"github.com/andrej220/netmonkey/pkg/netprobe"
	"github.com/andrej220/netmonkey/pkg/progress"
	"github.com/andrej220/netmonkey/pkg/result"
	"github.com/andrej220/netmonkey/pkg/session"
	"github.com/andrej220/netmonkey/pkg/target"
	"github.com/andrej220/netmonkey/pkg/workerpool"
)

var ErrTaskTimeout = errors.New("task timed out")

const (
	DefaultConcurrency = workerpool.TotalMaxWorkers
	DefaultTaskTimeout = 2 * time.Minute
)

type Negotiator interface {
	Negotiate(ctx context.Context, host string) (netprobe.Descriptor, error)
}

type Connector interface {
	Connect(ctx context.Context, host string, desc netprobe.Descriptor, creds credential.Set) (session.Session, error)
}

type Executor interface {
	Execute(ctx context.Context, sess session.Session, cmd executor.Command) (string, error)
}

type Credentials interface {
	Get(ctx context.Context) (credential.Set, error)
}

// Observer is notified of batch, session and result events.
type Observer interface {
	BatchStarted()
	SessionOpened()
	SessionClosed()
	Observe(rec result.Record)
}

type nopObserver struct{}

func (nopObserver) BatchStarted()         {}
func (nopObserver) SessionOpened()        {}
func (nopObserver) SessionClosed()        {}
func (nopObserver) Observe(result.Record) {}

type Deps struct {
	Resolver    target.Resolver
	Credentials Credentials
	Negotiator  Negotiator
	Connector   Connector
	Executor    Executor
	Observer    Observer
}

type Options struct {
	Concurrency int
	// TaskTimeout bounds a single device, zero disables it.
	TaskTimeout time.Duration
	// BatchTimeout bounds the whole run, zero disables it.
	BatchTimeout time.Duration
	// Reporter builds the progress reporter for a batch of total targets.
	Reporter         func(total int) progress.Reporter
	ProgressInterval time.Duration
}

type Dispatcher struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Dispatcher {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Dispatcher{deps: deps, opts: opts}
}

// WorkItem is the unit handed to the pool, one per target.
type WorkItem struct {
	Target  target.Target
	Command executor.Command
}

func (w WorkItem) String() string {
	return w.Target.Host + " " + w.Command.String()
}

func (d *Dispatcher) RunShow(ctx context.Context, cmd string, src target.Source) (*result.Collection, error) {
	return d.Run(ctx, src, executor.Show(cmd))
}

func (d *Dispatcher) RunConfig(ctx context.Context, cmd string, src target.Source) (*result.Collection, error) {
	return d.Run(ctx, src, executor.Config(cmd))
}

func (d *Dispatcher) RunFunction(ctx context.Context, fn executor.Func, src target.Source) (*result.Collection, error) {
	return d.Run(ctx, src, executor.Function(fn))
}

// Run validates cmd, resolves the targets, loads credentials and runs cmd
// on every target. Run-level failures return an empty collection.
func (d *Dispatcher) Run(ctx context.Context, src target.Source, cmd executor.Command) (*result.Collection, error) {
	runID := uuid.New()
	log := lg.FromContext(ctx).With(lg.String("run_id", runID.String()))
	ctx = lg.Attach(ctx, log)

	if err := cmd.Validate(); err != nil {
		return result.NewCollection(runID, 0), err
	}
	targets, err := d.deps.Resolver.Resolve(ctx, src)
	if err != nil {
		return result.NewCollection(runID, 0), fmt.Errorf("resolve %s: %w", src, err)
	}
	creds, err := d.deps.Credentials.Get(ctx)
	if err != nil {
		return result.NewCollection(runID, 0), fmt.Errorf("credentials: %w", err)
	}

	log.Info("batch started", lg.Int("targets", len(targets)), lg.String("command", cmd.String()),
		lg.Int("concurrency", d.opts.Concurrency))
	coll := d.dispatch(ctx, runID, targets, cmd, creds)
	log.Info("batch finished", lg.Int("records", coll.Len()), lg.Any("summary", summaryFields(coll)))
	return coll, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, runID uuid.UUID, targets []target.Target, cmd executor.Command, creds credential.Set) *result.Collection {
	log := lg.FromContext(ctx)
	coll := result.NewCollection(runID, len(targets))
	d.deps.Observer.BatchStarted()

	batchCtx, cancel := context.WithCancel(ctx)
	if d.opts.BatchTimeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, d.opts.BatchTimeout)
	}
	defer cancel()

	pool := workerpool.NewPool[WorkItem](d.opts.Concurrency, len(targets))

	tasks := make([]*task, 0, len(targets))
	for _, t := range targets {
		tk := &task{item: WorkItem{Target: t, Command: cmd}, coll: coll, observer: d.deps.Observer}
		tasks = append(tasks, tk)
		err := pool.Submit(workerpool.Job[WorkItem]{
			Payload: tk.item,
			Ctx:     batchCtx,
			Fn: func(ctx context.Context, _ WorkItem) error {
				return d.runTask(ctx, tk, creds)
			},
		})
		if err != nil {
			log.Warn("submission stopped", lg.Err(err), lg.Int("submitted", len(tasks)-1))
			break
		}
	}
	pool.Close()

	var reporter progress.Reporter = progress.Discard
	if d.opts.Reporter != nil {
		reporter = d.opts.Reporter(len(targets))
	}
	monitorCtx, stopMonitor := context.WithCancel(batchCtx)
	defer stopMonitor()

	// a worker stuck in a task that ignores ctx must not hold the batch past its deadline
	drained := make(chan struct{})
	go func() {
		pool.Wait()
		close(drained)
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer stopMonitor()
		select {
		case <-drained:
		case <-batchCtx.Done():
		}
		return nil
	})
	g.Go(func() error {
		return progress.NewMonitor(coll, len(targets), reporter).WithInterval(d.opts.ProgressInterval).Run(monitorCtx)
	})
	_ = g.Wait()

	// targets that never ran, or were cut off by the batch deadline
	for _, t := range targets[len(tasks):] {
		tasks = append(tasks, &task{item: WorkItem{Target: t, Command: cmd}, coll: coll, observer: d.deps.Observer})
	}
	for _, tk := range tasks {
		if tk.record(timeoutRecord(tk.item.Target.Host, tk.port(), batchCtx.Err())) {
			log.Warn("no result before batch deadline", lg.String("host", tk.item.Target.Host))
		}
	}
	return coll
}

// task guards the single record of one target.
type task struct {
	item     WorkItem
	coll     *result.Collection
	observer Observer

	once      sync.Once
	portValue atomic.Int32
}

func (t *task) port() int { return int(t.portValue.Load()) }

// record appends rec unless this task already has a record.
func (t *task) record(rec result.Record) bool {
	appended := false
	t.once.Do(func() {
		t.coll.Append(rec)
		t.observer.Observe(rec)
		appended = true
	})
	return appended
}

func (d *Dispatcher) runTask(ctx context.Context, tk *task, creds credential.Set) (err error) {
	host := tk.item.Target.Host
	log := lg.FromContext(ctx).With(lg.String("host", host))
	ctx = lg.Attach(ctx, log)
	start := time.Now()

	finish := func(rec result.Record) {
		rec.Duration = time.Since(start)
		if !tk.record(rec) {
			log.Debug("late result discarded", lg.String("status", rec.Status.String()))
			return
		}
		log.Info("device finished", lg.String("status", rec.Status.String()), lg.Int("port", rec.PortValue()),
			lg.Duration("duration", rec.Duration))
	}

	if d.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, d.opts.TaskTimeout, ErrTaskTimeout)
		defer cancel()
	}
	// record the timeout as soon as it happens rather than when the chain unwinds
	stop := context.AfterFunc(ctx, func() {
		finish(timeoutRecord(host, tk.port(), ctx.Err()))
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", lg.Any("panic", r))
			finish(result.New(host, tk.port(), result.Unknown, fmt.Sprintf("%s %v", result.MsgUnknown, r)))
			err = fmt.Errorf("%s: panic: %v", host, r)
		}
	}()

	desc, err := d.deps.Negotiator.Negotiate(ctx, host)
	if err != nil {
		finish(FromError(host, 0, err))
		return err
	}
	tk.portValue.Store(int32(desc.Port))
	log.Debug("negotiated", lg.String("protocol", string(desc.Protocol)), lg.Int("port", desc.Port))

	sess, err := d.deps.Connector.Connect(ctx, host, desc, creds)
	if err != nil {
		finish(FromError(host, desc.Port, err))
		return err
	}
	d.deps.Observer.SessionOpened()
	defer d.deps.Observer.SessionClosed()
	defer sess.Disconnect()

	msg, err := d.deps.Executor.Execute(ctx, sess, tk.item.Command)
	if err != nil {
		finish(FromError(host, desc.Port, err))
		return err
	}
	finish(result.Succeeded(host, desc.Port, msg))
	return nil
}

func timeoutRecord(host string, port int, err error) result.Record {
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return result.New(host, port, result.Unknown, fmt.Sprintf("%s %v", result.MsgUnknown, err))
	}
	return result.New(host, port, result.Timeout, result.MsgTimeout)
}

func summaryFields(coll *result.Collection) map[string]int {
	out := make(map[string]int)
	for status, n := range coll.Summary() {
		out[status.String()] = n
	}
	return out
}
