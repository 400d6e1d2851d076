package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/netmonkey/pkg/connector"
	"github.com/andrej220/netmonkey/pkg/credential"
	"github.com/andrej220/netmonkey/pkg/executor"
	"github.com/andrej220/netmonkey/pkg/netprobe"
	"github.com/andrej220/netmonkey/pkg/result"
	"github.com/andrej220/netmonkey/pkg/session"
	"github.com/andrej220/netmonkey/pkg/target"
)

var testCreds = credential.Set{Username: "admin", Password: "pw", Secret: "s"}

type staticCreds struct {
	set   credential.Set
	err   error
	calls int32
}

func (c *staticCreds) Get(context.Context) (credential.Set, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.set, c.err
}

type countingResolver struct {
	target.StaticResolver
	calls int32
}

func (r *countingResolver) Resolve(ctx context.Context, src target.Source) ([]target.Target, error) {
	atomic.AddInt32(&r.calls, 1)
	return r.StaticResolver.Resolve(ctx, src)
}

// fakeNegotiator answers per host; unknown hosts negotiate SSH on 22.
type fakeNegotiator map[string]error

func (n fakeNegotiator) Negotiate(_ context.Context, host string) (netprobe.Descriptor, error) {
	if err, ok := n[host]; ok {
		return netprobe.Descriptor{}, fmt.Errorf("%s: %w", host, err)
	}
	return netprobe.Descriptor{Port: 22, Protocol: netprobe.SSH}, nil
}

type fakeSession struct {
	session.Session
	host    string
	port    int
	once    sync.Once
	onClose func()
}

func (s *fakeSession) Host() string { return s.host }
func (s *fakeSession) Port() int    { return s.port }
func (s *fakeSession) Disconnect() error {
	s.once.Do(s.onClose)
	return nil
}

// fakeConnector tracks how many sessions are open at once.
type fakeConnector struct {
	rejected map[string]bool
	open     int32
	peak     int32
	mu       sync.Mutex
}

func (c *fakeConnector) Connect(_ context.Context, host string, desc netprobe.Descriptor, _ credential.Set) (session.Session, error) {
	if c.rejected[host] {
		return nil, &connector.AuthRejectedError{Host: host, Port: desc.Port, Err: session.ErrAuthFailed}
	}
	n := atomic.AddInt32(&c.open, 1)
	c.mu.Lock()
	if n > c.peak {
		c.peak = n
	}
	c.mu.Unlock()
	return &fakeSession{host: host, port: desc.Port, onClose: func() { atomic.AddInt32(&c.open, -1) }}, nil
}

type execFunc func(ctx context.Context, sess session.Session, cmd executor.Command) (string, error)

func (f execFunc) Execute(ctx context.Context, sess session.Session, cmd executor.Command) (string, error) {
	return f(ctx, sess, cmd)
}

func showVersion(context.Context, session.Session, executor.Command) (string, error) {
	return "Cisco IOS Software, Version 15.0", nil
}

type harness struct {
	resolver *countingResolver
	creds    *staticCreds
	neg      fakeNegotiator
	conn     *fakeConnector
	exec     execFunc
	observer *countingObserver
}

type countingObserver struct {
	mu       sync.Mutex
	batches  int
	observed int
	opened   int
	closed   int
}

func (o *countingObserver) BatchStarted()  { o.mu.Lock(); o.batches++; o.mu.Unlock() }
func (o *countingObserver) SessionOpened() { o.mu.Lock(); o.opened++; o.mu.Unlock() }
func (o *countingObserver) SessionClosed() { o.mu.Lock(); o.closed++; o.mu.Unlock() }
func (o *countingObserver) Observe(result.Record) {
	o.mu.Lock()
	o.observed++
	o.mu.Unlock()
}

func newHarness() *harness {
	return &harness{
		resolver: &countingResolver{},
		creds:    &staticCreds{set: testCreds},
		neg:      fakeNegotiator{},
		conn:     &fakeConnector{rejected: map[string]bool{}},
		exec:     showVersion,
		observer: &countingObserver{},
	}
}

func (h *harness) dispatcher(opts Options) *Dispatcher {
	return New(Deps{
		Resolver:    h.resolver,
		Credentials: h.creds,
		Negotiator:  h.neg,
		Connector:   h.conn,
		Executor:    h.exec,
		Observer:    h.observer,
	}, opts)
}

func byHost(coll *result.Collection) map[string]result.Record {
	out := make(map[string]result.Record)
	for _, r := range coll.Records() {
		out[r.Host] = r
	}
	return out
}

func TestRunShowScenario(t *testing.T) {
	h := newHarness()
	h.neg["10.0.0.2"] = netprobe.ErrHostUnreachable

	coll, err := h.dispatcher(Options{Concurrency: 2}).RunShow(context.Background(), "version", target.FromList([]string{"10.0.0.1", "10.0.0.2"}))
	require.NoError(t, err)
	require.Equal(t, 2, coll.Len())

	recs := byHost(coll)
	ok := recs["10.0.0.1"]
	assert.Equal(t, result.Success, ok.Status)
	assert.Equal(t, 0, ok.Code)
	require.NotNil(t, ok.Port)
	assert.Equal(t, 22, *ok.Port)
	assert.Contains(t, ok.Message, "Cisco IOS")

	down := recs["10.0.0.2"]
	assert.Equal(t, result.Unreachable, down.Status)
	assert.Equal(t, 1, down.Code)
	assert.Nil(t, down.Port)
	assert.Equal(t, result.MsgUnreachable, down.Message)

	assert.Equal(t, 1, h.observer.batches)
	assert.Equal(t, 2, h.observer.observed)
	assert.Equal(t, h.observer.opened, h.observer.closed)
}

func TestRunOutcomes(t *testing.T) {
	h := newHarness()
	h.neg["closed"] = netprobe.ErrPortClosed
	h.conn.rejected["locked"] = true
	h.exec = func(ctx context.Context, sess session.Session, cmd executor.Command) (string, error) {
		switch sess.Host() {
		case "broken":
			return "", errors.New("unexpected prompt")
		case "custom":
			return "", &result.CustomError{Code: 42, Message: "needs upgrade"}
		}
		return "ok", nil
	}

	hosts := []string{"good", "closed", "locked", "broken", "custom"}
	coll, err := h.dispatcher(Options{Concurrency: 3}).RunShow(context.Background(), "clock", target.FromList(hosts))
	require.NoError(t, err)
	require.Equal(t, len(hosts), coll.Len())

	recs := byHost(coll)
	assert.Equal(t, result.Success, recs["good"].Status)

	assert.Equal(t, result.PortClosed, recs["closed"].Status)
	assert.Equal(t, 2, recs["closed"].Code)
	assert.Nil(t, recs["closed"].Port)

	assert.Equal(t, result.AuthRejected, recs["locked"].Status)
	assert.Equal(t, 3, recs["locked"].Code)
	assert.Equal(t, 22, recs["locked"].PortValue())

	assert.Equal(t, result.Unknown, recs["broken"].Status)
	assert.Equal(t, 4, recs["broken"].Code)
	assert.Contains(t, recs["broken"].Message, "unexpected prompt")

	assert.Equal(t, result.Custom, recs["custom"].Status)
	assert.Equal(t, 42, recs["custom"].Code)
	assert.Equal(t, "needs upgrade", recs["custom"].Message)
}

func TestConcurrencyBound(t *testing.T) {
	const k = 4
	h := newHarness()
	h.exec = func(context.Context, session.Session, executor.Command) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	}
	hosts := make([]string, 30)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("10.0.1.%d", i+1)
	}
	coll, err := h.dispatcher(Options{Concurrency: k}).RunShow(context.Background(), "version", target.FromList(hosts))
	require.NoError(t, err)
	assert.Equal(t, len(hosts), coll.Len())
	assert.LessOrEqual(t, h.conn.peak, int32(k))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.conn.open))
}

func TestTaskTimeout(t *testing.T) {
	h := newHarness()
	h.exec = func(ctx context.Context, sess session.Session, _ executor.Command) (string, error) {
		if sess.Host() == "slow" {
			<-ctx.Done()
			return "late", ctx.Err()
		}
		return "ok", nil
	}
	coll, err := h.dispatcher(Options{Concurrency: 2, TaskTimeout: 30 * time.Millisecond}).
		RunShow(context.Background(), "version", target.FromList([]string{"fast", "slow"}))
	require.NoError(t, err)
	require.Equal(t, 2, coll.Len())

	recs := byHost(coll)
	assert.Equal(t, result.Success, recs["fast"].Status)
	assert.Equal(t, result.Timeout, recs["slow"].Status)
	assert.Equal(t, 22, recs["slow"].PortValue())
}

func TestLateResultDiscarded(t *testing.T) {
	h := newHarness()
	h.exec = func(ctx context.Context, _ session.Session, _ executor.Command) (string, error) {
		<-ctx.Done()
		// ignores cancellation and reports success anyway
		time.Sleep(10 * time.Millisecond)
		return "finished late", nil
	}
	coll, err := h.dispatcher(Options{TaskTimeout: 20 * time.Millisecond}).
		RunShow(context.Background(), "version", target.FromHost("r1"))
	require.NoError(t, err)
	require.Equal(t, 1, coll.Len())
	assert.Equal(t, result.Timeout, coll.Records()[0].Status)
}

func TestBatchDeadlineFillsTimeouts(t *testing.T) {
	h := newHarness()
	h.exec = func(ctx context.Context, _ session.Session, _ executor.Command) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	hosts := []string{"a", "b", "c", "d", "e"}
	coll, err := h.dispatcher(Options{Concurrency: 1, BatchTimeout: 40 * time.Millisecond}).
		RunShow(context.Background(), "version", target.FromList(hosts))
	require.NoError(t, err)
	require.Equal(t, len(hosts), coll.Len())
	for _, r := range coll.Records() {
		assert.Equal(t, result.Timeout, r.Status, r.Host)
	}
}

func TestBatchDeadlineWithStuckTask(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	h := newHarness()
	h.exec = func(context.Context, session.Session, executor.Command) (string, error) {
		<-block
		return "too late", nil
	}
	d := h.dispatcher(Options{Concurrency: 2, BatchTimeout: 100 * time.Millisecond})

	type outcome struct {
		coll *result.Collection
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		coll, err := d.RunShow(context.Background(), "version", target.FromList([]string{"r1", "r2"}))
		done <- outcome{coll, err}
	}()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, 2, out.coll.Len())
		for _, r := range out.coll.Records() {
			assert.Equal(t, result.Timeout, r.Status, r.Host)
			assert.Equal(t, 22, r.PortValue(), r.Host)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not return after its deadline")
	}
}

func TestPanicBecomesUnknown(t *testing.T) {
	h := newHarness()
	h.exec = func(context.Context, session.Session, executor.Command) (string, error) {
		panic("nil map")
	}
	coll, err := h.dispatcher(Options{}).RunShow(context.Background(), "version", target.FromHost("r1"))
	require.NoError(t, err)
	require.Equal(t, 1, coll.Len())
	rec := coll.Records()[0]
	assert.Equal(t, result.Unknown, rec.Status)
	assert.Contains(t, rec.Message, "nil map")
	assert.Equal(t, h.observer.opened, h.observer.closed)
}

func TestInvalidCommandKindFailsBatch(t *testing.T) {
	h := newHarness()
	coll, err := h.dispatcher(Options{}).Run(context.Background(), target.FromHost("r1"), executor.Command{Kind: "reboot"})
	assert.ErrorIs(t, err, executor.ErrInvalidCommandKind)
	assert.Equal(t, 0, coll.Len())
	assert.Equal(t, int32(0), h.resolver.calls)
	assert.Equal(t, int32(0), h.creds.calls)
}

func TestCredentialFailureAbortsBeforeScheduling(t *testing.T) {
	h := newHarness()
	h.creds.err = credential.ErrIncomplete
	var executed int32
	h.exec = func(context.Context, session.Session, executor.Command) (string, error) {
		atomic.AddInt32(&executed, 1)
		return "", nil
	}
	coll, err := h.dispatcher(Options{}).RunShow(context.Background(), "version", target.FromHost("r1"))
	assert.ErrorIs(t, err, credential.ErrIncomplete)
	assert.Equal(t, 0, coll.Len())
	assert.Equal(t, int32(0), executed)
}

func TestResolverFailure(t *testing.T) {
	h := newHarness()
	_, err := h.dispatcher(Options{}).RunShow(context.Background(), "version", target.FromFilter(target.Filter{Site: "X"}))
	assert.ErrorIs(t, err, target.ErrUnsupportedSource)
	assert.Equal(t, int32(0), h.creds.calls)
}

func TestRunFunctionReceivesSession(t *testing.T) {
	h := newHarness()
	// the real executor is used so the Func reaches the session
	d := New(Deps{
		Resolver:    h.resolver,
		Credentials: h.creds,
		Negotiator:  h.neg,
		Connector:   h.conn,
		Executor:    executor.New(executor.Options{}),
	}, Options{Concurrency: 2})

	fn := func(_ context.Context, s session.Session) (string, error) {
		return "port " + fmt.Sprint(s.Port()), nil
	}
	coll, err := d.RunFunction(context.Background(), fn, target.FromList([]string{"r1", "r2"}))
	require.NoError(t, err)
	require.Equal(t, 2, coll.Len())
	for _, r := range coll.Records() {
		assert.Equal(t, result.Success, r.Status)
		assert.Equal(t, "port 22", r.Message)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.conn.open))
}

func TestEmptyBatch(t *testing.T) {
	h := newHarness()
	coll, err := h.dispatcher(Options{}).RunShow(context.Background(), "version", target.FromList(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, coll.Len())
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		port    int
		status  result.Status
		nilPort bool
	}{
		{"unreachable", fmt.Errorf("h: %w", netprobe.ErrHostUnreachable), 0, result.Unreachable, true},
		{"port closed", netprobe.ErrPortClosed, 0, result.PortClosed, true},
		{"auth", &connector.AuthRejectedError{Host: "h", Port: 23}, 23, result.AuthRejected, false},
		{"invalid kind", executor.ErrInvalidCommandKind, 22, result.InvalidCommand, false},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), 22, result.Timeout, false},
		{"task timeout", ErrTaskTimeout, 22, result.Timeout, false},
		{"other", errors.New("eof"), 22, result.Unknown, false},
		{"ping socket", fmt.Errorf("h: reachability check: %w", errors.New("socket: permission denied")), 0, result.Unknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := FromError("h", tt.port, tt.err)
			assert.Equal(t, tt.status, rec.Status)
			assert.Equal(t, tt.status.Code(), rec.Code)
			if tt.nilPort {
				assert.Nil(t, rec.Port)
			} else {
				assert.Equal(t, tt.port, rec.PortValue())
			}
		})
	}
}
