// Package progress reports how many targets of a batch have finished.
package progress

import (
	"context"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
)

const DefaultInterval = 500 * time.Millisecond

// Counter reports how many results have been collected so far.
type Counter interface {
	Len() int
}

type Reporter interface {
	// Update is called with the newly finished count, delta > 0.
	Update(delta, done, total int)
	Finish(done, total int)
}

type Monitor struct {
	counter  Counter
	total    int
	interval time.Duration
	reporter Reporter
}

func NewMonitor(c Counter, total int, r Reporter) *Monitor {
	if r == nil {
		r = Discard
	}
	return &Monitor{counter: c, total: total, interval: DefaultInterval, reporter: r}
}

// WithInterval overrides the polling interval.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

// Run polls the counter until every target is done or ctx ends. It is
// purely observational and always returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	seen := 0
	poll := func() bool {
		n := m.counter.Len()
		if n > seen {
			m.reporter.Update(n-seen, n, m.total)
			seen = n
		}
		return n >= m.total
	}
	defer func() { m.reporter.Finish(seen, m.total) }()

	if poll() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			poll()
			return nil
		case <-ticker.C:
			if poll() {
				return nil
			}
		}
	}
}

type discard struct{}

func (discard) Update(int, int, int) {}
func (discard) Finish(int, int)      {}

var Discard Reporter = discard{}

// BarReporter renders "Progress n/total Device" on w.
type BarReporter struct {
	bar *progressbar.ProgressBar
}

func NewBarReporter(w io.Writer, total int) *BarReporter {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Progress"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("Device"),
		progressbar.OptionShowIts(),
		progressbar.OptionThrottle(DefaultInterval),
		progressbar.OptionOnCompletion(func() { io.WriteString(w, "\n") }),
	)
	return &BarReporter{bar: bar}
}

func (b *BarReporter) Update(delta, _, _ int) { _ = b.bar.Add(delta) }

func (b *BarReporter) Finish(_, _ int) { _ = b.bar.Finish() }
