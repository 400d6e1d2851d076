package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/netmonkey/pkg/netprobe"
)

var (
	// anyPrompt matches a generic IOS prompt at the end of the buffer.
	anyPrompt = regexp.MustCompile(`(?:^|\n)([\w.\-/:@]+)(\([\w.\-]+\))?([>#])\s*$`)

	passwordPrompt = regexp.MustCompile(`(?i)password\s*:\s*$`)
	usernamePrompt = regexp.MustCompile(`(?i)(user ?name|login)\s*:\s*$`)
	loginFailure   = regexp.MustCompile(`(?i)(% ?login invalid|% ?authentication failed|% ?bad passwords|access denied)`)
)

type chunk struct {
	data []byte
}

// cli drives a Cisco-style prompt over any byte stream.
type cli struct {
	host   string
	desc   netprobe.Descriptor
	secret string
	opts   Options

	w      io.Writer
	closer func() error

	chunks  chan chunk
	done    chan struct{}
	readErr error
	buf     bytes.Buffer

	prompt     *regexp.Regexp
	hostname   string
	lastPrompt string

	closeOnce sync.Once
	closeErr  error
}

func newCLI(host string, desc netprobe.Descriptor, secret string, r io.Reader, w io.Writer, closer func() error, opts Options) *cli {
	c := &cli{
		host:   host,
		desc:   desc,
		secret: secret,
		opts:   opts.withDefaults(),
		w:      w,
		closer: closer,
		chunks: make(chan chunk, 64),
		done:   make(chan struct{}),
		prompt: anyPrompt,
	}
	go c.readLoop(r)
	return c
}

func (c *cli) readLoop(r io.Reader) {
	defer close(c.chunks)
	p := make([]byte, 4096)
	for {
		n, err := r.Read(p)
		if n > 0 {
			data := make([]byte, n)
			copy(data, p[:n])
			select {
			case c.chunks <- chunk{data: data}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.readErr = err
			return
		}
	}
}

func (c *cli) Host() string       { return c.host }
func (c *cli) Port() int          { return c.desc.Port }
func (c *cli) DeviceType() string { return c.desc.DeviceType() }

func (c *cli) write(s string) error {
	if _, err := io.WriteString(c.w, s); err != nil {
		return fmt.Errorf("%s: write: %w", c.host, err)
	}
	return nil
}

// expect reads until one of the patterns matches the tail of the buffer.
// It returns the index of the matching pattern and the text preceding the match.
func (c *cli) expect(ctx context.Context, timeout time.Duration, patterns ...*regexp.Regexp) (int, string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if i, before, ok := c.match(patterns); ok {
			return i, before, nil
		}
		select {
		case ch, ok := <-c.chunks:
			if !ok {
				err := c.readErr
				if err == nil || err == io.EOF {
					err = ErrClosed
				}
				return -1, c.drain(), fmt.Errorf("%s: %w", c.host, err)
			}
			c.buf.Write(ch.data)
		case <-timer.C:
			return -1, c.drain(), fmt.Errorf("%s: no prompt after %s", c.host, timeout)
		case <-ctx.Done():
			return -1, c.drain(), ctx.Err()
		}
	}
}

func (c *cli) match(patterns []*regexp.Regexp) (int, string, bool) {
	data := c.buf.Bytes()
	for i, re := range patterns {
		loc := re.FindIndex(data)
		if loc == nil {
			continue
		}
		before := string(data[:loc[0]])
		if re == c.prompt || re == anyPrompt {
			c.lastPrompt = strings.TrimSpace(string(data[loc[0]:loc[1]]))
		}
		c.buf.Reset()
		return i, before, true
	}
	return -1, "", false
}

func (c *cli) drain() string {
	s := c.buf.String()
	c.buf.Reset()
	return s
}

// readIdle collects output until nothing arrives for the idle delay.
func (c *cli) readIdle(ctx context.Context) (string, error) {
	deadline := time.NewTimer(c.opts.CommandTimeout)
	defer deadline.Stop()
	idle := time.NewTimer(c.opts.IdleDelay)
	defer idle.Stop()
	for {
		select {
		case ch, ok := <-c.chunks:
			if !ok {
				out := c.drain()
				if out != "" {
					return out, nil
				}
				return "", fmt.Errorf("%s: %w", c.host, ErrClosed)
			}
			c.buf.Write(ch.data)
			idle.Reset(c.opts.IdleDelay)
		case <-idle.C:
			return c.finishIdle(), nil
		case <-deadline.C:
			return c.finishIdle(), nil
		case <-ctx.Done():
			return c.drain(), ctx.Err()
		}
	}
}

func (c *cli) finishIdle() string {
	if loc := c.prompt.FindIndex(c.buf.Bytes()); loc != nil {
		c.lastPrompt = strings.TrimSpace(string(c.buf.Bytes()[loc[0]:loc[1]]))
	}
	return c.drain()
}

// learnPrompt wakes the device, records its hostname and narrows the
// prompt pattern to it. Output is read until quiet so a banner prompt
// printed before the wake-up newline is not left in the stream.
func (c *cli) learnPrompt(ctx context.Context) error {
	if err := c.write("\n"); err != nil {
		return err
	}
	out, err := c.readIdle(ctx)
	if err != nil {
		return err
	}
	m := anyPrompt.FindStringSubmatch(out)
	if m == nil {
		return fmt.Errorf("%s: no prompt in %q", c.host, out)
	}
	c.hostname = m[1]
	c.lastPrompt = strings.TrimSpace(m[0])
	c.prompt = regexp.MustCompile(`(?:^|\n)` + regexp.QuoteMeta(c.hostname) + `(\([\w.\-]+\))?([>#])\s*$`)
	return nil
}

// prepare readies a freshly authenticated session for scripted use.
func (c *cli) prepare(ctx context.Context) error {
	if err := c.learnPrompt(ctx); err != nil {
		return err
	}
	for _, cmd := range []string{"terminal length 0", "terminal width 511"} {
		if _, err := c.SendCommand(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) privileged() bool { return strings.HasSuffix(c.lastPrompt, "#") }

func (c *cli) inConfig() bool { return strings.Contains(c.lastPrompt, "(config") }

func (c *cli) Enable(ctx context.Context) error {
	if c.privileged() {
		return nil
	}
	if err := c.write("enable\n"); err != nil {
		return err
	}
	i, _, err := c.expect(ctx, c.opts.CommandTimeout, passwordPrompt, c.prompt)
	if err != nil {
		return err
	}
	if i == 0 {
		if err := c.write(c.secret + "\n"); err != nil {
			return err
		}
		if _, _, err := c.expect(ctx, c.opts.CommandTimeout, c.prompt, passwordPrompt); err != nil {
			return err
		}
	}
	if !c.privileged() {
		return fmt.Errorf("%s: %w", c.host, ErrEnableFailed)
	}
	return nil
}

func (c *cli) ConfigMode(ctx context.Context) error {
	if c.inConfig() {
		return nil
	}
	if _, err := c.SendCommand(ctx, "configure terminal"); err != nil {
		return err
	}
	if !c.inConfig() {
		return fmt.Errorf("%s: %w", c.host, ErrConfigMode)
	}
	return nil
}

func (c *cli) ExitConfigMode(ctx context.Context) error {
	if !c.inConfig() {
		return nil
	}
	if _, err := c.SendCommand(ctx, "end"); err != nil {
		return err
	}
	if c.inConfig() {
		return fmt.Errorf("%s: still in configuration mode", c.host)
	}
	return nil
}

func (c *cli) SendCommand(ctx context.Context, cmd string) (string, error) {
	if err := c.write(cmd + "\n"); err != nil {
		return "", err
	}
	_, out, err := c.expect(ctx, c.opts.CommandTimeout, c.prompt)
	if err != nil {
		return out, fmt.Errorf("%s: %w", cmd, err)
	}
	return out, nil
}

func (c *cli) SendCommandTiming(ctx context.Context, cmd string) (string, error) {
	if err := c.write(cmd + "\n"); err != nil {
		return "", err
	}
	return c.readIdle(ctx)
}

func (c *cli) Disconnect() error {
	c.closeOnce.Do(func() {
		sent := make(chan struct{})
		go func() {
			_ = c.write("exit\n")
			close(sent)
		}()
		select {
		case <-sent:
		case <-time.After(time.Second):
		}
		close(c.done)
		if c.closer != nil {
			c.closeErr = c.closer()
		}
	})
	return c.closeErr
}
