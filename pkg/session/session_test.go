package session

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/netmonkey/pkg/netprobe"
)

var testOpts = Options{
	ConnectTimeout: 2 * time.Second,
	CommandTimeout: 2 * time.Second,
	IdleDelay:      50 * time.Millisecond,
}

// fakeDevice emulates enough of an IOS exec shell for the CLI driver.
type fakeDevice struct {
	hostname string
	username string
	password string
	secret   string
	banner   string

	mu       sync.Mutex
	received []string
}

func (d *fakeDevice) lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

func (d *fakeDevice) record(line string) {
	d.mu.Lock()
	d.received = append(d.received, line)
	d.mu.Unlock()
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

// login runs the Telnet style dialogue.
func (d *fakeDevice) login(r *bufio.Reader, w io.Writer) bool {
	if d.banner != "" {
		io.WriteString(w, "\r\n"+d.banner+"\r\n")
	}
	io.WriteString(w, "\r\nUser Access Verification\r\n\r\nUsername: ")
	for attempt := 0; attempt < 2; attempt++ {
		user, err := readLine(r)
		if err != nil {
			return false
		}
		io.WriteString(w, user+"\r\nPassword: ")
		pw, err := readLine(r)
		if err != nil {
			return false
		}
		if user == d.username && pw == d.password {
			io.WriteString(w, "\r\n"+d.hostname+">")
			return true
		}
		io.WriteString(w, "\r\n% Login invalid\r\n\r\nUsername: ")
	}
	return false
}

func (d *fakeDevice) serve(r *bufio.Reader, w io.Writer) {
	priv, cfg := false, false
	prompt := func() string {
		p := d.hostname
		if cfg {
			p += "(config)"
		}
		if priv {
			return p + "#"
		}
		return p + ">"
	}
	for {
		line, err := readLine(r)
		if err != nil {
			return
		}
		d.record(line)
		io.WriteString(w, line+"\r\n")
		switch line {
		case "exit":
			return
		case "enable":
			io.WriteString(w, "Password: ")
			secret, err := readLine(r)
			if err != nil {
				return
			}
			if secret == d.secret {
				priv = true
			} else {
				io.WriteString(w, "% Access denied\r\n")
			}
			io.WriteString(w, "\r\n")
		case "configure terminal":
			cfg = true
			io.WriteString(w, "Enter configuration commands, one per line.  End with CNTL/Z.\r\n")
		case "end":
			cfg = false
		case "show version":
			io.WriteString(w, "Cisco IOS Software, C2960 Software, Version 15.0(2)SE\r\n")
		case "backup":
			io.WriteString(w, "Destination filename [backup]? ")
			continue
		}
		io.WriteString(w, prompt())
	}
}

func newDevice() *fakeDevice {
	return &fakeDevice{hostname: "R1", username: "admin", password: "pw", secret: "s3cret"}
}

func pipeCLI(t *testing.T, dev *fakeDevice) *cli {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		dev.serve(bufio.NewReader(server), server)
	}()
	c := newCLI("10.0.0.1", netprobe.Descriptor{Port: 22, Protocol: netprobe.SSH}, dev.secret, client, client, client.Close, testOpts)
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestCLIPrepareAndShow(t *testing.T) {
	dev := newDevice()
	c := pipeCLI(t, dev)
	ctx := context.Background()

	require.NoError(t, c.prepare(ctx))
	assert.Equal(t, "R1", c.hostname)
	assert.Equal(t, "R1>", c.lastPrompt)

	require.NoError(t, c.Enable(ctx))
	assert.Equal(t, "R1#", c.lastPrompt)
	// already privileged, no second enable
	require.NoError(t, c.Enable(ctx))

	out, err := c.SendCommand(ctx, "show version")
	require.NoError(t, err)
	assert.Contains(t, out, "Cisco IOS Software")
	assert.NotContains(t, out, "R1#")

	assert.Equal(t, []string{"", "terminal length 0", "terminal width 511", "enable", "show version"}, dev.lines())
}

func TestCLIEnableRejected(t *testing.T) {
	dev := newDevice()
	c := pipeCLI(t, dev)
	c.secret = "wrong"
	ctx := context.Background()

	require.NoError(t, c.prepare(ctx))
	err := c.Enable(ctx)
	assert.ErrorIs(t, err, ErrEnableFailed)
}

func TestCLIConfigModeRoundTrip(t *testing.T) {
	dev := newDevice()
	c := pipeCLI(t, dev)
	ctx := context.Background()

	require.NoError(t, c.prepare(ctx))
	require.NoError(t, c.Enable(ctx))
	require.NoError(t, c.ConfigMode(ctx))
	assert.Equal(t, "R1(config)#", c.lastPrompt)

	_, err := c.SendCommand(ctx, "logging host 10.1.1.1")
	require.NoError(t, err)

	require.NoError(t, c.ExitConfigMode(ctx))
	assert.Equal(t, "R1#", c.lastPrompt)
}

func TestCLISendCommandTiming(t *testing.T) {
	dev := newDevice()
	c := pipeCLI(t, dev)
	ctx := context.Background()

	require.NoError(t, c.prepare(ctx))
	out, err := c.SendCommandTiming(ctx, "backup")
	require.NoError(t, err)
	assert.Contains(t, out, "?")

	out, err = c.SendCommandTiming(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, out, "R1>")
}

func TestCLIContextCancelled(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	// drain writes but never answer
	go io.Copy(io.Discard, server)

	c := newCLI("10.0.0.1", netprobe.Descriptor{Port: 22, Protocol: netprobe.SSH}, "", client, client, client.Close, testOpts)
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.SendCommand(ctx, "show version")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCLIDisconnectIdempotent(t *testing.T) {
	dev := newDevice()
	c := pipeCLI(t, dev)
	require.NoError(t, c.prepare(context.Background()))
	assert.NoError(t, c.Disconnect())
	assert.NoError(t, c.Disconnect())
}

// sshServer accepts password logins and runs the fake device on each shell.
func sshServer(t *testing.T, dev *fakeDevice) int {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if meta.User() == dev.username && string(pw) == dev.password {
				return nil, nil
			}
			return nil, errors.New("bad password")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg, dev)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig, dev *fakeDevice) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range requests {
				req.Reply(req.Type == "pty-req" || req.Type == "shell", nil)
			}
		}()
		go func() {
			defer ch.Close()
			dev.serve(bufio.NewReader(ch), ch)
		}()
	}
}

func TestSSHDialer(t *testing.T) {
	dev := newDevice()
	port := sshServer(t, dev)
	desc := netprobe.Descriptor{Port: port, Protocol: netprobe.SSH}
	d := SSHDialer{Opts: testOpts}

	t.Run("authenticated", func(t *testing.T) {
		s, err := d.Dial(context.Background(), "127.0.0.1", desc, Auth{Username: "admin", Password: "pw", Secret: "s3cret"})
		require.NoError(t, err)
		defer s.Disconnect()

		assert.Equal(t, port, s.Port())
		assert.Equal(t, "cisco_ios_ssh", s.DeviceType())
		require.NoError(t, s.Enable(context.Background()))
		out, err := s.SendCommand(context.Background(), "show version")
		require.NoError(t, err)
		assert.Contains(t, out, "Cisco IOS Software")
	})

	t.Run("rejected", func(t *testing.T) {
		_, err := d.Dial(context.Background(), "127.0.0.1", desc, Auth{Username: "admin", Password: "nope"})
		assert.ErrorIs(t, err, ErrAuthFailed)
	})
}

func telnetServer(t *testing.T, dev *fakeDevice) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				if dev.login(r, conn) {
					dev.serve(r, conn)
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestTelnetDialer(t *testing.T) {
	dev := newDevice()
	port := telnetServer(t, dev)
	desc := netprobe.Descriptor{Port: port, Protocol: netprobe.Telnet}
	d := TelnetDialer{Opts: testOpts}

	t.Run("authenticated", func(t *testing.T) {
		s, err := d.Dial(context.Background(), "127.0.0.1", desc, Auth{Username: "admin", Password: "pw", Secret: "s3cret"})
		require.NoError(t, err)
		defer s.Disconnect()

		assert.Equal(t, "cisco_ios_telnet", s.DeviceType())
		require.NoError(t, s.Enable(context.Background()))
		out, err := s.SendCommand(context.Background(), "show version")
		require.NoError(t, err)
		assert.Contains(t, out, "Cisco IOS Software")
	})

	t.Run("rejected", func(t *testing.T) {
		_, err := d.Dial(context.Background(), "127.0.0.1", desc, Auth{Username: "admin", Password: "nope"})
		assert.ErrorIs(t, err, ErrAuthFailed)
	})
}

func TestTelnetDialerLegalBanner(t *testing.T) {
	dev := newDevice()
	dev.banner = "*** Unauthorized access denied. All activity is logged. ***"
	desc := netprobe.Descriptor{Port: telnetServer(t, dev), Protocol: netprobe.Telnet}
	d := TelnetDialer{Opts: testOpts}

	t.Run("authenticated", func(t *testing.T) {
		s, err := d.Dial(context.Background(), "127.0.0.1", desc, Auth{Username: "admin", Password: "pw"})
		require.NoError(t, err)
		defer s.Disconnect()
		out, err := s.SendCommand(context.Background(), "show version")
		require.NoError(t, err)
		assert.Contains(t, out, "Cisco IOS Software")
	})

	t.Run("rejected", func(t *testing.T) {
		_, err := d.Dial(context.Background(), "127.0.0.1", desc, Auth{Username: "admin", Password: "nope"})
		assert.ErrorIs(t, err, ErrAuthFailed)
	})
}

func TestProtocolDialerUnsupported(t *testing.T) {
	_, err := NewProtocolDialer(testOpts).Dial(context.Background(), "h", netprobe.Descriptor{Port: 1, Protocol: "rlogin"}, Auth{})
	assert.Error(t, err)
}
