package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/netmonkey/pkg/netprobe"
)

// legacy algorithms still offered by older IOS releases
var (
	legacyKeyExchanges = []string{
		"curve25519-sha256", "curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
		"diffie-hellman-group14-sha256", "diffie-hellman-group14-sha1",
		"diffie-hellman-group1-sha1",
	}
	legacyCiphers = []string{
		"aes128-gcm@openssh.com", "chacha20-poly1305@openssh.com",
		"aes128-ctr", "aes192-ctr", "aes256-ctr",
		"aes128-cbc", "3des-cbc",
	}
	legacyHostKeys = []string{
		ssh.KeyAlgoED25519, ssh.KeyAlgoECDSA256,
		ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSA,
	}
)

type SSHDialer struct {
	Opts Options
}

func (d SSHDialer) clientConfig(auth Auth) *ssh.ClientConfig {
	opts := d.Opts.withDefaults()
	answer := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = auth.Password
		}
		return answers, nil
	}
	cfg := &ssh.ClientConfig{
		User: auth.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(auth.Password),
			ssh.KeyboardInteractive(answer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         opts.ConnectTimeout,
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}
	if opts.LegacyAlgorithms {
		cfg.KeyExchanges = legacyKeyExchanges
		cfg.Ciphers = legacyCiphers
		cfg.HostKeyAlgorithms = legacyHostKeys
	}
	return cfg
}

func (d SSHDialer) Dial(ctx context.Context, host string, desc netprobe.Descriptor, auth Auth) (Session, error) {
	opts := d.Opts.withDefaults()
	addr := net.JoinHostPort(host, strconv.Itoa(desc.Port))

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	// bound the handshake, ssh.ClientConfig.Timeout only covers ssh.Dial
	_ = conn.SetDeadline(time.Now().Add(opts.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, d.clientConfig(auth))
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%s: %w: %v", addr, ErrAuthFailed, err)
		}
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("new session: %w", err)
	}
	closeAll := func() error {
		sess.Close()
		return client.Close()
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := sess.RequestPty("vt100", 0, 511, modes); err != nil {
		closeAll()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	sess.Stderr = io.Discard
	if err := sess.Shell(); err != nil {
		closeAll()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	c := newCLI(host, desc, auth.Secret, stdout, stdin, closeAll, opts)
	if err := c.prepare(ctx); err != nil {
		c.Disconnect()
		return nil, err
	}
	return c, nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}
