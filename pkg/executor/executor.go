// Package executor runs show, config and custom commands over an
// authenticated session.
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/andrej220/netmonkey/internal/lg"
	pc "github.com/andrej220/netmonkey/internal/processor"
	"github.com/andrej220/netmonkey/pkg/session"
)

const (
	DefaultSaveCommand   = "copy running-config startup-config"
	DefaultBackupCommand = "backup"

	// maxBackupAcks bounds the blank answers sent to the backup alias.
	maxBackupAcks = 2
)

type Options struct {
	SaveCommand   string
	BackupCommand string
}

type Executor struct {
	opts  Options
	chain *pc.ProcessorChain
}

func New(opts Options) *Executor {
	if opts.SaveCommand == "" {
		opts.SaveCommand = DefaultSaveCommand
	}
	if opts.BackupCommand == "" {
		opts.BackupCommand = DefaultBackupCommand
	}
	return &Executor{opts: opts, chain: pc.NewProcessorChain()}
}

// Execute runs cmd on sess and returns the message for the result record.
// The session is disconnected before Execute returns, whatever the kind.
func (e *Executor) Execute(ctx context.Context, sess session.Session, cmd Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	defer sess.Disconnect()

	switch cmd.Kind {
	case KindShow:
		return e.show(ctx, sess, cmd)
	case KindConfig:
		return e.config(ctx, sess, cmd)
	default:
		return cmd.Fn(ctx, sess)
	}
}

func (e *Executor) show(ctx context.Context, sess session.Session, cmd Command) (string, error) {
	if err := sess.Enable(ctx); err != nil {
		return "", err
	}
	line := "show " + cmd.Text
	raw, err := sess.SendCommand(ctx, line)
	if err != nil {
		return "", err
	}
	return e.normalize(raw, line), nil
}

func (e *Executor) config(ctx context.Context, sess session.Session, cmd Command) (string, error) {
	log := lg.FromContext(ctx)

	if err := sess.Enable(ctx); err != nil {
		return "", err
	}
	if err := sess.ConfigMode(ctx); err != nil {
		return "", err
	}
	var outputs []string
	for _, line := range cmd.Lines() {
		raw, err := sess.SendCommand(ctx, line)
		if err != nil {
			return "", fmt.Errorf("config line %q: %w", line, err)
		}
		if out := e.normalize(raw, line); out != "" {
			outputs = append(outputs, out)
		}
	}
	if err := sess.ExitConfigMode(ctx); err != nil {
		return "", err
	}
	if err := e.save(ctx, sess); err != nil {
		return "", err
	}
	backup, err := e.backup(ctx, sess)
	if err != nil {
		return "", err
	}
	log.Debug("configuration saved", lg.String("host", sess.Host()), lg.String("backup", backup))
	return strings.Join(outputs, "\n"), nil
}

// save persists the running configuration, confirming the destination
// filename question when the device asks it.
func (e *Executor) save(ctx context.Context, sess session.Session) error {
	out, err := sess.SendCommandTiming(ctx, e.opts.SaveCommand)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if strings.Contains(out, "?") {
		if _, err := sess.SendCommand(ctx, ""); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}
	return nil
}

// backup runs the backup alias and acknowledges its questions.
func (e *Executor) backup(ctx context.Context, sess session.Session) (string, error) {
	out, err := sess.SendCommandTiming(ctx, e.opts.BackupCommand)
	if err != nil {
		return "", fmt.Errorf("backup config: %w", err)
	}
	last := out
	for i := 0; i < maxBackupAcks && strings.Contains(last, "?"); i++ {
		last, err = sess.SendCommandTiming(ctx, "")
		if err != nil {
			return out, fmt.Errorf("backup config: %w", err)
		}
		out += last
	}
	return e.normalize(out, e.opts.BackupCommand), nil
}

// Backup returns a Func that only runs the backup alias, for batches
// that back up devices without changing them.
func (e *Executor) Backup() Func {
	return func(ctx context.Context, sess session.Session) (string, error) {
		if err := sess.Enable(ctx); err != nil {
			return "", err
		}
		return e.backup(ctx, sess)
	}
}

func (e *Executor) normalize(raw, line string) string {
	out, err := e.chain.Normalize(raw, line)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return out
}
