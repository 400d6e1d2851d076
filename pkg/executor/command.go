package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andrej220/netmonkey/pkg/session"
)

var ErrInvalidCommandKind = errors.New(`command kind must be "show", "config" or "fn"`)

type Kind string

const (
	KindShow   Kind = "show"
	KindConfig Kind = "config"
	KindFunc   Kind = "fn"
)

// Func is a custom operation run against an authenticated session. Its
// return value becomes the record message; returning a *result.CustomError
// reports a custom outcome.
type Func func(ctx context.Context, s session.Session) (string, error)

// Command is what runs on every device of a batch.
type Command struct {
	Kind Kind
	Text string
	Fn   Func
}

// Show builds a show command. A leading "show" in text is optional.
func Show(text string) Command {
	return Command{Kind: KindShow, Text: strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "show "))}
}

// Config builds a configuration command set, one command per line.
func Config(text string) Command { return Command{Kind: KindConfig, Text: text} }

func Function(fn Func) Command { return Command{Kind: KindFunc, Fn: fn} }

func (c Command) Validate() error {
	switch c.Kind {
	case KindShow, KindConfig:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%s command: empty text", c.Kind)
		}
		return nil
	case KindFunc:
		if c.Fn == nil {
			return fmt.Errorf("%w: nil function", ErrInvalidCommandKind)
		}
		return nil
	}
	return fmt.Errorf("%w: got %q", ErrInvalidCommandKind, c.Kind)
}

// Lines returns the non-empty configuration lines.
func (c Command) Lines() []string {
	var out []string
	for _, line := range strings.Split(c.Text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (c Command) String() string {
	if c.Kind == KindFunc {
		return "fn"
	}
	return string(c.Kind) + ": " + c.Text
}
