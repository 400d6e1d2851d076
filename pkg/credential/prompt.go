package credential

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// TermPrompter asks on a terminal. Secrets are read without echo when in
// is a TTY.
type TermPrompter struct {
	in     *os.File
	out    io.Writer
	reader *bufio.Reader
}

func NewTermPrompter(in *os.File, out io.Writer) *TermPrompter {
	return &TermPrompter{in: in, out: out, reader: bufio.NewReader(in)}
}

func (p *TermPrompter) Prompt(ctx context.Context, label, def string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	if v := strings.TrimSpace(line); v != "" {
		return v, nil
	}
	return def, nil
}

func (p *TermPrompter) PromptSecret(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(p.out, "%s: ", label)
	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		line, err := p.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
