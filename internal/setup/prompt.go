// Package setup holds the interactive parts of shelfsync: the first-run wizard,
// the conflict resolution walk-through, and the systemd user unit installer.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// errNoInput is returned when the reader is exhausted before an answer that
// has no default.
var errNoInput = errors.New("no input")

// Prompter asks the questions setup needs on a line-oriented terminal. In
// production it reads os.Stdin and writes os.Stdout; tests feed it buffers.
type Prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewPrompter creates a Prompter reading answers from r and writing prompts to w.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{in: bufio.NewScanner(r), out: w}
}

// ask prints one prompt and returns the trimmed answer. ok is false at EOF.
func (p *Prompter) ask(label, hint string) (answer string, ok bool) {
	if hint != "" {
		_, _ = fmt.Fprintf(p.out, "  %s [%s]: ", label, hint)
	} else {
		_, _ = fmt.Fprintf(p.out, "  %s: ", label)
	}
	if !p.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.in.Text()), true
}

func (p *Prompter) retry(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, "  ("+format+")\n", args...)
}

// String asks for free text. Enter or EOF yields def; with an empty def the
// question repeats until something is typed.
func (p *Prompter) String(label, def string) string {
	for {
		val, ok := p.ask(label, def)
		switch {
		case !ok, val == "" && def != "":
			return def
		case val == "":
			p.retry("required, please enter a value")
		default:
			return val
		}
	}
}

// Credential is how the wizard authenticates against the inventory server:
// either a literal bearer token or a file the daemon re-reads on every request.
type Credential struct {
	Token     string
	TokenFile string
}

// Token asks for the server access token. An answer starting with @ names a
// token file, which must exist and hold a non-empty token; a literal token
// must not contain whitespace. Invalid answers are asked again.
func (p *Prompter) Token(label string) (Credential, error) {
	for {
		val, ok := p.ask(label+" (or @/path/to/token-file)", "")
		if !ok {
			return Credential{}, errNoInput
		}
		if val == "" {
			p.retry("required, please enter a value")
			continue
		}

		path, isFile := strings.CutPrefix(val, "@")
		if !isFile {
			if strings.ContainsAny(val, " \t") {
				p.retry("a token cannot contain spaces")
				continue
			}
			return Credential{Token: val}, nil
		}

		path = expandHome(strings.TrimSpace(path))
		if err := checkTokenFile(path); err != nil {
			p.retry("%v", err)
			continue
		}
		return Credential{TokenFile: path}, nil
	}
}

func checkTokenFile(path string) error {
	if path == "" {
		return errors.New("token file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read token file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return fmt.Errorf("token file %s is empty", path)
	}
	return nil
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// Duration asks for a Go duration between lo and hi. Enter or EOF yields def.
func (p *Prompter) Duration(label string, def, lo, hi time.Duration) time.Duration {
	for {
		val, ok := p.ask(label, def.String())
		if !ok || val == "" {
			return def
		}
		d, err := time.ParseDuration(val)
		if err != nil || d < lo || d > hi {
			p.retry("invalid duration, want %s to %s", lo, hi)
			continue
		}
		return d
	}
}

// Count asks for a whole number above zero. Enter or EOF yields def.
func (p *Prompter) Count(label string, def int) int {
	for {
		val, ok := p.ask(label, strconv.Itoa(def))
		if !ok || val == "" {
			return def
		}
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			p.retry("invalid number, want a whole number above zero")
			continue
		}
		return n
	}
}

// Confirm asks a yes/no question. Enter or EOF yields defaultYes; anything
// other than y or yes counts as no.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	val, ok := p.ask(label, hint)
	if !ok || val == "" {
		return defaultYes
	}
	switch strings.ToLower(val) {
	case "y", "yes":
		return true
	}
	return false
}

// Select lists options numbered from 1 and returns the zero-based index of
// the one picked.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, errors.New("no options to select from")
	}

	_, _ = fmt.Fprintf(p.out, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.out, "    %d) %s\n", i+1, opt)
	}

	for {
		val, ok := p.ask("Choice", fmt.Sprintf("1-%d", len(options)))
		if !ok {
			return -1, errNoInput
		}
		if n, err := strconv.Atoi(val); err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.retry("enter a number between 1 and %d", len(options))
	}
}
