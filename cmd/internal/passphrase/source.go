package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	label  string
	prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal. label names the keystore in the
// prompt, e.g. "operator".
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label, prompt: terminalPrompt(os.Stdin, os.Stderr)}
}

// Get returns the cached passphrase or resolves it if this is the first call.
// Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		passphrase, err := s.prompt(s.label)
		if err != nil {
			if s.envVar != "" && errors.Is(err, errNoTerminal) {
				err = fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
			}
			s.err = err
			return
		}
		if strings.TrimSpace(passphrase) == "" {
			s.err = fmt.Errorf("%s passphrase cannot be empty", s.label)
			return
		}
		s.value = passphrase
	})
	return s.value, s.err
}

var errNoTerminal = errors.New("passphrase required and no terminal available")

func terminalPrompt(in *os.File, out io.Writer) func(string) (string, error) {
	return func(label string) (string, error) {
		if !term.IsTerminal(int(in.Fd())) {
			return "", errNoTerminal
		}
		fmt.Fprintf(out, "Enter %s passphrase: ", label)
		bytes, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		return string(bytes), nil
	}
}
