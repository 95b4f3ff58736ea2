// Package passphrase resolves keystore passphrases for the command line tools.
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

// ErrEmpty is returned for blank passphrases; they would leave the keystore
// effectively unencrypted.
var ErrEmpty = errors.New("keystore passphrase cannot be empty")

// Source resolves a passphrase once, from the environment or a terminal
// prompt, and caches the result.
type Source struct {
	envVar string
	prompt io.Writer
	fd     int

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar first and otherwise prompts on stderr, reading the
// reply from stdin without echo.
func NewSource(envVar string) *Source {
	return &Source{
		envVar: strings.TrimSpace(envVar),
		prompt: os.Stderr,
		fd:     int(os.Stdin.Fd()),
	}
}

// Get returns the passphrase, resolving it on the first call.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s: %w", s.envVar, ErrEmpty)
			}
			return value, nil
		}
	}
	if !term.IsTerminal(s.fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required: set %s or run interactively", s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}
	fmt.Fprint(s.prompt, "Keystore passphrase: ")
	raw, err := term.ReadPassword(s.fd)
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", ErrEmpty
	}
	return string(raw), nil
}
