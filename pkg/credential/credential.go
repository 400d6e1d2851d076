// Package credential holds the secrets used for every device connection
// of a run. A Set is collected once and never changes afterwards.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"
)

var ErrIncomplete = errors.New("credential set incomplete")

// Set is immutable once returned by a Store.
type Set struct {
	Username string
	Password string
	// FallbackPassword is tried once when Password is rejected.
	FallbackPassword string
	Secret           string
}

func (s Set) Complete() bool {
	return s.Username != "" && s.Password != "" && s.Secret != ""
}

// String never prints secrets.
func (s Set) String() string {
	return fmt.Sprintf("credential.Set{Username: %q}", s.Username)
}

// Prompter collects values from an operator.
type Prompter interface {
	Prompt(ctx context.Context, label, def string) (string, error)
	PromptSecret(ctx context.Context, label string) (string, error)
}

// Store hands out the run's Set, prompting at most once.
type Store struct {
	prompter Prompter
	seed     Set

	mu     sync.Mutex
	set    Set
	loaded bool
}

func NewStore(p Prompter, seed Set) *Store {
	return &Store{prompter: p, seed: seed}
}

// FromEnv reads a seed Set from NETMONKEY_* variables.
func FromEnv() Set {
	return Set{
		Username:         os.Getenv("NETMONKEY_USERNAME"),
		Password:         os.Getenv("NETMONKEY_PASSWORD"),
		FallbackPassword: os.Getenv("NETMONKEY_FALLBACK_PASSWORD"),
		Secret:           os.Getenv("NETMONKEY_SECRET"),
	}
}

// Get returns the Set, prompting for all fields when the seed is
// incomplete. Later calls return the same Set without prompting.
func (s *Store) Get(ctx context.Context) (Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.set, nil
	}
	if s.seed.Complete() {
		s.set, s.loaded = s.seed, true
		return s.set, nil
	}
	if s.prompter == nil {
		return Set{}, fmt.Errorf("%w: no prompter configured", ErrIncomplete)
	}

	set, err := s.prompt(ctx)
	if err != nil {
		return Set{}, err
	}
	if !set.Complete() {
		return Set{}, ErrIncomplete
	}
	s.set, s.loaded = set, true
	return s.set, nil
}

func (s *Store) prompt(ctx context.Context) (Set, error) {
	def := s.seed.Username
	if def == "" {
		def = DefaultUsername()
	}
	var (
		set Set
		err error
	)
	if set.Username, err = s.prompter.Prompt(ctx, "Network username", def); err != nil {
		return Set{}, fmt.Errorf("username: %w", err)
	}
	if set.Password, err = s.prompter.PromptSecret(ctx, "Network password"); err != nil {
		return Set{}, fmt.Errorf("password: %w", err)
	}
	if set.FallbackPassword, err = s.prompter.PromptSecret(ctx, "Telnet password"); err != nil {
		return Set{}, fmt.Errorf("fallback password: %w", err)
	}
	if set.Secret, err = s.prompter.PromptSecret(ctx, "Enable secret"); err != nil {
		return Set{}, fmt.Errorf("enable secret: %w", err)
	}
	return set, nil
}

// DefaultUsername is the invoking OS user.
func DefaultUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
