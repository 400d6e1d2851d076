// Package sink delivers a finished result collection to its destinations.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrej220/netmonkey/pkg/result"
)

type Sink interface {
	Write(ctx context.Context, coll *result.Collection) error
	Close() error
	Name() string
}

// Multi writes to every sink, continuing past failures.
type Multi []Sink

func (m Multi) Write(ctx context.Context, coll *result.Collection) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, coll); err != nil {
			errs = append(errs, fmt.Errorf("%s sink: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s sink: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Name() string { return "multi" }
