// Package request defines dispatch requests exchanged over the queue.
package request

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/andrej220/netmonkey/pkg/executor"
	"github.com/andrej220/netmonkey/pkg/target"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request asks for one command on a set of devices.
type Request struct {
	ID      uuid.UUID      `json:"id"`
	Kind    executor.Kind  `json:"kind" validate:"required,oneof=show config"`
	Command string         `json:"command" validate:"required"`
	Hosts   []string       `json:"hosts,omitempty" validate:"required_without=Filter,dive,required"`
	Filter  *target.Filter `json:"filter,omitempty" validate:"required_without=Hosts"`
}

func New(kind executor.Kind, command string, hosts []string, filter *target.Filter) Request {
	return Request{ID: uuid.New(), Kind: kind, Command: command, Hosts: hosts, Filter: filter}
}

func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid request %s: %w", r.ID, err)
	}
	if len(r.Hosts) == 0 && (r.Filter == nil || r.Filter.Empty()) {
		return fmt.Errorf("invalid request %s: %w", r.ID, errors.New("empty filter"))
	}
	return nil
}

// Source prefers explicit hosts over the inventory filter.
func (r Request) Source() target.Source {
	if len(r.Hosts) > 0 {
		return target.FromList(r.Hosts)
	}
	return target.FromFilter(*r.Filter)
}

func (r Request) Cmd() executor.Command {
	if r.Kind == executor.KindConfig {
		return executor.Config(r.Command)
	}
	return executor.Show(r.Command)
}
