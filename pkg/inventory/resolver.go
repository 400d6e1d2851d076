// Package inventory resolves device filters against a SolarWinds Orion
// inventory.
package inventory

import (
	"context"
	"fmt"

	"github.com/andrej220/netmonkey/internal/lg"
	"github.com/andrej220/netmonkey/pkg/credential"
	"github.com/andrej220/netmonkey/pkg/target"
)

type Querier interface {
	Query(ctx context.Context, query string, params map[string]any) ([]target.Record, error)
}

// Resolver answers Query sources from the inventory and everything else
// with a target.StaticResolver.
type Resolver struct {
	querier   Querier
	baseQuery string
	static    target.StaticResolver
}

func NewResolver(q Querier, baseQuery string) *Resolver {
	return &Resolver{querier: q, baseQuery: baseQuery}
}

func (r *Resolver) Resolve(ctx context.Context, src target.Source) ([]target.Target, error) {
	if src.Kind != target.Query {
		return r.static.Resolve(ctx, src)
	}
	if src.Filter.Empty() {
		return nil, fmt.Errorf("inventory query needs at least one of district, site or name")
	}
	query, params := BuildQuery(r.baseQuery, src.Filter)
	lg.FromContext(ctx).Debug("inventory query", lg.String("query", query), lg.Any("params", params))

	records, err := r.querier.Query(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return r.static.Resolve(ctx, target.FromRecords(records))
}

// PromptCredentials fills in missing Orion credentials from p.
func PromptCredentials(ctx context.Context, p credential.Prompter, username, password string) (string, string, error) {
	var err error
	if username == "" {
		if username, err = p.Prompt(ctx, "Orion username", credential.DefaultUsername()); err != nil {
			return "", "", fmt.Errorf("orion username: %w", err)
		}
	}
	if password == "" {
		if password, err = p.PromptSecret(ctx, "Orion password"); err != nil {
			return "", "", fmt.Errorf("orion password: %w", err)
		}
	}
	return username, password, nil
}
