// Package target turns host lists, inventory records and inventory filters
// into the ordered list of devices a batch operates on.
package target

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedSource = errors.New("unsupported target source")

// Target is one device to operate on.
type Target struct {
	Host     string `json:"host"`
	IP       string `json:"ip,omitempty"`
	Location string `json:"location,omitempty"`
}

// Record is a device entry as returned by the inventory service.
type Record struct {
	Caption   string `json:"Caption"`
	IPAddress string `json:"IPAddress"`
	Location  string `json:"Location"`
}

func (r Record) Target() Target {
	return Target{
		Host:     Sanitize(r.Caption),
		IP:       strings.TrimSpace(r.IPAddress),
		Location: r.Location,
	}
}

// Sanitize cleans up a host name as found in the inventory. Names keep
// their first word with '_' turned into '-' and dots removed; values that
// do not start with an ASCII letter (IP addresses) are only trimmed.
func Sanitize(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return host
	}
	if c := host[0] | 0x20; c < 'a' || c > 'z' {
		return host
	}
	host = strings.Fields(host)[0]
	host = strings.ReplaceAll(host, "_", "-")
	return strings.ReplaceAll(host, ".", "")
}

// Filter selects devices in the inventory. A '*' in Name is a wildcard.
type Filter struct {
	District string `json:"district,omitempty"`
	Site     string `json:"site,omitempty"`
	Name     string `json:"name,omitempty"`
}

func (f Filter) Empty() bool {
	return f.District == "" && f.Site == "" && f.Name == ""
}

type SourceKind int

const (
	Literal SourceKind = iota
	List
	Records
	Query
)

// Source is a tagged union of the supported ways to name targets.
type Source struct {
	Kind    SourceKind
	Hosts   []string
	Records []Record
	Filter  Filter
}

// FromHost accepts a single host, or several separated by whitespace.
func FromHost(host string) Source {
	return Source{Kind: Literal, Hosts: strings.Fields(host)}
}

func FromList(hosts []string) Source {
	return Source{Kind: List, Hosts: hosts}
}

func FromRecords(records []Record) Source {
	return Source{Kind: Records, Records: records}
}

func FromFilter(f Filter) Source {
	return Source{Kind: Query, Filter: f}
}

func (s Source) String() string {
	switch s.Kind {
	case Literal:
		return fmt.Sprintf("host %s", strings.Join(s.Hosts, " "))
	case List:
		return fmt.Sprintf("%d hosts", len(s.Hosts))
	case Records:
		return fmt.Sprintf("%d records", len(s.Records))
	case Query:
		return fmt.Sprintf("query district=%q site=%q name=%q", s.Filter.District, s.Filter.Site, s.Filter.Name)
	}
	return "unknown source"
}

// Resolver turns a Source into Targets, in order.
type Resolver interface {
	Resolve(ctx context.Context, src Source) ([]Target, error)
}

// StaticResolver resolves everything that needs no inventory lookup.
type StaticResolver struct{}

func (StaticResolver) Resolve(_ context.Context, src Source) ([]Target, error) {
	switch src.Kind {
	case Literal, List:
		targets := make([]Target, 0, len(src.Hosts))
		for _, h := range src.Hosts {
			if host := Sanitize(h); host != "" {
				targets = append(targets, Target{Host: host})
			}
		}
		return targets, nil
	case Records:
		targets := make([]Target, 0, len(src.Records))
		for _, r := range src.Records {
			if t := r.Target(); t.Host != "" {
				targets = append(targets, t)
			}
		}
		return targets, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, src)
}
