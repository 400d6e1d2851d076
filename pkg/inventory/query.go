package inventory

import (
	"regexp"
	"strings"

	"github.com/andrej220/netmonkey/pkg/target"
)

// DefaultBaseQuery selects managed Cisco nodes. Filters are appended
// to its WHERE clause.
const DefaultBaseQuery = `SELECT Caption, IPAddress, Location
FROM Orion.Nodes AS Nodes
WHERE Nodes.Vendor = 'Cisco'`

var hasWhere = regexp.MustCompile(`(?i)\bwhere\b`)

// NamePattern maps shell style '*' wildcards to SQL '%'.
func NamePattern(name string) string {
	return strings.ReplaceAll(name, "*", "%")
}

// BuildQuery appends the filter to base. Values are returned as query
// parameters, never spliced into the text.
func BuildQuery(base string, f target.Filter) (string, map[string]any) {
	if strings.TrimSpace(base) == "" {
		base = DefaultBaseQuery
	}
	var (
		clauses []string
		params  = map[string]any{}
	)
	if f.District != "" {
		clauses = append(clauses, "Nodes.CustomProperties.School_District = @district")
		params["district"] = f.District
	}
	if f.Site != "" {
		clauses = append(clauses, "Nodes.CustomProperties.School_Site = @site")
		params["site"] = f.Site
	}
	if f.Name != "" {
		clauses = append(clauses, "Caption LIKE @name")
		params["name"] = NamePattern(f.Name)
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(base, " \n\t"))
	b.WriteString("\n")
	if len(clauses) > 0 {
		if hasWhere.MatchString(base) {
			b.WriteString("AND ")
		} else {
			b.WriteString("WHERE ")
		}
		b.WriteString(strings.Join(clauses, "\nAND "))
		b.WriteString("\n")
	}
	b.WriteString("ORDER BY Caption\n")
	return b.String(), params
}
