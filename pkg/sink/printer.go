package sink

import (
	"context"
	"fmt"
	"io"

	"github.com/andrej220/netmonkey/pkg/result"
)

// Printer writes a human readable report, one block per host.
type Printer struct {
	W io.Writer
}

func (p Printer) Write(_ context.Context, coll *result.Collection) error {
	for _, rec := range coll.SortedByHost() {
		port := "none"
		if rec.Port != nil {
			port = fmt.Sprint(*rec.Port)
		}
		if _, err := fmt.Fprintf(p.W, "%s\n - port: %s\n - status: %d (%s)\n - message: %s\n",
			rec.Host, port, rec.Code, rec.Status, rec.Message); err != nil {
			return err
		}
	}
	summary := coll.Summary()
	_, err := fmt.Fprintf(p.W, "%d devices, %d succeeded\n", coll.Len(), summary[result.Success])
	return err
}

func (Printer) Close() error { return nil }
func (Printer) Name() string  { return "printer" }
