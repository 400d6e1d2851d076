// Package result holds the per-device outcome taxonomy and the
// concurrency-safe collection every dispatch task appends to.
package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status classifies one target's dispatch attempt.
type Status int

const (
	Success Status = iota
	Unreachable
	PortClosed
	AuthRejected
	Unknown
	InvalidCommand
	Timeout
	Custom
)

var statusNames = map[Status]string{
	Success:        "success",
	Unreachable:    "unreachable",
	PortClosed:     "port_closed",
	AuthRejected:   "auth_rejected",
	Unknown:        "unknown",
	InvalidCommand: "invalid_command",
	Timeout:        "timeout",
	Custom:         "custom",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Code is the numeric status. 0-4 keep their historical meaning, so
// reports built around bare codes still read the same.
func (s Status) Code() int {
	return int(s)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for k, v := range statusNames {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(text))
}

const (
	MsgUnreachable = "Host is not network-reachable."
	MsgPortClosed  = "Neither port 22 nor 23 is open."
	MsgUnknown     = "Unknown error occurred."
	MsgTimeout     = "Task did not finish before its deadline."
)

// Record is the outcome of one target. Port is nil whenever no management
// port was negotiated.
type Record struct {
	Host     string        `json:"host" bson:"host"`
	Port     *int          `json:"port" bson:"port"`
	Status   Status        `json:"status" bson:"status"`
	Code     int           `json:"code" bson:"code"`
	Message  string        `json:"message" bson:"message"`
	Duration time.Duration `json:"duration" bson:"duration"`
}

func portPtr(port int) *int {
	if port == 0 {
		return nil
	}
	p := port
	return &p
}

func New(host string, port int, status Status, message string) Record {
	return Record{
		Host:    host,
		Port:    portPtr(port),
		Status:  status,
		Code:    status.Code(),
		Message: message,
	}
}

func Succeeded(host string, port int, output string) Record {
	return New(host, port, Success, output)
}

// CustomError lets a custom function report its own outcome code instead
// of a plain success or failure.
type CustomError struct {
	Code    int
	Message string
}

func (e *CustomError) Error() string {
	return fmt.Sprintf("custom outcome %d: %s", e.Code, e.Message)
}

// AsCustom returns the record for err when it wraps a CustomError.
func AsCustom(host string, port int, err error) (Record, bool) {
	var ce *CustomError
	if !errors.As(err, &ce) {
		return Record{}, false
	}
	rec := New(host, port, Custom, ce.Message)
	rec.Code = ce.Code
	return rec, true
}

func (r Record) PortValue() int {
	if r.Port == nil {
		return 0
	}
	return *r.Port
}

func (r Record) String() string {
	port := "-"
	if r.Port != nil {
		port = fmt.Sprint(*r.Port)
	}
	return fmt.Sprintf("%s port=%s status=%s(%d)", r.Host, port, r.Status, r.Code)
}

// Collection is an append-only, concurrency-safe sequence of records.
// Records keep completion order.
type Collection struct {
	RunID uuid.UUID

	mu      sync.RWMutex
	records []Record
}

func NewCollection(runID uuid.UUID, capacity int) *Collection {
	return &Collection{
		RunID:   runID,
		records: make([]Record, 0, capacity),
	}
}

func (c *Collection) Append(rec Record) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Records returns a snapshot copy.
func (c *Collection) Records() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Summary counts records per status.
func (c *Collection) Summary() map[Status]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	summary := make(map[Status]int)
	for _, r := range c.records {
		summary[r.Status]++
	}
	return summary
}

// SortedByHost returns a snapshot ordered by host, handy for printing.
func (c *Collection) SortedByHost() []Record {
	out := c.Records()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (c *Collection) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RunID   uuid.UUID `json:"run_id"`
		Records []Record  `json:"records"`
	}{
		RunID:   c.RunID,
		Records: c.Records(),
	})
}
