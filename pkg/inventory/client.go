package inventory

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/andrej220/netmonkey/internal/lg"
	"github.com/andrej220/netmonkey/pkg/target"
)

const queryPath = "/SolarWinds/InformationService/v3/Json/Query"

var ErrUnauthorized = errors.New("inventory rejected credentials")

type ResilienceConfig struct {
	BackoffSettings        *backoff.ExponentialBackOff
	CircuitBreakerSettings gobreaker.Settings
	CircuitBreaker         *gobreaker.CircuitBreaker
}

func NewResilienceConfig(defaultBackOff *backoff.ExponentialBackOff, cbs gobreaker.Settings) *ResilienceConfig {
	return &ResilienceConfig{
		BackoffSettings:        defaultBackOff,
		CircuitBreakerSettings: cbs,
		CircuitBreaker:         gobreaker.NewCircuitBreaker(cbs),
	}
}

func DefaultResilienceConfig() *ResilienceConfig {
	cbs := gobreaker.Settings{
		Name:        "orion-swis",
		MaxRequests: 1,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return NewResilienceConfig(
		&backoff.ExponentialBackOff{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         5 * time.Second,
			MaxElapsedTime:      30 * time.Second,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		cbs,
	)
}

type ClientConfig struct {
	URL         string
	Username    string
	Password    string
	InsecureTLS bool
	Timeout     time.Duration
	Resilience  *ResilienceConfig
}

// Client queries a SolarWinds Orion SWIS endpoint.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Resilience == nil {
		cfg.Resilience = DefaultResilienceConfig()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout, Transport: transport}}
}

type queryRequest struct {
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters"`
}

type queryResponse struct {
	Results []target.Record `json:"results"`
}

// Query runs a SWQL query with retries behind a circuit breaker.
func (c *Client) Query(ctx context.Context, query string, params map[string]any) ([]target.Record, error) {
	body, err := json.Marshal(queryRequest{Query: query, Parameters: params})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	log := lg.FromContext(ctx)

	var records []target.Record
	operation := func() error {
		res, err := c.cfg.Resilience.CircuitBreaker.Execute(func() (any, error) {
			return c.post(ctx, body)
		})
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			log.Warn("inventory query failed", lg.Err(err))
			return err
		}
		records = res.([]target.Record)
		return nil
	}

	b := backoff.WithContext(c.cfg.Resilience.BackoffSettings, ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, fmt.Errorf("inventory query: %w", err)
	}
	return records, nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]target.Record, error) {
	url := strings.TrimRight(c.cfg.URL, "/") + queryPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inventory returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Results, nil
}
