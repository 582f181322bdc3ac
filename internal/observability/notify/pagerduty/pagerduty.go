package pagerduty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/target/portal-auth/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

const (
	actionTrigger = "trigger"
	actionResolve = "resolve"

	defaultSource = "portal-authd"
	component     = "portal-auth"
	maxErrorBody  = 4096
)

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	// Required: Events API v2 integration key.
	RoutingKey string

	// Optional: defaults to "portal-authd".
	Source string
	// Optional: defaults to APIEndpoint.
	Endpoint string
	// Optional: per-request timeout, default 5s. Ignored when Client is set.
	Timeout time.Duration
	// Optional: extra attempts after the first failure.
	RetryLimit int
	// Optional: HTTP client override.
	Client *http.Client
}

// Client publishes incidents via PagerDuty's Events API v2. Triggers and
// resolves share the incident's DedupKey so PagerDuty folds an episode into
// one alert.
type Client struct {
	routingKey string
	source     string
	endpoint   string
	retryLimit int
	http       *http.Client
}

var (
	_ notify.Sink     = (*Client)(nil)
	_ notify.Resolver = (*Client)(nil)
)

type event struct {
	RoutingKey  string        `json:"routing_key"`
	EventAction string        `json:"event_action"`
	DedupKey    string        `json:"dedup_key"`
	Payload     *eventPayload `json:"payload,omitempty"`
}

type eventPayload struct {
	Summary       string         `json:"summary"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	Component     string         `json:"component"`
	Class         string         `json:"class,omitempty"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details"`
}

// NewClient validates cfg and applies defaults.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	hc := cfg.Client
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		routingKey: key,
		source:     orDefault(cfg.Source, defaultSource),
		endpoint:   orDefault(cfg.Endpoint, APIEndpoint),
		retryLimit: max(cfg.RetryLimit, 0),
		http:       hc,
	}, nil
}

// SendIncident triggers (or re-triggers) the incident's alert.
func (c *Client) SendIncident(ctx context.Context, incident notify.Incident) error {
	return c.post(ctx, c.triggerEvent(incident))
}

// ResolveIncident resolves the alert opened for the same DedupKey.
func (c *Client) ResolveIncident(ctx context.Context, incident notify.Incident) error {
	return c.post(ctx, event{
		RoutingKey:  c.routingKey,
		EventAction: actionResolve,
		DedupKey:    incident.DedupKey(),
	})
}

func (c *Client) triggerEvent(incident notify.Incident) event {
	occurredAt := incident.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	details := map[string]any{
		"kind":        string(incident.Kind),
		"user_id":     incident.UserID,
		"email":       incident.Email,
		"error":       incident.Error,
		"error_class": incident.ErrorClass,
	}
	for k, v := range incident.Metadata {
		if _, reserved := details[k]; !reserved {
			details[k] = v
		}
	}

	return event{
		RoutingKey:  c.routingKey,
		EventAction: actionTrigger,
		DedupKey:    incident.DedupKey(),
		Payload: &eventPayload{
			Summary:       incident.Title(),
			Severity:      orDefault(strings.ToLower(incident.Severity), notify.SeverityCritical),
			Source:        c.source,
			Component:     component,
			Class:         incident.ErrorClass,
			Timestamp:     occurredAt.UTC().Format(time.RFC3339),
			CustomDetails: details,
		},
	}
}

func (c *Client) post(ctx context.Context, ev event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode pagerduty %s event: %w", ev.EventAction, err)
	}
	return notify.Deliver(ctx, c.retryLimit, func(ctx context.Context) error {
		return c.submit(ctx, body)
	})
}

func (c *Client) submit(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pagerduty request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return fmt.Errorf("pagerduty api %s: read body: %w", resp.Status, readErr)
		}
		return fmt.Errorf("pagerduty api %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func orDefault(value, fallback string) string {
	if value = strings.TrimSpace(value); value == "" {
		return fallback
	}
	return value
}
