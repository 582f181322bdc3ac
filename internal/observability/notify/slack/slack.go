package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/target/portal-auth/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client delivers incident notifications to a Slack webhook.
type Client struct {
	webhookURL string
	channel    string
	username   string
	retryLimit int
	client     *http.Client
}

var (
	_ notify.Sink     = (*Client)(nil)
	_ notify.Resolver = (*Client)(nil)
)

// NewClient builds a Slack webhook client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "portal-auth"
	}
	return &Client{
		webhookURL: webhookURL,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   username,
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}, nil
}

// SendIncident posts a formatted message to Slack.
func (c *Client) SendIncident(ctx context.Context, incident notify.Incident) error {
	return c.deliver(ctx, c.formatMessage(incident))
}

// ResolveIncident posts a short all-clear for an incident sent earlier.
func (c *Client) ResolveIncident(ctx context.Context, incident notify.Incident) error {
	var text strings.Builder
	text.WriteString("*Resolved: ")
	text.WriteString(incident.Title())
	text.WriteString("*")
	if user := userDisplay(incident.UserID, incident.Email); user != "" {
		text.WriteString("\n")
		appendField(&text, "User", user)
	}
	return c.deliver(ctx, c.message(strings.TrimRight(text.String(), "\n")))
}

func (c *Client) deliver(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return notify.Deliver(ctx, c.retryLimit, func(ctx context.Context) error {
		return c.post(ctx, body)
	})
}

func (c *Client) message(text string) map[string]any {
	msg := map[string]any{
		"text":     text,
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func (c *Client) formatMessage(incident notify.Incident) map[string]any {
	occurredAt := incident.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	var text strings.Builder
	text.WriteString("*")
	text.WriteString(incident.Title())
	text.WriteString("*\n")
	severity := incident.Severity
	if severity == "" {
		severity = notify.SeverityCritical
	}
	for _, field := range [][2]string{
		{"Severity", severity},
		{"User", userDisplay(incident.UserID, incident.Email)},
		{"Error class", incident.ErrorClass},
		{"Error", escapeSlackText(incident.Error)},
	} {
		appendField(&text, field[0], field[1])
	}
	appendMetadata(&text, incident.Metadata)
	text.WriteString("• Timestamp: ")
	text.WriteString(occurredAt.UTC().Format(time.RFC3339))

	return c.message(text.String())
}

func userDisplay(userID, email string) string {
	id := escapeSlackText(strings.TrimSpace(userID))
	mail := escapeSlackText(strings.TrimSpace(email))
	switch {
	case id != "" && mail != "":
		return fmt.Sprintf("%s (%s)", mail, id)
	case mail != "":
		return mail
	default:
		return id
	}
}

func escapeSlackText(value string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(value)
}

func appendField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	fmt.Fprintf(text, "• %s: %s\n", label, value)
}

func appendMetadata(text *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	text.WriteString("• Metadata:\n")
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(text, "    • %s: %s\n", k, escapeSlackText(metadata[k]))
	}
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("read slack error response: %w", readErr)
		}
		return fmt.Errorf("slack webhook %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain slack response body: %w", err)
	}
	return nil
}
