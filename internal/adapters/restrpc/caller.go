package restrpc

// Package restrpc implements ports.ProcedureCaller over PostgREST-style
// `POST <base>/rpc/<name>` endpoints.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"time"

	"golang.org/x/net/publicsuffix"

	domainauth "github.com/target/portal-auth/internal/domain/auth"
	apperrors "github.com/target/portal-auth/internal/errors"
	"github.com/target/portal-auth/internal/ports"
)

// maxResponseBytes bounds how much of a procedure response is read.
const maxResponseBytes = 1 << 20

var procedureName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var _ ports.ProcedureCaller = (*Caller)(nil)

// SessionSource yields the session whose access token authorizes calls.
type SessionSource interface {
	GetSession(ctx context.Context) (*domainauth.Session, error)
}

// CallerOptions groups dependencies for Caller.
type CallerOptions struct {
	BaseURL    string        // Required: e.g. https://api.example.com/rest/v1
	APIKey     string        // Optional: sent as the apikey header and as the anonymous bearer
	Schema     string        // Optional: Content-Profile header; empty uses the server default
	Session    SessionSource // Optional: supplies the user's bearer token
	Timeout    time.Duration // Optional: client timeout when HTTPClient is nil, default 10s
	HTTPClient *http.Client  // Optional: defaults to a client with a public-suffix cookie jar
	Logger     *slog.Logger  // Optional
}

// Caller invokes remote procedures over HTTP.
type Caller struct {
	baseURL *url.URL
	apiKey  string
	schema  string
	session SessionSource
	client  *http.Client
	logger  *slog.Logger
}

// NewCaller builds a Caller from opts.
func NewCaller(opts CallerOptions) (*Caller, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", base.Scheme)
	}

	client := opts.HTTPClient
	if client == nil {
		jar, jarErr := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if jarErr != nil {
			return nil, fmt.Errorf("cookie jar: %w", jarErr)
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout, Jar: jar}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Caller{
		baseURL: base,
		apiKey:  opts.APIKey,
		schema:  opts.Schema,
		session: opts.Session,
		client:  client,
		logger:  logger.With("component", "restrpc"),
	}, nil
}

// Call posts args as a JSON object to /rpc/<name> and returns the response body.
// Transport failures and non-2xx statuses come back as AppErrors.
func (c *Caller) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if !procedureName.MatchString(name) {
		return nil, apperrors.Rejectedf("invalid procedure name %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath("rpc", name).String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.schema != "" {
		req.Header.Set("Content-Profile", c.schema)
		req.Header.Set("Accept-Profile", c.schema)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if bearer := c.bearer(ctx); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.MapRPCError(fmt.Errorf("call %s: %w", name, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.MapRPCError(fmt.Errorf("read %s response: %w", name, err))
	}
	c.logger.DebugContext(ctx, "procedure called",
		"procedure", name,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, apperrors.MapHTTPStatus(resp.StatusCode, data)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, apperrors.Wrapf(errors.New("invalid JSON"), apperrors.ErrCodeInternal,
			"Unexpected response from %s", name)
	}
	return json.RawMessage(data), nil
}

// bearer prefers the user's access token and falls back to the API key.
func (c *Caller) bearer(ctx context.Context) string {
	if c.session != nil {
		sess, err := c.session.GetSession(ctx)
		if err != nil {
			c.logger.DebugContext(ctx, "no session for procedure call", "error", err)
		} else if sess != nil && sess.AccessToken != "" {
			return sess.AccessToken
		}
	}
	return c.apiKey
}
