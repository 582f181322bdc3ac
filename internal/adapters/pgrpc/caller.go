package pgrpc

// Package pgrpc implements ports.ProcedureCaller by calling Postgres functions
// directly over pgx. Results are shaped the way PostgREST returns them:
// set-returning functions yield a JSON array, others a single JSON value.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/target/portal-auth/internal/errors"
	"github.com/target/portal-auth/internal/ports"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const returnsSetQuery = `
SELECT p.proretset
FROM pg_catalog.pg_proc p
JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname = $1 AND p.proname = $2
ORDER BY p.proretset DESC
LIMIT 1`

var _ ports.ProcedureCaller = (*Caller)(nil)

// Querier is the subset of pgxpool.Pool the caller needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CallerOptions groups dependencies for Caller.
type CallerOptions struct {
	DB     Querier      // Required: usually a *pgxpool.Pool
	Schema string       // Optional: defaults to public
	Logger *slog.Logger // Optional
}

// Caller invokes Postgres functions by name with named arguments.
type Caller struct {
	db     Querier
	schema string
	logger *slog.Logger

	mu      sync.RWMutex
	retsets map[string]bool
}

// NewCaller builds a Caller from opts.
func NewCaller(opts CallerOptions) (*Caller, error) {
	if opts.DB == nil {
		return nil, errors.New("DB is required")
	}
	schema := opts.Schema
	if schema == "" {
		schema = "public"
	}
	if !identifier.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema %q", schema)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Caller{
		db:      opts.DB,
		schema:  schema,
		logger:  logger.With("component", "pgrpc"),
		retsets: make(map[string]bool),
	}, nil
}

// Call runs SELECT over schema.name(arg => $n, ...) and returns the result as JSON.
// Database errors come back as AppErrors via MapRPCError.
func (c *Caller) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if !identifier.MatchString(name) {
		return nil, apperrors.Rejectedf("invalid procedure name %q", name)
	}
	setof, err := c.returnsSet(ctx, name)
	if err != nil {
		return nil, err
	}
	sql, params, err := c.buildQuery(name, args, setof)
	if err != nil {
		return nil, err
	}

	var out []byte
	if err := c.db.QueryRow(ctx, sql, params...).Scan(&out); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return json.RawMessage("null"), nil
		}
		return nil, apperrors.MapRPCError(fmt.Errorf("call %s: %w", name, err))
	}
	if out == nil {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(out), nil
}

// returnsSet reports whether name is a set-returning function. The answer is
// cached per name; unknown functions are reported as rejected.
func (c *Caller) returnsSet(ctx context.Context, name string) (bool, error) {
	c.mu.RLock()
	setof, ok := c.retsets[name]
	c.mu.RUnlock()
	if ok {
		return setof, nil
	}

	if err := c.db.QueryRow(ctx, returnsSetQuery, c.schema, name).Scan(&setof); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperrors.Rejectedf("Procedure %s.%s does not exist", c.schema, name)
		}
		return false, apperrors.MapRPCError(fmt.Errorf("inspect %s: %w", name, err))
	}
	c.mu.Lock()
	c.retsets[name] = setof
	c.mu.Unlock()
	c.logger.DebugContext(ctx, "procedure inspected", "procedure", name, "returns_set", setof)
	return setof, nil
}

func (c *Caller) buildQuery(name string, args map[string]any, setof bool) (string, []any, error) {
	keys := make([]string, 0, len(args))
	for k := range args {
		if !identifier.MatchString(k) {
			return "", nil, apperrors.Rejectedf("invalid argument name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	named := make([]string, len(keys))
	params := make([]any, len(keys))
	for i, k := range keys {
		named[i] = k + " => $" + strconv.Itoa(i+1)
		params[i] = args[k]
	}
	fn := pgx.Identifier{c.schema, name}.Sanitize() + "(" + strings.Join(named, ", ") + ")"

	if setof {
		return "SELECT coalesce(jsonb_agg(to_jsonb(r)), '[]'::jsonb) FROM " + fn + " AS r", params, nil
	}
	return "SELECT to_jsonb(r) FROM " + fn + " AS r", params, nil
}
