package pgrpc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/portal-auth/internal/errors"
)

type fakeRow struct {
	val any
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch d := dest[0].(type) {
	case *bool:
		*d = r.val.(bool)
	case *[]byte:
		if r.val == nil {
			*d = nil
			return nil
		}
		*d = []byte(r.val.(string))
	default:
		return errors.New("unexpected scan target")
	}
	return nil
}

type query struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu      sync.Mutex
	retset  fakeRow
	result  fakeRow
	queries []query
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query{sql: sql, args: args})
	if strings.Contains(sql, "pg_proc") {
		return f.retset
	}
	return f.result
}

func (f *fakeDB) calls() []query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]query(nil), f.queries...)
}

func TestNewCaller_Validation(t *testing.T) {
	_, err := NewCaller(CallerOptions{})
	require.Error(t, err)
	_, err = NewCaller(CallerOptions{DB: &fakeDB{}, Schema: "public; drop"})
	require.Error(t, err)
}

func TestCaller_ScalarFunction(t *testing.T) {
	db := &fakeDB{
		retset: fakeRow{val: false},
		result: fakeRow{val: `{"role":"admin","company_name":"Acme"}`},
	}
	c, err := NewCaller(CallerOptions{DB: db, Schema: "portal"})
	require.NoError(t, err)

	out, err := c.Call(context.Background(), "get_user_role_and_company", map[string]any{"p_user_id": "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"admin","company_name":"Acme"}`, string(out))

	qs := db.calls()
	require.Len(t, qs, 2)
	assert.Equal(t, []any{"portal", "get_user_role_and_company"}, qs[0].args)
	assert.Equal(t, `SELECT to_jsonb(r) FROM "portal"."get_user_role_and_company"(p_user_id => $1) AS r`, qs[1].sql)
	assert.Equal(t, []any{"u1"}, qs[1].args)

	_, err = c.Call(context.Background(), "get_user_role_and_company", map[string]any{"p_user_id": "u2"})
	require.NoError(t, err)
	assert.Len(t, db.calls(), 3, "function shape is inspected once")
}

func TestCaller_SetReturningFunction(t *testing.T) {
	db := &fakeDB{
		retset: fakeRow{val: true},
		result: fakeRow{val: `[{"menu_key":"dashboard"}]`},
	}
	c, err := NewCaller(CallerOptions{DB: db})
	require.NoError(t, err)

	out, err := c.Call(context.Background(), "check_page_access", map[string]any{"p_user_id": "u1", "p_page": "reports"})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"menu_key":"dashboard"}]`, string(out))

	qs := db.calls()
	assert.Equal(t,
		`SELECT coalesce(jsonb_agg(to_jsonb(r)), '[]'::jsonb) FROM "public"."check_page_access"(p_page => $1, p_user_id => $2) AS r`,
		qs[1].sql)
	assert.Equal(t, []any{"reports", "u1"}, qs[1].args)
}

func TestCaller_NullResult(t *testing.T) {
	db := &fakeDB{retset: fakeRow{val: false}, result: fakeRow{val: nil}}
	c, err := NewCaller(CallerOptions{DB: db})
	require.NoError(t, err)

	out, err := c.Call(context.Background(), "f", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))

	db.result = fakeRow{err: pgx.ErrNoRows}
	out, err = c.Call(context.Background(), "f", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestCaller_Errors(t *testing.T) {
	tests := []struct {
		name   string
		proc   string
		args   map[string]any
		db     *fakeDB
		code   apperrors.ErrorCode
		noCall bool
	}{
		{
			name:   "bad procedure name",
			proc:   "f(); drop table x; --",
			db:     &fakeDB{},
			code:   apperrors.ErrCodeRejected,
			noCall: true,
		},
		{
			name: "bad argument name",
			proc: "f",
			args: map[string]any{"p => 1); --": 1},
			db:   &fakeDB{retset: fakeRow{val: false}},
			code: apperrors.ErrCodeRejected,
		},
		{
			name: "unknown function",
			proc: "missing",
			db:   &fakeDB{retset: fakeRow{err: pgx.ErrNoRows}},
			code: apperrors.ErrCodeRejected,
		},
		{
			name: "insufficient privilege",
			proc: "f",
			db: &fakeDB{
				retset: fakeRow{val: false},
				result: fakeRow{err: &pgconn.PgError{Code: pgerrcode.InsufficientPrivilege, Message: "permission denied"}},
			},
			code: apperrors.ErrCodeForbidden,
		},
		{
			name: "raised exception",
			proc: "f",
			db: &fakeDB{
				retset: fakeRow{val: false},
				result: fakeRow{err: &pgconn.PgError{Code: pgerrcode.RaiseException, Message: "no company"}},
			},
			code: apperrors.ErrCodeRejected,
		},
		{
			name: "inspection timeout",
			proc: "f",
			db:   &fakeDB{retset: fakeRow{err: context.DeadlineExceeded}},
			code: apperrors.ErrCodeTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCaller(CallerOptions{DB: tt.db})
			require.NoError(t, err)

			_, err = c.Call(context.Background(), tt.proc, tt.args)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
			if tt.noCall {
				assert.Empty(t, tt.db.calls())
			}
		})
	}
}
