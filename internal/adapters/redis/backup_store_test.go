package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/portal-auth/internal/testutil"
)

func TestBackupStore_SetGetDelete(t *testing.T) {
	r := testutil.SetupTestRedis(t)
	store := NewBackupStore(r.Client)
	ctx := context.Background()

	value := []byte(`{"role":"admin","email":"a@example.com","timestamp_ms":1}`)
	require.NoError(t, store.Set(ctx, "role-backup", value, 0))

	got, err := store.Get(ctx, "role-backup")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	raw, err := r.Client.Get(ctx, "portal-auth:role-backup").Bytes()
	require.NoError(t, err)
	assert.Equal(t, value, raw, "keys carry the default prefix")

	require.NoError(t, store.Delete(ctx, "role-backup"))
	require.NoError(t, store.Delete(ctx, "role-backup"), "deleting twice is fine")

	got, err = store.Get(ctx, "role-backup")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBackupStore_GetMissing(t *testing.T) {
	r := testutil.SetupTestRedis(t)
	store := NewBackupStore(r.Client)

	got, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBackupStore_TTL(t *testing.T) {
	r := testutil.SetupTestRedis(t)
	if r.Server == nil {
		t.Skip("expiry test needs miniredis")
	}
	store := NewBackupStoreWithPrefix(r.Client, "test:")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 30*time.Minute))
	assert.Equal(t, 30*time.Minute, r.Server.TTL("test:k"))

	r.FastForward(31 * time.Minute)
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBackupStore_Validation(t *testing.T) {
	r := testutil.SetupTestRedis(t)
	store := NewBackupStore(r.Client)
	ctx := context.Background()

	require.Error(t, store.Set(ctx, "", []byte("v"), 0))
	require.Error(t, store.Set(ctx, "k", []byte("v"), -time.Second))
	require.NoError(t, store.Delete(ctx, ""))
}

func TestBackupStore_ServerError(t *testing.T) {
	r := testutil.SetupTestRedis(t)
	if r.Server == nil {
		t.Skip("error injection needs miniredis")
	}
	store := NewBackupStore(r.Client)
	r.Server.SetError("LOADING dataset")
	defer r.Server.SetError("")

	_, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis get")
}
