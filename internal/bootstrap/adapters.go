package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/target/portal-auth/config"
	"github.com/target/portal-auth/internal/adapters/keychain"
	"github.com/target/portal-auth/internal/adapters/memory"
	"github.com/target/portal-auth/internal/adapters/pgrpc"
	redisadapter "github.com/target/portal-auth/internal/adapters/redis"
	"github.com/target/portal-auth/internal/adapters/restrpc"
	"github.com/target/portal-auth/internal/adapters/sealed"
	"github.com/target/portal-auth/internal/ports"
)

// Closer releases a connection opened while building adapters.
type Closer func()

// ProcedureCallerConfig contains dependencies for BuildProcedureCaller.
type ProcedureCallerConfig struct {
	App     *config.AppConfig
	Session restrpc.SessionSource // Optional: bearer tokens for RPC_MODE=rest
	Logger  *slog.Logger
}

// BuildProcedureCaller creates the ProcedureCaller for the configured RPC mode.
// The returned Closer is never nil.
//
//nolint:ireturn // the concrete caller depends on RPC_MODE.
func BuildProcedureCaller(ctx context.Context, cfg ProcedureCallerConfig) (ports.ProcedureCaller, Closer, error) {
	rpc := cfg.App.RPC
	switch rpc.Mode {
	case config.RPCModePostgres:
		pool, err := ConnectPostgres(ctx, cfg.App.Postgres, cfg.Logger)
		if err != nil {
			return nil, func() {}, err
		}
		caller, err := pgrpc.NewCaller(pgrpc.CallerOptions{DB: pool, Schema: rpc.Schema, Logger: cfg.Logger})
		if err != nil {
			pool.Close()
			return nil, func() {}, fmt.Errorf("postgres procedure caller: %w", err)
		}
		return caller, pool.Close, nil

	case config.RPCModeREST, "":
		caller, err := restrpc.NewCaller(restrpc.CallerOptions{
			BaseURL: rpc.REST.BaseURL,
			APIKey:  rpc.REST.APIKey,
			Schema:  rpc.Schema,
			Session: cfg.Session,
			Timeout: rpc.REST.Timeout,
			Logger:  cfg.Logger,
		})
		if err != nil {
			return nil, func() {}, fmt.Errorf("rest procedure caller: %w", err)
		}
		return caller, func() {}, nil

	default:
		return nil, func() {}, fmt.Errorf("unsupported rpc mode %q", rpc.Mode)
	}
}

// BuildBackupStore creates the role BackupStore for the configured store kind,
// sealed with BACKUP_ENCRYPTION_KEY when one is set. The returned Closer is never nil.
//
//nolint:ireturn // the concrete store depends on BACKUP_STORE.
func BuildBackupStore(ctx context.Context, app *config.AppConfig, logger *slog.Logger) (ports.BackupStore, Closer, error) {
	store, closeStore, err := buildPlainBackupStore(ctx, app, logger)
	if err != nil || app.Backup.EncryptionKey == "" {
		return store, closeStore, err
	}
	key, err := sealed.ParseKey(app.Backup.EncryptionKey)
	if err != nil {
		closeStore()
		return nil, func() {}, fmt.Errorf("backup encryption: %w", err)
	}
	wrapped, err := sealed.NewStore(sealed.Options{Inner: store, Key: key, Logger: logger})
	if err != nil {
		closeStore()
		return nil, func() {}, fmt.Errorf("backup encryption: %w", err)
	}
	return wrapped, closeStore, nil
}

//nolint:ireturn // the concrete store depends on BACKUP_STORE.
func buildPlainBackupStore(ctx context.Context, app *config.AppConfig, logger *slog.Logger) (ports.BackupStore, Closer, error) {
	switch app.Backup.Store {
	case config.BackupStoreRedis:
		client, err := ConnectRedis(ctx, app.Redis, logger)
		if err != nil {
			return nil, func() {}, err
		}
		closeClient := func() {
			if cerr := client.Close(); cerr != nil && logger != nil {
				logger.Warn("close redis client", "error", cerr)
			}
		}
		return redisadapter.NewBackupStore(client), closeClient, nil
	case config.BackupStoreKeychain:
		return keychain.NewBackupStore(app.Backup.KeychainService, nil), func() {}, nil
	case config.BackupStoreMemory, "":
		return memory.NewBackupStore(memory.Options{}), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported backup store %q", app.Backup.Store)
	}
}
