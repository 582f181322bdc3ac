package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/target/portal-auth/config"
)

const connectTimeout = 5 * time.Second

// PostgresDSN builds a connection URL from cfg, escaping credentials.
func PostgresDSN(cfg config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	q := u.Query()
	q.Set("sslmode", cfg.SSLMode)
	if cfg.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(int(cfg.MaxConns)))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectPostgres opens a pgx pool for RPC_MODE=postgres and verifies it.
func ConnectPostgres(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if pingErr := pool.Ping(pingCtx); pingErr != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if logger != nil {
		logger.InfoContext(ctx, "database connected",
			"host", cfg.Host,
			"port", cfg.Port,
			"database", cfg.Name,
		)
	}
	return pool, nil
}

// ConnectRedis opens the Redis client for BACKUP_STORE=redis and verifies it.
//
//nolint:ireturn // redis.UniversalClient covers the single, sentinel, and cluster topologies.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (redis.UniversalClient, error) {
	target, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := target.client()

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	if logger != nil {
		logger.InfoContext(ctx, "redis connected", "addr", redactAddr(target.desc))
	}
	return client, nil
}

// redisTarget is the resolved Redis topology. desc identifies it in logs and
// may still carry credentials.
type redisTarget struct {
	opts    *redis.UniversalOptions
	cluster bool
	desc    string
}

// client builds the topology's client. A cluster seeded with a single node is
// still a cluster, so it bypasses NewUniversalClient's address-count rule.
//
//nolint:ireturn // redis.UniversalClient covers the single, sentinel, and cluster topologies.
func (t redisTarget) client() redis.UniversalClient {
	if t.cluster {
		return redis.NewClusterClient(t.opts.Cluster())
	}
	return redis.NewUniversalClient(t.opts)
}

// redisOptions maps the config onto UniversalOptions. MasterName selects a
// failover client; otherwise a single node unless cluster mode is on.
func redisOptions(cfg config.RedisConfig) (redisTarget, error) {
	opts := &redis.UniversalOptions{Password: cfg.Password}
	switch {
	case cfg.UseCluster:
		opts.Addrs = trimAddrs(cfg.ClusterNodes)
		if len(opts.Addrs) == 0 {
			if err := applyRedisURI(opts, cfg.URI); err != nil {
				return redisTarget{}, fmt.Errorf("parse redis cluster url: %w", err)
			}
		}
		if len(opts.Addrs) == 0 {
			return redisTarget{}, errors.New("redis cluster configuration requires at least one address")
		}
		return redisTarget{opts: opts, cluster: true, desc: "cluster:" + strings.Join(opts.Addrs, ",")}, nil
	case cfg.UseSentinel:
		opts.Addrs = trimAddrs(cfg.SentinelNodes)
		if len(opts.Addrs) == 0 {
			return redisTarget{}, errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		opts.MasterName = cfg.SentinelMasterName
		opts.SentinelPassword = cfg.SentinelPassword
		return redisTarget{opts: opts, desc: "sentinel:" + cfg.SentinelMasterName}, nil
	default:
		uri := strings.TrimSpace(cfg.URI)
		if uri == "" {
			return redisTarget{}, errors.New("redis direct configuration requires a URI")
		}
		if err := applyRedisURI(opts, uri); err != nil {
			return redisTarget{}, fmt.Errorf("parse redis url: %w", err)
		}
		return redisTarget{opts: opts, desc: uri}, nil
	}
}

// applyRedisURI accepts either host:port or a redis:// / rediss:// URL.
// Credentials in the URL take precedence over the configured password.
func applyRedisURI(opts *redis.UniversalOptions, uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil
	}
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		opts.Addrs = []string{uri}
		return nil
	}
	parsed, err := redis.ParseURL(uri)
	if err != nil {
		return err
	}
	opts.Addrs = []string{parsed.Addr}
	opts.Username = parsed.Username
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	opts.DB = parsed.DB
	opts.TLSConfig = parsed.TLSConfig
	return nil
}

// redactAddr strips credentials from a Redis address for logging.
func redactAddr(addr string) string {
	if u, err := url.Parse(addr); err == nil && u.User != nil {
		u.User = url.User("*")
		return u.Redacted()
	}
	if i := strings.LastIndex(addr, "@"); i > -1 {
		return addr[i+1:]
	}
	return addr
}

func trimAddrs(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, addr := range raw {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
