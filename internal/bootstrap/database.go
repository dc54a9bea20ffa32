package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"github.com/target/dwas-scanner/config"
	"github.com/target/dwas-scanner/internal/data"
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
	// ConnectTimeout bounds how long startup keeps retrying an unreachable store.
	// Zero tries once.
	ConnectTimeout time.Duration
}

// pingWithRetry retries ping with exponential backoff until it succeeds or the
// connect timeout elapses.
func pingWithRetry(cfg DatabaseConfig, target string, ping func(context.Context) error) error {
	attempt := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ping(ctx)
	}
	if cfg.ConnectTimeout <= 0 {
		return attempt()
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = cfg.ConnectTimeout
	notify := func(err error, wait time.Duration) {
		if cfg.Logger != nil {
			cfg.Logger.Warn(target+" not reachable; retrying", "error", err, "retry_in", wait)
		}
	}
	return backoff.RetryNotify(attempt, expBackoff, notify)
}

// postgresDSN renders cfg as a URL so credentials with reserved characters survive.
func postgresDSN(cfg config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	q := u.Query()
	q.Set("sslmode", cfg.SSLMode)
	q.Set("application_name", "dwas-scanner")
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectDB opens the Postgres pool and waits for the server to answer.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", postgresDSN(cfg.DBConfig))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxOpen := cfg.DBConfig.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(5, maxOpen))
	db.SetConnMaxLifetime(5 * time.Minute)

	if pingErr := pingWithRetry(cfg, "database", db.PingContext); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"host", cfg.DBConfig.Host,
			"port", cfg.DBConfig.Port,
			"database", cfg.DBConfig.Name,
			"max_open_conns", maxOpen,
		)
	}
	return db, nil
}

// ConnectRedis builds a single-node, sentinel, or cluster client from cfg and
// waits for it to answer PING.
//
//nolint:ireturn // the concrete client type depends on the deployment topology.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	opts, desc, err := redisOptions(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	var client redis.UniversalClient
	if cfg.RedisConfig.UseCluster {
		// A single seed address still needs a cluster client.
		client = redis.NewClusterClient(opts.Cluster())
	} else {
		client = redis.NewUniversalClient(opts)
	}

	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if pingErr := pingWithRetry(cfg, "redis", ping); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "addr", desc)
	}
	return client, nil
}

// redisOptions maps the env configuration onto UniversalOptions. The returned
// description is safe to log.
func redisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, string, error) {
	switch {
	case cfg.UseCluster:
		opts := &redis.UniversalOptions{
			Addrs:    trimAddrs(cfg.ClusterNodes),
			Password: cfg.Password,
		}
		if len(opts.Addrs) == 0 {
			if err := applyRedisURI(opts, cfg.URI); err != nil {
				return nil, "", fmt.Errorf("parse redis cluster url: %w", err)
			}
		}
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis cluster configuration requires at least one address")
		}
		return opts, "cluster:" + strings.Join(opts.Addrs, ","), nil

	case cfg.UseSentinel:
		nodes := trimAddrs(cfg.SentinelNodes)
		if len(nodes) == 0 {
			return nil, "", errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		if strings.TrimSpace(cfg.SentinelMasterName) == "" {
			return nil, "", errors.New("redis sentinel configuration requires a master name")
		}
		return &redis.UniversalOptions{
			Addrs:            nodes,
			MasterName:       cfg.SentinelMasterName,
			Password:         cfg.Password,
			SentinelPassword: cfg.SentinelPassword,
		}, "sentinel:" + cfg.SentinelMasterName, nil

	default:
		opts := &redis.UniversalOptions{Password: cfg.Password}
		if err := applyRedisURI(opts, cfg.URI); err != nil {
			return nil, "", fmt.Errorf("parse redis url: %w", err)
		}
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis direct configuration requires a URI")
		}
		return opts, opts.Addrs[0], nil
	}
}

// applyRedisURI accepts either a bare host:port or a redis:// / rediss:// URL.
// Credentials embedded in the URL override the configured password.
func applyRedisURI(opts *redis.UniversalOptions, uri string) error {
	uri = strings.TrimSpace(uri)
	switch {
	case uri == "":
		return nil
	case !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://"):
		opts.Addrs = []string{uri}
		return nil
	}

	parsed, err := redis.ParseURL(uri)
	if err != nil {
		return err
	}
	opts.Addrs = []string{parsed.Addr}
	opts.DB = parsed.DB
	opts.Username = parsed.Username
	opts.TLSConfig = parsed.TLSConfig
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	return nil
}

func trimAddrs(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, addr := range raw {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := data.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed")
	}
	return nil
}
