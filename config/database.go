package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost" validate:"required"`
	Port     int    `env:"PORT"     envDefault:"5432"      validate:"gt=0,lt=65536"`
	User     string `env:"USER"     envDefault:"dwas"      validate:"required"`
	Password string `env:"PASSWORD" envDefault:"dwas"`
	Name     string `env:"NAME"     envDefault:"dwas"      validate:"required"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"   validate:"oneof=disable allow prefer require verify-ca verify-full"`
	// MaxOpenConns bounds the pool; workers hold a connection while listening for queue wakeups.
	MaxOpenConns int `env:"MAX_OPEN_CONNS" envDefault:"25" validate:"gt=0"`
	// ConnectTimeout bounds how long startup retries an unreachable Postgres or Redis.
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`
	// RunMigrationsOnStart controls whether the application applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration for in-flight job tokens.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
	// KeyPrefix namespaces every key written by the service.
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"dwas:"`
}
