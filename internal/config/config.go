package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Store     Store     `envPrefix:"STORE_"`
	Worker    Worker    `envPrefix:"WORKER_"`
	TaskGen   TaskGen   `envPrefix:"TASKGEN_"`
	Routing   Routing   `envPrefix:"ROUTING_"`
	Validator Validator `envPrefix:"VALIDATOR_"`
	Chaos     Chaos     `envPrefix:"CHAOS_"`
	Redis     Redis     `envPrefix:"REDIS_"`
	Kafka     Kafka     `envPrefix:"KAFKA_"`
	API       API       `envPrefix:"API_"`
	Log       Log       `envPrefix:"LOG_"`
}

type Store struct {
	Path string `env:"PATH" envDefault:"plays.db"`
}

type Worker struct {
	ID               string        `env:"ID"`
	Interval         time.Duration `env:"INTERVAL" envDefault:"10s"`
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"20"`
	Concurrency      int           `env:"CONCURRENCY" envDefault:"8"`
	OrphanThreshold  time.Duration `env:"ORPHAN_THRESHOLD" envDefault:"120s"`
	ExecutionTimeout time.Duration `env:"EXECUTION_TIMEOUT" envDefault:"60s"`
	RetryBase        time.Duration `env:"RETRY_BASE" envDefault:"30s"`
	RetryMax         time.Duration `env:"RETRY_MAX" envDefault:"120s"`
	// StatusPort serves /metrics and the status routes from the worker; 0 disables it.
	StatusPort int `env:"STATUS_PORT" envDefault:"0"`
	// SimulatedLatency and SimulatedFailureRate drive the built-in execution port.
	SimulatedLatency     time.Duration `env:"SIMULATED_LATENCY" envDefault:"200ms"`
	SimulatedFailureRate float64       `env:"SIMULATED_FAILURE_RATE" envDefault:"0"`
}

type TaskGen struct {
	Threshold       int64         `env:"THRESHOLD" envDefault:"1000"`
	ChunkSize       int64         `env:"CHUNK_SIZE" envDefault:"400"`
	MinChunk        int64         `env:"MIN_CHUNK" envDefault:"200"`
	MaxChunk        int64         `env:"MAX_CHUNK" envDefault:"500"`
	Horizon         time.Duration `env:"HORIZON" envDefault:"72h"`
	JitterFraction  float64       `env:"JITTER_FRACTION" envDefault:"0.3"`
	TimeCompression float64       `env:"TIME_COMPRESSION" envDefault:"1"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
}

type Routing struct {
	FleetFile          string        `env:"FLEET_FILE"`
	EliteSource        string        `env:"ELITE_SOURCE" envDefault:"device-farm"`
	ReplenishOnFailure bool          `env:"REPLENISH_ON_FAILURE" envDefault:"false"`
	LeaseTTL           time.Duration `env:"LEASE_TTL" envDefault:"5m"`
	QuotaResetInterval time.Duration `env:"QUOTA_RESET_INTERVAL" envDefault:"24h"`
}

type Validator struct {
	// RefundTolerance is a decimal amount, e.g. "0.01".
	RefundTolerance string `env:"REFUND_TOLERANCE" envDefault:"0"`
}

// Chaos enables the runtime fault switches on the worker. Not for production.
type Chaos struct {
	Enabled       bool     `env:"ENABLED" envDefault:"false"`
	FailureRate   float64  `env:"FAILURE_RATE" envDefault:"0"`
	BannedSources []string `env:"BANNED_SOURCES" envSeparator:","`
	Paused        bool     `env:"PAUSED" envDefault:"false"`
}

type Redis struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type Kafka struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"play-delivery-events"`
}

type API struct {
	Port int `env:"PORT" envDefault:"8080"`
}

type Log struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Pretty bool   `env:"PRETTY" envDefault:"false"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// MinHorizon is the shortest delivery window an order may be spread over.
// TASKGEN_TIME_COMPRESSION shrinks the wall-clock window in tests.
const MinHorizon = 48 * time.Hour

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.Worker.ExecutionTimeout <= 0 || c.Worker.OrphanThreshold <= 0 {
		return fmt.Errorf("worker timeouts must be positive")
	}
	if c.Worker.ExecutionTimeout >= c.Worker.OrphanThreshold {
		return fmt.Errorf("WORKER_EXECUTION_TIMEOUT must be shorter than WORKER_ORPHAN_THRESHOLD")
	}
	tg := c.TaskGen
	if tg.MinChunk <= 0 || tg.MinChunk > tg.ChunkSize || tg.ChunkSize > tg.MaxChunk {
		return fmt.Errorf("chunk sizes must satisfy 0 < min <= size <= max")
	}
	if tg.Horizon < MinHorizon {
		return fmt.Errorf("TASKGEN_HORIZON must be at least %s", MinHorizon)
	}
	if tg.JitterFraction < 0 || tg.JitterFraction >= 1 {
		return fmt.Errorf("TASKGEN_JITTER_FRACTION must be in [0, 1)")
	}
	if tg.TimeCompression <= 0 {
		return fmt.Errorf("TASKGEN_TIME_COMPRESSION must be positive")
	}
	if c.Chaos.FailureRate < 0 || c.Chaos.FailureRate > 1 {
		return fmt.Errorf("CHAOS_FAILURE_RATE must be in [0, 1]")
	}
	if c.Routing.QuotaResetInterval <= 0 {
		return fmt.Errorf("ROUTING_QUOTA_RESET_INTERVAL must be positive")
	}
	return nil
}
