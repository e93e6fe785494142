package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "plays.db", cfg.Store.Path)
	assert.Equal(t, 10*time.Second, cfg.Worker.Interval)
	assert.Equal(t, 120*time.Second, cfg.Worker.OrphanThreshold)
	assert.Equal(t, int64(400), cfg.TaskGen.ChunkSize)
	assert.Equal(t, 72*time.Hour, cfg.TaskGen.Horizon)
	assert.Equal(t, 3, cfg.TaskGen.MaxAttempts)
	assert.False(t, cfg.Routing.ReplenishOnFailure)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, 24*time.Hour, cfg.Routing.QuotaResetInterval)
	assert.Equal(t, "0", cfg.Validator.RefundTolerance)
	assert.Zero(t, cfg.Worker.StatusPort)
	assert.False(t, cfg.Chaos.Enabled)
}

func TestLoad_Chaos(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHAOS_ENABLED", "true")
	t.Setenv("CHAOS_FAILURE_RATE", "0.25")
	t.Setenv("CHAOS_BANNED_SOURCES", "datacenter,cloud")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Chaos.Enabled)
	assert.InDelta(t, 0.25, cfg.Chaos.FailureRate, 1e-9)
	assert.Equal(t, []string{"datacenter", "cloud"}, cfg.Chaos.BannedSources)

	t.Setenv("CHAOS_FAILURE_RATE", "1.5")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WORKER_BATCH_SIZE", "5")
	t.Setenv("TASKGEN_TIME_COMPRESSION", "0.001")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("ROUTING_REPLENISH_ON_FAILURE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Worker.BatchSize)
	assert.InDelta(t, 0.001, cfg.TaskGen.TimeCompression, 1e-12)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Routing.ReplenishOnFailure)
}

func TestLoad_RejectsInvalidChunks(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TASKGEN_MIN_CHUNK", "450")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsShortHorizon(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("TASKGEN_HORIZON", "1h")
	_, err := Load()
	assert.ErrorContains(t, err, "TASKGEN_HORIZON")

	t.Setenv("TASKGEN_HORIZON", "48h")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, MinHorizon, cfg.TaskGen.Horizon)
}

func TestValidate_TimeoutOrdering(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WORKER_EXECUTION_TIMEOUT", "3m")

	_, err := Load()
	assert.Error(t, err)
}
