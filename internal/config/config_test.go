package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 3, cfg.Dispatch.BatchSize)
	assert.Equal(t, 600*time.Second, cfg.Dispatch.OfferWindow)
	assert.Zero(t, cfg.Dispatch.MaxSearchDuration)
	assert.Equal(t, 5.0, cfg.Ranking.MaxRating)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("DISPATCH_BATCH_SIZE", "5")
	t.Setenv("DISPATCH_OFFER_WINDOW", "45s")
	t.Setenv("DISPATCH_MAX_SEARCH_DURATION", "10m")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("OSRM_ENDPOINT", "http://osrm:5000/")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Dispatch.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.OfferWindow)
	assert.Equal(t, 10*time.Minute, cfg.Dispatch.MaxSearchDuration)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "http://osrm:5000", cfg.OSRMEndpoint)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("DISPATCH_BATCH_SIZE", "0")
	t.Setenv("DISPATCH_OFFER_WINDOW", "soon")
	t.Setenv("RANK_ETA_CAP", "-1s")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCH_BATCH_SIZE must be > 0")
	assert.Contains(t, err.Error(), "invalid DISPATCH_OFFER_WINDOW")
	assert.Contains(t, err.Error(), "RANK_ETA_CAP must be > 0")
}

func TestLocatorLimitMustCoverBatch(t *testing.T) {
	d := DefaultDispatchConfig()
	d.BatchSize = 10
	d.LocatorLimit = 4
	require.ErrorContains(t, d.Validate(), "DISPATCH_LOCATOR_LIMIT")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_BROKER", "single:9092")
	t.Setenv("KAFKA_GROUP", "g1")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"single:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "g1", cfg.KafkaGroup)
	assert.Equal(t, "driver-locations", cfg.KafkaTopic)
}
