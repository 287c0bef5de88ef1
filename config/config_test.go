package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("PAYMENT_TIMEOUT_SECONDS", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Business.PaymentTimeout())
	assert.Equal(t, 72*time.Hour, cfg.Business.CartTTL())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TAX_RATE_BPS", "825")
	t.Setenv("MOCK_PAYMENT_SUCCESS_RATE", "0.9")
	t.Setenv("FINALIZE_RETRIES", "not-a-number")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, int64(825), cfg.Business.TaxRateBasisPoints)
	assert.Equal(t, 0.9, cfg.Business.MockPaymentSuccessRate)
	assert.Equal(t, 3, cfg.Business.FinalizeRetries)
}
