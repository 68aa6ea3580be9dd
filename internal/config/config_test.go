package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEASE_DURATION", "")
	t.Setenv("ADMISSION_CAPACITY", "")
	t.Setenv("GATEWAY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 30*time.Second, cfg.SeatSweepInterval)
	assert.Equal(t, 15*time.Minute, cfg.PaymentTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 100, cfg.AdmissionCapacity)
	assert.Equal(t, "mock", cfg.Gateway)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LEASE_DURATION", "90s")
	t.Setenv("ADMISSION_CAPACITY", "250")
	t.Setenv("ADMISSION_GATE", "false")
	t.Setenv("PAYMENT_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 250, cfg.AdmissionCapacity)
	assert.False(t, cfg.AdmissionGate)
	assert.Equal(t, 15*time.Minute, cfg.PaymentTimeout)
}
