package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessly/assess-api/config"
)

func TestValidateServiceConfig(t *testing.T) {
	t.Run("accepts a valid worker config", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "worker"}
		cfg.AI.APIKey = "test-key"

		require.NoError(t, ValidateServiceConfig(cfg))
	})

	t.Run("worker mode requires an api key", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "worker"}

		err := ValidateServiceConfig(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AI_API_KEY")
	})

	t.Run("reconciler mode does not require an api key", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "reconciler"}

		require.NoError(t, ValidateServiceConfig(cfg))
	})

	t.Run("rejects unknown services", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "worker,frobnicator"}
		cfg.AI.APIKey = "test-key"

		require.Error(t, ValidateServiceConfig(cfg))
	})

	t.Run("rejects nil config", func(t *testing.T) {
		require.Error(t, ValidateServiceConfig(nil))
	})
}

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "worker,notifier"}

	services := GetEnabledServices(cfg)

	assert.ElementsMatch(t, []string{"worker", "notifier"}, services)
}

func TestErrorChannelBufferSize(t *testing.T) {
	t.Run("reserves one slot per enabled service plus one", func(t *testing.T) {
		enabled := map[config.ServiceMode]bool{
			config.ServiceModeWorker:     true,
			config.ServiceModeReconciler: true,
		}
		assert.Equal(t, 3, errorChannelBufferSize(enabled))
	})

	t.Run("never returns zero", func(t *testing.T) {
		assert.Equal(t, 1, errorChannelBufferSize(nil))
	})
}
