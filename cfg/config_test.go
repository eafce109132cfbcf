package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		corrupt func()
		restore func()
	}{
		{
			name:    "empty cluster id",
			corrupt: func() { Config.ClusterID = "" },
			restore: func() { Config.ClusterID = "default" },
		},
		{
			name:    "zero batch size",
			corrupt: func() { Config.Delivery.BatchSize = 0 },
			restore: func() { Config.Delivery.BatchSize = 100 },
		},
		{
			name:    "negative non-GD retry limit",
			corrupt: func() { Config.Delivery.NonGDRetryLimit = -1 },
			restore: func() { Config.Delivery.NonGDRetryLimit = 3 },
		},
		{
			name:    "zero sweep interval",
			corrupt: func() { Config.Retention.SweepIntervalS = 0 },
			restore: func() { Config.Retention.SweepIntervalS = 60 },
		},
		{
			name:    "zero migration fanout timeout",
			corrupt: func() { Config.Migration.FanoutTimeoutMS = 0 },
			restore: func() { Config.Migration.FanoutTimeoutMS = 5000 },
		},
		{
			name:    "admin port out of range",
			corrupt: func() { Config.Admin.Port = 70000 },
			restore: func() { Config.Admin.Port = 8090 },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.corrupt()
			defer tc.restore()
			assert.Error(t, Validate())
		})
	}
}

func TestDefaultBatchSizeIsPlatformConstant(t *testing.T) {
	// Producers that omit batch_size get 100 messages per fetch.
	assert.Equal(t, 100, Config.Delivery.BatchSize)
}
