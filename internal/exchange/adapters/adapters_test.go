package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/exchange-feeds/internal/config"
)

func TestNewRegistry(t *testing.T) {
	cfg := config.Default()

	reg, err := NewRegistry(cfg, nil)
	require.NoError(t, err)
	defer reg.Close(context.Background())

	assert.Equal(t, []string{"bitbank", "bitfinex"}, reg.Names())

	bb, err := reg.Get("bitbank")
	require.NoError(t, err)
	assert.Equal(t, "jp", bb.Info().Country)
	assert.True(t, bb.Features().Ticker)
}

func TestNewRegistry_OnlyEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Bitbank.Enabled = false

	reg, err := NewRegistry(cfg, nil)
	require.NoError(t, err)
	defer reg.Close(context.Background())

	assert.Equal(t, []string{"bitfinex"}, reg.Names())
}

func TestBackoff(t *testing.T) {
	b := Backoff(config.ConnectionConfig{ReconnectBaseDelay: 2 * time.Second, ReconnectMaxDelay: time.Minute})

	assert.Equal(t, 2*time.Second, b.Initial)
	assert.Equal(t, time.Minute, b.Max)
	assert.Greater(t, b.Multiplier, 1.0)
}
