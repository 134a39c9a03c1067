package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
mode: paper
market:
  base_url: https://data.example.com
scanner:
  interval: 10s
  workers: 8
risk:
  per_trade_risk_pct: 1.5
instruments:
  - symbol: EURUSD
    timeframes: [M15, H1]
    enabled: true
  - symbol: XAUUSD
    timeframes: [H1]
    enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aethelgard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, 10*time.Second, cfg.Scanner.Interval)
	assert.Equal(t, 8, cfg.Scanner.Workers)
	assert.Equal(t, 5*time.Second, cfg.Scanner.ProviderTimeout)
	assert.Equal(t, 3, cfg.Risk.MaxConsecutiveLosses)
	assert.InDelta(t, 1.10, cfg.Risk.OvershootTolerance, 1e-9)
	assert.Equal(t, 5, cfg.Tuner.EveryNClosures)
	assert.Equal(t, 10, cfg.Position.DailyModCap)
	assert.Equal(t, 5*time.Minute, cfg.Position.ModificationCool)
	assert.Equal(t, "aethelgard.db", cfg.Store.DSN)
	assert.Len(t, cfg.Instruments, 2)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AETHELGARD_STORE_DSN", "postgres://u:p@localhost/aethelgard")
	t.Setenv("AETHELGARD_MODE", "live")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@localhost/aethelgard", cfg.Store.DSN)
	assert.Equal(t, "live", cfg.Mode)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	bad := *cfg
	bad.Mode = "backtest"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Scanner.Workers = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Risk.PerTradeRiskPct = 9
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Instruments = nil
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Market.BaseURL = ""
	assert.Error(t, bad.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
