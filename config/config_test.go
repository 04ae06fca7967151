package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonhub/ledger-engine/config"
	"github.com/salonhub/ledger-engine/ledger"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, "sqlite3", cfg.DB.Driver)
	assert.Equal(t, "@daily", cfg.Scheduler.SweepCron)

	p, err := cfg.Program()
	require.NoError(t, err)
	assert.True(t, p.RewardRate.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 3, p.UnlockThreshold)
	assert.Equal(t, 365*24*time.Hour, p.PointsTTL)
	assert.Equal(t, 30*24*time.Hour, p.RollingWindow)

	kinds, err := cfg.SettlementKinds()
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountKind{ledger.KindCommission}, kinds)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: a YAML file and an env override for one of its keys
	// WHEN: loaded
	// THEN: the env wins, the rest comes from the file

	path := filepath.Join(t.TempDir(), "ledger.yaml")
	doc := `
http:
  port: 9090
rewards:
  rate: "0.10"
  unlock_threshold: 4
  points_ttl: 2160h
settlement:
  kinds: [COMMISSION, REWARD]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("LEDGER_REWARDS_UNLOCK_THRESHOLD", "5")
	t.Setenv("LEDGER_DB_DRIVER", "postgres")
	t.Setenv("LEDGER_DB_DSN", "postgres://localhost/ledger?sslmode=disable")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "postgres", cfg.DB.Driver)

	p, err := cfg.Program()
	require.NoError(t, err)
	assert.Equal(t, 5, p.UnlockThreshold)
	assert.True(t, p.RewardRate.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 90*24*time.Hour, p.PointsTTL)

	kinds, err := cfg.SettlementKinds()
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountKind{ledger.KindCommission, ledger.KindReward}, kinds)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"driver":  {"LEDGER_DB_DRIVER": "mysql"},
		"rate":    {"LEDGER_REWARDS_RATE": "lots"},
		"kinds":   {"LEDGER_SETTLEMENT_KINDS": "SALON"},
		"workers": {"LEDGER_SETTLEMENT_WORKERS": "0"},
		"port":    {"LEDGER_HTTP_PORT": "70000"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
