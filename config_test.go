package demand

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/oathar/demand-cli/jdclient"
	"github.com/stretchr/testify/require"
)

func testAuthKey(t *testing.T) (*btcec.PublicKey, string) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pub := priv.PubKey()

	return pub, hex.EncodeToString(pub.SerializeCompressed())
}

// TestValidateConfig checks the accepted and refused configurations.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	pub, keyHex := testAuthKey(t)

	tests := []struct {
		name   string
		modify func(cfg *Config)
		errIs  error
		errMsg string
	}{
		{
			name:   "defaults with key",
			modify: func(*Config) {},
		},
		{
			name: "missing key",
			modify: func(cfg *Config) {
				cfg.AuthPubKey = ""
			},
			errIs: ErrMissingAuthKey,
		},
		{
			name: "key not hex",
			modify: func(cfg *Config) {
				cfg.AuthPubKey = "zz"
			},
			errMsg: "invalid authpubkey",
		},
		{
			name: "key truncated",
			modify: func(cfg *Config) {
				cfg.AuthPubKey = "02" + keyHex[4:]
			},
			errMsg: "invalid authpubkey",
		},
		{
			name: "template provider without port",
			modify: func(cfg *Config) {
				cfg.TPAddress = "127.0.0.1"
			},
			errMsg: "invalid tpaddress",
		},
		{
			name: "zero extranonce",
			modify: func(cfg *Config) {
				cfg.MinExtranonceSize = 0
			},
			errMsg: "minextranoncesize",
		},
		{
			name: "health check without attempts",
			modify: func(cfg *Config) {
				cfg.HealthCheck.Attempts = 0
			},
			errMsg: "healthcheck.attempts",
		},
		{
			name: "health check disabled",
			modify: func(cfg *Config) {
				cfg.HealthCheck.Interval = 0
				cfg.HealthCheck.Attempts = 0
			},
		},
		{
			name: "bad metrics listener",
			modify: func(cfg *Config) {
				cfg.Prometheus.Enable = true
				cfg.Prometheus.Listen = "nope"
			},
			errMsg: "prometheus.listen",
		},
		{
			name: "bad log compressor",
			modify: func(cfg *Config) {
				cfg.LogConfig.File.Compressor = "lz4"
			},
			errMsg: "invalid log compressor",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.AuthPubKey = keyHex
			test.modify(&cfg)

			cleanCfg, err := ValidateConfig(cfg)
			switch {
			case test.errIs != nil:
				require.ErrorIs(t, err, test.errIs)

			case test.errMsg != "":
				require.ErrorContains(t, err, test.errMsg)

			default:
				require.NoError(t, err)
				require.True(t, pub.IsEqual(cleanCfg.AuthKey()))
			}
		})
	}
}

// TestValidateConfigPaths checks that a custom base directory moves the
// default log directory along.
func TestValidateConfigPaths(t *testing.T) {
	t.Parallel()

	_, keyHex := testAuthKey(t)
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.AuthPubKey = keyHex
	cfg.DemandDir = dir

	cleanCfg, err := ValidateConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, defaultLogDirname), cleanCfg.LogDir)

	// An explicit log directory is kept.
	cfg.LogDir = filepath.Join(dir, "elsewhere")
	cleanCfg, err = ValidateConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, cfg.LogDir, cleanCfg.LogDir)
}

// TestClientConfig checks the settings handed to the job declarator client.
func TestClientConfig(t *testing.T) {
	t.Parallel()

	pub, keyHex := testAuthKey(t)

	cfg := DefaultConfig()
	cfg.AuthPubKey = keyHex
	cfg.DeviceID = "rig-7"
	cfg.TestOnlyDoNotSendSolutionToTP = true

	cleanCfg, err := ValidateConfig(cfg)
	require.NoError(t, err)

	clientCfg := cleanCfg.ClientConfig()
	require.Equal(t, defaultTPAddress, clientCfg.TPAddress)
	require.Equal(t, defaultPoolAddress, clientCfg.PoolAddress)
	require.True(t, pub.IsEqual(clientCfg.AuthPubKey))
	require.EqualValues(t, defaultMinExtranonceSize,
		clientCfg.MinExtranonceSize)
	require.EqualValues(t, jdclient.DefaultChannelID, clientCfg.ChannelID)
	require.True(t, clientCfg.TestOnlyDoNotSendSolutionToTP)
	require.Equal(t, "rig-7", clientCfg.Handshake.DeviceID)
	require.Equal(t, defaultVendor, clientCfg.Handshake.Vendor)
}
