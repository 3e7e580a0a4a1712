package app

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyRuntimeDefaultsGeneratesVaultKey(t *testing.T) {
	cfg := &Config{}

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.True(t, generated["vault.encryption_key"])

	decoded, err := hex.DecodeString(cfg.Vault.EncryptionKey)
	require.NoError(t, err)
	require.Len(t, decoded, vaultSecretBytes)
}

func TestApplyRuntimeDefaultsKeepsConfiguredKey(t *testing.T) {
	cfg := &Config{}
	cfg.Vault.EncryptionKey = "deadbeef"

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Empty(t, generated)
	require.Equal(t, "deadbeef", cfg.Vault.EncryptionKey)
}

func TestApplyRuntimeDefaultsNilConfig(t *testing.T) {
	_, err := ApplyRuntimeDefaults(nil)
	require.Error(t, err)
}
