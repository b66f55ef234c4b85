package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ledger/internal/config"
	"github.com/i5heu/ouroboros-ledger/internal/testutil"
)

func TestParseFlagsOverridesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("inMemory: true\nchainId: 7\n"), 0o600))

	cfg, err := parseFlags([]string{
		"--config", path,
		"--api", "127.0.0.1:9999",
		"--chain-id", "11",
		"--debug",
	})
	require.NoError(t, err)
	assert.True(t, cfg.InMemory)
	assert.Equal(t, "127.0.0.1:9999", cfg.API.Addr)
	assert.Equal(t, uint64(11), cfg.ChainID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, config.DefaultRelayerAddr, cfg.Relayer.Addr)
}

func TestParseFlagsDataDirDisablesMemory(t *testing.T) {
	dir := t.TempDir()
	cfg, err := parseFlags([]string{"--data", dir})
	require.NoError(t, err)
	assert.False(t, cfg.InMemory)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	_, err := parseFlags([]string{"--no-such-flag"})
	require.Error(t, err)
}

func TestRunServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	apiAddr := freeAddr(t)
	cfg, err := parseFlags([]string{
		"--data", dir,
		"--api", apiAddr,
		"--relayer", "127.0.0.1:0",
		"--metrics", "127.0.0.1:0",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, testutil.Logger(t)) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + apiAddr + "/v1/info")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	// The key survives and is reused.
	id, err := loadOrCreateIdentity(cfg, testutil.Logger(t))
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(dir, identityFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), id.Hex())
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
