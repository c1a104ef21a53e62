package main

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytecache/pkg/config"
	"bytecache/pkg/image"
)

func useConfig(t *testing.T) {
	t.Helper()
	prev := cfg
	cfg = config.NewConfig()
	cfg.StateDir = t.TempDir()
	t.Cleanup(func() { cfg = prev })
}

func TestRegistryOptions(t *testing.T) {
	useConfig(t)

	opts, err := registryOptions()
	require.NoError(t, err)
	assert.Empty(t, opts)

	cfg.Registry.Insecure = true
	cfg.Registry.Platform = "linux/arm64"
	opts, err = registryOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	cfg.Registry.Platform = "linux"
	_, err = registryOptions()
	assert.Error(t, err)

	_, _, err = newImageManager(prometheus.NewRegistry(), noVerifier)
	assert.ErrorContains(t, err, "invalid registry configuration")
}

func TestWithManager_GetNeedsNoVerifier(t *testing.T) {
	useConfig(t)

	err := withManager(noVerifier, func(svc image.Service) error {
		_, err := svc.GetBytecode(context.Background(), "quay.io_bytecode_missing_latest")
		return err
	})
	require.Error(t, err)
	assert.True(t, image.IsKind(err, image.KindNotFound))
}

func TestNoVerifierRejectsPulls(t *testing.T) {
	assert.Error(t, noVerifier.Verify(context.Background(), "quay.io/bytecode/prog:latest", nil, nil))
}
