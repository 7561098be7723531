package store

import (
	"context"
	"testing"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/stretchr/testify/require"
)

func TestOpenDefaultsToMemory(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{})
	require.NoError(t, err)
	require.Equal(t, "memory", s.Driver())
	require.NoError(t, s.Close())
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "etcd"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "etcd")
}

func TestBuildLibsqlDSN(t *testing.T) {
	t.Run("URLUsesRawValue", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io",
			AuthToken: "token123",
		}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123", dsn)
	})

	t.Run("URLWithExistingQuery", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io?foo=bar",
			AuthToken: "token123",
		}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123&foo=bar", dsn)
	})

	t.Run("PathWithFilePrefix", func(t *testing.T) {
		cfg := config.StoreConfig{Path: "file:./gatewarden.db"}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "file:./gatewarden.db", dsn)
	})

	t.Run("PathMissing", func(t *testing.T) {
		cfg := config.StoreConfig{}

		_, err := buildLibsqlDSN(cfg)
		require.Error(t, err)
	})

	t.Run("MemoryPath", func(t *testing.T) {
		cfg := config.StoreConfig{Path: ":memory:"}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, ":memory:", dsn)
	})
}

func TestStateQueryValidate(t *testing.T) {
	require.Error(t, StateQuery{}.Validate())
	require.NoError(t, StateQuery{All: true}.Validate())
	require.NoError(t, StateQuery{Key: "user:alice"}.Validate())
	require.NoError(t, StateQuery{Prefix: "ip:"}.Validate())
}

func TestStateQueryMatches(t *testing.T) {
	require.True(t, StateQuery{All: true}.Matches("user:alice"))
	require.True(t, StateQuery{Key: "user:alice"}.Matches("user:alice"))
	require.False(t, StateQuery{Key: "user:alice"}.Matches("user:bob"))
	require.True(t, StateQuery{Prefix: "user:"}.Matches("user:bob"))
	require.False(t, StateQuery{Prefix: "user:"}.Matches("ip:10.0.0.1"))
	require.False(t, StateQuery{}.Matches("user:alice"))
}
