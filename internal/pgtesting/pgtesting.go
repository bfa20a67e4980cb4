// Package pgtesting starts a throwaway PostgreSQL container for integration tests.
package pgtesting

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const image = "postgres:16-alpine"

// NewURL starts a container and returns its connection string. The container is
// terminated when the test finishes. Skipped under -short.
func NewURL(t testing.TB) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := t.Context()

	container, err := postgres.Run(ctx, image,
		postgres.WithDatabase("videostats"),
		postgres.WithUsername("videostats"),
		postgres.WithPassword("videostats"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return url
}

// NewLogger returns a logger that discards output.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
