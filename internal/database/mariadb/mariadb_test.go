//go:build integration

package mariadb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kozaktomas/ppe-monitor/internal/database"
	"github.com/kozaktomas/ppe-monitor/internal/database/storetest"
)

func setupTestContainer(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mariadb:11",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MARIADB_USER":          "test",
			"MARIADB_PASSWORD":      "test",
			"MARIADB_DATABASE":      "testdb",
			"MARIADB_ROOT_PASSWORD": "root",
		},
		WaitingFor: wait.ForLog("ready for connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil || container == nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("test:test@tcp(%s:%s)/testdb", host, port.Port())
	s, err := Open(ctx, dsn, 5, 2, storetest.Dim)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	s := setupTestContainer(t)
	ctx := context.Background()

	if err := s.migrate(ctx); err != nil {
		t.Fatalf("Second migrate failed: %v", err)
	}
	applied, err := s.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("Failed to list migrations: %v", err)
	}
	if len(applied) != 1 || applied[0] != "001_init.sql" {
		t.Errorf("Expected only 001_init.sql, got %v", applied)
	}
}

func TestStoreBehavior(t *testing.T) {
	storetest.Run(t, func(t *testing.T) database.Store {
		return setupTestContainer(t)
	})
}

func TestOpen_RejectsBadDSN(t *testing.T) {
	if _, err := Open(context.Background(), "", 1, 1, 0); err == nil {
		t.Error("expected error for empty DSN")
	}
	if _, err := Open(context.Background(), "not a dsn@@", 1, 1, 0); err == nil {
		t.Error("expected error for malformed DSN")
	}
}
