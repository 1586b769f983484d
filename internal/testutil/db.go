package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:16-alpine"

// TestDB is a migrated Postgres running in a throwaway container.
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// migrationsURL points golang-migrate at the repository's migrations
// directory regardless of which package the test runs from.
func migrationsURL() string {
	_, file, _, _ := runtime.Caller(0)
	return "file://" + filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// SetupTestDB starts Postgres, waits until it answers and applies every migration.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file loaded (%v); using environment and defaults", err)
	}
	user := envOr("LEADFLOW_TEST_DB_USER", "leadflow")
	password := envOr("LEADFLOW_TEST_DB_PASSWORD", "leadflow")
	name := envOr("LEADFLOW_TEST_DB_NAME", "leadflow_test")
	host := envOr("LEADFLOW_TEST_DB_HOST", "localhost")

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       name,
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	td := &TestDB{container: container}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		td.abort(t, errors.Wrap(err, "mapped port"))
	}
	td.ConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), name)

	if td.DB, err = sqlx.Open("postgres", td.ConnStr); err != nil {
		td.abort(t, errors.Wrap(err, "connect to test DB"))
	}

	// The port opens before Postgres accepts queries.
	ready := backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 20)
	if err := backoff.Retry(func() error { return td.DB.PingContext(ctx) }, ready); err != nil {
		td.abort(t, errors.Wrap(err, "ping test DB"))
	}

	m, err := migrate.New(migrationsURL(), td.ConnStr)
	if err != nil {
		td.abort(t, errors.Wrap(err, "initialize migrations"))
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		td.abort(t, errors.Wrap(err, "apply migrations"))
	}
	return td
}

func (td *TestDB) abort(t *testing.T, cause error) {
	t.Helper()
	if td.DB != nil {
		_ = td.DB.Close()
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Logf("Failed to terminate container: %v", err)
	}
	t.Fatalf("Test database setup failed: %v", cause)
}

// Teardown closes the connection and removes the container.
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}
