// Package postgrestest starts disposable PostgreSQL servers for tests.
package postgrestest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/backslash/internal/postgresprovision"
)

// Setup starts a migrated PostgreSQL server.
// The returned teardown terminates it and must be called even when err isn't nil.
func Setup(ctx context.Context) (connectionString string, teardown func() error, err error) {
	user := "postgres"
	password := "postgres"
	database := "postgres"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:17-alpine",
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       database,
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	teardown = func() error {
		if c == nil {
			return nil
		}
		return testcontainers.TerminateContainer(c)
	}
	if err != nil {
		return "", teardown, err
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5432/tcp"), "")
	if err != nil {
		return "", teardown, err
	}
	connectionString = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, endpoint, database)

	if _, err = postgresprovision.Migrate(connectionString, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		return "", teardown, err
	}

	return connectionString, teardown, nil
}
