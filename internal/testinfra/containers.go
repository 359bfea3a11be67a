//go:build integration

// Package testinfra starts throwaway backend containers for integration
// tests. Containers are terminated through t.Cleanup.
package testinfra

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type service struct {
	image string
	port  string
	env   map[string]string
	cmd   []string
	wait  wait.Strategy
}

func start(t *testing.T, svc service) (host string, port string) {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        svc.image,
			ExposedPorts: []string{svc.port + "/tcp"},
			Env:          svc.env,
			Cmd:          svc.cmd,
			WaitingFor:   svc.wait,
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start %s container: %v", svc.image, err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err = container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(svc.port))
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}
	return host, mapped.Port()
}

// Redis returns a host:port address
func Redis(t *testing.T) string {
	host, port := start(t, service{
		image: "redis:7-alpine",
		port:  "6379",
		wait:  wait.ForLog("Ready to accept connections"),
	})
	return host + ":" + port
}

// NATS returns a nats:// URL of a JetStream-enabled server
func NATS(t *testing.T) string {
	host, port := start(t, service{
		image: "nats:2.10-alpine",
		port:  "4222",
		cmd:   []string{"--js"},
		wait:  wait.ForListeningPort("4222/tcp"),
	})
	return fmt.Sprintf("nats://%s:%s", host, port)
}

// Postgres returns a connection string
func Postgres(t *testing.T) string {
	host, port := start(t, service{
		image: "postgres:16-alpine",
		port:  "5432",
		env: map[string]string{
			"POSTGRES_USER":     "ferrite",
			"POSTGRES_PASSWORD": "ferrite",
			"POSTGRES_DB":       "ferrite",
		},
		wait: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	return fmt.Sprintf("postgres://ferrite:ferrite@%s:%s/ferrite?sslmode=disable", host, port)
}

// Cassandra returns a host:port contact point
func Cassandra(t *testing.T) string {
	host, port := start(t, service{
		image: "cassandra:4.1",
		port:  "9042",
		env: map[string]string{
			"MAX_HEAP_SIZE": "512M",
			"HEAP_NEWSIZE":  "128M",
		},
		wait: wait.ForLog("Starting listening for CQL clients").
			WithStartupTimeout(3 * time.Minute),
	})
	return host + ":" + port
}
