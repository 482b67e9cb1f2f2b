package postgrescontainer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/adeilh/go-rakh-auth/internal/testutil/docker"
	_ "github.com/lib/pq"
)

const (
	hostPort = "55432"
	user     = "rakh"
	password = "secret"
	dbName   = "rakh_auth_test"
)

var container = &docker.Container{
	Name:          "go-rakh-auth-postgres-test",
	Image:         "postgres:16-alpine",
	HostPort:      hostPort,
	ContainerPort: "5432",
	Env: []string{
		"POSTGRES_USER=" + user,
		"POSTGRES_PASSWORD=" + password,
		"POSTGRES_DB=" + dbName,
	},
	Ready:        ping,
	ReadyTimeout: 30 * time.Second,
}

// Addr returns host:port for connecting to the test Postgres instance.
func Addr() string { return "127.0.0.1:" + hostPort }

// DSN returns a lib/pq formatted connection string.
func DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, Addr(), dbName)
}

// Setup launches the Postgres container if it isn't already running.
func Setup() error { return container.Setup() }

// Teardown stops the container launched by Setup.
func Teardown() error { return container.Teardown() }

func ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	db, err := sql.Open("postgres", DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}
