package mongocontainer

import (
	"context"
	"time"

	"github.com/adeilh/go-rakh-auth/internal/testutil/docker"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const hostPort = "57017"

var container = &docker.Container{
	Name:          "go-rakh-auth-mongo-test",
	Image:         "mongo:7",
	HostPort:      hostPort,
	ContainerPort: "27017",
	Ready:         ping,
	ReadyTimeout:  30 * time.Second,
}

// URI returns the connection string for the test MongoDB instance.
func URI() string { return "mongodb://127.0.0.1:" + hostPort }

// Setup launches the MongoDB container if it isn't already running.
func Setup() error { return container.Setup() }

// Teardown stops the container launched by Setup.
func Teardown() error { return container.Teardown() }

func ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(URI()))
	if err != nil {
		return err
	}
	defer client.Disconnect(context.Background())
	return client.Ping(ctx, nil)
}
