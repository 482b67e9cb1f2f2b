// Package docker runs throwaway service containers for integration tests.
package docker

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Container describes a single-port service started with `docker run`.
type Container struct {
	Name          string
	Image         string
	HostPort      string
	ContainerPort string
	Env           []string
	// Ready reports whether the service accepts connections.
	Ready        func() error
	ReadyTimeout time.Duration

	once     sync.Once
	setupErr error
}

// Setup starts the container once and waits for Ready.
func (c *Container) Setup() error {
	c.once.Do(func() {
		if _, err := exec.LookPath("docker"); err != nil {
			c.setupErr = fmt.Errorf("docker executable not found: %w", err)
			return
		}
		_ = c.stop()
		if err := c.run(); err != nil {
			c.setupErr = err
			return
		}
		if err := c.wait(); err != nil {
			_ = c.stop()
			c.setupErr = err
		}
	})
	return c.setupErr
}

// Teardown stops a container started by Setup.
func (c *Container) Teardown() error {
	if c.setupErr != nil {
		return c.setupErr
	}
	return c.stop()
}

func (c *Container) run() error {
	args := []string{"run", "-d", "--rm", "--name", c.Name, "-p", c.HostPort + ":" + c.ContainerPort}
	for _, kv := range c.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, c.Image)
	return runDocker(args...)
}

func (c *Container) stop() error {
	output, err := exec.Command("docker", "stop", c.Name).CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "No such container") {
			return nil
		}
		return fmt.Errorf("docker stop failed: %w: %s", err, output)
	}
	return nil
}

func (c *Container) wait() error {
	timeout := c.ReadyTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if c.Ready == nil {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := c.Ready(); err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return errors.New(c.Name + " container did not become ready in time")
}

func runDocker(args ...string) error {
	output, err := exec.Command("docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker %s failed: %w: %s", args[0], err, output)
	}
	return nil
}
