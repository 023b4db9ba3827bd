// Package graphdb holds the bridge's connection to the graph database. The
// bridge itself never queries it; the connection exists so the readiness
// endpoint can report whether the database behind the tool host is reachable.
package graphdb

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Config struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URI) == "" {
		return errors.New("graphdb: uri is required")
	}
	return nil
}

// Client wraps one driver instance for the process lifetime.
type Client struct {
	driver neo4j.DriverWithContext
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, err
	}
	return &Client{driver: driver}, nil
}

// Ping verifies connectivity and reports the round-trip latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	if c == nil || c.driver == nil {
		return 0, errors.New("graphdb: not configured")
	}
	start := time.Now()
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}
