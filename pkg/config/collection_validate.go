package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate HTTP server settings.
func (h *ServerConfig) Validate() error {
	if err := valid.Struct(h); err != nil {
		return err
	}
	if h.Addr == "" {
		return errors.New("server.addr cannot be empty")
	}
	// must be ":port" or "ip:port"
	if _, err := net.ResolveTCPAddr("tcp", h.Addr); err != nil {
		return fmt.Errorf("server.addr format invalid (expected: :port or ip:port), got %s: %w", h.Addr, err)
	}
	return nil
}

// Validate engine settings. The fetch ceiling is bounded so a stuck provider can never hold a tick
// longer than a quarter of an hour.
func (c *CollectionConfig) Validate() error {
	if err := valid.Struct(c); err != nil {
		return err
	}
	if c.FetchTimeout > 15*time.Minute {
		return fmt.Errorf("collection.fetch_timeout must be at most 15m, got %s", c.FetchTimeout)
	}
	if c.HTTPTimeout > c.FetchTimeout {
		return fmt.Errorf("collection.http_timeout (%s) must not exceed collection.fetch_timeout (%s)", c.HTTPTimeout, c.FetchTimeout)
	}
	if c.RetrySleep > 5*time.Minute {
		return fmt.Errorf("collection.retry_sleep must be at most 5m, got %s", c.RetrySleep)
	}
	return nil
}

// Validate sink settings; sqlite needs a file path.
func (s *SinkConfig) Validate() error {
	if err := valid.Struct(s); err != nil {
		return err
	}
	if s.Type == "sqlite" && strings.TrimSpace(s.DBPath) == "" {
		return errors.New("sink.db_path is required for the sqlite sink")
	}
	return nil
}
