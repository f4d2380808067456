// Package config loads the coordinator and client daemon configuration
// from YAML, the way the teacher's pkg/engine loaded rate limiter configs:
// a plain struct with yaml tags, a Validate step, and sane defaults filled
// in before validation runs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ratelimiter/go/pkg/permits"
)

// Coordinator holds the settings for cmd/coordinatord.
type Coordinator struct {
	ListenAddr                 string        `yaml:"listen_addr"`
	GlobalPermitCount          int           `yaml:"global_permit_count"`
	TargetPermitsPerClient     int           `yaml:"target_permits_per_client"`
	QueueLimit                 int           `yaml:"queue_limit"`
	IdleClientTimeout          time.Duration `yaml:"idle_client_timeout"`
	ClientLeaseRefreshInterval time.Duration `yaml:"client_lease_refresh_interval"`
}

// PermitsConfig projects the YAML fields into pkg/permits.Config.
func (c Coordinator) PermitsConfig() permits.Config {
	return permits.Config{
		GlobalPermitCount:          c.GlobalPermitCount,
		TargetPermitsPerClient:     c.TargetPermitsPerClient,
		QueueLimit:                 c.QueueLimit,
		IdleClientTimeout:          c.IdleClientTimeout,
		ClientLeaseRefreshInterval: c.ClientLeaseRefreshInterval,
	}
}

func (c Coordinator) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	return c.PermitsConfig().Validate()
}

// defaultCoordinator mirrors the worked example in spec.md §8 (N=100,
// T=20, Q=200, I=60s, R=30s) so an unconfigured coordinator starts with
// reasonable values rather than zeros.
func defaultCoordinator() Coordinator {
	return Coordinator{
		ListenAddr:                 ":7420",
		GlobalPermitCount:          100,
		TargetPermitsPerClient:     20,
		QueueLimit:                 200,
		IdleClientTimeout:          60 * time.Second,
		ClientLeaseRefreshInterval: 30 * time.Second,
	}
}

// LoadCoordinator reads a YAML file, overlaying it onto defaultCoordinator,
// and validates the result.
func LoadCoordinator(path string) (Coordinator, error) {
	cfg := defaultCoordinator()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Coordinator{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Coordinator{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Coordinator{}, err
	}
	return cfg, nil
}

// Client holds the settings for cmd/permitclientd. The permit parameters
// mirror the coordinator's, since spec.md's data model treats N/T/Q/I/R as
// cluster-wide constants, not per-client ones; a client that disagrees
// with the coordinator about them will still behave correctly (they only
// shape this client's local cache sizing) but is almost certainly
// misconfigured.
type Client struct {
	CoordinatorAddr            string        `yaml:"coordinator_addr"`
	GlobalPermitCount          int           `yaml:"global_permit_count"`
	TargetPermitsPerClient     int           `yaml:"target_permits_per_client"`
	QueueLimit                 int           `yaml:"queue_limit"`
	IdleClientTimeout          time.Duration `yaml:"idle_client_timeout"`
	ClientLeaseRefreshInterval time.Duration `yaml:"client_lease_refresh_interval"`
}

// PermitsConfig projects the YAML fields into pkg/permits.Config.
func (c Client) PermitsConfig() permits.Config {
	return permits.Config{
		GlobalPermitCount:          c.GlobalPermitCount,
		TargetPermitsPerClient:     c.TargetPermitsPerClient,
		QueueLimit:                 c.QueueLimit,
		IdleClientTimeout:          c.IdleClientTimeout,
		ClientLeaseRefreshInterval: c.ClientLeaseRefreshInterval,
	}
}

func defaultClient() Client {
	d := defaultCoordinator()
	return Client{
		CoordinatorAddr:            "http://127.0.0.1:7420",
		GlobalPermitCount:          d.GlobalPermitCount,
		TargetPermitsPerClient:     d.TargetPermitsPerClient,
		QueueLimit:                 d.QueueLimit,
		IdleClientTimeout:          d.IdleClientTimeout,
		ClientLeaseRefreshInterval: d.ClientLeaseRefreshInterval,
	}
}

// LoadClient reads a YAML file for the client daemon.
func LoadClient(path string) (Client, error) {
	cfg := defaultClient()
	if path == "" {
		return cfg, validateClient(cfg)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Client{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Client{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validateClient(cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func validateClient(c Client) error {
	if c.CoordinatorAddr == "" {
		return fmt.Errorf("config: coordinator_addr must not be empty")
	}
	return c.PermitsConfig().Validate()
}
