package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "30s" or "5m" decode
// directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration structure for the bridge.
type Config struct {
	// Host to bind the HTTP server to (default: localhost).
	Host string `yaml:"host,omitempty"`

	// Port for the HTTP server (default: 8090).
	Port int `yaml:"port,omitempty"`

	// AgentURL is where new queries are forwarded via HTTP PUT. Empty
	// disables forwarding; queries then fail immediately.
	AgentURL string `yaml:"agentUrl,omitempty"`

	// Name and Description identify the bridge to MCP consumers and on
	// the /config endpoint.
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`

	// CallTimeout is the default deadline for tool/resource/prompt
	// round-trips to a frontend (default: 30s, clamped to [1s, 5m]).
	CallTimeout Duration `yaml:"callTimeout,omitempty"`

	// QueryRetention is how long terminal queries stay resolvable before
	// pruning (default: 5m).
	QueryRetention Duration `yaml:"queryRetention,omitempty"`
}

// Addr returns the host:port bind address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           8090,
		Name:           "uibridge",
		Description:    "Bridge exposing browser frontend capabilities to MCP consumers",
		CallTimeout:    Duration(30 * time.Second),
		QueryRetention: Duration(5 * time.Minute),
	}
}
