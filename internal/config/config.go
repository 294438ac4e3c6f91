// Package config provides the hub configuration, loaded from an optional
// YAML file and re-applied when the file changes on disk.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the two protocol tunables.
const (
	DefaultListenAddress            = "0.0.0.0:8080"
	DefaultDownstreamTimeoutSeconds = 10
	DefaultRefreshIntervalSeconds   = 30
)

// SeedServer declares one server to register at startup (and keep registered
// across config reloads).
type SeedServer struct {
	Name        string            `mapstructure:"name"`
	BaseURL     string            `mapstructure:"baseUrl"`
	MCPEndpoint string            `mapstructure:"mcpEndpoint"`
	Description string            `mapstructure:"description"`
	Tags        []string          `mapstructure:"tags"`
	Headers     map[string]string `mapstructure:"headers"`
}

// HubConfig holds the hub tunables and the seed server list.
type HubConfig struct {
	ListenAddress            string        `mapstructure:"listenAddress"`
	DownstreamTimeoutSeconds int           `mapstructure:"downstreamTimeoutSeconds"`
	RefreshIntervalSeconds   int           `mapstructure:"refreshIntervalSeconds"`
	RedisURL                 string        `mapstructure:"redisURL"`
	AdminToken               string        `mapstructure:"adminToken"`
	Servers                  []*SeedServer `mapstructure:"servers"`

	observers []Observer
}

// Observer is notified when the configuration is re-loaded.
type Observer interface {
	OnConfigChange(ctx context.Context, config *HubConfig)
}

// RegisterObserver registers an observer to be notified of config reloads.
func (c *HubConfig) RegisterObserver(obs Observer) {
	c.observers = append(c.observers, obs)
}

// Notify notifies registered observers of a config change.
func (c *HubConfig) Notify(ctx context.Context) {
	for _, observer := range c.observers {
		observer.OnConfigChange(ctx, c)
	}
}

// DownstreamTimeout returns the per-call downstream timeout.
func (c *HubConfig) DownstreamTimeout() time.Duration {
	return time.Duration(c.DownstreamTimeoutSeconds) * time.Second
}

// RefreshInterval returns the catalog refresh-loop interval.
func (c *HubConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// Default returns a config with all defaults and no seed servers.
func Default() *HubConfig {
	return &HubConfig{
		ListenAddress:            DefaultListenAddress,
		DownstreamTimeoutSeconds: DefaultDownstreamTimeoutSeconds,
		RefreshIntervalSeconds:   DefaultRefreshIntervalSeconds,
	}
}

// Load reads the config file at path into c, applying defaults for absent
// keys. Observers registered on c survive the reload.
func (c *HubConfig) Load(path string) error {
	viper.SetConfigFile(path)
	viper.SetDefault("listenAddress", DefaultListenAddress)
	viper.SetDefault("downstreamTimeoutSeconds", DefaultDownstreamTimeoutSeconds)
	viper.SetDefault("refreshIntervalSeconds", DefaultRefreshIntervalSeconds)

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	observers := c.observers
	*c = HubConfig{}
	if err := viper.Unmarshal(c); err != nil {
		return fmt.Errorf("unable to decode hub config: %w", err)
	}
	c.observers = observers

	if c.DownstreamTimeoutSeconds <= 0 {
		c.DownstreamTimeoutSeconds = DefaultDownstreamTimeoutSeconds
	}
	if c.RefreshIntervalSeconds <= 0 {
		c.RefreshIntervalSeconds = DefaultRefreshIntervalSeconds
	}
	return nil
}
