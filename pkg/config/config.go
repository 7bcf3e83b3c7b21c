// Package config holds the YAML-loadable configuration structs for each
// component of the peer sync engine, following the teacher's Config
// struct + zero-value-defaults idiom (pkg/dns.Config, pkg/health).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultServerName and DefaultVersion populate the Server response
	// header and the GET / welcome body when unset.
	DefaultServerName = "peersyncd"
	DefaultVersion     = "0.1.0"

	// DefaultListenPort is the port the HTTP/sync listener binds by default.
	DefaultListenPort = 4984

	// DefaultDataDir is the parent directory bolt files are stored under
	// when unset.
	DefaultDataDir = "./data"

	// DefaultSchedulerWorkers selects runtime.NumCPU() when <= 0.
	DefaultSchedulerWorkers = 0

	// DefaultPeerGroupID names the service type peers advertise and
	// browse for when no peer group is configured.
	DefaultPeerGroupID = "peersync"
)

// DiscoveryConfig configures the peer discovery manager.
type DiscoveryConfig struct {
	PeerGroupID string   `yaml:"peerGroupID"`
	Providers   []string `yaml:"providers"` // provider names to instantiate; empty defaults to ["dnssd"]
}

func (c *DiscoveryConfig) setDefaults() {
	if c.PeerGroupID == "" {
		c.PeerGroupID = DefaultPeerGroupID
	}
	if len(c.Providers) == 0 {
		c.Providers = []string{"dnssd"}
	}
}

// ListenerConfig configures the HTTP/sync listener.
type ListenerConfig struct {
	Port           int      `yaml:"port"`
	Interface      string   `yaml:"interface"`
	ServerName     string   `yaml:"serverName"`
	Version        string   `yaml:"version"`
	AllowCreateDBs bool     `yaml:"allowCreateDBs"`
	AllowDeleteDBs bool     `yaml:"allowDeleteDBs"`
	ExtraHeaders   map[string]string `yaml:"extraHeaders"`
}

func (c *ListenerConfig) setDefaults() {
	if c.Port == 0 {
		c.Port = DefaultListenPort
	}
	if c.ServerName == "" {
		c.ServerName = DefaultServerName
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
}

// PoolConfig configures the database pool.
type PoolConfig struct {
	DataDir   string   `yaml:"dataDir"`
	Databases []string `yaml:"databases"` // databases to register eagerly at startup
}

func (c *PoolConfig) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
}

// MailboxConfig configures the actor scheduler.
type MailboxConfig struct {
	Workers int `yaml:"workers"` // <= 0 selects runtime.NumCPU()
}

func (c *MailboxConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultSchedulerWorkers
	}
}

// Config is the top-level configuration document for the peersyncd
// process, loaded from a single YAML file.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Listener  ListenerConfig  `yaml:"listener"`
	Pool      PoolConfig      `yaml:"pool"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
}

func (c *Config) setDefaults() {
	c.Discovery.setDefaults()
	c.Listener.setDefaults()
	c.Pool.setDefaults()
	c.Mailbox.setDefaults()
}

// Load reads and parses a YAML config file at path, filling unset fields
// with their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.setDefaults()
	return &c, nil
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}
