package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"murmur/datamodel/peer"
	"murmur/helper/timer"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "2s" in the config file.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain numbers are nanoseconds.
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"2s\": %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is shared by every node of a cluster; the node identity usually comes
// from the command line.
type Config struct {
	// Default config file location
	configFile string

	// Node identity. Port zero means "take it from the seed table or the
	// addressing convention".
	Node struct {
		ID   string `json:"id"`
		Host string `json:"host"`
		Port int    `json:"port,omitempty"`
	} `json:"node"`

	// Seeds maps identity to "host:port".
	Seeds map[string]string `json:"seeds"`

	// Addressing resolves identities that arrive without an address: the node
	// listens on BasePort plus the last digit of its identity. BasePort zero
	// disables the convention.
	Addressing struct {
		Host     string `json:"host"`
		BasePort int    `json:"base_port"`
	} `json:"addressing"`

	Gossip struct {
		Heartbeat       Duration `json:"heartbeat"`
		HeartbeatJitter Duration `json:"heartbeat_jitter"`
		Reconcile       Duration `json:"reconcile"` // zero disables
		QueueSize       int      `json:"queue_size"`
	} `json:"gossip"`

	Activity struct {
		LogDir    string `json:"log_dir"`    // CSV files, empty disables
		Journal   string `json:"journal"`    // leveldb path, empty disables
		QueueSize int    `json:"queue_size"` // CSV writer backlog
		Verbose   bool   `json:"verbose"`    // also log events through logrus
	} `json:"activity"`

	// Control plane and metrics listen on the node's port plus an offset.
	// Offset zero disables the listener.
	Network struct {
		RPCPortOffset     int `json:"rpc_port_offset"`
		MetricsPortOffset int `json:"metrics_port_offset"`
	} `json:"network"`
}

// NewEmptyConfig generates a new configuration with default settings: four
// seeds P1..P4 on localhost:6001..6004.
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.ID = "P1"
	cfg.Node.Host = "localhost"

	cfg.Seeds = map[string]string{
		"P1": "localhost:6001",
		"P2": "localhost:6002",
		"P3": "localhost:6003",
		"P4": "localhost:6004",
	}

	cfg.Addressing.Host = "localhost"
	cfg.Addressing.BasePort = 6000

	cfg.Gossip.Heartbeat = Duration(2 * time.Second)
	cfg.Gossip.Reconcile = Duration(10 * time.Second)
	cfg.Gossip.QueueSize = 256

	cfg.Activity.LogDir = "logs"
	cfg.Activity.Journal = "logs/journal"
	cfg.Activity.QueueSize = 1024

	cfg.Network.RPCPortOffset = 1000
	cfg.Network.MetricsPortOffset = 2000

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}

// Validate fills defaults for unset values and rejects inconsistent ones.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("%w: node id is required", ErrInvalid)
	}
	if c.Node.Host == "" {
		c.Node.Host = "localhost"
	}
	if c.Addressing.Host == "" {
		c.Addressing.Host = c.Node.Host
	}
	if c.Gossip.Heartbeat == 0 {
		c.Gossip.Heartbeat = Duration(2 * time.Second)
	}
	if c.Gossip.QueueSize <= 0 {
		c.Gossip.QueueSize = 256
	}
	if c.Activity.QueueSize <= 0 {
		c.Activity.QueueSize = 1024
	}

	if c.Addressing.BasePort < 0 || c.Addressing.BasePort > 65535-9 {
		return fmt.Errorf("%w: base port %d out of range", ErrInvalid, c.Addressing.BasePort)
	}
	if c.Gossip.Reconcile < 0 {
		return fmt.Errorf("%w: negative reconcile interval", ErrInvalid)
	}
	heartbeat := c.HeartbeatInterval()
	if err := heartbeat.Validate(); err != nil {
		return fmt.Errorf("%w: heartbeat: %v", ErrInvalid, err)
	}
	if c.Network.RPCPortOffset < 0 || c.Network.MetricsPortOffset < 0 {
		return fmt.Errorf("%w: negative port offset", ErrInvalid)
	}

	if _, err := c.SeedTable(); err != nil {
		return err
	}
	if _, err := c.SelfAddress(); err != nil {
		return err
	}

	return nil
}

// SeedTable parses the seeds section.
func (c *Config) SeedTable() (peer.SeedTable, error) {
	seeds := make(peer.SeedTable, len(c.Seeds))
	for id, hp := range c.Seeds {
		a, err := peer.ParseAddress(id, hp)
		if err != nil {
			return nil, fmt.Errorf("%w: seed: %v", ErrInvalid, err)
		}
		seeds[id] = a
	}
	return seeds, nil
}

// Resolver looks identities up in the seed table first, then applies the
// addressing convention when it is enabled.
func (c *Config) Resolver() (peer.Resolver, error) {
	seeds, err := c.SeedTable()
	if err != nil {
		return nil, err
	}
	resolvers := []peer.Resolver{peer.TableResolver(seeds)}
	if c.Addressing.BasePort > 0 {
		resolvers = append(resolvers, peer.SuffixPortResolver(c.Addressing.Host, c.Addressing.BasePort))
	}
	return peer.ChainResolvers(resolvers...), nil
}

// SelfAddress is where this node listens.
func (c *Config) SelfAddress() (peer.Address, error) {
	if c.Node.Port > 0 {
		a := peer.Address{ID: c.Node.ID, Host: c.Node.Host, Port: c.Node.Port}
		if !a.Valid() {
			return peer.Address{}, fmt.Errorf("%w: node address %s", ErrInvalid, a)
		}
		return a, nil
	}

	r, err := c.Resolver()
	if err != nil {
		return peer.Address{}, err
	}
	a, err := r(c.Node.ID)
	if err != nil {
		return peer.Address{}, fmt.Errorf("%w: no port for node %s: %v", ErrInvalid, c.Node.ID, err)
	}
	return a, nil
}

func offsetAddress(a peer.Address, offset int) string {
	if offset == 0 {
		return ""
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port+offset))
}

// RPCAddress is the control-plane endpoint of node a, empty when disabled.
func (c *Config) RPCAddress(a peer.Address) string {
	return offsetAddress(a, c.Network.RPCPortOffset)
}

// MetricsAddress is the /metrics endpoint of node a, empty when disabled.
func (c *Config) MetricsAddress(a peer.Address) string {
	return offsetAddress(a, c.Network.MetricsPortOffset)
}

func (c *Config) HeartbeatInterval() timer.Interval {
	return timer.Interval{Duration: time.Duration(c.Gossip.Heartbeat), Jitter: time.Duration(c.Gossip.HeartbeatJitter)}
}

func (c *Config) ReconcileInterval() timer.Interval {
	return timer.Interval{Duration: time.Duration(c.Gossip.Reconcile)}
}
