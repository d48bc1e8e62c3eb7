// Package config loads the node's configuration from a YAML file,
// environment variables, and flags, following the teacher's
// spf13/viper + spf13/cobra combination.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables a syncnoded process needs to
// construct its components.
type Config struct {
	NodeID string `yaml:"nodeId" mapstructure:"nodeId"`

	PartitionCount uint32 `yaml:"partitionCount" mapstructure:"partitionCount"`

	HLC struct {
		SkewBound time.Duration `yaml:"skewBound" mapstructure:"skewBound"`
	} `yaml:"hlc" mapstructure:"hlc"`

	Broadcast struct {
		FlushInterval time.Duration `yaml:"flushInterval" mapstructure:"flushInterval"`
		MaxBufferSize int           `yaml:"maxBufferSize" mapstructure:"maxBufferSize"`
		AdaptiveFlush bool          `yaml:"adaptiveFlush" mapstructure:"adaptiveFlush"`
		MinBatchSize  int           `yaml:"minBatchSize" mapstructure:"minBatchSize"`
	} `yaml:"broadcast" mapstructure:"broadcast"`

	Fencing struct {
		GracePeriod time.Duration `yaml:"gracePeriod" mapstructure:"gracePeriod"`
	} `yaml:"fencing" mapstructure:"fencing"`

	Storage struct {
		Adapter string `yaml:"adapter" mapstructure:"adapter"` // "badger" or "memory"
		Dir     string `yaml:"dir" mapstructure:"dir"`
	} `yaml:"storage" mapstructure:"storage"`

	Journal struct {
		MaxInflight int `yaml:"maxInflight" mapstructure:"maxInflight"`
	} `yaml:"journal" mapstructure:"journal"`

	// ListenAddr is the address a node accepts inbound peer
	// connections on. Empty disables the listener (a node with no
	// configured peers needs none).
	ListenAddr string `yaml:"listenAddr" mapstructure:"listenAddr"`

	// Peers lists the other nodes to maintain a Coordinator against.
	// Partitions lists which partition IDs to sync with that peer;
	// empty means every partition in [0, PartitionCount).
	Peers []PeerConfig `yaml:"peers" mapstructure:"peers"`

	StrictMapRouting bool `yaml:"strictMapRouting" mapstructure:"strictMapRouting"`
}

// PeerConfig names one peer a Coordinator should be kept connected to.
type PeerConfig struct {
	NodeID     string   `yaml:"nodeId" mapstructure:"nodeId"`
	Address    string   `yaml:"address" mapstructure:"address"`
	Partitions []uint32 `yaml:"partitions" mapstructure:"partitions"`
}

// Default returns a Config with every field set to a reasonable
// development default.
func Default() Config {
	var c Config
	c.NodeID = "node-0"
	c.PartitionCount = 16
	c.HLC.SkewBound = 60 * time.Second
	c.Broadcast.FlushInterval = 100 * time.Millisecond
	c.Broadcast.MaxBufferSize = 1000
	c.Broadcast.AdaptiveFlush = true
	c.Broadcast.MinBatchSize = 8
	c.Fencing.GracePeriod = 10 * time.Second
	c.Storage.Adapter = "badger"
	c.Storage.Dir = "./data"
	c.Journal.MaxInflight = 256
	c.StrictMapRouting = false
	return c
}

// Validate checks the structural invariants a malformed config could
// otherwise violate silently. Returns a non-nil error describing every
// problem found, aggregated, matching spec §6's exit code 2
// ("config invalid").
func (c Config) Validate() error {
	var problems []string
	if c.NodeID == "" {
		problems = append(problems, "nodeId must not be empty")
	}
	if c.PartitionCount == 0 {
		problems = append(problems, "partitionCount must be > 0")
	}
	if c.Storage.Adapter != "badger" && c.Storage.Adapter != "memory" {
		problems = append(problems, fmt.Sprintf("storage.adapter must be \"badger\" or \"memory\", got %q", c.Storage.Adapter))
	}
	for i, p := range c.Peers {
		if p.NodeID == "" {
			problems = append(problems, fmt.Sprintf("peers[%d].nodeId must not be empty", i))
		}
		if p.Address == "" {
			problems = append(problems, fmt.Sprintf("peers[%d].address must not be empty", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Load reads a YAML config file at path (if non-empty), then overlays
// environment variables prefixed SYNCORE_ (e.g. SYNCORE_NODEID), via
// spf13/viper, following the teacher's config-loading convention.
func Load(path string) (Config, error) {
	c := Default()

	v := viper.New()
	v.SetEnvPrefix("SYNCORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		raw, err := yaml.Marshal(v.AllSettings())
		if err != nil {
			return Config{}, fmt.Errorf("config: re-marshaling loaded settings: %w", err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
