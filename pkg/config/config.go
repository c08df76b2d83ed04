// Package config provides a reusable loader for node configuration files and
// environment variables. It mirrors the structure of the YAML files under
// cmd/node/config.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"meshnode/pkg/utils"
)

// Config is the unified configuration for a node process.
type Config struct {
	Node struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		RendezvousURL  string   `mapstructure:"rendezvous_url" json:"rendezvous_url"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		KeyFile        string   `mapstructure:"key_file" json:"key_file"`
		Whitelist      []string `mapstructure:"whitelist" json:"whitelist"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"node" json:"node"`

	Transfer struct {
		ChunkSize        int `mapstructure:"chunk_size" json:"chunk_size"`
		MaxDownloads     int `mapstructure:"max_downloads" json:"max_downloads"`
		MaxUploads       int `mapstructure:"max_uploads" json:"max_uploads"`
	} `mapstructure:"transfer" json:"transfer"`

	Consensus struct {
		MinVotes         int `mapstructure:"min_votes" json:"min_votes"`
		SlotDurationMS   int `mapstructure:"slot_duration_ms" json:"slot_duration_ms"`
		BlockIntervalMS  int `mapstructure:"block_interval_ms" json:"block_interval_ms"`
		VoteWindowMS     int `mapstructure:"vote_window_ms" json:"vote_window_ms"`
	} `mapstructure:"consensus" json:"consensus"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and returned.
// If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/node/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESHNODE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("MESHNODE_ENV", ""))
}

// applyDefaults fills in sensible defaults when a config file omits them,
// so a node is runnable from an empty YAML document.
func applyDefaults(c *Config) {
	if c.Node.ListenAddr == "" {
		c.Node.ListenAddr = ":0"
	}
	if c.Node.RendezvousURL == "" {
		c.Node.RendezvousURL = "ws://127.0.0.1:8080/ws"
	}
	if c.Transfer.ChunkSize <= 0 {
		c.Transfer.ChunkSize = 65536
	}
	if c.Transfer.MaxDownloads <= 0 {
		c.Transfer.MaxDownloads = 3
	}
	if c.Transfer.MaxUploads <= 0 {
		c.Transfer.MaxUploads = 5
	}
	if c.Consensus.MinVotes <= 0 {
		c.Consensus.MinVotes = 1
	}
	if c.Consensus.SlotDurationMS <= 0 {
		c.Consensus.SlotDurationMS = 30_000
	}
	if c.Consensus.BlockIntervalMS <= 0 {
		c.Consensus.BlockIntervalMS = 10_000
	}
	if c.Consensus.VoteWindowMS <= 0 {
		c.Consensus.VoteWindowMS = 5_000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File == "" {
		c.Logging.File = "meshnode.log"
	}
}
