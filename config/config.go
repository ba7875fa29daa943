package config

import (
	"os"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"popfork/errors"
)

// ForkFile is the top-level structure of fork.yml
type ForkFile struct {
	Fork ForkConfig `yaml:"fork"`
}

// ForkConfig selects the remote chain and the fork point
type ForkConfig struct {
	// Endpoint is the remote node's websocket JSON-RPC address
	Endpoint string `yaml:"endpoint"`

	// Chain, when set, must match the remote node's reported chain name
	Chain string `yaml:"chain"`

	// BlockHash pins the fork at an explicit remote block hash
	BlockHash string `yaml:"block_hash"`

	// BlockNumber pins the fork at a remote height; ignored when
	// BlockHash is set. Zero means the latest finalized block.
	BlockNumber uint64 `yaml:"block_number"`

	// Listen is the local JSON-RPC listen address
	Listen string `yaml:"listen"`

	// DataDir holds the persistent state cache
	DataDir string `yaml:"data_dir"`

	// Backend picks the storage backend: leveldb (default), bolt, memory
	Backend string `yaml:"backend"`

	// RateLimit caps JSON-RPC requests per client per second. Zero
	// disables limiting.
	RateLimit int `yaml:"rate_limit"`
}

// LoadForkConfig reads and parses the fork.yml file
func LoadForkConfig(path string) (*ForkConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "config.load", err)
	}
	defer file.Close()

	var cfgFile ForkFile
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfgFile); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "config.load", err)
	}

	cfg := cfgFile.Fork
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.KindInvariantViolation, "config.load",
			"fork.endpoint is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8545"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./popfork-data"
	}
	if cfg.Backend == "" {
		cfg.Backend = "leveldb"
	}
	return &cfg, nil
}

// TuningConfig tunes the remote layer and client behavior
type TuningConfig struct {
	PageSize       int   `ini:"page_size"`
	WarmupDisabled bool  `ini:"warmup_disabled"`
	MaxRetries     int   `ini:"max_retries"`
	RetryDelayMs   int   `ini:"retry_delay_ms"`
	DialTimeoutMs  int   `ini:"dial_timeout_ms"`
	MaxInFlight    int64 `ini:"max_in_flight"`
}

// DefaultTuningConfig returns the tuning used when no tuning.ini exists
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		PageSize:      1000,
		MaxRetries:    3,
		RetryDelayMs:  500,
		DialTimeoutMs: 10000,
		MaxInFlight:   16,
	}
}

// LoadTuningConfig reads remote tuning from an .ini file
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "config.tuning", err)
	}
	tuningSection := cfg.Section("remote")
	tuningCfg := DefaultTuningConfig()
	err = tuningSection.MapTo(tuningCfg)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "config.tuning", err)
	}
	return tuningCfg, nil
}
