package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"pactledger/native/fees"
)

// Config captures runtime configuration for the escrow ledger service.
type Config struct {
	ListenAddress     string `toml:"ListenAddress"`
	DataDir           string `toml:"DataDir"`
	Environment       string `toml:"Environment"`
	LogFile           string `toml:"LogFile"`
	Owner             string `toml:"Owner"`
	FeeTreasury       string `toml:"FeeTreasury"`
	ServiceFeeBps     uint32 `toml:"ServiceFeeBps"`
	DisputeFeeBps     uint32 `toml:"DisputeFeeBps"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	RateLimitBurst    int    `toml:"RateLimitBurst"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if _, err := c.OwnerAddress(); err != nil {
		return err
	}
	if _, err := c.FeeTreasuryAddress(); err != nil {
		return err
	}
	policy := fees.Policy{ServiceFeeBps: c.ServiceFeeBps, DisputeFeeBps: c.DisputeFeeBps}
	if !policy.Valid() {
		return fmt.Errorf("config: fee policy out of range (service %d bps, dispute %d bps)", c.ServiceFeeBps, c.DisputeFeeBps)
	}
	return nil
}

// OwnerAddress parses the configured owner authority address.
func (c *Config) OwnerAddress() ([20]byte, error) {
	return parseAddress("Owner", c.Owner)
}

// FeeTreasuryAddress parses the configured fee treasury address.
func (c *Config) FeeTreasuryAddress() ([20]byte, error) {
	return parseAddress("FeeTreasury", c.FeeTreasury)
}

func parseAddress(field, raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("config: %s must be a hex address, got %q", field, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8083"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./pact-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
}

// createDefault creates and saves a default configuration file. The owner and
// treasury addresses are placeholders the operator must replace before the
// service will accept privileged calls from anyone meaningful.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8083",
		DataDir:       "./pact-data",
		Environment:   "local",
		Owner:         "0x0000000000000000000000000000000000000001",
		FeeTreasury:   "0x0000000000000000000000000000000000000002",
		ServiceFeeBps: 100,
		DisputeFeeBps: 400,
	}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
