// Package config loads the server's YAML configuration.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/xtrntr/spvswap/internal/market"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the server.
type Config struct {
	Listen           string        `yaml:"listen"`
	DatabaseURL      string        `yaml:"database_url"`
	JWTSecret        string        `yaml:"jwt_secret"`
	TokenTTL         Duration      `yaml:"token_ttl"`
	ContractAddress  string        `yaml:"contract_address"`
	SnapshotInterval Duration      `yaml:"snapshot_interval"`
	Log              LogConfig     `yaml:"log"`
	Market           MarketConfig  `yaml:"market"`
	Bitcoin          BitcoinConfig `yaml:"bitcoin"`
	Genesis          []Allocation  `yaml:"genesis"`
}

// LogConfig selects the log environment label and level.
type LogConfig struct {
	Env   string `yaml:"env"`
	Level string `yaml:"level"`
}

// MarketConfig tunes the settlement engine.
type MarketConfig struct {
	Expiration     Duration `yaml:"expiration"`
	BuyProofPolicy string   `yaml:"buy_proof_policy"`
}

// BitcoinConfig describes the chain payments are proven against.
type BitcoinConfig struct {
	Network       string           `yaml:"network"`
	Confirmations int32            `yaml:"confirmations"`
	Checkpoint    CheckpointConfig `yaml:"checkpoint"`
	RPC           RPCConfig        `yaml:"rpc"`
}

// CheckpointConfig is the trusted header the relay starts from. An empty
// header selects the network's genesis block.
type CheckpointConfig struct {
	Height int32  `yaml:"height"`
	Header string `yaml:"header"`
}

// RPCConfig locates the bitcoin node the header feeder polls. An empty host
// disables the feeder.
type RPCConfig struct {
	Host         string   `yaml:"host"`
	User         string   `yaml:"user"`
	Pass         string   `yaml:"pass"`
	DisableTLS   bool     `yaml:"disable_tls"`
	PollInterval Duration `yaml:"poll_interval"`
}

// Allocation mints an initial token balance when no snapshot exists.
type Allocation struct {
	Token  string `yaml:"token"`
	Owner  string `yaml:"owner"`
	Amount string `yaml:"amount"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.TokenTTL.Duration == 0 {
		cfg.TokenTTL.Duration = 24 * time.Hour
	}
	if cfg.SnapshotInterval.Duration == 0 {
		cfg.SnapshotInterval.Duration = time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Market.Expiration.Duration == 0 {
		cfg.Market.Expiration.Duration = market.DefaultExpiration
	}
	if cfg.Bitcoin.Network == "" {
		cfg.Bitcoin.Network = "mainnet"
	}
	if cfg.Bitcoin.Confirmations == 0 {
		cfg.Bitcoin.Confirmations = 6
	}
	if cfg.Bitcoin.RPC.PollInterval.Duration == 0 {
		cfg.Bitcoin.RPC.PollInterval.Duration = 30 * time.Second
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url must be configured")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret must be configured")
	}
	if _, err := c.Contract(); err != nil {
		return err
	}
	if c.Market.BuyProofPolicy == "" {
		return fmt.Errorf("market.buy_proof_policy must be set explicitly (parent_remaining or accepted_amount)")
	}
	if _, err := c.BuyProofPolicy(); err != nil {
		return err
	}
	if c.Market.Expiration.Duration < 0 {
		return fmt.Errorf("market.expiration must be positive")
	}
	if c.Bitcoin.Confirmations < 1 {
		return fmt.Errorf("bitcoin.confirmations must be at least 1")
	}
	if _, _, err := c.Checkpoint(); err != nil {
		return err
	}
	for i, a := range c.Genesis {
		if _, _, _, err := a.Parse(); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
	}
	return nil
}

// Contract returns the custody account address.
func (c Config) Contract() (common.Address, error) {
	addr, err := ParseAddress(c.ContractAddress)
	if err != nil {
		return common.Address{}, fmt.Errorf("contract_address: %w", err)
	}
	return addr, nil
}

// BuyProofPolicy returns the configured buy settlement policy.
func (c Config) BuyProofPolicy() (market.BuyProofPolicy, error) {
	p, err := market.ParseBuyProofPolicy(c.Market.BuyProofPolicy)
	if err != nil {
		return 0, fmt.Errorf("market.buy_proof_policy: %w", err)
	}
	return p, nil
}

// ChainParams maps the configured network name to its parameters.
func (c Config) ChainParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.Bitcoin.Network) {
	case "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, fmt.Errorf("bitcoin.network: unknown network %q", c.Bitcoin.Network)
}

// Checkpoint returns the relay's trusted starting header and its height.
func (c Config) Checkpoint() (wire.BlockHeader, int32, error) {
	params, err := c.ChainParams()
	if err != nil {
		return wire.BlockHeader{}, 0, err
	}
	if c.Bitcoin.Checkpoint.Header == "" {
		if c.Bitcoin.Checkpoint.Height != 0 {
			return wire.BlockHeader{}, 0, fmt.Errorf("bitcoin.checkpoint.header is required above height 0")
		}
		return params.GenesisBlock.Header, 0, nil
	}
	raw, err := hex.DecodeString(c.Bitcoin.Checkpoint.Header)
	if err != nil {
		return wire.BlockHeader{}, 0, fmt.Errorf("bitcoin.checkpoint.header: %w", err)
	}
	if len(raw) != wire.MaxBlockHeaderPayload {
		return wire.BlockHeader{}, 0, fmt.Errorf("bitcoin.checkpoint.header: want %d bytes, got %d", wire.MaxBlockHeaderPayload, len(raw))
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return wire.BlockHeader{}, 0, fmt.Errorf("bitcoin.checkpoint.header: %w", err)
	}
	if c.Bitcoin.Checkpoint.Height < 0 {
		return wire.BlockHeader{}, 0, fmt.Errorf("bitcoin.checkpoint.height must not be negative")
	}
	return header, c.Bitcoin.Checkpoint.Height, nil
}

// Parse decodes the allocation.
func (a Allocation) Parse() (token, owner common.Address, amount *uint256.Int, err error) {
	if token, err = ParseAddress(a.Token); err != nil {
		return token, owner, nil, fmt.Errorf("token: %w", err)
	}
	if owner, err = ParseAddress(a.Owner); err != nil {
		return token, owner, nil, fmt.Errorf("owner: %w", err)
	}
	if amount, err = uint256.FromDecimal(a.Amount); err != nil {
		return token, owner, nil, fmt.Errorf("amount %q: %w", a.Amount, err)
	}
	return token, owner, amount, nil
}

// ParseAddress decodes a non-zero hex account address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address")
	}
	return addr, nil
}
