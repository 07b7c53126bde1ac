package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"stablecore/core"
	"stablecore/core/types"
	"stablecore/native/auction"
	"stablecore/native/common"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration. Ratio and rate fields are decimal
// strings ("1.5", "0.0000001") converted to ray fixed point; amount
// fields are decimal integers in base units.
type Config struct {
	DataDir              string `toml:"DataDir"`
	BlockIntervalSeconds int    `toml:"BlockIntervalSeconds"`
	MetricsAddress       string `toml:"MetricsAddress"`
	LogFile              string `toml:"LogFile"`
	StableCurrency       string `toml:"StableCurrency"`
	NativeCurrency       string `toml:"NativeCurrency"`
	UnwindBatchSize      int    `toml:"UnwindBatchSize"`

	Global      GlobalConfig       `toml:"global"`
	Treasury    TreasuryConfig     `toml:"treasury"`
	Auction     AuctionConfig      `toml:"auction"`
	Collaterals []CollateralConfig `toml:"collateral"`
}

// GlobalConfig mirrors cdp.GlobalParams.
type GlobalConfig struct {
	InterestRatePerBlock string `toml:"InterestRatePerBlock"`
	MinimumDebitValue    string `toml:"MinimumDebitValue"`
}

// TreasuryConfig mirrors treasury.Params.
type TreasuryConfig struct {
	SurplusBufferSize            string `toml:"SurplusBufferSize"`
	SurplusAuctionFixedSize      string `toml:"SurplusAuctionFixedSize"`
	DebitAuctionFixedSize        string `toml:"DebitAuctionFixedSize"`
	InitialAmountPerDebitAuction string `toml:"InitialAmountPerDebitAuction"`
}

// AuctionConfig mirrors auction.Params; empty fields keep the defaults.
type AuctionConfig struct {
	CollateralStartMultiplier string `toml:"CollateralStartMultiplier"`
	CollateralDurationBlocks  uint64 `toml:"CollateralDurationBlocks"`
	CollateralFloorRatio      string `toml:"CollateralFloorRatio"`
	MaxRestarts               uint32 `toml:"MaxRestarts"`
	MinimumIncrementRatio     string `toml:"MinimumIncrementRatio"`
	DurationBlocks            uint64 `toml:"DurationBlocks"`
	ExtensionBlocks           uint64 `toml:"ExtensionBlocks"`
}

// CollateralConfig seeds one collateral currency.
type CollateralConfig struct {
	Currency                string `toml:"Currency"`
	InterestRatePerBlock    string `toml:"InterestRatePerBlock"`
	LiquidationRatio        string `toml:"LiquidationRatio"`
	LiquidationPenalty      string `toml:"LiquidationPenalty"`
	RequiredCollateralRatio string `toml:"RequiredCollateralRatio"`
	MaximumTotalDebitValue  string `toml:"MaximumTotalDebitValue"`
	MaximumAuctionSize      string `toml:"MaximumAuctionSize"`
	InitialPrice            string `toml:"InitialPrice"`
}

// Load loads the configuration from the given path, creating a commented
// default when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must be set")
	}
	if c.BlockIntervalSeconds <= 0 {
		return fmt.Errorf("config: BlockIntervalSeconds must be positive")
	}
	if strings.TrimSpace(c.StableCurrency) == "" || strings.TrimSpace(c.NativeCurrency) == "" {
		return fmt.Errorf("config: StableCurrency and NativeCurrency must be set")
	}
	if c.StableCurrency == c.NativeCurrency {
		return fmt.Errorf("config: stable and native currency must differ")
	}
	for _, collateral := range c.Collaterals {
		if strings.TrimSpace(collateral.Currency) == "" {
			return fmt.Errorf("config: collateral entry without Currency")
		}
		if collateral.Currency == c.StableCurrency {
			return fmt.Errorf("config: %s cannot collateralise itself", collateral.Currency)
		}
	}
	return nil
}

// Genesis converts the configured parameters into the protocol genesis.
func (c *Config) Genesis() (core.Genesis, error) {
	genesis := core.Genesis{AuctionParams: auction.DefaultParams()}

	var err error
	if genesis.GlobalParams.GlobalInterestRatePerBlock, err = parseRay(c.Global.InterestRatePerBlock, big.NewInt(0)); err != nil {
		return core.Genesis{}, fmt.Errorf("config: global InterestRatePerBlock: %w", err)
	}
	if genesis.GlobalParams.MinimumDebitValue, err = parseAmount(c.Global.MinimumDebitValue, big.NewInt(0)); err != nil {
		return core.Genesis{}, fmt.Errorf("config: MinimumDebitValue: %w", err)
	}

	if genesis.TreasuryParams.SurplusBufferSize, err = parseAmount(c.Treasury.SurplusBufferSize, big.NewInt(0)); err != nil {
		return core.Genesis{}, fmt.Errorf("config: SurplusBufferSize: %w", err)
	}
	if genesis.TreasuryParams.SurplusAuctionFixedSize, err = parseAmount(c.Treasury.SurplusAuctionFixedSize, big.NewInt(0)); err != nil {
		return core.Genesis{}, fmt.Errorf("config: SurplusAuctionFixedSize: %w", err)
	}
	if genesis.TreasuryParams.DebitAuctionFixedSize, err = parseAmount(c.Treasury.DebitAuctionFixedSize, big.NewInt(0)); err != nil {
		return core.Genesis{}, fmt.Errorf("config: DebitAuctionFixedSize: %w", err)
	}
	if genesis.TreasuryParams.InitialAmountPerDebitAuction, err = parseAmount(c.Treasury.InitialAmountPerDebitAuction, big.NewInt(0)); err != nil {
		return core.Genesis{}, fmt.Errorf("config: InitialAmountPerDebitAuction: %w", err)
	}

	if err := applyAuctionConfig(&genesis.AuctionParams, c.Auction); err != nil {
		return core.Genesis{}, err
	}

	for _, collateral := range c.Collaterals {
		entry, err := collateralGenesis(collateral)
		if err != nil {
			return core.Genesis{}, err
		}
		genesis.Collaterals = append(genesis.Collaterals, entry)
	}
	return genesis, nil
}

func applyAuctionConfig(params *auction.Params, cfg AuctionConfig) error {
	var err error
	if cfg.CollateralStartMultiplier != "" {
		if params.CollateralStartMultiplier, err = parseRay(cfg.CollateralStartMultiplier, nil); err != nil {
			return fmt.Errorf("config: CollateralStartMultiplier: %w", err)
		}
	}
	if cfg.CollateralDurationBlocks > 0 {
		params.CollateralDurationBlocks = cfg.CollateralDurationBlocks
	}
	if cfg.CollateralFloorRatio != "" {
		if params.CollateralFloorRatio, err = parseRay(cfg.CollateralFloorRatio, nil); err != nil {
			return fmt.Errorf("config: CollateralFloorRatio: %w", err)
		}
	}
	params.MaxRestarts = cfg.MaxRestarts
	if cfg.MinimumIncrementRatio != "" {
		if params.MinimumIncrementRatio, err = parseRay(cfg.MinimumIncrementRatio, nil); err != nil {
			return fmt.Errorf("config: MinimumIncrementRatio: %w", err)
		}
	}
	if cfg.DurationBlocks > 0 {
		params.DurationBlocks = cfg.DurationBlocks
	}
	if cfg.ExtensionBlocks > 0 {
		params.ExtensionBlocks = cfg.ExtensionBlocks
	}
	return nil
}

func collateralGenesis(cfg CollateralConfig) (core.CollateralGenesis, error) {
	entry := core.CollateralGenesis{Currency: types.CurrencyID(cfg.Currency)}
	var err error
	if entry.Params.InterestRatePerBlock, err = parseOptionalRay(cfg.InterestRatePerBlock); err != nil {
		return core.CollateralGenesis{}, fmt.Errorf("config: %s InterestRatePerBlock: %w", cfg.Currency, err)
	}
	if entry.Params.LiquidationRatio, err = parseOptionalRay(cfg.LiquidationRatio); err != nil {
		return core.CollateralGenesis{}, fmt.Errorf("config: %s LiquidationRatio: %w", cfg.Currency, err)
	}
	if entry.Params.LiquidationPenalty, err = parseOptionalRay(cfg.LiquidationPenalty); err != nil {
		return core.CollateralGenesis{}, fmt.Errorf("config: %s LiquidationPenalty: %w", cfg.Currency, err)
	}
	if entry.Params.RequiredCollateralRatio, err = parseOptionalRay(cfg.RequiredCollateralRatio); err != nil {
		return core.CollateralGenesis{}, fmt.Errorf("config: %s RequiredCollateralRatio: %w", cfg.Currency, err)
	}
	if entry.Params.MaximumTotalDebitValue, err = parseAmount(cfg.MaximumTotalDebitValue, big.NewInt(0)); err != nil {
		return core.CollateralGenesis{}, fmt.Errorf("config: %s MaximumTotalDebitValue: %w", cfg.Currency, err)
	}
	if cfg.MaximumAuctionSize != "" {
		if entry.MaximumAuctionSize, err = parseAmount(cfg.MaximumAuctionSize, nil); err != nil {
			return core.CollateralGenesis{}, fmt.Errorf("config: %s MaximumAuctionSize: %w", cfg.Currency, err)
		}
	}
	if cfg.InitialPrice != "" {
		if entry.Price, err = parseRay(cfg.InitialPrice, nil); err != nil {
			return core.CollateralGenesis{}, fmt.Errorf("config: %s InitialPrice: %w", cfg.Currency, err)
		}
	}
	return entry, nil
}

func parseOptionalRay(value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return parseRay(value, nil)
}

// parseRay converts a decimal string into ray (1e27) fixed point.
func parseRay(value string, fallback *big.Int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if fallback != nil {
			return new(big.Int).Set(fallback), nil
		}
		return nil, fmt.Errorf("empty value")
	}
	rational, ok := new(big.Rat).SetString(value)
	if !ok || rational.Sign() < 0 {
		return nil, fmt.Errorf("invalid decimal %q", value)
	}
	scaled := new(big.Rat).Mul(rational, new(big.Rat).SetInt(common.Ray))
	if !scaled.IsInt() {
		return nil, fmt.Errorf("%q has more precision than ray", value)
	}
	return new(big.Int).Set(scaled.Num()), nil
}

// parseAmount converts a decimal integer string into base units.
func parseAmount(value string, fallback *big.Int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if fallback != nil {
			return new(big.Int).Set(fallback), nil
		}
		return nil, fmt.Errorf("empty value")
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:              "./stabled-data",
		BlockIntervalSeconds: 6,
		MetricsAddress:       ":9464",
		StableCurrency:       "AUSD",
		NativeCurrency:       "ACA",
		Global: GlobalConfig{
			InterestRatePerBlock: "0",
			MinimumDebitValue:    "1",
		},
		Treasury: TreasuryConfig{
			SurplusBufferSize:            "1000000",
			SurplusAuctionFixedSize:      "100000",
			DebitAuctionFixedSize:        "100000",
			InitialAmountPerDebitAuction: "50000",
		},
		Collaterals: []CollateralConfig{{
			Currency:                "DOT",
			InterestRatePerBlock:    "0.0000001",
			LiquidationRatio:        "1.5",
			LiquidationPenalty:      "0.1",
			RequiredCollateralRatio: "2",
			MaximumTotalDebitValue:  "10000000",
			MaximumAuctionSize:      "100000",
		}},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
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
