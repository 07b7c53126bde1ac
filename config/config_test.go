package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"stablecore/native/common"
)

const sampleConfig = `
DataDir = "/tmp/stabled"
BlockIntervalSeconds = 2
MetricsAddress = ":9464"
StableCurrency = "AUSD"
NativeCurrency = "ACA"

[global]
InterestRatePerBlock = "0"
MinimumDebitValue = "1"

[treasury]
SurplusBufferSize = "1000"
SurplusAuctionFixedSize = "100"
DebitAuctionFixedSize = "100"
InitialAmountPerDebitAuction = "50"

[auction]
MaxRestarts = 3

[[collateral]]
Currency = "DOT"
LiquidationRatio = "1.5"
LiquidationPenalty = "0.1"
RequiredCollateralRatio = "2"
MaximumTotalDebitValue = "1000000"
MaximumAuctionSize = "500"
InitialPrice = "100"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndGenesis(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BlockIntervalSeconds != 2 {
		t.Fatalf("interval %d, want 2", cfg.BlockIntervalSeconds)
	}

	genesis, err := cfg.Genesis()
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if len(genesis.Collaterals) != 1 {
		t.Fatalf("collaterals %d, want 1", len(genesis.Collaterals))
	}
	dot := genesis.Collaterals[0]
	wantRatio := new(big.Int).Add(common.Ray, new(big.Int).Rsh(common.Ray, 1))
	if dot.Params.LiquidationRatio.Cmp(wantRatio) != 0 {
		t.Fatalf("liquidation ratio %s", dot.Params.LiquidationRatio)
	}
	if dot.Params.MaximumTotalDebitValue.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("debit cap %s", dot.Params.MaximumTotalDebitValue)
	}
	if dot.MaximumAuctionSize.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("max auction size %s", dot.MaximumAuctionSize)
	}
	wantPrice := new(big.Int).Mul(big.NewInt(100), common.Ray)
	if dot.Price.Cmp(wantPrice) != 0 {
		t.Fatalf("price %s", dot.Price)
	}
	if genesis.AuctionParams.MaxRestarts != 3 {
		t.Fatalf("max restarts %d, want 3", genesis.AuctionParams.MaxRestarts)
	}
	// Fields the file leaves out keep the auction defaults.
	if genesis.AuctionParams.DurationBlocks != 100 {
		t.Fatalf("duration %d, want default 100", genesis.AuctionParams.DurationBlocks)
	}
	if genesis.TreasuryParams.SurplusBufferSize.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buffer %s", genesis.TreasuryParams.SurplusBufferSize)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default not persisted: %v", err)
	}
	if cfg.StableCurrency != "AUSD" || cfg.BlockIntervalSeconds <= 0 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if _, err := cfg.Genesis(); err != nil {
		t.Fatalf("default genesis: %v", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no interval", "DataDir = \"/tmp/x\"\nStableCurrency = \"AUSD\"\nNativeCurrency = \"ACA\"\n"},
		{"same currency", "DataDir = \"/tmp/x\"\nBlockIntervalSeconds = 2\nStableCurrency = \"AUSD\"\nNativeCurrency = \"AUSD\"\n"},
		{"stable as collateral", "DataDir = \"/tmp/x\"\nBlockIntervalSeconds = 2\nStableCurrency = \"AUSD\"\nNativeCurrency = \"ACA\"\n[[collateral]]\nCurrency = \"AUSD\"\n"},
	}
	for _, tc := range cases {
		if _, err := Load(writeConfig(t, tc.body)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseRay(t *testing.T) {
	half, err := parseRay("0.5", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if half.Cmp(new(big.Int).Rsh(common.Ray, 1)) != 0 {
		t.Fatalf("0.5 parsed as %s", half)
	}
	if _, err := parseRay("-1", nil); err == nil {
		t.Fatal("negative accepted")
	}
	if _, err := parseRay("0.1234567890123456789012345678", nil); err == nil {
		t.Fatal("sub-ray precision accepted")
	}
}
