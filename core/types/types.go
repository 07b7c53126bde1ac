package types

// CurrencyID identifies a fungible asset tracked by the ledger, e.g. the
// stable currency, the native governance token or a collateral asset.
type CurrencyID string

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
