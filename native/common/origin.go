package common

import (
	"errors"

	"stablecore/crypto"
)

var (
	ErrRequiresRoot   = errors.New("common: operation requires root origin")
	ErrRequiresSigned = errors.New("common: operation requires a signed origin")
)

// Origin identifies the caller of a dispatched operation. Root is the
// privileged governance origin; otherwise Account carries the signer.
type Origin struct {
	Root    bool
	Account crypto.Address
}

// RootOrigin returns the privileged origin.
func RootOrigin() Origin {
	return Origin{Root: true}
}

// SignedOrigin returns an origin for a user account.
func SignedOrigin(addr crypto.Address) Origin {
	return Origin{Account: addr}
}

// EnsureRoot verifies the origin is the privileged governance origin.
func EnsureRoot(o Origin) error {
	if !o.Root {
		return ErrRequiresRoot
	}
	return nil
}

// EnsureSigned verifies the origin carries a signer and returns it.
func EnsureSigned(o Origin) (crypto.Address, error) {
	if o.Root || o.Account.IsZero() {
		return crypto.Address{}, ErrRequiresSigned
	}
	return o.Account, nil
}
