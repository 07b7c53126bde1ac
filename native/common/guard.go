package common

import "errors"

var (
	ErrShutdownActive    = errors.New("common: emergency shutdown active")
	ErrMustAfterShutdown = errors.New("common: requires emergency shutdown")
)

// ShutdownView exposes the global emergency shutdown flag to modules that
// must gate operations on it.
type ShutdownView interface {
	IsShutdown() bool
}

// Guard rejects the operation when emergency shutdown is active. A nil
// view means no shutdown module is wired and everything is allowed.
func Guard(v ShutdownView) error {
	if v == nil {
		return nil
	}
	if v.IsShutdown() {
		return ErrShutdownActive
	}
	return nil
}

// GuardAfter rejects the operation unless emergency shutdown is active.
func GuardAfter(v ShutdownView) error {
	if v == nil || !v.IsShutdown() {
		return ErrMustAfterShutdown
	}
	return nil
}
