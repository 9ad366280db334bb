// errors.go - Fehler-Konstruktoren der Fassade
package kvcache

import "github.com/kvblock/kvblock/block"

// The façade raises the same four error kinds the block manager does;
// rather than duplicate the types, it reuses block's exported
// constructors so errors.As(&block.InvalidArgumentError{}) works
// regardless of which layer raised the error.
func invalidArgument(format string, args ...any) error {
	return block.NewInvalidArgumentError(format, args...)
}

func invariantViolation(format string, args ...any) error {
	return block.NewInvariantViolationError(format, args...)
}

func capacityExhausted(format string, args ...any) error {
	return block.NewCapacityExhaustedError(format, args...)
}
