// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package diag

import (
	"errors"
	"fmt"
)

// FatalError is the panic value used for contract violations.
type FatalError struct {
	// Component names the package or object that detected the violation,
	// e.g. "mempool" or "timer".
	Component string
	Message   string
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Component == "" {
		return "fatal: " + e.Message
	}
	return e.Component + ": fatal: " + e.Message
}

// Fatalf logs a critical diagnostic and panics with a [*FatalError]. It
// never returns.
func Fatalf(component, format string, args ...any) {
	err := &FatalError{
		Component: component,
		Message:   fmt.Sprintf(format, args...),
	}
	Logger().Crit().
		Str("component", component).
		Log(err.Message)
	panic(err)
}

// AsFatal reports whether v (typically a recovered panic value, or an error
// chain) is, or wraps, a [*FatalError].
func AsFatal(v any) (*FatalError, bool) {
	switch v := v.(type) {
	case *FatalError:
		return v, v != nil
	case error:
		var target *FatalError
		if errors.As(v, &target) {
			return target, true
		}
	}
	return nil, false
}
