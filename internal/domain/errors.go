package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyID        = errors.New("empty id")
	ErrEmptyTenant    = errors.New("empty tenant")
	ErrUnknownTrigger = errors.New("unknown trigger kind")
	ErrUnknownTarget  = errors.New("unknown target kind")
)

// ConfigurationError reports a malformed entity at construction or
// mutation time. It is never persisted; the caller sees it immediately.
type ConfigurationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Entity, e.Field, e.Reason)
}

func configErr(entity, field, reason string) error {
	return &ConfigurationError{Entity: entity, Field: field, Reason: reason}
}

// TransitionError reports a state-machine method invoked from a state
// that does not permit it. It is a programming-invariant violation,
// never retried.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Entity, e.From, e.To)
}

func transitionErr(entity, from, to string) error {
	return &TransitionError{Entity: entity, From: from, To: to}
}
