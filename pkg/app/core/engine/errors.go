package engine

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

// Sentinels matched with errors.Is. The typed errors below unwrap to them.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrShuttingDown = errors.New("engine is shutting down")
	ErrMarketHalted = errors.New("market halted")
)

// ValidationError rejects a malformed submission before it reaches the book.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string // "order", "market", "trade"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// UnauthorizedError is a cancel attempted by someone other than the owner.
type UnauthorizedError struct {
	OrderID     string
	RequesterID string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s may not cancel order %s", e.RequesterID, e.OrderID)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// ConflictError is a cancel of an order that already reached a terminal status.
type ConflictError struct {
	OrderID string
	Status  order.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s is already %s", e.OrderID, e.Status)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
