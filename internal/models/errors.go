package models

import (
	"errors"
	"fmt"
)

// Error categories. Specific errors below wrap one of these so callers can
// match either the precise condition or its category with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrDeviceUnreachable   = errors.New("device unreachable")
	ErrPersistence         = errors.New("persistence failure")
	ErrOperationInProgress = errors.New("operation in progress")
)

var (
	ErrPlugNotFound     = fmt.Errorf("plug %w", ErrNotFound)
	ErrServerNotFound   = fmt.Errorf("server %w", ErrNotFound)
	ErrNoPlugConfigured = fmt.Errorf("%w: no plug configured", ErrPreconditionFailed)
	ErrNoMACConfigured  = fmt.Errorf("%w: no MAC address configured", ErrPreconditionFailed)
)
