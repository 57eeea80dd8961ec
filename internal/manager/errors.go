package manager

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidArgument marks bad administrative input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyTerminal is returned when failing a run that is already
	// COMPLETED or FAILED.
	ErrAlreadyTerminal = errors.New("run already terminal")
)
