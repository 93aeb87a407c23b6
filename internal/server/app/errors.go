package app

import "errors"

var (
	// ErrTaskNotFound is returned for lookups of unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTerminalTask is returned when an update would move a task out of a
	// terminal status.
	ErrTerminalTask = errors.New("task is in a terminal status")

	// ErrEmptyDescription is returned when a task is created without text.
	ErrEmptyDescription = errors.New("task description is required")

	// ErrInvalidSignature is returned when webhook signature verification fails.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMissingSignature is returned when a required signature header is absent.
	ErrMissingSignature = errors.New("missing webhook signature")
)
