// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity is in a state that forbids the operation.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates the caller supplied malformed input.
var ErrValidation = errors.New("validation failed")

// ErrNoAgentAvailable indicates routing found no idle agent for an objective.
// The router never queues; the submitter decides whether to retry.
var ErrNoAgentAvailable = errors.New("no agent available")
