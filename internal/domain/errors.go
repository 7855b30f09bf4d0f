package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrMalformedCredential = errors.New("malformed credential")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("validation failed")
)

// ForbiddenError indicates the actor is not the owner required by an operation.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return ErrForbidden.Error()
	}
	return e.Reason
}

func (e ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// ConflictError reports a uniqueness violation detected by the store.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	if e.Reason == "" {
		return ErrConflict.Error()
	}
	return e.Reason
}

func (e ConflictError) Is(target error) bool { return target == ErrConflict }

// ValidationError carries per-field messages.
type ValidationError struct {
	Fields map[string]string
}

func (e ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// Add records a message for field, keeping the first one.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// Err returns e as an error when any field failed, nil otherwise.
func (e ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
