package library

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a book, member or resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a lending action is no longer valid for the
	// current state of the book.
	ErrConflict = errors.New("conflict")

	// ErrTransient is returned for storage or network failures worth retrying by hand.
	ErrTransient = errors.New("temporarily unavailable")

	// ErrUnauthorized is returned when member credentials do not match.
	ErrUnauthorized = errors.New("unauthorized")
)

// ConflictError explains why a lending action was refused. Book, when set,
// is the fresh snapshot at the time of the refusal.
type ConflictError struct {
	Reason string
	Book   *Book
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func (e *ConflictError) Unwrap() error { return ErrConflict }

func conflict(book *Book, format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...), Book: book}
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrTransient, err))
}
