package lending

import (
	"errors"
	"strings"

	"library-lending/library"
)

const (
	msgBookNotFound   = "Sorry, we could not find the book you were looking for."
	msgBookLoadFailed = "Sorry, we could not load the book. Please try again."
	msgActionConflict = "This action is no longer available. The book has been refreshed, please try again."
	msgActionFailed   = "Something went wrong. Please try again."
	msgBusy           = "Please wait, your previous request is still being processed."

	// ConfirmationQuestion is asked before borrowing a book others are waiting for.
	ConfirmationQuestion = "Do you wish to proceed and borrow this book?"
)

// LoadErrorMessage is the user-facing text for a failure to fetch a book.
func LoadErrorMessage(err error) string {
	if errors.Is(err, library.ErrNotFound) {
		return msgBookNotFound
	}
	return msgBookLoadFailed
}

// ActionErrorMessage is the user-facing text for a failed lending action.
func ActionErrorMessage(err error) string {
	switch {
	case errors.Is(err, library.ErrNotFound):
		return msgBookNotFound
	case errors.Is(err, library.ErrConflict):
		return msgActionConflict
	case errors.Is(err, ErrBusy):
		return msgBusy
	default:
		return msgActionFailed
	}
}

// WaitlistUsersLine lists the users a borrower would be skipping.
func WaitlistUsersLine(users []string) string {
	return "Users on the wait list: " + strings.Join(users, ", ")
}
