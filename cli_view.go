package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"library-lending/lending"
	"library-lending/library"
)

// bookView renders one book and forwards user input to its coordinator.
type bookView struct {
	coord  *lending.Coordinator
	out    io.Writer
	prompt func(string) (string, error)
}

func runView(ctx context.Context, v *bookView) error {
	unsubscribe := v.coord.OnBookChanged(func(library.Book) {
		fmt.Fprintln(v.out, "Book updated.")
	})
	defer unsubscribe()

	for {
		printBook(v.out, v.coord.Book())
		action := v.coord.Action()
		if action == lending.ActionNone {
			fmt.Fprintln(v.out, "No lending action is available for this book.")
		}
		choices := "[q] quit"
		if action != lending.ActionNone {
			choices = fmt.Sprintf("[a] %s  %s", action.Label(), choices)
		}

		input, err := v.prompt("\n" + choices + "\n> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch strings.ToLower(input) {
		case "a":
			if action == lending.ActionNone {
				fmt.Fprintln(v.out, "Unknown command.")
				continue
			}
			if err := v.trigger(ctx); err != nil {
				return err
			}
		case "q", "quit", "exit":
			return nil
		default:
			fmt.Fprintln(v.out, "Unknown command.")
		}
	}
}

// trigger runs the current action. Only input errors are returned; lending
// failures are shown to the user.
func (v *bookView) trigger(ctx context.Context) error {
	state, err := v.coord.TriggerAction(ctx)
	if err != nil {
		fmt.Fprintln(v.out, lending.ActionErrorMessage(err))
		return nil
	}
	if state != lending.StateAwaitingConfirmation {
		return nil
	}

	fmt.Fprintln(v.out, lending.WaitlistUsersLine(v.coord.WaitingUsers()))
	answer, err := v.prompt(lending.ConfirmationQuestion + " [y/N] ")
	if err != nil && !errors.Is(err, io.EOF) {
		_ = v.coord.Cancel()
		return err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		if _, err := v.coord.Confirm(ctx); err != nil {
			fmt.Fprintln(v.out, lending.ActionErrorMessage(err))
		}
	default:
		if err := v.coord.Cancel(); err != nil {
			return err
		}
		fmt.Fprintln(v.out, "Borrow cancelled.")
	}
	return nil
}

func printBook(out io.Writer, b library.Book) {
	fmt.Fprintf(out, "%s\n", b.Title)
	fmt.Fprintf(out, "by %s\n", b.Author)
	if b.ImageURL != "" {
		fmt.Fprintf(out, "Cover: %s\n", b.ImageURL)
	}
	fmt.Fprintf(out, "Copies available: %d of %d\n", b.AvailableCopies, b.TotalCopies)
	if b.WaitlistEnabled {
		fmt.Fprintf(out, "Waitlist: %d waiting\n", len(b.Waitlist))
	}
	switch {
	case b.MyCopy:
		fmt.Fprintln(out, "You have a copy of this book.")
	case b.MyWaitlistEntry != nil:
		fmt.Fprintf(out, "You are on the waitlist since %s.\n", b.MyWaitlistEntry.JoinedAt.Format("Jan 2, 2006"))
	}
}
