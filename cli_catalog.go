package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"library-lending/library"
)

func newBookCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Manage the catalog",
	}
	cmd.AddCommand(newBookAddCommand(a), newBookListCommand(a), newBookSearchCommand(a), newBookShowCommand(a))
	return cmd
}

func newBookAddCommand(a *app) *cobra.Command {
	var nb library.NewBook
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a book to the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nb.Title = strings.TrimSpace(nb.Title)
			nb.Author = strings.TrimSpace(nb.Author)
			if nb.Title == "" || nb.Author == "" {
				return fmt.Errorf("--title and --author are required")
			}
			nb.LibrarySlug = a.cfg.Library
			mgr, err := a.openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			id, err := mgr.AddBook(cmd.Context(), nb)
			if err != nil {
				return fmt.Errorf("error adding book: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added book ID %d (%d copies).\n", id, nb.TotalCopies)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&nb.Title, "title", "", "book title")
	flags.StringVar(&nb.Author, "author", "", "book author")
	flags.StringVar(&nb.ImageURL, "image", "", "cover image URL")
	flags.IntVar(&nb.TotalCopies, "copies", 1, "number of copies")
	flags.BoolVar(&nb.WaitlistEnabled, "waitlist", false, "enable the waitlist")
	return cmd
}

func newBookListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the books of the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			books, err := mgr.GetAllBooks(cmd.Context(), a.cfg.Library, 0)
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No books in library.")
				return nil
			}
			printBookTable(cmd, books)
			return nil
		},
	}
}

func newBookSearchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search books by title or author",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			mgr, err := a.openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			books, err := mgr.SearchBooks(cmd.Context(), a.cfg.Library, query, 0)
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No books found matching '%s'.\n", query)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Found %d book(s) matching '%s':\n", len(books), query)
			printBookTable(cmd, books)
			return nil
		},
	}
}

func newBookShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <book-id>",
		Short: "Show a book with its waitlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book")
			if err != nil {
				return err
			}
			mgr, err := a.openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			book, err := mgr.FetchBook(cmd.Context(), a.cfg.Library, bookID, 0)
			if err != nil {
				return err
			}
			printBook(cmd.OutOrStdout(), *book)
			for i, e := range book.Waitlist {
				fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s (since %s)\n", i+1, e.Email, e.JoinedAt.Format("Jan 2, 2006"))
			}
			return nil
		},
	}
}

func printBookTable(cmd *cobra.Command, books []*library.Book) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-5s %-30s %-25s %-7s %-8s %s\n", "ID", "Title", "Author", "Copies", "Waitlist", "Queued")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, b := range books {
		fmt.Fprintln(out, library.PrettyBook(b))
	}
}

func newMemberCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage members",
	}
	cmd.AddCommand(newMemberAddCommand(a), newMemberListCommand(a), newMemberResetPasswordCommand(a))
	return cmd
}

func newMemberAddCommand(a *app) *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			password, err := a.readPassword(cmd, fmt.Sprintf("Enter password for %s: ", name))
			if err != nil {
				return fmt.Errorf("error reading password: %w", err)
			}
			id, err := mgr.AddMember(cmd.Context(), name, email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added member '%s' with ID %d\n", name, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "member name")
	cmd.Flags().StringVar(&email, "email", "", "member email, shown to other patrons on waitlists")
	return cmd
}

func newMemberListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			members, err := mgr.GetAllMembers(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(members) == 0 {
				fmt.Fprintln(out, "No members registered.")
				return nil
			}
			fmt.Fprintf(out, "%-5s %-30s %-30s\n", "ID", "Name", "Email")
			fmt.Fprintln(out, strings.Repeat("-", 67))
			for _, m := range members {
				fmt.Fprintf(out, "%-5d %-30s %-30s\n", m.ID, m.Name, m.Email)
			}
			return nil
		},
	}
}

func newMemberResetPasswordCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <member-id>",
		Short: "Set a new password for a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID(args[0], "member")
			if err != nil {
				return err
			}
			mgr, err := a.openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			member, err := mgr.GetMember(cmd.Context(), memberID)
			if err != nil {
				return fmt.Errorf("member with ID %d: %w", memberID, err)
			}
			password, err := a.readPassword(cmd, fmt.Sprintf("Enter new password for %s (ID: %d): ", member.Name, memberID))
			if err != nil {
				return fmt.Errorf("error reading password: %w", err)
			}
			if err := mgr.ResetMemberPassword(cmd.Context(), memberID, password); err != nil {
				return fmt.Errorf("error resetting password: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password successfully reset for %s (ID: %d)\n", member.Name, memberID)
			return nil
		},
	}
}
