package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"library-lending/api"
	"library-lending/config"
	"library-lending/lending"
	"library-lending/library"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the lending API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.JWTSecret == "" {
				return errors.New("--jwt-secret (or LIBRARY_JWT_SECRET) is required")
			}
			mgr, err := a.openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			handler := api.New(mgr, []byte(a.cfg.JWTSecret),
				api.WithLogger(a.logger),
				api.WithTokenTTL(a.cfg.TokenTTL),
			).Routes()
			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("api.listening", "addr", a.cfg.Listen, "db", a.cfg.DBPath)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.logger.Info("api.shutdown")
			return srv.Shutdown(shutdownCtx)
		},
	}
	flags := cmd.Flags()
	flags.String(config.KeyListen, "127.0.0.1:8080", "listen address")
	flags.String(config.KeyJWTSecret, "", "HS256 secret for member tokens")
	flags.Duration(config.KeyTokenTTL, api.DefaultTokenTTL, "lifetime of issued tokens")
	mustBind(a.v, flags)
	return cmd
}

func newLoginCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Obtain a token from the lending server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.Remote() {
				return errors.New("login needs --server")
			}
			if a.cfg.Member == "" {
				return errors.New("--member is required")
			}
			password, err := a.readPassword(cmd, fmt.Sprintf("Password for %s: ", a.cfg.Member))
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			_, resp, err := api.NewClient(a.cfg.Server).Login(cmd.Context(), a.cfg.Member, password)
			if err != nil {
				return fmt.Errorf("authentication failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Welcome, %s.\n", resp.Member.Name)
			fmt.Fprintf(out, "export %s_TOKEN=%s\n", config.EnvPrefix, resp.Token)
			return nil
		},
	}
}

func newViewCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "view <book-id>",
		Short: "Open a book and act on it interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book")
			if err != nil {
				return err
			}
			svc, viewer, closeFn, err := a.lendingService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			coord, err := lending.Load(cmd.Context(), svc, a.cfg.Library, bookID, viewer, lending.WithLogger(a.logger))
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), lending.LoadErrorMessage(err))
				return err
			}
			return runView(cmd.Context(), &bookView{
				coord: coord,
				out:   cmd.OutOrStdout(),
				prompt: func(p string) (string, error) {
					return a.readLine(cmd, p)
				},
			})
		},
	}
}

func newLendingCommand(a *app, use, short string, action lending.Action) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   use + " <book-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book")
			if err != nil {
				return err
			}
			svc, viewer, closeFn, err := a.lendingService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			coord, err := lending.Load(cmd.Context(), svc, a.cfg.Library, bookID, viewer, lending.WithLogger(a.logger))
			if err != nil {
				fmt.Fprintln(out, lending.LoadErrorMessage(err))
				return err
			}
			if current := coord.Action(); current != action {
				return fmt.Errorf("cannot %s this book: available action is %s", use, current)
			}

			state, err := coord.TriggerAction(cmd.Context())
			if err == nil && state == lending.StateAwaitingConfirmation {
				fmt.Fprintln(out, lending.WaitlistUsersLine(coord.WaitingUsers()))
				if !yes {
					if cerr := coord.Cancel(); cerr != nil {
						return cerr
					}
					fmt.Fprintln(out, "Borrow cancelled: other members are waiting. Re-run with --yes to borrow anyway.")
					return nil
				}
				_, err = coord.Confirm(cmd.Context())
			}
			if err != nil {
				fmt.Fprintln(out, lending.ActionErrorMessage(err))
				return err
			}
			printBook(out, coord.Book())
			return nil
		},
	}
	if action == lending.ActionBorrow {
		cmd.Flags().BoolVarP(&yes, "yes", "y", false, "borrow even when other members are on the waitlist")
	}
	return cmd
}

func newRemindCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Print reminders for loans held longer than the loan term",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			reminders, err := mgr.OverdueReminders(cmd.Context(), time.Now(), a.cfg.ReminderMonths)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range reminders {
				a.logger.Info("library.reminder.rendered", "to", r.To, "book_id", r.Loan.BookID, "borrowed_at", r.Loan.BorrowedAt)
				fmt.Fprintf(out, "From: %s\nTo: %s\nSubject: %s\n\n%s\n---\n", r.From, r.To, r.Subject, r.Body)
			}
			fmt.Fprintf(out, "%d reminder(s).\n", len(reminders))
			return nil
		},
	}
	cmd.Flags().Int(config.KeyReminderMonths, library.DefaultMaxLoanMonths, "months a copy may be kept before a reminder is sent")
	mustBind(a.v, cmd.Flags())
	return cmd
}
