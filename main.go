package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"pkt.systems/pslog"

	"library-lending/api"
	"library-lending/config"
	"library-lending/lending"
	"library-lending/library"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("LIBRARY_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "library")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(baseLogger)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			baseLogger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

// app carries the resolved configuration of one invocation.
type app struct {
	v          *viper.Viper
	cfg        config.Config
	baseLogger pslog.Logger
	logger     pslog.Logger
	scanner    *bufio.Scanner
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := &app{v: config.New(), baseLogger: baseLogger, logger: baseLogger}
	cmd := &cobra.Command{
		Use:           "library",
		Short:         "Library catalog, lending and waitlists",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	pf := cmd.PersistentFlags()
	pf.String(config.KeyConfig, "", "path to a YAML config file")
	pf.String(config.KeyDB, "library.db", "path to the SQLite database")
	pf.String(config.KeyLogLevel, "info", "log level (trace, debug, info, warn, error)")
	pf.String(config.KeyServer, "", "lending server URL; lending commands go through it when set")
	pf.String(config.KeyToken, "", "bearer token for --server (see `library login`)")
	pf.String(config.KeyLibrary, library.DefaultLibrary, "library slug")
	pf.String(config.KeyMember, "", "member email used for lending commands")
	mustBind(a.v, pf)

	cmd.AddCommand(
		newServeCommand(a),
		newBookCommand(a),
		newMemberCommand(a),
		newLoginCommand(a),
		newViewCommand(a),
		newLendingCommand(a, "borrow", "Borrow a copy of a book", lending.ActionBorrow),
		newLendingCommand(a, "return", "Return your copy of a book", lending.ActionReturn),
		newLendingCommand(a, "join", "Join the waitlist of a book", lending.ActionJoinWaitlist),
		newLendingCommand(a, "leave", "Leave the waitlist of a book", lending.ActionLeaveWaitlist),
		newRemindCommand(a),
	)
	return cmd
}

func mustBind(v *viper.Viper, flags *pflag.FlagSet) {
	if err := config.BindFlags(v, flags); err != nil {
		panic(err)
	}
}

func (a *app) load() error {
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	level, ok := pslog.ParseLevel(cfg.LogLevel)
	if !ok {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	a.cfg = cfg
	a.logger = a.baseLogger.LogLevel(level)
	return nil
}

func (a *app) openManager() (*library.LibraryManager, error) {
	mgr, err := library.NewLibraryManager(a.cfg.DBPath, library.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", a.cfg.DBPath, err)
	}
	return mgr, nil
}

func (a *app) lines(cmd *cobra.Command) *bufio.Scanner {
	if a.scanner == nil {
		a.scanner = bufio.NewScanner(cmd.InOrStdin())
	}
	return a.scanner
}

// readLine prints prompt and returns the next trimmed input line.
func (a *app) readLine(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	sc := a.lines(cmd)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(sc.Text()), nil
}

// readPassword reads a password with masking when stdin is a terminal.
func (a *app) readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.OutOrStdout(), prompt)
		bytePassword, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return strings.TrimSpace(string(bytePassword)), nil
	}
	return a.readLine(cmd, prompt)
}

// lendingService returns the service acting for the configured member: an
// API client when --server is set, otherwise the local database after a
// password check.
func (a *app) lendingService(cmd *cobra.Command) (lending.Service, int64, func() error, error) {
	if a.cfg.Remote() {
		if a.cfg.Token == "" {
			return nil, 0, nil, errors.New("no token for the lending server: run `library login` and set LIBRARY_TOKEN")
		}
		viewer, err := api.TokenSubject(a.cfg.Token)
		if err != nil {
			return nil, 0, nil, err
		}
		client := api.NewClient(a.cfg.Server, api.WithToken(a.cfg.Token))
		return client, viewer, func() error { return nil }, nil
	}

	if a.cfg.Member == "" {
		return nil, 0, nil, errors.New("--member is required")
	}
	mgr, err := a.openManager()
	if err != nil {
		return nil, 0, nil, err
	}
	password, err := a.readPassword(cmd, fmt.Sprintf("Password for %s: ", a.cfg.Member))
	if err != nil {
		mgr.Close()
		return nil, 0, nil, fmt.Errorf("failed to read password: %w", err)
	}
	m, err := mgr.Login(cmd.Context(), a.cfg.Member, password)
	if err != nil {
		mgr.Close()
		return nil, 0, nil, fmt.Errorf("authentication failed: %w", err)
	}
	return mgr.ForMember(m.ID), m.ID, mgr.Close, nil
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s ID: %s", what, s)
	}
	return id, nil
}
