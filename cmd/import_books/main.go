package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/spf13/cobra"
	"golang.org/x/text/unicode/norm"
	"pkt.systems/pslog"

	"library-lending/library"
)

func main() {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("LIBRARY_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "import_books")

	if err := newImportCommand(logger).ExecuteContext(context.Background()); err != nil {
		logger.Error("import failed", "error", err)
		os.Exit(1)
	}
}

func newImportCommand(logger pslog.Logger) *cobra.Command {
	var dbPath, slug string
	cmd := &cobra.Command{
		Use:           "import_books <catalog.csv>",
		Short:         "Import a CSV catalog, skipping books already present",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			books, err := parseCatalog(f)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			manager, err := library.NewLibraryManager(dbPath, library.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("error opening database: %w", err)
			}
			defer manager.Close()

			res, err := importBooks(cmd.Context(), manager, slug, books)
			out := cmd.OutOrStdout()
			for _, line := range res.lines {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "\nImport complete!\n")
			fmt.Fprintf(out, "Successfully imported: %d books\n", res.added)
			fmt.Fprintf(out, "Skipped: %d\n", res.skipped)
			return err
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "library.db", "path to the SQLite database")
	cmd.Flags().StringVar(&slug, "library", library.DefaultLibrary, "library slug the books belong to")
	return cmd
}

// parseCatalog reads a CSV with a header row naming at least the title and
// author columns. copies, waitlist and image_url are optional.
func parseCatalog(r io.Reader) ([]library.NewBook, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty catalog")
		}
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"title", "author"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing %q column", required)
		}
	}
	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var books []library.NewBook
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		nb := library.NewBook{
			Title:       field(row, "title"),
			Author:      field(row, "author"),
			ImageURL:    field(row, "image_url"),
			TotalCopies: 1,
		}
		if nb.Title == "" || nb.Author == "" {
			return nil, fmt.Errorf("line %d: title and author are required", line)
		}
		if v := field(row, "copies"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("line %d: invalid copies %q", line, v)
			}
			nb.TotalCopies = n
		}
		if v := field(row, "waitlist"); v != "" {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid waitlist %q", line, v)
			}
			nb.WaitlistEnabled = enabled
		}
		books = append(books, nb)
	}
	return books, nil
}

type importResult struct {
	added   int
	skipped int
	lines   []string
}

func importBooks(ctx context.Context, mgr *library.LibraryManager, slug string, books []library.NewBook) (importResult, error) {
	var res importResult
	existing, err := mgr.GetAllBooks(ctx, slug, 0)
	if err != nil {
		return res, fmt.Errorf("error retrieving books: %w", err)
	}
	seen := make(map[string]struct{}, len(existing)+len(books))
	for _, b := range existing {
		seen[bookKey(b.Title, b.Author)] = struct{}{}
	}

	for _, nb := range books {
		key := bookKey(nb.Title, nb.Author)
		if _, dup := seen[key]; dup {
			res.skipped++
			res.lines = append(res.lines, fmt.Sprintf("Skipping: %s by %s (already in catalog)", nb.Title, nb.Author))
			continue
		}
		nb.LibrarySlug = slug
		id, err := mgr.AddBook(ctx, nb)
		if err != nil {
			return res, fmt.Errorf("import %q: %w", nb.Title, err)
		}
		seen[key] = struct{}{}
		res.added++
		res.lines = append(res.lines, fmt.Sprintf("Importing: %s by %s... SUCCESS (ID: %d)", nb.Title, nb.Author, id))
	}
	return res, nil
}

func bookKey(title, author string) string {
	return normalize(title) + "\x00" + normalize(author)
}

// normalize lowercases s and strips combining marks so that accented and
// unaccented spellings compare equal.
func normalize(s string) string {
	decomposed := norm.NFD.String(strings.ToLower(strings.TrimSpace(s)))
	var sb strings.Builder
	for _, r := range decomposed {
		if !unicode.Is(unicode.Mn, r) {
			sb.WriteRune(r)
		}
	}
	return norm.NFC.String(strings.Join(strings.Fields(sb.String()), " "))
}
