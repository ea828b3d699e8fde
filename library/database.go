package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"pkt.systems/pslog"
)

const (
	tableBooks    = "books"
	tableMembers  = "members"
	tableLoans    = "loans"
	tableWaitlist = "waitlist"

	// DefaultLibrary is used for books added without an explicit library slug.
	DefaultLibrary = "default"
)

var dialect = goqu.Dialect("sqlite3")

// Database provides high-level helpers around a SQLite connection.
type Database struct {
	db     *sqlx.DB
	logger pslog.Logger
	now    func() time.Time
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger used for storage events.
func WithLogger(logger pslog.Logger) Option {
	return func(d *Database) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock replaces time.Now for loan and waitlist timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Database) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDatabase opens (or creates) the SQLite database at dbPath and applies
// schema migrations.
func NewDatabase(dbPath string, opts ...Option) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Enable busy_timeout, foreign keys, and take the write lock when a
	// transaction starts so lending transactions never need a lock upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	d := &Database{db: db, logger: pslog.NoopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close closes the DB.
func (d *Database) Close() error {
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 3

func applyMigrations(db *sqlx.DB) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS members (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            email TEXT NOT NULL UNIQUE,
            password_hash TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            library_slug TEXT NOT NULL DEFAULT 'default',
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            image_url TEXT NOT NULL DEFAULT '',
            total_copies INTEGER NOT NULL DEFAULT 1 CHECK (total_copies >= 0),
            waitlist_enabled BOOLEAN NOT NULL DEFAULT 1
        );`,
		`CREATE TABLE IF NOT EXISTS loans (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            book_id INTEGER NOT NULL REFERENCES books(id),
            member_id INTEGER NOT NULL REFERENCES members(id),
            borrowed_at DATETIME NOT NULL,
            returned_at DATETIME
        );`,
		`CREATE INDEX IF NOT EXISTS idx_loans_active ON loans(book_id, member_id) WHERE returned_at IS NULL;`,
		`CREATE TABLE IF NOT EXISTS waitlist (
		    id INTEGER PRIMARY KEY AUTOINCREMENT,
		    book_id INTEGER NOT NULL REFERENCES books(id),
		    member_id INTEGER NOT NULL REFERENCES members(id),
		    joined_at DATETIME NOT NULL,
		    UNIQUE(book_id, member_id)
		);`,
		`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, schemaVersion); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

// AddMember inserts a member. passwordHash may be empty.
func (d *Database) AddMember(ctx context.Context, name, email, passwordHash string) (int64, error) {
	query, args, err := dialect.Insert(tableMembers).
		Rows(goqu.Record{"name": name, "email": normalizeEmail(email), "password_hash": passwordHash}).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, err
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, conflict(nil, "email %s is already registered", email)
		}
		return 0, transient("add member", err)
	}
	return res.LastInsertId()
}

// GetMember fetches a single member.
func (d *Database) GetMember(ctx context.Context, id int64) (*Member, error) {
	return d.getMember(ctx, goqu.C("id").Eq(id))
}

// GetMemberByEmail fetches a member by (case-insensitive) email.
func (d *Database) GetMemberByEmail(ctx context.Context, email string) (*Member, error) {
	return d.getMember(ctx, goqu.C("email").Eq(normalizeEmail(email)))
}

func (d *Database) getMember(ctx context.Context, where exp.Expression) (*Member, error) {
	query, args, err := dialect.From(tableMembers).
		Select("id", "name", "email", "password_hash").
		Where(where).Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	var m Member
	if err := d.db.GetContext(ctx, &m, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("member: %w", ErrNotFound)
		}
		return nil, transient("get member", err)
	}
	return &m, nil
}

// GetAllMembers returns all members.
func (d *Database) GetAllMembers(ctx context.Context) ([]*Member, error) {
	query, args, err := dialect.From(tableMembers).
		Select("id", "name", "email", "password_hash").
		Order(goqu.C("id").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	var members []*Member
	if err := d.db.SelectContext(ctx, &members, query, args...); err != nil {
		return nil, transient("list members", err)
	}
	return members, nil
}

// UpdateMemberPassword replaces a member's password hash.
func (d *Database) UpdateMemberPassword(ctx context.Context, id int64, passwordHash string) error {
	query, args, err := dialect.Update(tableMembers).
		Set(goqu.Record{"password_hash": passwordHash}).
		Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return transient("update password", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %d: %w", id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// NewBook holds the catalog fields of a book to add.
type NewBook struct {
	LibrarySlug     string
	Title           string
	Author          string
	ImageURL        string
	TotalCopies     int
	WaitlistEnabled bool
}

// AddBook inserts a catalog entry.
func (d *Database) AddBook(ctx context.Context, nb NewBook) (int64, error) {
	if strings.TrimSpace(nb.Title) == "" {
		return 0, fmt.Errorf("title is required")
	}
	if nb.TotalCopies < 0 {
		return 0, fmt.Errorf("total copies must not be negative")
	}
	slug := strings.TrimSpace(nb.LibrarySlug)
	if slug == "" {
		slug = DefaultLibrary
	}
	query, args, err := dialect.Insert(tableBooks).Rows(goqu.Record{
		"library_slug":     slug,
		"title":            strings.TrimSpace(nb.Title),
		"author":           strings.TrimSpace(nb.Author),
		"image_url":        strings.TrimSpace(nb.ImageURL),
		"total_copies":     nb.TotalCopies,
		"waitlist_enabled": nb.WaitlistEnabled,
	}).Prepared(true).ToSQL()
	if err != nil {
		return 0, err
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, transient("add book", err)
	}
	return res.LastInsertId()
}

// bookRow is the stored part of a Book plus its active loan count.
type bookRow struct {
	ID              int64  `db:"id"`
	LibrarySlug     string `db:"library_slug"`
	Title           string `db:"title"`
	Author          string `db:"author"`
	ImageURL        string `db:"image_url"`
	TotalCopies     int    `db:"total_copies"`
	WaitlistEnabled bool   `db:"waitlist_enabled"`
	ActiveLoans     int    `db:"active_loans"`
}

func selectBooks() *goqu.SelectDataset {
	activeLoans := dialect.From(tableLoans).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.I("loans.book_id").Eq(goqu.I("books.id")),
			goqu.I("loans.returned_at").IsNull(),
		)
	return dialect.From(tableBooks).Select(
		goqu.I("books.id"),
		goqu.I("books.library_slug"),
		goqu.I("books.title"),
		goqu.I("books.author"),
		goqu.I("books.image_url"),
		goqu.I("books.total_copies"),
		goqu.I("books.waitlist_enabled"),
		activeLoans.As("active_loans"),
	)
}

// GetBook returns the snapshot of bookID as seen by memberID. memberID 0
// means an anonymous viewer.
func (d *Database) GetBook(ctx context.Context, bookID, memberID int64) (*Book, error) {
	return loadBook(ctx, d.db, bookID, memberID)
}

// GetAllBooks returns the snapshots of every book in a library, ordered by id.
func (d *Database) GetAllBooks(ctx context.Context, slug string, memberID int64) ([]*Book, error) {
	ds := selectBooks().Order(goqu.I("books.id").Asc())
	if slug != "" {
		ds = ds.Where(goqu.I("books.library_slug").Eq(slug))
	}
	return d.queryBooks(ctx, ds, memberID)
}

// likeEscaper makes % and _ in search input match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchBooks matches q against title and author, case-insensitively.
func (d *Database) SearchBooks(ctx context.Context, slug, q string, memberID int64) ([]*Book, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []*Book{}, nil
	}
	pattern := "%" + likeEscaper.Replace(strings.ToLower(q)) + "%"
	ds := selectBooks().Where(goqu.Or(
		goqu.L(`LOWER(books.title) LIKE ? ESCAPE '\'`, pattern),
		goqu.L(`LOWER(books.author) LIKE ? ESCAPE '\'`, pattern),
	)).Order(goqu.I("books.title").Asc())
	if slug != "" {
		ds = ds.Where(goqu.I("books.library_slug").Eq(slug))
	}
	return d.queryBooks(ctx, ds, memberID)
}

func (d *Database) queryBooks(ctx context.Context, ds *goqu.SelectDataset, memberID int64) ([]*Book, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	var rows []bookRow
	if err := d.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, transient("list books", err)
	}
	books := make([]*Book, 0, len(rows))
	for _, row := range rows {
		b, err := assembleBook(ctx, d.db, row, memberID)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, nil
}

func loadBook(ctx context.Context, q sqlx.QueryerContext, bookID, memberID int64) (*Book, error) {
	query, args, err := selectBooks().Where(goqu.I("books.id").Eq(bookID)).Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	var row bookRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("book %d: %w", bookID, ErrNotFound)
		}
		return nil, transient("get book", err)
	}
	return assembleBook(ctx, q, row, memberID)
}

func assembleBook(ctx context.Context, q sqlx.QueryerContext, row bookRow, memberID int64) (*Book, error) {
	waitlist, err := loadWaitlist(ctx, q, row.ID)
	if err != nil {
		return nil, err
	}
	available := row.TotalCopies - row.ActiveLoans
	if available < 0 {
		available = 0
	}
	b := &Book{
		ID:              row.ID,
		LibrarySlug:     row.LibrarySlug,
		Title:           row.Title,
		Author:          row.Author,
		ImageURL:        row.ImageURL,
		TotalCopies:     row.TotalCopies,
		AvailableCopies: available,
		WaitlistEnabled: row.WaitlistEnabled,
		Waitlist:        waitlist,
	}
	if memberID == 0 {
		return b, nil
	}
	if b.MyCopy, err = hasActiveLoan(ctx, q, row.ID, memberID); err != nil {
		return nil, err
	}
	if entry, ok := b.WaitlistEntryFor(memberID); ok {
		b.MyWaitlistEntry = &entry
	}
	return b, nil
}

func loadWaitlist(ctx context.Context, q sqlx.QueryerContext, bookID int64) ([]WaitlistEntry, error) {
	query, args, err := dialect.From(tableWaitlist).
		Join(goqu.T(tableMembers), goqu.On(goqu.I("members.id").Eq(goqu.I("waitlist.member_id")))).
		Select(goqu.I("waitlist.member_id"), goqu.I("members.email"), goqu.I("waitlist.joined_at")).
		Where(goqu.I("waitlist.book_id").Eq(bookID)).
		Order(goqu.I("waitlist.joined_at").Asc(), goqu.I("waitlist.id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	entries := []WaitlistEntry{}
	if err := sqlx.SelectContext(ctx, q, &entries, query, args...); err != nil {
		return nil, transient("load waitlist", err)
	}
	return entries, nil
}

func hasActiveLoan(ctx context.Context, q sqlx.QueryerContext, bookID, memberID int64) (bool, error) {
	query, args, err := dialect.From(tableLoans).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C("book_id").Eq(bookID),
			goqu.C("member_id").Eq(memberID),
			goqu.C("returned_at").IsNull(),
		).Prepared(true).ToSQL()
	if err != nil {
		return false, err
	}
	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return false, transient("check loan", err)
	}
	return n > 0, nil
}

// ---------------------------------------------------------------------------
// Circulation
// ---------------------------------------------------------------------------

// inTx runs fn in one immediate transaction and reloads the book for memberID
// afterwards. fn may return a *ConflictError; its snapshot is filled in from
// the rolled-back state.
func (d *Database) inTx(ctx context.Context, op string, bookID, memberID int64, fn func(tx *sqlx.Tx, book *Book) error) (*Book, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, transient(op, err)
	}
	defer tx.Rollback()

	book, err := loadBook(ctx, tx, bookID, memberID)
	if err != nil {
		return nil, err
	}
	if _, err := d.getMemberTx(ctx, tx, memberID); err != nil {
		return nil, err
	}

	if err := fn(tx, book); err != nil {
		var ce *ConflictError
		if errors.As(err, &ce) && ce.Book == nil {
			ce.Book = book
		}
		d.logger.Info("library."+op+".refused", "book_id", bookID, "member_id", memberID, "error", err)
		return nil, err
	}

	updated, err := loadBook(ctx, tx, bookID, memberID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, transient(op, err)
	}
	d.logger.Debug("library."+op+".committed", "book_id", bookID, "member_id", memberID,
		"available", updated.AvailableCopies, "waitlist", len(updated.Waitlist))
	return updated, nil
}

// getMemberTx fetches a member inside tx.
func (d *Database) getMemberTx(ctx context.Context, tx *sqlx.Tx, id int64) (*Member, error) {
	query, args, err := dialect.From(tableMembers).
		Select("id", "name", "email", "password_hash").
		Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	var m Member
	if err := tx.GetContext(ctx, &m, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("member %d: %w", id, ErrNotFound)
		}
		return nil, transient("get member", err)
	}
	return &m, nil
}

func execTx(ctx context.Context, tx *sqlx.Tx, ds interface {
	ToSQL() (string, []any, error)
}) (sql.Result, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, transient("exec", err)
	}
	return res, nil
}

// Borrow lends one copy of bookID to memberID. The member's waitlist entry,
// if any, is consumed by the loan.
func (d *Database) Borrow(ctx context.Context, bookID, memberID int64) (*Book, error) {
	return d.inTx(ctx, "borrow", bookID, memberID, func(tx *sqlx.Tx, book *Book) error {
		if book.MyCopy {
			return conflict(nil, "you already have a copy of this book")
		}
		if book.AvailableCopies <= 0 {
			return conflict(nil, "no copies of this book are available")
		}
		if _, err := execTx(ctx, tx, dialect.Insert(tableLoans).Rows(goqu.Record{
			"book_id":     bookID,
			"member_id":   memberID,
			"borrowed_at": d.now().UTC(),
		}).Prepared(true)); err != nil {
			return err
		}
		_, err := execTx(ctx, tx, dialect.Delete(tableWaitlist).Where(
			goqu.C("book_id").Eq(bookID),
			goqu.C("member_id").Eq(memberID),
		).Prepared(true))
		return err
	})
}

// ReturnCopy ends memberID's active loan of bookID.
func (d *Database) ReturnCopy(ctx context.Context, bookID, memberID int64) (*Book, error) {
	return d.inTx(ctx, "return", bookID, memberID, func(tx *sqlx.Tx, book *Book) error {
		if !book.MyCopy {
			return conflict(nil, "you do not have a copy of this book")
		}
		_, err := execTx(ctx, tx, dialect.Update(tableLoans).
			Set(goqu.Record{"returned_at": d.now().UTC()}).
			Where(
				goqu.C("book_id").Eq(bookID),
				goqu.C("member_id").Eq(memberID),
				goqu.C("returned_at").IsNull(),
			).Prepared(true))
		if err == nil && len(book.Waitlist) > 0 {
			d.logger.Info("library.return.waitlist_pending", "book_id", bookID, "next", book.Waitlist[0].Email)
		}
		return err
	})
}

// JoinWaitlist queues memberID for bookID at the end of the waitlist.
func (d *Database) JoinWaitlist(ctx context.Context, bookID, memberID int64) (*Book, error) {
	return d.inTx(ctx, "join_waitlist", bookID, memberID, func(tx *sqlx.Tx, book *Book) error {
		switch {
		case !book.WaitlistEnabled:
			return conflict(nil, "this book does not have a waitlist")
		case book.MyCopy:
			return conflict(nil, "you already have a copy of this book")
		case book.MyWaitlistEntry != nil:
			return conflict(nil, "you are already on the waitlist")
		case book.AvailableCopies > 0:
			return conflict(nil, "a copy is available, borrow it instead")
		}
		_, err := execTx(ctx, tx, dialect.Insert(tableWaitlist).Rows(goqu.Record{
			"book_id":   bookID,
			"member_id": memberID,
			"joined_at": d.now().UTC(),
		}).Prepared(true))
		return err
	})
}

// LeaveWaitlist removes memberID from the waitlist of bookID.
func (d *Database) LeaveWaitlist(ctx context.Context, bookID, memberID int64) (*Book, error) {
	return d.inTx(ctx, "leave_waitlist", bookID, memberID, func(tx *sqlx.Tx, book *Book) error {
		if book.MyWaitlistEntry == nil {
			return conflict(nil, "you are not on the waitlist")
		}
		_, err := execTx(ctx, tx, dialect.Delete(tableWaitlist).Where(
			goqu.C("book_id").Eq(bookID),
			goqu.C("member_id").Eq(memberID),
		).Prepared(true))
		return err
	})
}

// CheckWaitlist reports whether other members are queued for bookID ahead of
// or alongside memberID.
func (d *Database) CheckWaitlist(ctx context.Context, bookID, memberID int64) (*WaitlistStatus, error) {
	book, err := loadBook(ctx, d.db, bookID, memberID)
	if err != nil {
		return nil, err
	}
	return waitlistStatusFor(book, memberID), nil
}

func waitlistStatusFor(book *Book, memberID int64) *WaitlistStatus {
	if len(book.Waitlist) == 0 {
		return &WaitlistStatus{Status: WaitlistEmpty}
	}
	if book.Waitlist[0].MemberID == memberID {
		return &WaitlistStatus{Status: WaitlistRequesterFirst}
	}
	others := make([]string, 0, len(book.Waitlist))
	for _, e := range book.Waitlist {
		if e.MemberID != memberID {
			others = append(others, e.Email)
		}
	}
	return &WaitlistStatus{Status: WaitlistOthersAhead, Users: others}
}

// ActiveLoansBefore returns active loans borrowed before cutoff, oldest first.
func (d *Database) ActiveLoansBefore(ctx context.Context, cutoff time.Time) ([]Loan, error) {
	query, args, err := dialect.From(tableLoans).
		Join(goqu.T(tableBooks), goqu.On(goqu.I("books.id").Eq(goqu.I("loans.book_id")))).
		Join(goqu.T(tableMembers), goqu.On(goqu.I("members.id").Eq(goqu.I("loans.member_id")))).
		Select(
			goqu.I("loans.id"), goqu.I("loans.book_id"), goqu.I("books.title"),
			goqu.I("loans.member_id"), goqu.I("members.email"),
			goqu.I("loans.borrowed_at"), goqu.I("loans.returned_at"),
		).
		Where(
			goqu.I("loans.returned_at").IsNull(),
			goqu.I("loans.borrowed_at").Lt(cutoff.UTC()),
		).
		Order(goqu.I("loans.borrowed_at").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	var loans []Loan
	if err := d.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, transient("list loans", err)
	}
	return loans, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
