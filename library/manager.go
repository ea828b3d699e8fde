package library

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// LibraryManager is a thin façade over the Database, keeping CLI and API code simple.
type LibraryManager struct {
	db *Database
}

// NewLibraryManager opens (or creates) the SQLite database at dbPath.
func NewLibraryManager(dbPath string, opts ...Option) (*LibraryManager, error) {
	db, err := NewDatabase(dbPath, opts...)
	if err != nil {
		return nil, err
	}
	return &LibraryManager{db: db}, nil
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

// ------------------ Book helpers ------------------

func (lm *LibraryManager) AddBook(ctx context.Context, nb NewBook) (int64, error) {
	return lm.db.AddBook(ctx, nb)
}

func (lm *LibraryManager) GetBook(ctx context.Context, bookID, memberID int64) (*Book, error) {
	return lm.db.GetBook(ctx, bookID, memberID)
}

func (lm *LibraryManager) GetAllBooks(ctx context.Context, slug string, memberID int64) ([]*Book, error) {
	return lm.db.GetAllBooks(ctx, slug, memberID)
}

func (lm *LibraryManager) SearchBooks(ctx context.Context, slug, q string, memberID int64) ([]*Book, error) {
	return lm.db.SearchBooks(ctx, slug, q, memberID)
}

// FetchBook returns bookID as seen by memberID, provided it belongs to the
// library identified by slug.
func (lm *LibraryManager) FetchBook(ctx context.Context, slug string, bookID, memberID int64) (*Book, error) {
	b, err := lm.db.GetBook(ctx, bookID, memberID)
	if err != nil {
		return nil, err
	}
	if slug != "" && !strings.EqualFold(b.LibrarySlug, slug) {
		return nil, fmt.Errorf("book %d in library %q: %w", bookID, slug, ErrNotFound)
	}
	return b, nil
}

// ------------------ Member helpers ------------------

// AddMember registers a member with a bcrypt-hashed password.
func (lm *LibraryManager) AddMember(ctx context.Context, name, email, password string) (int64, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(email) == "" {
		return 0, fmt.Errorf("name and email are required")
	}
	if strings.TrimSpace(password) == "" {
		return 0, fmt.Errorf("password cannot be empty")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return 0, err
	}
	return lm.db.AddMember(ctx, strings.TrimSpace(name), email, hash)
}

func (lm *LibraryManager) GetMember(ctx context.Context, id int64) (*Member, error) {
	return lm.db.GetMember(ctx, id)
}

func (lm *LibraryManager) GetMemberByEmail(ctx context.Context, email string) (*Member, error) {
	return lm.db.GetMemberByEmail(ctx, email)
}

func (lm *LibraryManager) GetAllMembers(ctx context.Context) ([]*Member, error) {
	return lm.db.GetAllMembers(ctx)
}

// AuthenticateMember checks password against the stored hash of memberID.
func (lm *LibraryManager) AuthenticateMember(ctx context.Context, memberID int64, password string) error {
	m, err := lm.db.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	return checkPassword(m, password)
}

// Login authenticates by email and returns the member.
func (lm *LibraryManager) Login(ctx context.Context, email, password string) (*Member, error) {
	m, err := lm.db.GetMemberByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if err := checkPassword(m, password); err != nil {
		return nil, err
	}
	return m, nil
}

// ResetMemberPassword stores a new password hash for memberID.
func (lm *LibraryManager) ResetMemberPassword(ctx context.Context, memberID int64, password string) error {
	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("password cannot be empty")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	return lm.db.UpdateMemberPassword(ctx, memberID, hash)
}

func hashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func checkPassword(m *Member, password string) error {
	if m.PasswordHash == "" {
		return fmt.Errorf("member %d has no password set: %w", m.ID, ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)); err != nil {
		return fmt.Errorf("invalid password: %w", ErrUnauthorized)
	}
	return nil
}

// ------------------ Circulation ------------------

func (lm *LibraryManager) Borrow(ctx context.Context, bookID, memberID int64) (*Book, error) {
	return lm.db.Borrow(ctx, bookID, memberID)
}

func (lm *LibraryManager) ReturnCopy(ctx context.Context, bookID, memberID int64) (*Book, error) {
	return lm.db.ReturnCopy(ctx, bookID, memberID)
}

func (lm *LibraryManager) JoinWaitlist(ctx context.Context, bookID, memberID int64) (*Book, error) {
	return lm.db.JoinWaitlist(ctx, bookID, memberID)
}

func (lm *LibraryManager) LeaveWaitlist(ctx context.Context, bookID, memberID int64) (*Book, error) {
	return lm.db.LeaveWaitlist(ctx, bookID, memberID)
}

func (lm *LibraryManager) CheckWaitlist(ctx context.Context, bookID, memberID int64) (*WaitlistStatus, error) {
	return lm.db.CheckWaitlist(ctx, bookID, memberID)
}

// ForMember binds the manager to one viewing member. The result satisfies
// the lending service contract used by the borrow coordinator.
func (lm *LibraryManager) ForMember(memberID int64) *MemberSession {
	return &MemberSession{lm: lm, memberID: memberID}
}

// MemberSession runs lending operations on behalf of one member.
type MemberSession struct {
	lm       *LibraryManager
	memberID int64
}

// MemberID returns the bound member.
func (s *MemberSession) MemberID() int64 { return s.memberID }

func (s *MemberSession) FetchBook(ctx context.Context, slug string, bookID int64) (Book, error) {
	return deref(s.lm.FetchBook(ctx, slug, bookID, s.memberID))
}

func (s *MemberSession) Borrow(ctx context.Context, book Book) (Book, error) {
	return deref(s.lm.Borrow(ctx, book.ID, s.memberID))
}

func (s *MemberSession) ReturnCopy(ctx context.Context, book Book) (Book, error) {
	return deref(s.lm.ReturnCopy(ctx, book.ID, s.memberID))
}

func (s *MemberSession) JoinWaitlist(ctx context.Context, book Book) (Book, error) {
	return deref(s.lm.JoinWaitlist(ctx, book.ID, s.memberID))
}

func (s *MemberSession) LeaveWaitlist(ctx context.Context, book Book) (Book, error) {
	return deref(s.lm.LeaveWaitlist(ctx, book.ID, s.memberID))
}

func (s *MemberSession) CheckWaitlist(ctx context.Context, book Book) (WaitlistStatus, error) {
	st, err := s.lm.CheckWaitlist(ctx, book.ID, s.memberID)
	if err != nil {
		return WaitlistStatus{}, err
	}
	return *st, nil
}

func deref(b *Book, err error) (Book, error) {
	if err != nil {
		return Book{}, err
	}
	return *b, nil
}

// ------------------ Utilities ------------------

// PrettyBook formats a book for lists.
func PrettyBook(b *Book) string {
	return fmt.Sprintf("%-5d %-30s %-25s %3d/%-3d %-8t %d",
		b.ID, truncate(b.Title, 30), truncate(b.Author, 25), b.AvailableCopies, b.TotalCopies, b.WaitlistEnabled, len(b.Waitlist))
}

func truncate(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}
