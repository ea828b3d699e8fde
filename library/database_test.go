package library

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDB(t *testing.T, opts ...Option) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := NewDatabase(filepath.Join(dir, "test.db"), opts...)
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addBook(t *testing.T, db *Database, copies int, waitlist bool) int64 {
	t.Helper()
	id, err := db.AddBook(context.Background(), NewBook{
		Title:           "Learning Domain-Driven Design",
		Author:          "Vlad Khononov",
		TotalCopies:     copies,
		WaitlistEnabled: waitlist,
	})
	require.NoError(t, err)
	return id
}

func addMember(t *testing.T, db *Database, email string) int64 {
	t.Helper()
	id, err := db.AddMember(context.Background(), email, email, "")
	require.NoError(t, err)
	return id
}

func TestAddBookAndSearch(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	addBook(t, db, 2, true)
	_, err := db.AddBook(ctx, NewBook{LibrarySlug: "quito", Title: "Epic", Author: "Homer", TotalCopies: 1})
	require.NoError(t, err)

	res, err := db.SearchBooks(ctx, "", "homer", 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "quito", res[0].LibrarySlug)
	assert.Equal(t, 1, res[0].AvailableCopies)

	res, err = db.SearchBooks(ctx, DefaultLibrary, "homer", 0)
	require.NoError(t, err)
	assert.Empty(t, res)

	all, err := db.GetAllBooks(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSearchTreatsWildcardsLiterally(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	_, err := db.AddBook(ctx, NewBook{Title: "100% Go", Author: "Gopher", TotalCopies: 1})
	require.NoError(t, err)
	_, err = db.AddBook(ctx, NewBook{Title: "snake_case", Author: "Pythonista", TotalCopies: 1})
	require.NoError(t, err)
	_, err = db.AddBook(ctx, NewBook{Title: "Snakes and Ladders", Author: "Board", TotalCopies: 1})
	require.NoError(t, err)

	res, err := db.SearchBooks(ctx, "", "%", 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "100% Go", res[0].Title)

	res, err = db.SearchBooks(ctx, "", "snake_", 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "snake_case", res[0].Title)

	res, err = db.SearchBooks(ctx, "", "snake", 0)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestGetBookNotFound(t *testing.T) {
	db := tempDB(t)
	_, err := db.GetBook(context.Background(), 4242, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBorrowAndReturnFlow(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	bookID := addBook(t, db, 1, true)
	alice := addMember(t, db, "alice@example.com")
	bob := addMember(t, db, "bob@example.com")

	book, err := db.Borrow(ctx, bookID, alice)
	require.NoError(t, err)
	assert.True(t, book.MyCopy)
	assert.Equal(t, 0, book.AvailableCopies)

	// Bob sees the same book without a copy.
	other, err := db.GetBook(ctx, bookID, bob)
	require.NoError(t, err)
	assert.False(t, other.MyCopy)

	_, err = db.Borrow(ctx, bookID, bob)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrConflict)
	require.NotNil(t, ce.Book)
	assert.Equal(t, 0, ce.Book.AvailableCopies)

	book, err = db.ReturnCopy(ctx, bookID, alice)
	require.NoError(t, err)
	assert.False(t, book.MyCopy)
	assert.Equal(t, 1, book.AvailableCopies)

	_, err = db.ReturnCopy(ctx, bookID, alice)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestWaitlistOrderAndStatus(t *testing.T) {
	clock := time.Date(2019, 9, 1, 10, 0, 0, 0, time.UTC)
	db := tempDB(t, WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	ctx := context.Background()
	bookID := addBook(t, db, 1, true)
	holder := addMember(t, db, "holder@example.com")
	a := addMember(t, db, "a@example.com")
	b := addMember(t, db, "b@example.com")
	c := addMember(t, db, "c@example.com")

	_, err := db.Borrow(ctx, bookID, holder)
	require.NoError(t, err)

	st, err := db.CheckWaitlist(ctx, bookID, c)
	require.NoError(t, err)
	assert.Equal(t, WaitlistEmpty, st.Status)

	for _, m := range []int64{a, b} {
		book, err := db.JoinWaitlist(ctx, bookID, m)
		require.NoError(t, err)
		require.NotNil(t, book.MyWaitlistEntry)
	}

	book, err := db.GetBook(ctx, bookID, 0)
	require.NoError(t, err)
	require.Len(t, book.Waitlist, 2)
	assert.Equal(t, "a@example.com", book.Waitlist[0].Email)
	assert.Equal(t, "b@example.com", book.Waitlist[1].Email)

	st, err = db.CheckWaitlist(ctx, bookID, a)
	require.NoError(t, err)
	assert.Equal(t, WaitlistRequesterFirst, st.Status)

	st, err = db.CheckWaitlist(ctx, bookID, b)
	require.NoError(t, err)
	assert.Equal(t, WaitlistOthersAhead, st.Status)
	assert.Equal(t, []string{"a@example.com"}, st.Users)

	st, err = db.CheckWaitlist(ctx, bookID, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, st.Users)

	// Returning frees the copy; borrowing consumes the borrower's waitlist entry.
	_, err = db.ReturnCopy(ctx, bookID, holder)
	require.NoError(t, err)
	book, err = db.Borrow(ctx, bookID, a)
	require.NoError(t, err)
	assert.True(t, book.MyCopy)
	assert.Nil(t, book.MyWaitlistEntry)
	require.Len(t, book.Waitlist, 1)
	assert.NoError(t, book.Validate())
}

func TestWaitlistEdgeCases(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	noWaitlist := addBook(t, db, 0, false)
	available := addBook(t, db, 1, true)
	exhausted := addBook(t, db, 1, true)
	alice := addMember(t, db, "alice@example.com")
	bob := addMember(t, db, "bob@example.com")

	tests := []struct {
		name   string
		op     func() (*Book, error)
		reason string
	}{
		{"waitlist disabled", func() (*Book, error) { return db.JoinWaitlist(ctx, noWaitlist, alice) }, "does not have a waitlist"},
		{"copies available", func() (*Book, error) { return db.JoinWaitlist(ctx, available, alice) }, "borrow it instead"},
		{"not on waitlist", func() (*Book, error) { return db.LeaveWaitlist(ctx, exhausted, alice) }, "not on the waitlist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.op()
			require.ErrorIs(t, err, ErrConflict)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}

	_, err := db.Borrow(ctx, exhausted, bob)
	require.NoError(t, err)
	_, err = db.JoinWaitlist(ctx, exhausted, bob)
	assert.ErrorContains(t, err, "already have a copy")

	_, err = db.JoinWaitlist(ctx, exhausted, alice)
	require.NoError(t, err)
	_, err = db.JoinWaitlist(ctx, exhausted, alice)
	assert.ErrorContains(t, err, "already on the waitlist")

	book, err := db.LeaveWaitlist(ctx, exhausted, alice)
	require.NoError(t, err)
	assert.Nil(t, book.MyWaitlistEntry)
	assert.Empty(t, book.Waitlist)

	_, err = db.JoinWaitlist(ctx, exhausted, 99999)
	assert.True(t, errors.Is(err, ErrNotFound), "unknown member: %v", err)
}

func TestDuplicateMemberEmail(t *testing.T) {
	db := tempDB(t)
	addMember(t, db, "alice@example.com")
	_, err := db.AddMember(context.Background(), "Alice", "ALICE@example.com ", "")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestActiveLoansBefore(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	db := tempDB(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	bookID := addBook(t, db, 2, true)
	alice := addMember(t, db, "alice@example.com")

	_, err := db.Borrow(ctx, bookID, alice)
	require.NoError(t, err)

	loans, err := db.ActiveLoansBefore(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, "alice@example.com", loans[0].Email)
	assert.Nil(t, loans[0].ReturnedAt)

	loans, err = db.ActiveLoansBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, loans)
}
