package library

import (
	"fmt"
	"time"
)

// Book is a snapshot of a catalog item as seen by one member. MyCopy and
// MyWaitlistEntry are relative to that member. Snapshots are replaced
// wholesale after every lending operation, never patched.
type Book struct {
	ID              int64           `json:"id"`
	LibrarySlug     string          `json:"library_slug"`
	Title           string          `json:"title"`
	Author          string          `json:"author"`
	ImageURL        string          `json:"image_url"`
	TotalCopies     int             `json:"total_copies"`
	AvailableCopies int             `json:"available_copies"`
	MyCopy          bool            `json:"my_copy"`
	WaitlistEnabled bool            `json:"waitlist_enabled"`
	Waitlist        []WaitlistEntry `json:"waitlist"`
	MyWaitlistEntry *WaitlistEntry  `json:"my_waitlist_entry,omitempty"`
}

// WaitlistEntry is one position in a book's waitlist. Email doubles as the
// display identifier shown to other patrons.
type WaitlistEntry struct {
	MemberID int64     `json:"member_id" db:"member_id"`
	Email    string    `json:"email" db:"email"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
}

// WaitlistEntryFor returns the entry of memberID, if queued.
func (b Book) WaitlistEntryFor(memberID int64) (WaitlistEntry, bool) {
	for _, e := range b.Waitlist {
		if e.MemberID == memberID {
			return e, true
		}
	}
	return WaitlistEntry{}, false
}

// Validate checks the snapshot invariants.
func (b Book) Validate() error {
	if b.TotalCopies < 0 || b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies {
		return fmt.Errorf("book %d: invalid copy counts %d/%d", b.ID, b.AvailableCopies, b.TotalCopies)
	}
	if b.MyCopy && b.MyWaitlistEntry != nil {
		return fmt.Errorf("book %d: member holds a copy and is on the waitlist", b.ID)
	}
	seen := make(map[int64]struct{}, len(b.Waitlist))
	for _, e := range b.Waitlist {
		if _, dup := seen[e.MemberID]; dup {
			return fmt.Errorf("book %d: member %d queued twice", b.ID, e.MemberID)
		}
		seen[e.MemberID] = struct{}{}
	}
	return nil
}

// WaitlistStatusKind is the outcome of a borrow precheck.
type WaitlistStatusKind string

const (
	WaitlistEmpty          WaitlistStatusKind = "no_waitlist"
	WaitlistRequesterFirst WaitlistStatusKind = "first_on_waitlist"
	WaitlistOthersAhead    WaitlistStatusKind = "others_are_waiting"
)

// WaitlistStatus is returned by the borrow precheck. Users lists the other
// queued members, in queue order, when Status is WaitlistOthersAhead.
type WaitlistStatus struct {
	Status WaitlistStatusKind `json:"status"`
	Users  []string           `json:"users,omitempty"`
}

// Member represents a registered library member.
type Member struct {
	ID           int64  `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	Email        string `json:"email" db:"email"`
	PasswordHash string `json:"-" db:"password_hash"` // Don't serialize password hash
}

// Loan is an active or finished checkout of one copy.
type Loan struct {
	ID         int64      `json:"id" db:"id"`
	BookID     int64      `json:"book_id" db:"book_id"`
	BookTitle  string     `json:"book_title" db:"title"`
	MemberID   int64      `json:"member_id" db:"member_id"`
	Email      string     `json:"email" db:"email"`
	BorrowedAt time.Time  `json:"borrowed_at" db:"borrowed_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty" db:"returned_at"`
}
