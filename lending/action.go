package lending

import "library-lending/library"

// Action is the single lending action available for a book to one viewer.
type Action int

const (
	ActionNone Action = iota
	ActionBorrow
	ActionReturn
	ActionJoinWaitlist
	ActionLeaveWaitlist
)

func (a Action) String() string {
	switch a {
	case ActionBorrow:
		return "BORROW"
	case ActionReturn:
		return "RETURN"
	case ActionJoinWaitlist:
		return "JOIN_WAITLIST"
	case ActionLeaveWaitlist:
		return "LEAVE_WAITLIST"
	default:
		return "NONE"
	}
}

// Label is the button text for the action.
func (a Action) Label() string {
	switch a {
	case ActionBorrow:
		return "Borrow"
	case ActionReturn:
		return "Return"
	case ActionJoinWaitlist:
		return "Join the waitlist"
	case ActionLeaveWaitlist:
		return "Leave the waitlist"
	default:
		return ""
	}
}

// Resolve derives the action for book as seen by viewer. The first matching
// rule wins: a held copy can only be returned, an available copy is offered
// before any waitlist action, and waitlist membership decides join or leave.
func Resolve(book library.Book, viewer int64) Action {
	switch {
	case book.MyCopy:
		return ActionReturn
	case book.AvailableCopies > 0:
		return ActionBorrow
	case !book.WaitlistEnabled:
		return ActionNone
	case onWaitlist(book, viewer):
		return ActionLeaveWaitlist
	default:
		return ActionJoinWaitlist
	}
}

func onWaitlist(book library.Book, viewer int64) bool {
	if book.MyWaitlistEntry != nil {
		return true
	}
	_, ok := book.WaitlistEntryFor(viewer)
	return ok
}
