package lending

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"pkt.systems/pslog"

	"library-lending/library"
)

const (
	logMsgTriggerRejected   = "lending.trigger.rejected"
	logMsgPrecheckFailed    = "lending.borrow.precheck_failed"
	logMsgAwaitConfirmation = "lending.borrow.awaiting_confirmation"
	logMsgBorrowCommitted   = "lending.borrow.committed"
	logMsgBorrowFailed      = "lending.borrow.failed"
	logMsgBorrowCancelled   = "lending.borrow.cancelled"
	logMsgActionCompleted   = "lending.action.completed"
	logMsgActionFailed      = "lending.action.failed"
	logMsgConflictAdopted   = "lending.conflict.snapshot_adopted"
	logMsgInvalidSnapshot   = "lending.snapshot.invalid"
	logAttrBookID           = "book_id"
	logAttrViewer           = "viewer"
	logAttrAction           = "action"
	logAttrState            = "state"
	logAttrUsers            = "users"
	logAttrError            = "error"
)

var (
	// ErrBusy is returned when an action is triggered while another lending
	// operation of the same coordinator is in flight.
	ErrBusy = errors.New("a lending operation is already in progress")

	// ErrNotAwaitingConfirmation is returned by Confirm and Cancel outside the
	// confirmation step of a borrow.
	ErrNotAwaitingConfirmation = errors.New("no borrow is awaiting confirmation")

	// ErrNoAction is returned when the book offers no action to the viewer.
	ErrNoAction = errors.New("no lending action is available for this book")
)

// Service is the remote lending collaborator. Every call acts on behalf of
// the viewing member and returns the authoritative result.
type Service interface {
	FetchBook(ctx context.Context, librarySlug string, bookID int64) (library.Book, error)
	Borrow(ctx context.Context, book library.Book) (library.Book, error)
	ReturnCopy(ctx context.Context, book library.Book) (library.Book, error)
	CheckWaitlist(ctx context.Context, book library.Book) (library.WaitlistStatus, error)
	JoinWaitlist(ctx context.Context, book library.Book) (library.Book, error)
	LeaveWaitlist(ctx context.Context, book library.Book) (library.Book, error)
}

// State is the position of a coordinator in the lending state machine.
type State int

const (
	StateIdle State = iota
	StateChecking
	StateAwaitingConfirmation
	StateCommitting
	StateSubmitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateChecking:
		return "CHECKING"
	case StateAwaitingConfirmation:
		return "AWAITING_CONFIRMATION"
	case StateCommitting:
		return "COMMITTING"
	case StateSubmitting:
		return "SUBMITTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BookListener receives every replacement snapshot.
type BookListener func(library.Book)

type listenerEntry struct {
	id int
	fn BookListener
}

// Coordinator drives the lending actions of one viewer on one book. Borrow
// runs in two phases: a waitlist precheck, then a commit that happens right
// away when the claim is uncontested and only after Confirm otherwise. At
// most one operation is in flight at a time; remote calls are made without
// holding the lock, and an operation that has started always runs to
// completion even if the caller's context is cancelled.
type Coordinator struct {
	svc      Service
	viewer   int64
	logger   pslog.Logger
	validate bool

	mu        sync.Mutex
	book      library.Book
	state     State
	waiting   []string
	listeners []listenerEntry
	nextID    int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for state transitions.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSnapshotValidation logs snapshots that break the Book invariants.
func WithSnapshotValidation() Option {
	return func(c *Coordinator) {
		c.validate = true
	}
}

// NewCoordinator creates an idle coordinator holding book for viewer.
func NewCoordinator(svc Service, book library.Book, viewer int64, opts ...Option) *Coordinator {
	c := &Coordinator{
		svc:    svc,
		viewer: viewer,
		logger: pslog.NoopLogger(),
		book:   book,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.checkSnapshot(book)
	return c
}

// Load fetches the book and returns a coordinator for it.
func Load(ctx context.Context, svc Service, librarySlug string, bookID, viewer int64, opts ...Option) (*Coordinator, error) {
	book, err := svc.FetchBook(ctx, librarySlug, bookID)
	if err != nil {
		return nil, err
	}
	return NewCoordinator(svc, book, viewer, opts...), nil
}

// Book returns the current snapshot.
func (c *Coordinator) Book() library.Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.book
}

// Action returns the action currently offered to the viewer.
func (c *Coordinator) Action() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Resolve(c.book, c.viewer)
}

// State returns the current machine state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitingUsers returns the other queued users while awaiting confirmation.
func (c *Coordinator) WaitingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.waiting)
}

// OnBookChanged registers fn for snapshot replacements. Listeners run in
// registration order, outside the coordinator lock.
func (c *Coordinator) OnBookChanged(fn BookListener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners = slices.DeleteFunc(c.listeners, func(e listenerEntry) bool { return e.id == id })
	}
}

// TriggerAction performs the current action. For a contested borrow it
// returns StateAwaitingConfirmation and a nil error; the loan is only made
// after Confirm.
func (c *Coordinator) TriggerAction(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state, id := c.state, c.book.ID
		c.mu.Unlock()
		c.logger.Debug(logMsgTriggerRejected, logAttrBookID, id, logAttrState, state.String())
		return state, ErrBusy
	}
	book := c.book
	action := Resolve(book, c.viewer)
	switch action {
	case ActionNone:
		c.mu.Unlock()
		return StateIdle, ErrNoAction
	case ActionBorrow:
		c.state = StateChecking
	default:
		c.state = StateSubmitting
	}
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if action == ActionBorrow {
		return c.precheck(ctx, book)
	}
	return c.submit(ctx, action, book)
}

func (c *Coordinator) precheck(ctx context.Context, book library.Book) (State, error) {
	status, err := c.svc.CheckWaitlist(ctx, book)
	if err != nil {
		c.logger.Warn(logMsgPrecheckFailed, logAttrBookID, book.ID, logAttrError, err)
		return c.toIdle(), err
	}

	switch status.Status {
	case library.WaitlistEmpty, library.WaitlistRequesterFirst:
		c.mu.Lock()
		c.state = StateCommitting
		c.mu.Unlock()
		return c.commit(ctx, book)
	case library.WaitlistOthersAhead:
		c.mu.Lock()
		c.state = StateAwaitingConfirmation
		c.waiting = slices.Clone(status.Users)
		c.mu.Unlock()
		c.logger.Info(logMsgAwaitConfirmation, logAttrBookID, book.ID, logAttrUsers, status.Users)
		return StateAwaitingConfirmation, nil
	default:
		return c.toIdle(), fmt.Errorf("unknown waitlist status %q: %w", status.Status, library.ErrTransient)
	}
}

// Confirm commits a borrow that is awaiting confirmation.
func (c *Coordinator) Confirm(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state != StateAwaitingConfirmation {
		state := c.state
		c.mu.Unlock()
		return state, ErrNotAwaitingConfirmation
	}
	c.state = StateCommitting
	c.waiting = nil
	book := c.book
	c.mu.Unlock()

	return c.commit(context.WithoutCancel(ctx), book)
}

// Cancel abandons a borrow that is awaiting confirmation without any remote
// call. It is a no-op when idle.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateIdle:
		return nil
	case StateAwaitingConfirmation:
		c.state = StateIdle
		c.waiting = nil
		c.logger.Info(logMsgBorrowCancelled, logAttrBookID, c.book.ID)
		return nil
	default:
		return ErrNotAwaitingConfirmation
	}
}

func (c *Coordinator) commit(ctx context.Context, book library.Book) (State, error) {
	updated, err := c.svc.Borrow(ctx, book)
	if err != nil {
		c.logger.Warn(logMsgBorrowFailed, logAttrBookID, book.ID, logAttrError, err)
		var ce *library.ConflictError
		if errors.As(err, &ce) && ce.Book != nil {
			c.logger.Info(logMsgConflictAdopted, logAttrBookID, book.ID)
			c.replace(*ce.Book)
			return StateIdle, err
		}
		return c.toIdle(), err
	}
	c.logger.Info(logMsgBorrowCommitted, logAttrBookID, book.ID, logAttrViewer, c.viewer)
	c.replace(updated)
	return StateIdle, nil
}

func (c *Coordinator) submit(ctx context.Context, action Action, book library.Book) (State, error) {
	var call func(context.Context, library.Book) (library.Book, error)
	switch action {
	case ActionReturn:
		call = c.svc.ReturnCopy
	case ActionJoinWaitlist:
		call = c.svc.JoinWaitlist
	case ActionLeaveWaitlist:
		call = c.svc.LeaveWaitlist
	default:
		return c.toIdle(), ErrNoAction
	}

	updated, err := call(ctx, book)
	if err != nil {
		c.logger.Warn(logMsgActionFailed, logAttrBookID, book.ID, logAttrAction, action.String(), logAttrError, err)
		return c.toIdle(), err
	}
	c.logger.Info(logMsgActionCompleted, logAttrBookID, book.ID, logAttrAction, action.String())
	c.replace(updated)
	return StateIdle, nil
}

func (c *Coordinator) toIdle() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.waiting = nil
	return StateIdle
}

// replace installs a new snapshot, returns to idle and notifies listeners.
func (c *Coordinator) replace(book library.Book) {
	c.checkSnapshot(book)
	c.mu.Lock()
	c.book = book
	c.state = StateIdle
	c.waiting = nil
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.fn(book)
	}
}

func (c *Coordinator) checkSnapshot(book library.Book) {
	if !c.validate {
		return
	}
	if err := book.Validate(); err != nil {
		c.logger.Error(logMsgInvalidSnapshot, logAttrBookID, book.ID, logAttrError, err)
	}
}
