package lending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-lending/library"
)

const viewerID = int64(1)

type fakeService struct {
	mu sync.Mutex

	fetch  func(library.Book) (library.Book, error)
	check  func(library.Book) (library.WaitlistStatus, error)
	borrow func(library.Book) (library.Book, error)
	ret    func(library.Book) (library.Book, error)
	join   func(library.Book) (library.Book, error)
	leave  func(library.Book) (library.Book, error)

	// gate and entered hold every call but Borrow; commitGate and
	// commitEntered hold Borrow.
	gate          chan struct{}
	entered       chan struct{}
	commitGate    chan struct{}
	commitEntered chan struct{}

	checks   atomic.Int32
	borrows  atomic.Int32
	returns  atomic.Int32
	joins    atomic.Int32
	leaves   atomic.Int32
	lastBook library.Book
}

func (f *fakeService) wait() {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeService) record(b library.Book) {
	f.mu.Lock()
	f.lastBook = b
	f.mu.Unlock()
}

func (f *fakeService) FetchBook(_ context.Context, _ string, id int64) (library.Book, error) {
	if f.fetch != nil {
		return f.fetch(library.Book{ID: id})
	}
	return library.Book{ID: id}, nil
}

func (f *fakeService) CheckWaitlist(_ context.Context, b library.Book) (library.WaitlistStatus, error) {
	f.checks.Add(1)
	f.record(b)
	f.wait()
	if f.check != nil {
		return f.check(b)
	}
	return library.WaitlistStatus{Status: library.WaitlistEmpty}, nil
}

func (f *fakeService) Borrow(_ context.Context, b library.Book) (library.Book, error) {
	f.borrows.Add(1)
	f.record(b)
	if f.commitEntered != nil {
		f.commitEntered <- struct{}{}
	}
	if f.commitGate != nil {
		<-f.commitGate
	}
	if f.borrow != nil {
		return f.borrow(b)
	}
	b.MyCopy = true
	b.AvailableCopies--
	return b, nil
}

func (f *fakeService) ReturnCopy(_ context.Context, b library.Book) (library.Book, error) {
	f.returns.Add(1)
	f.record(b)
	f.wait()
	if f.ret != nil {
		return f.ret(b)
	}
	b.MyCopy = false
	b.AvailableCopies++
	return b, nil
}

func (f *fakeService) JoinWaitlist(_ context.Context, b library.Book) (library.Book, error) {
	f.joins.Add(1)
	f.record(b)
	if f.join != nil {
		return f.join(b)
	}
	e := library.WaitlistEntry{MemberID: viewerID, Email: "me@example.com"}
	b.Waitlist = append(b.Waitlist, e)
	b.MyWaitlistEntry = &e
	return b, nil
}

func (f *fakeService) LeaveWaitlist(_ context.Context, b library.Book) (library.Book, error) {
	f.leaves.Add(1)
	f.record(b)
	if f.leave != nil {
		return f.leave(b)
	}
	b.Waitlist = nil
	b.MyWaitlistEntry = nil
	return b, nil
}

func (f *fakeService) remoteCalls() int32 {
	return f.checks.Load() + f.borrows.Load() + f.returns.Load() + f.joins.Load() + f.leaves.Load()
}

func availableBook() library.Book {
	return library.Book{ID: 10, Title: "Refactoring", TotalCopies: 2, AvailableCopies: 1, WaitlistEnabled: true}
}

func othersAhead(users ...string) func(library.Book) (library.WaitlistStatus, error) {
	return func(library.Book) (library.WaitlistStatus, error) {
		return library.WaitlistStatus{Status: library.WaitlistOthersAhead, Users: users}, nil
	}
}

func TestBorrowUncontestedCommitsImmediately(t *testing.T) {
	for _, status := range []library.WaitlistStatusKind{library.WaitlistEmpty, library.WaitlistRequesterFirst} {
		t.Run(string(status), func(t *testing.T) {
			// arrange
			svc := &fakeService{check: func(library.Book) (library.WaitlistStatus, error) {
				return library.WaitlistStatus{Status: status}, nil
			}}
			c := NewCoordinator(svc, availableBook(), viewerID)
			var seen []library.Book
			c.OnBookChanged(func(b library.Book) { seen = append(seen, b) })

			// act
			state, err := c.TriggerAction(context.Background())

			// assert
			require.NoError(t, err)
			assert.Equal(t, StateIdle, state)
			assert.EqualValues(t, 1, svc.checks.Load())
			assert.EqualValues(t, 1, svc.borrows.Load())
			assert.True(t, c.Book().MyCopy)
			assert.Equal(t, ActionReturn, c.Action())
			require.Len(t, seen, 1)
			assert.True(t, seen[0].MyCopy)
		})
	}
}

func TestBorrowContestedAwaitsConfirmation(t *testing.T) {
	// arrange
	svc := &fakeService{check: othersAhead("b@x.com", "c@x.com")}
	c := NewCoordinator(svc, availableBook(), viewerID)
	notified := 0
	c.OnBookChanged(func(library.Book) { notified++ })

	// act
	state, err := c.TriggerAction(context.Background())

	// assert
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, state)
	assert.Equal(t, StateAwaitingConfirmation, c.State())
	assert.Equal(t, []string{"b@x.com", "c@x.com"}, c.WaitingUsers())
	assert.EqualValues(t, 0, svc.borrows.Load())
	assert.Zero(t, notified)

	// act
	state, err = c.Confirm(context.Background())

	// assert
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.EqualValues(t, 1, svc.borrows.Load())
	assert.True(t, c.Book().MyCopy)
	assert.Empty(t, c.WaitingUsers())
	assert.Equal(t, 1, notified)
}

func TestCancelAbandonsBorrowWithoutRemoteCall(t *testing.T) {
	// arrange
	svc := &fakeService{check: othersAhead("b@x.com")}
	before := availableBook()
	c := NewCoordinator(svc, before, viewerID)
	_, err := c.TriggerAction(context.Background())
	require.NoError(t, err)
	calls := svc.remoteCalls()

	// act
	require.NoError(t, c.Cancel())
	require.NoError(t, c.Cancel())

	// assert
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, calls, svc.remoteCalls())
	assert.EqualValues(t, 0, svc.borrows.Load())
	assert.Equal(t, before, c.Book())
	assert.Equal(t, ActionBorrow, c.Action())
}

func TestConfirmOutsideAwaitingIsRejected(t *testing.T) {
	svc := &fakeService{}
	c := NewCoordinator(svc, availableBook(), viewerID)

	state, err := c.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrNotAwaitingConfirmation)
	assert.Equal(t, StateIdle, state)
	assert.Zero(t, svc.remoteCalls())
}

func TestPrecheckFailureLeavesSnapshot(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{name: "transient", err: library.ErrTransient},
		{name: "not found", err: library.ErrNotFound},
		{name: "conflict", err: &library.ConflictError{Reason: "book changed"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// arrange
			svc := &fakeService{check: func(library.Book) (library.WaitlistStatus, error) {
				return library.WaitlistStatus{}, tc.err
			}}
			before := availableBook()
			c := NewCoordinator(svc, before, viewerID)

			// act
			state, err := c.TriggerAction(context.Background())

			// assert
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, StateIdle, state)
			assert.Equal(t, before, c.Book())
			assert.EqualValues(t, 0, svc.borrows.Load())
		})
	}
}

func TestCommitFailureLeavesSnapshot(t *testing.T) {
	// arrange
	svc := &fakeService{borrow: func(library.Book) (library.Book, error) {
		return library.Book{}, library.ErrTransient
	}}
	before := availableBook()
	c := NewCoordinator(svc, before, viewerID)
	notified := false
	c.OnBookChanged(func(library.Book) { notified = true })

	// act
	state, err := c.TriggerAction(context.Background())

	// assert
	assert.ErrorIs(t, err, library.ErrTransient)
	assert.Equal(t, StateIdle, state)
	assert.Equal(t, before, c.Book())
	assert.False(t, notified)
}

func TestCommitConflictAdoptsFreshSnapshot(t *testing.T) {
	// arrange
	fresh := availableBook()
	fresh.AvailableCopies = 0
	svc := &fakeService{borrow: func(library.Book) (library.Book, error) {
		return library.Book{}, &library.ConflictError{Reason: "no copies available", Book: &fresh}
	}}
	c := NewCoordinator(svc, availableBook(), viewerID)
	var seen []library.Book
	c.OnBookChanged(func(b library.Book) { seen = append(seen, b) })

	// act
	state, err := c.TriggerAction(context.Background())

	// assert
	assert.ErrorIs(t, err, library.ErrConflict)
	assert.Equal(t, StateIdle, state)
	assert.Equal(t, fresh, c.Book())
	assert.Equal(t, ActionJoinWaitlist, c.Action())
	require.Len(t, seen, 1)
	assert.Equal(t, fresh, seen[0])
}

func TestSimpleActions(t *testing.T) {
	entry := library.WaitlistEntry{MemberID: viewerID, Email: "me@example.com"}
	cases := []struct {
		name    string
		book    library.Book
		counter func(*fakeService) int32
		after   Action
	}{
		{
			name:    "return",
			book:    library.Book{ID: 1, TotalCopies: 1, MyCopy: true},
			counter: func(f *fakeService) int32 { return f.returns.Load() },
			after:   ActionBorrow,
		},
		{
			name:    "join",
			book:    library.Book{ID: 2, TotalCopies: 1, WaitlistEnabled: true},
			counter: func(f *fakeService) int32 { return f.joins.Load() },
			after:   ActionLeaveWaitlist,
		},
		{
			name:    "leave",
			book:    library.Book{ID: 3, TotalCopies: 1, WaitlistEnabled: true, Waitlist: []library.WaitlistEntry{entry}, MyWaitlistEntry: &entry},
			counter: func(f *fakeService) int32 { return f.leaves.Load() },
			after:   ActionJoinWaitlist,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{}
			c := NewCoordinator(svc, tc.book, viewerID)
			notified := 0
			c.OnBookChanged(func(library.Book) { notified++ })

			state, err := c.TriggerAction(context.Background())

			require.NoError(t, err)
			assert.Equal(t, StateIdle, state)
			assert.EqualValues(t, 1, tc.counter(svc))
			assert.EqualValues(t, 1, svc.remoteCalls())
			assert.Equal(t, tc.after, c.Action())
			assert.Equal(t, 1, notified)
		})
	}
}

func TestSimpleActionFailureLeavesSnapshot(t *testing.T) {
	svc := &fakeService{ret: func(library.Book) (library.Book, error) {
		return library.Book{}, &library.ConflictError{Reason: "you do not have a copy"}
	}}
	before := library.Book{ID: 1, TotalCopies: 1, MyCopy: true}
	c := NewCoordinator(svc, before, viewerID)

	state, err := c.TriggerAction(context.Background())

	assert.ErrorIs(t, err, library.ErrConflict)
	assert.Equal(t, StateIdle, state)
	assert.Equal(t, before, c.Book())
}

func TestNoActionMakesNoRemoteCall(t *testing.T) {
	svc := &fakeService{}
	c := NewCoordinator(svc, library.Book{ID: 1, TotalCopies: 1}, viewerID)

	state, err := c.TriggerAction(context.Background())

	assert.ErrorIs(t, err, ErrNoAction)
	assert.Equal(t, StateIdle, state)
	assert.Zero(t, svc.remoteCalls())
}

func TestTriggerWhileBusyIsRejected(t *testing.T) {
	// arrange
	svc := &fakeService{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := NewCoordinator(svc, availableBook(), viewerID)
	done := make(chan error, 1)
	go func() {
		_, err := c.TriggerAction(context.Background())
		done <- err
	}()
	<-svc.entered

	// act
	state, err := c.TriggerAction(context.Background())
	cancelErr := c.Cancel()

	// assert
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, StateChecking, state)
	assert.ErrorIs(t, cancelErr, ErrNotAwaitingConfirmation)
	assert.Equal(t, StateChecking, c.State())

	close(svc.gate)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, svc.checks.Load())
	assert.EqualValues(t, 1, svc.borrows.Load())
	assert.Equal(t, StateIdle, c.State())
}

func TestTriggerWhileCommittingIsRejected(t *testing.T) {
	// arrange
	svc := &fakeService{commitGate: make(chan struct{}), commitEntered: make(chan struct{}, 1)}
	c := NewCoordinator(svc, availableBook(), viewerID)
	done := make(chan error, 1)
	go func() {
		_, err := c.TriggerAction(context.Background())
		done <- err
	}()
	<-svc.commitEntered

	// act
	var states []State
	var errs []error
	for range 5 {
		state, err := c.TriggerAction(context.Background())
		states = append(states, state)
		errs = append(errs, err)
	}
	stateDuring := c.State()
	close(svc.commitGate)

	// assert
	for i := range states {
		assert.ErrorIs(t, errs[i], ErrBusy)
		assert.Equal(t, StateCommitting, states[i])
	}
	assert.Equal(t, StateCommitting, stateDuring)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, svc.checks.Load())
	assert.EqualValues(t, 1, svc.borrows.Load())
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, c.Book().MyCopy)
}

func TestTriggerWhileAwaitingConfirmationIsRejected(t *testing.T) {
	svc := &fakeService{check: othersAhead("b@x.com")}
	c := NewCoordinator(svc, availableBook(), viewerID)
	_, err := c.TriggerAction(context.Background())
	require.NoError(t, err)

	state, err := c.TriggerAction(context.Background())

	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, StateAwaitingConfirmation, state)
	assert.EqualValues(t, 1, svc.checks.Load())
}

func TestCancelledContextDoesNotAbortInFlightCall(t *testing.T) {
	// arrange
	svc := &fakeService{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := NewCoordinator(svc, library.Book{ID: 1, TotalCopies: 1, MyCopy: true}, viewerID)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.TriggerAction(ctx)
		done <- err
	}()
	<-svc.entered

	// act
	cancel()
	close(svc.gate)

	// assert
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("action did not complete")
	}
	assert.False(t, c.Book().MyCopy)
}

func TestListenersUnsubscribeAndOrder(t *testing.T) {
	svc := &fakeService{}
	c := NewCoordinator(svc, library.Book{ID: 1, TotalCopies: 1, MyCopy: true}, viewerID)
	var order []string
	c.OnBookChanged(func(library.Book) { order = append(order, "first") })
	unsubscribe := c.OnBookChanged(func(library.Book) { order = append(order, "second") })
	c.OnBookChanged(func(library.Book) { order = append(order, "third") })
	unsubscribe()

	_, err := c.TriggerAction(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "third"}, order)
}

func TestLoad(t *testing.T) {
	svc := &fakeService{}
	c, err := Load(context.Background(), svc, library.DefaultLibrary, 5, viewerID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, c.Book().ID)

	svc.fetch = func(library.Book) (library.Book, error) { return library.Book{}, library.ErrNotFound }
	_, err = Load(context.Background(), svc, library.DefaultLibrary, 5, viewerID)
	assert.ErrorIs(t, err, library.ErrNotFound)
	assert.Equal(t, msgBookNotFound, LoadErrorMessage(err))
}

func TestUserMessages(t *testing.T) {
	assert.Equal(t, msgBookLoadFailed, LoadErrorMessage(errors.New("boom")))
	assert.Equal(t, msgActionConflict, ActionErrorMessage(&library.ConflictError{Reason: "x"}))
	assert.Equal(t, msgActionFailed, ActionErrorMessage(library.ErrTransient))
	assert.Equal(t, msgBookNotFound, ActionErrorMessage(library.ErrNotFound))
	assert.Equal(t, "Users on the wait list: a@x.com, b@x.com", WaitlistUsersLine([]string{"a@x.com", "b@x.com"}))
}
